package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/feedline/feedline/breaker"
	"github.com/feedline/feedline/cache"
	"github.com/feedline/feedline/events"
	"github.com/feedline/feedline/feed"
	"github.com/feedline/feedline/store"
)

// processedTTL is how long a fingerprint stays in the shared dedup window.
const processedTTL = 24 * time.Hour

// failure pairs a record with the error that sank it. A nil error means
// the record failed without a concrete cause attached.
type failure struct {
	record *kgo.Record
	err    error
}

// processBatch applies one polled batch: every record is either
// acknowledged, dead-lettered, or held for redelivery, and a single
// commit covers everything acknowledged.
func (ix *Indexer) processBatch(ctx context.Context, records []*kgo.Record) {
	log.WithField("size", len(records)).Info("processing batch")

	var done []*kgo.Record
	var failed []failure

	for _, rec := range records {
		var ack, err = ix.processRecord(ctx, rec)
		if ack {
			done = append(done, rec)
		} else {
			failed = append(failed, failure{record: rec, err: err})
		}
	}

	var successful = len(done)
	if len(failed) != 0 {
		done = append(done, ix.deadLetter(ctx, failed)...)
	}

	if len(done) != 0 {
		if err := ix.client.CommitRecords(ctx, done...); err != nil {
			log.WithField("error", err).Warn("failed to commit offsets")
		} else {
			log.WithField("count", len(done)).Debug("committed offsets")
		}
	}

	log.WithFields(log.Fields{
		"total":      len(records),
		"successful": successful,
		"failed":     len(failed),
	}).Info("batch processed")
}

// processRecord runs one record through the pipeline. ack reports
// whether the record's offset may be committed; a false ack routes the
// record to the dead-letter handling with err as its cause.
func (ix *Indexer) processRecord(ctx context.Context, rec *kgo.Record) (ack bool, err error) {
	var ev feed.Event
	if err = json.Unmarshal(rec.Value, &ev); err != nil {
		return false, fmt.Errorf("decoding event: %w", err)
	}

	if ev.Transaction == nil {
		log.WithField("event", ev.Type).Warn("message missing transaction payload")
		return true, nil
	}

	var fp = ev.Fingerprint()
	if ix.isDuplicate(ctx, fp) {
		duplicatesSkipped.Inc()
		log.WithFields(log.Fields{
			"fingerprint": fp,
			"id":          ev.Transaction.ID(),
		}).Info("duplicate message, skipping")
		return true, nil
	}

	switch ev.Type {
	case feed.EventCreated, feed.EventUpdated:
		return ix.processWrite(ctx, ev, fp)
	case feed.EventDeleted:
		return ix.processDelete(ctx, ev, fp)
	default:
		// Unknown events must not wedge the partition.
		log.WithField("event", ev.Type).Warn("unknown event type")
		return true, nil
	}
}

// processWrite indexes a created or updated transaction and mirrors it
// into the audit store.
func (ix *Indexer) processWrite(ctx context.Context, ev feed.Event, fp string) (bool, error) {
	var doc, err = ix.enrich(ev.Transaction)
	if err != nil {
		return false, fmt.Errorf("enriching transaction: %w", err)
	}

	var version = ix.resolveVersion(ctx, ev, doc.ID())
	doc[feed.DocVersion] = version
	doc[feed.DocUpdatedAt] = ix.now().UTC().Format(time.RFC3339Nano)

	var indexErr = ix.index.IndexDocument(ctx, doc, &version)
	var auditErr = ix.auditUpsert(ctx, doc)

	if indexErr == nil {
		if auditErr != nil {
			log.WithFields(log.Fields{
				"id":    doc.ID(),
				"error": auditErr,
			}).Warn("audit store write failed")
		}
		ix.markProcessed(ctx, fp)
		log.WithFields(log.Fields{
			"id":      doc.ID(),
			"event":   ev.Type,
			"version": version,
		}).Info("transaction indexed")
		return true, nil
	}

	if errors.Is(indexErr, breaker.ErrOpen) && auditErr == nil {
		// The audit store holds the durable record; the index catches up
		// once the breaker closes.
		ix.markProcessed(ctx, fp)
		log.WithFields(log.Fields{
			"id":    doc.ID(),
			"event": ev.Type,
		}).Warn("transaction written to audit store but not indexed, circuit breaker open")
		return true, nil
	}
	return false, indexErr
}

// processDelete removes a transaction from the index and the audit store.
func (ix *Indexer) processDelete(ctx context.Context, ev feed.Event, fp string) (bool, error) {
	var id = ev.Transaction.ID()
	if id == "" {
		// Nothing to delete by, and no concrete error to attach.
		return false, nil
	}

	var indexErr = ix.index.Delete(ctx, id)
	var auditErr = ix.auditDelete(ctx, id)

	if indexErr == nil {
		if auditErr != nil {
			log.WithFields(log.Fields{
				"id":    id,
				"error": auditErr,
			}).Warn("audit store delete failed")
		}
		ix.markProcessed(ctx, fp)
		log.WithField("id", id).Info("transaction deleted")
		return true, nil
	}

	if errors.Is(indexErr, breaker.ErrOpen) && auditErr == nil {
		ix.markProcessed(ctx, fp)
		log.WithField("id", id).Warn("transaction removed from audit store but not the index, circuit breaker open")
		return true, nil
	}
	return false, indexErr
}

// enrich normalizes the event payload, runs the type strategy over its
// metadata, synthesizes search content when absent, and stamps the
// document as enriched.
func (ix *Indexer) enrich(in feed.Document) (feed.Document, error) {
	if raw, ok := in["metadata"]; ok && raw != nil {
		if _, isObject := raw.(map[string]any); !isObject {
			return nil, fmt.Errorf("metadata is %T, not an object", raw)
		}
	}

	var doc = in.Normalize()
	var strategy = ix.strategies.For(doc.TxType())

	if md := doc.Metadata(); len(md) != 0 {
		doc["metadata"] = map[string]any(strategy.EnrichMetadata(feed.Metadata(md)))
	}

	if doc.SearchContent() == "" {
		if tx, err := doc.ToTransaction(); err == nil {
			doc["search_content"] = strategy.BuildSearchContent(tx)
		} else {
			log.WithFields(log.Fields{
				"id":    doc.ID(),
				"error": err,
			}).Warn("failed to build search content")
			doc["search_content"] = fmt.Sprintf("%s %v %s %s",
				doc.TxType(), doc["amount"], doc["currency"], doc["status"])
		}
	}

	doc[feed.DocEnriched] = true
	doc[feed.DocEnrichedAt] = ix.now().UTC().Format(time.RFC3339Nano)
	return doc, nil
}

// resolveVersion honors a producer-assigned version, and otherwise
// derives the next version from what the index already holds. An
// unreadable index yields version 1 and lets external_gte sort it out.
func (ix *Indexer) resolveVersion(ctx context.Context, ev feed.Event, id string) int64 {
	if ev.Version != nil {
		return *ev.Version
	}
	var current, err = ix.index.CurrentVersion(ctx, id)
	if err != nil {
		return 1
	}
	return current + 1
}

func (ix *Indexer) auditUpsert(ctx context.Context, doc feed.Document) error {
	if !ix.auditEnabled {
		return nil
	}
	var tx, err = doc.ToTransaction()
	if err != nil {
		return fmt.Errorf("converting document: %w", err)
	}
	return ix.audit.Upsert(ctx, tx)
}

func (ix *Indexer) auditDelete(ctx context.Context, id string) error {
	if !ix.auditEnabled {
		return nil
	}
	var uid, err = uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("parsing transaction id: %w", err)
	}
	if err = ix.audit.Delete(ctx, uid); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// isDuplicate checks the in-process set first and the shared cache
// second. A cache miss of any kind reads as "not seen".
func (ix *Indexer) isDuplicate(ctx context.Context, fp string) bool {
	if _, ok := ix.seen.Get(fp); ok {
		return true
	}
	var stamp map[string]string
	return ix.cache.Get(ctx, cache.ProcessedKey(fp), &stamp) == nil
}

func (ix *Indexer) markProcessed(ctx context.Context, fp string) {
	messagesProcessed.Inc()
	ix.seen.Add(fp, struct{}{})
	ix.cache.Set(ctx, cache.ProcessedKey(fp), map[string]string{
		"processed_at": ix.now().UTC().Format(time.RFC3339Nano),
	}, processedTTL)
}

// deadLetter forwards failed records to the dead-letter topic and
// returns those whose DLQ write acknowledged; only they may be
// committed. With the index breaker open, failures are presumed
// transient and held for redelivery instead.
func (ix *Indexer) deadLetter(ctx context.Context, failed []failure) []*kgo.Record {
	if ix.esBreaker.State() == breaker.Open {
		log.WithField("count", len(failed)).Info("holding failed messages for redelivery, circuit breaker open")
		return nil
	}

	var committable []*kgo.Record
	var dlqTopic = events.DLQTopic(ix.topic)
	for _, f := range failed {
		var reason = "unknown error"
		if f.err != nil {
			reason = f.err.Error()
		}
		if err := ix.dlq.PublishDLQ(ctx, dlqTopic, f.record.Value, reason); err != nil {
			log.WithField("error", err).Error("failed to dead-letter message")
			continue
		}
		deadLettered.Inc()
		committable = append(committable, f.record)
	}
	return committable
}
