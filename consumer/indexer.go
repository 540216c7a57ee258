// Package consumer implements the indexing pipeline: it drains
// transaction events from the log and folds them into the search index
// and the audit store, deduplicating by event fingerprint and assigning
// monotonic document versions. Parallelism comes from running more
// consumer processes in the same group; within a process, batches are
// handled sequentially.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/feedline/feedline/breaker"
	"github.com/feedline/feedline/cache"
	"github.com/feedline/feedline/enrich"
	"github.com/feedline/feedline/events"
	"github.com/feedline/feedline/feed"
	"github.com/feedline/feedline/search"
	"github.com/feedline/feedline/store"
)

// dedupCapacity bounds the in-process fingerprint set. The shared cache
// holds the full 24h dedup window; this set only spares round trips.
const dedupCapacity = 100000

// pingTimeout bounds the index probe of the breaker recovery check.
const pingTimeout = 5 * time.Second

// SearchIndex is the slice of search.Index the pipeline writes through.
type SearchIndex interface {
	IndexDocument(ctx context.Context, doc feed.Document, version *int64) error
	CurrentVersion(ctx context.Context, id string) (int64, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// AuditStore is the durable relational record behind the index.
type AuditStore interface {
	Upsert(ctx context.Context, tx *feed.Transaction) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ProcessedCache shares the fingerprint dedup window across processes.
type ProcessedCache interface {
	Get(ctx context.Context, key string, into any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration)
}

// DeadLetters receives messages which permanently failed processing.
type DeadLetters interface {
	PublishDLQ(ctx context.Context, topic string, original []byte, reason string) error
}

var (
	_ SearchIndex    = (*search.Index)(nil)
	_ AuditStore     = (*store.Store)(nil)
	_ ProcessedCache = (*cache.Cache)(nil)
	_ DeadLetters    = (*events.Publisher)(nil)
)

// recordClient is the slice of kgo.Client the poll loop uses.
type recordClient interface {
	PollRecords(ctx context.Context, max int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

var _ recordClient = (*kgo.Client)(nil)

// Config tunes the consumer group membership and batching.
type Config struct {
	Brokers       []string
	Topic         string
	Group         string
	OffsetReset   string
	BatchSize     int
	BatchTimeout  time.Duration
	CheckInterval time.Duration
	AuditEnabled  bool
}

// Deps are the downstream services the pipeline fans out to.
type Deps struct {
	Index      SearchIndex
	Audit      AuditStore
	Cache      ProcessedCache
	DLQ        DeadLetters
	Strategies *enrich.Registry
	ESBreaker  *breaker.Breaker
}

// Indexer drains the event topic and applies each batch to the index
// and the audit store.
type Indexer struct {
	client recordClient
	index  SearchIndex
	audit  AuditStore
	cache  ProcessedCache
	dlq    DeadLetters

	strategies *enrich.Registry
	esBreaker  *breaker.Breaker

	topic         string
	batchSize     int
	batchTimeout  time.Duration
	checkInterval time.Duration
	auditEnabled  bool

	seen *lru.Cache[string, struct{}]
	now  func() time.Time
}

// NewClient dials the brokers as a member of the consumer group. The
// client also carries producer settings so the dead-letter publisher can
// share it.
func NewClient(cfg Config) (*kgo.Client, error) {
	var client, err = kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(cfg.BatchTimeout),
		kgo.ConsumeResetOffset(resetOffset(cfg.OffsetReset)),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("building kafka client: %w", err)
	}
	return client, nil
}

// resetOffset maps an offset reset policy onto a starting offset for
// partitions with no committed position.
func resetOffset(policy string) kgo.Offset {
	switch policy {
	case "latest":
		return kgo.NewOffset().AtEnd()
	case "none":
		return kgo.NewOffset().AtCommitted()
	default: // earliest
		return kgo.NewOffset().AtStart()
	}
}

// NewIndexer assembles an Indexer around an existing client.
func NewIndexer(cfg Config, client *kgo.Client, deps Deps) (*Indexer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}

	var seen, err = lru.New[string, struct{}](dedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("building dedup set: %w", err)
	}

	return &Indexer{
		client:        client,
		index:         deps.Index,
		audit:         deps.Audit,
		cache:         deps.Cache,
		dlq:           deps.DLQ,
		strategies:    deps.Strategies,
		esBreaker:     deps.ESBreaker,
		topic:         cfg.Topic,
		batchSize:     cfg.BatchSize,
		batchTimeout:  cfg.BatchTimeout,
		checkInterval: cfg.CheckInterval,
		auditEnabled:  cfg.AuditEnabled,
		seen:          seen,
		now:           time.Now,
	}, nil
}

// Run polls and processes batches until the context is cancelled. The
// batch in flight at cancellation is flushed under its own deadline
// before Run returns.
func (ix *Indexer) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"topic":      ix.topic,
		"batchSize":  ix.batchSize,
		"auditDB":    ix.auditEnabled,
		"checkEvery": ix.checkInterval,
	}).Info("starting consumer")

	var ticker = time.NewTicker(ix.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ix.checkBreaker(ctx)
		default:
		}

		// Bound each poll so breaker checks and shutdown are observed
		// even when the topic is idle.
		var pollCtx, cancel = context.WithTimeout(ctx, ix.batchTimeout)
		var fetches = ix.client.PollRecords(pollCtx, ix.batchSize)
		cancel()

		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			log.WithFields(log.Fields{
				"topic":     topic,
				"partition": partition,
				"error":     err,
			}).Warn("fetch error")
		})

		if records := fetches.Records(); len(records) != 0 {
			if ctx.Err() == nil {
				ix.processBatch(ctx, records)
			} else {
				// Shutdown began mid-poll; flush what we already hold.
				flushCtx, cancel := context.WithTimeout(context.Background(), ix.batchTimeout)
				ix.processBatch(flushCtx, records)
				cancel()
			}
		}

		if ctx.Err() != nil {
			log.Info("consumer stopping")
			return nil
		}
	}
}

// Close releases the group membership and the client.
func (ix *Indexer) Close() {
	ix.client.Close()
	log.Info("consumer closed")
}

// checkBreaker probes the index and resets an open breaker when the
// probe succeeds, bounding an index outage by the check cadence rather
// than the breaker timeout alone.
func (ix *Indexer) checkBreaker(ctx context.Context) {
	if ix.esBreaker.State() != breaker.Open {
		return
	}

	var pingCtx, cancel = context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := ix.index.Ping(pingCtx); err != nil {
		log.WithField("error", err).Debug("search index still unreachable")
		return
	}
	ix.esBreaker.Reset()
	log.Info("search index reachable again")
}
