// Package events implements the Kafka event publisher. Events are keyed
// by user_id so each user's history lands on one partition in order, and
// the producer is tuned for ordering under retry rather than broker-side
// idempotence: consumers deduplicate by fingerprint.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/feedline/feedline/breaker"
	"github.com/feedline/feedline/feed"
)

// recordSink is the slice of kgo.Client the publisher uses.
type recordSink interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
}

var _ recordSink = (*kgo.Client)(nil)

// Publisher appends transaction lifecycle events to the log.
type Publisher struct {
	client recordSink
	topic  string
	brk    *breaker.Breaker
	now    func() time.Time
}

// New returns a Publisher appending to the given topic.
func New(client recordSink, topic string, brk *breaker.Breaker) *Publisher {
	return &Publisher{client: client, topic: topic, brk: brk, now: time.Now}
}

// Connect dials the brokers with producer settings preserving per-key
// order under retry: all-replica acks, bounded retries, and one in-flight
// batch per broker. Broker idempotence is off; ordering plus consumer
// fingerprints carry delivery semantics.
func Connect(brokers []string) (*kgo.Client, error) {
	var client, err = kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
		kgo.RecordRetries(3),
		kgo.MaxProduceRequestsInflightPerBroker(1),
	)
	if err != nil {
		return nil, fmt.Errorf("building kafka client: %w", err)
	}
	return client, nil
}

// PublishCreated appends a created event for the transaction.
func (p *Publisher) PublishCreated(ctx context.Context, tx *feed.Transaction) error {
	return p.publish(ctx, feed.Event{
		Type:        feed.EventCreated,
		Transaction: feed.NewDocument(tx),
		Timestamp:   tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, tx.UserID)
}

// PublishUpdated appends an updated event for the transaction.
func (p *Publisher) PublishUpdated(ctx context.Context, tx *feed.Transaction) error {
	var ts = tx.CreatedAt
	if tx.UpdatedAt != nil {
		ts = *tx.UpdatedAt
	}
	return p.publish(ctx, feed.Event{
		Type:        feed.EventUpdated,
		Transaction: feed.NewDocument(tx),
		Timestamp:   ts.UTC().Format(time.RFC3339Nano),
	}, tx.UserID)
}

// PublishDeleted appends a deleted event. Deletions carry only the id;
// the event timestamp is the deletion instant.
func (p *Publisher) PublishDeleted(ctx context.Context, id string) error {
	return p.publish(ctx, feed.Event{
		Type:        feed.EventDeleted,
		Transaction: feed.Document{"id": id},
		Timestamp:   p.now().UTC().Format(time.RFC3339Nano),
	}, "")
}

func (p *Publisher) publish(ctx context.Context, ev feed.Event, key string) error {
	var value, err = json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	var record = &kgo.Record{
		Topic: p.topic,
		Value: value,
	}
	if key != "" {
		record.Key = []byte(key)
	}

	err = p.brk.Do(func() error {
		return p.client.ProduceSync(ctx, record).FirstErr()
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Type, err)
	}
	log.WithFields(log.Fields{
		"event": ev.Type,
		"topic": p.topic,
	}).Debug("published event")
	return nil
}

// PublishDLQ appends a permanently-failed message to a dead-letter
// topic, wrapping the original bytes with the failure reason. The DLQ
// write is not breaker-guarded: it must land before the source offset
// may be committed.
func (p *Publisher) PublishDLQ(ctx context.Context, dlqTopic string, original []byte, reason string) error {
	// Preserve the original payload verbatim when it parses, and as a
	// string when it was the parse itself that failed.
	var body any = json.RawMessage(original)
	if !json.Valid(original) {
		body = string(original)
	}
	var value, err = json.Marshal(map[string]any{
		"original_message": body,
		"error":            reason,
		"timestamp":        p.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encoding dlq message: %w", err)
	}

	if err = p.client.ProduceSync(ctx, &kgo.Record{
		Topic: dlqTopic,
		Value: value,
	}).FirstErr(); err != nil {
		return fmt.Errorf("publishing to dlq: %w", err)
	}
	log.WithField("topic", dlqTopic).Warn("message sent to dead-letter queue")
	return nil
}

// Ping reports whether the brokers are reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}
