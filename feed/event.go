package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a transaction lifecycle change carried on the event log.
type EventType string

const (
	EventCreated EventType = "transaction.created"
	EventUpdated EventType = "transaction.updated"
	EventDeleted EventType = "transaction.deleted"
)

// Valid returns true if this EventType is a known lifecycle event.
func (e EventType) Valid() bool {
	switch e {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}

// Bookkeeping fields stamped onto documents as they move through the
// indexing pipeline. They live beside the transaction's own fields and
// never surface through the query API.
const (
	DocVersion    = "_version"
	DocUpdatedAt  = "_updated_at"
	DocEnriched   = "_enriched"
	DocEnrichedAt = "_enriched_at"
)

// Event is the wire message published for every transaction change.
// Deleted events carry only the transaction id.
type Event struct {
	Type        EventType `json:"event_type"`
	Transaction Document  `json:"transaction"`
	Timestamp   string    `json:"timestamp"`
	// Version, when set by the producer, is authoritative and suppresses
	// the consumer's read-back version derivation.
	Version *int64 `json:"version,omitempty"`
}

// Fingerprint derives the idempotency key of this event. Events carrying
// the same transaction id, type and timestamp are the same event.
func (e Event) Fingerprint() string {
	var content = fmt.Sprintf("%s:%s:%s", e.Transaction.ID(), e.Type, e.Timestamp)
	var sum = sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Document is the loosely-shaped JSON object form of a transaction, as
// carried in events and written to the search index. Consumers work with
// documents rather than Transaction structs because in-flight payloads
// accrue pipeline stamps and may predate the current schema.
type Document map[string]any

// NewDocument renders a Transaction into its document form. Amount becomes
// a float rendering and timestamps become RFC 3339 strings.
func NewDocument(t *Transaction) Document {
	var doc = Document{
		"id":               t.ID.String(),
		"user_id":          t.UserID,
		"transaction_type": string(t.Type),
		"product":          string(t.Product),
		"status":           string(t.Status),
		"currency":         t.Currency,
		"amount":           t.Amount.InexactFloat64(),
		"created_at":       t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"metadata":         map[string]any(t.Metadata),
	}
	if t.SearchContent != "" {
		doc["search_content"] = t.SearchContent
	}
	if t.UpdatedAt != nil {
		doc["updated_at"] = t.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return doc
}

// ID returns the document's transaction id, or "" if absent.
func (d Document) ID() string { return d.str("id") }

// UserID returns the document's user id, or "" if absent.
func (d Document) UserID() string { return d.str("user_id") }

// TxType returns the document's transaction type, which may not be a
// known Type for documents produced by newer writers.
func (d Document) TxType() Type { return Type(d.str("transaction_type")) }

// SearchContent returns the denormalized search text, or "" if absent.
func (d Document) SearchContent() string { return d.str("search_content") }

// Metadata returns the document's metadata object, or nil if absent.
func (d Document) Metadata() map[string]any {
	if m, ok := d["metadata"].(map[string]any); ok {
		return m
	}
	return nil
}

// Amount returns the document's amount rendering.
func (d Document) Amount() float64 {
	switch v := d["amount"].(type) {
	case float64:
		return v
	case string:
		if f, err := decimal.NewFromString(v); err == nil {
			return f.InexactFloat64()
		}
	}
	return 0
}

// Version returns the pipeline version stamp, or 0 if absent.
func (d Document) Version() int64 {
	switch v := d[DocVersion].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// Normalize returns a copy of the document holding exactly the fields the
// search index maps, coercing amount to a float and created_at to a string.
// Pipeline stamps are carried through when present.
func (d Document) Normalize() Document {
	var out = Document{
		"id":               d.str("id"),
		"user_id":          d.str("user_id"),
		"transaction_type": d.str("transaction_type"),
		"product":          d.str("product"),
		"status":           d.str("status"),
		"currency":         d.str("currency"),
		"amount":           d.Amount(),
		"search_content":   d.str("search_content"),
	}
	if m := d.Metadata(); m != nil {
		out["metadata"] = m
	} else {
		out["metadata"] = map[string]any{}
	}
	if s := d.str("created_at"); s != "" {
		out["created_at"] = s
	} else {
		out["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	for _, k := range []string{DocVersion, DocUpdatedAt, DocEnriched, DocEnrichedAt} {
		if v, ok := d[k]; ok {
			out[k] = v
		}
	}
	return out
}

// ToTransaction parses the document into a Transaction. Pipeline stamps
// are dropped. An unparseable id, amount or timestamp is an error;
// absent optional fields are not.
func (d Document) ToTransaction() (*Transaction, error) {
	var id, err = uuid.Parse(d.ID())
	if err != nil {
		return nil, fmt.Errorf("parsing document id: %w", err)
	}

	var t = Transaction{
		ID:            id,
		UserID:        d.UserID(),
		Type:          d.TxType(),
		Product:       Product(d.str("product")),
		Status:        Status(d.str("status")),
		Currency:      d.str("currency"),
		SearchContent: d.SearchContent(),
	}

	switch v := d["amount"].(type) {
	case nil:
	case float64:
		t.Amount = decimal.NewFromFloat(v)
	case string:
		if t.Amount, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("parsing document amount: %w", err)
		}
	default:
		return nil, fmt.Errorf("parsing document amount: unsupported type %T", v)
	}

	if s := d.str("created_at"); s != "" {
		if t.CreatedAt, err = parseDocTime(s); err != nil {
			return nil, fmt.Errorf("parsing document created_at: %w", err)
		}
	}
	if s := d.str("updated_at"); s != "" {
		ts, err := parseDocTime(s)
		if err != nil {
			return nil, fmt.Errorf("parsing document updated_at: %w", err)
		}
		t.UpdatedAt = &ts
	}
	if m := d.Metadata(); m != nil {
		t.Metadata = Metadata(m)
	}
	return &t, nil
}

// parseDocTime accepts RFC 3339 instants as well as the zone-less UTC
// renderings older event writers emitted.
func parseDocTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
}

func (d Document) str(key string) string {
	if s, ok := d[key].(string); ok {
		return s
	}
	return ""
}
