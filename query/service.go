// Package query implements the feed's read surface over two
// interchangeable backends: a relational-primary service which treats
// the store as authoritative and consults the search index only when a
// text query demands it, and a search-primary service which serves
// reads wholly from the index. The backend is selected once at startup;
// cursor handling, cache keying and parameter normalization are shared.
package query

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/cache"
	"github.com/feedline/feedline/cursor"
	"github.com/feedline/feedline/events"
	"github.com/feedline/feedline/feed"
	"github.com/feedline/feedline/search"
	"github.com/feedline/feedline/store"

	"github.com/google/uuid"
)

// ErrNotFound reports a transaction which does not exist on the serving
// backend. On the search-primary path a transaction can be absent from
// the index while still present in the store.
var ErrNotFound = errors.New("transaction not found")

// ErrInvalid marks a transaction rejected by validation. The wrapping
// error carries the specific violation.
var ErrInvalid = errors.New("invalid transaction")

// cursorTTL bounds cached keyset pages. Keyset pages are cut relative
// to a moving feed head, so they stale faster than numbered pages and
// are never invalidated individually.
const cursorTTL = 5 * time.Minute

// Service is the read surface of the feed, implemented by both the
// relational-primary and search-primary backends.
type Service interface {
	// List returns one offset-numbered page of a user's feed.
	List(ctx context.Context, userID string, f feed.Filter, p feed.PageParams) (feed.Page, error)
	// ListKeyset returns one keyset page of a user's feed. A malformed
	// cursor reads as no cursor: the page restarts from the newest item.
	ListKeyset(ctx context.Context, userID string, f feed.Filter, p feed.CursorParams) (feed.CursorPage, error)
	// Get returns a single transaction by id.
	Get(ctx context.Context, id string) (*feed.Transaction, error)
}

// TransactionStore is the relational port of the store-primary service.
type TransactionStore interface {
	Create(ctx context.Context, tx *feed.Transaction) (*feed.Transaction, error)
	GetByID(ctx context.Context, id uuid.UUID) (*feed.Transaction, error)
	ListByUser(ctx context.Context, userID string, f feed.Filter, p feed.PageParams) ([]feed.Transaction, int64, error)
	ListByUserKeyset(ctx context.Context, userID string, f feed.Filter, cur cursor.Cursor, limit int) ([]feed.Transaction, bool, error)
}

// SearchBackend is the index port shared by both services.
type SearchBackend interface {
	Search(ctx context.Context, p search.Params) (search.Result, error)
	GetDocument(ctx context.Context, id string) (feed.Document, error)
	IndexDocument(ctx context.Context, doc feed.Document, version *int64) error
}

// PageCache holds rendered pages and single transactions, best-effort.
type PageCache interface {
	Get(ctx context.Context, key string, into any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	DeletePattern(ctx context.Context, pattern string) int
}

// EventPublisher announces newly created transactions to the pipeline.
type EventPublisher interface {
	PublishCreated(ctx context.Context, tx *feed.Transaction) error
}

var (
	_ TransactionStore = (*store.Store)(nil)
	_ SearchBackend    = (*search.Index)(nil)
	_ PageCache        = (*cache.Cache)(nil)
	_ EventPublisher   = (*events.Publisher)(nil)

	_ Service = (*StoreService)(nil)
	_ Service = (*SearchService)(nil)
)

// decodeCursor parses a client-supplied cursor token. Malformed tokens
// read as no cursor at all rather than failing the request.
func decodeCursor(token string) cursor.Cursor {
	if token == "" {
		return cursor.Cursor{}
	}
	var c, err = cursor.Decode(token)
	if err != nil {
		log.WithField("cursor", token).Warn("ignoring invalid cursor")
		return cursor.Cursor{}
	}
	return c
}

// nextCursor renders the continuation token of a page: the position of
// its last item, present only when more items follow.
func nextCursor(items []feed.Transaction, hasMore bool) string {
	if !hasMore || len(items) == 0 {
		return ""
	}
	var last = items[len(items)-1]
	return cursor.Encode(cursor.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
}

// afterCursor reports whether tx sorts strictly after the cursor
// position in the feed's newest-first order. Ids tie-break as strings,
// matching the order tokens are encoded in.
func afterCursor(tx *feed.Transaction, c cursor.Cursor) bool {
	if tx.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return tx.CreatedAt.Equal(c.CreatedAt) && tx.ID.String() < c.ID.String()
}

// applyCursor drops every item at or before the cursor position.
func applyCursor(items []feed.Transaction, c cursor.Cursor) []feed.Transaction {
	if c.Zero() {
		return items
	}
	var kept = items[:0]
	for i := range items {
		if afterCursor(&items[i], c) {
			kept = append(kept, items[i])
		}
	}
	return kept
}

// parseDocuments converts search hits into transactions, skipping hits
// which no longer parse rather than failing the page.
func parseDocuments(docs []feed.Document) []feed.Transaction {
	var items = make([]feed.Transaction, 0, len(docs))
	for _, doc := range docs {
		var tx, err = doc.ToTransaction()
		if err != nil {
			log.WithFields(log.Fields{"id": doc.ID(), "error": err}).
				Warn("skipping unparseable search document")
			continue
		}
		items = append(items, *tx)
	}
	return items
}
