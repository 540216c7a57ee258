package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/cache"
	"github.com/feedline/feedline/cursor"
	"github.com/feedline/feedline/enrich"
	"github.com/feedline/feedline/feed"
	"github.com/feedline/feedline/search"
	"github.com/feedline/feedline/store"

	"github.com/google/uuid"
)

// StoreService serves the feed from the relational store. It is the
// authoritative read path: amounts come back as exact decimals and
// listings reflect every committed write. The index participates only
// when a text query is present, and the service degrades to the store's
// own substring matching when the index cannot answer.
//
// index and publisher may be nil when those backends are not
// configured; pass a literal nil, not a typed nil interface value.
type StoreService struct {
	store      TransactionStore
	index      SearchBackend
	pages      PageCache
	publisher  EventPublisher
	strategies *enrich.Registry
	keys       cache.Keys
}

// NewStoreService returns a relational-primary service.
func NewStoreService(
	st TransactionStore,
	index SearchBackend,
	pages PageCache,
	publisher EventPublisher,
	strategies *enrich.Registry,
) *StoreService {
	return &StoreService{
		store:      st,
		index:      index,
		pages:      pages,
		publisher:  publisher,
		strategies: strategies,
		keys:       cache.Keys{},
	}
}

// List returns one offset-numbered page of a user's feed. With a text
// query the index supplies matching ids and the authoritative rows are
// hydrated from the store; the index's total is kept even when rows
// deleted since the last refresh drop out of the page.
func (s *StoreService) List(ctx context.Context, userID string, f feed.Filter, p feed.PageParams) (feed.Page, error) {
	p = p.Normalize()

	var key = s.keys.List(userID, f, p)
	var page feed.Page
	if err := s.pages.Get(ctx, key, &page); err == nil {
		return page, nil
	}

	var items []feed.Transaction
	var total int64
	var err error
	if f.SearchQuery != "" && s.index != nil {
		items, total, err = s.searchThenHydrate(ctx, userID, f, p)
		if err != nil {
			log.WithFields(log.Fields{"user_id": userID, "error": err}).
				Warn("search unavailable, falling back to store listing")
			items, total, err = s.store.ListByUser(ctx, userID, f, p)
		}
	} else {
		items, total, err = s.store.ListByUser(ctx, userID, f, p)
	}
	if err != nil {
		return feed.Page{}, fmt.Errorf("listing transactions: %w", err)
	}

	page = feed.NewPage(items, total, p)
	s.pages.Set(ctx, key, page, 0)
	return page, nil
}

// ListKeyset returns one keyset page of a user's feed. With a text
// query the index supplies an oversized candidate window which is
// hydrated, re-sorted and cut at the cursor position in memory;
// otherwise the store pages directly on its keyset index.
func (s *StoreService) ListKeyset(ctx context.Context, userID string, f feed.Filter, p feed.CursorParams) (feed.CursorPage, error) {
	p = p.Normalize()
	var cur = decodeCursor(p.Cursor)
	if cur.Zero() {
		// An ignored cursor caches as the first page.
		p.Cursor = ""
	}

	var key = s.keys.ListCursor(userID, f, p)
	var page feed.CursorPage
	if err := s.pages.Get(ctx, key, &page); err == nil {
		return page, nil
	}

	var items []feed.Transaction
	var hasMore bool
	var err error
	if f.SearchQuery != "" && s.index != nil {
		items, hasMore, err = s.searchKeyset(ctx, userID, f, cur, p.Limit)
		if err != nil {
			log.WithFields(log.Fields{"user_id": userID, "error": err}).
				Warn("search unavailable, falling back to store listing")
			items, hasMore, err = s.store.ListByUserKeyset(ctx, userID, f, cur, p.Limit)
		}
	} else {
		items, hasMore, err = s.store.ListByUserKeyset(ctx, userID, f, cur, p.Limit)
	}
	if err != nil {
		return feed.CursorPage{}, fmt.Errorf("listing transactions: %w", err)
	}
	if items == nil {
		items = []feed.Transaction{}
	}

	page = feed.CursorPage{
		Items:      items,
		NextCursor: nextCursor(items, hasMore),
		HasMore:    hasMore,
		Limit:      p.Limit,
	}
	s.pages.Set(ctx, key, page, cursorTTL)
	return page, nil
}

// Get returns a single transaction by id, from cache when possible. Ids
// which don't parse as UUIDs cannot name a stored row and read as
// absent.
func (s *StoreService) Get(ctx context.Context, id string) (*feed.Transaction, error) {
	var key = cache.TransactionKey(id)
	var tx feed.Transaction
	if err := s.pages.Get(ctx, key, &tx); err == nil {
		return &tx, nil
	}

	var parsed, err = uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	found, err := s.store.GetByID(ctx, parsed)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching transaction: %w", err)
	}
	s.pages.Set(ctx, key, found, 0)
	return found, nil
}

// Create validates, enriches and persists a new transaction, announces
// it on the event log, and drops the user's cached pages. The direct
// index write carries no version so the pipeline's own versioned write
// always supersedes it; both the index write and the publish are
// best-effort since the pipeline re-converges the index either way.
func (s *StoreService) Create(ctx context.Context, tx *feed.Transaction) (*feed.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	var strategy = s.strategies.For(tx.Type)
	if len(tx.Metadata) != 0 {
		if err := strategy.ValidateMetadata(tx.Metadata); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
		}
	}
	tx.Metadata = strategy.EnrichMetadata(tx.Metadata)
	tx.SearchContent = strategy.BuildSearchContent(tx)

	var created, err = s.store.Create(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("creating transaction: %w", err)
	}

	if s.index != nil {
		if err = s.index.IndexDocument(ctx, feed.NewDocument(created), nil); err != nil {
			log.WithFields(log.Fields{"id": created.ID, "error": err}).
				Warn("transaction created but not indexed")
		}
	}
	if s.publisher != nil {
		if err = s.publisher.PublishCreated(ctx, created); err != nil {
			log.WithFields(log.Fields{"id": created.ID, "error": err}).
				Warn("transaction created but not published")
		}
	}
	s.pages.DeletePattern(ctx, s.keys.InvalidationPattern(created.UserID))

	log.WithFields(log.Fields{
		"id":      created.ID,
		"user_id": created.UserID,
		"type":    created.Type,
	}).Info("transaction created")
	return created, nil
}

// searchThenHydrate finds matching ids in the index and loads the
// authoritative rows one by one through the transaction cache. Rows the
// index still names but the store no longer holds are skipped.
func (s *StoreService) searchThenHydrate(ctx context.Context, userID string, f feed.Filter, p feed.PageParams) ([]feed.Transaction, int64, error) {
	var res, err = s.index.Search(ctx, search.Params{
		UserID: userID,
		Filter: f,
		From:   p.Offset(),
		Size:   p.PageSize,
	})
	if err != nil {
		return nil, 0, err
	}

	var items = make([]feed.Transaction, 0, len(res.IDs))
	for _, id := range res.IDs {
		tx, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *tx)
	}
	return items, res.Total, nil
}

// searchKeyset runs the text query over a double-sized window, hydrates
// the hits and applies the cursor in memory. The index orders by
// created_at alone, so the id tie-break happens after hydration.
func (s *StoreService) searchKeyset(ctx context.Context, userID string, f feed.Filter, cur cursor.Cursor, limit int) ([]feed.Transaction, bool, error) {
	var res, err = s.index.Search(ctx, search.Params{
		UserID: userID,
		Filter: f,
		Size:   limit * 2,
	})
	if err != nil {
		return nil, false, err
	}

	var items = make([]feed.Transaction, 0, len(res.IDs))
	for _, id := range res.IDs {
		tx, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		items = append(items, *tx)
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID.String() > items[j].ID.String()
	})
	items = applyCursor(items, cur)

	var hasMore = len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return items, hasMore, nil
}
