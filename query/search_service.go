package query

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/cache"
	"github.com/feedline/feedline/feed"
	"github.com/feedline/feedline/search"
)

// SearchService serves the feed wholly from the search index: reads see
// the enriched, versioned documents the indexing pipeline wrote, at the
// cost of refresh-interval staleness against the store. Pages cache
// under a namespace separate from the relational path so the two
// renderings never mix.
type SearchService struct {
	index SearchBackend
	pages PageCache
	keys  cache.Keys
}

// NewSearchService returns a search-primary service.
func NewSearchService(index SearchBackend, pages PageCache) *SearchService {
	return &SearchService{
		index: index,
		pages: pages,
		keys:  cache.Keys{Search: true},
	}
}

// List returns one offset-numbered page straight from the index.
func (s *SearchService) List(ctx context.Context, userID string, f feed.Filter, p feed.PageParams) (feed.Page, error) {
	p = p.Normalize()

	var key = s.keys.List(userID, f, p)
	var page feed.Page
	if err := s.pages.Get(ctx, key, &page); err == nil {
		return page, nil
	}

	var res, err = s.index.Search(ctx, search.Params{
		UserID:    userID,
		Filter:    f,
		From:      p.Offset(),
		Size:      p.PageSize,
		Documents: true,
	})
	if err != nil {
		return feed.Page{}, fmt.Errorf("searching transactions: %w", err)
	}

	page = feed.NewPage(parseDocuments(res.Documents), res.Total, p)
	s.pages.Set(ctx, key, page, 0)
	return page, nil
}

// ListKeyset returns one keyset page straight from the index. The index
// serves one item past the limit so has_more needs no second query; the
// cursor cut happens in memory over the fetched window.
func (s *SearchService) ListKeyset(ctx context.Context, userID string, f feed.Filter, p feed.CursorParams) (feed.CursorPage, error) {
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

	var res, err = s.index.Search(ctx, search.Params{
		UserID:    userID,
		Filter:    f,
		Size:      p.Limit + 1,
		Documents: true,
	})
	if err != nil {
		return feed.CursorPage{}, fmt.Errorf("searching transactions: %w", err)
	}

	var items = applyCursor(parseDocuments(res.Documents), cur)
	var hasMore = len(items) > p.Limit
	if hasMore {
		items = items[:p.Limit]
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

// Get returns a single transaction from the index. Documents which no
// longer parse read as absent; index failures surface as errors so
// callers can tell an outage from a miss.
func (s *SearchService) Get(ctx context.Context, id string) (*feed.Transaction, error) {
	var key = cache.TransactionKey(id)
	var tx feed.Transaction
	if err := s.pages.Get(ctx, key, &tx); err == nil {
		return &tx, nil
	}

	var doc, err = s.index.GetDocument(ctx, id)
	if errors.Is(err, search.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching transaction: %w", err)
	}

	found, err := doc.ToTransaction()
	if err != nil {
		log.WithFields(log.Fields{"id": id, "error": err}).
			Warn("indexed document no longer parses")
		return nil, ErrNotFound
	}
	s.pages.Set(ctx, key, found, 0)
	return found, nil
}
