package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline/cursor"
	"github.com/feedline/feedline/feed"
	"github.com/feedline/feedline/search"
)

func newSearchService(ix SearchBackend) (*SearchService, *fakePages) {
	var pages = &fakePages{}
	return NewSearchService(ix, pages), pages
}

// searchDoc is an indexed document as the pipeline writes them.
func searchDoc(id string, createdAt time.Time) feed.Document {
	return feed.Document{
		"id":               id,
		"user_id":          "user_1",
		"transaction_type": "card",
		"product":          "Card",
		"status":           "completed",
		"currency":         "USD",
		"amount":           25.5,
		"created_at":       createdAt.UTC().Format(time.RFC3339Nano),
		"metadata":         map[string]any{"merchant_name": "Starbucks"},
	}
}

func TestSearchListParsesDocuments(t *testing.T) {
	var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ix = &fakeSearch{result: search.Result{
		Documents: []feed.Document{
			searchDoc(txID1, at),
			{"id": "not-a-uuid", "amount": 1.0},
		},
		Total: 2,
	}}
	var svc, _ = newSearchService(ix)

	var page, err = svc.List(context.Background(), "user_1", feed.Filter{}, feed.PageParams{})
	require.NoError(t, err)

	// The corrupt document drops out; the index's total stands.
	require.Len(t, page.Items, 1)
	require.Equal(t, txID1, page.Items[0].ID.String())
	require.Equal(t, feed.TypeCard, page.Items[0].Type)
	require.Equal(t, "25.5", page.Items[0].Amount.String())
	require.Equal(t, int64(2), page.Total)

	require.Len(t, ix.params, 1)
	require.True(t, ix.params[0].Documents, "search-primary reads carry full documents")
}

func TestSearchListCachesUnderOwnNamespace(t *testing.T) {
	var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ix = &fakeSearch{result: search.Result{
		Documents: []feed.Document{searchDoc(txID1, at)},
		Total:     1,
	}}
	var svc, pages = newSearchService(ix)

	var _, err = svc.List(context.Background(), "user_1", feed.Filter{}, feed.PageParams{})
	require.NoError(t, err)
	require.Contains(t, pages.entries, "transactions:es:user:user_1:page:1:size:20")

	_, err = svc.List(context.Background(), "user_1", feed.Filter{}, feed.PageParams{})
	require.NoError(t, err)
	require.Len(t, ix.params, 1, "second read must come from cache")
}

func TestSearchListKeysetFetchesOneExtra(t *testing.T) {
	var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ix = &fakeSearch{result: search.Result{
		Documents: []feed.Document{
			searchDoc(txID1, base),
			searchDoc(txID2, base.Add(-time.Hour)),
			searchDoc(txID3, base.Add(-2*time.Hour)),
		},
		Total: 3,
	}}
	var svc, _ = newSearchService(ix)

	var page, err = svc.ListKeyset(context.Background(), "user_1", feed.Filter{},
		feed.CursorParams{Limit: 2})
	require.NoError(t, err)

	require.Equal(t, 3, ix.params[0].Size, "window is limit plus one")
	require.Len(t, page.Items, 2)
	require.True(t, page.HasMore)
	require.Equal(t,
		cursor.Encode(cursor.Cursor{
			CreatedAt: page.Items[1].CreatedAt,
			ID:        page.Items[1].ID,
		}),
		page.NextCursor)
}

func TestSearchListKeysetCutsAtCursor(t *testing.T) {
	var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ix = &fakeSearch{result: search.Result{
		Documents: []feed.Document{
			searchDoc(txID1, base),
			searchDoc(txID2, base.Add(-time.Hour)),
			searchDoc(txID3, base.Add(-2*time.Hour)),
		},
		Total: 3,
	}}
	var svc, _ = newSearchService(ix)

	var first, err = svc.ListKeyset(context.Background(), "user_1", feed.Filter{},
		feed.CursorParams{
			Cursor: cursor.Encode(cursor.Cursor{
				CreatedAt: base,
				ID:        feedTx(txID1, base).ID,
			}),
			Limit: 2,
		})
	require.NoError(t, err)

	require.Len(t, first.Items, 2)
	require.Equal(t, txID2, first.Items[0].ID.String())
	require.Equal(t, txID3, first.Items[1].ID.String())
	require.False(t, first.HasMore)
	require.Empty(t, first.NextCursor)
}

func TestSearchGetParsesDocument(t *testing.T) {
	var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ix = &fakeSearch{doc: searchDoc(txID1, at)}
	var svc, pages = newSearchService(ix)

	var tx, err = svc.Get(context.Background(), txID1)
	require.NoError(t, err)
	require.Equal(t, txID1, tx.ID.String())
	require.Equal(t, "user_1", tx.UserID)
	require.Equal(t, "Starbucks", tx.Metadata["merchant_name"])
	require.Contains(t, pages.entries, "transaction:"+txID1)

	tx, err = svc.Get(context.Background(), txID1)
	require.NoError(t, err)
	require.Equal(t, txID1, tx.ID.String())
	require.Equal(t, 1, ix.getCalls, "second read must come from cache")
}

func TestSearchGetMapsAbsenceButSurfacesOutages(t *testing.T) {
	var absent = &fakeSearch{getErr: search.ErrNotFound}
	var svc, _ = newSearchService(absent)
	var _, err = svc.Get(context.Background(), txID1)
	require.ErrorIs(t, err, ErrNotFound)

	var down = &fakeSearch{getErr: errors.New("no living connections")}
	svc, _ = newSearchService(down)
	_, err = svc.Get(context.Background(), txID1)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestSearchGetUnparseableDocumentReadsAsMissing(t *testing.T) {
	var ix = &fakeSearch{doc: feed.Document{"id": "not-a-uuid"}}
	var svc, _ = newSearchService(ix)

	var _, err = svc.Get(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, ErrNotFound)
}
