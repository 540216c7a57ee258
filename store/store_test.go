package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline/breaker"
	"github.com/feedline/feedline/cursor"
	"github.com/feedline/feedline/feed"
)

const selectColumns = "SELECT id, user_id, transaction_type, product, status, currency, amount, created_at, updated_at, custom_metadata, search_content FROM transactions"

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	var mockDB, mock, err = sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	var db = sqlx.NewDb(mockDB, "sqlmock")
	return New(db, breaker.New(breaker.Config{Name: breaker.Postgres})), mock
}

func txRows(txs ...*feed.Transaction) *sqlmock.Rows {
	var rows = sqlmock.NewRows([]string{
		"id", "user_id", "transaction_type", "product", "status",
		"currency", "amount", "created_at", "updated_at",
		"custom_metadata", "search_content",
	})
	for _, tx := range txs {
		rows.AddRow(tx.ID.String(), tx.UserID, string(tx.Type), string(tx.Product),
			string(tx.Status), tx.Currency, tx.Amount.String(), tx.CreatedAt, nil,
			[]byte(`{"merchant_name":"ACME"}`), tx.SearchContent)
	}
	return rows
}

func sampleTx() *feed.Transaction {
	return &feed.Transaction{
		ID:            uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		UserID:        "user_1",
		Type:          feed.TypeCard,
		Product:       feed.ProductCard,
		Status:        feed.StatusCompleted,
		Currency:      "USD",
		Amount:        decimal.RequireFromString("25.50"),
		CreatedAt:     time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		Metadata:      feed.Metadata{"merchant_name": "ACME"},
		SearchContent: "Card payment 25.5 USD completed ACME",
	}
}

func TestCreateAssignsIDAndReturnsTimestamps(t *testing.T) {
	var s, mock = newTestStore(t)
	var tx = sampleTx()
	tx.ID = uuid.Nil

	var created = time.Date(2026, 4, 1, 12, 0, 1, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO transactions (id,user_id,transaction_type,product,status,currency,amount,custom_metadata,search_content) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING created_at").
		WithArgs(sqlmock.AnyArg(), tx.UserID, string(tx.Type), string(tx.Product), string(tx.Status),
			tx.Currency, sqlmock.AnyArg(), sqlmock.AnyArg(), tx.SearchContent).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	var out, err = s.Create(context.Background(), tx)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, out.ID)
	require.Equal(t, created, out.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByID(t *testing.T) {
	var s, mock = newTestStore(t)
	var want = sampleTx()

	mock.ExpectQuery(selectColumns + " WHERE id = $1").
		WithArgs(want.ID).
		WillReturnRows(txRows(want))

	var got, err = s.GetByID(context.Background(), want.ID)
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, "user_1", got.UserID)
	require.True(t, want.Amount.Equal(got.Amount))
	require.Equal(t, feed.Metadata{"merchant_name": "ACME"}, got.Metadata)

	// Absent rows surface ErrNotFound, and don't trip the breaker.
	mock.ExpectQuery(selectColumns + " WHERE id = $1").
		WithArgs(want.ID).
		WillReturnRows(txRows())

	_, err = s.GetByID(context.Background(), want.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUserAppliesFiltersAndCounts(t *testing.T) {
	var s, mock = newTestStore(t)
	var want = sampleTx()
	var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var minAmount = decimal.RequireFromString("10")

	var f = feed.Filter{
		Type:        feed.TypeCard,
		Status:      feed.StatusCompleted,
		Currency:    "USD",
		StartDate:   &start,
		MinAmount:   &minAmount,
		SearchQuery: "coffee",
		Metadata:    map[string]string{"merchant_name": "ACME"},
	}

	mock.ExpectQuery("SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND transaction_type = $2 AND status = $3 AND currency = $4 AND created_at >= $5 AND amount >= $6 AND search_content ILIKE $7 AND (custom_metadata->>$8 IS NOT NULL AND custom_metadata->>$9 = $10)").
		WithArgs("user_1", "card", "completed", "USD", start, sqlmock.AnyArg(), "%coffee%", "merchant_name", "merchant_name", "ACME").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(41))

	mock.ExpectQuery(selectColumns+" WHERE user_id = $1 AND transaction_type = $2 AND status = $3 AND currency = $4 AND created_at >= $5 AND amount >= $6 AND search_content ILIKE $7 AND (custom_metadata->>$8 IS NOT NULL AND custom_metadata->>$9 = $10) ORDER BY created_at DESC, id DESC LIMIT 20 OFFSET 20").
		WithArgs("user_1", "card", "completed", "USD", start, sqlmock.AnyArg(), "%coffee%", "merchant_name", "merchant_name", "ACME").
		WillReturnRows(txRows(want))

	var items, total, err = s.ListByUser(context.Background(), "user_1", f, feed.PageParams{Page: 2, PageSize: 20})
	require.NoError(t, err)
	require.Equal(t, int64(41), total)
	require.Len(t, items, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUserKeyset(t *testing.T) {
	var s, mock = newTestStore(t)

	var cur = cursor.Cursor{
		CreatedAt: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		ID:        uuid.MustParse("99999999-8888-7777-6666-555555555555"),
	}

	// Three rows against limit 2: page of 2, more remaining.
	var a, b, c = sampleTx(), sampleTx(), sampleTx()
	b.ID = uuid.MustParse("22222222-2222-3333-4444-555555555555")
	c.ID = uuid.MustParse("33333333-2222-3333-4444-555555555555")

	mock.ExpectQuery(selectColumns+" WHERE user_id = $1 AND (created_at < $2 OR (created_at = $3 AND id < $4)) ORDER BY created_at DESC, id DESC LIMIT 3").
		WithArgs("user_1", cur.CreatedAt, cur.CreatedAt, cur.ID).
		WillReturnRows(txRows(a, b, c))

	var items, hasMore, err = s.ListByUserKeyset(context.Background(), "user_1", feed.Filter{}, cur, 2)
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Len(t, items, 2)

	// Without a cursor the predicate is omitted entirely.
	mock.ExpectQuery(selectColumns + " WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT 3").
		WithArgs("user_1").
		WillReturnRows(txRows(a))

	items, hasMore, err = s.ListByUserKeyset(context.Background(), "user_1", feed.Filter{}, cursor.Cursor{}, 2)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Len(t, items, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert(t *testing.T) {
	var s, mock = newTestStore(t)
	var tx = sampleTx()

	mock.ExpectExec("INSERT INTO transactions (id,user_id,transaction_type,product,status,currency,amount,created_at,custom_metadata,search_content) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, transaction_type = EXCLUDED.transaction_type, product = EXCLUDED.product, status = EXCLUDED.status, currency = EXCLUDED.currency, amount = EXCLUDED.amount, custom_metadata = EXCLUDED.custom_metadata, search_content = EXCLUDED.search_content, updated_at = now()").
		WithArgs(tx.ID, tx.UserID, string(tx.Type), string(tx.Product), string(tx.Status),
			tx.Currency, sqlmock.AnyArg(), tx.CreatedAt, sqlmock.AnyArg(), tx.SearchContent).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Upsert(context.Background(), tx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePatchesAndRefetches(t *testing.T) {
	var s, mock = newTestStore(t)
	var tx = sampleTx()
	var status = feed.StatusFailed

	mock.ExpectExec("UPDATE transactions SET updated_at = now(), status = $1 WHERE id = $2").
		WithArgs(string(status), tx.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectColumns + " WHERE id = $1").
		WithArgs(tx.ID).
		WillReturnRows(txRows(tx))

	var got, err = s.Update(context.Background(), tx.ID, Patch{Status: &status})
	require.NoError(t, err)
	require.Equal(t, tx.ID, got.ID)

	// Updating an absent row is not found.
	mock.ExpectExec("UPDATE transactions SET updated_at = now(), status = $1 WHERE id = $2").
		WithArgs(string(status), tx.ID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = s.Update(context.Background(), tx.ID, Patch{Status: &status})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	var s, mock = newTestStore(t)
	var id = uuid.New()

	mock.ExpectExec("DELETE FROM transactions WHERE id = $1").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Delete(context.Background(), id))

	mock.ExpectExec("DELETE FROM transactions WHERE id = $1").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, s.Delete(context.Background(), id), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
