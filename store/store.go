// Package store implements the relational store adapter over Postgres.
// It's the durable, monetary-exact record of the feed: the search index
// can always be rebuilt from it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/breaker"
	"github.com/feedline/feedline/cursor"
	"github.com/feedline/feedline/feed"
)

// ErrNotFound is returned by reads of an absent transaction. It never
// counts against the postgres breaker.
var ErrNotFound = errors.New("transaction not found")

// Columns selected for every transaction read, in row order.
var columns = []string{
	"id", "user_id", "transaction_type", "product", "status",
	"currency", "amount", "created_at", "updated_at",
	"custom_metadata", "search_content",
}

// psql builds queries with Postgres placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the Postgres adapter. All calls are guarded by the postgres
// breaker; ErrNotFound passes through without counting.
type Store struct {
	db  *sqlx.DB
	brk *breaker.Breaker
}

// Open connects to Postgres at the given URL and verifies the connection.
func Open(ctx context.Context, url string) (*sqlx.DB, error) {
	var db, err = sqlx.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	var pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.WithField("database", db.DriverName()).Info("opened database")
	return db, nil
}

// New wraps an open database handle with the store adapter.
func New(db *sqlx.DB, brk *breaker.Breaker) *Store {
	return &Store{db: db, brk: brk}
}

// Create inserts a transaction. The store assigns created_at, and the id
// when the caller left it zero. The stored record is returned.
func (s *Store) Create(ctx context.Context, tx *feed.Transaction) (*feed.Transaction, error) {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	var query, args, err = psql.Insert("transactions").
		Columns("id", "user_id", "transaction_type", "product", "status",
			"currency", "amount", "custom_metadata", "search_content").
		Values(tx.ID, tx.UserID, tx.Type, tx.Product, tx.Status,
			tx.Currency, tx.Amount, tx.Metadata, tx.SearchContent).
		Suffix("RETURNING created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building insert: %w", err)
	}

	var out = *tx
	err = s.brk.Do(func() error {
		return s.db.QueryRowxContext(ctx, query, args...).Scan(&out.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("inserting transaction: %w", err)
	}
	return &out, nil
}

// GetByID fetches one transaction, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*feed.Transaction, error) {
	var query, args, err = psql.Select(columns...).
		From("transactions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	// Absent rows are an expected outcome, not a dependency failure,
	// so they're folded out before the breaker sees them.
	var tx feed.Transaction
	var found = true
	err = s.brk.Do(func() error {
		var err = s.db.GetContext(ctx, &tx, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching transaction: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &tx, nil
}

// ListByUser returns one offset page of a user's transactions plus the
// total count ignoring pagination, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, f feed.Filter, p feed.PageParams) ([]feed.Transaction, int64, error) {
	p = p.Normalize()

	var countQ, countArgs, err = applyFilter(
		psql.Select("COUNT(*)").From("transactions").Where(sq.Eq{"user_id": userID}), f,
	).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building count: %w", err)
	}

	listQ, listArgs, err := applyFilter(
		psql.Select(columns...).From("transactions").Where(sq.Eq{"user_id": userID}), f,
	).OrderBy("created_at DESC", "id DESC").
		Limit(uint64(p.PageSize)).
		Offset(uint64(p.Offset())).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building list: %w", err)
	}

	var total int64
	var items []feed.Transaction
	err = s.brk.Do(func() error {
		if err := s.db.GetContext(ctx, &total, countQ, countArgs...); err != nil {
			return fmt.Errorf("counting transactions: %w", err)
		}
		if err := s.db.SelectContext(ctx, &items, listQ, listArgs...); err != nil {
			return fmt.Errorf("listing transactions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListByUserKeyset returns one keyset page of a user's transactions,
// newest first, and whether more pages follow. It fetches one row past
// the limit to decide has_more without a count.
func (s *Store) ListByUserKeyset(ctx context.Context, userID string, f feed.Filter, cur cursor.Cursor, limit int) ([]feed.Transaction, bool, error) {
	if limit < 1 {
		limit = feed.DefaultPageSize
	}

	var builder = applyFilter(
		psql.Select(columns...).From("transactions").Where(sq.Eq{"user_id": userID}), f,
	)
	if !cur.Zero() {
		builder = builder.Where(sq.Or{
			sq.Lt{"created_at": cur.CreatedAt},
			sq.And{
				sq.Eq{"created_at": cur.CreatedAt},
				sq.Lt{"id": cur.ID},
			},
		})
	}
	var query, args, err = builder.
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit + 1)).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("building keyset list: %w", err)
	}

	var items []feed.Transaction
	err = s.brk.Do(func() error {
		return s.db.SelectContext(ctx, &items, query, args...)
	})
	if err != nil {
		return nil, false, fmt.Errorf("listing transactions: %w", err)
	}

	var hasMore = len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return items, hasMore, nil
}

// Upsert inserts or replaces a transaction by id. It's the consumer's
// audit write, which must land regardless of arrival order.
func (s *Store) Upsert(ctx context.Context, tx *feed.Transaction) error {
	var query, args, err = psql.Insert("transactions").
		Columns("id", "user_id", "transaction_type", "product", "status",
			"currency", "amount", "created_at", "custom_metadata", "search_content").
		Values(tx.ID, tx.UserID, tx.Type, tx.Product, tx.Status,
			tx.Currency, tx.Amount, tx.CreatedAt, tx.Metadata, tx.SearchContent).
		Suffix("ON CONFLICT (id) DO UPDATE SET " +
			"user_id = EXCLUDED.user_id, transaction_type = EXCLUDED.transaction_type, " +
			"product = EXCLUDED.product, status = EXCLUDED.status, " +
			"currency = EXCLUDED.currency, amount = EXCLUDED.amount, " +
			"custom_metadata = EXCLUDED.custom_metadata, search_content = EXCLUDED.search_content, " +
			"updated_at = now()").
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}

	err = s.brk.Do(func() error {
		var _, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("upserting transaction: %w", err)
	}
	return nil
}

// Patch names the mutable fields of a transaction. Nil fields are
// left unchanged.
type Patch struct {
	Status        *feed.Status
	Amount        *decimal.Decimal
	Metadata      feed.Metadata
	SearchContent *string
}

// Update applies a patch and returns the stored record. The store
// touches updated_at on every successful patch.
func (s *Store) Update(ctx context.Context, id uuid.UUID, patch Patch) (*feed.Transaction, error) {
	var builder = psql.Update("transactions").
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id})
	if patch.Status != nil {
		builder = builder.Set("status", *patch.Status)
	}
	if patch.Amount != nil {
		builder = builder.Set("amount", *patch.Amount)
	}
	if patch.Metadata != nil {
		builder = builder.Set("custom_metadata", patch.Metadata)
	}
	if patch.SearchContent != nil {
		builder = builder.Set("search_content", *patch.SearchContent)
	}
	var query, args, err = builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building update: %w", err)
	}

	var affected int64
	err = s.brk.Do(func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating transaction: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// Delete removes a transaction, or returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	var query, args, err = psql.Delete("transactions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}

	var affected int64
	err = s.brk.Do(func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting transaction: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// applyFilter adds the filter's predicates to a select builder.
func applyFilter(builder sq.SelectBuilder, f feed.Filter) sq.SelectBuilder {
	if f.Type != "" {
		builder = builder.Where(sq.Eq{"transaction_type": f.Type})
	}
	if f.Product != "" {
		builder = builder.Where(sq.Eq{"product": f.Product})
	}
	if f.Status != "" {
		builder = builder.Where(sq.Eq{"status": f.Status})
	}
	if f.Currency != "" {
		builder = builder.Where(sq.Eq{"currency": f.Currency})
	}
	if f.StartDate != nil {
		builder = builder.Where(sq.GtOrEq{"created_at": *f.StartDate})
	}
	if f.EndDate != nil {
		builder = builder.Where(sq.LtOrEq{"created_at": *f.EndDate})
	}
	if f.MinAmount != nil {
		builder = builder.Where(sq.GtOrEq{"amount": *f.MinAmount})
	}
	if f.MaxAmount != nil {
		builder = builder.Where(sq.LtOrEq{"amount": *f.MaxAmount})
	}
	if f.SearchQuery != "" {
		builder = builder.Where(sq.ILike{"search_content": "%" + f.SearchQuery + "%"})
	}
	// Metadata predicates require the key to exist and its text value
	// to match exactly. Keys are sorted so generated SQL is stable.
	var keys = make([]string, 0, len(f.Metadata))
	for key := range f.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder = builder.Where(sq.And{
			sq.Expr("custom_metadata->>? IS NOT NULL", key),
			sq.Expr("custom_metadata->>? = ?", key, f.Metadata[key]),
		})
	}
	return builder
}
