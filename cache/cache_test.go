package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline/breaker"
	"github.com/feedline/feedline/feed"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	var brk = breaker.New(breaker.Config{Name: breaker.Redis})
	return New(rdb, brk, 5*time.Minute), mr
}

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestCacheRoundTrip(t *testing.T) {
	var c, mr = newTestCache(t)
	var ctx = context.Background()

	c.Set(ctx, "k", payload{Name: "a", Count: 3}, 0)

	var got payload
	require.NoError(t, c.Get(ctx, "k", &got))
	require.Equal(t, payload{Name: "a", Count: 3}, got)

	// Default TTL applies when Set is given zero.
	var ttl = mr.TTL("k")
	require.Equal(t, 5*time.Minute, ttl)
}

func TestCacheMissOutcomes(t *testing.T) {
	var c, mr = newTestCache(t)
	var ctx = context.Background()

	var got payload
	require.ErrorIs(t, c.Get(ctx, "absent", &got), ErrMiss)

	// Expired values miss.
	c.Set(ctx, "short", payload{Name: "x"}, time.Second)
	mr.FastForward(2 * time.Second)
	require.ErrorIs(t, c.Get(ctx, "short", &got), ErrMiss)

	// Undecodable values miss rather than erroring.
	mr.Set("poison", "{not json")
	require.ErrorIs(t, c.Get(ctx, "poison", &got), ErrMiss)

	// An unreachable server misses.
	mr.Close()
	require.ErrorIs(t, c.Get(ctx, "k", &got), ErrMiss)
}

func TestCacheBreakerOpenMisses(t *testing.T) {
	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	var brk = breaker.New(breaker.Config{Name: breaker.Redis, FailureThreshold: 1, OpenTimeout: time.Hour})
	var c = New(rdb, brk, time.Minute)
	var ctx = context.Background()

	// Trip the breaker with a dead server, then restore it: the open
	// breaker still misses without touching Redis.
	mr.Close()
	var got payload
	require.ErrorIs(t, c.Get(ctx, "k", &got), ErrMiss)
	require.Equal(t, breaker.Open, brk.State())

	require.NoError(t, mr.Restart())
	require.ErrorIs(t, c.Get(ctx, "k", &got), ErrMiss)
}

func TestDeletePattern(t *testing.T) {
	var c, _ = newTestCache(t)
	var ctx = context.Background()

	c.Set(ctx, "transactions:user:u1:page:1:size:20", payload{}, 0)
	c.Set(ctx, "transactions:user:u1:type:card:page:1:size:20", payload{}, 0)
	c.Set(ctx, "transactions:user:u2:page:1:size:20", payload{}, 0)
	c.Set(ctx, "transaction:abc", payload{}, 0)

	var n = c.DeletePattern(ctx, "transactions:user:u1:*")
	require.Equal(t, 2, n)

	var got payload
	require.ErrorIs(t, c.Get(ctx, "transactions:user:u1:page:1:size:20", &got), ErrMiss)
	require.NoError(t, c.Get(ctx, "transactions:user:u2:page:1:size:20", &got))
	require.NoError(t, c.Get(ctx, "transaction:abc", &got))
}

func TestKeyLayout(t *testing.T) {
	var f = feed.Filter{
		Type:        feed.TypeCard,
		Product:     feed.ProductCard,
		Status:      feed.StatusCompleted,
		Currency:    "USD",
		SearchQuery: "coffee",
	}

	var k = Keys{}
	require.Equal(t,
		"transactions:user:u1:type:card:product:Card:status:completed:currency:USD:search:coffee:page:2:size:20",
		k.List("u1", f, feed.PageParams{Page: 2, PageSize: 20}))

	require.Equal(t,
		"transactions:user:u1:page:1:size:20",
		k.List("u1", feed.Filter{}, feed.PageParams{Page: 1, PageSize: 20}))

	require.Equal(t,
		"transactions:user:u1:cursor:limit:20",
		k.ListCursor("u1", feed.Filter{}, feed.CursorParams{Limit: 20}))

	// Long cursors contribute only their first 20 characters.
	var long = "AAAAAAAAAABBBBBBBBBBCCCCCCCCCC"
	require.Equal(t,
		"transactions:user:u1:cursor:limit:20:cursor:AAAAAAAAAABBBBBBBBBB",
		k.ListCursor("u1", feed.Filter{}, feed.CursorParams{Cursor: long, Limit: 20}))

	require.Equal(t, "transactions:user:u1:*", k.InvalidationPattern("u1"))

	var es = Keys{Search: true}
	require.Equal(t,
		"transactions:es:user:u1:meta:direction:sent:meta:merchant_name:ACME:page:1:size:20",
		es.List("u1", feed.Filter{Metadata: map[string]string{
			"merchant_name": "ACME",
			"direction":     "sent",
		}}, feed.PageParams{Page: 1, PageSize: 20}))

	require.Equal(t, "transaction:abc", TransactionKey("abc"))
	require.Equal(t, "message:processed:deadbeef", ProcessedKey("deadbeef"))
}
