package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline/auth"
	"github.com/feedline/feedline/feed"
	"github.com/feedline/feedline/health"
	"github.com/feedline/feedline/query"
)

type fakeReads struct {
	page       feed.Page
	cursorPage feed.CursorPage
	tx         *feed.Transaction
	getErr     error
	blockGet   bool

	lastUser   string
	lastFilter feed.Filter
	lastPage   feed.PageParams
	lastCursor feed.CursorParams
	listCalls  int
	keysets    int
}

func (f *fakeReads) List(ctx context.Context, userID string, fl feed.Filter, p feed.PageParams) (feed.Page, error) {
	f.listCalls++
	f.lastUser, f.lastFilter, f.lastPage = userID, fl, p
	return f.page, nil
}

func (f *fakeReads) ListKeyset(ctx context.Context, userID string, fl feed.Filter, p feed.CursorParams) (feed.CursorPage, error) {
	f.keysets++
	f.lastUser, f.lastFilter, f.lastCursor = userID, fl, p
	return f.cursorPage, nil
}

func (f *fakeReads) Get(ctx context.Context, id string) (*feed.Transaction, error) {
	if f.blockGet {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.tx, nil
}

type fakeWrites struct {
	created []*feed.Transaction
	err     error
}

func (f *fakeWrites) Create(ctx context.Context, tx *feed.Transaction) (*feed.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	f.created = append(f.created, tx)
	return tx, nil
}

type fakeChecker struct{ report health.Report }

func (f *fakeChecker) Check(context.Context) health.Report { return f.report }

func newSigner(t *testing.T) *auth.Signer {
	t.Helper()
	var signer, err = auth.New("test-secret", "", 0)
	require.NoError(t, err)
	return signer
}

func newTestServer(t *testing.T, reads *fakeReads, writes *fakeWrites) (*Server, *httptest.Server) {
	t.Helper()
	var srv = NewServer(reads, writes, &fakeChecker{report: health.Report{
		Status:        health.Healthy,
		Database:      health.Healthy,
		Redis:         health.Healthy,
		Elasticsearch: health.Healthy,
		Kafka:         health.Healthy,
	}}, newSigner(t), nil, Config{})
	var ts = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func mintToken(t *testing.T, ts *httptest.Server, userID string) string {
	t.Helper()
	var res = post(t, ts, "/api/v1/auth/token", fmt.Sprintf(`{"user_id":%q}`, userID), "")
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "bearer", body.TokenType)
	require.Equal(t, 1800, body.ExpiresIn)
	require.NotEmpty(t, body.AccessToken)
	return body.AccessToken
}

func get(t *testing.T, ts *httptest.Server, path, token string) *http.Response {
	t.Helper()
	var req, err = http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := ts.Client().Do(req)
	require.NoError(t, err)
	return res
}

func post(t *testing.T, ts *httptest.Server, path, body, token string) *http.Response {
	t.Helper()
	var req, err = http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := ts.Client().Do(req)
	require.NoError(t, err)
	return res
}

func TestIssueAndUseToken(t *testing.T) {
	var _, ts = newTestServer(t, &fakeReads{}, &fakeWrites{})
	var token = mintToken(t, ts, "user_9")

	var res = get(t, ts, "/api/v1/auth/me", token)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "user_9", body["user_id"])
}

func TestIssueTokenRejectsBlankUser(t *testing.T) {
	var _, ts = newTestServer(t, &fakeReads{}, &fakeWrites{})

	for _, body := range []string{`{}`, `{"user_id":"   "}`, `not json`} {
		var res = post(t, ts, "/api/v1/auth/token", body, "")
		res.Body.Close()
		require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, "body %s", body)
	}
}

func TestCurrentUserRequiresValidToken(t *testing.T) {
	var _, ts = newTestServer(t, &fakeReads{}, &fakeWrites{})

	var res = get(t, ts, "/api/v1/auth/me", "")
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = get(t, ts, "/api/v1/auth/me", "not-a-token")
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCreateTransactionOverridesBodyUser(t *testing.T) {
	var writes = &fakeWrites{}
	var _, ts = newTestServer(t, &fakeReads{}, writes)
	var token = mintToken(t, ts, "user_1")

	var res = post(t, ts, "/api/v1/transactions", `{
		"user_id": "someone_else",
		"transaction_type": "card",
		"product": "Card",
		"status": "completed",
		"currency": "USD",
		"amount": 25.5
	}`, token)
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	require.Len(t, writes.created, 1)
	require.Equal(t, "user_1", writes.created[0].UserID)

	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "user_1", body["user_id"])
	require.NotEmpty(t, body["id"])
}

func TestCreateTransactionMapsValidationErrors(t *testing.T) {
	var writes = &fakeWrites{err: fmt.Errorf("%w: transaction_type is unknown", query.ErrInvalid)}
	var _, ts = newTestServer(t, &fakeReads{}, writes)

	var res = post(t, ts, "/api/v1/transactions", `{"user_id":"u1","transaction_type":"mystery"}`, "")
	defer res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Contains(t, body["error"], "invalid transaction")

	res = post(t, ts, "/api/v1/transactions", `{broken`, "")
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestListRequiresSomeUser(t *testing.T) {
	var reads = &fakeReads{}
	var _, ts = newTestServer(t, reads, &fakeWrites{})

	var res = get(t, ts, "/api/v1/transactions", "")
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = get(t, ts, "/api/v1/transactions?user_id=user_3", "")
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "user_3", reads.lastUser)
}

func TestListBearerOverridesQueryUser(t *testing.T) {
	var reads = &fakeReads{}
	var _, ts = newTestServer(t, reads, &fakeWrites{})
	var token = mintToken(t, ts, "user_1")

	var res = get(t, ts, "/api/v1/transactions?user_id=user_2", token)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "user_1", reads.lastUser)
}

func TestListFilterParsing(t *testing.T) {
	var reads = &fakeReads{}
	var _, ts = newTestServer(t, reads, &fakeWrites{})

	var res = get(t, ts, "/api/v1/transactions?user_id=u1"+
		"&transaction_type=card&product=Card&status=completed&currency=USD"+
		"&start_date=2026-01-01&end_date=2026-02-01T12:00:00Z"+
		"&min_amount=10.5&max_amount=99.99&search_query=coffee"+
		"&merchant_name=Starbucks&direction=sent", "")
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var f = reads.lastFilter
	require.Equal(t, feed.TypeCard, f.Type)
	require.Equal(t, feed.ProductCard, f.Product)
	require.Equal(t, feed.StatusCompleted, f.Status)
	require.Equal(t, "USD", f.Currency)
	require.Equal(t, "2026-01-01", f.StartDate.Format("2006-01-02"))
	require.Equal(t, 12, f.EndDate.Hour())
	require.Equal(t, "10.5", f.MinAmount.String())
	require.Equal(t, "99.99", f.MaxAmount.String())
	require.Equal(t, "coffee", f.SearchQuery)
	require.Equal(t, map[string]string{"merchant_name": "Starbucks", "direction": "sent"}, f.Metadata)

	res = get(t, ts, "/api/v1/transactions?user_id=u1&transaction_type=waffle", "")
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = get(t, ts, "/api/v1/transactions?user_id=u1&min_amount=lots", "")
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestListPaginationModeSelection(t *testing.T) {
	var reads = &fakeReads{}
	var _, ts = newTestServer(t, reads, &fakeWrites{})

	// A bare limit selects keyset pagination.
	var res = get(t, ts, "/api/v1/transactions?user_id=u1&limit=5", "")
	res.Body.Close()
	require.Equal(t, 1, reads.keysets)
	require.Equal(t, 5, reads.lastCursor.Limit)

	// A cursor selects keyset pagination even alongside a page number.
	res = get(t, ts, "/api/v1/transactions?user_id=u1&cursor=abc&page=3", "")
	res.Body.Close()
	require.Equal(t, 2, reads.keysets)
	require.Equal(t, "abc", reads.lastCursor.Cursor)

	// A page number without a cursor selects the offset mode.
	res = get(t, ts, "/api/v1/transactions?user_id=u1&page=2&page_size=10&limit=5", "")
	res.Body.Close()
	require.Equal(t, 1, reads.listCalls)
	require.Equal(t, feed.PageParams{Page: 2, PageSize: 10}, reads.lastPage)

	res = get(t, ts, "/api/v1/transactions?user_id=u1&page=nope", "")
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestGetTransactionStatuses(t *testing.T) {
	var txID = uuid.New()
	var reads = &fakeReads{tx: &feed.Transaction{ID: txID, UserID: "user_1"}}
	var _, ts = newTestServer(t, reads, &fakeWrites{})

	var res = get(t, ts, "/api/v1/transactions/not-a-uuid", "")
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = get(t, ts, "/api/v1/transactions/"+txID.String(), "")
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	reads.getErr = query.ErrNotFound
	res = get(t, ts, "/api/v1/transactions/"+uuid.NewString(), "")
	res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	reads.getErr = nil
}

func TestGetTransactionCrossUserForbidden(t *testing.T) {
	var txID = uuid.New()
	var reads = &fakeReads{tx: &feed.Transaction{ID: txID, UserID: "owner"}}
	var _, ts = newTestServer(t, reads, &fakeWrites{})
	var token = mintToken(t, ts, "intruder")

	var res = get(t, ts, "/api/v1/transactions/"+txID.String(), token)
	res.Body.Close()
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	// Anonymous reads are not ownership-checked.
	res = get(t, ts, "/api/v1/transactions/"+txID.String(), "")
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHealthAlwaysAnswers200(t *testing.T) {
	var srv = NewServer(&fakeReads{}, &fakeWrites{}, &fakeChecker{report: health.Report{
		Status:   health.Degraded,
		Database: health.Healthy,
		Redis:    health.Unhealthy,
	}}, newSigner(t), nil, Config{})
	var ts = httptest.NewServer(srv.Handler())
	defer ts.Close()

	var res = get(t, ts, "/api/v1/health", "")
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, "unhealthy", body["redis"])
}

func TestRequestIDEchoed(t *testing.T) {
	var _, ts = newTestServer(t, &fakeReads{}, &fakeWrites{})

	var req, err = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	res, err := ts.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, "req-123", res.Header.Get("X-Request-ID"))

	res = get(t, ts, "/api/v1/health", "")
	res.Body.Close()
	require.NotEmpty(t, res.Header.Get("X-Request-ID"))
}

func TestRateLimitDeniesWithHeaders(t *testing.T) {
	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	var srv = NewServer(&fakeReads{}, &fakeWrites{}, &fakeChecker{}, newSigner(t),
		NewLimiter(rdb, DefaultPrefix), Config{})
	var ts = httptest.NewServer(srv.Handler())
	defer ts.Close()

	// The token endpoint allows ten requests per window.
	for i := 0; i < 10; i++ {
		var res = post(t, ts, "/api/v1/auth/token", `{"user_id":"u1"}`, "")
		res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode, "request %d", i+1)
		require.Equal(t, "10", res.Header.Get("X-RateLimit-Limit"))
		require.Equal(t, strconv.Itoa(9-i), res.Header.Get("X-RateLimit-Remaining"))
	}

	var res = post(t, ts, "/api/v1/auth/token", `{"user_id":"u1"}`, "")
	defer res.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	require.Equal(t, "10", res.Header.Get("X-RateLimit-Limit"))
	require.Equal(t, "0", res.Header.Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, res.Header.Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "Rate limit exceeded", body["error"])
	require.EqualValues(t, 10, body["limit"])
}

func TestRateLimitFailsOpenWithoutRedis(t *testing.T) {
	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	var srv = NewServer(&fakeReads{}, &fakeWrites{}, &fakeChecker{}, newSigner(t),
		NewLimiter(rdb, DefaultPrefix), Config{})
	var ts = httptest.NewServer(srv.Handler())
	defer ts.Close()

	for i := 0; i < 15; i++ {
		var res = post(t, ts, "/api/v1/auth/token", `{"user_id":"u1"}`, "")
		res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)
	}
}

func TestRequestTimeoutAnswers504(t *testing.T) {
	var reads = &fakeReads{blockGet: true}
	var srv = NewServer(reads, &fakeWrites{}, &fakeChecker{}, newSigner(t), nil,
		Config{RequestTimeout: 50 * time.Millisecond})
	var ts = httptest.NewServer(srv.Handler())
	defer ts.Close()

	var res = get(t, ts, "/api/v1/transactions/"+uuid.NewString(), "")
	defer res.Body.Close()
	require.Equal(t, http.StatusGatewayTimeout, res.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "Request timeout", body["error"])
	require.Contains(t, body["path"], "/api/v1/transactions/")
}

func TestNormalizePathFoldsIDs(t *testing.T) {
	require.Equal(t, "/api/v1/transactions/{id}",
		normalizePath("/api/v1/transactions/5f8a4e0a-93ce-44c1-bb8b-1f2a4c1f6f01"))
	require.Equal(t, "/api/v1/users/{id}/orders/{id}",
		normalizePath("/api/v1/users/42/orders/9000"))
	require.Equal(t, "/api/v1/transactions", normalizePath("/api/v1/transactions"))
}
