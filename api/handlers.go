package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/feed"
	"github.com/feedline/feedline/query"
)

// issueToken mints an access token for the named user. Credential
// validation is out of scope here: any non-blank user id is accepted,
// as in a development login.
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "user_id is required")
		return
	}

	var token, err = s.signer.Mint(req.UserID)
	if err != nil {
		log.WithFields(log.Fields{"user_id": req.UserID, "error": err}).Error("minting token failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(s.signer.Expiry().Seconds()),
	})
}

// currentUser echoes the authenticated identity.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) {
	var userID = userFrom(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

// createTransaction accepts one transaction. The bearer identity, when
// present, overrides the body's user_id: users create transactions only
// for themselves.
func (s *Server) createTransaction(w http.ResponseWriter, r *http.Request) {
	var tx feed.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if userID := userFrom(r.Context()); userID != "" {
		tx.UserID = userID
	}

	var created, err = s.writes.Create(r.Context(), &tx)
	if err != nil {
		if errors.Is(err, query.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.WithFields(log.Fields{"user_id": tx.UserID, "error": err}).Error("creating transaction failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	transactionsCreated.WithLabelValues(
		string(created.Type), string(created.Product), string(created.Status)).Inc()
	writeJSON(w, http.StatusCreated, created)
}

// listTransactions serves one page of a user's feed. A cursor selects
// keyset pagination; so does a bare limit. Page numbers select the
// offset mode.
func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	var q = r.URL.Query()

	var userID = userFrom(r.Context())
	if userID == "" {
		userID = strings.TrimSpace(q.Get("user_id"))
	} else if qid := q.Get("user_id"); qid != "" && qid != userID {
		log.WithFields(log.Fields{"token_user": userID, "query_user": qid}).
			Warn("ignoring user_id parameter of an authenticated request")
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest,
			"user_id is required: pass a bearer token or a user_id query parameter")
		return
	}

	var filter, err = parseFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if q.Get("cursor") != "" || (q.Has("limit") && !q.Has("page")) {
		limit, err := intParam(q, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		page, err := s.reads.ListKeyset(r.Context(), userID, filter,
			feed.CursorParams{Cursor: q.Get("cursor"), Limit: limit})
		if err != nil {
			log.WithFields(log.Fields{"user_id": userID, "error": err}).Error("listing transactions failed")
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	pageNum, err := intParam(q, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pageSize, err := intParam(q, "page_size")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.reads.List(r.Context(), userID, filter,
		feed.PageParams{Page: pageNum, PageSize: pageSize})
	if err != nil {
		log.WithFields(log.Fields{"user_id": userID, "error": err}).Error("listing transactions failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// getTransaction serves one transaction from the selected backend.
// Authenticated callers may only read their own.
func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	var raw = chi.URLParam(r, "id")
	var id, err = uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid transaction id %q: expected a UUID", raw))
		return
	}

	tx, err := s.reads.Get(r.Context(), id.String())
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		log.WithFields(log.Fields{"id": raw, "error": err}).Error("fetching transaction failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if userID := userFrom(r.Context()); userID != "" && tx.UserID != userID {
		log.WithFields(log.Fields{
			"user_id": userID,
			"owner":   tx.UserID,
			"id":      raw,
		}).Warn("cross-user transaction access denied")
		writeError(w, http.StatusForbidden, "You can only access your own transactions")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// healthCheck always answers 200; the body carries the tri-state report.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.checker.Check(r.Context()))
}

// parseFilter builds the listing filter from query parameters. Enum
// values are validated here so a typo reads as a client error, not an
// empty result.
func parseFilter(q url.Values) (feed.Filter, error) {
	var f feed.Filter

	if v := q.Get("transaction_type"); v != "" {
		f.Type = feed.Type(v)
		if !f.Type.Valid() {
			return f, fmt.Errorf("invalid transaction_type %q", v)
		}
	}
	if v := q.Get("product"); v != "" {
		f.Product = feed.Product(v)
		if !f.Product.Valid() {
			return f, fmt.Errorf("invalid product %q", v)
		}
	}
	if v := q.Get("status"); v != "" {
		f.Status = feed.Status(v)
		if !f.Status.Valid() {
			return f, fmt.Errorf("invalid status %q", v)
		}
	}
	f.Currency = q.Get("currency")

	if v := q.Get("start_date"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return f, fmt.Errorf("invalid start_date %q", v)
		}
		f.StartDate = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return f, fmt.Errorf("invalid end_date %q", v)
		}
		f.EndDate = &t
	}
	if v := q.Get("min_amount"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return f, fmt.Errorf("invalid min_amount %q", v)
		}
		f.MinAmount = &d
	}
	if v := q.Get("max_amount"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return f, fmt.Errorf("invalid max_amount %q", v)
		}
		f.MaxAmount = &d
	}
	f.SearchQuery = q.Get("search_query")

	for _, key := range []string{"direction", "merchant_name", "card_last_four", "peer_name"} {
		if v := q.Get(key); v != "" {
			if f.Metadata == nil {
				f.Metadata = make(map[string]string)
			}
			f.Metadata[key] = v
		}
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func intParam(q url.Values, name string) (int, error) {
	var v = q.Get(name)
	if v == "" {
		return 0, nil
	}
	var n, err = strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}
