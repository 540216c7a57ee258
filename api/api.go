// Package api exposes the activity feed over HTTP: token issuance,
// transaction create/list/get, health and Prometheus metrics. The
// middleware chain carries request ids and the bearer identity inward
// so logging and rate limiting can key on them.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/auth"
	"github.com/feedline/feedline/feed"
	"github.com/feedline/feedline/health"
	"github.com/feedline/feedline/query"
)

// DefaultPrefix mounts the API under its versioned path.
const DefaultPrefix = "/api/v1"

// TransactionCreator accepts new transactions. Writes always land on
// the relational store regardless of which backend serves reads.
type TransactionCreator interface {
	Create(ctx context.Context, tx *feed.Transaction) (*feed.Transaction, error)
}

// HealthChecker reports the tri-state health roll-up.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

var (
	_ TransactionCreator = (*query.StoreService)(nil)
	_ HealthChecker      = (*health.Checker)(nil)
)

// Config tunes the HTTP surface.
type Config struct {
	// Prefix is the mount path of the API, DefaultPrefix when empty.
	Prefix string
	// RequestTimeout bounds requests without a tighter per-route budget.
	RequestTimeout time.Duration
}

// Server routes feed requests to the selected query backend.
type Server struct {
	reads   query.Service
	writes  TransactionCreator
	checker HealthChecker
	signer  *auth.Signer
	limiter *Limiter

	prefix         string
	requestTimeout time.Duration
}

// NewServer assembles the HTTP surface. A nil limiter disables rate
// limiting.
func NewServer(reads query.Service, writes TransactionCreator, checker HealthChecker, signer *auth.Signer, limiter *Limiter, cfg Config) *Server {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{
		reads:          reads,
		writes:         writes,
		checker:        checker,
		signer:         signer,
		limiter:        limiter,
		prefix:         cfg.Prefix,
		requestTimeout: cfg.RequestTimeout,
	}
}

// Handler builds the routed middleware chain.
func (s *Server) Handler() http.Handler {
	var r = chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(requestID)
	r.Use(s.authenticate)
	r.Use(logRequests)
	r.Use(measure)
	r.Use(s.timeout)
	r.Use(s.rateLimit)

	r.Route(s.prefix, func(r chi.Router) {
		r.Post("/auth/token", s.issueToken)
		r.Get("/auth/me", s.currentUser)
		r.Post("/transactions", s.createTransaction)
		r.Get("/transactions", s.listTransactions)
		r.Get("/transactions/{id}", s.getTransaction)
		r.Get("/health", s.healthCheck)
		r.Handle("/metrics", promhttp.Handler())
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("error", err).Warn("writing response body")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
