package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/api"
	"github.com/feedline/feedline/auth"
	"github.com/feedline/feedline/breaker"
	"github.com/feedline/feedline/cache"
	"github.com/feedline/feedline/config"
	"github.com/feedline/feedline/enrich"
	"github.com/feedline/feedline/events"
	"github.com/feedline/feedline/health"
	"github.com/feedline/feedline/query"
	"github.com/feedline/feedline/search"
	"github.com/feedline/feedline/store"
)

func must(err error, msg string) {
	if err != nil {
		log.WithField("error", err).Fatal(msg)
	}
}

func main() {
	var cfg = config.MustParse()
	config.InitLog(cfg.Log)

	log.WithFields(log.Fields{
		"address":        cfg.HTTP.Address,
		"search_primary": cfg.Elasticsearch.Primary,
	}).Info("starting feedline-api")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var breakers = breaker.NewRegistry(
		cfg.Breaker.FailureThreshold, cfg.BreakerTimeout(), cfg.Breaker.Enabled)

	db, err := store.Open(ctx, cfg.Database.URL)
	must(err, "opening postgres")
	defer db.Close()
	var st = store.New(db, breakers.Get(breaker.Postgres))
	must(st.EnsureSchema(ctx), "ensuring schema")

	opts, err := redis.ParseURL(cfg.Redis.URL)
	must(err, "parsing redis url")
	opts.DialTimeout = cfg.ExternalTimeout()
	opts.ReadTimeout = cfg.ExternalTimeout()
	var rdb = redis.NewClient(opts)
	defer rdb.Close()
	var pages = cache.New(rdb, breakers.Get(breaker.Redis), cfg.CacheTTL())

	// The search index is optional; without it the store serves every
	// read and text queries fall back to relational matching.
	var idx *search.Index
	if cfg.Elasticsearch.URL != "" {
		es, err := search.Connect(cfg.Elasticsearch.URL)
		must(err, "connecting elasticsearch")
		idx = search.New(es, breakers.Get(breaker.Elasticsearch))
		if err = idx.EnsureIndex(ctx); err != nil {
			if cfg.Elasticsearch.Primary {
				must(err, "ensuring search index")
			}
			log.WithField("error", err).Warn("could not ensure search index, text queries may fall back to the store")
		}
	}

	kc, err := events.Connect(cfg.BrokerList())
	must(err, "connecting kafka")
	defer kc.Close()
	var publisher = events.New(kc, cfg.Kafka.Topic, breakers.Get(breaker.Kafka))

	var strategies = enrich.NewRegistry()
	var storeSvc *query.StoreService
	if idx != nil {
		storeSvc = query.NewStoreService(st, idx, pages, publisher, strategies)
	} else {
		storeSvc = query.NewStoreService(st, nil, pages, publisher, strategies)
	}

	var reads query.Service = storeSvc
	if cfg.Elasticsearch.Primary {
		reads = query.NewSearchService(idx, pages)
		log.Info("serving reads from the search index")
	}

	var checker *health.Checker
	if idx != nil {
		checker = health.New(st, pages, idx, publisher, breakers)
	} else {
		checker = health.New(st, pages, nil, publisher, breakers)
	}

	signer, err := auth.New(cfg.Auth.SecretKey, cfg.Auth.Algorithm, cfg.TokenExpiry())
	must(err, "configuring token signing")

	var limiter *api.Limiter
	if cfg.HTTP.RateLimitEnabled {
		limiter = api.NewLimiter(rdb, cfg.HTTP.Prefix)
	}

	var server = api.NewServer(reads, storeSvc, checker, signer, limiter, api.Config{
		Prefix:         cfg.HTTP.Prefix,
		RequestTimeout: cfg.RequestTimeout(),
	})
	var srv = &http.Server{Addr: cfg.HTTP.Address, Handler: server.Handler()}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	var errCh = make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case sig := <-signalCh:
		log.WithField("signal", sig).Info("caught signal")
		var shutdownCtx, cancelShutdown = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithField("error", err).Warn("shutdown incomplete")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err).Fatal("server failed")
		}
	}
	log.Info("goodbye")
}
