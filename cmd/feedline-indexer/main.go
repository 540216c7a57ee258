package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/breaker"
	"github.com/feedline/feedline/cache"
	"github.com/feedline/feedline/config"
	"github.com/feedline/feedline/consumer"
	"github.com/feedline/feedline/enrich"
	"github.com/feedline/feedline/events"
	"github.com/feedline/feedline/search"
	"github.com/feedline/feedline/store"
)

// topicPartitions is the partition count for topics this process
// creates. It also bounds the useful size of the consumer group.
const topicPartitions = 3

func must(err error, msg string) {
	if err != nil {
		log.WithField("error", err).Fatal(msg)
	}
}

func main() {
	var cfg = config.MustParse()
	config.InitLog(cfg.Log)

	log.WithFields(log.Fields{
		"topic": cfg.Kafka.Topic,
		"group": cfg.Kafka.Group,
	}).Info("starting feedline-indexer")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var breakers = breaker.NewRegistry(
		cfg.Breaker.FailureThreshold, cfg.BreakerTimeout(), cfg.Breaker.Enabled)

	// Unlike the API, the indexer exists to keep the search index
	// current and cannot run without one.
	if cfg.Elasticsearch.URL == "" {
		log.Fatal("the indexer requires ELASTICSEARCH_URL")
	}
	es, err := search.Connect(cfg.Elasticsearch.URL)
	must(err, "connecting elasticsearch")
	var idx = search.New(es, breakers.Get(breaker.Elasticsearch))
	must(idx.EnsureIndex(ctx), "ensuring search index")

	opts, err := redis.ParseURL(cfg.Redis.URL)
	must(err, "parsing redis url")
	opts.DialTimeout = cfg.ExternalTimeout()
	opts.ReadTimeout = cfg.ExternalTimeout()
	var rdb = redis.NewClient(opts)
	defer rdb.Close()
	var pages = cache.New(rdb, breakers.Get(breaker.Redis), cfg.CacheTTL())

	var audit *store.Store
	if cfg.Consumer.AuditDB {
		db, err := store.Open(ctx, cfg.Database.URL)
		must(err, "opening postgres")
		defer db.Close()
		audit = store.New(db, breakers.Get(breaker.Postgres))
		must(audit.EnsureSchema(ctx), "ensuring schema")
	}

	var ccfg = consumer.Config{
		Brokers:      cfg.BrokerList(),
		Topic:        cfg.Kafka.Topic,
		Group:        cfg.Kafka.Group,
		OffsetReset:  cfg.Kafka.OffsetReset,
		BatchSize:    cfg.Consumer.BatchSize,
		BatchTimeout: cfg.BatchTimeout(),
		AuditEnabled: cfg.Consumer.AuditDB,
	}
	client, err := consumer.NewClient(ccfg)
	must(err, "building kafka client")

	must(events.EnsureTopic(ctx, client, cfg.Kafka.Topic, topicPartitions), "creating topic")
	must(events.EnsureTopic(ctx, client, events.DLQTopic(cfg.Kafka.Topic), topicPartitions),
		"creating dead-letter topic")

	// The dead-letter publisher rides the consumer's client.
	var dlq = events.New(client, cfg.Kafka.Topic, breakers.Get(breaker.Kafka))

	var deps = consumer.Deps{
		Index:      idx,
		Cache:      pages,
		DLQ:        dlq,
		Strategies: enrich.NewRegistry(),
		ESBreaker:  breakers.Get(breaker.Elasticsearch),
	}
	if audit != nil {
		deps.Audit = audit
	}

	ix, err := consumer.NewIndexer(ccfg, client, deps)
	must(err, "building indexer")

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal")
		cancel()
	}()

	must(ix.Run(ctx), "consumer failed")
	ix.Close()
	log.Info("goodbye")
}
