package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedline_consumer_processed_total",
		Help: "Messages fully processed and acknowledged.",
	})

	duplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedline_consumer_duplicates_total",
		Help: "Messages skipped by fingerprint deduplication.",
	})

	deadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedline_consumer_dead_letters_total",
		Help: "Messages forwarded to the dead-letter topic.",
	})
)
