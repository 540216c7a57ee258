// Package health rolls per-dependency probes and breaker state into the
// tri-state report served by the health endpoint.
package health

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/breaker"
	"github.com/feedline/feedline/cache"
	"github.com/feedline/feedline/events"
	"github.com/feedline/feedline/search"
	"github.com/feedline/feedline/store"
)

// Status grades one dependency, or the platform overall.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Report is the health rollup.
type Report struct {
	Status        Status `json:"status"`
	Database      Status `json:"database"`
	Redis         Status `json:"redis"`
	Elasticsearch Status `json:"elasticsearch"`
	Kafka         Status `json:"kafka"`
}

// Pinger reports whether a dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ Pinger = (*store.Store)(nil)
	_ Pinger = (*cache.Cache)(nil)
	_ Pinger = (*search.Index)(nil)
	_ Pinger = (*events.Publisher)(nil)
)

// Checker probes the platform's dependencies. A nil probe means that
// backend is not configured and reads as unhealthy.
type Checker struct {
	db       Pinger
	cache    Pinger
	index    Pinger
	eventLog Pinger
	breakers *breaker.Registry
}

// New returns a Checker over the given probes.
func New(db, cache, index, eventLog Pinger, breakers *breaker.Registry) *Checker {
	return &Checker{
		db:       db,
		cache:    cache,
		index:    index,
		eventLog: eventLog,
		breakers: breakers,
	}
}

// Check probes every dependency. An open breaker grades its dependency
// degraded whatever the probe says, since the platform is already
// routing around it. Overall, only the relational store decides
// unhealthiness; anything short of all-healthy is degraded.
func (c *Checker) Check(ctx context.Context) Report {
	var r = Report{
		Database:      c.probe(ctx, c.db, breaker.Postgres),
		Redis:         c.probe(ctx, c.cache, breaker.Redis),
		Elasticsearch: c.probe(ctx, c.index, breaker.Elasticsearch),
		Kafka:         c.probe(ctx, c.eventLog, breaker.Kafka),
	}

	switch {
	case r.Database == Unhealthy:
		r.Status = Unhealthy
	case r.Database == Healthy && r.Redis == Healthy &&
		r.Elasticsearch == Healthy && r.Kafka == Healthy:
		r.Status = Healthy
	default:
		r.Status = Degraded
	}
	return r
}

func (c *Checker) probe(ctx context.Context, p Pinger, name string) Status {
	var state = c.breakers.Get(name).State()
	breakerStateGauge.WithLabelValues(name).Set(gaugeValue(state))

	if state == breaker.Open {
		return Degraded
	}
	if p == nil {
		return Unhealthy
	}
	if err := p.Ping(ctx); err != nil {
		log.WithFields(log.Fields{"dependency": name, "error": err}).
			Debug("health probe failed")
		return Unhealthy
	}
	return Healthy
}
