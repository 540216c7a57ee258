package breaker

import "time"

// Names of the dependencies the platform guards.
const (
	Postgres      = "postgres"
	Redis         = "redis"
	Elasticsearch = "elasticsearch"
	Kafka         = "kafka"
)

// Registry holds one Breaker per external dependency. It's built once at
// process start and handed to each adapter, so every code path guarding
// the same dependency shares the same state.
type Registry struct {
	breakers map[string]*Breaker
}

// NewRegistry builds a Registry with one breaker per known dependency,
// all sharing the given threshold, timeout, and enable flag.
func NewRegistry(threshold int, timeout time.Duration, enabled bool) *Registry {
	var r = &Registry{breakers: make(map[string]*Breaker)}
	for _, name := range []string{Postgres, Redis, Elasticsearch, Kafka} {
		r.breakers[name] = New(Config{
			Name:             name,
			FailureThreshold: threshold,
			OpenTimeout:      timeout,
			Disabled:         !enabled,
		})
	}
	return r
}

// Get returns the breaker guarding the named dependency.
// It panics on an unknown name, which is a programming error.
func (r *Registry) Get(name string) *Breaker {
	var b, ok = r.breakers[name]
	if !ok {
		panic("unknown breaker: " + name)
	}
	return b
}

// Snapshots returns the current state of every breaker, keyed by name.
func (r *Registry) Snapshots() map[string]Snapshot {
	var out = make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
