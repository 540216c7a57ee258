// Package breaker implements the per-dependency circuit breaker which
// guards every external call the platform makes. Breakers trade a short
// window of rejected calls for fast failure while a dependency is down,
// and re-admit traffic through a half-open probe phase.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrOpen is returned by Do while the breaker is rejecting calls.
// Callers classify with errors.Is.
var ErrOpen = errors.New("circuit breaker is open")

// State is the operating mode of a Breaker.
type State int

const (
	// Closed admits all calls, counting consecutive failures.
	Closed State = iota
	// Open rejects all calls until the open timeout elapses.
	Open
	// HalfOpen admits calls as recovery probes.
	HalfOpen
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		panic("invalid state")
	}
}

// Config parameterizes a Breaker.
type Config struct {
	// Name of the guarded dependency, used in logs and errors.
	Name string
	// FailureThreshold is the count of consecutive failures which
	// opens a closed breaker.
	FailureThreshold int
	// OpenTimeout is how long an open breaker rejects calls before
	// admitting probes.
	OpenTimeout time.Duration
	// HalfOpenSuccesses is the count of consecutive probe successes
	// which closes a half-open breaker.
	HalfOpenSuccesses int
	// IsFailure classifies errors. Errors for which it returns false
	// propagate to the caller without counting against the breaker.
	// A nil IsFailure counts every error.
	IsFailure func(error) bool
	// Disabled turns the breaker into a transparent pass-through.
	Disabled bool
}

// Breaker is a three-state circuit breaker. The zero value is not
// usable; construct with New.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// New returns a closed Breaker, applying defaults for unset Config fields.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 2
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn under the breaker's admission policy. While Open it returns
// ErrOpen without invoking fn. Errors rejected by the IsFailure classifier
// propagate without counting. The breaker's lock is not held during fn,
// so several half-open probes may run concurrently.
func (b *Breaker) Do(fn func() error) error {
	if b.cfg.Disabled {
		return fn()
	}

	b.mu.Lock()
	if b.state == Open {
		if b.now().Sub(b.lastFailure) < b.cfg.OpenTimeout {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
		}
		log.WithField("breaker", b.cfg.Name).Info("circuit breaker entering half-open state")
		b.state = HalfOpen
		b.successes = 0
	}
	b.mu.Unlock()

	var err = fn()
	if err == nil {
		b.onSuccess()
		return nil
	}
	if b.cfg.IsFailure != nil && !b.cfg.IsFailure(err) {
		return err
	}
	b.onFailure(err)
	return err
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			log.WithField("breaker", b.cfg.Name).Info("circuit breaker closed")
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case HalfOpen:
		log.WithFields(log.Fields{
			"breaker": b.cfg.Name,
			"error":   err,
		}).Warn("circuit breaker reopened")
		b.state = Open
		b.successes = 0
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			log.WithFields(log.Fields{
				"breaker":   b.cfg.Name,
				"failures":  b.failures,
				"threshold": b.cfg.FailureThreshold,
			}).Warn("circuit breaker opened")
			b.state = Open
		}
	}
}

// State returns the breaker's current state. An Open breaker whose
// timeout has elapsed still reports Open until the next Do admits a probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the name of the guarded dependency.
func (b *Breaker) Name() string { return b.cfg.Name }

// Snapshot is a point-in-time view of a breaker, serialized into
// health responses.
type Snapshot struct {
	State       string     `json:"state"`
	Failures    int        `json:"failure_count"`
	LastFailure *time.Time `json:"last_failure_time,omitempty"`
	Threshold   int        `json:"threshold"`
	Timeout     string     `json:"timeout"`
}

// Snapshot returns the breaker's current counters and configuration.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	var snap = Snapshot{
		State:     b.state.String(),
		Failures:  b.failures,
		Threshold: b.cfg.FailureThreshold,
		Timeout:   b.cfg.OpenTimeout.String(),
	}
	if !b.lastFailure.IsZero() {
		var t = b.lastFailure
		snap.LastFailure = &t
	}
	return snap
}

// Reset forces the breaker closed and clears its counters. It's driven
// by recovery probes which observe the dependency healthy again.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	log.WithFields(log.Fields{
		"breaker":        b.cfg.Name,
		"previous_state": b.state.String(),
	}).Info("circuit breaker manually reset")

	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
}
