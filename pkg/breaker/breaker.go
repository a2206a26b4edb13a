package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/binlift/binlift/pkg/config"
	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/types"
)

// State is the externally visible snapshot of one breaker.
type State struct {
	Key                  string     `json:"key"`
	State                string     `json:"state"`
	ConsecutiveFailures  uint32     `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32     `json:"consecutive_successes"`
	TotalRequests        uint32     `json:"total_requests"`
	ForcedOpen           bool       `json:"forced_open"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// entry pairs a gobreaker instance with the admin force-open latch.
type entry struct {
	cb         *gobreaker.CircuitBreaker
	forcedOpen bool
	openedAt   *time.Time
}

// Registry holds one circuit breaker per provider key. Breakers materialize
// lazily on first traffic; admin operations against a key that has never
// seen traffic return not found.
type Registry struct {
	mu  sync.Mutex
	cfg config.BreakerConfig

	breakers map[string]*entry
}

// NewRegistry creates an empty breaker registry with the given tuning.
func NewRegistry(cfg config.BreakerConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*entry),
	}
}

// Execute runs fn under the breaker for key, materializing the breaker on
// first use. A shed call returns ErrCircuitOpen without invoking fn.
func (r *Registry) Execute(key string, fn func() error) error {
	e := r.get(key, true)

	r.mu.Lock()
	forced := e.forcedOpen
	r.mu.Unlock()
	if forced {
		return fmt.Errorf("%w: breaker %s is forced open", types.ErrCircuitOpen, key)
	}

	_, err := e.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: breaker %s is shedding", types.ErrCircuitOpen, key)
	}
	return err
}

// get returns the entry for key, creating it when materialize is set.
func (r *Registry) get(key string, materialize bool) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.breakers[key]; ok {
		return e
	}
	if !materialize {
		return nil
	}

	e := &entry{}
	e.cb = gobreaker.NewCircuitBreaker(r.settings(key, e))
	r.breakers[key] = e
	return e
}

// settings maps the configured thresholds onto gobreaker's knobs: the
// failure window is the rolling Interval, the cool-down is the open-state
// Timeout, and the half-open success requirement doubles as the probe cap.
func (r *Registry) settings(key string, e *entry) gobreaker.Settings {
	threshold := uint32(r.cfg.FailureThreshold)
	return gobreaker.Settings{
		Name:        key,
		MaxRequests: uint32(r.cfg.SuccessThreshold),
		Interval:    time.Duration(r.cfg.WindowSeconds) * time.Second,
		Timeout:     time.Duration(r.cfg.CoolDownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.mu.Lock()
			if to == gobreaker.StateOpen {
				now := time.Now()
				e.openedAt = &now
			} else if to == gobreaker.StateClosed {
				e.openedAt = nil
			}
			r.mu.Unlock()
			logger := log.WithComponent("breaker")
			logger.Warn().
				Str("key", name).
				Str("from", stateName(from)).
				Str("to", stateName(to)).
				Msg("Breaker state change")
		},
	}
}

// Get returns the snapshot for one key, or ErrNotFound for a breaker that
// has never materialized.
func (r *Registry) Get(key string) (*State, error) {
	e := r.get(key, false)
	if e == nil {
		return nil, fmt.Errorf("%w: breaker %s", types.ErrNotFound, key)
	}
	return r.snapshot(key, e), nil
}

// List returns snapshots of every materialized breaker.
func (r *Registry) List() []*State {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	for key := range r.breakers {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	out := make([]*State, 0, len(keys))
	for _, key := range keys {
		if e := r.get(key, false); e != nil {
			out = append(out, r.snapshot(key, e))
		}
	}
	return out
}

// ForceOpen latches a breaker open until Reset.
func (r *Registry) ForceOpen(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.breakers[key]
	if !ok {
		return fmt.Errorf("%w: breaker %s", types.ErrNotFound, key)
	}
	e.forcedOpen = true
	now := time.Now()
	e.openedAt = &now
	return nil
}

// Reset discards a breaker's accumulated state by replacing it with a
// fresh closed instance.
func (r *Registry) Reset(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[key]; !ok {
		return fmt.Errorf("%w: breaker %s", types.ErrNotFound, key)
	}
	e := &entry{}
	e.cb = gobreaker.NewCircuitBreaker(r.settings(key, e))
	r.breakers[key] = e
	return nil
}

// OpenCount reports how many breakers are currently shedding.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	for key := range r.breakers {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	open := 0
	for _, key := range keys {
		if e := r.get(key, false); e != nil {
			r.mu.Lock()
			forced := e.forcedOpen
			r.mu.Unlock()
			if forced || e.cb.State() == gobreaker.StateOpen {
				open++
			}
		}
	}
	return open
}

func (r *Registry) snapshot(key string, e *entry) *State {
	counts := e.cb.Counts()

	r.mu.Lock()
	forced := e.forcedOpen
	openedAt := e.openedAt
	r.mu.Unlock()

	state := stateName(e.cb.State())
	if forced {
		state = "open"
	}
	return &State{
		Key:                  key,
		State:                state,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		TotalRequests:        counts.Requests,
		ForcedOpen:           forced,
		OpenedAt:             openedAt,
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
