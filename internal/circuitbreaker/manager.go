package circuitbreaker

import (
	"sync"
	"time"

	"github.com/bundlepay/server/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Manager manages circuit breakers keyed by sink name.
// Provides bulkhead isolation - each optical sink has its own circuit breaker
// so one dead indexer cannot block posts to the others.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerConfig
	enabled  bool
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open. Default: 1
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear the internal counts.
	// If 0, never clears. Default: 60s
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	// Default: 30s
	Timeout time.Duration

	// ReadyToTrip is called whenever a request fails in the closed state.
	// If it returns true, the circuit breaker trips to open state.
	// Default: 5 consecutive failures or 50% failure rate over 10 requests
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
// All breakers created by the manager share the same settings.
func NewManagerFromConfig(enabled bool, cfg config.BreakerServiceConfig) *Manager {
	return NewManager(enabled, BreakerConfig{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval.Duration,
		Timeout:             cfg.Timeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		FailureRatio:        cfg.FailureRatio,
		MinRequests:         cfg.MinRequests,
	})
}

// NewManager creates a circuit breaker manager with the given settings.
func NewManager(enabled bool, settings BreakerConfig) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
		enabled:  enabled,
	}
}

// Execute wraps a function call with circuit breaker protection.
// A breaker is created on first use of each name. If the manager is
// disabled, the call executes directly.
func (m *Manager) Execute(name string, fn func() (interface{}, error)) (interface{}, error) {
	if !m.enabled {
		// Circuit breaker disabled - pass through
		return fn()
	}

	return m.breaker(name).Execute(fn)
}

// State returns the current state of a circuit breaker.
// Returns "disabled" if circuit breakers are not enabled.
func (m *Manager) State(name string) string {
	if !m.enabled {
		return "disabled"
	}

	return m.breaker(name).State().String()
}

// Counts returns the current counts for a circuit breaker.
func (m *Manager) Counts(name string) Counts {
	if !m.enabled {
		return Counts{}
	}

	c := m.breaker(name).Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// breaker returns the breaker for a name, creating it on first use.
func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(toGobreakerSettings(name, m.settings))
	m.breakers[name] = b
	return b
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Trip if we've hit consecutive failures threshold
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			// Trip if we've hit failure ratio threshold (and have minimum requests)
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
				if counts.Requests >= cfg.MinRequests {
					failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
					if failureRate >= cfg.FailureRatio {
						return true
					}
				}
			}

			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_change")
		},
	}
}

// DefaultConfig returns sensible defaults for circuit breaker settings.
func DefaultConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}
