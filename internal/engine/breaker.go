package engine

import (
	"sync"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// CircuitState is the state of one service type's breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected until cooldown
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig bounds how many authority failures a service type may
// accumulate before step calls are short-circuited.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	HalfOpenMax      int           `mapstructure:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the defaults used by NewExecutor.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	probes    int
	lastError string
}

// Breakers keeps one circuit per service type.
type Breakers struct {
	mu     sync.Mutex
	byKey  map[string]*breaker
	config CircuitBreakerConfig
	now    func() time.Time
}

// NewBreakers creates a breaker set. Zero config fields take defaults.
func NewBreakers(config CircuitBreakerConfig) *Breakers {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{byKey: make(map[string]*breaker), config: config, now: time.Now}
}

// Allow returns nil when a call for serviceType may proceed, or CIRCUIT_OPEN.
func (b *Breakers) Allow(serviceType string) error {
	cb := b.get(serviceType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		remaining := b.config.Cooldown - b.now().Sub(cb.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"authority calls for %q suspended after %d consecutive failures", serviceType, cb.failures).
				WithDetails(map[string]any{
					"service_type":       serviceType,
					"failures":           cb.failures,
					"cooldown_remaining": remaining.String(),
					"last_error":         cb.lastError,
				})
		}
		cb.state = CircuitHalfOpen
		cb.probes = 1
		return nil

	case CircuitHalfOpen:
		if cb.probes >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"authority calls for %q are being probed, try again shortly", serviceType)
		}
		cb.probes++
	}
	return nil
}

// Success closes the circuit for serviceType.
func (b *Breakers) Success(serviceType string) {
	cb := b.get(serviceType)
	cb.mu.Lock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probes = 0
	cb.lastError = ""
	cb.mu.Unlock()
}

// Failure counts a failed call and reports whether it opened the circuit.
func (b *Breakers) Failure(serviceType string, err error) (opened bool) {
	cb := b.get(serviceType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if err != nil {
		cb.lastError = err.Error()
	}
	if cb.state == CircuitHalfOpen || (cb.state == CircuitClosed && cb.failures >= b.config.FailureThreshold) {
		cb.state = CircuitOpen
		cb.openedAt = b.now()
		cb.probes = 0
		return true
	}
	return false
}

// State returns the circuit state for serviceType, moving an expired open
// circuit to half-open.
func (b *Breakers) State(serviceType string) CircuitState {
	cb := b.get(serviceType)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && b.now().Sub(cb.openedAt) >= b.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}
	return cb.state
}

// Stats describes one circuit for diagnostics.
func (b *Breakers) Stats(serviceType string) map[string]any {
	state := b.State(serviceType)
	cb := b.get(serviceType)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"service_type":      serviceType,
		"state":             state.String(),
		"failures":          cb.failures,
		"failure_threshold": b.config.FailureThreshold,
		"cooldown":          b.config.Cooldown.String(),
		"last_error":        cb.lastError,
	}
}

func (b *Breakers) get(serviceType string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byKey[serviceType]
	if !ok {
		cb = &breaker{state: CircuitClosed}
		b.byKey[serviceType] = cb
	}
	return cb
}
