// Package circuit implements the per-endpoint circuit breaker registry
// described in spec §4.4: CLOSED/OPEN/HALF_OPEN state machine with a
// static fallback pairing table. Grounded directly on original_source
// app/services/triforce/circuit_breaker.py's CircuitBreaker and
// CircuitBreakerRegistry, with mutex-guarded state replacing the
// single-threaded Python dataclass.
package circuit

import (
	"sync"
	"time"

	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/meshtypes"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
	defaultHalfOpenMaxCalls = 3
)

// fallbackMapping pairs each endpoint with the one to try when it is
// unavailable, carried verbatim from the original FALLBACK_MAPPING table.
var fallbackMapping = map[string]string{
	"gemini":   "kimi",
	"kimi":     "gemini",
	"deepseek": "qwen",
	"qwen":     "deepseek",
	"mistral":  "cogito",
	"cogito":   "mistral",
	"nova":     "gemini",
	"glm":      "minimax",
	"minimax":  "glm",
	"claude":   "deepseek",
}

// Breaker tracks the health of one LLM endpoint.
type Breaker struct {
	EndpointID  string
	State       meshtypes.CircuitState
	FailureCount int
	SuccessCount int
	LastFailure *time.Time
	LastSuccess *time.Time

	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int
}

// Status is a point-in-time snapshot of a Breaker, safe to serialize.
type Status struct {
	EndpointID   string                 `json:"endpoint_id"`
	State        string                 `json:"state"`
	FailureCount int                    `json:"failure_count"`
	SuccessCount int                    `json:"success_count"`
	LastFailure  *time.Time             `json:"last_failure,omitempty"`
	LastSuccess  *time.Time             `json:"last_success,omitempty"`
	Fallback     string                 `json:"fallback,omitempty"`
}

// Config overrides a Registry's default thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// Registry is the process-wide set of per-endpoint breakers, created once
// and shared by the mesh's guarded call path.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
	logger   meshlog.Logger
}

// New creates an empty registry; breakers are created lazily on first use.
func New(cfg Config, logger meshlog.Logger) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("circuit")
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// getOrCreate returns the breaker for endpointID, creating it on first
// reference. Caller must hold r.mu.
func (r *Registry) getOrCreate(endpointID string) *Breaker {
	key := normalize(endpointID)
	b, ok := r.breakers[key]
	if !ok {
		b = &Breaker{
			EndpointID:       key,
			State:            meshtypes.CircuitClosed,
			failureThreshold: r.cfg.FailureThreshold,
			recoveryTimeout:  r.cfg.RecoveryTimeout,
			halfOpenMaxCalls: r.cfg.HalfOpenMaxCalls,
		}
		r.breakers[key] = b
	}
	return b
}

func normalize(endpointID string) string {
	out := make([]byte, len(endpointID))
	for i := 0; i < len(endpointID); i++ {
		c := endpointID[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// IsAvailable reports whether endpointID currently accepts calls,
// transitioning OPEN->HALF_OPEN when the recovery timeout has elapsed.
func (r *Registry) IsAvailable(endpointID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.getOrCreate(endpointID)
	return r.isAvailableLocked(b)
}

func (r *Registry) isAvailableLocked(b *Breaker) bool {
	switch b.State {
	case meshtypes.CircuitClosed:
		return true
	case meshtypes.CircuitOpen:
		if b.LastFailure != nil && time.Since(*b.LastFailure) >= b.recoveryTimeout {
			b.State = meshtypes.CircuitHalfOpen
			b.SuccessCount = 0
			r.logger.Info("circuit transitioned to half_open", map[string]interface{}{"endpoint": b.EndpointID})
			return true
		}
		return false
	case meshtypes.CircuitHalfOpen:
		return b.SuccessCount < b.halfOpenMaxCalls
	default:
		return false
	}
}

// RecordSuccess registers a successful call, possibly closing a
// half-open circuit or decaying the failure count of a closed one.
func (r *Registry) RecordSuccess(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.getOrCreate(endpointID)
	now := time.Now()
	b.SuccessCount++
	b.LastSuccess = &now

	switch b.State {
	case meshtypes.CircuitHalfOpen:
		if b.SuccessCount >= b.halfOpenMaxCalls {
			b.State = meshtypes.CircuitClosed
			b.FailureCount = 0
			r.logger.Info("circuit recovered", map[string]interface{}{"endpoint": b.EndpointID})
		}
	case meshtypes.CircuitClosed:
		if b.FailureCount > 0 {
			b.FailureCount--
		}
	}
}

// RecordFailure registers a failed call, opening the circuit when the
// failure threshold is crossed or immediately on any half-open failure.
func (r *Registry) RecordFailure(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.getOrCreate(endpointID)
	now := time.Now()
	b.LastFailure = &now
	b.FailureCount++

	switch b.State {
	case meshtypes.CircuitHalfOpen:
		b.State = meshtypes.CircuitOpen
		r.logger.Warn("circuit re-opened during recovery", map[string]interface{}{"endpoint": b.EndpointID})
	case meshtypes.CircuitClosed:
		if b.FailureCount >= b.failureThreshold {
			b.State = meshtypes.CircuitOpen
			r.logger.Warn("circuit opened", map[string]interface{}{"endpoint": b.EndpointID, "failures": b.FailureCount})
		}
	}
}

// Fallback returns the static fallback pairing for endpointID, if any.
func (r *Registry) Fallback(endpointID string) (string, bool) {
	fb, ok := fallbackMapping[normalize(endpointID)]
	return fb, ok
}

// AvailableFallback returns the fallback endpoint for endpointID only if
// that fallback's own circuit is currently available.
func (r *Registry) AvailableFallback(endpointID string) (string, bool) {
	fb, ok := r.Fallback(endpointID)
	if !ok {
		return "", false
	}
	if !r.IsAvailable(fb) {
		return "", false
	}
	return fb, true
}

// Status returns a snapshot of one breaker, creating it if unseen.
func (r *Registry) Status(endpointID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.getOrCreate(endpointID)
	return statusOf(b)
}

// AllStatus returns a snapshot of every breaker seen so far.
func (r *Registry) AllStatus() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, statusOf(b))
	}
	return out
}

func statusOf(b *Breaker) Status {
	fb := fallbackMapping[b.EndpointID]
	return Status{
		EndpointID:   b.EndpointID,
		State:        b.State.String(),
		FailureCount: b.FailureCount,
		SuccessCount: b.SuccessCount,
		LastFailure:  b.LastFailure,
		LastSuccess:  b.LastSuccess,
		Fallback:     fb,
	}
}

// Reset forces one breaker back to CLOSED with its counters zeroed.
func (r *Registry) Reset(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalize(endpointID)
	if b, ok := r.breakers[key]; ok {
		b.State = meshtypes.CircuitClosed
		b.FailureCount = 0
		b.SuccessCount = 0
		r.logger.Info("circuit manually reset", map[string]interface{}{"endpoint": key})
	}
}

// ResetAll forces every breaker back to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.State = meshtypes.CircuitClosed
		b.FailureCount = 0
		b.SuccessCount = 0
	}
	r.logger.Info("all circuits reset", nil)
}
