// Package ratelimit implements the sliding-window per-endpoint limiter
// from spec §4.6. Grounded on original_source
// app/services/triforce/circuit_breaker.py's RateLimiter, with the
// per-request timestamp list replaced by a ring-friendly slice trimmed on
// every admission check.
package ratelimit

import (
	"sync"
	"time"

	"github.com/ailinux/llmesh/internal/meshlog"
)

const (
	defaultRPM   = 60
	windowLength = time.Minute
)

// defaultLimits mirrors the original per-endpoint RPM overrides; any
// endpoint not listed falls back to defaultRPM.
var defaultLimits = map[string]int{
	"gemini":   100,
	"kimi":     30,
	"nova":     120,
	"deepseek": 60,
	"qwen":     60,
	"claude":   50,
	"mistral":  60,
	"cogito":   40,
	"glm":      40,
	"minimax":  40,
}

// Limiter tracks a sliding one-minute request window per endpoint.
type Limiter struct {
	mu         sync.Mutex
	requests   map[string][]time.Time
	limits     map[string]int
	defaultRPM int
	logger     meshlog.Logger
}

// Config seeds per-endpoint overrides on top of the built-in defaults.
type Config struct {
	DefaultRPM int
	Overrides  map[string]int
}

// New creates a Limiter. Overrides in cfg take precedence over the
// built-in defaults; the built-ins otherwise remain in effect.
func New(cfg Config, logger meshlog.Logger) *Limiter {
	if cfg.DefaultRPM <= 0 {
		cfg.DefaultRPM = defaultRPM
	}
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("ratelimit")
	}
	limits := make(map[string]int, len(defaultLimits))
	for k, v := range defaultLimits {
		limits[k] = v
	}
	for k, v := range cfg.Overrides {
		limits[normalize(k)] = v
	}
	return &Limiter{
		requests:   make(map[string][]time.Time),
		limits:     limits,
		defaultRPM: cfg.DefaultRPM,
		logger:     logger,
	}
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

// Allow reports whether a call to endpointID is admitted under its current
// sliding-window limit, recording the call if so.
func (l *Limiter) Allow(endpointID string) bool {
	key := normalize(endpointID)
	now := time.Now()
	windowStart := now.Add(-windowLength)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := trim(l.requests[key], windowStart)
	limit := l.limitFor(key)
	if len(kept) >= limit {
		l.requests[key] = kept
		l.logger.Debug("rate limit reached", map[string]interface{}{"endpoint": key, "current": len(kept), "limit": limit})
		return false
	}
	l.requests[key] = append(kept, now)
	return true
}

func trim(timestamps []time.Time, windowStart time.Time) []time.Time {
	out := timestamps[:0:0]
	for _, t := range timestamps {
		if t.After(windowStart) {
			out = append(out, t)
		}
	}
	return out
}

func (l *Limiter) limitFor(key string) int {
	if v, ok := l.limits[key]; ok {
		return v
	}
	return l.defaultRPM
}

// WaitTime returns how long to wait, in seconds, before endpointID's
// oldest in-window request rolls off.
func (l *Limiter) WaitTime(endpointID string) float64 {
	key := normalize(endpointID)
	l.mu.Lock()
	defer l.mu.Unlock()
	timestamps := l.requests[key]
	if len(timestamps) == 0 {
		return 0
	}
	oldest := timestamps[0]
	for _, t := range timestamps[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	wait := windowLength - time.Since(oldest)
	if wait < 0 {
		return 0
	}
	return wait.Seconds()
}

// Usage is a point-in-time snapshot of one endpoint's rate limit state.
type Usage struct {
	EndpointID string  `json:"endpoint_id"`
	Current    int     `json:"current"`
	Limit      int     `json:"limit"`
	Remaining  int     `json:"remaining"`
	ResetIn    float64 `json:"reset_in"`
}

// CurrentUsage reports endpointID's current window occupancy.
func (l *Limiter) CurrentUsage(endpointID string) Usage {
	key := normalize(endpointID)
	now := time.Now()
	windowStart := now.Add(-windowLength)

	l.mu.Lock()
	limit := l.limitFor(key)
	current := 0
	for _, t := range l.requests[key] {
		if t.After(windowStart) {
			current++
		}
	}
	l.mu.Unlock()

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		EndpointID: key,
		Current:    current,
		Limit:      limit,
		Remaining:  remaining,
		ResetIn:    l.WaitTime(key),
	}
}

// SetLimit overrides endpointID's rpm limit at runtime.
func (l *Limiter) SetLimit(endpointID string, rpm int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[normalize(endpointID)] = rpm
}

// AllUsage reports CurrentUsage for every endpoint with a configured
// limit (the built-ins plus any runtime overrides).
func (l *Limiter) AllUsage() []Usage {
	l.mu.Lock()
	ids := make([]string, 0, len(l.limits))
	for id := range l.limits {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	out := make([]Usage, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.CurrentUsage(id))
	}
	return out
}
