// Package cycledetect implements the per-trace call-chain tracker from
// spec §4.5, preventing an LLM mesh call from looping back on itself.
// Grounded on original_source app/services/triforce/circuit_breaker.py's
// CycleDetector.
package cycledetect

import (
	"sync"

	"github.com/ailinux/llmesh/internal/meshlog"
)

const defaultMaxDepth = 10

// Detector tracks the in-flight endpoint chain for every active trace id.
type Detector struct {
	mu       sync.Mutex
	chains   map[string][]string
	maxDepth int
	logger   meshlog.Logger
}

// Config overrides the detector's depth cap.
type Config struct {
	MaxDepth int
}

// New creates a Detector with no active chains.
func New(cfg Config, logger meshlog.Logger) *Detector {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("cycledetect")
	}
	return &Detector{
		chains:   make(map[string][]string),
		maxDepth: cfg.MaxDepth,
		logger:   logger,
	}
}

// AddToChain appends endpointID to traceID's chain. Returns false, without
// mutating the chain, if endpointID already appears in it or the chain is
// already at max depth.
func (d *Detector) AddToChain(traceID, endpointID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	chain := d.chains[traceID]
	for _, e := range chain {
		if e == endpointID {
			d.logger.Warn("cycle detected", map[string]interface{}{
				"trace_id": traceID,
				"chain":    append(append([]string{}, chain...), endpointID),
			})
			return false
		}
	}
	if len(chain) >= d.maxDepth {
		d.logger.Warn("max call depth reached", map[string]interface{}{"trace_id": traceID, "max_depth": d.maxDepth})
		return false
	}
	d.chains[traceID] = append(chain, endpointID)
	return true
}

// PopFromChain removes the most recently added endpoint, used to unwind a
// chain after a guarded call returns.
func (d *Detector) PopFromChain(traceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chain := d.chains[traceID]
	if len(chain) == 0 {
		return
	}
	d.chains[traceID] = chain[:len(chain)-1]
}

// EndChain discards traceID's chain entirely.
func (d *Detector) EndChain(traceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.chains, traceID)
}

// Chain returns a copy of traceID's current call chain.
func (d *Detector) Chain(traceID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	chain := d.chains[traceID]
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

// Depth returns the current length of traceID's chain.
func (d *Detector) Depth(traceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chains[traceID])
}

// InChain reports whether endpointID already appears in traceID's chain.
func (d *Detector) InChain(traceID, endpointID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.chains[traceID] {
		if e == endpointID {
			return true
		}
	}
	return false
}

// ActiveChains returns a snapshot of every tracked chain, for diagnostics.
func (d *Detector) ActiveChains() map[string][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]string, len(d.chains))
	for k, v := range d.chains {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
