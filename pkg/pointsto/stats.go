package pointsto

import (
	"sync/atomic"

	"github.com/715d/typeflow/pkg/typestate"
)

// Stats collects analysis diagnostics: lattice operation counts, merge
// bookkeeping and saturation events. Collection is observability only, never
// correctness-critical, and every registration is a cheap atomic increment
// (or nothing at all when disabled).
type Stats struct {
	enabled bool

	unionOps    atomic.Int64
	merges      atomic.Int64
	saturations atomic.Int64
	flowUpdates atomic.Int64
	linkedCalls atomic.Int64
}

// NewStats returns a collector. A disabled collector drops every event.
func NewStats(enabled bool) *Stats {
	return &Stats{enabled: enabled}
}

// Enabled reports whether events are being recorded.
func (s *Stats) Enabled() bool { return s.enabled }

// RegisterUnionOperation records a non-trivial union, i.e. one whose result
// is neither operand.
func (s *Stats) RegisterUnionOperation(_, _, _ typestate.TypeState) {
	if s.enabled {
		s.unionOps.Add(1)
	}
}

// RegisterMerge records the collapse of n context-sensitive states into a
// coarser abstraction.
func (s *Stats) RegisterMerge(n int) {
	if s.enabled {
		s.merges.Add(int64(n))
	}
}

// RegisterSaturation records an invoke flow giving up precise callee
// tracking.
func (s *Stats) RegisterSaturation() {
	if s.enabled {
		s.saturations.Add(1)
	}
}

// RegisterFlowUpdate records one worklist update of a flow.
func (s *Stats) RegisterFlowUpdate() {
	if s.enabled {
		s.flowUpdates.Add(1)
	}
}

// RegisterLinkedCallee records an invoke resolving and linking a callee.
func (s *Stats) RegisterLinkedCallee() {
	if s.enabled {
		s.linkedCalls.Add(1)
	}
}

func (s *Stats) UnionOperations() int64 { return s.unionOps.Load() }
func (s *Stats) Merges() int64          { return s.merges.Load() }
func (s *Stats) Saturations() int64     { return s.saturations.Load() }
func (s *Stats) FlowUpdates() int64     { return s.flowUpdates.Load() }
func (s *Stats) LinkedCallees() int64   { return s.linkedCalls.Load() }
