// Package pointsto implements the fixed-point type-flow analysis engine: the
// flow graph, the invoke resolution that grows the call graph, the pluggable
// analysis policy, and the concurrent worklist executor.
package pointsto

import (
	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// Policy is the calibration point between analysis precision and
// scalability. It controls context sensitivity, the saturation threshold of
// invoke flows, object abstraction, and the type-state algebra dispatch.
type Policy interface {
	// IsContextSensitive reports whether allocations are distinguished by
	// site rather than modeled by the per-type canonical object.
	IsContextSensitive() bool

	// SaturationThreshold returns the maximum number of receiver types an
	// invoke tracks precisely before falling back to the context-insensitive
	// aggregate. The value is a tunable, not a fixed constant.
	SaturationThreshold() int

	// HeapObject returns the analysis object abstracting an allocation of
	// type t at the given site.
	HeapObject(t *universe.Type, site string) *universe.Object

	Union(u *universe.Universe, s1, s2 typestate.TypeState) typestate.TypeState
	Intersect(u *universe.Universe, s1, s2 typestate.TypeState) typestate.TypeState
	Subtract(u *universe.Universe, s1, s2 typestate.TypeState) typestate.TypeState

	// NoteMerge records that context-sensitive states were collapsed into a
	// coarser abstraction. The default policy has nothing to do: the
	// canonical objects already summarize all contexts.
	NoteMerge(states ...typestate.TypeState)
}

// DefaultPolicy is the context-insensitive policy: one canonical object per
// type, no merge bookkeeping, plain lattice algebra with union statistics.
type DefaultPolicy struct {
	threshold int
	stats     *Stats
}

// NewDefaultPolicy returns the context-insensitive policy with the given
// saturation threshold.
func NewDefaultPolicy(saturationThreshold int, stats *Stats) *DefaultPolicy {
	if stats == nil {
		stats = NewStats(false)
	}
	return &DefaultPolicy{threshold: saturationThreshold, stats: stats}
}

func (p *DefaultPolicy) IsContextSensitive() bool { return false }
func (p *DefaultPolicy) SaturationThreshold() int { return p.threshold }
func (p *DefaultPolicy) Stats() *Stats            { return p.stats }

func (p *DefaultPolicy) HeapObject(t *universe.Type, _ string) *universe.Object {
	return t.ContextInsensitiveObject()
}

func (p *DefaultPolicy) Union(u *universe.Universe, s1, s2 typestate.TypeState) typestate.TypeState {
	result := typestate.Union(u, s1, s2)
	if result != s1 && result != s2 {
		p.stats.RegisterUnionOperation(s1, s2, result)
	}
	return result
}

func (p *DefaultPolicy) Intersect(u *universe.Universe, s1, s2 typestate.TypeState) typestate.TypeState {
	return typestate.Intersect(u, s1, s2)
}

func (p *DefaultPolicy) Subtract(u *universe.Universe, s1, s2 typestate.TypeState) typestate.TypeState {
	return typestate.Subtract(u, s1, s2)
}

func (p *DefaultPolicy) NoteMerge(...typestate.TypeState) {}

// SitePolicy is the allocation-site-sensitive policy: each allocation site
// gets its own analysis object, trading memory for precision. The type-state
// algebra is unchanged; only object abstraction and merge bookkeeping differ.
type SitePolicy struct {
	DefaultPolicy
}

// NewSitePolicy returns the allocation-site-sensitive policy.
func NewSitePolicy(saturationThreshold int, stats *Stats) *SitePolicy {
	if stats == nil {
		stats = NewStats(false)
	}
	return &SitePolicy{DefaultPolicy: DefaultPolicy{threshold: saturationThreshold, stats: stats}}
}

func (p *SitePolicy) IsContextSensitive() bool { return true }

func (p *SitePolicy) HeapObject(t *universe.Type, site string) *universe.Object {
	if site == "" {
		return t.ContextInsensitiveObject()
	}
	return t.SiteObject(site)
}

func (p *SitePolicy) NoteMerge(states ...typestate.TypeState) {
	p.stats.RegisterMerge(len(states))
}
