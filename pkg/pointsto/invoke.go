package pointsto

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// InvokeKind distinguishes the dispatch modes of a call site.
type InvokeKind int

const (
	// VirtualInvoke dispatches on the receiver's runtime type.
	VirtualInvoke InvokeKind = iota
	// SpecialInvoke has a single statically known target but still routes
	// its receiver through the flow graph.
	SpecialInvoke
	// StaticInvoke has no receiver at all.
	StaticInvoke
)

func (k InvokeKind) String() string {
	switch k {
	case VirtualInvoke:
		return "virtual"
	case SpecialInvoke:
		return "special"
	case StaticInvoke:
		return "static"
	default:
		return "unknown"
	}
}

// InvokeFlow models one call site. A virtual invoke observes its receiver
// flow and, for every concrete type the receiver may hold, resolves the
// callee and links its flows graph into the caller's: actual arguments feed
// the formal parameters, the formal return feeds the actual return. This is
// the mechanism by which the call graph grows during analysis.
//
// Per invoke the linking progresses through: unlinked, linked with N
// callees, saturated. Saturation is the policy-triggered fallback when the
// receiver becomes too broad to enumerate precisely: the invoke redirects
// through the context-insensitive aggregate invoke of its declared target,
// which absorbs all further growth. Saturation trades precision for bounded
// cost and is never an error.
type InvokeFlow struct {
	baseFlow

	kind       InvokeKind
	site       string
	declared   *universe.Type
	targetName string
	target     *universe.Method // static/special direct target

	receiver     Flow
	actualParams []Flow
	actualReturn *ReturnFlow

	// contextInsensitive marks the shared per-target aggregate invoke that
	// saturated call sites redirect to. It never saturates itself.
	contextInsensitive bool

	mu        sync.Mutex
	processed typestate.TypeState
	callees   map[*universe.Method]struct{}
	saturated atomic.Bool
}

func (f *InvokeFlow) Kind() InvokeKind          { return f.kind }
func (f *InvokeFlow) Site() string              { return f.site }
func (f *InvokeFlow) TargetName() string        { return f.targetName }
func (f *InvokeFlow) Declared() *universe.Type  { return f.declared }
func (f *InvokeFlow) Receiver() Flow            { return f.receiver }
func (f *InvokeFlow) ActualReturn() *ReturnFlow { return f.actualReturn }
func (f *InvokeFlow) ActualParams() []Flow      { return f.actualParams }

// IsSaturated reports whether this invoke gave up precise callee tracking.
func (f *InvokeFlow) IsSaturated() bool { return f.saturated.Load() }

// IsLinked reports whether at least one callee has been resolved.
func (f *InvokeFlow) IsLinked() bool { return f.CalleeCount() > 0 }

// CalleeCount returns the number of distinct resolved callees.
func (f *InvokeFlow) CalleeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callees)
}

// Callees returns the resolved callees. For a saturated invoke this is the
// set frozen at saturation time; the aggregate tracks the rest.
func (f *InvokeFlow) Callees() []*universe.Method {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*universe.Method, 0, len(f.callees))
	for m := range f.callees {
		out = append(out, m)
	}
	return out
}

// OnObservedUpdate reacts to receiver growth: every type the receiver
// gained since the last notification resolves to a concrete callee.
func (f *InvokeFlow) OnObservedUpdate(e *Engine) {
	if f.saturated.Load() {
		return
	}
	recv := f.receiver.State()

	f.mu.Lock()
	delta := e.policy.Subtract(e.universe, recv, f.processed)
	if delta.TypesCount() == 0 {
		f.mu.Unlock()
		return
	}
	f.processed = e.policy.Union(e.universe, f.processed, recv)
	f.mu.Unlock()

	delta.ForEachType(func(t *universe.Type) bool {
		callee := t.ResolveConcreteMethod(f.targetName)
		if callee == nil {
			// No implementation for this receiver type: the dispatch is
			// unreachable for it.
			return true
		}
		f.linkCallee(e, callee)
		return true
	})

	if f.kind == VirtualInvoke && !f.contextInsensitive &&
		f.CalleeCount() > e.policy.SaturationThreshold() {
		f.saturate(e)
	}
}

// linkCallee connects the callee's flows graph to this call site, building
// the graph first if this is the first invoke to reach the method.
func (f *InvokeFlow) linkCallee(e *Engine, callee *universe.Method) {
	f.mu.Lock()
	if _, linked := f.callees[callee]; linked {
		f.mu.Unlock()
		return
	}
	f.callees[callee] = struct{}{}
	f.mu.Unlock()

	graph, err := e.FlowsGraph(callee)
	if err != nil {
		e.fail(fmt.Errorf("link callee %s at %s: %w", callee, f.site, err))
		return
	}
	e.markImplementationInvoked(callee)
	for i, actual := range f.actualParams {
		if i < len(graph.params) {
			actual.AddUse(e, graph.params[i])
		}
	}
	if graph.result != nil && f.actualReturn != nil {
		graph.result.AddUse(e, f.actualReturn)
	}
	e.stats.RegisterLinkedCallee()
}

// saturate redirects the call site through the context-insensitive
// aggregate invoke of the declared target. The redirected site's own callee
// set is frozen; further receiver growth only feeds the aggregate, so the
// per-site tracking cost is bounded.
func (f *InvokeFlow) saturate(e *Engine) {
	if !f.saturated.CompareAndSwap(false, true) {
		return
	}
	e.stats.RegisterSaturation()
	agg := e.contextInsensitiveInvoke(f.declared, f.targetName, len(f.actualParams))
	// The site's precise receiver tracking collapses into the aggregate's.
	e.policy.NoteMerge(f.receiver.State(), agg.receiver.State())
	for i, actual := range f.actualParams {
		actual.AddUse(e, agg.actualParams[i])
	}
	if f.actualReturn != nil {
		agg.actualReturn.AddUse(e, f.actualReturn)
	}
}
