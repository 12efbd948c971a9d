package pointsto

import (
	"sort"

	"github.com/715d/typeflow/internal/future"
	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// Results exposes the converged analysis to the compiler backend: the final
// type state of every flow, the resolved callee set of every call site, the
// reachable-method set and the devirtualization candidates. Results must
// only be read after Run returned without error.
type Results struct {
	engine *Engine
}

// Results returns the read view over the converged engine.
func (e *Engine) Results() *Results {
	return &Results{engine: e}
}

// ReachableMethods returns every method some invoke resolved as a callee,
// in id order.
func (r *Results) ReachableMethods() []*universe.Method {
	var out []*universe.Method
	r.engine.reachable.Range(func(m *universe.Method, _ struct{}) bool {
		out = append(out, m)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IsReachable reports whether m was resolved as a callee.
func (r *Results) IsReachable(m *universe.Method) bool {
	_, ok := r.engine.reachable.Load(m)
	return ok
}

// MethodGraph returns m's flows graph, or nil if the method never became
// reachable.
func (r *Results) MethodGraph(m *universe.Method) *MethodFlows {
	fut, ok := r.engine.graphs.Load(m)
	if !ok || !fut.IsDone() {
		return nil
	}
	g, err := fut.EnsureDone()
	if err != nil {
		return nil
	}
	return g
}

// Invokes returns every call-site flow of every built graph.
func (r *Results) Invokes() []*InvokeFlow {
	var out []*InvokeFlow
	r.engine.graphs.Range(func(_ *universe.Method, fut *future.Future[*MethodFlows]) bool {
		if !fut.IsDone() {
			return true
		}
		g, err := fut.EnsureDone()
		if err != nil || g == nil {
			return true
		}
		out = append(out, g.Invokes()...)
		return true
	})
	return out
}

// Devirtualizable returns the virtual call sites the backend may lower to a
// direct call: exactly one resolved callee and no saturation, or a declared
// receiver type whose leaf assumption pins the callee before any receiver
// state arrives. For a leaf-based candidate with no resolved callee the
// direct target is Declared().ResolveConcreteMethod(TargetName()).
func (r *Results) Devirtualizable() []*InvokeFlow {
	var out []*InvokeFlow
	for _, inv := range r.Invokes() {
		if inv.Kind() != VirtualInvoke || inv.IsSaturated() {
			continue
		}
		if inv.CalleeCount() == 1 || leafResolvable(inv) {
			out = append(out, inv)
		}
	}
	return out
}

// leafResolvable reports whether the declared receiver type alone pins the
// callee: a non-interface type with no reachable subtypes can only dispatch
// to its own implementation of the target.
func leafResolvable(inv *InvokeFlow) bool {
	d := inv.Declared()
	if d == nil || d.IsInterface() || !d.IsLeaf() {
		return false
	}
	return d.ResolveConcreteMethod(inv.TargetName()) != nil
}

// SaturatedInvokes returns the call sites that fell back to the
// context-insensitive aggregate.
func (r *Results) SaturatedInvokes() []*InvokeFlow {
	var out []*InvokeFlow
	for _, inv := range r.Invokes() {
		if inv.IsSaturated() {
			out = append(out, inv)
		}
	}
	return out
}

// FieldState returns the converged type state of obj's field.
func (r *Results) FieldState(obj *universe.Object, field *universe.Field) typestate.TypeState {
	if f, ok := r.engine.fieldFlows.Load(fieldFlowKey{obj: obj, field: field}); ok {
		return f.State()
	}
	return typestate.Empty()
}

// ArrayElementsState returns the converged type state of obj's elements.
func (r *Results) ArrayElementsState(obj *universe.Object) typestate.TypeState {
	if f, ok := r.engine.arrayFlows.Load(obj); ok {
		return f.State()
	}
	return typestate.Empty()
}

// InstantiatedTypes returns the state of every type the program may
// allocate.
func (r *Results) InstantiatedTypes() typestate.TypeState {
	return r.engine.allInstantiated.State()
}
