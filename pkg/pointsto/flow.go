package pointsto

import (
	"sync"
	"sync/atomic"

	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// Flow is a node of the type-flow graph: it holds the current type state of
// one program value and the edges along which state changes propagate. Uses
// receive the flow's state as an input; observers are merely notified of a
// change, which is how side-effecting updates (field and array stores,
// invoke resolution) react to receiver growth without forwarding a value.
type Flow interface {
	// Label names the program point this flow models.
	Label() string

	// State returns the flow's current type state.
	State() typestate.TypeState

	// AddUse registers use as a downstream input of this flow and
	// immediately propagates the current state to it. Adding an existing
	// use is a no-op.
	AddUse(e *Engine, use Flow)

	// AddObserver registers obs to be notified on every state change of
	// this flow, with an immediate first notification. Adding an existing
	// observer is a no-op.
	AddObserver(e *Engine, obs Flow)

	// AddState unions add into the flow's state. A change enqueues the
	// flow for propagation; the return value reports whether the state
	// grew. All flow recomputation is monotonic.
	AddState(e *Engine, add typestate.TypeState) bool

	// OnObservedUpdate reacts to a state change of an observed flow.
	OnObservedUpdate(e *Engine)

	base() *baseFlow
}

// baseFlow carries the state, edge sets and worklist bookkeeping shared by
// every flow variant. A flow's state and edges are guarded by its own mutex;
// AddUse, AddObserver and AddState race across analysis threads as the call
// graph grows.
type baseFlow struct {
	label string

	mu        sync.Mutex
	state     typestate.TypeState
	uses      []Flow
	observers []Flow

	// enqueued dedups worklist entries: a flow is scheduled at most once
	// until a worker picks it up.
	enqueued atomic.Bool
}

func makeBaseFlow(label string) baseFlow {
	return baseFlow{label: label, state: typestate.Empty()}
}

func (f *baseFlow) base() *baseFlow { return f }

func (f *baseFlow) Label() string { return f.label }

func (f *baseFlow) State() typestate.TypeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *baseFlow) AddUse(e *Engine, use Flow) {
	f.mu.Lock()
	for _, existing := range f.uses {
		if existing == use {
			f.mu.Unlock()
			return
		}
	}
	f.uses = append(f.uses, use)
	cur := f.state
	f.mu.Unlock()
	use.AddState(e, cur)
}

func (f *baseFlow) AddObserver(e *Engine, obs Flow) {
	f.mu.Lock()
	for _, existing := range f.observers {
		if existing == obs {
			f.mu.Unlock()
			return
		}
	}
	f.observers = append(f.observers, obs)
	f.mu.Unlock()
	// The initial notification goes through the worklist: notifying inline
	// could re-enter the flows-graph build of a recursive callee.
	e.postTask(&notifyTask{observer: obs})
}

func (f *baseFlow) AddState(e *Engine, add typestate.TypeState) bool {
	f.mu.Lock()
	next := e.policy.Union(e.universe, f.state, add)
	if next == f.state || next.Equals(f.state) {
		f.mu.Unlock()
		return false
	}
	f.state = next
	f.mu.Unlock()
	e.post(f)
	return true
}

func (f *baseFlow) OnObservedUpdate(*Engine) {}

// update broadcasts the current state to all uses and notifies all
// observers. It runs on a worklist worker after the flow's state changed.
func (f *baseFlow) update(e *Engine) {
	e.stats.RegisterFlowUpdate()
	f.mu.Lock()
	cur := f.state
	uses := make([]Flow, len(f.uses))
	copy(uses, f.uses)
	observers := make([]Flow, len(f.observers))
	copy(observers, f.observers)
	f.mu.Unlock()

	for _, use := range uses {
		use.AddState(e, cur)
	}
	for _, obs := range observers {
		obs.OnObservedUpdate(e)
	}
}

func (f *baseFlow) run(e *Engine) {
	f.enqueued.Store(false)
	f.update(e)
}

// AllocFlow is the source flow of one allocation site. Its state is seeded
// with the allocated type at creation and never grows further.
type AllocFlow struct {
	baseFlow
	typ *universe.Type
	obj *universe.Object
}

func (f *AllocFlow) AllocatedType() *universe.Type { return f.typ }

// Object returns the analysis object abstracting this site's allocations,
// chosen by the policy: the canonical per-type object under the default
// policy, a per-site object under the site-sensitive one.
func (f *AllocFlow) Object() *universe.Object { return f.obj }

// ParamFlow is the formal parameter flow of a method: the union of every
// linked caller's actual argument.
type ParamFlow struct {
	baseFlow
	index int
}

func (f *ParamFlow) Index() int { return f.index }

// ReturnFlow models a method's formal return, or an invoke's actual return.
type ReturnFlow struct {
	baseFlow
}

// MergeFlow joins several inputs into one value, e.g. a phi.
type MergeFlow struct {
	baseFlow
}

// ProxyFlow forwards its input unchanged. It decouples a producer from
// consumers that are linked later.
type ProxyFlow struct {
	baseFlow
}

// FilterFlow restricts its input to the types admissible at a declared-type
// program point, e.g. a type assertion. An exact filter keeps only the
// declared type itself; an assignable filter keeps the declared type and
// everything assignable to it.
type FilterFlow struct {
	baseFlow
	declared *universe.Type
	exact    bool
}

func (f *FilterFlow) Declared() *universe.Type { return f.declared }

func (f *FilterFlow) AddState(e *Engine, add typestate.TypeState) bool {
	return f.baseFlow.AddState(e, f.filterState(e, add))
}

func (f *FilterFlow) filterState(e *Engine, in typestate.TypeState) typestate.TypeState {
	if f.exact {
		// The canonical single-type state satisfies the intersection
		// operand contract.
		return e.policy.Intersect(e.universe, in, e.exactState(f.declared))
	}
	var kept []*universe.Type
	in.ForEachType(func(t *universe.Type) bool {
		if f.declared.IsAssignableFrom(t) {
			kept = append(kept, t)
		}
		return true
	})
	return typestate.ForExactTypes(e.universe, in.CanBeNull(), kept...)
}

// FieldSinkFlow aggregates everything stored into one field of one analysis
// object. Loads of the field attach to it as uses.
type FieldSinkFlow struct {
	baseFlow
	obj   *universe.Object
	field *universe.Field
}

func (f *FieldSinkFlow) Field() *universe.Field   { return f.field }
func (f *FieldSinkFlow) Object() *universe.Object { return f.obj }

// receiverObjects returns the analysis objects a side effect through recv
// may touch for receiver type t. The canonical object is always among them:
// type states do not carry allocation sites, so it is the summary every
// unpinned access must go through. A receiver that is itself the allocation
// additionally pins its policy-chosen object, which is where allocation-site
// sensitivity becomes visible in per-object states.
func receiverObjects(recv Flow, t *universe.Type) []*universe.Object {
	ci := t.ContextInsensitiveObject()
	if a, ok := recv.(*AllocFlow); ok && a.AllocatedType() == t && a.Object() != ci {
		return []*universe.Object{ci, a.Object()}
	}
	return []*universe.Object{ci}
}

// FieldStoreFlow models a field write. It is a use of the stored value (its
// own state is the value state) and an observer of the receiver: each type
// the receiver may hold routes the value into that object's field sink. A
// store never forwards a value itself, which is why it observes instead of
// using the receiver.
type FieldStoreFlow struct {
	baseFlow
	field    *universe.Field
	receiver Flow
}

func (f *FieldStoreFlow) OnObservedUpdate(e *Engine) {
	f.receiver.State().ForEachType(func(t *universe.Type) bool {
		if f.field.Declaring().IsAssignableFrom(t) {
			for _, obj := range receiverObjects(f.receiver, t) {
				f.AddUse(e, e.fieldFlow(obj, f.field))
			}
		}
		return true
	})
}

// FieldLoadFlow models a field read: it observes the receiver and attaches
// itself as a use of each possible receiver object's field sink.
type FieldLoadFlow struct {
	baseFlow
	field    *universe.Field
	receiver Flow
}

func (f *FieldLoadFlow) OnObservedUpdate(e *Engine) {
	f.receiver.State().ForEachType(func(t *universe.Type) bool {
		if f.field.Declaring().IsAssignableFrom(t) {
			for _, obj := range receiverObjects(f.receiver, t) {
				e.fieldFlow(obj, f.field).AddUse(e, f)
			}
		}
		return true
	})
}

// ArraySinkFlow aggregates everything stored into the elements of one array
// object, the per-object analogue of FieldSinkFlow.
type ArraySinkFlow struct {
	baseFlow
	obj *universe.Object
}

func (f *ArraySinkFlow) Object() *universe.Object { return f.obj }

// ArrayStoreFlow models an indexed write into an array value.
type ArrayStoreFlow struct {
	baseFlow
	receiver Flow
}

func (f *ArrayStoreFlow) OnObservedUpdate(e *Engine) {
	f.receiver.State().ForEachType(func(t *universe.Type) bool {
		for _, obj := range receiverObjects(f.receiver, t) {
			f.AddUse(e, e.arrayFlow(obj))
		}
		return true
	})
}

// ArrayLoadFlow models an indexed read from an array value.
type ArrayLoadFlow struct {
	baseFlow
	receiver Flow
}

func (f *ArrayLoadFlow) OnObservedUpdate(e *Engine) {
	f.receiver.State().ForEachType(func(t *universe.Type) bool {
		for _, obj := range receiverObjects(f.receiver, t) {
			e.arrayFlow(obj).AddUse(e, f)
		}
		return true
	})
}
