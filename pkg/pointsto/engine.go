package pointsto

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/715d/typeflow/internal/future"
	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// GraphBuilder produces the initial flows graph of a method: parameter
// flows, allocation flows, invoke flows, wired through the engine's flow
// constructors. The analysis never parses method bodies itself; the frontend
// registers a builder and the engine calls it lazily, the first time an
// invoke resolves the method as a callee.
type GraphBuilder func(e *Engine, m *universe.Method) (*MethodFlows, error)

// task is one unit of worklist work.
type task interface {
	run(e *Engine)
}

// Engine drives the analysis to its global fixed point: a shared worklist
// processed by a fixed-size worker pool, where every state change enqueues
// the affected flows for re-evaluation. The fixed point is reached when the
// worklist drains; there is no mid-analysis cancellation contract beyond
// aborting the build.
type Engine struct {
	universe *universe.Universe
	policy   Policy
	stats    *Stats
	log      *slog.Logger
	workers  int
	builder  GraphBuilder

	graphs      *xsync.Map[*universe.Method, *future.Future[*MethodFlows]]
	fieldFlows  *xsync.Map[fieldFlowKey, *FieldSinkFlow]
	arrayFlows  *xsync.Map[*universe.Object, *ArraySinkFlow]
	ciInvokes   *xsync.Map[string, *InvokeFlow]
	exactStates *xsync.Map[*universe.Type, typestate.TypeState]
	reachable   *xsync.Map[*universe.Method, struct{}]

	// allInstantiated receives the type of every allocation in the program.
	// Saturated invokes observe it, filtered by their declared receiver
	// type, instead of tracking individual callees.
	allInstantiated *ProxyFlow

	wl worklist

	failMu   sync.Mutex
	firstErr error

	roots []*universe.Method
}

type fieldFlowKey struct {
	obj   *universe.Object
	field *universe.Field
}

// Options configures an Engine beyond its required collaborators.
type Options struct {
	// Workers is the size of the worker pool. Zero means NumCPU.
	Workers int

	// Stats receives analysis diagnostics. Nil means disabled.
	Stats *Stats

	// Logger receives progress logging. Nil means slog.Default().
	Logger *slog.Logger

	// Builder produces method flows graphs on demand. Nil is allowed for
	// engines whose graphs are registered up front.
	Builder GraphBuilder
}

// NewEngine returns an engine over the given universe and policy.
func NewEngine(u *universe.Universe, policy Policy, opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	stats := opts.Stats
	if stats == nil {
		stats = NewStats(false)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		universe:    u,
		policy:      policy,
		stats:       stats,
		log:         log,
		workers:     workers,
		builder:     opts.Builder,
		graphs:      xsync.NewMap[*universe.Method, *future.Future[*MethodFlows]](),
		fieldFlows:  xsync.NewMap[fieldFlowKey, *FieldSinkFlow](),
		arrayFlows:  xsync.NewMap[*universe.Object, *ArraySinkFlow](),
		ciInvokes:   xsync.NewMap[string, *InvokeFlow](),
		exactStates: xsync.NewMap[*universe.Type, typestate.TypeState](),
		reachable:   xsync.NewMap[*universe.Method, struct{}](),
	}
	e.allInstantiated = &ProxyFlow{baseFlow: makeBaseFlow("all instantiated types")}
	e.wl.cond = sync.NewCond(&e.wl.mu)
	return e
}

// Universe returns the closed-world universe under analysis.
func (e *Engine) Universe() *universe.Universe { return e.universe }

// Policy returns the active analysis policy.
func (e *Engine) Policy() Policy { return e.policy }

// Stats returns the diagnostics collector.
func (e *Engine) Stats() *Stats { return e.stats }

// AddRoot marks m as an analysis entry point. Root graphs are built and
// linked when Run starts.
func (e *Engine) AddRoot(m *universe.Method) {
	e.roots = append(e.roots, m)
}

// RegisterFlowsGraph installs a pre-built graph for m, bypassing the
// builder. The graph of a method is registered or built at most once.
func (e *Engine) RegisterFlowsGraph(m *universe.Method, g *MethodFlows) {
	e.graphs.LoadOrStore(m, future.Completed(g))
}

// FlowsGraph returns m's flows graph, invoking the builder on first demand.
// Concurrent callers for the same method share one build.
func (e *Engine) FlowsGraph(m *universe.Method) (*MethodFlows, error) {
	fut, _ := e.graphs.LoadOrStore(m, future.New(func() (*MethodFlows, error) {
		if e.builder == nil {
			return nil, fmt.Errorf("no flows graph registered for %s and no graph builder installed", m)
		}
		e.log.Debug("building flows graph", "method", m.QualifiedName())
		return e.builder(e, m)
	}))
	return fut.EnsureDone()
}

// Run processes the worklist to quiescence with a fixed-size worker pool.
// It returns the first internal error, if any; on error the analysis is
// aborted, partial results are not preserved.
func (e *Engine) Run(ctx context.Context) error {
	for _, m := range e.roots {
		e.markImplementationInvoked(m)
		if _, err := e.FlowsGraph(m); err != nil {
			return fmt.Errorf("build root graph %s: %w", m, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for {
				t, ok := e.wl.take()
				if !ok {
					return nil
				}
				if err := ctx.Err(); err != nil {
					e.wl.done()
					e.wl.close()
					return err
				}
				t.run(e)
				e.wl.done()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.firstErr
}

// fail records the first internal error and aborts the fixed point.
func (e *Engine) fail(err error) {
	e.failMu.Lock()
	if e.firstErr == nil {
		e.firstErr = err
	}
	e.failMu.Unlock()
	e.wl.close()
}

// post schedules f for re-evaluation, at most once until picked up.
func (e *Engine) post(f *baseFlow) {
	if f.enqueued.CompareAndSwap(false, true) {
		e.wl.push(f)
	}
}

func (e *Engine) postTask(t task) {
	e.wl.push(t)
}

// markImplementationInvoked registers a method the first time any invoke
// resolves it as a callee.
func (e *Engine) markImplementationInvoked(m *universe.Method) {
	if m.RegisterAsImplementationInvoked() {
		e.reachable.Store(m, struct{}{})
		e.log.Debug("method reachable", "method", m.QualifiedName())
	}
}

// exactState returns the cached canonical single-type state for t, the
// operand form required by intersection and subtraction.
func (e *Engine) exactState(t *universe.Type) typestate.TypeState {
	if s, ok := e.exactStates.Load(t); ok {
		return s
	}
	s, _ := e.exactStates.LoadOrStore(t, typestate.ForType(t, false))
	return s
}

// fieldFlow returns the sink aggregating stores into obj's field.
func (e *Engine) fieldFlow(obj *universe.Object, field *universe.Field) *FieldSinkFlow {
	key := fieldFlowKey{obj: obj, field: field}
	if f, ok := e.fieldFlows.Load(key); ok {
		return f
	}
	f, _ := e.fieldFlows.LoadOrStore(key, &FieldSinkFlow{
		baseFlow: makeBaseFlow(field.String() + " of " + obj.String()),
		obj:      obj,
		field:    field,
	})
	return f
}

// arrayFlow returns the sink aggregating stores into obj's elements.
func (e *Engine) arrayFlow(obj *universe.Object) *ArraySinkFlow {
	if f, ok := e.arrayFlows.Load(obj); ok {
		return f
	}
	f, _ := e.arrayFlows.LoadOrStore(obj, &ArraySinkFlow{
		baseFlow: makeBaseFlow("elements of " + obj.String()),
		obj:      obj,
	})
	return f
}

// contextInsensitiveInvoke returns the shared aggregate invoke for the
// given declared receiver type and target name. It observes the set of all
// instantiated types, filtered to the declared type's assignable subset, so
// it keeps resolving callees after the call sites that redirect to it have
// stopped tracking.
func (e *Engine) contextInsensitiveInvoke(declared *universe.Type, name string, paramCount int) *InvokeFlow {
	key := fmt.Sprintf("%d.%s/%d", declared.ID(), name, paramCount)
	if inv, ok := e.ciInvokes.Load(key); ok {
		return inv
	}

	receiver := e.NewFilterFlow(nil, declared, false)
	inv := &InvokeFlow{
		baseFlow:           makeBaseFlow(fmt.Sprintf("context-insensitive invoke %s.%s", declared.Name(), name)),
		kind:               VirtualInvoke,
		site:               "<context-insensitive>",
		declared:           declared,
		targetName:         name,
		receiver:           receiver,
		actualReturn:       &ReturnFlow{baseFlow: makeBaseFlow("aggregate return of " + name)},
		contextInsensitive: true,
		processed:          typestate.Empty(),
		callees:            make(map[*universe.Method]struct{}),
	}
	for i := 0; i < paramCount; i++ {
		inv.actualParams = append(inv.actualParams,
			&MergeFlow{baseFlow: makeBaseFlow(fmt.Sprintf("aggregate param %d of %s", i, name))})
	}
	actual, loaded := e.ciInvokes.LoadOrStore(key, inv)
	if loaded {
		return actual
	}
	// Receiver parameter: the filtered instantiated set also feeds the
	// formal receiver of every resolved callee.
	if paramCount > 0 {
		receiver.AddUse(e, inv.actualParams[0])
	}
	receiver.AddObserver(e, inv)
	e.allInstantiated.AddUse(e, receiver)
	return actual
}

// NewAllocFlow creates the source flow of one allocation site in g. Its
// state is seeded with the allocated type and also feeds the global
// instantiated-types set.
func (e *Engine) NewAllocFlow(g *MethodFlows, t *universe.Type, site string) *AllocFlow {
	f := &AllocFlow{
		baseFlow: makeBaseFlow("alloc " + t.Name() + " at " + site),
		typ:      t,
		obj:      e.policy.HeapObject(t, site),
	}
	if g != nil {
		g.AddFlow(f)
	}
	st := typestate.ForType(t, false)
	f.AddState(e, st)
	e.allInstantiated.AddState(e, st)
	return f
}

// NewMergeFlow creates a join point, e.g. a phi.
func (e *Engine) NewMergeFlow(g *MethodFlows, label string) *MergeFlow {
	f := &MergeFlow{baseFlow: makeBaseFlow(label)}
	if g != nil {
		g.AddFlow(f)
	}
	return f
}

// NewProxyFlow creates a pass-through flow.
func (e *Engine) NewProxyFlow(g *MethodFlows, label string) *ProxyFlow {
	f := &ProxyFlow{baseFlow: makeBaseFlow(label)}
	if g != nil {
		g.AddFlow(f)
	}
	return f
}

// NewFilterFlow creates a declared-type filter. An exact filter admits only
// the declared type itself; otherwise every assignable type passes.
func (e *Engine) NewFilterFlow(g *MethodFlows, declared *universe.Type, exact bool) *FilterFlow {
	f := &FilterFlow{
		baseFlow: makeBaseFlow("filter " + declared.Name()),
		declared: declared,
		exact:    exact,
	}
	if g != nil {
		g.AddFlow(f)
	}
	return f
}

// NewFieldStoreFlow creates a field write: value flows into the field of
// every object the receiver may hold.
func (e *Engine) NewFieldStoreFlow(g *MethodFlows, field *universe.Field, receiver, value Flow) *FieldStoreFlow {
	f := &FieldStoreFlow{
		baseFlow: makeBaseFlow("store " + field.String()),
		field:    field,
		receiver: receiver,
	}
	if g != nil {
		g.AddFlow(f)
	}
	value.AddUse(e, f)
	receiver.AddObserver(e, f)
	return f
}

// NewFieldLoadFlow creates a field read.
func (e *Engine) NewFieldLoadFlow(g *MethodFlows, field *universe.Field, receiver Flow) *FieldLoadFlow {
	f := &FieldLoadFlow{
		baseFlow: makeBaseFlow("load " + field.String()),
		field:    field,
		receiver: receiver,
	}
	if g != nil {
		g.AddFlow(f)
	}
	receiver.AddObserver(e, f)
	return f
}

// NewArrayStoreFlow creates an indexed write into an array value.
func (e *Engine) NewArrayStoreFlow(g *MethodFlows, receiver, value Flow) *ArrayStoreFlow {
	f := &ArrayStoreFlow{
		baseFlow: makeBaseFlow("array store"),
		receiver: receiver,
	}
	if g != nil {
		g.AddFlow(f)
	}
	value.AddUse(e, f)
	receiver.AddObserver(e, f)
	return f
}

// NewArrayLoadFlow creates an indexed read from an array value.
func (e *Engine) NewArrayLoadFlow(g *MethodFlows, receiver Flow) *ArrayLoadFlow {
	f := &ArrayLoadFlow{
		baseFlow: makeBaseFlow("array load"),
		receiver: receiver,
	}
	if g != nil {
		g.AddFlow(f)
	}
	receiver.AddObserver(e, f)
	return f
}

// NewVirtualInvoke creates a dynamically dispatched call site. The invoke
// observes the receiver flow; parameter 0 of resolved callees receives the
// receiver value, so callers pass the receiver flow as actualParams[0].
func (e *Engine) NewVirtualInvoke(g *MethodFlows, site string, declared *universe.Type, name string, receiver Flow, actualParams []Flow) *InvokeFlow {
	f := &InvokeFlow{
		baseFlow:     makeBaseFlow("invoke " + name + " at " + site),
		kind:         VirtualInvoke,
		site:         site,
		declared:     declared,
		targetName:   name,
		receiver:     receiver,
		actualParams: actualParams,
		actualReturn: &ReturnFlow{baseFlow: makeBaseFlow("return of invoke at " + site)},
		processed:    typestate.Empty(),
		callees:      make(map[*universe.Method]struct{}),
	}
	if g != nil {
		g.AddFlow(f)
	}
	receiver.AddObserver(e, f)
	return f
}

// NewStaticInvoke creates a call site with a single statically known
// target. Static invokes never saturate: the callee set has size one by
// construction. Linking is deferred to the worklist so a method's own
// builder may create an invoke of that method without re-entering the
// build.
func (e *Engine) NewStaticInvoke(g *MethodFlows, site string, target *universe.Method, actualParams []Flow) *InvokeFlow {
	kind := StaticInvoke
	if !target.IsStatic() {
		kind = SpecialInvoke
	}
	f := &InvokeFlow{
		baseFlow:     makeBaseFlow("invoke " + target.QualifiedName() + " at " + site),
		kind:         kind,
		site:         site,
		target:       target,
		targetName:   target.Name(),
		declared:     target.Declaring(),
		actualParams: actualParams,
		actualReturn: &ReturnFlow{baseFlow: makeBaseFlow("return of invoke at " + site)},
		processed:    typestate.Empty(),
		callees:      make(map[*universe.Method]struct{}),
	}
	if g != nil {
		g.AddFlow(f)
	}
	e.postTask(&linkTask{invoke: f, callee: target})
	return f
}

// linkTask links a statically resolved callee on a worklist worker.
type linkTask struct {
	invoke *InvokeFlow
	callee *universe.Method
}

func (t *linkTask) run(e *Engine) {
	t.invoke.linkCallee(e, t.callee)
}

// notifyTask delivers the initial observation of a flow an observer was
// just attached to.
type notifyTask struct {
	observer Flow
}

func (t *notifyTask) run(e *Engine) {
	t.observer.OnObservedUpdate(e)
}

// worklist is the shared queue of pending flow updates. take blocks until
// work arrives and reports exhaustion once the queue is empty with no
// updates in flight, which is exactly the global fixed point.
type worklist struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []task
	active int
	closed bool
}

func (w *worklist) push(t task) {
	w.mu.Lock()
	w.queue = append(w.queue, t)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *worklist) take() (task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.closed {
			return nil, false
		}
		if len(w.queue) > 0 {
			t := w.queue[0]
			w.queue = w.queue[1:]
			w.active++
			return t, true
		}
		if w.active == 0 {
			// Fixed point: nothing queued, nothing running.
			w.cond.Broadcast()
			return nil, false
		}
		w.cond.Wait()
	}
}

func (w *worklist) done() {
	w.mu.Lock()
	w.active--
	if w.active == 0 && len(w.queue) == 0 {
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}

func (w *worklist) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
}
