package frontend

import (
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"

	"github.com/715d/typeflow/pkg/pointsto"
	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// Builder returns the graph builder the engine calls lazily, the first time
// an invoke resolves a method as a callee.
func (f *Frontend) Builder() pointsto.GraphBuilder {
	return func(e *pointsto.Engine, m *universe.Method) (*pointsto.MethodFlows, error) {
		return f.buildGraph(e, m)
	}
}

func (f *Frontend) buildGraph(e *pointsto.Engine, m *universe.Method) (*pointsto.MethodFlows, error) {
	fn, ok := f.methodFuncs.Load(m)
	if !ok || len(fn.Blocks) == 0 {
		// No body in the closed world (external or synthetic): an empty
		// graph, so callers can still link parameters and return.
		paramCount := 0
		if ok {
			paramCount = len(fn.Params)
		}
		return pointsto.NewMethodFlows(m, paramCount), nil
	}

	b := &graphBuilder{
		f:     f,
		e:     e,
		fn:    fn,
		graph: pointsto.NewMethodFlows(m, len(fn.Params)),
		flows: make(map[ssa.Value]pointsto.Flow),
	}
	for i, p := range fn.Params {
		b.flows[p] = b.graph.Param(i)
	}
	for _, block := range fn.Blocks {
		for _, instr := range block.Instrs {
			b.instruction(instr)
		}
	}
	return b.graph, nil
}

// graphBuilder translates one SSA function body into flows. Every SSA value
// gets at most one flow; operand references before the defining instruction
// is visited resolve to the same flow, so visiting order inside the body
// does not matter.
type graphBuilder struct {
	f     *Frontend
	e     *pointsto.Engine
	fn    *ssa.Function
	graph *pointsto.MethodFlows
	flows map[ssa.Value]pointsto.Flow
}

// flowFor returns the canonical flow of v, creating a pass-through node on
// first reference.
func (b *graphBuilder) flowFor(v ssa.Value) pointsto.Flow {
	if flow, ok := b.flows[v]; ok {
		return flow
	}
	var flow pointsto.Flow
	switch val := v.(type) {
	case *ssa.Const:
		proxy := b.e.NewProxyFlow(b.graph, "const "+val.String())
		if val.IsNil() {
			proxy.AddState(b.e, typestate.Null())
		}
		flow = proxy
	case *ssa.Global:
		flow = b.f.globalFlow(b.e, val)
	case *ssa.Function:
		// A function value: model the closure/function object as an
		// allocation of its type.
		flow = b.e.NewAllocFlow(b.graph, b.f.EnsureType(val.Type()), b.pos(val.Pos()))
	default:
		flow = b.e.NewProxyFlow(b.graph, v.Name())
	}
	b.flows[v] = flow
	return flow
}

func (b *graphBuilder) instruction(instr ssa.Instruction) {
	switch in := instr.(type) {
	case *ssa.Alloc:
		b.allocation(in, deref(in.Type()))
	case *ssa.MakeSlice:
		b.allocation(in, in.Type())
	case *ssa.MakeMap:
		b.allocation(in, in.Type())
	case *ssa.MakeChan:
		b.allocation(in, in.Type())
	case *ssa.MakeClosure:
		b.allocation(in, in.Fn.Type())

	case *ssa.Phi:
		merged := b.flowFor(in)
		for _, edge := range in.Edges {
			b.flowFor(edge).AddUse(b.e, merged)
		}

	case *ssa.Store:
		b.store(in)

	case *ssa.UnOp:
		if in.Op == token.MUL {
			b.load(in)
		}

	case *ssa.MakeInterface:
		b.passThrough(in.X, in)
	case *ssa.ChangeInterface:
		b.passThrough(in.X, in)
	case *ssa.ChangeType:
		b.passThrough(in.X, in)
	case *ssa.Convert:
		b.passThrough(in.X, in)
	case *ssa.Slice:
		b.passThrough(in.X, in)
	case *ssa.Extract:
		b.passThrough(in.Tuple, in)
	case *ssa.Index:
		b.passThrough(in.X, in)
	case *ssa.Lookup:
		b.passThrough(in.X, in)

	case *ssa.TypeAssert:
		asserted := b.f.EnsureType(in.AssertedType)
		filter := b.e.NewFilterFlow(b.graph, asserted, !types.IsInterface(in.AssertedType))
		b.flowFor(in.X).AddUse(b.e, filter)
		filter.AddUse(b.e, b.flowFor(in))

	case *ssa.Call:
		b.call(in.Common(), in)
	case *ssa.Defer:
		b.call(in.Common(), nil)
	case *ssa.Go:
		b.call(in.Common(), nil)

	case *ssa.Return:
		for _, res := range in.Results {
			b.flowFor(res).AddUse(b.e, b.graph.Result())
		}
	}
}

func (b *graphBuilder) allocation(v ssa.Value, allocated types.Type) {
	alloc := b.e.NewAllocFlow(b.graph, b.f.EnsureType(allocated), b.pos(v.Pos()))
	alloc.AddUse(b.e, b.flowFor(v))
}

func (b *graphBuilder) passThrough(from, to ssa.Value) {
	b.flowFor(from).AddUse(b.e, b.flowFor(to))
}

func (b *graphBuilder) store(in *ssa.Store) {
	switch addr := in.Addr.(type) {
	case *ssa.FieldAddr:
		if field := b.fieldOf(addr); field != nil {
			b.e.NewFieldStoreFlow(b.graph, field, b.flowFor(addr.X), b.flowFor(in.Val))
			return
		}
	case *ssa.IndexAddr:
		b.e.NewArrayStoreFlow(b.graph, b.flowFor(addr.X), b.flowFor(in.Val))
		return
	}
	// Writes through locals, globals and unmodeled addresses merge the
	// value into the address cell.
	b.flowFor(in.Val).AddUse(b.e, b.flowFor(in.Addr))
}

func (b *graphBuilder) load(in *ssa.UnOp) {
	switch addr := in.X.(type) {
	case *ssa.FieldAddr:
		if field := b.fieldOf(addr); field != nil {
			loaded := b.e.NewFieldLoadFlow(b.graph, field, b.flowFor(addr.X))
			loaded.AddUse(b.e, b.flowFor(in))
			return
		}
	case *ssa.IndexAddr:
		loaded := b.e.NewArrayLoadFlow(b.graph, b.flowFor(addr.X))
		loaded.AddUse(b.e, b.flowFor(in))
		return
	}
	b.flowFor(in.X).AddUse(b.e, b.flowFor(in))
}

func (b *graphBuilder) call(common *ssa.CallCommon, result ssa.Value) {
	if common.IsInvoke() {
		// Interface dispatch: the receiver's type state drives callee
		// resolution, so the invoke observes the receiver flow.
		declared := b.f.EnsureType(common.Value.Type())
		receiver := b.flowFor(common.Value)
		actuals := make([]pointsto.Flow, 0, len(common.Args)+1)
		actuals = append(actuals, receiver)
		for _, arg := range common.Args {
			actuals = append(actuals, b.flowFor(arg))
		}
		inv := b.e.NewVirtualInvoke(b.graph, b.pos(common.Pos()), declared, common.Method.Name(), receiver, actuals)
		if result != nil {
			inv.ActualReturn().AddUse(b.e, b.flowFor(result))
		}
		return
	}

	if callee := common.StaticCallee(); callee != nil {
		target := b.f.ensureFunction(callee)
		actuals := make([]pointsto.Flow, 0, len(common.Args))
		for _, arg := range common.Args {
			actuals = append(actuals, b.flowFor(arg))
		}
		inv := b.e.NewStaticInvoke(b.graph, b.pos(common.Pos()), target, actuals)
		if result != nil {
			inv.ActualReturn().AddUse(b.e, b.flowFor(result))
		}
		return
	}

	if builtin, ok := common.Value.(*ssa.Builtin); ok {
		if builtin.Name() == "append" && result != nil {
			for _, arg := range common.Args {
				b.flowFor(arg).AddUse(b.e, b.flowFor(result))
			}
		}
		return
	}

	// Indirect call through a function value. Function objects are not
	// dispatch receivers in this model; the call links nothing.
	b.f.log.Debug("unresolved indirect call", "fn", b.fn.String(), "pos", b.pos(common.Pos()))
}

// fieldOf maps a FieldAddr to its universe field, creating the struct type
// on first reachability.
func (b *graphBuilder) fieldOf(addr *ssa.FieldAddr) *universe.Field {
	styp, ok := deref(addr.X.Type()).Underlying().(*types.Struct)
	if !ok {
		return nil
	}
	ut := b.f.EnsureType(deref(addr.X.Type()))
	field, ok := ut.FieldByName(styp.Field(addr.Field).Name())
	if !ok {
		return nil
	}
	return field
}

func (b *graphBuilder) pos(p token.Pos) string {
	if !p.IsValid() {
		return b.fn.String()
	}
	return b.f.prog.Fset.Position(p).String()
}

func deref(t types.Type) types.Type {
	if ptr, ok := t.(*types.Pointer); ok {
		return ptr.Elem()
	}
	return t
}
