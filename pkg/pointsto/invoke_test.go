package pointsto

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

// declareCallee creates a concrete implementor of iface whose "run" method
// returns a fresh result type, with a pre-registered flows graph.
func declareCallee(e *Engine, u *universe.Universe, iface *universe.Type, i int) (typ, ret *universe.Type, m *universe.Method) {
	ret = u.GetOrCreateType(universe.TypeInfo{Name: fmt.Sprintf("pkg.R%d", i)})
	typ = u.GetOrCreateType(universe.TypeInfo{Name: fmt.Sprintf("pkg.T%d", i), Interfaces: []*universe.Type{iface}})
	m = u.GetOrCreateMethod(typ, "run", false)
	g := NewMethodFlows(m, 1)
	g.Result().AddState(e, typestate.ForType(ret, false))
	e.RegisterFlowsGraph(m, g)
	return typ, ret, m
}

func TestVirtualInvokeResolvesCallees(t *testing.T) {
	u := universe.New()
	iface := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Runner", IsInterface: true})
	e := newTestEngine(t, u, 8)

	t1, r1, m1 := declareCallee(e, u, iface, 1)
	t2, r2, m2 := declareCallee(e, u, iface, 2)

	recv := e.NewMergeFlow(nil, "recv")
	inv := e.NewVirtualInvoke(nil, "main.go:10", iface, "run", recv, []Flow{recv})
	e.NewAllocFlow(nil, t1, "main.go:3").AddUse(e, recv)
	e.NewAllocFlow(nil, t2, "main.go:4").AddUse(e, recv)

	drain(t, e)

	require.Equal(t, VirtualInvoke, inv.Kind())
	require.True(t, inv.IsLinked())
	require.False(t, inv.IsSaturated())
	require.Equal(t, 2, inv.CalleeCount())
	require.ElementsMatch(t, []*universe.Method{m1, m2}, inv.Callees())
	require.True(t, m1.IsImplementationInvoked())
	require.True(t, m2.IsImplementationInvoked())

	// The actual return is the union over all linked callees.
	ret := inv.ActualReturn().State()
	require.True(t, ret.ContainsType(r1))
	require.True(t, ret.ContainsType(r2))

	// Every callee's formal receiver sees the whole receiver state.
	g1, err := e.FlowsGraph(m1)
	require.NoError(t, err)
	require.True(t, g1.Param(0).State().ContainsType(t1))
	require.True(t, g1.Param(0).State().ContainsType(t2))
}

func TestVirtualInvokeProcessesOnlyTheDelta(t *testing.T) {
	u := universe.New()
	iface := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Runner", IsInterface: true})
	e := newTestEngine(t, u, 8)

	t1, _, _ := declareCallee(e, u, iface, 1)
	recv := e.NewMergeFlow(nil, "recv")
	inv := e.NewVirtualInvoke(nil, "main.go:10", iface, "run", recv, []Flow{recv})
	e.NewAllocFlow(nil, t1, "main.go:3").AddUse(e, recv)
	drain(t, e)
	require.Equal(t, 1, inv.CalleeCount())

	// Receiver growth between runs resolves only the new type.
	t2, r2, _ := declareCallee(e, u, iface, 2)
	e.NewAllocFlow(nil, t2, "main.go:4").AddUse(e, recv)
	drain(t, e)
	require.Equal(t, 2, inv.CalleeCount())
	require.True(t, inv.ActualReturn().State().ContainsType(r2))
}

func TestVirtualInvokeSkipsTypesWithoutImplementation(t *testing.T) {
	u := universe.New()
	iface := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Runner", IsInterface: true})
	e := newTestEngine(t, u, 8)

	t1, _, _ := declareCallee(e, u, iface, 1)
	// Declares the interface but not the method; dispatch on it resolves
	// nothing.
	hollow := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Hollow", Interfaces: []*universe.Type{iface}})

	recv := e.NewMergeFlow(nil, "recv")
	inv := e.NewVirtualInvoke(nil, "main.go:10", iface, "run", recv, []Flow{recv})
	e.NewAllocFlow(nil, t1, "main.go:3").AddUse(e, recv)
	e.NewAllocFlow(nil, hollow, "main.go:4").AddUse(e, recv)

	drain(t, e)
	require.Equal(t, 1, inv.CalleeCount())
}

func TestStaticInvokeLinksDirectTarget(t *testing.T) {
	u := universe.New()
	owner := u.GetOrCreateType(universe.TypeInfo{Name: "pkg"})
	arg := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Arg"})
	res := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Res"})
	e := newTestEngine(t, u, 8)

	target := u.GetOrCreateMethod(owner, "helper", true)
	g := NewMethodFlows(target, 1)
	g.Result().AddState(e, typestate.ForType(res, false))
	e.RegisterFlowsGraph(target, g)

	actual := e.NewAllocFlow(nil, arg, "main.go:3")
	inv := e.NewStaticInvoke(nil, "main.go:5", target, []Flow{actual})

	drain(t, e)

	require.Equal(t, StaticInvoke, inv.Kind())
	require.Equal(t, 1, inv.CalleeCount())
	require.True(t, target.IsImplementationInvoked())
	require.True(t, g.Param(0).State().ContainsType(arg))
	require.True(t, inv.ActualReturn().State().ContainsType(res))
}

func TestStaticInvokeOnMethodIsSpecial(t *testing.T) {
	u := universe.New()
	owner := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.T"})
	e := newTestEngine(t, u, 8)

	target := u.GetOrCreateMethod(owner, "close", false)
	e.RegisterFlowsGraph(target, NewMethodFlows(target, 1))

	recv := e.NewAllocFlow(nil, owner, "main.go:3")
	inv := e.NewStaticInvoke(nil, "main.go:5", target, []Flow{recv})

	drain(t, e)
	require.Equal(t, SpecialInvoke, inv.Kind())
	require.Equal(t, 1, inv.CalleeCount())
}

func TestInvokeSaturation(t *testing.T) {
	u := universe.New()
	iface := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Runner", IsInterface: true})
	stats := NewStats(true)
	e := NewEngine(u, NewDefaultPolicy(2, stats), Options{
		Workers: 2,
		Stats:   stats,
		Logger:  slog.New(slog.DiscardHandler),
	})

	recv := e.NewMergeFlow(nil, "recv")
	inv := e.NewVirtualInvoke(nil, "main.go:10", iface, "run", recv, []Flow{recv})
	for i := 1; i <= 4; i++ {
		typ, _, _ := declareCallee(e, u, iface, i)
		e.NewAllocFlow(nil, typ, fmt.Sprintf("main.go:%d", i)).AddUse(e, recv)
	}

	drain(t, e)

	require.True(t, inv.IsSaturated(), "four callees against threshold two must saturate")
	require.Greater(t, inv.CalleeCount(), 2)
	require.EqualValues(t, 1, stats.Saturations())
	frozen := inv.CalleeCount()

	// After saturation the site stops tracking callees; new instantiated
	// types reach it only through the shared aggregate invoke.
	t5, r5, m5 := declareCallee(e, u, iface, 5)
	e.NewAllocFlow(nil, t5, "main.go:5")
	drain(t, e)

	require.Equal(t, frozen, inv.CalleeCount(), "the frozen callee set must not grow")
	require.True(t, m5.IsImplementationInvoked(), "the aggregate keeps resolving new types")
	require.True(t, inv.ActualReturn().State().ContainsType(r5),
		"aggregate returns still reach the saturated site")

	g5, err := e.FlowsGraph(m5)
	require.NoError(t, err)
	require.True(t, g5.Param(0).State().ContainsType(t5),
		"the filtered instantiated set feeds the formal receiver")
}

func TestAggregateInvokeFiltersByDeclaredType(t *testing.T) {
	u := universe.New()
	iface := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Runner", IsInterface: true})
	e := newTestEngine(t, u, 1)

	recv := e.NewMergeFlow(nil, "recv")
	e.NewVirtualInvoke(nil, "main.go:10", iface, "run", recv, []Flow{recv})
	for i := 1; i <= 3; i++ {
		typ, _, _ := declareCallee(e, u, iface, i)
		e.NewAllocFlow(nil, typ, fmt.Sprintf("main.go:%d", i)).AddUse(e, recv)
	}
	// Unrelated to the interface; instantiated but never dispatched on.
	stranger := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Stranger"})
	u.GetOrCreateMethod(stranger, "run", false)
	e.NewAllocFlow(nil, stranger, "main.go:9")

	drain(t, e)

	agg, ok := e.ciInvokes.Load(fmt.Sprintf("%d.run/1", iface.ID()))
	require.True(t, ok, "saturation must install the aggregate invoke")
	require.True(t, agg.IsLinked())
	for _, callee := range agg.Callees() {
		require.NotSame(t, stranger, callee.Declaring(),
			"unassignable instantiated types must not resolve through the aggregate")
	}
}

func TestSaturationRecordsContextMerge(t *testing.T) {
	u := universe.New()
	iface := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Runner", IsInterface: true})
	stats := NewStats(true)
	e := NewEngine(u, NewSitePolicy(1, stats), Options{
		Workers: 2,
		Stats:   stats,
		Logger:  slog.New(slog.DiscardHandler),
	})

	recv := e.NewMergeFlow(nil, "recv")
	inv := e.NewVirtualInvoke(nil, "main.go:10", iface, "run", recv, []Flow{recv})
	for i := 1; i <= 3; i++ {
		typ, _, _ := declareCallee(e, u, iface, i)
		e.NewAllocFlow(nil, typ, fmt.Sprintf("main.go:%d", i)).AddUse(e, recv)
	}

	drain(t, e)

	require.True(t, inv.IsSaturated())
	require.EqualValues(t, 1, stats.Saturations())
	require.EqualValues(t, 2, stats.Merges(),
		"saturation collapses the site's and the aggregate's receiver tracking")
}
