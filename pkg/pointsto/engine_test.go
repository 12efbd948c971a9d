package pointsto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/universe"
)

func TestBuilderDrivenFixedPoint(t *testing.T) {
	u := universe.New()
	pkg := u.GetOrCreateType(universe.TypeInfo{Name: "main"})
	payload := u.GetOrCreateType(universe.TypeInfo{Name: "main.Payload"})
	mainFn := u.GetOrCreateMethod(pkg, "main", true)
	identity := u.GetOrCreateMethod(pkg, "identity", true)

	builder := func(e *Engine, m *universe.Method) (*MethodFlows, error) {
		switch m {
		case mainFn:
			g := NewMethodFlows(m, 0)
			arg := e.NewAllocFlow(g, payload, "main.go:3")
			inv := e.NewStaticInvoke(g, "main.go:4", identity, []Flow{arg})
			inv.ActualReturn().AddUse(e, g.Result())
			return g, nil
		case identity:
			g := NewMethodFlows(m, 1)
			g.Param(0).AddUse(e, g.Result())
			return g, nil
		}
		return nil, fmt.Errorf("unexpected method %s", m)
	}

	e := NewEngine(u, NewDefaultPolicy(8, nil), Options{
		Workers: 2,
		Logger:  slog.New(slog.DiscardHandler),
		Builder: builder,
	})
	e.AddRoot(mainFn)
	require.NoError(t, e.Run(context.Background()))

	r := e.Results()
	require.True(t, r.IsReachable(mainFn))
	require.True(t, r.IsReachable(identity), "callees become reachable through linking")
	require.Equal(t, []*universe.Method{mainFn, identity}, r.ReachableMethods())

	// The payload round-trips through the callee back into main's return.
	mainGraph := r.MethodGraph(mainFn)
	require.NotNil(t, mainGraph)
	require.True(t, mainGraph.Result().State().ContainsType(payload))
	require.Len(t, mainGraph.Invokes(), 1)
}

func TestGraphsAreBuiltOnce(t *testing.T) {
	u := universe.New()
	pkg := u.GetOrCreateType(universe.TypeInfo{Name: "main"})
	fn := u.GetOrCreateMethod(pkg, "f", true)

	builds := 0
	e := NewEngine(u, NewDefaultPolicy(8, nil), Options{
		Workers: 2,
		Logger:  slog.New(slog.DiscardHandler),
		Builder: func(e *Engine, m *universe.Method) (*MethodFlows, error) {
			builds++
			return NewMethodFlows(m, 0), nil
		},
	})

	g1, err := e.FlowsGraph(fn)
	require.NoError(t, err)
	g2, err := e.FlowsGraph(fn)
	require.NoError(t, err)
	require.Same(t, g1, g2)
	require.Equal(t, 1, builds)
}

func TestBuilderErrorAbortsRun(t *testing.T) {
	u := universe.New()
	pkg := u.GetOrCreateType(universe.TypeInfo{Name: "main"})
	mainFn := u.GetOrCreateMethod(pkg, "main", true)
	broken := u.GetOrCreateMethod(pkg, "broken", true)

	e := NewEngine(u, NewDefaultPolicy(8, nil), Options{
		Workers: 2,
		Logger:  slog.New(slog.DiscardHandler),
		Builder: func(e *Engine, m *universe.Method) (*MethodFlows, error) {
			if m == broken {
				return nil, errors.New("no body available")
			}
			g := NewMethodFlows(m, 0)
			e.NewStaticInvoke(g, "main.go:4", broken, nil)
			return g, nil
		},
	})
	e.AddRoot(mainFn)

	err := e.Run(context.Background())
	require.ErrorContains(t, err, "no body available")
}

func TestMissingBuilderFailsGraphDemand(t *testing.T) {
	u := universe.New()
	pkg := u.GetOrCreateType(universe.TypeInfo{Name: "main"})
	fn := u.GetOrCreateMethod(pkg, "f", true)

	e := newTestEngine(t, u, 8)
	_, err := e.FlowsGraph(fn)
	require.ErrorContains(t, err, "no flows graph registered")
}

func TestRunHonorsCancellation(t *testing.T) {
	u := universe.New()
	typ := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.T"})
	e := newTestEngine(t, u, 8)
	e.NewAllocFlow(nil, typ, "main.go:3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDevirtualizableInvokes(t *testing.T) {
	u := universe.New()
	iface := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Runner", IsInterface: true})
	pkg := u.GetOrCreateType(universe.TypeInfo{Name: "main"})
	caller := u.GetOrCreateMethod(pkg, "main", true)
	e := newTestEngine(t, u, 8)

	typ, _, m := declareCallee(e, u, iface, 1)

	g := NewMethodFlows(caller, 0)
	recv := e.NewAllocFlow(g, typ, "main.go:3")
	inv := e.NewVirtualInvoke(g, "main.go:5", iface, "run", recv, []Flow{recv})
	e.RegisterFlowsGraph(caller, g)

	drain(t, e)

	r := e.Results()
	require.Contains(t, r.Invokes(), inv)
	require.Equal(t, []*InvokeFlow{inv}, r.Devirtualizable(),
		"a single-callee virtual invoke is a direct-call candidate")
	require.Empty(t, r.SaturatedInvokes())
	require.Equal(t, []*universe.Method{m}, inv.Callees())
}

func TestDevirtualizableLeafDeclaredType(t *testing.T) {
	u := universe.New()
	pkg := u.GetOrCreateType(universe.TypeInfo{Name: "main"})
	caller := u.GetOrCreateMethod(pkg, "main", true)
	conn := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Conn"})
	target := u.GetOrCreateMethod(conn, "close", false)
	iface := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.Closer", IsInterface: true})
	u.GetOrCreateMethod(iface, "close", false)
	e := newTestEngine(t, u, 8)

	g := NewMethodFlows(caller, 0)
	recv := e.NewProxyFlow(g, "recv")
	inv := e.NewVirtualInvoke(g, "main.go:5", conn, "close", recv, []Flow{recv})
	irecv := e.NewProxyFlow(g, "irecv")
	iinv := e.NewVirtualInvoke(g, "main.go:6", iface, "close", irecv, []Flow{irecv})
	e.RegisterFlowsGraph(caller, g)

	drain(t, e)

	r := e.Results()
	require.Zero(t, inv.CalleeCount(), "no receiver state ever arrived")
	require.Contains(t, r.Devirtualizable(), inv,
		"a leaf declared type pins the callee before any receiver state")
	require.Same(t, target, inv.Declared().ResolveConcreteMethod(inv.TargetName()))
	require.NotContains(t, r.Devirtualizable(), iinv,
		"an interface never pins a concrete target by itself")

	// A reachable subtype withdraws the leaf assumption.
	u.GetOrCreateType(universe.TypeInfo{Name: "pkg.TLSConn", SuperClass: conn})
	require.NotContains(t, r.Devirtualizable(), inv)
}
