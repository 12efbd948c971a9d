package pointsto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/typestate"
	"github.com/715d/typeflow/pkg/universe"
)

func TestDefaultPolicyObjectAbstraction(t *testing.T) {
	u := universe.New()
	typ := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.T"})
	p := NewDefaultPolicy(8, nil)

	require.False(t, p.IsContextSensitive())
	require.Equal(t, 8, p.SaturationThreshold())

	// One object per type, whatever the site.
	require.Same(t, typ.ContextInsensitiveObject(), p.HeapObject(typ, "main.go:3"))
	require.Same(t, p.HeapObject(typ, "main.go:3"), p.HeapObject(typ, "main.go:7"))
}

func TestSitePolicyObjectAbstraction(t *testing.T) {
	u := universe.New()
	typ := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.T"})
	p := NewSitePolicy(8, nil)

	require.True(t, p.IsContextSensitive())

	a := p.HeapObject(typ, "main.go:3")
	b := p.HeapObject(typ, "main.go:7")
	require.NotSame(t, a, b, "distinct sites get distinct objects")
	require.Same(t, a, p.HeapObject(typ, "main.go:3"), "the same site is stable")
	require.Same(t, typ.ContextInsensitiveObject(), p.HeapObject(typ, ""))
}

func TestPolicyUnionCountsRealOperations(t *testing.T) {
	u := universe.New()
	a := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.A"})
	b := u.GetOrCreateType(universe.TypeInfo{Name: "pkg.B"})
	stats := NewStats(true)
	p := NewDefaultPolicy(8, stats)

	sa := typestate.ForType(a, false)
	p.Union(u, sa, typestate.Empty())
	require.EqualValues(t, 0, stats.UnionOperations(), "identity unions are free")

	p.Union(u, sa, typestate.ForType(b, false))
	require.EqualValues(t, 1, stats.UnionOperations())
}
