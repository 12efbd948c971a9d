package typestate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/universe"
)

func newTestUniverse(t *testing.T, names ...string) (*universe.Universe, map[string]*universe.Type) {
	t.Helper()
	u := universe.New()
	types := make(map[string]*universe.Type, len(names))
	for _, name := range names {
		types[name] = u.GetOrCreateType(universe.TypeInfo{Name: name, ClassName: name})
	}
	return u, types
}

func TestSentinels(t *testing.T) {
	require.Equal(t, 0, Empty().TypesCount())
	require.False(t, Empty().CanBeNull())
	require.Equal(t, 0, Null().TypesCount())
	require.True(t, Null().CanBeNull())

	// The sentinels are canonical: nullability coercion moves between them
	// without allocating new states.
	require.Same(t, Null(), Empty().ForCanBeNull(true))
	require.Same(t, Empty(), Null().ForCanBeNull(false))
	require.Same(t, Empty(), Empty().ForCanBeNull(false))
}

func TestSingleState(t *testing.T) {
	_, types := newTestUniverse(t, "A", "B")
	a := types["A"]

	s := ForType(a, false)
	require.Equal(t, 1, s.TypesCount())
	require.True(t, s.ContainsType(a))
	require.False(t, s.ContainsType(types["B"]))
	require.Same(t, a, s.ExactType())
	require.False(t, s.CanBeNull())

	// Matching nullability returns the receiver.
	require.Same(t, s, s.ForCanBeNull(false))

	nullable := s.ForCanBeNull(true)
	require.True(t, nullable.CanBeNull())
	require.True(t, nullable.ContainsType(a))
	require.False(t, nullable.Equals(s))
}

func TestMultiStateNormalization(t *testing.T) {
	u, types := newTestUniverse(t, "A", "B", "C")
	a, b, c := types["A"], types["B"], types["C"]

	tests := []struct {
		name      string
		types     []*universe.Type
		canBeNull bool
		wantCount int
	}{
		{name: "empty collapses to sentinel", types: nil, canBeNull: false, wantCount: 0},
		{name: "null collapses to sentinel", types: nil, canBeNull: true, wantCount: 0},
		{name: "one type collapses to single", types: []*universe.Type{b}, canBeNull: false, wantCount: 1},
		{name: "three types stay multi", types: []*universe.Type{a, b, c}, canBeNull: true, wantCount: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ForExactTypes(u, tt.canBeNull, tt.types...)
			require.Equal(t, tt.wantCount, s.TypesCount())
			require.Equal(t, tt.canBeNull, s.CanBeNull())
			for _, typ := range tt.types {
				require.True(t, s.ContainsType(typ))
			}
			switch tt.wantCount {
			case 0:
				_, isSentinel := s.(*sentinel)
				require.True(t, isSentinel)
			case 1:
				require.IsType(t, &Single{}, s)
				require.Same(t, tt.types[0], s.ExactType())
			default:
				require.IsType(t, &Multi{}, s)
				require.Nil(t, s.ExactType())
			}
		})
	}
}

func TestMultiStateIteratesInIDOrder(t *testing.T) {
	u, types := newTestUniverse(t, "A", "B", "C")
	s := ForExactTypes(u, false, types["C"], types["A"], types["B"])

	var seen []int
	s.ForEachType(func(typ *universe.Type) bool {
		seen = append(seen, typ.ID())
		return true
	})
	require.Equal(t, []int{types["A"].ID(), types["B"].ID(), types["C"].ID()}, seen)
}

func TestMultiStateSharedBitsetOnNullCoercion(t *testing.T) {
	u, types := newTestUniverse(t, "A", "B")
	s := ForExactTypes(u, false, types["A"], types["B"]).(*Multi)

	nullable := s.ForCanBeNull(true).(*Multi)
	require.True(t, nullable.CanBeNull())
	// The bitset is immutable, so coercion shares it.
	require.Same(t, s.bits, nullable.bits)
	require.True(t, nullable.ForCanBeNull(false).Equals(s))
}
