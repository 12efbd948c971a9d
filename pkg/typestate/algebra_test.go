package typestate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/typeflow/pkg/universe"
)

// typeSet collects a state's types for set comparisons.
func typeSet(s TypeState) map[*universe.Type]bool {
	out := make(map[*universe.Type]bool)
	s.ForEachType(func(t *universe.Type) bool {
		out[t] = true
		return true
	})
	return out
}

func TestUnionIdentity(t *testing.T) {
	u, types := newTestUniverse(t, "A", "B", "C")

	states := []TypeState{
		Empty(),
		Null(),
		ForType(types["A"], false),
		ForType(types["A"], true),
		ForExactTypes(u, false, types["A"], types["B"]),
		ForExactTypes(u, true, types["A"], types["B"], types["C"]),
	}
	for _, s := range states {
		// union(s, s) == s without allocating a new state.
		require.Same(t, s, Union(u, s, s), "union(%v, %v)", s, s)
	}
}

func TestUnionNullabilityAndTypes(t *testing.T) {
	u, types := newTestUniverse(t, "A", "B", "C", "D")
	a, b, c, d := types["A"], types["B"], types["C"], types["D"]

	tests := []struct {
		name      string
		s1, s2    TypeState
		wantNull  bool
		wantTypes []*universe.Type
	}{
		{
			name: "two distinct singles",
			s1:   ForType(a, false), s2: ForType(b, false),
			wantNull: false, wantTypes: []*universe.Type{a, b},
		},
		{
			name: "same type keeps operand",
			s1:   ForType(a, true), s2: ForType(a, false),
			wantNull: true, wantTypes: []*universe.Type{a},
		},
		{
			name: "null flag is or",
			s1:   ForType(a, false), s2: ForType(b, true),
			wantNull: true, wantTypes: []*universe.Type{a, b},
		},
		{
			name: "multi absorbs contained single",
			s1:   ForExactTypes(u, false, a, b), s2: ForType(b, false),
			wantNull: false, wantTypes: []*universe.Type{a, b},
		},
		{
			name: "multi grows by new single",
			s1:   ForExactTypes(u, false, a, b), s2: ForType(c, true),
			wantNull: true, wantTypes: []*universe.Type{a, b, c},
		},
		{
			name: "multi union multi",
			s1:   ForExactTypes(u, false, a, b), s2: ForExactTypes(u, false, c, d),
			wantNull: false, wantTypes: []*universe.Type{a, b, c, d},
		},
		{
			name: "superset fast path",
			s1:   ForExactTypes(u, true, a, b, c), s2: ForExactTypes(u, false, a, b),
			wantNull: true, wantTypes: []*universe.Type{a, b, c},
		},
		{
			name: "empty operand",
			s1:   Empty(), s2: ForExactTypes(u, false, a, b),
			wantNull: false, wantTypes: []*universe.Type{a, b},
		},
		{
			name: "null operand",
			s1:   ForType(a, false), s2: Null(),
			wantNull: true, wantTypes: []*universe.Type{a},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, pair := range [][2]TypeState{{tt.s1, tt.s2}, {tt.s2, tt.s1}} {
				result := Union(u, pair[0], pair[1])
				require.Equal(t, tt.wantNull, result.CanBeNull())
				require.Equal(t, len(tt.wantTypes), result.TypesCount())
				// Exact set equality, not just superset.
				want := make(map[*universe.Type]bool, len(tt.wantTypes))
				for _, typ := range tt.wantTypes {
					want[typ] = true
				}
				require.Equal(t, want, typeSet(result))
			}
		})
	}
}

func TestUnionSameTypeReturnsOperandWithRightNullability(t *testing.T) {
	u, types := newTestUniverse(t, "A")
	a := types["A"]

	nonNull := ForType(a, false)
	nullable := ForType(a, true)

	// The operand that already carries the or'd flag comes back as is.
	require.Same(t, nullable, Union(u, nullable, nonNull))
	require.Same(t, nullable, Union(u, nonNull, nullable))
	require.Same(t, nonNull, Union(u, nonNull, nonNull))
}

func TestUnionMonotonic(t *testing.T) {
	u, types := newTestUniverse(t, "A", "B", "C", "D", "E")
	s1 := ForExactTypes(u, false, types["A"], types["C"], types["E"])
	s2 := ForExactTypes(u, true, types["B"], types["C"])

	result := Union(u, s1, s2)
	for _, s := range []TypeState{s1, s2} {
		s.ForEachType(func(typ *universe.Type) bool {
			require.True(t, result.ContainsType(typ))
			return true
		})
	}
}

func TestIntersect(t *testing.T) {
	u, types := newTestUniverse(t, "A", "B", "C", "D")
	a, b, c, d := types["A"], types["B"], types["C"], types["D"]

	tests := []struct {
		name      string
		s1, s2    TypeState
		wantNull  bool
		wantTypes []*universe.Type
	}{
		{
			name: "idempotent",
			s1:   ForExactTypes(u, true, a, b), s2: ForExactTypes(u, true, a, b),
			wantNull: true, wantTypes: []*universe.Type{a, b},
		},
		{
			name: "null flag is and",
			s1:   ForType(a, true), s2: ForType(a, false),
			wantNull: false, wantTypes: []*universe.Type{a},
		},
		{
			name: "disjoint is empty",
			s1:   ForExactTypes(u, true, a, b), s2: ForExactTypes(u, false, c, d),
			wantNull: false, wantTypes: nil,
		},
		{
			name: "single filter kept when contained",
			s1:   ForExactTypes(u, false, a, b, c), s2: ForType(b, false),
			wantNull: false, wantTypes: []*universe.Type{b},
		},
		{
			name: "broader filter keeps s1",
			s1:   ForExactTypes(u, false, a, b), s2: ForExactTypes(u, true, a, b, c),
			wantNull: false, wantTypes: []*universe.Type{a, b},
		},
		{
			name: "partial overlap",
			s1:   ForExactTypes(u, true, a, b, c), s2: ForExactTypes(u, true, b, c, d),
			wantNull: true, wantTypes: []*universe.Type{b, c},
		},
		{
			name: "empty operand",
			s1:   Empty(), s2: ForType(a, true),
			wantNull: false, wantTypes: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Intersect(u, tt.s1, tt.s2)
			require.Equal(t, tt.wantNull, result.CanBeNull())
			require.Equal(t, len(tt.wantTypes), result.TypesCount())
			for _, typ := range tt.wantTypes {
				require.True(t, result.ContainsType(typ))
			}
		})
	}
}

func TestIntersectIdempotentSameReference(t *testing.T) {
	u, types := newTestUniverse(t, "A", "B")
	s := ForExactTypes(u, true, types["A"], types["B"])
	require.Same(t, s, Intersect(u, s, s))
}

func TestSubtract(t *testing.T) {
	u, types := newTestUniverse(t, "A", "B", "C", "D")
	a, b, c, d := types["A"], types["B"], types["C"], types["D"]

	tests := []struct {
		name      string
		s1, s2    TypeState
		wantNull  bool
		wantTypes []*universe.Type
	}{
		{
			name: "self subtraction is empty",
			s1:   ForExactTypes(u, true, a, b), s2: ForExactTypes(u, true, a, b),
			wantNull: false, wantTypes: nil,
		},
		{
			name: "null flag is s1 and not s2",
			s1:   ForType(a, true), s2: ForType(b, false),
			wantNull: true, wantTypes: []*universe.Type{a},
		},
		{
			name: "nullable subtrahend clears null",
			s1:   ForExactTypes(u, true, a, b), s2: ForType(c, true),
			wantNull: false, wantTypes: []*universe.Type{a, b},
		},
		{
			name: "disjoint keeps s1",
			s1:   ForExactTypes(u, false, a, b), s2: ForExactTypes(u, false, c, d),
			wantNull: false, wantTypes: []*universe.Type{a, b},
		},
		{
			name: "partial overlap",
			s1:   ForExactTypes(u, false, a, b, c), s2: ForExactTypes(u, false, b, d),
			wantNull: false, wantTypes: []*universe.Type{a, c},
		},
		{
			name: "covering subtrahend empties",
			s1:   ForExactTypes(u, true, a, b), s2: ForExactTypes(u, false, a, b, c),
			wantNull: true, wantTypes: nil,
		},
		{
			name: "empty subtrahend keeps s1",
			s1:   ForExactTypes(u, true, a, b), s2: Empty(),
			wantNull: true, wantTypes: []*universe.Type{a, b},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Subtract(u, tt.s1, tt.s2)
			require.Equal(t, tt.wantNull, result.CanBeNull())
			require.Equal(t, len(tt.wantTypes), result.TypesCount())
			for _, typ := range tt.wantTypes {
				require.True(t, result.ContainsType(typ))
			}
		})
	}
}

func TestSubtractCollapsesToSingle(t *testing.T) {
	u, types := newTestUniverse(t, "A", "B")
	a, b := types["A"], types["B"]

	two := ForExactTypes(u, false, a, b)
	require.IsType(t, &Multi{}, two)

	// Removing one of two types must collapse the result to a single-type
	// state that is indistinguishable from one built directly.
	result := Subtract(u, two, ForType(b, false))
	require.IsType(t, &Single{}, result)
	require.Same(t, a, result.ExactType())
	require.True(t, result.Equals(ForType(a, false)))
	require.True(t, result.ContainsType(a))
	require.False(t, result.ContainsType(b))
}
