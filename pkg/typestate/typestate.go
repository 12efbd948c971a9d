// Package typestate implements the immutable type-state lattice of the
// analysis: the set of concrete types (plus nullability) that may flow to a
// program point. States come in four shapes — the canonical empty state, the
// canonical null state, a single-type state, and a bitset-backed multi-type
// state — and are never mutated after construction. All operations normalize
// their result: exactly one type always collapses to a single-type state,
// and zero types collapse to the empty or null sentinel.
package typestate

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/715d/typeflow/pkg/universe"
)

// TypeState is an immutable set of exact types with a nullability flag.
type TypeState interface {
	// CanBeNull reports whether the null value may reach this state.
	CanBeNull() bool

	// TypesCount returns the number of exact types in the state.
	TypesCount() int

	// ContainsType reports whether t is in the state's type set.
	ContainsType(t *universe.Type) bool

	// ForEachType calls fn for each type in the state, in ascending type-id
	// order, until fn returns false.
	ForEachType(fn func(*universe.Type) bool)

	// ExactType returns the state's only type, or nil when the state does
	// not hold exactly one type.
	ExactType() *universe.Type

	// ForCanBeNull returns a state with the same types and the given
	// nullability. It returns the receiver when the flag already matches.
	ForCanBeNull(canBeNull bool) TypeState

	// Equals reports structural equality of type sets and nullability.
	Equals(other TypeState) bool

	String() string
}

// sentinel covers the two zero-type states: empty (canBeNull=false) and
// null (canBeNull=true).
type sentinel struct {
	canBeNull bool
}

var (
	emptyState = &sentinel{canBeNull: false}
	nullState  = &sentinel{canBeNull: true}
)

// Empty returns the canonical empty state: no types, cannot be null.
func Empty() TypeState { return emptyState }

// Null returns the canonical null state: no types, can be null.
func Null() TypeState { return nullState }

func sentinelFor(canBeNull bool) TypeState {
	if canBeNull {
		return nullState
	}
	return emptyState
}

func (s *sentinel) CanBeNull() bool                       { return s.canBeNull }
func (s *sentinel) TypesCount() int                       { return 0 }
func (s *sentinel) ContainsType(*universe.Type) bool      { return false }
func (s *sentinel) ForEachType(func(*universe.Type) bool) {}
func (s *sentinel) ExactType() *universe.Type             { return nil }
func (s *sentinel) ForCanBeNull(canBeNull bool) TypeState { return sentinelFor(canBeNull) }

func (s *sentinel) Equals(other TypeState) bool {
	return s == other
}

func (s *sentinel) String() string {
	if s.canBeNull {
		return "Null"
	}
	return "Empty"
}

// Single holds exactly one exact type.
type Single struct {
	typ       *universe.Type
	canBeNull bool
}

// ForType returns the state {t} with the given nullability.
func ForType(t *universe.Type, canBeNull bool) TypeState {
	return &Single{typ: t, canBeNull: canBeNull}
}

func (s *Single) CanBeNull() bool { return s.canBeNull }
func (s *Single) TypesCount() int { return 1 }

func (s *Single) ContainsType(t *universe.Type) bool { return s.typ == t }

func (s *Single) ForEachType(fn func(*universe.Type) bool) { fn(s.typ) }

func (s *Single) ExactType() *universe.Type { return s.typ }

func (s *Single) ForCanBeNull(canBeNull bool) TypeState {
	if s.canBeNull == canBeNull {
		return s
	}
	return &Single{typ: s.typ, canBeNull: canBeNull}
}

func (s *Single) Equals(other TypeState) bool {
	o, ok := other.(*Single)
	return ok && s.typ == o.typ && s.canBeNull == o.canBeNull
}

func (s *Single) String() string {
	return fmt.Sprintf("Single(%s, null: %t)", s.typ.Name(), s.canBeNull)
}

// Multi holds two or more exact types as a bitset over type ids. The bitset
// is owned by the state and never mutated; operations that would change it
// allocate a fresh set.
type Multi struct {
	u         *universe.Universe
	bits      *bitset.BitSet
	count     int
	canBeNull bool
}

// forBitSet normalizes a bitset into a state: zero bits yield a sentinel,
// one bit collapses to Single, anything else wraps the set unchanged. The
// caller transfers ownership of bits.
func forBitSet(u *universe.Universe, bits *bitset.BitSet, canBeNull bool) TypeState {
	switch count := bits.Count(); count {
	case 0:
		return sentinelFor(canBeNull)
	case 1:
		id, _ := bits.NextSet(0)
		return &Single{typ: mustType(u, int(id)), canBeNull: canBeNull}
	default:
		return &Multi{u: u, bits: bits, count: int(count), canBeNull: canBeNull}
	}
}

// ForExactTypes builds a normalized state over the given types.
func ForExactTypes(u *universe.Universe, canBeNull bool, types ...*universe.Type) TypeState {
	switch len(types) {
	case 0:
		return sentinelFor(canBeNull)
	case 1:
		return &Single{typ: types[0], canBeNull: canBeNull}
	}
	bits := bitset.New(uint(u.NextTypeID()))
	for _, t := range types {
		bits.Set(uint(t.ID()))
	}
	return forBitSet(u, bits, canBeNull)
}

func mustType(u *universe.Universe, id int) *universe.Type {
	t, ok := u.TypeByID(id)
	if !ok {
		panic(fmt.Sprintf("should not reach here: type state references unknown type id %d", id))
	}
	return t
}

func (s *Multi) CanBeNull() bool { return s.canBeNull }
func (s *Multi) TypesCount() int { return s.count }

func (s *Multi) ContainsType(t *universe.Type) bool {
	return s.bits.Test(uint(t.ID()))
}

func (s *Multi) ForEachType(fn func(*universe.Type) bool) {
	for id, ok := s.bits.NextSet(0); ok; id, ok = s.bits.NextSet(id + 1) {
		if !fn(mustType(s.u, int(id))) {
			return
		}
	}
}

func (s *Multi) ExactType() *universe.Type { return nil }

func (s *Multi) ForCanBeNull(canBeNull bool) TypeState {
	if s.canBeNull == canBeNull {
		return s
	}
	// The bitset is immutable, so sharing it between states is safe.
	return &Multi{u: s.u, bits: s.bits, count: s.count, canBeNull: canBeNull}
}

func (s *Multi) Equals(other TypeState) bool {
	o, ok := other.(*Multi)
	return ok && s.canBeNull == o.canBeNull && (s.bits == o.bits || s.bits.Equal(o.bits))
}

func (s *Multi) String() string {
	var names []string
	s.ForEachType(func(t *universe.Type) bool {
		names = append(names, t.Name())
		return len(names) < 8
	})
	if s.count > len(names) {
		names = append(names, "...")
	}
	return fmt.Sprintf("Multi<%d>(%s, null: %t)", s.count, strings.Join(names, " "), s.canBeNull)
}
