package typestate

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/715d/typeflow/pkg/universe"
)

// The lattice operations below speculate on cheap cases first — identity,
// same exact type, containment, bitset identity and subset checks — before
// falling back to full bitset algebra. Type states are reused heavily across
// flows, so the identity-based fast paths dominate cost and must not
// allocate when an operand already equals the result.

// Union returns the normalized union of s1 and s2. The result's type set is
// exactly s1.types ∪ s2.types and it can be null iff either operand can.
// Union is monotonic: the result contains both operands' types.
func Union(u *universe.Universe, s1, s2 TypeState) TypeState {
	if s1 == s2 {
		return s1
	}
	resultCanBeNull := s1.CanBeNull() || s2.CanBeNull()
	if s2.TypesCount() == 0 {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	if s1.TypesCount() == 0 {
		return s2.ForCanBeNull(resultCanBeNull)
	}
	switch a := s1.(type) {
	case *Single:
		if b, ok := s2.(*Single); ok {
			return unionSS(u, a, b, resultCanBeNull)
		}
		return unionMS(u, s2.(*Multi), a, resultCanBeNull)
	case *Multi:
		if b, ok := s2.(*Single); ok {
			return unionMS(u, a, b, resultCanBeNull)
		}
		b := s2.(*Multi)
		// Order the operands by descending type count to normalize the cost
		// of the comparisons below.
		if a.count < b.count {
			a, b = b, a
		}
		return unionMM(u, a, b, resultCanBeNull)
	}
	panic("should not reach here: unknown type state variant")
}

func unionSS(u *universe.Universe, s1, s2 *Single, resultCanBeNull bool) TypeState {
	if s1.typ == s2.typ {
		// Same exact type: return whichever operand already carries the
		// right null flag instead of allocating.
		if s1.canBeNull == resultCanBeNull {
			return s1
		}
		return s2
	}
	bits := bitset.New(uint(max(s1.typ.ID(), s2.typ.ID()) + 1))
	bits.Set(uint(s1.typ.ID()))
	bits.Set(uint(s2.typ.ID()))
	return &Multi{u: u, bits: bits, count: 2, canBeNull: resultCanBeNull}
}

func unionMS(u *universe.Universe, s1 *Multi, s2 *Single, resultCanBeNull bool) TypeState {
	if s1.ContainsType(s2.typ) {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	bits := s1.bits.Clone()
	bits.Set(uint(s2.typ.ID()))
	return &Multi{u: u, bits: bits, count: s1.count + 1, canBeNull: resultCanBeNull}
}

func unionMM(u *universe.Universe, s1, s2 *Multi, resultCanBeNull bool) TypeState {
	// No deep equality check here: the superset speculation covers it.
	if s1.bits == s2.bits {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	if s1.bits.IsSuperSet(s2.bits) {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	bits := s1.bits.Union(s2.bits)
	return &Multi{u: u, bits: bits, count: int(bits.Count()), canBeNull: resultCanBeNull}
}

// Intersect returns the normalized intersection of s1 with the filter state
// s2. The result can be null iff both operands can. Intersection is not
// monotonic with respect to s1; callers that require monotonicity must
// handle shrinking states themselves.
//
// Single-type filter operands must be drawn from the context-insensitive
// canonical set; violating that is a programming error in the policy, not a
// recoverable condition.
func Intersect(u *universe.Universe, s1, s2 TypeState) TypeState {
	resultCanBeNull := s1.CanBeNull() && s2.CanBeNull()
	if s1 == s2 {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	if s1.TypesCount() == 0 || s2.TypesCount() == 0 {
		return sentinelFor(resultCanBeNull)
	}
	if a, ok := s1.(*Single); ok {
		if s2.ContainsType(a.typ) {
			return a.ForCanBeNull(resultCanBeNull)
		}
		return sentinelFor(resultCanBeNull)
	}
	a := s1.(*Multi)
	if b, ok := s2.(*Single); ok {
		if a.ContainsType(b.typ) {
			return b.ForCanBeNull(resultCanBeNull)
		}
		return sentinelFor(resultCanBeNull)
	}
	return intersectMM(u, a, s2.(*Multi), resultCanBeNull)
}

func intersectMM(u *universe.Universe, s1, s2 *Multi, resultCanBeNull bool) TypeState {
	// Speculate that s1 and s2 have either the same types or none in common.
	if s1.bits == s2.bits || s1.bits.Equal(s2.bits) {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	if s1.bits.IntersectionCardinality(s2.bits) == 0 {
		return sentinelFor(resultCanBeNull)
	}
	// Speculate that the filter is broader than s1, making the result s1.
	if s2.bits.IsSuperSet(s1.bits) {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	return forBitSet(u, s1.bits.Intersection(s2.bits), resultCanBeNull)
}

// Subtract returns the normalized subtraction s1 ∖ s2. The result can be
// null iff s1 can and s2 cannot. Like intersection it is not monotonic.
//
// Single-type subtrahend operands must be drawn from the context-insensitive
// canonical set.
func Subtract(u *universe.Universe, s1, s2 TypeState) TypeState {
	resultCanBeNull := s1.CanBeNull() && !s2.CanBeNull()
	if s1 == s2 {
		return sentinelFor(resultCanBeNull)
	}
	if s1.TypesCount() == 0 {
		return sentinelFor(resultCanBeNull)
	}
	if s2.TypesCount() == 0 {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	if a, ok := s1.(*Single); ok {
		if s2.ContainsType(a.typ) {
			return sentinelFor(resultCanBeNull)
		}
		return a.ForCanBeNull(resultCanBeNull)
	}
	a := s1.(*Multi)
	if b, ok := s2.(*Single); ok {
		return subtractMS(u, a, b, resultCanBeNull)
	}
	return subtractMM(u, a, s2.(*Multi), resultCanBeNull)
}

func subtractMS(u *universe.Universe, s1 *Multi, s2 *Single, resultCanBeNull bool) TypeState {
	if !s1.ContainsType(s2.typ) {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	bits := s1.bits.Clone()
	bits.Clear(uint(s2.typ.ID()))
	return forBitSet(u, bits, resultCanBeNull)
}

func subtractMM(u *universe.Universe, s1, s2 *Multi, resultCanBeNull bool) TypeState {
	// Speculate that s1 and s2 have either the same types or none in common.
	if s1.bits == s2.bits || s1.bits.Equal(s2.bits) {
		return sentinelFor(resultCanBeNull)
	}
	if s1.bits.IntersectionCardinality(s2.bits) == 0 {
		return s1.ForCanBeNull(resultCanBeNull)
	}
	// Speculate that s2 covers all of s1, making the result empty.
	if s2.bits.IsSuperSet(s1.bits) {
		return sentinelFor(resultCanBeNull)
	}
	return forBitSet(u, s1.bits.Difference(s2.bits), resultCanBeNull)
}
