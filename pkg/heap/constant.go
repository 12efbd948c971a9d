// Package heap models the image heap: immutable snapshots of object graphs
// taken at analysis time, and the loader/writer pair that persists them
// across build layers.
package heap

import (
	"fmt"
	"math"

	"github.com/715d/typeflow/internal/future"
	"github.com/715d/typeflow/pkg/universe"
)

// Value is one field or array-element slot of a heap constant: a primitive,
// a nested constant reference, the null marker, a method pointer, or a
// not-yet-materialized placeholder.
type Value interface{ isValue() }

// Primitive is an immutable primitive value, stored as raw bits so encoding
// round-trips are bit-exact.
type Primitive struct {
	kind universe.Kind
	bits uint64
}

func (Primitive) isValue() {}

func ForBoolean(v bool) Primitive {
	var bits uint64
	if v {
		bits = 1
	}
	return Primitive{kind: universe.KindBoolean, bits: bits}
}

func ForByte(v int8) Primitive   { return Primitive{kind: universe.KindByte, bits: uint64(v)} }
func ForShort(v int16) Primitive { return Primitive{kind: universe.KindShort, bits: uint64(v)} }
func ForChar(v uint16) Primitive { return Primitive{kind: universe.KindChar, bits: uint64(v)} }
func ForInt(v int32) Primitive   { return Primitive{kind: universe.KindInt, bits: uint64(v)} }
func ForLong(v int64) Primitive  { return Primitive{kind: universe.KindLong, bits: uint64(v)} }
func ForFloat(v float32) Primitive {
	return Primitive{kind: universe.KindFloat, bits: uint64(math.Float32bits(v))}
}
func ForDouble(v float64) Primitive {
	return Primitive{kind: universe.KindDouble, bits: math.Float64bits(v)}
}

func (p Primitive) Kind() universe.Kind { return p.kind }
func (p Primitive) Bits() uint64        { return p.bits }

func (p Primitive) AsBoolean() bool  { return p.bits != 0 }
func (p Primitive) AsByte() int8     { return int8(p.bits) }
func (p Primitive) AsShort() int16   { return int16(p.bits) }
func (p Primitive) AsChar() uint16   { return uint16(p.bits) }
func (p Primitive) AsInt() int32     { return int32(p.bits) }
func (p Primitive) AsLong() int64    { return int64(p.bits) }
func (p Primitive) AsFloat() float32 { return math.Float32frombits(uint32(p.bits)) }
func (p Primitive) AsDouble() float64 {
	return math.Float64frombits(p.bits)
}

type nullValue struct{}

func (nullValue) isValue() {}

// Null is the null-pointer marker value.
var Null Value = nullValue{}

// MethodPointer references a universe method from a heap constant.
type MethodPointer struct {
	Method *universe.Method
}

func (MethodPointer) isValue() {}

// Deferred is a placeholder for a value that is not available yet: either a
// forward reference the loader will patch in place, or a value that was
// never materialized in the base image. Forcing an unpatched placeholder is
// a fatal analysis error.
type Deferred struct {
	F *future.Future[Value]
}

func (Deferred) isValue() {}

// Constant is an immutable snapshot of one heap object as of analysis time,
// keyed by an analysis-assigned id. Instances and arrays fill their value
// slots exactly once after construction and are never mutated afterwards.
type Constant interface {
	Value
	Type() *universe.Type
	ID() int
	IdentityHashCode() int
	// InBaseLayer reports whether the constant was loaded from a persisted
	// base layer rather than scanned in the current build.
	InBaseLayer() bool
}

type baseConstant struct {
	typ          *universe.Type
	id           int
	identityHash int
	inBaseLayer  bool
}

func (c *baseConstant) isValue()              {}
func (c *baseConstant) Type() *universe.Type  { return c.typ }
func (c *baseConstant) ID() int               { return c.id }
func (c *baseConstant) IdentityHashCode() int { return c.identityHash }
func (c *baseConstant) InBaseLayer() bool     { return c.inBaseLayer }
func (c *baseConstant) markInBaseLayer()      { c.inBaseLayer = true }

// Instance is a snapshot of a plain object: one value per field, in the
// declaring type's layout order.
type Instance struct {
	baseConstant
	values []Value
}

func NewInstance(typ *universe.Type, id, identityHash int) *Instance {
	return &Instance{baseConstant: baseConstant{typ: typ, id: id, identityHash: identityHash}}
}

// SetFieldValues fills the instance's field slots. It must be called exactly
// once, before the instance is published to readers.
func (c *Instance) SetFieldValues(values []Value) {
	if c.values != nil {
		panic(fmt.Sprintf("should not reach here: field values of constant %d set twice", c.id))
	}
	c.values = values
}

func (c *Instance) FieldCount() int { return len(c.values) }

func (c *Instance) FieldValue(i int) Value {
	return c.values[i]
}

// ObjectArray is a snapshot of a reference array.
type ObjectArray struct {
	baseConstant
	values []Value
}

func NewObjectArray(typ *universe.Type, id, identityHash, length int) *ObjectArray {
	return &ObjectArray{
		baseConstant: baseConstant{typ: typ, id: id, identityHash: identityHash},
		values:       make([]Value, length),
	}
}

// SetElementValues fills the array's element slots. It must be called
// exactly once, before the array is published to readers.
func (c *ObjectArray) SetElementValues(values []Value) {
	if len(values) != len(c.values) {
		panic(fmt.Sprintf("should not reach here: element count mismatch for constant %d", c.id))
	}
	c.values = values
}

func (c *ObjectArray) Len() int { return len(c.values) }

func (c *ObjectArray) ElementValue(i int) Value {
	return c.values[i]
}

// PrimitiveArray is a snapshot of a primitive array. The backing slice is
// cloned on construction and never mutated.
type PrimitiveArray struct {
	baseConstant
	kind   universe.Kind
	data   any
	length int
}

func NewPrimitiveArray(typ *universe.Type, id, identityHash int, kind universe.Kind, data any) *PrimitiveArray {
	cloned, length := clonePrimitiveSlice(kind, data)
	return &PrimitiveArray{
		baseConstant: baseConstant{typ: typ, id: id, identityHash: identityHash},
		kind:         kind,
		data:         cloned,
		length:       length,
	}
}

func clonePrimitiveSlice(kind universe.Kind, data any) (any, int) {
	switch kind {
	case universe.KindBoolean:
		s := data.([]bool)
		return append([]bool(nil), s...), len(s)
	case universe.KindByte:
		s := data.([]int8)
		return append([]int8(nil), s...), len(s)
	case universe.KindShort:
		s := data.([]int16)
		return append([]int16(nil), s...), len(s)
	case universe.KindChar:
		s := data.([]uint16)
		return append([]uint16(nil), s...), len(s)
	case universe.KindInt:
		s := data.([]int32)
		return append([]int32(nil), s...), len(s)
	case universe.KindLong:
		s := data.([]int64)
		return append([]int64(nil), s...), len(s)
	case universe.KindFloat:
		s := data.([]float32)
		return append([]float32(nil), s...), len(s)
	case universe.KindDouble:
		s := data.([]float64)
		return append([]float64(nil), s...), len(s)
	default:
		panic(fmt.Sprintf("should not reach here: unsupported primitive array kind %s", kind))
	}
}

func (c *PrimitiveArray) Kind() universe.Kind { return c.kind }
func (c *PrimitiveArray) Len() int            { return c.length }

// Data returns the backing slice. Callers must not mutate it.
func (c *PrimitiveArray) Data() any { return c.data }

// Element returns the element at idx as a Primitive.
func (c *PrimitiveArray) Element(idx int) Primitive {
	switch c.kind {
	case universe.KindBoolean:
		return ForBoolean(c.data.([]bool)[idx])
	case universe.KindByte:
		return ForByte(c.data.([]int8)[idx])
	case universe.KindShort:
		return ForShort(c.data.([]int16)[idx])
	case universe.KindChar:
		return ForChar(c.data.([]uint16)[idx])
	case universe.KindInt:
		return ForInt(c.data.([]int32)[idx])
	case universe.KindLong:
		return ForLong(c.data.([]int64)[idx])
	case universe.KindFloat:
		return ForFloat(c.data.([]float32)[idx])
	case universe.KindDouble:
		return ForDouble(c.data.([]float64)[idx])
	default:
		panic(fmt.Sprintf("should not reach here: unsupported primitive array kind %s", c.kind))
	}
}
