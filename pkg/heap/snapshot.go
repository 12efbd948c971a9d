package heap

import (
	"fmt"
	"strconv"

	"github.com/715d/typeflow/pkg/universe"
)

// Snapshot format keys. These are the inter-layer compatibility surface:
// a snapshot written by one build must load in the next, so none of these
// may change.
const (
	nextTypeIDTag   = "next type id"
	nextMethodIDTag = "next method id"
	typesTag        = "types"
	methodsTag      = "methods"
	fieldsTag       = "fields"
	constantsTag    = "constants"

	idTag             = "id"
	typeFieldsTag     = "fields"
	classJavaNameTag  = "class java name"
	classNameTag      = "class name"
	modifiersTag      = "modifiers"
	isInterfaceTag    = "is interface"
	sourceFileNameTag = "source file name"
	enclosingTypeTag  = "enclosing type id"
	componentTypeTag  = "component type id"
	superClassTag     = "super class id"
	interfacesTag     = "interfaces"

	fieldClassTag = "class id"
	fieldNameTag  = "name"

	tidTag          = "tid"
	identityHashTag = "identityHashCode"
	constantTypeTag = "constant type"
	dataTag         = "data"

	instanceTag       = "instance"
	arrayTag          = "array"
	primitiveArrayTag = "primitive-array"

	objectTag = "Object"
	methodTag = "Method"
)

// Reserved sentinel ids in "Object" data entries. They must round-trip
// exactly: a loader reading one must reproduce it when re-persisting.
const (
	// NullPointerConstant marks a null reference slot.
	NullPointerConstant = -1
	// NotMaterializedConstant marks a slot whose value was never
	// materialized in the base image; accessing it is a fatal error.
	NotMaterializedConstant = -2
)

// encodePrimitive encodes a single primitive value for a constant data
// entry. Small integral kinds are stored as numbers; Char as a decimal
// string of its code point; Long, Float and Double as decimal strings so
// values survive JSON number conversion bit-for-bit.
func encodePrimitive(p Primitive) any {
	switch p.Kind() {
	case universe.KindBoolean:
		if p.AsBoolean() {
			return 1
		}
		return 0
	case universe.KindByte:
		return int(p.AsByte())
	case universe.KindShort:
		return int(p.AsShort())
	case universe.KindChar:
		return strconv.Itoa(int(p.AsChar()))
	case universe.KindInt:
		return int(p.AsInt())
	case universe.KindLong:
		return strconv.FormatInt(p.AsLong(), 10)
	case universe.KindFloat:
		return strconv.FormatFloat(float64(p.AsFloat()), 'g', -1, 32)
	case universe.KindDouble:
		return strconv.FormatFloat(p.AsDouble(), 'g', -1, 64)
	default:
		panic(fmt.Sprintf("should not reach here: unexpected primitive kind %s", p.Kind()))
	}
}

func decodePrimitive(kind universe.Kind, value any) (Primitive, error) {
	switch kind {
	case universe.KindBoolean:
		n, err := jsonInt(value)
		if err != nil {
			return Primitive{}, err
		}
		return ForBoolean(n != 0), nil
	case universe.KindByte:
		n, err := jsonInt(value)
		if err != nil {
			return Primitive{}, err
		}
		return ForByte(int8(n)), nil
	case universe.KindShort:
		n, err := jsonInt(value)
		if err != nil {
			return Primitive{}, err
		}
		return ForShort(int16(n)), nil
	case universe.KindChar:
		s, ok := value.(string)
		if !ok {
			return Primitive{}, fmt.Errorf("char value is not a string: %v", value)
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return Primitive{}, fmt.Errorf("parse char value %q: %w", s, err)
		}
		return ForChar(uint16(n)), nil
	case universe.KindInt:
		n, err := jsonInt(value)
		if err != nil {
			return Primitive{}, err
		}
		return ForInt(int32(n)), nil
	case universe.KindLong:
		s, ok := value.(string)
		if !ok {
			return Primitive{}, fmt.Errorf("long value is not a string: %v", value)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Primitive{}, fmt.Errorf("parse long value %q: %w", s, err)
		}
		return ForLong(n), nil
	case universe.KindFloat:
		s, ok := value.(string)
		if !ok {
			return Primitive{}, fmt.Errorf("float value is not a string: %v", value)
		}
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Primitive{}, fmt.Errorf("parse float value %q: %w", s, err)
		}
		return ForFloat(float32(f)), nil
	case universe.KindDouble:
		s, ok := value.(string)
		if !ok {
			return Primitive{}, fmt.Errorf("double value is not a string: %v", value)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Primitive{}, fmt.Errorf("parse double value %q: %w", s, err)
		}
		return ForDouble(f), nil
	default:
		return Primitive{}, fmt.Errorf("unsupported primitive kind %s", kind)
	}
}

// encodePrimitiveArray encodes the whole backing slice of a primitive array
// constant. Encoding matches encodePrimitive element-wise except for
// Boolean, which is stored as JSON booleans.
func encodePrimitiveArray(c *PrimitiveArray) []any {
	out := make([]any, 0, c.Len())
	switch c.Kind() {
	case universe.KindBoolean:
		for _, v := range c.Data().([]bool) {
			out = append(out, v)
		}
	default:
		for i := 0; i < c.Len(); i++ {
			out = append(out, encodePrimitive(c.Element(i)))
		}
	}
	return out
}

func decodePrimitiveArray(kind universe.Kind, list []any) (any, error) {
	if kind == universe.KindBoolean {
		data := make([]bool, len(list))
		for i, v := range list {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("boolean array element %d is not a bool: %v", i, v)
			}
			data[i] = b
		}
		return data, nil
	}

	decode := func(i int, v any) (Primitive, error) {
		p, err := decodePrimitive(kind, v)
		if err != nil {
			return Primitive{}, fmt.Errorf("array element %d: %w", i, err)
		}
		return p, nil
	}

	switch kind {
	case universe.KindByte:
		data := make([]int8, len(list))
		for i, v := range list {
			p, err := decode(i, v)
			if err != nil {
				return nil, err
			}
			data[i] = p.AsByte()
		}
		return data, nil
	case universe.KindShort:
		data := make([]int16, len(list))
		for i, v := range list {
			p, err := decode(i, v)
			if err != nil {
				return nil, err
			}
			data[i] = p.AsShort()
		}
		return data, nil
	case universe.KindChar:
		data := make([]uint16, len(list))
		for i, v := range list {
			p, err := decode(i, v)
			if err != nil {
				return nil, err
			}
			data[i] = p.AsChar()
		}
		return data, nil
	case universe.KindInt:
		data := make([]int32, len(list))
		for i, v := range list {
			p, err := decode(i, v)
			if err != nil {
				return nil, err
			}
			data[i] = p.AsInt()
		}
		return data, nil
	case universe.KindLong:
		data := make([]int64, len(list))
		for i, v := range list {
			p, err := decode(i, v)
			if err != nil {
				return nil, err
			}
			data[i] = p.AsLong()
		}
		return data, nil
	case universe.KindFloat:
		data := make([]float32, len(list))
		for i, v := range list {
			p, err := decode(i, v)
			if err != nil {
				return nil, err
			}
			data[i] = p.AsFloat()
		}
		return data, nil
	case universe.KindDouble:
		data := make([]float64, len(list))
		for i, v := range list {
			p, err := decode(i, v)
			if err != nil {
				return nil, err
			}
			data[i] = p.AsDouble()
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported primitive array kind %s", kind)
	}
}

// jsonInt converts a decoded JSON number to int.
func jsonInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
