package universe

// Kind classifies the primitive value categories tracked by the analysis,
// plus Object for reference values. The string forms double as the kind tags
// in persisted layer snapshots, so they must stay stable across releases.
type Kind int

const (
	KindBoolean Kind = iota
	KindByte
	KindShort
	KindChar
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindObject
)

var kindNames = [...]string{
	KindBoolean: "Boolean",
	KindByte:    "Byte",
	KindShort:   "Short",
	KindChar:    "Char",
	KindInt:     "Int",
	KindLong:    "Long",
	KindFloat:   "Float",
	KindDouble:  "Double",
	KindObject:  "Object",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Illegal"
	}
	return kindNames[k]
}

// IsPrimitive reports whether k is one of the eight primitive kinds.
func (k Kind) IsPrimitive() bool {
	return k >= KindBoolean && k <= KindDouble
}

// KindFromTag resolves a snapshot kind tag back to a Kind.
func KindFromTag(tag string) (Kind, bool) {
	for k, name := range kindNames {
		if name == tag {
			return Kind(k), true
		}
	}
	return 0, false
}

// PrimitiveKinds lists every primitive kind in declaration order.
func PrimitiveKinds() []Kind {
	return []Kind{KindBoolean, KindByte, KindShort, KindChar, KindInt, KindLong, KindFloat, KindDouble}
}
