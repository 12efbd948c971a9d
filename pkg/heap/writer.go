package heap

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/715d/typeflow/pkg/universe"
)

// Writer persists the current universe and its heap constants in the layer
// snapshot format understood by Loader, enabling the next build to start
// from this layer instead of from scratch.
type Writer struct {
	universe *universe.Universe

	mu        sync.Mutex
	constants map[int]Constant
}

func NewWriter(u *universe.Universe) *Writer {
	return &Writer{universe: u, constants: make(map[int]Constant)}
}

// AddConstant registers a constant for persistence, keyed by its id.
func (w *Writer) AddConstant(c Constant) {
	w.mu.Lock()
	w.constants[c.ID()] = c
	w.mu.Unlock()
}

// WriteSnapshot serializes the snapshot to out.
func (w *Writer) WriteSnapshot(out io.Writer) error {
	snapshot := map[string]any{
		nextTypeIDTag:   w.universe.NextTypeID(),
		nextMethodIDTag: w.universe.NextMethodID(),
		typesTag:        w.encodeTypes(),
		methodsTag:      w.encodeMethods(),
		fieldsTag:       w.encodeFields(),
	}
	constants, err := w.encodeConstants()
	if err != nil {
		return err
	}
	snapshot[constantsTag] = constants

	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode layer snapshot: %w", err)
	}
	if _, err := out.Write(encoded); err != nil {
		return fmt.Errorf("write layer snapshot: %w", err)
	}
	return nil
}

func (w *Writer) encodeTypes() map[string]any {
	types := make(map[string]any)
	w.universe.ForEachType(func(t *universe.Type) bool {
		entry := map[string]any{
			idTag:             t.ID(),
			classJavaNameTag:  t.Name(),
			classNameTag:      t.ClassName(),
			modifiersTag:      t.Modifiers(),
			isInterfaceTag:    t.IsInterface(),
			sourceFileNameTag: t.SourceFile(),
		}
		fields := t.Fields()
		names := make([]any, len(fields))
		for i, f := range fields {
			names[i] = f.Name()
		}
		entry[typeFieldsTag] = names
		if enclosing := t.Enclosing(); enclosing != nil {
			entry[enclosingTypeTag] = enclosing.ID()
		}
		if component := t.Component(); component != nil {
			entry[componentTypeTag] = component.ID()
		}
		if superClass := t.SuperClass(); superClass != nil {
			entry[superClassTag] = superClass.ID()
		}
		interfaces := make([]any, 0, len(t.Interfaces()))
		for _, itf := range t.Interfaces() {
			interfaces = append(interfaces, itf.ID())
		}
		entry[interfacesTag] = interfaces
		types[t.Name()] = entry
		return true
	})
	return types
}

func (w *Writer) encodeMethods() map[string]any {
	methods := make(map[string]any)
	w.universe.ForEachMethod(func(m *universe.Method) bool {
		methods[m.QualifiedName()] = map[string]any{idTag: m.ID()}
		return true
	})
	return methods
}

func (w *Writer) encodeFields() []any {
	var fields []any
	w.universe.ForEachType(func(t *universe.Type) bool {
		for _, f := range t.Fields() {
			fields = append(fields, map[string]any{
				fieldClassTag: t.ID(),
				fieldNameTag:  f.Name(),
			})
		}
		return true
	})
	return fields
}

func (w *Writer) encodeConstants() (map[string]any, error) {
	w.mu.Lock()
	ids := make([]int, 0, len(w.constants))
	for id := range w.constants {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Ints(ids)

	constants := make(map[string]any, len(ids))
	for _, id := range ids {
		w.mu.Lock()
		c := w.constants[id]
		w.mu.Unlock()
		entry, err := encodeConstant(c)
		if err != nil {
			return nil, err
		}
		constants[strconv.Itoa(id)] = entry
	}
	return constants, nil
}

func encodeConstant(c Constant) (map[string]any, error) {
	entry := map[string]any{
		tidTag:          c.Type().ID(),
		identityHashTag: c.IdentityHashCode(),
	}
	switch cst := c.(type) {
	case *Instance:
		entry[constantTypeTag] = instanceTag
		data := make([]any, cst.FieldCount())
		for i := 0; i < cst.FieldCount(); i++ {
			encoded, err := encodeValue(cst.FieldValue(i))
			if err != nil {
				return nil, fmt.Errorf("constant %d field %d: %w", c.ID(), i, err)
			}
			data[i] = encoded
		}
		entry[dataTag] = data
	case *ObjectArray:
		entry[constantTypeTag] = arrayTag
		data := make([]any, cst.Len())
		for i := 0; i < cst.Len(); i++ {
			encoded, err := encodeValue(cst.ElementValue(i))
			if err != nil {
				return nil, fmt.Errorf("constant %d element %d: %w", c.ID(), i, err)
			}
			data[i] = encoded
		}
		entry[dataTag] = data
	case *PrimitiveArray:
		entry[constantTypeTag] = primitiveArrayTag
		entry[dataTag] = encodePrimitiveArray(cst)
	default:
		return nil, fmt.Errorf("constant %d has unsupported variant %T", c.ID(), c)
	}
	return entry, nil
}

func encodeValue(v Value) ([]any, error) {
	switch val := v.(type) {
	case Primitive:
		return []any{val.Kind().String(), encodePrimitive(val)}, nil
	case Constant:
		return []any{objectTag, val.ID()}, nil
	case nullValue:
		return []any{objectTag, NullPointerConstant}, nil
	case MethodPointer:
		return []any{methodTag, val.Method.ID()}, nil
	case Deferred:
		// An unpatched placeholder is persisted as not materialized; the
		// sentinel round-trips exactly.
		return []any{objectTag, NotMaterializedConstant}, nil
	default:
		return nil, fmt.Errorf("unsupported value variant %T", v)
	}
}
