package heap

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/typeflow/internal/future"
	"github.com/715d/typeflow/pkg/universe"
)

// TypeResolver resolves a fully qualified type name from a persisted layer
// against the current host program. Implementations must register the
// resolved type in the universe under the given base-layer id. A nil result
// means the name is not resolvable (e.g. synthetic closure types); the
// loader then falls back to an incomplete base-layer placeholder.
type TypeResolver interface {
	ResolveType(name string, tid int) *universe.Type
}

// Loader reads a layer snapshot persisted by a previous build and
// reconstructs its type universe and heap constants. Loading is two-phase:
// LoadSnapshot reads only index metadata, LoadConstants materializes the
// constants. Materialization may be re-entered concurrently from multiple
// analysis threads; the processed-type-id set is the sole admission gate
// preventing duplicate work.
type Loader struct {
	universe *universe.Universe
	resolver TypeResolver

	processedTypeIDs     *xsync.Map[int, struct{}]
	methods              *xsync.Map[int, *universe.Method]
	constants            *xsync.Map[int, Constant]
	missingConstantTasks *xsync.Map[int, *taskSet]
	missingMethodTasks   *xsync.Map[int, *taskSet]

	// Phase-1 index, written single-threaded by LoadSnapshot and read-only
	// afterwards.
	snapshot        map[string]any
	typeIdentifiers map[int]string
	typeIDs         map[string]int
	typeConstants   map[int][]int
	methodIDs       map[string]int

	heapMu      sync.Mutex
	byTypeConst map[*universe.Type][]Constant
}

// taskSet collects the deferred patch tasks waiting on one missing id.
type taskSet struct {
	mu    sync.Mutex
	tasks []*future.Future[Value]
}

func (s *taskSet) add(t *future.Future[Value]) {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
}

func (s *taskSet) drain() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, t := range tasks {
		_, _ = t.EnsureDone()
	}
}

// NewLoader returns a loader that reconstructs entities into u, resolving
// host types through resolver.
func NewLoader(u *universe.Universe, resolver TypeResolver) *Loader {
	return &Loader{
		universe:             u,
		resolver:             resolver,
		processedTypeIDs:     xsync.NewMap[int, struct{}](),
		methods:              xsync.NewMap[int, *universe.Method](),
		constants:            xsync.NewMap[int, Constant](),
		missingConstantTasks: xsync.NewMap[int, *taskSet](),
		missingMethodTasks:   xsync.NewMap[int, *taskSet](),
		typeIdentifiers:      make(map[int]string),
		typeIDs:              make(map[string]int),
		typeConstants:        make(map[int][]int),
		methodIDs:            make(map[string]int),
		byTypeConst:          make(map[*universe.Type][]Constant),
	}
}

// LoadSnapshot reads the snapshot's index metadata: id counters, the type id
// to identifier mapping, the method identifier table and the constant
// ownership index. No constant is materialized here.
func (l *Loader) LoadSnapshot(r io.Reader) error {
	if err := json.NewDecoder(r).Decode(&l.snapshot); err != nil {
		return fmt.Errorf("decode layer snapshot: %w", err)
	}

	// New ids of the current layer must not collide with persisted ones, so
	// the counters start past the base layer's id space.
	nextTypeID, err := indexInt(l.snapshot, nextTypeIDTag)
	if err != nil {
		return err
	}
	l.universe.SetStartTypeID(nextTypeID)

	nextMethodID, err := indexInt(l.snapshot, nextMethodIDTag)
	if err != nil {
		return err
	}
	l.universe.SetStartMethodID(nextMethodID)

	types, err := indexMap(l.snapshot, typesTag)
	if err != nil {
		return err
	}
	for identifier, raw := range types {
		typeData, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("type entry %q is not a map", identifier)
		}
		tid, err := indexInt(typeData, idTag)
		if err != nil {
			return fmt.Errorf("type entry %q: %w", identifier, err)
		}
		l.typeIdentifiers[tid] = identifier
		l.typeIDs[identifier] = tid
	}

	methods, err := indexMap(l.snapshot, methodsTag)
	if err != nil {
		return err
	}
	for identifier, raw := range methods {
		methodData, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("method entry %q is not a map", identifier)
		}
		mid, err := indexInt(methodData, idTag)
		if err != nil {
			return fmt.Errorf("method entry %q: %w", identifier, err)
		}
		l.methodIDs[identifier] = mid
	}

	// The dependency link between types and their constants is indexed here
	// so materialization can walk it without re-scanning the snapshot.
	constants, err := indexMap(l.snapshot, constantsTag)
	if err != nil {
		return err
	}
	for stringID, raw := range constants {
		id, err := strconv.Atoi(stringID)
		if err != nil {
			return fmt.Errorf("constant id %q is not numeric: %w", stringID, err)
		}
		constantData, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("constant entry %d is not a map", id)
		}
		tid, err := indexInt(constantData, tidTag)
		if err != nil {
			return fmt.Errorf("constant entry %d: %w", id, err)
		}
		l.typeConstants[tid] = append(l.typeConstants[tid], id)
	}
	return nil
}

// LoadConstants materializes every constant of every persisted type that has
// not been processed yet. Types already pulled in early by EnsureType are
// skipped by the admission gate.
func (l *Loader) LoadConstants() error {
	for tid := range l.typeIdentifiers {
		if _, done := l.processedTypeIDs.Load(tid); done {
			continue
		}
		if err := l.loadTypeConstants(tid); err != nil {
			return err
		}
	}
	return nil
}

// EnsureType loads the persisted type with the given base-layer id, along
// with its constants, if it has not been processed yet. It is safe to call
// concurrently from multiple analysis threads.
func (l *Loader) EnsureType(tid int) (*universe.Type, error) {
	if !l.universe.IsTypeCreated(tid) {
		if err := l.loadTypeConstants(tid); err != nil {
			return nil, err
		}
	}
	t, ok := l.universe.TypeByID(tid)
	if !ok {
		return nil, fmt.Errorf("corrupt snapshot: type %d was not created by its own load", tid)
	}
	return t, nil
}

func (l *Loader) loadTypeConstants(tid int) error {
	typeData, err := l.typeData(tid)
	if err != nil {
		return err
	}
	name, err := indexString(typeData, classJavaNameTag)
	if err != nil {
		return fmt.Errorf("type %d: %w", tid, err)
	}

	// Two-tier resolution: names resolvable in the current host program load
	// as real types; the rest become incomplete base-layer placeholders so
	// dependent constants can still be constructed.
	t := l.resolver.ResolveType(name, tid)
	if t == nil {
		t, err = l.restoreBaseLayerType(typeData, tid)
		if err != nil {
			return err
		}
	}
	return l.processTypeConstants(t, tid)
}

func (l *Loader) restoreBaseLayerType(typeData map[string]any, tid int) (*universe.Type, error) {
	name, _ := indexString(typeData, classJavaNameTag)
	className, _ := indexString(typeData, classNameTag)
	modifiers, _ := indexInt(typeData, modifiersTag)
	isInterface, _ := typeData[isInterfaceTag].(bool)
	sourceFile, _ := indexString(typeData, sourceFileNameTag)

	enclosing, err := l.typeRef(typeData[enclosingTypeTag])
	if err != nil {
		return nil, fmt.Errorf("type %d enclosing type: %w", tid, err)
	}
	component, err := l.typeRef(typeData[componentTypeTag])
	if err != nil {
		return nil, fmt.Errorf("type %d component type: %w", tid, err)
	}
	superClass, err := l.typeRef(typeData[superClassTag])
	if err != nil {
		return nil, fmt.Errorf("type %d super class: %w", tid, err)
	}

	var interfaces []*universe.Type
	if rawList, ok := typeData[interfacesTag].([]any); ok {
		for _, raw := range rawList {
			itf, err := l.typeRef(raw)
			if err != nil {
				return nil, fmt.Errorf("type %d interfaces: %w", tid, err)
			}
			interfaces = append(interfaces, itf)
		}
	}

	t := l.universe.RestoreType(tid, universe.TypeInfo{
		Name:        name,
		ClassName:   className,
		Modifiers:   modifiers,
		IsInterface: isInterface,
		SourceFile:  sourceFile,
		Enclosing:   enclosing,
		Component:   component,
		SuperClass:  superClass,
		Interfaces:  interfaces,
	}, true)

	// Restore the persisted field layout so constant slots stay addressable.
	if names, ok := typeData[typeFieldsTag].([]any); ok {
		for _, raw := range names {
			if fieldName, ok := raw.(string); ok {
				t.DeclareField(fieldName, universe.KindObject)
			}
		}
	}
	return t, nil
}

// typeRef resolves a type id reference from a type entry, loading the
// referenced type first when needed. A nil raw value means "no reference".
func (l *Loader) typeRef(raw any) (*universe.Type, error) {
	if raw == nil {
		return nil, nil
	}
	tid, err := jsonInt(raw)
	if err != nil {
		return nil, err
	}
	return l.EnsureType(tid)
}

func (l *Loader) processTypeConstants(t *universe.Type, tid int) error {
	// The constants of a type are created at most once, even though the
	// type-creation path may re-enter constant loading from several call
	// sites concurrently.
	if _, loaded := l.processedTypeIDs.LoadOrStore(tid, struct{}{}); loaded {
		return nil
	}
	for _, cid := range l.typeConstants[tid] {
		if err := l.createConstant(cid, t); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) createConstant(id int, t *universe.Type) error {
	constants, err := indexMap(l.snapshot, constantsTag)
	if err != nil {
		return err
	}
	raw, ok := constants[strconv.Itoa(id)]
	if !ok {
		return fmt.Errorf("corrupt snapshot: constant %d was not persisted in the base image", id)
	}
	entry, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("constant entry %d is not a map", id)
	}
	identityHash, _ := indexInt(entry, identityHashTag)
	constantType, err := indexString(entry, constantTypeTag)
	if err != nil {
		return fmt.Errorf("constant %d: %w", id, err)
	}

	switch constantType {
	case instanceTag:
		data, err := dataEntries(entry, id)
		if err != nil {
			return err
		}
		values, err := l.referencedValues(data)
		if err != nil {
			return fmt.Errorf("constant %d: %w", id, err)
		}
		instance := NewInstance(t, id, identityHash)
		instance.markInBaseLayer()
		instance.SetFieldValues(values)
		l.publish(t, id, instance)
	case arrayTag:
		data, err := dataEntries(entry, id)
		if err != nil {
			return err
		}
		values, err := l.referencedValues(data)
		if err != nil {
			return fmt.Errorf("constant %d: %w", id, err)
		}
		array := NewObjectArray(t, id, identityHash, len(values))
		array.markInBaseLayer()
		array.SetElementValues(values)
		l.publish(t, id, array)
	case primitiveArrayTag:
		list, ok := entry[dataTag].([]any)
		if !ok {
			return fmt.Errorf("constant %d: primitive array data is not a list", id)
		}
		kind, err := componentKind(t)
		if err != nil {
			return fmt.Errorf("constant %d: %w", id, err)
		}
		data, err := decodePrimitiveArray(kind, list)
		if err != nil {
			return fmt.Errorf("constant %d: %w", id, err)
		}
		array := NewPrimitiveArray(t, id, identityHash, kind, data)
		array.markInBaseLayer()
		l.publish(t, id, array)
	default:
		return fmt.Errorf("corrupt snapshot: unknown constant type %q for constant %d", constantType, id)
	}

	// Complete every deferred task waiting on this id, patching the
	// placeholder slots of already-created dependents in place.
	if set, ok := l.missingConstantTasks.LoadAndDelete(id); ok {
		set.drain()
	}
	return nil
}

// referencedValues decodes the data entries of an instance or object array.
// References to constants that exist already are linked directly; forward
// references receive a placeholder and a patch task that fires when the
// dependency is created.
func (l *Loader) referencedValues(data [][]any) ([]Value, error) {
	values := make([]Value, len(data))
	for position, pair := range data {
		if len(pair) != 2 {
			return nil, fmt.Errorf("data entry %d does not have two elements", position)
		}
		tag, ok := pair[0].(string)
		if !ok {
			return nil, fmt.Errorf("data entry %d kind tag is not a string", position)
		}
		switch tag {
		case objectTag:
			if err := l.referenceValue(values, position, pair[1]); err != nil {
				return nil, err
			}
		case methodTag:
			if err := l.methodValue(values, position, pair[1]); err != nil {
				return nil, err
			}
		default:
			kind, ok := universe.KindFromTag(tag)
			if !ok || !kind.IsPrimitive() {
				return nil, fmt.Errorf("data entry %d has unknown kind tag %q", position, tag)
			}
			p, err := decodePrimitive(kind, pair[1])
			if err != nil {
				return nil, fmt.Errorf("data entry %d: %w", position, err)
			}
			values[position] = p
		}
	}
	return values, nil
}

func (l *Loader) referenceValue(values []Value, position int, raw any) error {
	cid, err := jsonInt(raw)
	if err != nil {
		return fmt.Errorf("data entry %d: %w", position, err)
	}
	switch {
	case cid >= 0:
		if c, ok := l.constants.Load(cid); ok {
			values[position] = c
			return nil
		}
		// Not created yet: leave a placeholder that must never be forced,
		// and queue a task that patches the slot once the dependency exists.
		values[position] = Deferred{F: future.Unreachable[Value](
			fmt.Sprintf("constant %d must be loaded before it is accessed", cid))}
		task := future.New[Value](func() (Value, error) {
			created, ok := l.constants.Load(cid)
			if !ok {
				panic(fmt.Sprintf("should not reach here: constant %d completed without being published", cid))
			}
			values[position] = created
			return created, nil
		})
		l.addTask(l.missingConstantTasks, cid, task)
		// The constant may have been published in the meantime; draining
		// here also runs tasks registered after the owner's own drain.
		if _, ok := l.constants.Load(cid); ok {
			if set, ok := l.missingConstantTasks.LoadAndDelete(cid); ok {
				set.drain()
			}
		}
		return nil
	case cid == NullPointerConstant:
		values[position] = Null
		return nil
	case cid == NotMaterializedConstant:
		// A field or element value that was never materialized in the base
		// image. Reading it is a fatal analysis error.
		values[position] = Deferred{F: future.Unreachable[Value](
			"this constant was not materialized in the base image")}
		return nil
	default:
		return fmt.Errorf("data entry %d has invalid constant id %d", position, cid)
	}
}

func (l *Loader) methodValue(values []Value, position int, raw any) error {
	mid, err := jsonInt(raw)
	if err != nil {
		return fmt.Errorf("data entry %d: %w", position, err)
	}
	if m, ok := l.methods.Load(mid); ok {
		values[position] = MethodPointer{Method: m}
		return nil
	}
	values[position] = Deferred{F: future.Unreachable[Value](
		fmt.Sprintf("method %d must be patched before its pointer is accessed", mid))}
	task := future.New[Value](func() (Value, error) {
		m, ok := l.methods.Load(mid)
		if !ok {
			panic(fmt.Sprintf("should not reach here: method %d patched without being registered", mid))
		}
		v := MethodPointer{Method: m}
		values[position] = v
		return v, nil
	})
	l.addTask(l.missingMethodTasks, mid, task)
	if _, ok := l.methods.Load(mid); ok {
		if set, ok := l.missingMethodTasks.LoadAndDelete(mid); ok {
			set.drain()
		}
	}
	return nil
}

func (l *Loader) addTask(registry *xsync.Map[int, *taskSet], id int, task *future.Future[Value]) {
	set, _ := registry.LoadOrStore(id, &taskSet{})
	set.add(task)
}

// PatchBaseLayerMethod registers the now-complete method under its base
// layer id and completes every constant task waiting on it, replacing the
// placeholder method pointers.
func (l *Loader) PatchBaseLayerMethod(m *universe.Method) {
	l.methods.LoadOrStore(m.ID(), m)
	if set, ok := l.missingMethodTasks.LoadAndDelete(m.ID()); ok {
		set.drain()
	}
}

func (l *Loader) publish(t *universe.Type, id int, c Constant) {
	// The constant is fully constructed at this point: publish-once, readers
	// never observe a partially populated instance or array.
	l.constants.Store(id, c)
	l.heapMu.Lock()
	l.byTypeConst[t] = append(l.byTypeConst[t], c)
	l.heapMu.Unlock()
}

// Constant returns the materialized constant with the given id.
func (l *Loader) Constant(id int) (Constant, bool) {
	return l.constants.Load(id)
}

// ConstantCount returns the number of materialized constants.
func (l *Loader) ConstantCount() int { return l.constants.Size() }

// ForEachConstant calls fn for every materialized constant until fn returns
// false.
func (l *Loader) ForEachConstant(fn func(Constant) bool) {
	l.constants.Range(func(_ int, c Constant) bool { return fn(c) })
}

// BaseLayerConstants returns the materialized constants belonging to t.
func (l *Loader) BaseLayerConstants(t *universe.Type) []Constant {
	l.heapMu.Lock()
	defer l.heapMu.Unlock()
	out := make([]Constant, len(l.byTypeConst[t]))
	copy(out, l.byTypeConst[t])
	return out
}

// BaseLayerTypeID returns the persisted id of the type registered under the
// given identifier, or -1 if the type was not reachable in the base image.
func (l *Loader) BaseLayerTypeID(identifier string) int {
	if tid, ok := l.typeIDs[identifier]; ok {
		return tid
	}
	return -1
}

// BaseLayerMethodID returns the persisted id of the method registered under
// the given identifier, or -1 if the method was not reachable in the base
// image.
func (l *Loader) BaseLayerMethodID(identifier string) int {
	if mid, ok := l.methodIDs[identifier]; ok {
		return mid
	}
	return -1
}

func (l *Loader) typeData(tid int) (map[string]any, error) {
	identifier, ok := l.typeIdentifiers[tid]
	if !ok {
		return nil, fmt.Errorf("corrupt snapshot: no type entry for id %d", tid)
	}
	types, err := indexMap(l.snapshot, typesTag)
	if err != nil {
		return nil, err
	}
	typeData, ok := types[identifier].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("corrupt snapshot: type entry %q is not a map", identifier)
	}
	return typeData, nil
}

func dataEntries(entry map[string]any, id int) ([][]any, error) {
	rawList, ok := entry[dataTag].([]any)
	if !ok {
		return nil, fmt.Errorf("constant %d: data is not a list", id)
	}
	data := make([][]any, len(rawList))
	for i, raw := range rawList {
		pair, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("constant %d: data entry %d is not a list", id, i)
		}
		data[i] = pair
	}
	return data, nil
}

// componentKind maps a primitive array type's component to its Kind. Both
// snapshot (Java-style) and host (Go-style) component names are accepted.
func componentKind(t *universe.Type) (universe.Kind, error) {
	component := t.Component()
	if component == nil {
		return 0, fmt.Errorf("type %s is not an array type", t.Name())
	}
	switch component.Name() {
	case "boolean", "bool":
		return universe.KindBoolean, nil
	case "byte", "int8":
		return universe.KindByte, nil
	case "short", "int16":
		return universe.KindShort, nil
	case "char", "uint16":
		return universe.KindChar, nil
	case "int", "int32":
		return universe.KindInt, nil
	case "long", "int64":
		return universe.KindLong, nil
	case "float", "float32":
		return universe.KindFloat, nil
	case "double", "float64":
		return universe.KindDouble, nil
	}
	return 0, fmt.Errorf("component type %s is not primitive", component.Name())
}

func indexMap(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("corrupt snapshot: %q is missing or not a map", key)
	}
	return v, nil
}

func indexInt(m map[string]any, key string) (int, error) {
	raw, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("corrupt snapshot: %q is missing", key)
	}
	n, err := jsonInt(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt snapshot: %q: %w", key, err)
	}
	return n, nil
}

func indexString(m map[string]any, key string) (string, error) {
	s, ok := m[key].(string)
	if !ok {
		return "", fmt.Errorf("corrupt snapshot: %q is missing or not a string", key)
	}
	return s, nil
}
