// Package universe maintains the closed-world registry of types, methods,
// fields and analysis objects shared by every stage of the type-flow
// analysis. Registration is concurrent: multiple analysis threads discover
// entities at the same time, with at-most-once publication per name.
package universe

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Universe is the closed-world entity registry. Ids are assigned from atomic
// counters; a loaded base layer moves the counters past its own id space so
// the current layer's ids never collide with persisted ones.
type Universe struct {
	typesByName   *xsync.Map[string, *Type]
	typesByID     *xsync.Map[int, *Type]
	methodsByName *xsync.Map[string, *Method]
	methodsByID   *xsync.Map[int, *Method]

	nextTypeID   atomic.Int64
	nextMethodID atomic.Int64
}

// New returns an empty universe with ids starting at zero.
func New() *Universe {
	return &Universe{
		typesByName:   xsync.NewMap[string, *Type](),
		typesByID:     xsync.NewMap[int, *Type](),
		methodsByName: xsync.NewMap[string, *Method](),
		methodsByID:   xsync.NewMap[int, *Method](),
	}
}

// SetStartTypeID moves the type id counter to at least id. Used when loading
// a base layer: ids of the current layer must not collide with persisted ones.
func (u *Universe) SetStartTypeID(id int) {
	for {
		cur := u.nextTypeID.Load()
		if cur >= int64(id) || u.nextTypeID.CompareAndSwap(cur, int64(id)) {
			return
		}
	}
}

// SetStartMethodID moves the method id counter to at least id.
func (u *Universe) SetStartMethodID(id int) {
	for {
		cur := u.nextMethodID.Load()
		if cur >= int64(id) || u.nextMethodID.CompareAndSwap(cur, int64(id)) {
			return
		}
	}
}

// NextTypeID returns the id the next created type will receive.
func (u *Universe) NextTypeID() int { return int(u.nextTypeID.Load()) }

// NextMethodID returns the id the next created method will receive.
func (u *Universe) NextMethodID() int { return int(u.nextMethodID.Load()) }

// GetOrCreateType registers the type described by info, or returns the
// already registered type of the same name. Exactly one registration wins a
// concurrent race; only the winner is linked into the subtype hierarchy.
func (u *Universe) GetOrCreateType(info TypeInfo) *Type {
	if existing, ok := u.typesByName.Load(info.Name); ok {
		return existing
	}
	t := newType(int(u.nextTypeID.Add(1))-1, info, false)
	actual, loaded := u.typesByName.LoadOrStore(info.Name, t)
	if loaded {
		return actual
	}
	u.publishType(t)
	return t
}

// RestoreType registers a type under an id assigned by a previous layer.
// When baseLayer is true the type is an incomplete placeholder that could
// not be resolved by name in the current host program.
func (u *Universe) RestoreType(id int, info TypeInfo, baseLayer bool) *Type {
	t := newType(id, info, baseLayer)
	actual, loaded := u.typesByName.LoadOrStore(info.Name, t)
	if loaded {
		return actual
	}
	u.publishType(t)
	return t
}

func (u *Universe) publishType(t *Type) {
	u.typesByID.Store(t.id, t)
	if sup := t.info.SuperClass; sup != nil {
		sup.addSubtype(t)
	}
	for _, itf := range t.info.Interfaces {
		itf.addSubtype(t)
	}
}

// LookupType returns the type registered under the given qualified name.
func (u *Universe) LookupType(name string) (*Type, bool) {
	return u.typesByName.Load(name)
}

// TypeByID returns the type with the given id, if created.
func (u *Universe) TypeByID(id int) (*Type, bool) {
	return u.typesByID.Load(id)
}

// IsTypeCreated reports whether a type with the given id exists.
func (u *Universe) IsTypeCreated(id int) bool {
	_, ok := u.typesByID.Load(id)
	return ok
}

// TypeCount returns the number of registered types.
func (u *Universe) TypeCount() int { return u.typesByID.Size() }

// ForEachType calls fn for every registered type until fn returns false.
func (u *Universe) ForEachType(fn func(*Type) bool) {
	u.typesByID.Range(func(_ int, t *Type) bool { return fn(t) })
}

// GetOrCreateMethod registers a method declared on the given type, or
// returns the existing one of the same qualified name.
func (u *Universe) GetOrCreateMethod(declaring *Type, name string, static bool) *Method {
	key := declaring.Name() + "." + name
	if existing, ok := u.methodsByName.Load(key); ok {
		return existing
	}
	m := &Method{
		id:        int(u.nextMethodID.Add(1)) - 1,
		declaring: declaring,
		name:      name,
		static:    static,
	}
	actual, loaded := u.methodsByName.LoadOrStore(key, m)
	if loaded {
		return actual
	}
	u.methodsByID.Store(m.id, m)
	declaring.DeclareMethod(m)
	return m
}

// RestoreMethod registers a method under an id assigned by a previous layer,
// optionally as an incomplete base-layer placeholder.
func (u *Universe) RestoreMethod(id int, declaring *Type, name string, baseLayer bool) *Method {
	key := declaring.Name() + "." + name
	m := &Method{id: id, declaring: declaring, name: name, baseLayer: baseLayer}
	actual, loaded := u.methodsByName.LoadOrStore(key, m)
	if loaded {
		return actual
	}
	u.methodsByID.Store(m.id, m)
	declaring.DeclareMethod(m)
	return m
}

// LookupMethod returns the method registered under declaringName.methodName.
func (u *Universe) LookupMethod(qualifiedName string) (*Method, bool) {
	return u.methodsByName.Load(qualifiedName)
}

// MethodByID returns the method with the given id, if created.
func (u *Universe) MethodByID(id int) (*Method, bool) {
	return u.methodsByID.Load(id)
}

// MethodCount returns the number of registered methods.
func (u *Universe) MethodCount() int { return u.methodsByID.Size() }

// ForEachMethod calls fn for every registered method until fn returns false.
func (u *Universe) ForEachMethod(fn func(*Method) bool) {
	u.methodsByID.Range(func(_ int, m *Method) bool { return fn(m) })
}
