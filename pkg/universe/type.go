package universe

import (
	"sync"
	"sync/atomic"
)

// TypeInfo carries the structural metadata needed to register a type.
// All referenced types must already exist in the universe.
type TypeInfo struct {
	// Name is the fully qualified, host-resolvable name of the type.
	Name string

	// ClassName is the internal (class-file style) name. It may differ from
	// Name for synthetic types.
	ClassName string

	Modifiers   int
	IsInterface bool
	SourceFile  string

	Enclosing  *Type   // nil if top level
	Component  *Type   // non-nil exactly for array types
	SuperClass *Type   // nil for interfaces and the root type
	Interfaces []*Type // directly implemented interfaces
}

// Type is a class, interface or array type in the closed-world universe.
// Types are created once, on first reachability, and are never destroyed
// within a build; their ids may be renumbered across layers (see
// Universe.SetStartTypeID).
type Type struct {
	id   int
	info TypeInfo

	// baseLayer marks an incomplete placeholder standing in for a type that
	// exists in a previously built layer but cannot be resolved by name in
	// the current host program (e.g. a synthetic closure type).
	baseLayer bool

	// leaf holds the leaf-type assumption: true until a subtype becomes
	// reachable. Consumers may devirtualize based on it; it is invalidated,
	// never re-established.
	leaf atomic.Bool

	// ciObject is the canonical context-insensitive analysis object: the
	// abstraction of any runtime instance of this type.
	ciObject *Object

	mu       sync.Mutex
	methods  map[string]*Method
	fields   []*Field
	subtypes []*Type
	siteObjs map[string]*Object
}

func newType(id int, info TypeInfo, baseLayer bool) *Type {
	t := &Type{
		id:        id,
		info:      info,
		baseLayer: baseLayer,
		methods:   make(map[string]*Method),
		siteObjs:  make(map[string]*Object),
	}
	t.leaf.Store(true)
	t.ciObject = &Object{typ: t}
	return t
}

func (t *Type) ID() int            { return t.id }
func (t *Type) Name() string       { return t.info.Name }
func (t *Type) ClassName() string  { return t.info.ClassName }
func (t *Type) Modifiers() int     { return t.info.Modifiers }
func (t *Type) IsInterface() bool  { return t.info.IsInterface }
func (t *Type) SourceFile() string { return t.info.SourceFile }
func (t *Type) Enclosing() *Type   { return t.info.Enclosing }
func (t *Type) Component() *Type   { return t.info.Component }
func (t *Type) SuperClass() *Type  { return t.info.SuperClass }
func (t *Type) Interfaces() []*Type {
	return t.info.Interfaces
}

// IsArray reports whether t is an array type.
func (t *Type) IsArray() bool { return t.info.Component != nil }

// IsBaseLayerPlaceholder reports whether t is an incomplete base-layer stand-in.
func (t *Type) IsBaseLayerPlaceholder() bool { return t.baseLayer }

// IsLeaf reports the current leaf-type assumption: no reachable subtypes.
func (t *Type) IsLeaf() bool { return t.leaf.Load() }

// ContextInsensitiveObject returns the canonical per-type analysis object.
func (t *Type) ContextInsensitiveObject() *Object { return t.ciObject }

// SiteObject returns the context-sensitive analysis object for the given
// allocation site, creating it on first use. Site objects are owned by their
// type, one per distinct site label.
func (t *Type) SiteObject(site string) *Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.siteObjs[site]; ok {
		return o
	}
	o := &Object{typ: t, site: site}
	t.siteObjs[site] = o
	return o
}

func (t *Type) addSubtype(sub *Type) {
	t.mu.Lock()
	t.subtypes = append(t.subtypes, sub)
	t.mu.Unlock()
	t.leaf.Store(false)
}

// Subtypes returns the directly registered subtypes of t.
func (t *Type) Subtypes() []*Type {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Type, len(t.subtypes))
	copy(out, t.subtypes)
	return out
}

// IsAssignableFrom reports whether a value of exact type other may be
// assigned to a location declared as t: other is t itself, a transitive
// subclass of t, or an implementor of t when t is an interface.
func (t *Type) IsAssignableFrom(other *Type) bool {
	if other == nil {
		return false
	}
	for cur := other; cur != nil; cur = cur.info.SuperClass {
		if cur == t {
			return true
		}
		for _, itf := range cur.info.Interfaces {
			if itf == t || t.IsAssignableFrom(itf) {
				return true
			}
		}
	}
	return false
}

// DeclareMethod records a method declared directly on t. Redeclaring the
// same name returns the existing method.
func (t *Type) DeclareMethod(m *Method) *Method {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.methods[m.name]; ok {
		return existing
	}
	t.methods[m.name] = m
	return m
}

// DeclaredMethod looks up a method declared directly on t.
func (t *Type) DeclaredMethod(name string) (*Method, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.methods[name]
	return m, ok
}

// ResolveConcreteMethod resolves the implementation of the named method for
// a receiver of exact type t, walking the superclass chain. It returns nil
// when no implementation exists, which callers treat as an unreachable
// dispatch for this receiver type.
func (t *Type) ResolveConcreteMethod(name string) *Method {
	for cur := t; cur != nil; cur = cur.info.SuperClass {
		if m, ok := cur.DeclaredMethod(name); ok {
			return m
		}
	}
	return nil
}

// DeclareField appends a field to t's layout. Field order is significant: it
// fixes the position of field values in heap snapshot constants.
func (t *Type) DeclareField(name string, kind Kind) *Field {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.fields {
		if f.name == name {
			return f
		}
	}
	f := &Field{declaring: t, name: name, kind: kind, position: len(t.fields)}
	t.fields = append(t.fields, f)
	return f
}

// Fields returns t's fields in layout order.
func (t *Type) Fields() []*Field {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Field, len(t.fields))
	copy(out, t.fields)
	return out
}

// FieldByName looks up a declared field, walking the superclass chain.
func (t *Type) FieldByName(name string) (*Field, bool) {
	for cur := t; cur != nil; cur = cur.info.SuperClass {
		cur.mu.Lock()
		for _, f := range cur.fields {
			if f.name == name {
				cur.mu.Unlock()
				return f, true
			}
		}
		cur.mu.Unlock()
	}
	return nil, false
}

func (t *Type) String() string { return t.info.Name }
