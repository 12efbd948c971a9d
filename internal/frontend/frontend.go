package frontend

import (
	"fmt"
	"go/types"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/715d/typeflow/pkg/pointsto"
	"github.com/715d/typeflow/pkg/universe"
)

// Frontend maps the loaded Go program onto the analysis universe and builds
// per-method flow graphs on demand. It also implements heap.TypeResolver:
// universe identifiers are canonical type names, so a base-layer type
// resolvable by name in the current program loads as the real host type.
type Frontend struct {
	universe *universe.Universe
	log      *slog.Logger
	names    *NameCache

	prog    *ssa.Program
	ssaPkgs []*ssa.Package
	pkgs    []*packages.Package

	// hostTypes indexes every named type of the closed world by canonical
	// name. Read-only after New.
	hostTypes  map[string]types.Type
	interfaces []types.Type

	methodFuncs *xsync.Map[*universe.Method, *ssa.Function]
	funcMethods *xsync.Map[*ssa.Function, *universe.Method]

	// globalFlows holds one merge flow per package-level variable, shared
	// by every method graph that reads or writes it.
	globalFlows *xsync.Map[*ssa.Global, *pointsto.MergeFlow]
}

// New builds the SSA program for pkgs and indexes the closed-world types.
// The universe itself is populated lazily, on first reachability of each
// type.
func New(pkgs []*packages.Package, u *universe.Universe, log *slog.Logger) (*Frontend, error) {
	if log == nil {
		log = slog.Default()
	}
	f := &Frontend{
		universe:    u,
		log:         log,
		names:       NewNameCache(),
		pkgs:        pkgs,
		hostTypes:   make(map[string]types.Type),
		methodFuncs: xsync.NewMap[*universe.Method, *ssa.Function](),
		funcMethods: xsync.NewMap[*ssa.Function, *universe.Method](),
		globalFlows: xsync.NewMap[*ssa.Global, *pointsto.MergeFlow](),
	}

	mode := ssa.InstantiateGenerics | ssa.BareInits
	f.prog, f.ssaPkgs = ssautil.AllPackages(pkgs, mode)
	if f.prog == nil {
		return nil, fmt.Errorf("SSA program construction failed")
	}
	f.prog.Build()

	// The whole dependency graph is part of the closed world: index every
	// named type so by-name resolution (dispatch targets, base-layer
	// loading) sees all of it.
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		if p.Types == nil {
			return
		}
		scope := p.Types.Scope()
		for _, name := range scope.Names() {
			tn, ok := scope.Lookup(name).(*types.TypeName)
			if !ok || tn.IsAlias() {
				continue
			}
			t := tn.Type()
			canonical := f.names.TypeName(t)
			if _, seen := f.hostTypes[canonical]; seen {
				continue
			}
			f.hostTypes[canonical] = t
			if types.IsInterface(t) {
				f.interfaces = append(f.interfaces, t)
			}
		}
	})
	f.log.Debug("indexed closed world", "types", len(f.hostTypes), "interfaces", len(f.interfaces))
	return f, nil
}

// Universe returns the universe populated by this frontend.
func (f *Frontend) Universe() *universe.Universe { return f.universe }

// EntryPoints returns the analysis roots: main and init of every main
// package.
func (f *Frontend) EntryPoints() []*universe.Method {
	var roots []*universe.Method
	for _, pkg := range f.ssaPkgs {
		if pkg == nil || pkg.Pkg.Name() != "main" {
			continue
		}
		for _, name := range []string{"init", "main"} {
			if fn := pkg.Func(name); fn != nil {
				roots = append(roots, f.ensureFunction(fn))
			}
		}
	}
	return roots
}

// ResolveType implements heap.TypeResolver: a base-layer type identifier
// that names a type of the current program resolves to the real type,
// registered under the persisted id. Unknown names return nil and become
// incomplete base-layer placeholders.
func (f *Frontend) ResolveType(name string, tid int) *universe.Type {
	if t, ok := f.universe.LookupType(name); ok {
		return t
	}
	host, ok := f.hostTypes[name]
	if !ok {
		return nil
	}
	ut := f.universe.RestoreType(tid, f.typeInfo(name, host), false)
	f.populateType(ut, host)
	return ut
}

// EnsureType returns the universe type modeling t, creating it on first
// reachability. Pointers are flattened: *T and T model the same abstract
// objects.
func (f *Frontend) EnsureType(t types.Type) *universe.Type {
	t = derefAll(t)
	name := f.names.TypeName(t)
	if existing, ok := f.universe.LookupType(name); ok {
		return existing
	}
	ut := f.universe.GetOrCreateType(f.typeInfo(name, t))
	f.populateType(ut, t)
	return ut
}

func (f *Frontend) typeInfo(name string, t types.Type) universe.TypeInfo {
	info := universe.TypeInfo{
		Name:        name,
		ClassName:   name,
		IsInterface: types.IsInterface(t),
	}
	if named, ok := t.(*types.Named); ok {
		if obj := named.Obj(); obj != nil && obj.Pos().IsValid() {
			info.SourceFile = f.prog.Fset.Position(obj.Pos()).Filename
		}
	}
	switch u := t.Underlying().(type) {
	case *types.Slice:
		info.Component = f.EnsureType(u.Elem())
	case *types.Array:
		info.Component = f.EnsureType(u.Elem())
	}
	if !info.IsInterface {
		info.Interfaces = f.implementedInterfaces(t)
	}
	return info
}

// implementedInterfaces computes the interfaces of the closed world that t
// (or *t) satisfies. The interface list is complete at type-creation time
// because the world is closed: no interface appears after loading.
func (f *Frontend) implementedInterfaces(t types.Type) []*universe.Type {
	var out []*universe.Type
	ptr := types.NewPointer(t)
	for _, ifaceType := range f.interfaces {
		iface, ok := ifaceType.Underlying().(*types.Interface)
		if !ok || iface.Empty() {
			continue
		}
		if types.Implements(t, iface) || types.Implements(ptr, iface) {
			out = append(out, f.EnsureType(ifaceType))
		}
	}
	return out
}

// populateType declares t's fields and concrete methods on ut. Redundant
// concurrent population is harmless: declaration is idempotent per name.
func (f *Frontend) populateType(ut *universe.Type, t types.Type) {
	if st, ok := t.Underlying().(*types.Struct); ok {
		for i := 0; i < st.NumFields(); i++ {
			field := st.Field(i)
			ut.DeclareField(field.Name(), kindOf(field.Type()))
		}
	}
	if types.IsInterface(t) {
		return
	}
	mset := types.NewMethodSet(types.NewPointer(t))
	for i := 0; i < mset.Len(); i++ {
		sel := mset.At(i)
		fn := f.prog.MethodValue(sel)
		if fn == nil {
			continue
		}
		m := f.universe.GetOrCreateMethod(ut, fn.Name(), false)
		f.methodFuncs.Store(m, fn)
		f.funcMethods.Store(fn, m)
	}
}

// ensureFunction returns the universe method modeling fn. Free functions
// are owned by a per-package pseudo type; methods by their receiver's type.
func (f *Frontend) ensureFunction(fn *ssa.Function) *universe.Method {
	if m, ok := f.funcMethods.Load(fn); ok {
		return m
	}
	var owner *universe.Type
	static := false
	if recv := fn.Signature.Recv(); recv != nil {
		owner = f.EnsureType(recv.Type())
	} else {
		owner = f.packageOwner(fn.Pkg)
		static = true
	}
	m := f.universe.GetOrCreateMethod(owner, fn.Name(), static)
	f.methodFuncs.Store(m, fn)
	f.funcMethods.Store(fn, m)
	return m
}

// globalFlow returns the shared merge flow of a package-level variable.
func (f *Frontend) globalFlow(e *pointsto.Engine, g *ssa.Global) *pointsto.MergeFlow {
	if flow, ok := f.globalFlows.Load(g); ok {
		return flow
	}
	flow, _ := f.globalFlows.LoadOrStore(g, e.NewMergeFlow(nil, "global "+g.String()))
	return flow
}

// packageOwner returns the pseudo type owning a package's free functions.
func (f *Frontend) packageOwner(pkg *ssa.Package) *universe.Type {
	name := "<synthetic>"
	if pkg != nil {
		name = pkg.Pkg.Path()
	}
	if t, ok := f.universe.LookupType(name); ok {
		return t
	}
	return f.universe.GetOrCreateType(universe.TypeInfo{Name: name, ClassName: name})
}

// derefAll strips pointer layers.
func derefAll(t types.Type) types.Type {
	for {
		ptr, ok := t.(*types.Pointer)
		if !ok {
			return t
		}
		t = ptr.Elem()
	}
}

// kindOf maps a Go type to the analysis kind of its values.
func kindOf(t types.Type) universe.Kind {
	basic, ok := t.Underlying().(*types.Basic)
	if !ok {
		return universe.KindObject
	}
	switch basic.Kind() {
	case types.Bool:
		return universe.KindBoolean
	case types.Int8, types.Uint8:
		return universe.KindByte
	case types.Int16:
		return universe.KindShort
	case types.Uint16:
		return universe.KindChar
	case types.Int32, types.Uint32, types.Int, types.Uint, types.Uintptr:
		return universe.KindInt
	case types.Int64, types.Uint64:
		return universe.KindLong
	case types.Float32:
		return universe.KindFloat
	case types.Float64:
		return universe.KindDouble
	default:
		return universe.KindObject
	}
}
