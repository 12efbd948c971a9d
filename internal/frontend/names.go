// Package frontend turns loaded Go packages into the analysis inputs: a
// closed-world universe of types and methods, and per-method initial flow
// graphs built from SSA form. The analysis engine never looks at source
// code itself; everything it sees comes through here.
package frontend

import (
	"go/types"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// NameCache caches the canonical fully-qualified names used as universe
// identifiers. Canonical names deduplicate generic instantiations and stay
// stable across builds, which makes them usable as snapshot identifiers.
type NameCache struct {
	typeCache *xsync.Map[types.Type, string]
}

func NewNameCache() *NameCache {
	return &NameCache{typeCache: xsync.NewMap[types.Type, string]()}
}

// TypeName returns the canonical name of typ: packagePath.TypeName, with
// instantiated type arguments for generics and a leading * for pointers.
func (c *NameCache) TypeName(typ types.Type) string {
	if typ == nil {
		return ""
	}
	if name, ok := c.typeCache.Load(typ); ok {
		return name
	}
	name := c.computeTypeName(typ)
	c.typeCache.Store(typ, name)
	return name
}

func (c *NameCache) computeTypeName(typ types.Type) string {
	switch t := typ.(type) {
	case *types.Pointer:
		return "*" + c.TypeName(t.Elem())
	case *types.Named:
		obj := t.Obj()
		if obj == nil {
			return typ.String()
		}
		var b strings.Builder
		b.Grow(64)
		if pkg := obj.Pkg(); pkg != nil {
			b.WriteString(pkg.Path())
			b.WriteByte('.')
		}
		b.WriteString(obj.Name())
		if args := t.TypeArgs(); args != nil && args.Len() > 0 {
			b.WriteByte('[')
			for i := 0; i < args.Len(); i++ {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(c.TypeName(args.At(i)))
			}
			b.WriteByte(']')
		}
		return b.String()
	case *types.Slice:
		return "[]" + c.TypeName(t.Elem())
	case *types.Array:
		return "[N]" + c.TypeName(t.Elem())
	default:
		// Basic types, maps, channels, funcs, unnamed structs and
		// interfaces keep their type-checker spelling.
		return typ.String()
	}
}
