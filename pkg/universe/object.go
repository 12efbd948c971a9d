package universe

// Object abstracts a set of runtime objects. The context-insensitive object
// (one per type, used by the default policy) stands for every instance of
// its type; context-sensitive objects (one per allocation site, used by
// precise policies) partition instances by where they were allocated.
type Object struct {
	typ  *Type
	site string // empty for the context-insensitive object
}

func (o *Object) Type() *Type { return o.typ }

// Site returns the allocation-site label, or "" for the canonical object.
func (o *Object) Site() string { return o.site }

// IsContextInsensitive reports whether o is the canonical per-type object.
// Context-insensitive objects summarize the context-sensitive objects of the
// same type.
func (o *Object) IsContextInsensitive() bool { return o.site == "" }

func (o *Object) String() string {
	if o.site == "" {
		return o.typ.Name()
	}
	return o.typ.Name() + "@" + o.site
}
