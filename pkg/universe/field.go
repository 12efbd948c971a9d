package universe

// Field is an instance field of a universe type. Its position fixes the slot
// of its value in snapshot constants of the declaring type.
type Field struct {
	declaring *Type
	name      string
	kind      Kind
	position  int
}

func (f *Field) Declaring() *Type { return f.declaring }
func (f *Field) Name() string     { return f.name }
func (f *Field) Kind() Kind       { return f.kind }
func (f *Field) Position() int    { return f.position }

func (f *Field) String() string { return f.declaring.Name() + "." + f.name }
