package universe

import "sync/atomic"

// Method is a method or function in the closed-world universe.
type Method struct {
	id        int
	declaring *Type
	name      string
	static    bool

	// baseLayer marks an incomplete placeholder for a method persisted by a
	// previous layer that cannot yet be resolved in the current host program.
	baseLayer bool

	// implementationInvoked is set the first time some invoke flow resolves
	// this method as a callee. It is the analysis-side notion of "this code
	// runs": only then is the method's flow graph parsed and linked.
	implementationInvoked atomic.Bool
}

func (m *Method) ID() int          { return m.id }
func (m *Method) Name() string     { return m.name }
func (m *Method) Declaring() *Type { return m.declaring }
func (m *Method) IsStatic() bool   { return m.static }

// IsBaseLayerPlaceholder reports whether m is an incomplete base-layer stand-in.
func (m *Method) IsBaseLayerPlaceholder() bool { return m.baseLayer }

// RegisterAsImplementationInvoked marks m as reachable-as-callee. It returns
// true exactly once, for the invoke that first resolves m.
func (m *Method) RegisterAsImplementationInvoked() bool {
	return m.implementationInvoked.CompareAndSwap(false, true)
}

// IsImplementationInvoked reports whether any invoke has resolved m.
func (m *Method) IsImplementationInvoked() bool { return m.implementationInvoked.Load() }

// QualifiedName returns the snapshot identifier of m.
func (m *Method) QualifiedName() string {
	if m.declaring == nil {
		return m.name
	}
	return m.declaring.Name() + "." + m.name
}

func (m *Method) String() string { return m.QualifiedName() }
