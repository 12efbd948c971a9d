package pointsto

import (
	"fmt"
	"sync"

	"github.com/715d/typeflow/pkg/universe"
)

// MethodFlows is the flows graph of one method: its formal parameter flows,
// its formal return flow, and every other flow of the body. Graphs are built
// lazily, the first time an invoke resolves the method as a callee, and are
// linked into callers as the call graph grows.
type MethodFlows struct {
	method *universe.Method
	params []*ParamFlow
	result *ReturnFlow

	mu      sync.Mutex
	flows   []Flow
	invokes []*InvokeFlow
}

// NewMethodFlows returns an empty graph for m with paramCount formal
// parameter flows (for virtual methods, parameter 0 is the receiver) and a
// formal return flow.
func NewMethodFlows(m *universe.Method, paramCount int) *MethodFlows {
	g := &MethodFlows{method: m}
	for i := 0; i < paramCount; i++ {
		p := &ParamFlow{
			baseFlow: makeBaseFlow(fmt.Sprintf("param %d of %s", i, m.QualifiedName())),
			index:    i,
		}
		g.params = append(g.params, p)
	}
	g.result = &ReturnFlow{baseFlow: makeBaseFlow("return of " + m.QualifiedName())}
	return g
}

// Method returns the method this graph belongs to.
func (g *MethodFlows) Method() *universe.Method { return g.method }

// Param returns the i-th formal parameter flow.
func (g *MethodFlows) Param(i int) *ParamFlow { return g.params[i] }

// ParamCount returns the number of formal parameters.
func (g *MethodFlows) ParamCount() int { return len(g.params) }

// Result returns the formal return flow.
func (g *MethodFlows) Result() *ReturnFlow { return g.result }

// AddFlow records a body flow so results iteration can reach it.
func (g *MethodFlows) AddFlow(f Flow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flows = append(g.flows, f)
	if inv, ok := f.(*InvokeFlow); ok {
		g.invokes = append(g.invokes, inv)
	}
}

// Flows returns the recorded body flows.
func (g *MethodFlows) Flows() []Flow {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Flow, len(g.flows))
	copy(out, g.flows)
	return out
}

// Invokes returns the call-site flows of the body.
func (g *MethodFlows) Invokes() []*InvokeFlow {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*InvokeFlow, len(g.invokes))
	copy(out, g.invokes)
	return out
}
