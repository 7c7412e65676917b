package nexus

import (
	"github.com/vbk/adaptivec/internal/callsite"
	"github.com/vbk/adaptivec/internal/codegen"
	"github.com/vbk/adaptivec/internal/errors"
)

// Closure is a function value: the function's nexus plus the outer values
// copied when it was materialized (boxed variables contribute their cell,
// so writes stay visible across the sharing frames). Call-site caches key
// on the function identity, never on the closure instance, so a closure's
// lifetime is independent of any cache that linked through it.
type Closure struct {
	nexus        *Nexus
	copiedValues []any
}

func newClosure(nx *Nexus, copied []any) *Closure {
	return &Closure{nexus: nx, copiedValues: copied}
}

// FunctionID identifies the underlying function.
func (c *Closure) FunctionID() string { return c.nexus.fn.ID }

// Nexus exposes the dispatch record, for call-site guards and tests.
func (c *Closure) Nexus() *Nexus { return c.nexus }

// Invoke is the external entry: any panic out of emitted code or a
// primitive crosses this boundary as an InvocationException; ordinary
// errors pass through unchanged.
func (c *Closure) Invoke(args []any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, errors.NewInvocationException(r)
		}
	}()
	res, err = c.nexus.Invoke(c.copiedValues, args)
	return
}

// OptimalInvoker links this closure into a call site of the given type,
// copied values pre-bound. The second result reports whether the function
// identity alone is a sufficient cache guard: it is only when there are no
// copied outers, since otherwise two closures of the same function carry
// different environments.
func (c *Closure) OptimalInvoker(ct codegen.CallType) (callsite.Invoker, bool) {
	return c.nexus.optimalInvoker(c.copiedValues, ct), len(c.copiedValues) == 0
}
