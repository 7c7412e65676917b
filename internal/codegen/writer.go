package codegen

import (
	"github.com/vbk/adaptivec/internal/callsite"
	"github.com/vbk/adaptivec/internal/types"
)

// Label names a forward or backward jump target within one routine. Labels
// are allocated by NewLabel and pinned to the current emission point by
// Bind; a label used by a jump must be bound before Finish.
type Label int

// CallType is the signature a dynamic call site is linked under: the
// argument categories (with a leading implicit closure for closure calls)
// and the result category.
type CallType struct {
	LeadingClosure bool
	Args           []types.Cat
	Ret            types.Cat
}

// ArgCount is the number of stack operands the call consumes, including
// the leading closure when present.
func (ct CallType) ArgCount() int {
	n := len(ct.Args)
	if ct.LeadingClosure {
		n++
	}
	return n
}

// Equal reports whether two call types link identically.
func (ct CallType) Equal(other CallType) bool {
	if ct.LeadingClosure != other.LeadingClosure || ct.Ret != other.Ret || len(ct.Args) != len(other.Args) {
		return false
	}
	for i, c := range ct.Args {
		if c != other.Args[i] {
			return false
		}
	}
	return true
}

// Bootstrap resolves a dynamic call site the first time it executes,
// receiving the site's name and type and returning the mutable CallSite
// every subsequent execution dispatches through.
type Bootstrap func(name string, ct CallType) (*callsite.CallSite, error)

// Handler is a try-region's catch target: invoked with the activation's
// locals and the square peg's unwrapped value, it completes the rest of the
// function and its result becomes the routine's result.
type Handler func(frame []any, peg any) (any, error)

// StaticTarget is an invoke-static callee: a runtime helper resolved at
// emission time rather than through a call site.
type StaticTarget func(args []any) (any, error)

// IntTest is the fused conditional-branch form an IfAware primitive
// supplies in place of producing a boolean.
type IntTest func(a, b int64) bool

// Routine is one emitted entry: a generic, specialized, or recovery form
// runnable against an activation frame.
type Routine interface {
	Run(frame []any) (any, error)
}

// RecoveryRoutine is a routine with labeled mid-function continuations: it
// can be entered at a recovery site with the bridged-out value, completing
// the activation in all-reference code.
type RecoveryRoutine interface {
	Routine
	RunRecovery(frame []any, site int, peg any) (any, error)
}

// Traced is implemented by backends that retain a symbolic instruction
// trace for debug dumps and emission tests.
type Traced interface {
	Trace() []string
}

// Writer is the emitted-code backend contract. This package emits through
// it and never sees the instruction encoding; internal/codegen/treewriter
// provides the concrete realization used by this runtime and its tests. A
// class-file or native emitter would implement the same surface.
//
// Instruction model: a value stack plus a frame of locals. Every value
// occupies one stack slot regardless of category; the category tells the
// backend which representation and which guards apply.
type Writer interface {
	NewLabel() Label
	Bind(l Label)

	// BindRecoveryEntry pins the current emission point as the continuation
	// for a recovery site: entering here expects exactly the bridged value
	// on the stack.
	BindRecoveryEntry(site int)

	// LoadVar/StoreVar read and write a variable's value. For a boxed
	// variable the slot holds a one-cell container and the access goes
	// through it.
	LoadVar(index int, cat types.Cat, boxed bool)
	StoreVar(index int, cat types.Cat, boxed bool)

	// LoadCell pushes a boxed variable's cell itself (not its contents),
	// used when materializing a closure that shares the cell.
	LoadCell(index int)

	LoadConst(v any)
	Pop()
	Dup()

	BoxInt()
	BoxBool()
	// UnwrapInt/UnwrapBool narrow a reference to a primitive, raising a
	// square peg carrying the value on mismatch.
	UnwrapInt()
	UnwrapBool()

	Jump(l Label)
	// JumpIfFalse pops a condition of the given category and branches when
	// it is false. A Ref condition that is not a boolean is a runtime
	// error, matching the interpreter.
	JumpIfFalse(l Label, cat types.Cat)
	// JumpUnlessIntTest pops two ints and branches unless the fused test
	// holds: the single compare-and-branch instruction of if-fusion.
	JumpUnlessIntTest(name string, test IntTest, l Label)

	InvokeStatic(name string, argc int, target StaticTarget)
	InvokeDynamic(name string, ct CallType, spread bool, bs Bootstrap)

	Ret(cat types.Cat)

	// WithTryHandler covers [begin, end) with handler: a square peg raised
	// there is caught and the handler's result ends the routine.
	WithTryHandler(begin, end Label, handler Handler)

	// Finish seals the routine. frameSize is the activation's local count.
	Finish(name string, frameSize int) (Routine, error)
}
