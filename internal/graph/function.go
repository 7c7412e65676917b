package graph

import (
	"go.uber.org/atomic"

	"github.com/vbk/adaptivec/internal/types"
)

// RecoverySite marks a non-tail-position bridging point: a Let initializer,
// a Letrec initializer, a SetVar value, or a Return value. Index is
// assigned in program order by the lowering pass and is the key the
// recovery routine's continuation table is keyed on.
type RecoverySite struct {
	Index int
	Node  Expr
}

// Function is one top-level function's frozen shape: its frame layout and
// body. Frame indices are dense 0..k with copied-outer synthetic
// parameters preceding declared parameters, which in turn precede locals.
type Function struct {
	ID   string
	Name string

	CopiedOuters []*VariableDefinition // synthetic params, frame-first
	Params       []*VariableDefinition
	Locals       []*VariableDefinition

	Body Expr

	RecoverySites []RecoverySite

	// invocations is bumped by the profiling interpreter on every entry.
	// More than one goroutine may profile the same function concurrently.
	invocations atomic.Int64

	inferredReturn    types.ExprType
	specializedReturn types.ExprType

	frozen bool
}

// BumpInvocations counts one profiled call and returns the new total.
func (f *Function) BumpInvocations() int64 { return f.invocations.Inc() }

// Invocations returns how many times the profiling interpreter has run f.
func (f *Function) Invocations() int64 { return f.invocations.Load() }

func (f *Function) InferredReturn() types.ExprType { return f.inferredReturn }

func (f *Function) SetInferredReturn(t types.ExprType) {
	if f.frozen {
		panic("graph: SetInferredReturn on frozen function " + f.Name)
	}
	f.inferredReturn = t
}

func (f *Function) SpecializedReturn() types.ExprType { return f.specializedReturn }

func (f *Function) SetSpecializedReturn(t types.ExprType) {
	if f.frozen {
		panic("graph: SetSpecializedReturn on frozen function " + f.Name)
	}
	f.specializedReturn = t
}

// NewFunction creates an empty function shell; the caller fills in
// Params/Locals, and Body is set by a Builder (see builder.go) or directly
// by a test fixture before Freeze is called.
func NewFunction(id, name string) *Function {
	return &Function{ID: id, Name: name}
}

// FrameSize is the number of slots in this function's frame.
func (f *Function) FrameSize() int {
	return len(f.CopiedOuters) + len(f.Params) + len(f.Locals)
}

// AllVariables returns every VariableDefinition in frame order.
func (f *Function) AllVariables() []*VariableDefinition {
	all := make([]*VariableDefinition, 0, f.FrameSize())
	all = append(all, f.CopiedOuters...)
	all = append(all, f.Params...)
	all = append(all, f.Locals...)
	return all
}

// Freeze locks the function's shape (and every variable's annotations)
// against further mutation. ExprGraph and VariableDefinitions are built
// once per function and are immutable in shape thereafter; only
// annotations mutate, and only up to this point.
func (f *Function) Freeze() {
	if f.frozen {
		return
	}
	for _, v := range f.AllVariables() {
		v.Freeze()
	}
	f.frozen = true
}

func (f *Function) Frozen() bool { return f.frozen }

// Thaw reopens annotations for mutation, used only when a new nexus
// generation recompiles the function after deoptimization. The shape stays
// immutable; only the type annotations are revised.
func (f *Function) Thaw() {
	for _, v := range f.AllVariables() {
		v.frozen = false
	}
	f.frozen = false
}
