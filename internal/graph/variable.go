package graph

import "github.com/vbk/adaptivec/internal/types"

// BoxedCell is the one-slot owning container a boxed variable's storage
// lives in: a variable that is both mutated and captured by an inner
// closure. It is shared by the owner frame and every inner closure's
// copiedOuters slot via explicit indirection — never a cyclic
// back-reference.
type BoxedCell struct {
	Value any
}

func NewBoxedCell(initial any) *BoxedCell {
	return &BoxedCell{Value: initial}
}

// VariableDefinition is the metadata a variable carries throughout its
// lifetime: which function owns it, its frame slot, whether it is boxed,
// and its inferred/observed/specialized types plus a per-call profile.
type VariableDefinition struct {
	Name       string
	Owner      *Function
	Index      int  // frame slot, dense 0..k within Owner
	IsBoxed    bool // mutable and captured by an inner closure

	inferredType    types.ExprType
	specializedType types.ExprType

	frozen bool
}

func NewVariableDefinition(name string, owner *Function) *VariableDefinition {
	return &VariableDefinition{Name: name, Owner: owner}
}

func (v *VariableDefinition) InferredType() types.ExprType { return v.inferredType }

func (v *VariableDefinition) SetInferredType(t types.ExprType) {
	if v.frozen {
		panic("graph: SetInferredType on frozen variable " + v.Name)
	}
	v.inferredType = t
}

func (v *VariableDefinition) SpecializedType() types.ExprType { return v.specializedType }

func (v *VariableDefinition) SetSpecializedType(t types.ExprType) {
	if v.frozen {
		panic("graph: SetSpecializedType on frozen variable " + v.Name)
	}
	v.specializedType = t
}

// Freeze locks annotations against further mutation once the analysis
// phases that produce them have completed.
func (v *VariableDefinition) Freeze() { v.frozen = true }
