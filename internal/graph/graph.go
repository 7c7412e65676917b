// Package graph defines the in-memory expression tree the rest of the
// compiler operates on: a fixed set of node constructors, lowered from an
// external A-normal-form source grammar, plus the variable and function
// metadata every later pass annotates.
package graph

import "github.com/vbk/adaptivec/internal/types"

// PrimitiveOp names a primitive operation. The actual implementation lives
// in internal/primitive; nodes only carry the name so ExprGraph has no
// dependency on the primitive registry.
type PrimitiveOp string

// Expr is the common interface of every node. Atomicity is structural:
// Const, GetVar, DirectFunction, Closure, Primitive1 and Primitive2 are
// atomic (Atomic() == true); everything else is complex and may appear as a
// function body, a let initializer or body, an if branch or a block element,
// while call arguments and primitive operands are atomic.
type Expr interface {
	Atomic() bool
	// InferredType / SpecializedType hold the annotations TypeInferencer and
	// SpecializationPlanner attach; mutable until Freeze, read-only after.
	InferredType() types.ExprType
	SetInferredType(types.ExprType)
	SpecializedType() types.ExprType
	SetSpecializedType(types.ExprType)
}

// base is embedded by every node to provide the mutable-annotation storage
// common to all of them.
type base struct {
	inferred    types.ExprType
	specialized types.ExprType
}

func (b *base) InferredType() types.ExprType            { return b.inferred }
func (b *base) SetInferredType(t types.ExprType)         { b.inferred = t }
func (b *base) SpecializedType() types.ExprType          { return b.specialized }
func (b *base) SetSpecializedType(t types.ExprType)      { b.specialized = t }

// ---------------------------------------------------------------------------
// Atomic nodes
// ---------------------------------------------------------------------------

// ConstKind enumerates the shapes a Const value may take.
type ConstKind byte

const (
	ConstInt ConstKind = iota
	ConstBool
	ConstString
	ConstNull
)

// Const is a literal. value ∈ {int, bool, string, null}.
type Const struct {
	base
	Kind  ConstKind
	Int   int64
	Bool  bool
	Str   string
}

func (c *Const) Atomic() bool { return true }

func NewConstInt(v int64) *Const    { return &Const{Kind: ConstInt, Int: v} }
func NewConstBool(v bool) *Const    { return &Const{Kind: ConstBool, Bool: v} }
func NewConstString(v string) *Const { return &Const{Kind: ConstString, Str: v} }
func NewConstNull() *Const          { return &Const{Kind: ConstNull} }

// GetVar reads a variable.
type GetVar struct {
	base
	Var *VariableDefinition
}

func (*GetVar) Atomic() bool { return true }

func NewGetVar(v *VariableDefinition) *GetVar { return &GetVar{Var: v} }

// DirectFunction is a constant-function reference used for one-level direct
// dispatch, the alternative to a GetVar/Closure atom in the Fn position of
// a call node.
type DirectFunction struct {
	base
	FunctionID string
}

func (*DirectFunction) Atomic() bool { return true }

func NewDirectFunction(id string) *DirectFunction { return &DirectFunction{FunctionID: id} }

// Closure materializes a closure value, capturing the outer variables named
// by CopiedOuters in frame order.
type Closure struct {
	base
	FunctionID   string
	CopiedOuters []*VariableDefinition
}

func (*Closure) Atomic() bool { return true }

func NewClosure(functionID string, copied []*VariableDefinition) *Closure {
	return &Closure{FunctionID: functionID, CopiedOuters: copied}
}

// ---------------------------------------------------------------------------
// Complex nodes
// ---------------------------------------------------------------------------

// SetVar assigns atom to var. Its value position is atomic and is a
// recovery site: a type-guard failure there resumes in generic code rather
// than losing the assignment's effect.
type SetVar struct {
	base
	Var   *VariableDefinition
	Value Expr // atomic
}

func (*SetVar) Atomic() bool { return false }

func NewSetVar(v *VariableDefinition, value Expr) *SetVar {
	return &SetVar{Var: v, Value: value}
}

// Let binds Var to the result of Init, then evaluates Body. IsRec marks a
// letrec: the variable is bound before Init runs, initialized to the
// default value of its specialized type, so Init can reference it (e.g. a
// function that calls itself). Init is a recovery site.
type Let struct {
	base
	Var    *VariableDefinition
	Init   Expr
	Body   Expr
	IsRec  bool
}

func (*Let) Atomic() bool { return false }

func NewLet(v *VariableDefinition, init, body Expr, isRec bool) *Let {
	return &Let{Var: v, Init: init, Body: body, IsRec: isRec}
}

// If dispatches on Cond; exactly one of Then/Else runs.
type If struct {
	base
	Cond Expr
	Then Expr
	Else Expr
}

func (*If) Atomic() bool { return false }

func NewIf(cond, then, els Expr) *If { return &If{Cond: cond, Then: then, Else: els} }

// Block evaluates Exprs in order; its value is the value of the last one
// (or Void if empty), unless it contains an unconditional Return.
type Block struct {
	base
	Exprs []Expr
}

func (*Block) Atomic() bool { return false }

func NewBlock(exprs ...Expr) *Block { return &Block{Exprs: exprs} }

// Return exits the enclosing function with Value, which is atomic and a
// recovery site.
type Return struct {
	base
	Value Expr
}

func (*Return) Atomic() bool { return false }

func NewReturn(value Expr) *Return { return &Return{Value: value} }

// Primitive1 / Primitive2 apply a primitive named Op (see internal/primitive)
// to one or two atomic arguments.
type Primitive1 struct {
	base
	Op  PrimitiveOp
	Arg Expr
}

func (*Primitive1) Atomic() bool { return true }

func NewPrimitive1(op PrimitiveOp, arg Expr) *Primitive1 { return &Primitive1{Op: op, Arg: arg} }

type Primitive2 struct {
	base
	Op   PrimitiveOp
	Arg1 Expr
	Arg2 Expr
}

func (*Primitive2) Atomic() bool { return true }

func NewPrimitive2(op PrimitiveOp, a1, a2 Expr) *Primitive2 {
	return &Primitive2{Op: op, Arg1: a1, Arg2: a2}
}

// Call0/Call1/Call2 invoke Fn (a GetVar/Const-like atom or a
// DirectFunction) with zero, one, or two atomic arguments. Arity above two
// is represented by CallN, extending direct and closure dispatch to
// arbitrary arity rather than stopping at 2.
type Call0 struct {
	base
	Fn Expr
}

func (*Call0) Atomic() bool { return false }

func NewCall0(fn Expr) *Call0 { return &Call0{Fn: fn} }

type Call1 struct {
	base
	Fn   Expr
	Arg1 Expr
}

func (*Call1) Atomic() bool { return false }

func NewCall1(fn, arg1 Expr) *Call1 { return &Call1{Fn: fn, Arg1: arg1} }

type Call2 struct {
	base
	Fn   Expr
	Arg1 Expr
	Arg2 Expr
}

func (*Call2) Atomic() bool { return false }

func NewCall2(fn, a1, a2 Expr) *Call2 { return &Call2{Fn: fn, Arg1: a1, Arg2: a2} }

// CallN generalizes Call0/1/2 past two arguments, spread through a slice
// rather than through a fixed number of dedicated fields. How many of
// those arguments Codegen inlines versus spills is a code-generation
// concern, not something ExprGraph's representation constrains.
type CallN struct {
	base
	Fn   Expr
	Args []Expr
}

func (*CallN) Atomic() bool { return false }

func NewCallN(fn Expr, args ...Expr) *CallN { return &CallN{Fn: fn, Args: args} }
