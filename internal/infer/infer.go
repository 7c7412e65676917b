// Package infer implements the forward, monotone data-flow pass that
// derives a static InferredType for every node and variable in a function's
// ExprGraph. It is the first of the two type-oriented passes — the
// specialization planner runs after it and additionally consults runtime
// profile data.
package infer

import (
	"github.com/vbk/adaptivec/internal/errors"
	"github.com/vbk/adaptivec/internal/graph"
	"github.com/vbk/adaptivec/internal/primitive"
	"github.com/vbk/adaptivec/internal/types"
)

// maxRounds bounds the letrec fix-point: the lattice has four points, so a
// variable's type can rise at most three times before it settles, and one
// extra round confirms convergence.
const maxRounds = 4

// FunctionReturns resolves the currently-known inferred return type of a
// function by id, used when a Call's target is a DirectFunction and the
// callee's own inference has already run. internal/nexus implements this
// over its function registry; Infer depends only on the interface so it
// never imports nexus.
type FunctionReturns interface {
	ReturnType(functionID string) (types.ExprType, bool)
}

// Infer runs the pass over fn, writing InferredType onto every node and
// onto every VariableDefinition fn owns. It returns the function's own
// inferred return type: the join of every Return node's value type with
// whatever type flows out when control simply falls off the end of the
// body.
//
// lookup may be nil, in which case every call through a DirectFunction,
// self calls included, conservatively infers as Ref.
func Infer(fn *graph.Function, lookup FunctionReturns) (types.ExprType, error) {
	st := &state{fn: fn, lookup: lookup}

	for round := 0; round < maxRounds; round++ {
		st.changed = false
		st.returns = st.returns[:0]
		bodyType, err := st.infer(fn.Body)
		if err != nil {
			return types.Unknown, err
		}
		st.bodyType = bodyType
		if !st.changed {
			ret := st.functionReturn()
			fn.SetInferredReturn(ret)
			return ret, nil
		}
	}
	return types.Unknown, errors.NewTypeInferenceFailure(
		"function %q did not converge within %d rounds", fn.Name, maxRounds)
}

type state struct {
	fn       *graph.Function
	lookup   FunctionReturns
	changed  bool
	returns  []types.ExprType
	bodyType types.ExprType
}

func (st *state) functionReturn() types.ExprType {
	result := st.bodyType
	for _, rt := range st.returns {
		result = types.Join(result, rt)
	}
	return result
}

// joinVar merges t into v's current inferred type, raising st.changed if
// that actually widens the type. Called every round; since the lattice
// join is monotone and idempotent on a stable value, repeated calls with
// the same t are harmless no-ops once the variable has settled.
func (st *state) joinVar(v *graph.VariableDefinition, t types.ExprType) {
	joined := types.Join(v.InferredType(), t)
	if !joined.Equal(v.InferredType()) {
		st.changed = true
		v.SetInferredType(joined)
	}
}

func (st *state) setNode(e graph.Expr, t types.ExprType) types.ExprType {
	e.SetInferredType(t)
	return t
}

func (st *state) infer(e graph.Expr) (types.ExprType, error) {
	switch n := e.(type) {

	case *graph.Const:
		switch n.Kind {
		case graph.ConstInt:
			return st.setNode(e, types.Known(types.CatInt)), nil
		case graph.ConstBool:
			return st.setNode(e, types.Known(types.CatBool)), nil
		default:
			return st.setNode(e, types.Known(types.CatRef)), nil
		}

	case *graph.GetVar:
		return st.setNode(e, n.Var.InferredType()), nil

	case *graph.DirectFunction:
		return st.setNode(e, types.Known(types.CatRef)), nil

	case *graph.Closure:
		return st.setNode(e, types.Known(types.CatRef)), nil

	case *graph.SetVar:
		vt, err := st.infer(n.Value)
		if err != nil {
			return types.Unknown, err
		}
		st.joinVar(n.Var, vt)
		return st.setNode(e, vt), nil

	case *graph.Let:
		return st.inferLet(n)

	case *graph.If:
		return st.inferIf(n)

	case *graph.Block:
		return st.inferBlock(n)

	case *graph.Return:
		vt, err := st.infer(n.Value)
		if err != nil {
			return types.Unknown, err
		}
		st.returns = append(st.returns, vt)
		return st.setNode(e, types.Known(types.CatVoid)), nil

	case *graph.Primitive1:
		at, err := st.infer(n.Arg)
		if err != nil {
			return types.Unknown, err
		}
		p, ok := primitive.Lookup(n.Op)
		if !ok {
			return types.Unknown, errors.NewCompilerError(errors.CBadArity, "infer: unknown primitive %q", n.Op)
		}
		return st.setNode(e, p.InferredReturn([]types.ExprType{at})), nil

	case *graph.Primitive2:
		a1, err := st.infer(n.Arg1)
		if err != nil {
			return types.Unknown, err
		}
		a2, err := st.infer(n.Arg2)
		if err != nil {
			return types.Unknown, err
		}
		p, ok := primitive.Lookup(n.Op)
		if !ok {
			return types.Unknown, errors.NewCompilerError(errors.CBadArity, "infer: unknown primitive %q", n.Op)
		}
		return st.setNode(e, p.InferredReturn([]types.ExprType{a1, a2})), nil

	case *graph.Call0:
		return st.inferCall(e, n.Fn, nil)

	case *graph.Call1:
		a1, err := st.infer(n.Arg1)
		if err != nil {
			return types.Unknown, err
		}
		return st.inferCall(e, n.Fn, []types.ExprType{a1})

	case *graph.Call2:
		a1, err := st.infer(n.Arg1)
		if err != nil {
			return types.Unknown, err
		}
		a2, err := st.infer(n.Arg2)
		if err != nil {
			return types.Unknown, err
		}
		return st.inferCall(e, n.Fn, []types.ExprType{a1, a2})

	case *graph.CallN:
		argTypes := make([]types.ExprType, len(n.Args))
		for i, a := range n.Args {
			t, err := st.infer(a)
			if err != nil {
				return types.Unknown, err
			}
			argTypes[i] = t
		}
		return st.inferCall(e, n.Fn, argTypes)

	default:
		return types.Unknown, errors.NewCompilerError(errors.CBadArity, "infer: unhandled node %T", e)
	}
}

func (st *state) inferLet(n *graph.Let) (types.ExprType, error) {
	// For IsRec, n.Var may be read inside Init (a function calling itself);
	// its inferred type already holds whatever the previous round left
	// there, so that GetVar sees a monotonically improving estimate rather
	// than bottom on every round.
	initType, err := st.infer(n.Init)
	if err != nil {
		return types.Unknown, err
	}
	st.joinVar(n.Var, initType)
	bodyType, err := st.infer(n.Body)
	if err != nil {
		return types.Unknown, err
	}
	return st.setNode(n, bodyType), nil
}

func (st *state) inferIf(n *graph.If) (types.ExprType, error) {
	if _, err := st.infer(n.Cond); err != nil {
		return types.Unknown, err
	}
	thenType, err := st.infer(n.Then)
	if err != nil {
		return types.Unknown, err
	}
	elseType, err := st.infer(n.Else)
	if err != nil {
		return types.Unknown, err
	}
	return st.setNode(n, types.Join(thenType, elseType)), nil
}

func (st *state) inferBlock(n *graph.Block) (types.ExprType, error) {
	last := types.Known(types.CatVoid)
	for _, sub := range n.Exprs {
		t, err := st.infer(sub)
		if err != nil {
			return types.Unknown, err
		}
		last = t
	}
	return st.setNode(n, last), nil
}

// inferCall infers the argument-independent call node and Fn atom types,
// then decides the call's own result type: a proven callee return type for
// a DirectFunction the caller can resolve, Ref otherwise. argTypes has
// already been inferred by the caller (needed before Fn so CallN etc. stay
// a single left-to-right pass); it is unused here because this core has no
// argument-dependent (generic-over-category) primitive call targets, only
// argument-dependent primitives, which are handled separately.
func (st *state) inferCall(e, fnExpr graph.Expr, argTypes []types.ExprType) (types.ExprType, error) {
	if _, err := st.infer(fnExpr); err != nil {
		return types.Unknown, err
	}
	if df, ok := fnExpr.(*graph.DirectFunction); ok && st.lookup != nil {
		if rt, ok := st.lookup.ReturnType(df.FunctionID); ok {
			return st.setNode(e, rt), nil
		}
	}
	return st.setNode(e, types.Known(types.CatRef)), nil
}
