// Package specialize implements the planner that runs around codegen: a
// pre-generic phase deriving conservative specialized types from inference
// alone, and a pre-specialized phase that folds in the runtime profile to
// assign primitive categories wherever the observations support them.
package specialize

import (
	"github.com/vbk/adaptivec/internal/graph"
	"github.com/vbk/adaptivec/internal/primitive"
	"github.com/vbk/adaptivec/internal/profile"
	"github.com/vbk/adaptivec/internal/types"
)

// PlanGeneric sets every node's and variable's specialized type to its
// inferred type when known, Ref otherwise. Generic codegen consults these
// annotations only to decide where unboxing is valid; every slot and every
// produced value in the generic routine is still a reference.
func PlanGeneric(fn *graph.Function) {
	for _, v := range fn.AllVariables() {
		v.SetSpecializedType(refIfUnknown(v.InferredType()))
	}
	walk(fn.Body, func(e graph.Expr) {
		e.SetSpecializedType(refIfUnknown(e.InferredType()))
	})
	fn.SetSpecializedReturn(refIfUnknown(fn.InferredReturn()))
}

// PlanSpecialized revises the specialized types using the profile: a
// variable whose every observation was a single primitive category takes
// that category; everything else falls back to the inferred upper bound.
// Expression types are then recomputed structurally from their children —
// the observed tally at an internal node is only trustworthy when every
// execution actually reached it, so internal positions stay bounded by
// structure rather than trusting partial counts.
//
// Returns whether specializing is worth it: at least one parameter, local,
// or the return carries a primitive category.
func PlanSpecialized(fn *graph.Function, store *profile.Store) bool {
	for _, v := range fn.AllVariables() {
		v.SetSpecializedType(plannedVarType(v, store))
	}

	p := &planner{fn: fn}
	bodyType := p.plan(fn.Body)
	ret := bodyType
	for _, rt := range p.returns {
		ret = types.Join(ret, rt)
	}
	fn.SetSpecializedReturn(refIfUnknown(ret))

	return canBeSpecialized(fn)
}

func plannedVarType(v *graph.VariableDefinition, store *profile.Store) types.ExprType {
	// A boxed variable lives in a shared mutable cell; the cell slot is a
	// reference no matter what it has held.
	if v.IsBoxed {
		return types.Known(types.CatRef)
	}
	if p, ok := store.VariableIfPresent(v); ok && p.HasData() {
		s := p.Snapshot()
		if s.RefCases == 0 && s.BoolCases == 0 {
			return types.Known(types.CatInt)
		}
		if s.RefCases == 0 && s.IntCases == 0 {
			return types.Known(types.CatBool)
		}
		return types.Known(types.CatRef)
	}
	return refIfUnknown(v.InferredType())
}

func canBeSpecialized(fn *graph.Function) bool {
	if isPrimitive(fn.SpecializedReturn()) {
		return true
	}
	for _, v := range fn.Params {
		if isPrimitive(v.SpecializedType()) {
			return true
		}
	}
	for _, v := range fn.Locals {
		if isPrimitive(v.SpecializedType()) {
			return true
		}
	}
	return false
}

func isPrimitive(t types.ExprType) bool {
	cat, ok := t.Category()
	return ok && (cat == types.CatInt || cat == types.CatBool)
}

func refIfUnknown(t types.ExprType) types.ExprType {
	if t.IsKnown() {
		return t
	}
	return types.Known(types.CatRef)
}

type planner struct {
	fn      *graph.Function
	returns []types.ExprType
}

// plan assigns e's specialized type from its children's and returns it.
func (p *planner) plan(e graph.Expr) types.ExprType {
	t := p.planInner(e)
	e.SetSpecializedType(t)
	return t
}

func (p *planner) planInner(e graph.Expr) types.ExprType {
	switch n := e.(type) {

	case *graph.Const:
		switch n.Kind {
		case graph.ConstInt:
			return types.Known(types.CatInt)
		case graph.ConstBool:
			return types.Known(types.CatBool)
		default:
			return types.Known(types.CatRef)
		}

	case *graph.GetVar:
		return n.Var.SpecializedType()

	case *graph.DirectFunction, *graph.Closure:
		return types.Known(types.CatRef)

	case *graph.SetVar:
		p.plan(n.Value)
		// The assignment's own value is the stored one, post-bridge.
		return n.Var.SpecializedType()

	case *graph.Let:
		p.plan(n.Init)
		return p.plan(n.Body)

	case *graph.If:
		p.plan(n.Cond)
		thenType := p.plan(n.Then)
		elseType := p.plan(n.Else)
		return types.Join(thenType, elseType)

	case *graph.Block:
		last := types.Known(types.CatVoid)
		for _, sub := range n.Exprs {
			last = p.plan(sub)
		}
		return last

	case *graph.Return:
		p.returns = append(p.returns, p.plan(n.Value))
		return types.Known(types.CatVoid)

	case *graph.Primitive1:
		at := p.plan(n.Arg)
		return p.primitiveType(n.Op, []types.ExprType{at})

	case *graph.Primitive2:
		a1 := p.plan(n.Arg1)
		a2 := p.plan(n.Arg2)
		return p.primitiveType(n.Op, []types.ExprType{a1, a2})

	case *graph.Call0:
		p.plan(n.Fn)
		return types.Known(types.CatRef)

	case *graph.Call1:
		p.plan(n.Arg1)
		p.plan(n.Fn)
		return types.Known(types.CatRef)

	case *graph.Call2:
		p.plan(n.Arg1)
		p.plan(n.Arg2)
		p.plan(n.Fn)
		return types.Known(types.CatRef)

	case *graph.CallN:
		for _, a := range n.Args {
			p.plan(a)
		}
		p.plan(n.Fn)
		return types.Known(types.CatRef)

	default:
		return types.Known(types.CatRef)
	}
}

// primitiveType asks the primitive for its result category under the
// children's planned categories. A combination the primitive rejects is a
// compile-time failure codegen will surface when it asks the same question;
// the planner just falls back to Ref so planning itself never errors.
func (p *planner) primitiveType(op graph.PrimitiveOp, argTypes []types.ExprType) types.ExprType {
	prim, ok := primitive.Lookup(op)
	if !ok {
		return types.Known(types.CatRef)
	}
	cats := make([]types.Cat, len(argTypes))
	for i, t := range argTypes {
		cats[i] = types.CatOf(t)
	}
	cat, err := prim.SpecializedReturn(cats)
	if err != nil {
		return types.Known(types.CatRef)
	}
	return types.Known(cat)
}

func walk(e graph.Expr, visit func(graph.Expr)) {
	if e == nil {
		return
	}
	visit(e)
	switch n := e.(type) {
	case *graph.SetVar:
		walk(n.Value, visit)
	case *graph.Let:
		walk(n.Init, visit)
		walk(n.Body, visit)
	case *graph.If:
		walk(n.Cond, visit)
		walk(n.Then, visit)
		walk(n.Else, visit)
	case *graph.Block:
		for _, c := range n.Exprs {
			walk(c, visit)
		}
	case *graph.Return:
		walk(n.Value, visit)
	case *graph.Primitive1:
		walk(n.Arg, visit)
	case *graph.Primitive2:
		walk(n.Arg1, visit)
		walk(n.Arg2, visit)
	case *graph.Call0:
		walk(n.Fn, visit)
	case *graph.Call1:
		walk(n.Fn, visit)
		walk(n.Arg1, visit)
	case *graph.Call2:
		walk(n.Fn, visit)
		walk(n.Arg1, visit)
		walk(n.Arg2, visit)
	case *graph.CallN:
		walk(n.Fn, visit)
		for _, a := range n.Args {
			walk(a, visit)
		}
	}
}
