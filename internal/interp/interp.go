// Package interp implements two interpreter modes: Simple (a correctness
// oracle, ignores profile) and Profiling (records observed types and
// increments the owning function's invocation count).
package interp

import (
	"github.com/vbk/adaptivec/internal/errors"
	"github.com/vbk/adaptivec/internal/graph"
	"github.com/vbk/adaptivec/internal/primitive"
	"github.com/vbk/adaptivec/internal/profile"
	"github.com/vbk/adaptivec/internal/value"
)

// FunctionInvoker resolves a DirectFunction(id) call without closure
// materialization. internal/nexus implements this over its function-id
// registry; Interpreter depends only on the interface to avoid an import
// cycle (Nexus itself drives the profiling interpreter while a function is
// still INTERPRETED).
type FunctionInvoker interface {
	InvokeDirect(id string, args []any) (any, error)
}

// Mode selects which of the two interpreter behaviors Eval exhibits.
type Mode byte

const (
	Simple Mode = iota
	Profiling
)

// Interpreter tree-walks an ExprGraph. A single instance is reused across
// calls; all per-function mutable state (profile counters, invocation
// count) lives in the profile.Store and *graph.Function passed to Eval, not
// in the Interpreter itself, so one Interpreter safely serves every
// function and every goroutine.
type Interpreter struct {
	Mode    Mode
	Invoker FunctionInvoker
}

func New(mode Mode, invoker FunctionInvoker) *Interpreter {
	return &Interpreter{Mode: mode, Invoker: invoker}
}

// control is the short-circuit signal a Return node produces: propagate the
// value straight up to Eval's caller, skipping the remainder of every
// enclosing Block/If/Let.
type control struct {
	returning bool
	value     any
}

// Eval runs fn's body against frame (already populated with copied outers
// and parameter values in frame-slot order) and returns the function's
// result. Locals are evaluated into frame as the body executes.
func (it *Interpreter) Eval(fn *graph.Function, frame []any, store *profile.Store) (any, error) {
	if it.Mode == Profiling {
		fn.BumpInvocations()
	}
	val, ctl, err := it.evalExpr(fn, frame, store, fn.Body)
	if err != nil {
		return nil, err
	}
	if ctl.returning {
		return ctl.value, nil
	}
	return val, nil
}

func (it *Interpreter) recordExpr(store *profile.Store, e graph.Expr, v any) {
	if it.Mode != Profiling {
		return
	}
	store.Expression(e).Record(value.CatOf(v))
}

func (it *Interpreter) evalExpr(fn *graph.Function, frame []any, store *profile.Store, e graph.Expr) (any, control, error) {
	switch n := e.(type) {

	case *graph.Const:
		v, err := constValue(n)
		if err != nil {
			return nil, control{}, err
		}
		it.recordExpr(store, e, v)
		return v, control{}, nil

	case *graph.GetVar:
		v := readVar(frame, n.Var)
		if it.Mode == Profiling {
			store.Variable(n.Var).Record(value.CatOf(v))
		}
		it.recordExpr(store, e, v)
		return v, control{}, nil

	case *graph.DirectFunction:
		return n.FunctionID, control{}, nil

	case *graph.Closure:
		v, err := it.materializeClosure(fn, frame, n)
		if err != nil {
			return nil, control{}, err
		}
		it.recordExpr(store, e, v)
		return v, control{}, nil

	case *graph.Primitive1:
		v, err := it.evalPrimitive1(fn, frame, store, n)
		if err != nil {
			return nil, control{}, err
		}
		it.recordExpr(store, e, v)
		return v, control{}, nil

	case *graph.Primitive2:
		v, err := it.evalPrimitive2(fn, frame, store, n)
		if err != nil {
			return nil, control{}, err
		}
		it.recordExpr(store, e, v)
		return v, control{}, nil

	case *graph.SetVar:
		v, err := it.evalAtomic(fn, frame, store, n.Value)
		if err != nil {
			return nil, control{}, err
		}
		writeVar(frame, n.Var, v)
		if it.Mode == Profiling {
			store.Variable(n.Var).Record(value.CatOf(v))
		}
		it.recordExpr(store, e, v)
		return v, control{}, nil

	case *graph.Let:
		return it.evalLet(fn, frame, store, n)

	case *graph.If:
		return it.evalIf(fn, frame, store, n)

	case *graph.Block:
		return it.evalBlock(fn, frame, store, n)

	case *graph.Return:
		v, err := it.evalAtomic(fn, frame, store, n.Value)
		if err != nil {
			return nil, control{}, err
		}
		it.recordExpr(store, e, v)
		return v, control{returning: true, value: v}, nil

	case *graph.Call0:
		v, err := it.evalCall(fn, frame, store, n.Fn, nil)
		return finishCall(store, it, e, v, err)

	case *graph.Call1:
		a1, err := it.evalAtomic(fn, frame, store, n.Arg1)
		if err != nil {
			return nil, control{}, err
		}
		v, err := it.evalCall(fn, frame, store, n.Fn, []any{a1})
		return finishCall(store, it, e, v, err)

	case *graph.Call2:
		a1, err := it.evalAtomic(fn, frame, store, n.Arg1)
		if err != nil {
			return nil, control{}, err
		}
		a2, err := it.evalAtomic(fn, frame, store, n.Arg2)
		if err != nil {
			return nil, control{}, err
		}
		v, err := it.evalCall(fn, frame, store, n.Fn, []any{a1, a2})
		return finishCall(store, it, e, v, err)

	case *graph.CallN:
		args := make([]any, len(n.Args))
		for i, a := range n.Args {
			v, err := it.evalAtomic(fn, frame, store, a)
			if err != nil {
				return nil, control{}, err
			}
			args[i] = v
		}
		v, err := it.evalCall(fn, frame, store, n.Fn, args)
		return finishCall(store, it, e, v, err)

	default:
		return nil, control{}, errors.NewCompilerError(errors.CBadArity, "interp: unhandled node %T", e)
	}
}

func finishCall(store *profile.Store, it *Interpreter, e graph.Expr, v any, err error) (any, control, error) {
	if err != nil {
		return nil, control{}, err
	}
	it.recordExpr(store, e, v)
	return v, control{}, nil
}

// evalAtomic evaluates an atomic position: it can never itself produce a
// Return, so callers need only the value and an error.
func (it *Interpreter) evalAtomic(fn *graph.Function, frame []any, store *profile.Store, e graph.Expr) (any, error) {
	v, ctl, err := it.evalExpr(fn, frame, store, e)
	if err != nil {
		return nil, err
	}
	if ctl.returning {
		// Structurally unreachable: atomic positions hold Const, GetVar,
		// DirectFunction, Closure, Primitive1/2, none of which contain a
		// Return. Guarded defensively rather than assumed away.
		return ctl.value, nil
	}
	return v, nil
}

func (it *Interpreter) evalLet(fn *graph.Function, frame []any, store *profile.Store, n *graph.Let) (any, control, error) {
	var initVal any
	if n.IsRec {
		cat, _ := n.Var.SpecializedType().Category()
		writeVar(frame, n.Var, value.Default(cat))
		v, ctl, err := it.evalExpr(fn, frame, store, n.Init)
		if err != nil || ctl.returning {
			return v, ctl, err
		}
		initVal = v
	} else {
		v, ctl, err := it.evalExpr(fn, frame, store, n.Init)
		if err != nil || ctl.returning {
			return v, ctl, err
		}
		initVal = v
	}
	writeVar(frame, n.Var, initVal)
	return it.evalExpr(fn, frame, store, n.Body)
}

func (it *Interpreter) evalIf(fn *graph.Function, frame []any, store *profile.Store, n *graph.If) (any, control, error) {
	condVal, err := it.evalAtomic(fn, frame, store, n.Cond)
	if err != nil {
		return nil, control{}, err
	}
	b, err := value.AsBool(condVal)
	if err != nil {
		return nil, control{}, errors.NewRuntimeError(errors.RBadOperand, "if condition is not a boolean: %v", condVal)
	}
	if b {
		return it.evalExpr(fn, frame, store, n.Then)
	}
	return it.evalExpr(fn, frame, store, n.Else)
}

func (it *Interpreter) evalBlock(fn *graph.Function, frame []any, store *profile.Store, n *graph.Block) (any, control, error) {
	var last any
	for _, sub := range n.Exprs {
		v, ctl, err := it.evalExpr(fn, frame, store, sub)
		if err != nil {
			return nil, control{}, err
		}
		if ctl.returning {
			return v, ctl, nil
		}
		last = v
	}
	return last, control{}, nil
}

func (it *Interpreter) evalPrimitive1(fn *graph.Function, frame []any, store *profile.Store, n *graph.Primitive1) (any, error) {
	if hasPrefix(string(n.Op), "field-get:") {
		name := primitive.FieldName(n.Op)
		obj, err := it.evalAtomic(fn, frame, store, n.Arg)
		if err != nil {
			return nil, err
		}
		o, ok := obj.(*primitive.Object)
		if !ok {
			return nil, errors.NewRuntimeError(errors.RBadOperand, "field-get on non-object %T", obj)
		}
		return primitive.Get(o, name)
	}
	p, ok := primitive.Lookup(n.Op)
	if !ok {
		return nil, errors.NewCompilerError(errors.CBadArity, "unknown primitive %q", n.Op)
	}
	arg, err := it.evalAtomic(fn, frame, store, n.Arg)
	if err != nil {
		return nil, err
	}
	return p.Apply([]any{arg})
}

func (it *Interpreter) evalPrimitive2(fn *graph.Function, frame []any, store *profile.Store, n *graph.Primitive2) (any, error) {
	if hasPrefix(string(n.Op), "field-set:") {
		name := primitive.FieldName(n.Op)
		obj, err := it.evalAtomic(fn, frame, store, n.Arg1)
		if err != nil {
			return nil, err
		}
		val, err := it.evalAtomic(fn, frame, store, n.Arg2)
		if err != nil {
			return nil, err
		}
		o, ok := obj.(*primitive.Object)
		if !ok {
			return nil, errors.NewRuntimeError(errors.RBadOperand, "field-set on non-object %T", obj)
		}
		if err := primitive.Set(o, name, val); err != nil {
			return nil, err
		}
		return val, nil
	}
	p, ok := primitive.Lookup(n.Op)
	if !ok {
		return nil, errors.NewCompilerError(errors.CBadArity, "unknown primitive %q", n.Op)
	}
	a1, err := it.evalAtomic(fn, frame, store, n.Arg1)
	if err != nil {
		return nil, err
	}
	a2, err := it.evalAtomic(fn, frame, store, n.Arg2)
	if err != nil {
		return nil, err
	}
	return p.Apply([]any{a1, a2})
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (it *Interpreter) evalCall(fn *graph.Function, frame []any, store *profile.Store, target graph.Expr, args []any) (any, error) {
	if direct, ok := target.(*graph.DirectFunction); ok {
		if it.Invoker == nil {
			return nil, errors.NewCompilerError(errors.CBadArity, "interp: no FunctionInvoker configured for direct call to %q", direct.FunctionID)
		}
		return it.Invoker.InvokeDirect(direct.FunctionID, args)
	}
	callee, err := it.evalAtomic(fn, frame, store, target)
	if err != nil {
		return nil, err
	}
	closure, ok := callee.(value.Closure)
	if !ok {
		return nil, errors.NewRuntimeError(errors.RBadOperand, "call target is not a closure: %v", callee)
	}
	return closure.Invoke(args)
}

func (it *Interpreter) materializeClosure(fn *graph.Function, frame []any, n *graph.Closure) (any, error) {
	copied := make([]any, len(n.CopiedOuters))
	for i, v := range n.CopiedOuters {
		if v.IsBoxed {
			copied[i] = boxedCell(frame, v)
		} else {
			copied[i] = readVar(frame, v)
		}
	}
	if it.Invoker == nil {
		return nil, errors.NewCompilerError(errors.CBadArity, "interp: no FunctionInvoker configured to materialize closures")
	}
	materializer, ok := it.Invoker.(ClosureMaterializer)
	if !ok {
		return nil, errors.NewCompilerError(errors.CBadArity, "interp: invoker cannot materialize closures")
	}
	return materializer.MaterializeClosure(n.FunctionID, copied)
}

// ClosureMaterializer is the piece of FunctionInvoker's implementation (the
// Nexus registry) that knows how to build a value.Closure for a given
// function id and a set of already-evaluated copied-outer values.
type ClosureMaterializer interface {
	MaterializeClosure(functionID string, copiedValues []any) (value.Closure, error)
}

func constValue(c *graph.Const) (any, error) {
	switch c.Kind {
	case graph.ConstInt:
		return c.Int, nil
	case graph.ConstBool:
		return c.Bool, nil
	case graph.ConstString:
		return c.Str, nil
	case graph.ConstNull:
		return nil, nil
	default:
		return nil, errors.NewRuntimeError(errors.RBadConstant, "unknown const shape %v", c.Kind)
	}
}

func readVar(frame []any, v *graph.VariableDefinition) any {
	slot := frame[v.Index]
	if v.IsBoxed {
		return slot.(*graph.BoxedCell).Value
	}
	return slot
}

func writeVar(frame []any, v *graph.VariableDefinition, val any) {
	if v.IsBoxed {
		if cell, ok := frame[v.Index].(*graph.BoxedCell); ok {
			cell.Value = val
			return
		}
		frame[v.Index] = graph.NewBoxedCell(val)
		return
	}
	frame[v.Index] = val
}

func boxedCell(frame []any, v *graph.VariableDefinition) *graph.BoxedCell {
	if cell, ok := frame[v.Index].(*graph.BoxedCell); ok {
		return cell
	}
	cell := graph.NewBoxedCell(frame[v.Index])
	frame[v.Index] = cell
	return cell
}
