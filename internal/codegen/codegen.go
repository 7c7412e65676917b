// Package codegen emits the compiled forms of a function: a generic
// routine where every slot is a reference, a recovery routine sharing the
// generic emission but enterable at any recovery site, and — when the
// planner decided specialization is worth it — a specialized routine whose
// slots carry the profiled primitive categories, guarded by square-peg
// bridges that hand a failing activation over to recovery.
package codegen

import (
	"go.uber.org/zap"

	"github.com/vbk/adaptivec/internal/errors"
	"github.com/vbk/adaptivec/internal/graph"
	"github.com/vbk/adaptivec/internal/primitive"
	"github.com/vbk/adaptivec/internal/types"
	"github.com/vbk/adaptivec/internal/value"
)

// Linker is what emitted call instructions need from the dispatch layer:
// bootstraps for the two dynamic call shapes and closure materialization.
// internal/nexus implements it over its function registry.
type Linker interface {
	ClosureCallBootstrap() Bootstrap
	// DirectCallBootstrap resolves sites whose name is the callee's
	// function id.
	DirectCallBootstrap() Bootstrap
	NewClosure(functionID string, copiedValues []any) (any, error)
}

// Compiler drives emission through a Writer backend.
type Compiler struct {
	linker         Linker
	newWriter      func() Writer
	maxInlinedArgs int
	log            *zap.Logger
}

func NewCompiler(linker Linker, newWriter func() Writer, maxInlinedArgs int, log *zap.Logger) *Compiler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{linker: linker, newWriter: newWriter, maxInlinedArgs: maxInlinedArgs, log: log}
}

// CompileGeneric emits the all-reference form. The same emission carries
// the recovery-site entry table, so the returned RecoveryRoutine is the
// generic routine viewed through its mid-function entries.
func (c *Compiler) CompileGeneric(fn *graph.Function) (Routine, RecoveryRoutine, error) {
	w := c.newWriter()
	e := &emitter{c: c, fn: fn, w: w, generic: true, sites: siteIndex(fn)}
	if err := e.emitFunction(); err != nil {
		return nil, nil, err
	}
	r, err := w.Finish(fn.Name+"$generic", fn.FrameSize())
	if err != nil {
		return nil, nil, err
	}
	c.log.Debug("emitted generic routine", zap.String("function", fn.Name))
	rec, _ := r.(RecoveryRoutine)
	return r, rec, nil
}

// CompileSpecialized emits the primitive-typed form. recovery receives any
// activation that fails a bridge guard mid-function.
func (c *Compiler) CompileSpecialized(fn *graph.Function, recovery RecoveryRoutine) (Routine, error) {
	w := c.newWriter()
	e := &emitter{c: c, fn: fn, w: w, recovery: recovery, sites: siteIndex(fn)}
	if err := e.emitFunction(); err != nil {
		return nil, err
	}
	r, err := w.Finish(fn.Name+"$specialized", fn.FrameSize())
	if err != nil {
		return nil, err
	}
	c.log.Debug("emitted specialized routine", zap.String("function", fn.Name))
	return r, nil
}

// SpecializedParamCats returns the category each parameter slot takes in
// the specialized form, copied outers excluded.
func SpecializedParamCats(fn *graph.Function) []types.Cat {
	cats := make([]types.Cat, len(fn.Params))
	for i, v := range fn.Params {
		if v.IsBoxed {
			cats[i] = types.CatRef
			continue
		}
		cats[i] = types.CatOf(v.SpecializedType())
	}
	return cats
}

func siteIndex(fn *graph.Function) map[graph.Expr]int {
	m := make(map[graph.Expr]int, len(fn.RecoverySites))
	for _, s := range fn.RecoverySites {
		m[s.Node] = s.Index
	}
	return m
}

// emitter walks one function's tree, emitting either the generic (all-Ref)
// or the specialized form. Every visitor leaves its result category on the
// value stack and returns it; the caller bridges to whatever it needs.
type emitter struct {
	c        *Compiler
	fn       *graph.Function
	w        Writer
	generic  bool
	recovery RecoveryRoutine
	sites    map[graph.Expr]int
}

func (e *emitter) varCat(v *graph.VariableDefinition) types.Cat {
	if e.generic || v.IsBoxed {
		return types.CatRef
	}
	return types.CatOf(v.SpecializedType())
}

func (e *emitter) nodeCat(n graph.Expr) types.Cat {
	if e.generic {
		return types.CatRef
	}
	return types.CatOf(n.SpecializedType())
}

func (e *emitter) retCat() types.Cat {
	if e.generic {
		return types.CatRef
	}
	return types.CatOf(e.fn.SpecializedReturn())
}

func (e *emitter) siteFor(n graph.Expr) int {
	if idx, ok := e.sites[n]; ok {
		return idx
	}
	return -1
}

func (e *emitter) emitFunction() error {
	bcat, err := e.emitExpr(e.fn.Body)
	if err != nil {
		return err
	}
	if bcat == types.CatVoid {
		// Every path ends in an explicit Return; nothing falls through.
		return nil
	}
	ret := e.retCat()
	if err := e.bridge(bcat, ret, -1); err != nil {
		return err
	}
	e.w.Ret(ret)
	return nil
}

func (e *emitter) emitExpr(n graph.Expr) (types.Cat, error) {
	switch x := n.(type) {

	case *graph.Const:
		return e.emitConst(x)

	case *graph.GetVar:
		cat := e.varCat(x.Var)
		e.w.LoadVar(x.Var.Index, cat, x.Var.IsBoxed)
		return cat, nil

	case *graph.DirectFunction:
		e.w.LoadConst(x.FunctionID)
		return types.CatRef, nil

	case *graph.Closure:
		return e.emitClosure(x)

	case *graph.Primitive1:
		return e.emitPrimitive(x.Op, []graph.Expr{x.Arg})

	case *graph.Primitive2:
		return e.emitPrimitive(x.Op, []graph.Expr{x.Arg1, x.Arg2})

	case *graph.SetVar:
		return e.emitSetVar(x)

	case *graph.Let:
		return e.emitLet(x)

	case *graph.If:
		return e.emitIf(x)

	case *graph.Block:
		return e.emitBlock(x)

	case *graph.Return:
		return e.emitReturn(x)

	case *graph.Call0:
		return e.emitCall(x.Fn, nil)

	case *graph.Call1:
		return e.emitCall(x.Fn, []graph.Expr{x.Arg1})

	case *graph.Call2:
		return e.emitCall(x.Fn, []graph.Expr{x.Arg1, x.Arg2})

	case *graph.CallN:
		return e.emitCall(x.Fn, x.Args)

	default:
		return 0, errors.NewCompilerError(errors.CBadArity, "codegen: unhandled node %T", n)
	}
}

func (e *emitter) emitConst(x *graph.Const) (types.Cat, error) {
	switch x.Kind {
	case graph.ConstInt:
		e.w.LoadConst(x.Int)
		if e.generic {
			return types.CatRef, nil
		}
		return types.CatInt, nil
	case graph.ConstBool:
		e.w.LoadConst(x.Bool)
		if e.generic {
			return types.CatRef, nil
		}
		return types.CatBool, nil
	case graph.ConstString:
		e.w.LoadConst(x.Str)
		return types.CatRef, nil
	case graph.ConstNull:
		e.w.LoadConst(nil)
		return types.CatRef, nil
	default:
		return 0, errors.NewCompilerError(errors.CBadArity, "codegen: unknown const shape %v", x.Kind)
	}
}

func (e *emitter) emitClosure(x *graph.Closure) (types.Cat, error) {
	for _, v := range x.CopiedOuters {
		if v.IsBoxed {
			// The closure shares the cell, not a snapshot of its contents.
			e.w.LoadCell(v.Index)
			continue
		}
		cat := e.varCat(v)
		e.w.LoadVar(v.Index, cat, false)
		if err := e.bridge(cat, types.CatRef, -1); err != nil {
			return 0, err
		}
	}
	id := x.FunctionID
	linker := e.c.linker
	e.w.InvokeStatic("closure.create:"+id, len(x.CopiedOuters), func(copied []any) (any, error) {
		return linker.NewClosure(id, copied)
	})
	return types.CatRef, nil
}

func (e *emitter) emitPrimitive(op graph.PrimitiveOp, args []graph.Expr) (types.Cat, error) {
	if name, ok := fieldOp(op, "field-get:"); ok {
		return e.emitFieldGet(name, args[0])
	}
	if name, ok := fieldOp(op, "field-set:"); ok {
		return e.emitFieldSet(name, args[0], args[1])
	}

	p, ok := primitive.Lookup(op)
	if !ok {
		return 0, errors.NewCompilerError(errors.CBadArity, "codegen: unknown primitive %q", op)
	}
	cats := make([]types.Cat, len(args))
	for i, a := range args {
		cat, err := e.emitExpr(a)
		if err != nil {
			return 0, err
		}
		cats[i] = cat
	}
	// Category combinations with no semantics fail the build here, never
	// at runtime.
	retCat, err := p.SpecializedReturn(cats)
	if err != nil {
		return 0, err
	}
	fast := true
	for _, c := range cats {
		if c == types.CatRef {
			fast = false
		}
	}
	target := func(argv []any) (any, error) {
		if fast {
			return p.ApplyTyped(cats, argv)
		}
		return p.Apply(argv)
	}
	e.w.InvokeStatic("prim:"+p.Name(), len(args), target)
	if e.generic {
		if err := e.bridge(retCat, types.CatRef, -1); err != nil {
			return 0, err
		}
		return types.CatRef, nil
	}
	return retCat, nil
}

func (e *emitter) emitFieldGet(name string, obj graph.Expr) (types.Cat, error) {
	cat, err := e.emitExpr(obj)
	if err != nil {
		return 0, err
	}
	if err := e.bridge(cat, types.CatRef, -1); err != nil {
		return 0, err
	}
	e.w.InvokeStatic("field_get:"+name, 1, func(args []any) (any, error) {
		o, ok := args[0].(*primitive.Object)
		if !ok {
			return nil, errors.NewRuntimeError(errors.RBadOperand, "field-get on non-object %T", args[0])
		}
		return primitive.Get(o, name)
	})
	return types.CatRef, nil
}

func (e *emitter) emitFieldSet(name string, obj, val graph.Expr) (types.Cat, error) {
	ocat, err := e.emitExpr(obj)
	if err != nil {
		return 0, err
	}
	if err := e.bridge(ocat, types.CatRef, -1); err != nil {
		return 0, err
	}
	vcat, err := e.emitExpr(val)
	if err != nil {
		return 0, err
	}
	if err := e.bridge(vcat, types.CatRef, -1); err != nil {
		return 0, err
	}
	e.w.InvokeStatic("field_set:"+name, 2, func(args []any) (any, error) {
		o, ok := args[0].(*primitive.Object)
		if !ok {
			return nil, errors.NewRuntimeError(errors.RBadOperand, "field-set on non-object %T", args[0])
		}
		if err := primitive.Set(o, name, args[1]); err != nil {
			return nil, err
		}
		return args[1], nil
	})
	return types.CatRef, nil
}

func fieldOp(op graph.PrimitiveOp, prefix string) (string, bool) {
	s := string(op)
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

func (e *emitter) emitSetVar(x *graph.SetVar) (types.Cat, error) {
	from, err := e.emitExpr(x.Value)
	if err != nil {
		return 0, err
	}
	to := e.varCat(x.Var)
	site := e.siteFor(x.Value)
	if e.generic {
		if site >= 0 {
			e.w.BindRecoveryEntry(site)
		}
	} else if err := e.bridge(from, to, site); err != nil {
		return 0, err
	}
	e.w.Dup()
	e.w.StoreVar(x.Var.Index, to, x.Var.IsBoxed)
	return to, nil
}

func (e *emitter) emitLet(x *graph.Let) (types.Cat, error) {
	to := e.varCat(x.Var)
	if x.IsRec {
		// The letrec variable is visible to its own initializer, bound to
		// the default of its category until the initializer's value lands.
		if e.generic {
			e.w.LoadConst(nil)
		} else {
			e.w.LoadConst(value.Default(to))
		}
		e.w.StoreVar(x.Var.Index, to, x.Var.IsBoxed)
	}
	from, err := e.emitExpr(x.Init)
	if err != nil {
		return 0, err
	}
	site := e.siteFor(x.Init)
	if e.generic {
		if site >= 0 {
			e.w.BindRecoveryEntry(site)
		}
	} else if err := e.bridge(from, to, site); err != nil {
		return 0, err
	}
	e.w.StoreVar(x.Var.Index, to, x.Var.IsBoxed)
	return e.emitExpr(x.Body)
}

func (e *emitter) emitIf(x *graph.If) (types.Cat, error) {
	myCat := e.nodeCat(x)
	elseL := e.w.NewLabel()
	endL := e.w.NewLabel()

	fused, err := e.tryFusedCond(x.Cond, elseL)
	if err != nil {
		return 0, err
	}
	if !fused {
		ccat, err := e.emitExpr(x.Cond)
		if err != nil {
			return 0, err
		}
		switch ccat {
		case types.CatBool:
			e.w.JumpIfFalse(elseL, types.CatBool)
		case types.CatInt:
			// A statically-int condition is a type error the interpreter
			// reports at runtime; boxing routes it to the same error.
			e.w.BoxInt()
			e.w.JumpIfFalse(elseL, types.CatRef)
		case types.CatRef:
			e.w.JumpIfFalse(elseL, types.CatRef)
		default:
			return 0, errors.NewCompilerError(errors.CBadArity, "codegen: void if condition")
		}
	}

	tcat, err := e.emitExpr(x.Then)
	if err != nil {
		return 0, err
	}
	if err := e.bridge(tcat, myCat, -1); err != nil {
		return 0, err
	}
	if tcat != types.CatVoid {
		e.w.Jump(endL)
	}
	e.w.Bind(elseL)
	ecat, err := e.emitExpr(x.Else)
	if err != nil {
		return 0, err
	}
	if err := e.bridge(ecat, myCat, -1); err != nil {
		return 0, err
	}
	e.w.Bind(endL)
	return myCat, nil
}

// tryFusedCond emits the single compare-and-branch form when the condition
// is an IfAware primitive over two specialized ints. Only the specialized
// routine fuses; generic code keeps the uniform boxed path.
func (e *emitter) tryFusedCond(cond graph.Expr, elseL Label) (bool, error) {
	if e.generic {
		return false, nil
	}
	p2, ok := cond.(*graph.Primitive2)
	if !ok {
		return false, nil
	}
	p, ok := primitive.Lookup(p2.Op)
	if !ok {
		return false, nil
	}
	aware, ok := p.(primitive.IfAware)
	if !ok {
		return false, nil
	}
	if e.nodeCat(p2.Arg1) != types.CatInt || e.nodeCat(p2.Arg2) != types.CatInt {
		return false, nil
	}
	if _, err := e.emitExpr(p2.Arg1); err != nil {
		return false, err
	}
	if _, err := e.emitExpr(p2.Arg2); err != nil {
		return false, err
	}
	e.w.JumpUnlessIntTest(p.Name(), aware.TestInt, elseL)
	return true, nil
}

func (e *emitter) emitBlock(x *graph.Block) (types.Cat, error) {
	if len(x.Exprs) == 0 {
		e.w.LoadConst(nil)
		return types.CatRef, nil
	}
	last := types.CatVoid
	for i, sub := range x.Exprs {
		cat, err := e.emitExpr(sub)
		if err != nil {
			return 0, err
		}
		if i < len(x.Exprs)-1 {
			if cat != types.CatVoid {
				e.w.Pop()
			}
			continue
		}
		last = cat
	}
	return last, nil
}

func (e *emitter) emitReturn(x *graph.Return) (types.Cat, error) {
	from, err := e.emitExpr(x.Value)
	if err != nil {
		return 0, err
	}
	to := e.retCat()
	site := e.siteFor(x.Value)
	if e.generic {
		if site >= 0 {
			e.w.BindRecoveryEntry(site)
		}
	} else if err := e.bridge(from, to, site); err != nil {
		return 0, err
	}
	e.w.Ret(to)
	return types.CatVoid, nil
}

func (e *emitter) emitCall(fnExpr graph.Expr, args []graph.Expr) (types.Cat, error) {
	if df, ok := fnExpr.(*graph.DirectFunction); ok {
		argCats, err := e.emitArgs(args)
		if err != nil {
			return 0, err
		}
		ct := CallType{Args: argCats, Ret: types.CatRef}
		e.w.InvokeDynamic(df.FunctionID, ct, len(args) > e.c.maxInlinedArgs, e.c.linker.DirectCallBootstrap())
		return types.CatRef, nil
	}

	tcat, err := e.emitExpr(fnExpr)
	if err != nil {
		return 0, err
	}
	if err := e.bridge(tcat, types.CatRef, -1); err != nil {
		return 0, err
	}
	argCats, err := e.emitArgs(args)
	if err != nil {
		return 0, err
	}
	ct := CallType{LeadingClosure: true, Args: argCats, Ret: types.CatRef}
	e.w.InvokeDynamic("call", ct, len(args)+1 > e.c.maxInlinedArgs, e.c.linker.ClosureCallBootstrap())
	return types.CatRef, nil
}

func (e *emitter) emitArgs(args []graph.Expr) ([]types.Cat, error) {
	cats := make([]types.Cat, len(args))
	for i, a := range args {
		cat, err := e.emitExpr(a)
		if err != nil {
			return nil, err
		}
		cats[i] = cat
	}
	return cats, nil
}

// bridge converts the stack top from one category to another. Narrowing a
// reference (or crossing Int/Bool, which routes via Ref) emits an unwrap
// guard; at a recovery site the guard is covered by a try region whose
// handler enters the recovery routine, everywhere else the narrowing is
// justified by the planner's join and the guard is bare.
func (e *emitter) bridge(from, to types.Cat, site int) error {
	if from == to || from == types.CatVoid {
		return nil
	}
	switch {
	case to == types.CatRef:
		return e.box(from)
	case to == types.CatVoid:
		return errors.NewCompilerError(errors.CImpossibleBridge,
			"cannot bridge %s to void", from)
	case from == types.CatRef:
		return e.unwrapTo(to, site)
	default:
		// Int<->Bool has no direct bridge; box then unwrap-or-throw.
		if err := e.box(from); err != nil {
			return err
		}
		return e.unwrapTo(to, site)
	}
}

func (e *emitter) box(from types.Cat) error {
	switch from {
	case types.CatInt:
		e.w.BoxInt()
	case types.CatBool:
		e.w.BoxBool()
	default:
		return errors.NewCompilerError(errors.CImpossibleBridge,
			"cannot box category %s", from)
	}
	return nil
}

func (e *emitter) unwrapTo(to types.Cat, site int) error {
	covered := site >= 0 && !e.generic
	if covered && e.recovery == nil {
		return errors.NewCompilerError(errors.CBadArity,
			"codegen: recovery site %d with no recovery routine", site)
	}
	var begin, end Label
	if covered {
		begin = e.w.NewLabel()
		end = e.w.NewLabel()
		e.w.Bind(begin)
	}
	switch to {
	case types.CatInt:
		e.w.UnwrapInt()
	case types.CatBool:
		e.w.UnwrapBool()
	default:
		return errors.NewCompilerError(errors.CImpossibleBridge,
			"cannot unwrap to category %s", to)
	}
	if covered {
		e.w.Bind(end)
		rec := e.recovery
		s := site
		e.w.WithTryHandler(begin, end, func(frame []any, peg any) (any, error) {
			// Spill step: live primitives are reloaded into reference
			// slots. Frame slots in this backend are already references,
			// so the spill is the identity and the entry proceeds.
			return rec.RunRecovery(frame, s, peg)
		})
	}
	return nil
}
