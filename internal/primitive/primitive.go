// Package primitive implements the Primitive contract and the built-in
// operation registry: +, -, *, negate, <, >, =, field-get, field-set.
package primitive

import (
	"strings"
	"sync"

	"github.com/vbk/adaptivec/internal/errors"
	"github.com/vbk/adaptivec/internal/graph"
	"github.com/vbk/adaptivec/internal/types"
)

// Primitive is the four-facet contract every operation implements: one
// facet per consumer (interpreter, inferencer, specialized codegen, and
// optional if-fusion). The codegen facet is realized here as
// SpecializedReturn (decide the result category or fail compilation) plus
// ApplyTyped (the fast specialized-path evaluation once categories are
// known to be compatible) — playing the role a writer-emitting `generate`
// method would for a tree-walking backend rather than a bytecode one.
type Primitive interface {
	Name() string
	Arity() int
	// Apply is the interpreter facet: args are already-evaluated runtime
	// values, dynamically typed.
	Apply(args []any) (any, error)
	// InferredReturn is the inferencer facet.
	InferredReturn(argTypes []types.ExprType) types.ExprType
	// SpecializedReturn decides the result category for specialized
	// codegen given argument categories, or returns a *errors.CompilerError
	// if the combination has no semantics (codegen must fail to
	// build, not fail at runtime, on such a combination).
	SpecializedReturn(argCats []types.Cat) (types.Cat, error)
	// ApplyTyped evaluates using already-bridged primitive arguments
	// (matching the categories SpecializedReturn approved).
	ApplyTyped(argCats []types.Cat, args []any) (any, error)
}

// IfAware is the optional fourth facet: a primitive that can supply a
// direct conditional test instead of producing a boxed/unboxed Bool when it
// is the condition of an If and both its arguments are specialized Int.
type IfAware interface {
	TestInt(a, b int64) bool
}

var (
	mu       sync.RWMutex
	registry = map[string]Primitive{}
)

// register adds p under name. The registry is append-only after
// initialization; called only from this package's init.
func register(p Primitive) {
	mu.Lock()
	defer mu.Unlock()
	registry[p.Name()] = p
}

// Lookup resolves a primitive by name. Lock-free-enough for our purposes:
// a read lock, since init has already populated the table by the time any
// compiler pass runs.
func Lookup(name graph.PrimitiveOp) (Primitive, bool) {
	key := string(name)
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		key = key[:idx]
	}
	mu.RLock()
	p, ok := registry[key]
	mu.RUnlock()
	return p, ok
}

// FieldName extracts the field name encoded in a field-get/field-set op,
// e.g. "field-get:x" -> "x".
func FieldName(op graph.PrimitiveOp) string {
	key := string(op)
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		return key[idx+1:]
	}
	return ""
}

func init() {
	register(addOp{})
	register(subOp{})
	register(mulOp{})
	register(negateOp{})
	register(ltOp{})
	register(gtOp{})
	register(eqOp{})
	register(fieldGetOp{})
	register(fieldSetOp{})
}

func wantInt(v any) (int64, error) { return toInt(v) }

func toInt(v any) (int64, error) {
	i, ok := v.(int64)
	if !ok {
		return 0, errors.NewRuntimeError(errors.RBadOperand, "expected int, got %T", v)
	}
	return i, nil
}

// ---------------------------------------------------------------------------
// Arithmetic: (Int,Int) -> Int
// ---------------------------------------------------------------------------

type addOp struct{}

func (addOp) Name() string { return "+" }
func (addOp) Arity() int   { return 2 }

func (addOp) Apply(args []any) (any, error) {
	a, err := toInt(args[0])
	if err != nil {
		return nil, err
	}
	b, err := toInt(args[1])
	if err != nil {
		return nil, err
	}
	return a + b, nil
}

func (addOp) InferredReturn(argTypes []types.ExprType) types.ExprType {
	return arithmeticInferred(argTypes)
}

func (addOp) SpecializedReturn(argCats []types.Cat) (types.Cat, error) {
	return arithmeticSpecialized("+", argCats)
}

func (addOp) ApplyTyped(_ []types.Cat, args []any) (any, error) {
	return args[0].(int64) + args[1].(int64), nil
}

type subOp struct{}

func (subOp) Name() string { return "-" }
func (subOp) Arity() int   { return 2 }

func (subOp) Apply(args []any) (any, error) {
	a, err := toInt(args[0])
	if err != nil {
		return nil, err
	}
	b, err := toInt(args[1])
	if err != nil {
		return nil, err
	}
	return a - b, nil
}

func (subOp) InferredReturn(argTypes []types.ExprType) types.ExprType {
	return arithmeticInferred(argTypes)
}

func (subOp) SpecializedReturn(argCats []types.Cat) (types.Cat, error) {
	return arithmeticSpecialized("-", argCats)
}

func (subOp) ApplyTyped(_ []types.Cat, args []any) (any, error) {
	return args[0].(int64) - args[1].(int64), nil
}

type mulOp struct{}

func (mulOp) Name() string { return "*" }
func (mulOp) Arity() int   { return 2 }

func (mulOp) Apply(args []any) (any, error) {
	a, err := toInt(args[0])
	if err != nil {
		return nil, err
	}
	b, err := toInt(args[1])
	if err != nil {
		return nil, err
	}
	return a * b, nil
}

func (mulOp) InferredReturn(argTypes []types.ExprType) types.ExprType {
	return arithmeticInferred(argTypes)
}

func (mulOp) SpecializedReturn(argCats []types.Cat) (types.Cat, error) {
	return arithmeticSpecialized("*", argCats)
}

func (mulOp) ApplyTyped(_ []types.Cat, args []any) (any, error) {
	return args[0].(int64) * args[1].(int64), nil
}

func arithmeticInferred(argTypes []types.ExprType) types.ExprType {
	for _, t := range argTypes {
		if cat, ok := t.Category(); !ok || cat != types.CatInt {
			return types.Known(types.CatRef)
		}
	}
	return types.Known(types.CatInt)
}

func arithmeticSpecialized(name string, argCats []types.Cat) (types.Cat, error) {
	for _, c := range argCats {
		if c != types.CatInt && c != types.CatRef {
			return 0, errors.NewCompilerError(errors.CImpossibleBridge,
				"%s cannot combine category %s", name, c)
		}
	}
	return types.CatInt, nil
}

// negate: Int -> Int
type negateOp struct{}

func (negateOp) Name() string { return "negate" }
func (negateOp) Arity() int   { return 1 }

func (negateOp) Apply(args []any) (any, error) {
	a, err := toInt(args[0])
	if err != nil {
		return nil, err
	}
	return -a, nil
}

func (negateOp) InferredReturn(argTypes []types.ExprType) types.ExprType {
	if cat, ok := argTypes[0].Category(); ok && cat == types.CatInt {
		return types.Known(types.CatInt)
	}
	return types.Known(types.CatRef)
}

func (negateOp) SpecializedReturn(argCats []types.Cat) (types.Cat, error) {
	if argCats[0] != types.CatInt && argCats[0] != types.CatRef {
		return 0, errors.NewCompilerError(errors.CImpossibleBridge, "negate cannot apply to category %s", argCats[0])
	}
	return types.CatInt, nil
}

func (negateOp) ApplyTyped(_ []types.Cat, args []any) (any, error) {
	return -args[0].(int64), nil
}

// ---------------------------------------------------------------------------
// Comparisons: (Int,Int) -> Bool
// ---------------------------------------------------------------------------

type ltOp struct{}

func (ltOp) Name() string { return "<" }
func (ltOp) Arity() int   { return 2 }

func (ltOp) Apply(args []any) (any, error) {
	a, b, err := compareInts(args)
	if err != nil {
		return nil, err
	}
	return a < b, nil
}

func (ltOp) InferredReturn(argTypes []types.ExprType) types.ExprType {
	return compareInferred(argTypes)
}

func (ltOp) SpecializedReturn(argCats []types.Cat) (types.Cat, error) {
	return compareSpecialized("<", argCats)
}

func (ltOp) ApplyTyped(_ []types.Cat, args []any) (any, error) {
	return args[0].(int64) < args[1].(int64), nil
}

func (ltOp) TestInt(a, b int64) bool { return a < b }

type gtOp struct{}

func (gtOp) Name() string { return ">" }
func (gtOp) Arity() int   { return 2 }

func (gtOp) Apply(args []any) (any, error) {
	a, b, err := compareInts(args)
	if err != nil {
		return nil, err
	}
	return a > b, nil
}

func (gtOp) InferredReturn(argTypes []types.ExprType) types.ExprType {
	return compareInferred(argTypes)
}

func (gtOp) SpecializedReturn(argCats []types.Cat) (types.Cat, error) {
	return compareSpecialized(">", argCats)
}

func (gtOp) ApplyTyped(_ []types.Cat, args []any) (any, error) {
	return args[0].(int64) > args[1].(int64), nil
}

func (gtOp) TestInt(a, b int64) bool { return a > b }

// eqOp: = is defined over Int x Int (spec: comparing booleans has no
// semantics and codegen must refuse it at compile time, per §4.7 point 3's
// example).
type eqOp struct{}

func (eqOp) Name() string { return "=" }
func (eqOp) Arity() int   { return 2 }

func (eqOp) Apply(args []any) (any, error) {
	a, b, err := compareInts(args)
	if err != nil {
		return nil, err
	}
	return a == b, nil
}

func (eqOp) InferredReturn(argTypes []types.ExprType) types.ExprType {
	return compareInferred(argTypes)
}

func (eqOp) SpecializedReturn(argCats []types.Cat) (types.Cat, error) {
	return compareSpecialized("=", argCats)
}

func (eqOp) ApplyTyped(_ []types.Cat, args []any) (any, error) {
	return args[0].(int64) == args[1].(int64), nil
}

func (eqOp) TestInt(a, b int64) bool { return a == b }

func compareInts(args []any) (int64, int64, error) {
	a, err := toInt(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := toInt(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func compareInferred(argTypes []types.ExprType) types.ExprType {
	for _, t := range argTypes {
		if cat, ok := t.Category(); !ok || cat != types.CatInt {
			return types.Unknown
		}
	}
	return types.Known(types.CatBool)
}

func compareSpecialized(name string, argCats []types.Cat) (types.Cat, error) {
	for _, c := range argCats {
		// Comparing a boolean has no semantics: codegen must fail to build
		// rather than fail at runtime.
		if c == types.CatBool {
			return 0, errors.NewCompilerError(errors.CImpossibleBridge,
				"%s cannot combine boolean operands", name)
		}
		if c != types.CatInt && c != types.CatRef {
			return 0, errors.NewCompilerError(errors.CImpossibleBridge,
				"%s cannot combine category %s", name, c)
		}
	}
	return types.CatBool, nil
}
