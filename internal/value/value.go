// Package value defines the runtime value representation shared by the
// interpreter, codegen, and the primitive registry. Go's interface{} is
// already a tagged union in Go terms, so this package is a thin set of
// category-classification and box/unwrap helpers rather than a hand-rolled
// value struct.
package value

import (
	"github.com/vbk/adaptivec/internal/errors"
	"github.com/vbk/adaptivec/internal/types"
)

// Closure is the minimal contract codegen/interp need from a closure value
// without importing internal/nexus (which itself depends on codegen),
// avoiding an import cycle. internal/nexus.Closure implements it.
type Closure interface {
	Invoke(args []any) (any, error)
	FunctionID() string
}

// CatOf classifies v by its dynamic Go type.
func CatOf(v any) types.Cat {
	switch v.(type) {
	case int64:
		return types.CatInt
	case bool:
		return types.CatBool
	default:
		return types.CatRef
	}
}

// AsInt unwraps v as an int64, raising SquarePegException on mismatch. Used
// by specialized code's Ref->Int bridge when a guard expects an integer.
func AsInt(v any) (int64, error) {
	i, ok := v.(int64)
	if !ok {
		return 0, errors.NewSquarePeg(v)
	}
	return i, nil
}

// AsBool unwraps v as a bool, raising SquarePegException on mismatch.
func AsBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, errors.NewSquarePeg(v)
	}
	return b, nil
}

// BoxInt/BoxBool box a primitive value back into a Ref-typed slot.
func BoxInt(i int64) any  { return i }
func BoxBool(b bool) any  { return b }

// Default returns the zero value for a category, used to pre-initialize a
// letrec variable before its initializer has run.
func Default(cat types.Cat) any {
	switch cat {
	case types.CatInt:
		return int64(0)
	case types.CatBool:
		return false
	default:
		return nil
	}
}
