package primitive

import (
	"sync"

	"github.com/vbk/adaptivec/internal/callsite"
	"github.com/vbk/adaptivec/internal/errors"
	"github.com/vbk/adaptivec/internal/types"
)

// Object is the minimal Ref value field-get/field-set operate on: a shape
// tag (used as the inline-cache guard) and a field table. Real class
// layouts, method dispatch, and inheritance live above this core, which
// only needs enough of an object model to exercise cached field access.
type Object struct {
	Shape  string
	Fields map[string]any
}

func NewObject(shape string) *Object {
	return &Object{Shape: shape, Fields: map[string]any{}}
}

// fieldSites holds one PropertyCache per distinct field name this process
// has ever accessed, an append-only registry of call-site-like state shared
// across every field access compiled against that name. A fuller
// implementation would key each cache per syntactic access site, but
// ExprGraph does not thread a site identity through primitive application,
// so the per-name cache is the closest approximation available here.
var (
	fieldSitesMu sync.RWMutex
	fieldSites   = map[string]*callsite.PropertyCache{}
)

func fieldSite(name string) *callsite.PropertyCache {
	fieldSitesMu.RLock()
	pc, ok := fieldSites[name]
	fieldSitesMu.RUnlock()
	if ok {
		return pc
	}
	fieldSitesMu.Lock()
	defer fieldSitesMu.Unlock()
	if pc, ok = fieldSites[name]; ok {
		return pc
	}
	pc = callsite.NewPropertyCache()
	fieldSites[name] = pc
	return pc
}

// ResetFieldCaches clears every per-name property cache, a test hook for
// cases that share a process.
func ResetFieldCaches() {
	fieldSitesMu.Lock()
	defer fieldSitesMu.Unlock()
	fieldSites = map[string]*callsite.PropertyCache{}
}

func asObject(v any) (*Object, error) {
	obj, ok := v.(*Object)
	if !ok {
		return nil, errors.NewRuntimeError(errors.RBadOperand, "field access on non-object %T", v)
	}
	return obj, nil
}

// Get performs a cached field-get: obj.<name>. internal/interp and
// internal/codegen call this directly once they've extracted <name> from
// the node's "field-get:<name>" op via FieldName, since the field name is
// static (known at compile time) rather than a runtime argument.
func Get(obj *Object, name string) (any, error) {
	pc := fieldSite(name)
	if !pc.Check(obj.Shape, name) {
		pc.Update(obj.Shape, name)
	}
	return obj.Fields[name], nil
}

// Set performs a cached field-set: obj.<name> = val.
func Set(obj *Object, name string, val any) error {
	pc := fieldSite(name)
	if !pc.Check(obj.Shape, name) {
		pc.Update(obj.Shape, name)
	}
	obj.Fields[name] = val
	return nil
}

// fieldGetOp and fieldSetOp exist in the registry only so the inferencer and
// the specialization planner can consult a uniform Primitive for any
// "field-get:*"/"field-set:*" op name (Lookup strips the ":<name>" suffix);
// their Apply/ApplyTyped are never invoked — internal/interp and
// internal/codegen call Get/Set above directly, since those need the
// statically-known field name that Apply's generic []any signature has no
// room for.
type fieldGetOp struct{}

func (fieldGetOp) Name() string { return "field-get" }
func (fieldGetOp) Arity() int   { return 1 }

func (fieldGetOp) Apply([]any) (any, error) {
	panic("primitive: fieldGetOp.Apply is unreachable; call Get directly")
}

func (fieldGetOp) InferredReturn([]types.ExprType) types.ExprType {
	return types.Known(types.CatRef)
}

func (fieldGetOp) SpecializedReturn(argCats []types.Cat) (types.Cat, error) {
	if argCats[0] != types.CatRef {
		return 0, errors.NewCompilerError(errors.CImpossibleBridge, "field-get requires a reference receiver")
	}
	return types.CatRef, nil
}

func (fieldGetOp) ApplyTyped([]types.Cat, []any) (any, error) {
	panic("primitive: fieldGetOp.ApplyTyped is unreachable; call Get directly")
}

type fieldSetOp struct{}

func (fieldSetOp) Name() string { return "field-set" }
func (fieldSetOp) Arity() int   { return 2 }

func (fieldSetOp) Apply([]any) (any, error) {
	panic("primitive: fieldSetOp.Apply is unreachable; call Set directly")
}

func (fieldSetOp) InferredReturn([]types.ExprType) types.ExprType {
	return types.Known(types.CatRef)
}

func (fieldSetOp) SpecializedReturn(argCats []types.Cat) (types.Cat, error) {
	if argCats[0] != types.CatRef {
		return 0, errors.NewCompilerError(errors.CImpossibleBridge, "field-set requires a reference receiver")
	}
	return types.CatRef, nil
}

func (fieldSetOp) ApplyTyped([]types.Cat, []any) (any, error) {
	panic("primitive: fieldSetOp.ApplyTyped is unreachable; call Set directly")
}
