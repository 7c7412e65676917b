// Package profile collects the per-variable and per-expression type
// observations the specialization planner later consults.
package profile

import (
	"go.uber.org/atomic"

	"github.com/vbk/adaptivec/internal/types"
)

// ValueProfile tallies the runtime category of every value a variable or
// expression has seen. Counters are updated from the profiling interpreter,
// which may run on more than one goroutine concurrently against the same
// function, so every increment is atomic.
type ValueProfile struct {
	refCases  atomic.Int64
	intCases  atomic.Int64
	boolCases atomic.Int64
}

// New returns a zeroed profile.
func New() *ValueProfile {
	return &ValueProfile{}
}

// Record classifies v by its runtime category and bumps the matching
// counter. The caller supplies the category rather than an interface{}
// value so this package stays independent of the value representation
// used by the interpreter.
func (p *ValueProfile) Record(cat types.Cat) {
	switch cat {
	case types.CatInt:
		p.intCases.Inc()
	case types.CatBool:
		p.boolCases.Inc()
	default:
		p.refCases.Inc()
	}
}

// HasData reports whether any observation has been recorded.
func (p *ValueProfile) HasData() bool {
	return p.refCases.Load() > 0 || p.intCases.Load() > 0 || p.boolCases.Load() > 0
}

// RefCases, IntCases and BoolCases expose the raw counters, mostly for tests
// and diagnostics.
func (p *ValueProfile) RefCases() int64  { return p.refCases.Load() }
func (p *ValueProfile) IntCases() int64  { return p.intCases.Load() }
func (p *ValueProfile) BoolCases() int64 { return p.boolCases.Load() }

// Observed derives a type from the counters: unknown if nothing was
// recorded; the single category if exactly one was seen; Ref if the ref
// bucket ever fired, or if both int and bool fired (a shared slot holding
// both requires boxing).
func (p *ValueProfile) Observed() types.ExprType {
	if !p.HasData() {
		return types.Unknown
	}
	if p.refCases.Load() == 0 {
		if p.boolCases.Load() == 0 {
			return types.Known(types.CatInt)
		}
		if p.intCases.Load() == 0 {
			return types.Known(types.CatBool)
		}
	}
	return types.Known(types.CatRef)
}

// IsPureInt reports whether every observation so far has been an int.
// Panics if called with no data: callers are expected to check HasData
// first.
func (p *ValueProfile) IsPureInt() bool {
	if !p.HasData() {
		panic("profile.IsPureInt: no profile data")
	}
	return p.refCases.Load() == 0 && p.boolCases.Load() == 0
}

// IsPureBool mirrors IsPureInt for the bool category.
func (p *ValueProfile) IsPureBool() bool {
	if !p.HasData() {
		panic("profile.IsPureBool: no profile data")
	}
	return p.refCases.Load() == 0 && p.intCases.Load() == 0
}

// Snapshot is an immutable copy of the counters, used when a specialization
// decision is taken so later observations can't retroactively change a
// decision already baked into installed code.
type Snapshot struct {
	RefCases, IntCases, BoolCases int64
}

// Snapshot captures the current counters.
func (p *ValueProfile) Snapshot() Snapshot {
	return Snapshot{
		RefCases:  p.refCases.Load(),
		IntCases:  p.intCases.Load(),
		BoolCases: p.boolCases.Load(),
	}
}
