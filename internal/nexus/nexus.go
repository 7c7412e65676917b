// Package nexus owns the per-function runtime record: profile, analysis
// results, compiled forms, and the dispatch state every call site links
// against. It drives the tiering state machine
//
//	INTERPRETED -> COMPILING -> COMPILED (generic, optionally specialized)
//
// and the deoptimization path back: a reset bumps the nexus generation so
// every inline-cache entry holding an old direct link guard-fails, while
// in-flight specialized activations finish through their recovery routine.
package nexus

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/vbk/adaptivec/internal/callsite"
	"github.com/vbk/adaptivec/internal/codegen"
	"github.com/vbk/adaptivec/internal/errors"
	"github.com/vbk/adaptivec/internal/graph"
	"github.com/vbk/adaptivec/internal/infer"
	"github.com/vbk/adaptivec/internal/profile"
	"github.com/vbk/adaptivec/internal/specialize"
	"github.com/vbk/adaptivec/internal/types"
	"github.com/vbk/adaptivec/internal/value"
)

// Tiering states. Transitions are one-way within a generation; a Reset
// starts a new generation back at StateInterpreted.
const (
	StateInterpreted int32 = iota
	StateCompiling
	StateCompiled
	// StateFailed parks a function whose compile errored so every later
	// call doesn't retry; it keeps running interpreted.
	StateFailed
)

// compiledForms is the immutable bundle a successful compile installs.
// Replacing it requires a new generation; the forms themselves are never
// modified after publication.
type compiledForms struct {
	generic          codegen.Routine
	recovery         codegen.RecoveryRoutine
	specialized      codegen.Routine // nil when not specializable
	specParams       []types.Cat
	canBeSpecialized bool
}

// Nexus is one function's mutable dispatch state.
type Nexus struct {
	reg      *Registry
	fn       *graph.Function
	profiles *profile.Store

	mu         sync.Mutex // serializes compile/install/reset
	state      atomic.Int32
	generation atomic.Int64
	forms      atomic.Value // *compiledForms, published with release semantics
	inferred   atomic.Bool
}

// Function returns the frozen expression graph this nexus dispatches.
func (n *Nexus) Function() *graph.Function { return n.fn }

// Profiles returns the function's observation store.
func (n *Nexus) Profiles() *profile.Store { return n.profiles }

// Generation returns the monotonic counter inline-cache guards check.
func (n *Nexus) Generation() int64 { return n.generation.Load() }

func (n *Nexus) loadForms() *compiledForms {
	f, _ := n.forms.Load().(*compiledForms)
	return f
}

// Invoke runs the function against already-evaluated copied-outer values
// and arguments, through whichever tier is current.
func (n *Nexus) Invoke(copied, args []any) (any, error) {
	if f := n.loadForms(); f != nil {
		frame, err := n.newFrame(copied, args)
		if err != nil {
			return nil, err
		}
		if f.specialized != nil && argsMatch(f.specParams, args) {
			res, err := f.specialized.Run(frame)
			if err != nil {
				if _, ok := err.(*errors.SquarePegException); ok {
					// Escaping the routine means a bridge was emitted
					// without its recovery region.
					return nil, errors.NewCompilerError(errors.CBadArity,
						"square peg escaped specialized routine of %q", n.fn.Name)
				}
				return nil, err
			}
			return res, nil
		}
		return f.generic.Run(frame)
	}

	frame, err := n.newFrame(copied, args)
	if err != nil {
		return nil, err
	}
	res, err := n.reg.profiling.Eval(n.fn, frame, n.profiles)
	if n.fn.Invocations() > int64(n.reg.cfg.ProfilingThreshold) {
		n.compileIfHot()
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// newFrame lays out an activation: copied outers first, then parameters,
// then zeroed locals.
func (n *Nexus) newFrame(copied, args []any) ([]any, error) {
	if len(copied) != len(n.fn.CopiedOuters) {
		return nil, errors.NewRuntimeError(errors.RBadOperand,
			"%s: expected %d copied outers, got %d", n.fn.Name, len(n.fn.CopiedOuters), len(copied))
	}
	if len(args) != len(n.fn.Params) {
		return nil, errors.NewRuntimeError(errors.RBadOperand,
			"%s: expected %d arguments, got %d", n.fn.Name, len(n.fn.Params), len(args))
	}
	frame := make([]any, n.fn.FrameSize())
	copy(frame, copied)
	copy(frame[len(copied):], args)
	return frame, nil
}

func argsMatch(specParams []types.Cat, args []any) bool {
	if len(args) != len(specParams) {
		return false
	}
	for i, cat := range specParams {
		if cat == types.CatRef {
			continue
		}
		if value.CatOf(args[i]) != cat {
			return false
		}
	}
	return true
}

// compileIfHot makes the INTERPRETED -> COMPILING transition exactly once;
// compilation runs synchronously with the triggering invocation.
func (n *Nexus) compileIfHot() {
	if !n.state.CAS(StateInterpreted, StateCompiling) {
		return
	}
	if err := n.compile(); err != nil {
		n.reg.log.Error("compilation failed",
			zap.String("function", n.fn.Name), zap.Error(err))
		n.state.Store(StateFailed)
		return
	}
	n.state.Store(StateCompiled)
}

func (n *Nexus) compile() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.reg.log.Debug("compiling function",
		zap.String("function", n.fn.Name),
		zap.Int64("invocations", n.fn.Invocations()))

	if _, err := infer.Infer(n.fn, n.reg); err != nil {
		return err
	}
	n.inferred.Store(true)

	specialize.PlanGeneric(n.fn)
	generic, recovery, err := n.reg.compiler.CompileGeneric(n.fn)
	if err != nil {
		return err
	}

	can := specialize.PlanSpecialized(n.fn, n.profiles)
	f := &compiledForms{generic: generic, recovery: recovery, canBeSpecialized: can}
	if can {
		spec, serr := n.reg.compiler.CompileSpecialized(n.fn, recovery)
		if serr != nil {
			// The profiled categories hit a combination some primitive
			// refuses; the generic form still covers every input, so the
			// function stays generic rather than failing outright.
			n.reg.log.Warn("specialization rejected",
				zap.String("function", n.fn.Name), zap.Error(serr))
		} else {
			f.specialized = spec
			f.specParams = codegen.SpecializedParamCats(n.fn)
		}
	}

	n.fn.Freeze()
	n.forms.Store(f)
	n.reg.log.Info("compiled function",
		zap.String("function", n.fn.Name),
		zap.Bool("specialized", f.specialized != nil))
	return nil
}

// Reset starts a new generation: compiled forms are dropped, inline-cache
// entries guarding on the old generation go dead, and the function returns
// to profiled interpretation. The invocation count is kept, so a function
// already past the threshold recompiles on its next profiled call.
// Activations already inside an old form finish there (or in its recovery
// routine); no frame is touched.
func (n *Nexus) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.generation.Inc()
	n.forms.Store((*compiledForms)(nil))
	n.fn.Thaw()
	n.state.Store(StateInterpreted)
	n.reg.log.Info("deoptimizing", zap.String("function", n.fn.Name),
		zap.Int64("generation", n.generation.Load()))
}

// optimalInvoker picks the best entry for a call site of the given type,
// with the copied values pre-bound: the specialized form when its
// parameter categories match the site exactly, else the generic form, else
// the profiling-interpreter trampoline. The trampoline re-reads the
// tiering state on every call, so caching it never pins a function in
// interpreted mode.
func (n *Nexus) optimalInvoker(copied []any, ct codegen.CallType) callsite.Invoker {
	if f := n.loadForms(); f != nil {
		if f.specialized != nil && catsEqual(f.specParams, ct.Args) && ct.Ret == types.CatRef {
			spec := f.specialized
			return func(args []any) (any, error) {
				frame, err := n.newFrame(copied, args)
				if err != nil {
					return nil, err
				}
				return spec.Run(frame)
			}
		}
		generic := f.generic
		return func(args []any) (any, error) {
			frame, err := n.newFrame(copied, args)
			if err != nil {
				return nil, err
			}
			return generic.Run(frame)
		}
	}
	return func(args []any) (any, error) {
		return n.Invoke(copied, args)
	}
}

func catsEqual(a, b []types.Cat) bool {
	if len(a) != len(b) {
		return false
	}
	for i, c := range a {
		if c != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Debug and test accessors
// ---------------------------------------------------------------------------

// IsCompiled reports whether compiled forms are installed.
func (n *Nexus) IsCompiled() bool { return n.loadForms() != nil }

// HasSpecialized reports whether a specialized routine is installed.
func (n *Nexus) HasSpecialized() bool {
	f := n.loadForms()
	return f != nil && f.specialized != nil
}

// CanBeSpecialized reports the planner's verdict from the last compile.
func (n *Nexus) CanBeSpecialized() bool {
	f := n.loadForms()
	return f != nil && f.canBeSpecialized
}

// SpecializedParamCats returns the installed specialized signature, or nil.
func (n *Nexus) SpecializedParamCats() []types.Cat {
	f := n.loadForms()
	if f == nil {
		return nil
	}
	return f.specParams
}

// RoutineTraces returns the symbolic instruction trace of each installed
// routine, for debug dumps and emission tests.
func (n *Nexus) RoutineTraces() map[string][]string {
	f := n.loadForms()
	if f == nil {
		return nil
	}
	traces := map[string][]string{}
	if t, ok := f.generic.(codegen.Traced); ok {
		traces["generic"] = t.Trace()
	}
	if f.specialized != nil {
		if t, ok := f.specialized.(codegen.Traced); ok {
			traces["specialized"] = t.Trace()
		}
	}
	return traces
}

// ProfileSnapshot captures each variable's observation counters by name.
func (n *Nexus) ProfileSnapshot() map[string]profile.Snapshot {
	snap := map[string]profile.Snapshot{}
	for _, v := range n.fn.AllVariables() {
		if p, ok := n.profiles.VariableIfPresent(v); ok {
			snap[v.Name] = p.Snapshot()
		}
	}
	return snap
}
