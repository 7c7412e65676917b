package nexus

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/vbk/adaptivec/internal/callsite"
	"github.com/vbk/adaptivec/internal/codegen"
	"github.com/vbk/adaptivec/internal/codegen/treewriter"
	"github.com/vbk/adaptivec/internal/config"
	"github.com/vbk/adaptivec/internal/errors"
	"github.com/vbk/adaptivec/internal/graph"
	"github.com/vbk/adaptivec/internal/interp"
	"github.com/vbk/adaptivec/internal/obs"
	"github.com/vbk/adaptivec/internal/primitive"
	"github.com/vbk/adaptivec/internal/profile"
	"github.com/vbk/adaptivec/internal/types"
	"github.com/vbk/adaptivec/internal/value"
)

// BoundSite pairs a bootstrapped call site with the name it was linked
// under, for cache diagnostics.
type BoundSite struct {
	Name string
	Site *callsite.CallSite
}

// Registry is the process-wide function-id table plus the shared services
// every nexus uses: the two interpreters, the compiler, and the tunables.
// The table is append-only after initialization; additions take the write
// lock, lookups take the read lock.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Nexus
	seq  atomic.Int64

	siteMu sync.Mutex
	sites  []BoundSite

	cfg      *config.Config
	log      *zap.Logger
	compiler *codegen.Compiler

	simple    *interp.Interpreter
	profiling *interp.Interpreter
}

// NewRegistry builds a registry over the given tunables. Both arguments
// may be nil: defaults and a no-op logger apply.
func NewRegistry(cfg *config.Config, log *zap.Logger) *Registry {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = obs.Nop()
	}
	r := &Registry{byID: map[string]*Nexus{}, cfg: cfg, log: log}
	r.compiler = codegen.NewCompiler(r, treewriter.New, cfg.MaxInlinedArgs, log)
	r.simple = interp.New(interp.Simple, r)
	r.profiling = interp.New(interp.Profiling, r)
	return r
}

// DefineFunction registers fn under its id (one is assigned if empty) and
// returns its nexus. The function starts interpreted.
func (r *Registry) DefineFunction(name string, fn *graph.Function) *Nexus {
	if fn.ID == "" {
		fn.ID = fmt.Sprintf("fn$%d", r.seq.Inc())
	}
	if fn.Name == "" {
		fn.Name = name
	}
	nx := &Nexus{reg: r, fn: fn, profiles: profile.NewStore()}
	r.mu.Lock()
	r.byID[fn.ID] = nx
	r.mu.Unlock()
	return nx
}

// LookupFunction resolves a nexus by function id.
func (r *Registry) LookupFunction(id string) (*Nexus, bool) {
	r.mu.RLock()
	nx, ok := r.byID[id]
	r.mu.RUnlock()
	return nx, ok
}

// Reset clears the function table and the global field-access caches, a
// test hook for isolating cases that share a process.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.byID = map[string]*Nexus{}
	r.mu.Unlock()
	r.siteMu.Lock()
	r.sites = nil
	r.siteMu.Unlock()
	primitive.ResetFieldCaches()
}

func (r *Registry) recordSite(name string, site *callsite.CallSite) {
	r.siteMu.Lock()
	r.sites = append(r.sites, BoundSite{Name: name, Site: site})
	r.siteMu.Unlock()
}

// CallSites lists every call site bootstrapped so far.
func (r *Registry) CallSites() []BoundSite {
	r.siteMu.Lock()
	defer r.siteMu.Unlock()
	out := make([]BoundSite, len(r.sites))
	copy(out, r.sites)
	return out
}

// Call invokes a registered function from outside any activation.
func (r *Registry) Call(id string, args ...any) (any, error) {
	return r.InvokeDirect(id, args)
}

// RunSimple evaluates a registered function's body with the simple
// interpreter, the correctness oracle. Callees it reaches still dispatch
// through their own nexus tier.
func (r *Registry) RunSimple(id string, args []any) (any, error) {
	nx, ok := r.LookupFunction(id)
	if !ok {
		return nil, errors.NewRuntimeError(errors.RBadOperand, "unknown function %q", id)
	}
	frame, err := nx.newFrame(nil, args)
	if err != nil {
		return nil, err
	}
	return r.simple.Eval(nx.fn, frame, nx.profiles)
}

// ---------------------------------------------------------------------------
// interp.FunctionInvoker / interp.ClosureMaterializer
// ---------------------------------------------------------------------------

// InvokeDirect calls the function registered under id without closure
// materialization.
func (r *Registry) InvokeDirect(id string, args []any) (any, error) {
	nx, ok := r.LookupFunction(id)
	if !ok {
		return nil, errors.NewRuntimeError(errors.RBadOperand, "unknown function %q", id)
	}
	return nx.Invoke(nil, args)
}

// MaterializeClosure builds a closure value over already-evaluated copied
// outers.
func (r *Registry) MaterializeClosure(functionID string, copiedValues []any) (value.Closure, error) {
	nx, ok := r.LookupFunction(functionID)
	if !ok {
		return nil, errors.NewRuntimeError(errors.RBadOperand, "unknown function %q", functionID)
	}
	return newClosure(nx, copiedValues), nil
}

// ---------------------------------------------------------------------------
// infer.FunctionReturns
// ---------------------------------------------------------------------------

// ReturnType reports a callee's inferred return type once its own
// inference has run; before that the caller types the call as Ref.
func (r *Registry) ReturnType(functionID string) (types.ExprType, bool) {
	nx, ok := r.LookupFunction(functionID)
	if !ok || !nx.inferred.Load() {
		return types.Unknown, false
	}
	return nx.fn.InferredReturn(), true
}

// ---------------------------------------------------------------------------
// codegen.Linker
// ---------------------------------------------------------------------------

// NewClosure is the emitted-code entry for closure materialization.
func (r *Registry) NewClosure(functionID string, copiedValues []any) (any, error) {
	return r.MaterializeClosure(functionID, copiedValues)
}

// ClosureCallBootstrap links closure call sites: on a dispatch miss the
// called closure's optimal invoker runs, and — when the function identity
// alone is a sufficient guard and the site still caches — an entry keyed
// on (function, generation) is installed.
func (r *Registry) ClosureCallBootstrap() codegen.Bootstrap {
	return func(name string, ct codegen.CallType) (*callsite.CallSite, error) {
		var site *callsite.CallSite
		megamorphic := func(args []any) (any, error) {
			inv, _, err := r.resolveClosure(ct, args)
			if err != nil {
				return nil, err
			}
			return inv(args[1:])
		}
		dispatch := func(args []any) (any, error) {
			inv, c, err := r.resolveClosure(ct, args)
			if err != nil {
				return nil, err
			}
			if c != nil && !site.IsMegamorphic() {
				if _, cacheable := c.OptimalInvoker(ct); cacheable {
					nx := c.nexus
					gen := nx.generation.Load()
					site.AddCacheEntry(
						func(args []any) bool {
							cc, ok := args[0].(*Closure)
							return ok && cc.nexus == nx && nx.generation.Load() == gen
						},
						func(args []any) (any, error) {
							return inv(args[1:])
						},
					)
					if site.IsMegamorphic() {
						r.log.Debug("call site megamorphic", zap.String("site", name))
					}
				}
			}
			return inv(args[1:])
		}
		site = callsite.NewWithLimit(dispatch, megamorphic, r.cfg.CacheLimit)
		r.recordSite(name, site)
		return site, nil
	}
}

// resolveClosure extracts the callee from the leading argument and picks
// its optimal invoker. A foreign value.Closure implementation (a test
// double) is invoked directly and never cached.
func (r *Registry) resolveClosure(ct codegen.CallType, args []any) (callsite.Invoker, *Closure, error) {
	switch callee := args[0].(type) {
	case *Closure:
		inv, _ := callee.OptimalInvoker(ct)
		return inv, callee, nil
	case value.Closure:
		return func(rest []any) (any, error) { return callee.Invoke(rest) }, nil, nil
	default:
		return nil, nil, errors.NewRuntimeError(errors.RBadOperand,
			"call target is not a closure: %v", args[0])
	}
}

// DirectCallBootstrap links direct-function call sites; the site name is
// the callee's id. The guard needs only the generation: the identity is
// fixed at link time.
func (r *Registry) DirectCallBootstrap() codegen.Bootstrap {
	return func(name string, ct codegen.CallType) (*callsite.CallSite, error) {
		id := name
		var site *callsite.CallSite
		megamorphic := func(args []any) (any, error) {
			nx, ok := r.LookupFunction(id)
			if !ok {
				return nil, errors.NewRuntimeError(errors.RBadOperand, "unknown function %q", id)
			}
			return nx.optimalInvoker(nil, ct)(args)
		}
		dispatch := func(args []any) (any, error) {
			nx, ok := r.LookupFunction(id)
			if !ok {
				return nil, errors.NewRuntimeError(errors.RBadOperand, "unknown function %q", id)
			}
			inv := nx.optimalInvoker(nil, ct)
			if !site.IsMegamorphic() {
				gen := nx.generation.Load()
				site.AddCacheEntry(
					func([]any) bool { return nx.generation.Load() == gen },
					inv,
				)
			}
			return inv(args)
		}
		site = callsite.NewWithLimit(dispatch, megamorphic, r.cfg.CacheLimit)
		r.recordSite(name, site)
		return site, nil
	}
}
