package nexus_test

import (
	"strings"
	"testing"

	"github.com/vbk/adaptivec/internal/config"
	"github.com/vbk/adaptivec/internal/errors"
	"github.com/vbk/adaptivec/internal/graph"
	"github.com/vbk/adaptivec/internal/nexus"
	"github.com/vbk/adaptivec/internal/types"
)

func newRegistry(threshold int) *nexus.Registry {
	cfg := config.Default()
	cfg.ProfilingThreshold = threshold
	return nexus.NewRegistry(cfg, nil)
}

// interpOnly keeps every function interpreted for the life of the test.
func interpOnly() *nexus.Registry { return newRegistry(1 << 30) }

// ---------------------------------------------------------------------------
// Program fixtures
// ---------------------------------------------------------------------------

// buildFib: fib(n) = if n < 2 then 1 else fib(n-1) + fib(n-2), in ANF.
func buildFib(id string) *graph.Function {
	fn := graph.NewFunction(id, id)
	n := graph.NewVariableDefinition("n", fn)
	a := graph.NewVariableDefinition("a", fn)
	b := graph.NewVariableDefinition("b", fn)
	fn.Params = []*graph.VariableDefinition{n}
	fn.Locals = []*graph.VariableDefinition{a, b}
	body := graph.NewIf(
		graph.NewPrimitive2("<", graph.NewGetVar(n), graph.NewConstInt(2)),
		graph.NewConstInt(1),
		graph.NewLet(a,
			graph.NewCall1(graph.NewDirectFunction(id),
				graph.NewPrimitive2("-", graph.NewGetVar(n), graph.NewConstInt(1))),
			graph.NewLet(b,
				graph.NewCall1(graph.NewDirectFunction(id),
					graph.NewPrimitive2("-", graph.NewGetVar(n), graph.NewConstInt(2))),
				graph.NewPrimitive2("+", graph.NewGetVar(a), graph.NewGetVar(b)),
				false),
			false),
	)
	return graph.NewBuilder(fn).Finish(body)
}

// buildID: id(x) = x.
func buildID(id string) *graph.Function {
	fn := graph.NewFunction(id, id)
	x := graph.NewVariableDefinition("x", fn)
	fn.Params = []*graph.VariableDefinition{x}
	return graph.NewBuilder(fn).Finish(graph.NewGetVar(x))
}

// buildTrap: f(x) = let y = x + 1 in { if x < 0 then set! y "oops" else 0; y }.
// The assignment path stays cold while profiling, so y narrows to int; the
// first negative argument then drives the square-peg deopt.
func buildTrap(id string) *graph.Function {
	fn := graph.NewFunction(id, id)
	x := graph.NewVariableDefinition("x", fn)
	y := graph.NewVariableDefinition("y", fn)
	fn.Params = []*graph.VariableDefinition{x}
	fn.Locals = []*graph.VariableDefinition{y}
	body := graph.NewLet(y,
		graph.NewPrimitive2("+", graph.NewGetVar(x), graph.NewConstInt(1)),
		graph.NewBlock(
			graph.NewIf(
				graph.NewPrimitive2("<", graph.NewGetVar(x), graph.NewConstInt(0)),
				graph.NewSetVar(y, graph.NewConstString("oops")),
				graph.NewConstInt(0)),
			graph.NewGetVar(y),
		), false)
	return graph.NewBuilder(fn).Finish(body)
}

// buildPick: pick(a, b) = if a < b then 1 else 2.
func buildPick(id string) *graph.Function {
	fn := graph.NewFunction(id, id)
	a := graph.NewVariableDefinition("a", fn)
	b := graph.NewVariableDefinition("b", fn)
	fn.Params = []*graph.VariableDefinition{a, b}
	body := graph.NewIf(
		graph.NewPrimitive2("<", graph.NewGetVar(a), graph.NewGetVar(b)),
		graph.NewConstInt(1),
		graph.NewConstInt(2))
	return graph.NewBuilder(fn).Finish(body)
}

// buildApply: apply(c) = c(7), a closure call site.
func buildApply(id string) *graph.Function {
	fn := graph.NewFunction(id, id)
	c := graph.NewVariableDefinition("c", fn)
	fn.Params = []*graph.VariableDefinition{c}
	return graph.NewBuilder(fn).Finish(
		graph.NewCall1(graph.NewGetVar(c), graph.NewConstInt(7)))
}

// buildCountdown: g() = let rec f = λx. if x = 0 then 0 else f(x-1) in f(3).
// The letrec variable is captured by the inner lambda, so it is boxed and
// shared as a cell between the outer frame and the closure.
func buildCountdown(outerID, innerID string) (outer, inner *graph.Function) {
	inner = graph.NewFunction(innerID, innerID)
	f0 := graph.NewVariableDefinition("f0", inner)
	f0.IsBoxed = true
	x := graph.NewVariableDefinition("x", inner)
	inner.CopiedOuters = []*graph.VariableDefinition{f0}
	inner.Params = []*graph.VariableDefinition{x}
	graph.NewBuilder(inner).Finish(
		graph.NewIf(
			graph.NewPrimitive2("=", graph.NewGetVar(x), graph.NewConstInt(0)),
			graph.NewConstInt(0),
			graph.NewCall1(graph.NewGetVar(f0),
				graph.NewPrimitive2("-", graph.NewGetVar(x), graph.NewConstInt(1)))))

	outer = graph.NewFunction(outerID, outerID)
	f := graph.NewVariableDefinition("f", outer)
	outer.Locals = []*graph.VariableDefinition{f}
	graph.NewBuilder(outer).Finish(
		graph.NewLet(f,
			graph.NewClosure(innerID, []*graph.VariableDefinition{f}),
			graph.NewCall1(graph.NewGetVar(f), graph.NewConstInt(3)),
			true))
	return outer, inner
}

// ---------------------------------------------------------------------------
// S1: fibonacci specializes to (int) -> int
// ---------------------------------------------------------------------------

func TestFibSpecializes(t *testing.T) {
	reg := newRegistry(100)
	nx := reg.DefineFunction("fib", buildFib("fib"))

	// The recursion crosses the threshold within the first few top-level
	// calls; keep going until the tier settles.
	for i := 0; i < 5; i++ {
		if _, err := reg.Call("fib", int64(10)); err != nil {
			t.Fatal(err)
		}
	}
	if !nx.IsCompiled() {
		t.Fatal("fib should be compiled after crossing the threshold")
	}
	if !nx.HasSpecialized() {
		t.Fatal("fib should have a specialized routine")
	}
	if got := nx.SpecializedParamCats(); len(got) != 1 || got[0] != types.CatInt {
		t.Fatalf("specialized signature = %v, want (int)", got)
	}

	res, err := reg.Call("fib", int64(10))
	if err != nil {
		t.Fatal(err)
	}
	if res != int64(89) {
		t.Fatalf("fib(10) = %v, want 89", res)
	}
	res, err = reg.Call("fib", int64(20))
	if err != nil {
		t.Fatal(err)
	}
	if res != int64(10946) {
		t.Fatalf("fib(20) = %v, want 10946", res)
	}
}

// ---------------------------------------------------------------------------
// S2: a polymorphic identity stays generic
// ---------------------------------------------------------------------------

func TestPolymorphicIdentityStaysGeneric(t *testing.T) {
	reg := newRegistry(10)
	nx := reg.DefineFunction("id", buildID("id"))

	inputs := []any{int64(1), true, "hi"}
	for i := 0; i < 15; i++ {
		arg := inputs[i%len(inputs)]
		res, err := reg.Call("id", arg)
		if err != nil {
			t.Fatal(err)
		}
		if res != arg {
			t.Fatalf("id(%v) = %v", arg, res)
		}
	}
	if !nx.IsCompiled() {
		t.Fatal("id should be compiled")
	}
	if nx.CanBeSpecialized() {
		t.Fatal("a fully-polymorphic identity must not be specializable")
	}
	if nx.HasSpecialized() {
		t.Fatal("no specialized routine should exist")
	}
	for _, arg := range inputs {
		res, err := reg.Call("id", arg)
		if err != nil {
			t.Fatal(err)
		}
		if res != arg {
			t.Fatalf("compiled id(%v) = %v", arg, res)
		}
	}
}

// ---------------------------------------------------------------------------
// S3: set! of a string into an int slot deoptimizes mid-function
// ---------------------------------------------------------------------------

func TestSetVarDeoptimizes(t *testing.T) {
	reg := newRegistry(10)
	nx := reg.DefineFunction("trap", buildTrap("trap"))

	for i := 0; i < 15; i++ {
		res, err := reg.Call("trap", int64(5))
		if err != nil {
			t.Fatal(err)
		}
		if res != int64(6) {
			t.Fatalf("trap(5) = %v, want 6", res)
		}
	}
	if !nx.HasSpecialized() {
		t.Fatal("trap should specialize while the assignment path is cold")
	}
	yType := types.CatRef
	for _, v := range nx.Function().Locals {
		if v.Name == "y" {
			yType = types.CatOf(v.SpecializedType())
		}
	}
	if yType != types.CatInt {
		t.Fatalf("y specialized = %v, want int", yType)
	}

	// Reaching the assignment stores a string into the int slot: the
	// square peg fires, recovery completes the call, and the string is
	// the result.
	res, err := reg.Call("trap", int64(-1))
	if err != nil {
		t.Fatalf("deopt must be invisible to the caller, got %v", err)
	}
	if res != "oops" {
		t.Fatalf("trap(-1) = %v, want \"oops\"", res)
	}

	// The generic form agrees (deopt completeness).
	oracle := interpOnly()
	oracle.DefineFunction("trap", buildTrap("trap"))
	want, err := oracle.Call("trap", int64(-1))
	if err != nil {
		t.Fatal(err)
	}
	if res != want {
		t.Fatalf("deopt result %v != interpreted result %v", res, want)
	}
}

// ---------------------------------------------------------------------------
// S4: inline cache growth and the megamorphic transition
// ---------------------------------------------------------------------------

func TestInlineCacheGrowsThenGoesMegamorphic(t *testing.T) {
	reg := newRegistry(5)
	reg.DefineFunction("apply", buildApply("apply"))
	var ids []string
	for _, name := range []string{"idA", "idB", "idC", "idD"} {
		reg.DefineFunction(name, buildID(name))
		ids = append(ids, name)
	}
	closureOf := func(id string) any {
		c, err := reg.MaterializeClosure(id, nil)
		if err != nil {
			t.Fatal(err)
		}
		return c
	}

	// Warm apply past the threshold so the closure call site exists.
	for i := 0; i < 10; i++ {
		if _, err := reg.Call("apply", closureOf("idA")); err != nil {
			t.Fatal(err)
		}
	}
	findSite := func() *nexus.BoundSite {
		for _, s := range reg.CallSites() {
			if s.Name == "call" {
				site := s
				return &site
			}
		}
		return nil
	}
	site := findSite()
	if site == nil {
		t.Fatal("compiled apply should have bootstrapped its closure call site")
	}

	// Three distinct function identities: a full polymorphic chain.
	for _, id := range ids[:3] {
		if res, err := reg.Call("apply", closureOf(id)); err != nil || res != int64(7) {
			t.Fatalf("apply(%s) = (%v, %v)", id, res, err)
		}
	}
	if site.Site.CacheCount() != 3 {
		t.Fatalf("cache count = %d, want 3", site.Site.CacheCount())
	}
	if site.Site.IsMegamorphic() {
		t.Fatal("three identities fit within the cache limit")
	}

	// The fourth flips the site; it stays megamorphic and still answers.
	if res, err := reg.Call("apply", closureOf("idD")); err != nil || res != int64(7) {
		t.Fatalf("apply(idD) = (%v, %v)", res, err)
	}
	if !site.Site.IsMegamorphic() {
		t.Fatal("fourth identity should flip the site megamorphic")
	}
	for _, id := range ids {
		if res, err := reg.Call("apply", closureOf(id)); err != nil || res != int64(7) {
			t.Fatalf("megamorphic apply(%s) = (%v, %v)", id, res, err)
		}
	}
	if !site.Site.IsMegamorphic() {
		t.Fatal("megamorphic must be sticky")
	}
}

// ---------------------------------------------------------------------------
// S5: letrec initialization
// ---------------------------------------------------------------------------

func TestLetrecCountdown(t *testing.T) {
	reg := newRegistry(5)
	outer, inner := buildCountdown("g", "g$inner")
	reg.DefineFunction("g", outer)
	reg.DefineFunction("g$inner", inner)

	// Interpreted first, then compiled: both must run the recursion off
	// the pre-initialized letrec cell without touching a null closure.
	for i := 0; i < 10; i++ {
		res, err := reg.Call("g")
		if err != nil {
			t.Fatal(err)
		}
		if res != int64(0) {
			t.Fatalf("g() = %v, want 0", res)
		}
	}
	nx, _ := reg.LookupFunction("g")
	if !nx.IsCompiled() {
		t.Fatal("g should be compiled by now")
	}
	res, err := reg.Call("g")
	if err != nil {
		t.Fatal(err)
	}
	if res != int64(0) {
		t.Fatalf("compiled g() = %v, want 0", res)
	}
}

// ---------------------------------------------------------------------------
// S6: if-fusion emits one compare-and-branch
// ---------------------------------------------------------------------------

func TestIfFusionThroughTiering(t *testing.T) {
	reg := newRegistry(5)
	nx := reg.DefineFunction("pick", buildPick("pick"))

	for i := 0; i < 10; i++ {
		if _, err := reg.Call("pick", int64(1), int64(2)); err != nil {
			t.Fatal(err)
		}
	}
	if !nx.HasSpecialized() {
		t.Fatal("pick should specialize on an int profile")
	}
	trace := nx.RoutineTraces()["specialized"]
	fused := 0
	for _, op := range trace {
		if strings.HasPrefix(op, "int_test_jump") {
			fused++
		}
		if op == "unwrap_bool" || strings.HasPrefix(op, "jump_if_false") {
			t.Fatalf("specialized pick still produces a boolean to branch on: %v", trace)
		}
	}
	if fused != 1 {
		t.Fatalf("specialized pick has %d fused branches, want 1: %v", fused, trace)
	}

	if res, _ := reg.Call("pick", int64(1), int64(2)); res != int64(1) {
		t.Fatalf("pick(1,2) = %v, want 1", res)
	}
	if res, _ := reg.Call("pick", int64(5), int64(5)); res != int64(2) {
		t.Fatalf("pick(5,5) = %v, want 2", res)
	}
}

// ---------------------------------------------------------------------------
// Interpreter/compiler agreement, error agreement, recompile idempotence
// ---------------------------------------------------------------------------

func TestTiersAgree(t *testing.T) {
	type program struct {
		name  string
		build func(id string) *graph.Function
		args  [][]any
	}
	programs := []program{
		{"fib", buildFib, [][]any{{int64(1)}, {int64(5)}, {int64(10)}}},
		{"trap", buildTrap, [][]any{{int64(5)}, {int64(0)}, {int64(-1)}}},
		{"pick", buildPick, [][]any{{int64(1), int64(2)}, {int64(5), int64(5)}}},
		{"id", buildID, [][]any{{int64(3)}, {true}, {"hi"}}},
	}
	for _, p := range programs {
		t.Run(p.name, func(t *testing.T) {
			oracle := interpOnly()
			oracle.DefineFunction(p.name, p.build(p.name))
			jit := newRegistry(3)
			jit.DefineFunction(p.name, p.build(p.name))

			// Warm the jit registry well past the threshold, then compare
			// every input against the interpreted oracle.
			for i := 0; i < 10; i++ {
				for _, args := range p.args {
					if _, err := jit.Call(p.name, args...); err != nil {
						t.Fatal(err)
					}
				}
			}
			for _, args := range p.args {
				want, err1 := oracle.Call(p.name, args...)
				got, err2 := jit.Call(p.name, args...)
				if (err1 == nil) != (err2 == nil) {
					t.Fatalf("args %v: oracle err %v, jit err %v", args, err1, err2)
				}
				if got != want {
					t.Fatalf("args %v: jit = %v, oracle = %v", args, got, want)
				}
			}
		})
	}
}

func TestRuntimeErrorAgreement(t *testing.T) {
	// inc(x) = x + 1 applied to a boolean raises the same error kind in
	// every tier: the profiled categories make specialization impossible,
	// compilation falls back to generic, and the primitive still rejects
	// the operand at runtime.
	build := func(id string) *graph.Function {
		fn := graph.NewFunction(id, id)
		x := graph.NewVariableDefinition("x", fn)
		fn.Params = []*graph.VariableDefinition{x}
		return graph.NewBuilder(fn).Finish(
			graph.NewPrimitive2("+", graph.NewGetVar(x), graph.NewConstInt(1)))
	}
	oracle := interpOnly()
	oracle.DefineFunction("inc", build("inc"))
	jit := newRegistry(3)
	nx := jit.DefineFunction("inc", build("inc"))

	for i := 0; i < 10; i++ {
		if _, err := jit.Call("inc", true); err == nil {
			t.Fatal("adding a boolean should fail")
		}
	}
	if !nx.IsCompiled() {
		t.Fatal("inc should be compiled (generic) despite the bad operands")
	}
	_, errJit := jit.Call("inc", true)
	_, errOracle := oracle.Call("inc", true)
	if _, ok := errJit.(*errors.RuntimeError); !ok {
		t.Fatalf("jit error = %T (%v), want *errors.RuntimeError", errJit, errJit)
	}
	if _, ok := errOracle.(*errors.RuntimeError); !ok {
		t.Fatalf("oracle error = %T (%v), want *errors.RuntimeError", errOracle, errOracle)
	}
}

func TestRecompileAfterResetAgrees(t *testing.T) {
	reg := newRegistry(10)
	nx := reg.DefineFunction("trap", buildTrap("trap"))

	warm := func() {
		for i := 0; i < 15; i++ {
			if _, err := reg.Call("trap", int64(5)); err != nil {
				t.Fatal(err)
			}
		}
	}
	warm()
	if !nx.HasSpecialized() {
		t.Fatal("setup: trap should be specialized")
	}
	firstGen := nx.Generation()

	nx.Reset()
	if nx.IsCompiled() {
		t.Fatal("reset should drop compiled forms")
	}
	if nx.Generation() != firstGen+1 {
		t.Fatalf("generation = %d, want %d", nx.Generation(), firstGen+1)
	}

	// Re-warm: the second compilation must agree with the first on every
	// input, including the deopting one.
	warm()
	if !nx.HasSpecialized() {
		t.Fatal("trap should re-specialize after reset")
	}
	if res, err := reg.Call("trap", int64(5)); err != nil || res != int64(6) {
		t.Fatalf("trap(5) = (%v, %v), want 6", res, err)
	}
	if res, err := reg.Call("trap", int64(-1)); err != nil || res != "oops" {
		t.Fatalf("trap(-1) = (%v, %v), want \"oops\"", res, err)
	}
}

func TestCallWrongArity(t *testing.T) {
	reg := newRegistry(5)
	reg.DefineFunction("id", buildID("id"))
	if _, err := reg.Call("id"); err == nil {
		t.Fatal("calling id with no arguments should fail")
	}
	if _, err := reg.Call("absent", int64(1)); err == nil {
		t.Fatal("calling an unregistered function should fail")
	}
}

func TestCallArityBeyondTwo(t *testing.T) {
	// sum5 exceeds the inlined-argument width, so its call spreads through
	// an array; the result must not care.
	sum5 := graph.NewFunction("sum5", "sum5")
	vars := make([]*graph.VariableDefinition, 5)
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		vars[i] = graph.NewVariableDefinition(name, sum5)
	}
	sum5.Params = vars
	var acc graph.Expr = graph.NewGetVar(vars[0])
	for _, v := range vars[1:] {
		acc = graph.NewPrimitive2("+", acc, graph.NewGetVar(v))
	}
	graph.NewBuilder(sum5).Finish(acc)

	caller := graph.NewFunction("caller", "caller")
	args := make([]graph.Expr, 5)
	for i := range args {
		args[i] = graph.NewConstInt(int64(i + 1))
	}
	graph.NewBuilder(caller).Finish(
		graph.NewCallN(graph.NewDirectFunction("sum5"), args...))

	reg := newRegistry(5)
	reg.DefineFunction("sum5", sum5)
	nx := reg.DefineFunction("caller", caller)
	for i := 0; i < 10; i++ {
		res, err := reg.Call("caller")
		if err != nil {
			t.Fatal(err)
		}
		if res != int64(15) {
			t.Fatalf("caller() = %v, want 15", res)
		}
	}
	if !nx.IsCompiled() {
		t.Fatal("caller should be compiled")
	}
	spread := false
	for _, op := range nx.RoutineTraces()["generic"] {
		if strings.HasPrefix(op, "invokedynamic_spread:") {
			spread = true
		}
	}
	if !spread {
		t.Fatal("a five-argument call should take the spread path")
	}
}

// ---------------------------------------------------------------------------
// Benchmarks: the point of the whole exercise
// ---------------------------------------------------------------------------

func BenchmarkFibInterpreted(b *testing.B) {
	reg := interpOnly()
	reg.DefineFunction("fib", buildFib("fib"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := reg.Call("fib", int64(15)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFibCompiled(b *testing.B) {
	reg := newRegistry(10)
	reg.DefineFunction("fib", buildFib("fib"))
	for i := 0; i < 20; i++ {
		if _, err := reg.Call("fib", int64(15)); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := reg.Call("fib", int64(15)); err != nil {
			b.Fatal(err)
		}
	}
}
