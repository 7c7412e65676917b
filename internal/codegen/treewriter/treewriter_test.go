package treewriter_test

import (
	"testing"

	"github.com/vbk/adaptivec/internal/codegen"
	"github.com/vbk/adaptivec/internal/codegen/treewriter"
	"github.com/vbk/adaptivec/internal/types"
)

func TestStraightLineProgram(t *testing.T) {
	w := treewriter.New()
	w.LoadConst(int64(40))
	w.LoadConst(int64(2))
	w.InvokeStatic("add", 2, func(args []any) (any, error) {
		return args[0].(int64) + args[1].(int64), nil
	})
	w.Ret(types.CatInt)

	r, err := w.Finish("straight", 0)
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(nil)
	if err != nil {
		t.Fatal(err)
	}
	if res != int64(42) {
		t.Fatalf("got %v, want 42", res)
	}
}

func TestConditionalJump(t *testing.T) {
	build := func(cond bool) codegen.Routine {
		w := treewriter.New()
		elseL := w.NewLabel()
		endL := w.NewLabel()
		w.LoadConst(cond)
		w.JumpIfFalse(elseL, types.CatBool)
		w.LoadConst("then")
		w.Jump(endL)
		w.Bind(elseL)
		w.LoadConst("else")
		w.Bind(endL)
		w.Ret(types.CatRef)
		r, err := w.Finish("cond", 0)
		if err != nil {
			t.Fatal(err)
		}
		return r
	}

	if res, _ := build(true).Run(nil); res != "then" {
		t.Fatalf("true branch = %v", res)
	}
	if res, _ := build(false).Run(nil); res != "else" {
		t.Fatalf("false branch = %v", res)
	}
}

func TestUnwrapMismatchReachesHandler(t *testing.T) {
	w := treewriter.New()
	begin := w.NewLabel()
	end := w.NewLabel()
	w.LoadConst("not an int")
	w.Bind(begin)
	w.UnwrapInt()
	w.Bind(end)
	w.Ret(types.CatInt)
	var caught any
	w.WithTryHandler(begin, end, func(frame []any, peg any) (any, error) {
		caught = peg
		return "recovered", nil
	})

	r, err := w.Finish("peggy", 0)
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(nil)
	if err != nil {
		t.Fatal(err)
	}
	if res != "recovered" {
		t.Fatalf("handler result = %v", res)
	}
	if caught != "not an int" {
		t.Fatalf("handler peg = %v, want the offending value", caught)
	}
}

func TestUnwrapMismatchOutsideRegionSurfaces(t *testing.T) {
	w := treewriter.New()
	w.LoadConst(true)
	w.UnwrapInt()
	w.Ret(types.CatInt)
	r, err := w.Finish("bare", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(nil); err == nil {
		t.Fatal("an uncovered unwrap mismatch must surface as an error")
	}
}

func TestRecoveryEntrySeedsStack(t *testing.T) {
	w := treewriter.New()
	w.LoadConst(int64(1))
	w.BindRecoveryEntry(0)
	w.StoreVar(0, types.CatRef, false)
	w.LoadVar(0, types.CatRef, false)
	w.Ret(types.CatRef)
	r, err := w.Finish("entries", 1)
	if err != nil {
		t.Fatal(err)
	}

	// From the top: the constant lands in the slot.
	res, err := r.Run(make([]any, 1))
	if err != nil || res != int64(1) {
		t.Fatalf("Run = (%v, %v), want 1", res, err)
	}
	// Entering at the recovery site replaces it with the seeded peg.
	rec := r.(codegen.RecoveryRoutine)
	res, err = rec.RunRecovery(make([]any, 1), 0, "seeded")
	if err != nil || res != "seeded" {
		t.Fatalf("RunRecovery = (%v, %v), want seeded", res, err)
	}
}

func TestUnboundLabelFailsFinish(t *testing.T) {
	w := treewriter.New()
	l := w.NewLabel()
	w.Jump(l)
	if _, err := w.Finish("dangling", 0); err == nil {
		t.Fatal("a jump to an unbound label must fail Finish")
	}
}

func TestTraceAndDump(t *testing.T) {
	w := treewriter.New()
	w.LoadConst(int64(1))
	w.BoxInt()
	w.Ret(types.CatRef)
	r, err := w.Finish("traced", 0)
	if err != nil {
		t.Fatal(err)
	}
	prog := r.(*treewriter.Program)
	trace := prog.Trace()
	if len(trace) != 3 || trace[0] != "const" || trace[1] != "box_int" {
		t.Fatalf("trace = %v", trace)
	}
	out, err := prog.Dump()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 {
		t.Fatal("dump should produce JSON")
	}
}
