// Package treewriter is the concrete emitted-code backend this runtime
// ships: instructions are Go closures over a small stack machine rather
// than class-file bytes, so the same Writer-driven emission that would feed
// a bytecode assembler runs directly in-process. Functionally equivalent to
// an emitted method, a few cycles slower per instruction.
package treewriter

import (
	"fmt"
	"sync"

	"github.com/segmentio/encoding/json"

	"github.com/vbk/adaptivec/internal/codegen"
	"github.com/vbk/adaptivec/internal/errors"
	"github.com/vbk/adaptivec/internal/graph"
	"github.com/vbk/adaptivec/internal/types"
	"github.com/vbk/adaptivec/internal/value"
)

// instr is one emitted instruction: a mnemonic for traces plus its
// execution behavior. target is the resolved jump destination for branch
// instructions, -1 otherwise.
type instr struct {
	op    string
	label codegen.Label
	exec  func(m *machine, target int) error
}

type region struct {
	begin, end codegen.Label
	handler    codegen.Handler
}

type resolvedRegion struct {
	begin, end int
	handler    codegen.Handler
}

// Writer accumulates instructions and seals them into a Program.
type Writer struct {
	code    []instr
	labels  []int // label -> pc, -1 while unbound
	regions []region
	entries map[int]int // recovery site -> pc
}

// New returns an empty Writer.
func New() codegen.Writer {
	return &Writer{entries: map[int]int{}}
}

func (w *Writer) emit(op string, exec func(m *machine, target int) error) {
	w.code = append(w.code, instr{op: op, label: -1, exec: exec})
}

func (w *Writer) emitJump(op string, l codegen.Label, exec func(m *machine, target int) error) {
	w.code = append(w.code, instr{op: op, label: l, exec: exec})
}

func (w *Writer) NewLabel() codegen.Label {
	w.labels = append(w.labels, -1)
	return codegen.Label(len(w.labels) - 1)
}

func (w *Writer) Bind(l codegen.Label) {
	w.labels[l] = len(w.code)
}

func (w *Writer) BindRecoveryEntry(site int) {
	w.entries[site] = len(w.code)
}

func (w *Writer) LoadVar(index int, cat types.Cat, boxed bool) {
	op := "load_" + cat.String()
	if boxed {
		op += "_cell"
		w.emit(op, func(m *machine, _ int) error {
			m.push(cellAt(m.locals, index).Value)
			return nil
		})
		return
	}
	w.emit(op, func(m *machine, _ int) error {
		m.push(m.locals[index])
		return nil
	})
}

func (w *Writer) StoreVar(index int, cat types.Cat, boxed bool) {
	op := "store_" + cat.String()
	if boxed {
		op += "_cell"
		w.emit(op, func(m *machine, _ int) error {
			cellAt(m.locals, index).Value = m.pop()
			return nil
		})
		return
	}
	w.emit(op, func(m *machine, _ int) error {
		m.locals[index] = m.pop()
		return nil
	})
}

func (w *Writer) LoadCell(index int) {
	w.emit("load_cell_slot", func(m *machine, _ int) error {
		m.push(cellAt(m.locals, index))
		return nil
	})
}

// cellAt returns the boxed cell stored at slot index, wrapping whatever
// value is there if the slot has not been cell-ified yet (a boxed parameter
// arrives as a raw value from an external Invoke).
func cellAt(locals []any, index int) *graph.BoxedCell {
	if cell, ok := locals[index].(*graph.BoxedCell); ok {
		return cell
	}
	cell := graph.NewBoxedCell(locals[index])
	locals[index] = cell
	return cell
}

func (w *Writer) LoadConst(v any) {
	w.emit("const", func(m *machine, _ int) error {
		m.push(v)
		return nil
	})
}

func (w *Writer) Pop() {
	w.emit("pop", func(m *machine, _ int) error {
		m.pop()
		return nil
	})
}

func (w *Writer) Dup() {
	w.emit("dup", func(m *machine, _ int) error {
		v := m.pop()
		m.push(v)
		m.push(v)
		return nil
	})
}

// BoxInt/BoxBool are representation no-ops here (every stack slot is
// already an interface value) but stay distinct instructions so emission
// order and traces mirror a backend with real boxing.
func (w *Writer) BoxInt() {
	w.emit("box_int", func(*machine, int) error { return nil })
}

func (w *Writer) BoxBool() {
	w.emit("box_bool", func(*machine, int) error { return nil })
}

func (w *Writer) UnwrapInt() {
	w.emit("unwrap_int", func(m *machine, _ int) error {
		i, err := value.AsInt(m.pop())
		if err != nil {
			return err
		}
		m.push(i)
		return nil
	})
}

func (w *Writer) UnwrapBool() {
	w.emit("unwrap_bool", func(m *machine, _ int) error {
		b, err := value.AsBool(m.pop())
		if err != nil {
			return err
		}
		m.push(b)
		return nil
	})
}

func (w *Writer) Jump(l codegen.Label) {
	w.emitJump("jump", l, func(m *machine, target int) error {
		m.pc = target
		return nil
	})
}

func (w *Writer) JumpIfFalse(l codegen.Label, cat types.Cat) {
	switch cat {
	case types.CatBool:
		w.emitJump("jump_if_false_bool", l, func(m *machine, target int) error {
			if !m.pop().(bool) {
				m.pc = target
			}
			return nil
		})
	default:
		w.emitJump("jump_if_false_ref", l, func(m *machine, target int) error {
			v := m.pop()
			b, ok := v.(bool)
			if !ok {
				return errors.NewRuntimeError(errors.RBadOperand, "if condition is not a boolean: %v", v)
			}
			if !b {
				m.pc = target
			}
			return nil
		})
	}
}

func (w *Writer) JumpUnlessIntTest(name string, test codegen.IntTest, l codegen.Label) {
	w.emitJump("int_test_jump:"+name, l, func(m *machine, target int) error {
		b := m.pop().(int64)
		a := m.pop().(int64)
		if !test(a, b) {
			m.pc = target
		}
		return nil
	})
}

func (w *Writer) InvokeStatic(name string, argc int, target codegen.StaticTarget) {
	w.emit("invokestatic:"+name, func(m *machine, _ int) error {
		args := m.popN(argc)
		res, err := target(args)
		if err != nil {
			return err
		}
		m.push(res)
		return nil
	})
}

func (w *Writer) InvokeDynamic(name string, ct codegen.CallType, spread bool, bs codegen.Bootstrap) {
	op := "invokedynamic:" + name
	if spread {
		op = "invokedynamic_spread:" + name
	}
	// The site is resolved on first execution, matching bootstrap-on-first-
	// call linking; every later execution reuses it.
	var (
		once sync.Once
		site dynSite
	)
	argc := ct.ArgCount()
	w.emit(op, func(m *machine, _ int) error {
		once.Do(func() {
			site.site, site.err = bs(name, ct)
		})
		if site.err != nil {
			return site.err
		}
		args := m.popN(argc)
		res, err := site.site.Invoke(args)
		if err != nil {
			return err
		}
		m.push(res)
		return nil
	})
}

type dynSite struct {
	site interface {
		Invoke(args []any) (any, error)
	}
	err error
}

func (w *Writer) Ret(cat types.Cat) {
	w.emit("return_"+cat.String(), func(m *machine, _ int) error {
		m.ret = m.pop()
		m.halted = true
		return nil
	})
}

func (w *Writer) WithTryHandler(begin, end codegen.Label, handler codegen.Handler) {
	w.regions = append(w.regions, region{begin: begin, end: end, handler: handler})
}

// Finish resolves labels and seals the Program. Unbound labels referenced
// by a branch are an emission bug and fail the build.
func (w *Writer) Finish(name string, frameSize int) (codegen.Routine, error) {
	targets := make([]int, len(w.code))
	for i, in := range w.code {
		targets[i] = -1
		if in.label >= 0 {
			pc := w.labels[in.label]
			if pc < 0 {
				return nil, errors.NewCompilerError(errors.CBadArity,
					"%s: branch at %d targets unbound label %d", name, i, in.label)
			}
			targets[i] = pc
		}
	}
	regions := make([]resolvedRegion, 0, len(w.regions))
	for _, r := range w.regions {
		begin, end := w.labels[r.begin], w.labels[r.end]
		if begin < 0 || end < 0 {
			return nil, errors.NewCompilerError(errors.CBadArity,
				"%s: try region over unbound labels", name)
		}
		regions = append(regions, resolvedRegion{begin: begin, end: end, handler: r.handler})
	}
	return &Program{
		name:      name,
		code:      w.code,
		targets:   targets,
		regions:   regions,
		entries:   w.entries,
		frameSize: frameSize,
	}, nil
}

// Program is a sealed routine: immutable once installed.
type Program struct {
	name      string
	code      []instr
	targets   []int
	regions   []resolvedRegion
	entries   map[int]int
	frameSize int
}

type machine struct {
	locals []any
	stack  []any
	pc     int
	halted bool
	ret    any
}

func (m *machine) push(v any) { m.stack = append(m.stack, v) }

func (m *machine) pop() any {
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v
}

// popN removes the top argc values, returned in push order.
func (m *machine) popN(argc int) []any {
	args := make([]any, argc)
	copy(args, m.stack[len(m.stack)-argc:])
	m.stack = m.stack[:len(m.stack)-argc]
	return args
}

// Run executes from the routine's entry.
func (p *Program) Run(frame []any) (any, error) {
	return p.run(frame, 0, nil, false)
}

// RunRecovery enters the routine at a recovery-site continuation with the
// bridged-out value seeded on the stack, completing the activation in
// all-reference code.
func (p *Program) RunRecovery(frame []any, site int, peg any) (any, error) {
	pc, ok := p.entries[site]
	if !ok {
		return nil, errors.NewCompilerError(errors.CBadArity,
			"%s: no recovery entry for site %d", p.name, site)
	}
	return p.run(frame, pc, peg, true)
}

func (p *Program) run(frame []any, start int, seed any, hasSeed bool) (any, error) {
	m := &machine{locals: frame, pc: start}
	if hasSeed {
		m.push(seed)
	}
	for !m.halted && m.pc < len(p.code) {
		i := m.pc
		m.pc++
		if err := p.code[i].exec(m, p.targets[i]); err != nil {
			if peg, ok := err.(*errors.SquarePegException); ok {
				if h := p.handlerFor(i); h != nil {
					return h(m.locals, peg.Value)
				}
			}
			return nil, err
		}
	}
	return m.ret, nil
}

// handlerFor finds the innermost try region covering pc. Regions emitted
// later wrap tighter code, so the scan runs backward.
func (p *Program) handlerFor(pc int) codegen.Handler {
	for i := len(p.regions) - 1; i >= 0; i-- {
		r := p.regions[i]
		if pc >= r.begin && pc < r.end {
			return r.handler
		}
	}
	return nil
}

// Trace returns the routine's mnemonics in emission order.
func (p *Program) Trace() []string {
	ops := make([]string, len(p.code))
	for i, in := range p.code {
		ops[i] = in.op
	}
	return ops
}

// Name returns the routine name given at Finish.
func (p *Program) Name() string { return p.name }

// FrameSize returns the activation slot count the routine expects.
func (p *Program) FrameSize() int { return p.frameSize }

// Dump serializes the routine for debug output.
func (p *Program) Dump() ([]byte, error) {
	type dump struct {
		Name      string         `json:"name"`
		FrameSize int            `json:"frame_size"`
		Code      []string       `json:"code"`
		Entries   map[int]int    `json:"recovery_entries,omitempty"`
	}
	return json.Marshal(dump{
		Name:      p.name,
		FrameSize: p.frameSize,
		Code:      p.Trace(),
		Entries:   p.entries,
	})
}

var _ codegen.RecoveryRoutine = (*Program)(nil)
var _ codegen.Traced = (*Program)(nil)
var _ fmt.Stringer = (*Program)(nil)

func (p *Program) String() string {
	return fmt.Sprintf("routine %s (%d instrs)", p.name, len(p.code))
}
