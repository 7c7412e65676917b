package graph

// Builder stands in for an external A-normal-form lowering pass: given
// already-parsed expression trees it assigns frame indices, detects
// captured mutable (boxed) variables, and numbers recovery sites in program
// order. A real front end would produce these annotations directly; this
// Builder exists so tests can construct well-formed ExprGraphs without one.
type Builder struct {
	fn *Function
}

// NewBuilder starts building fn's shape. fn.Params/Locals/CopiedOuters must
// already be populated by the caller in frame order (copied outers first);
// the Builder only assigns indices over that order and computes derived
// annotations.
func NewBuilder(fn *Function) *Builder {
	return &Builder{fn: fn}
}

// Finish assigns slot indices, detects boxed variables, and records
// recovery sites in program order. It does not freeze the function: the
// type inferencer and specialization planner still need to write their
// annotations onto these same nodes and variables. The compiling pipeline
// calls Function.Freeze once both passes have run.
func (b *Builder) Finish(body Expr) *Function {
	b.fn.Body = body

	idx := 0
	for _, v := range b.fn.CopiedOuters {
		v.Index = idx
		idx++
	}
	for _, v := range b.fn.Params {
		v.Index = idx
		idx++
	}
	for _, v := range b.fn.Locals {
		v.Index = idx
		idx++
	}

	mutated := map[*VariableDefinition]bool{}
	captured := map[*VariableDefinition]bool{}
	walk(body, func(e Expr) {
		switch n := e.(type) {
		case *SetVar:
			mutated[n.Var] = true
		case *Let:
			// A letrec binding mutates its variable after inner closures may
			// already have captured it (the initializer runs against the
			// default value), so the capture must share a cell.
			if n.IsRec {
				mutated[n.Var] = true
			}
		case *Closure:
			for _, v := range n.CopiedOuters {
				captured[v] = true
			}
		}
	})
	for v := range mutated {
		if captured[v] {
			v.IsBoxed = true
		}
	}

	site := 0
	walk(body, func(e Expr) {
		switch n := e.(type) {
		case *Let:
			b.fn.RecoverySites = append(b.fn.RecoverySites, RecoverySite{Index: site, Node: n.Init})
			site++
		case *SetVar:
			b.fn.RecoverySites = append(b.fn.RecoverySites, RecoverySite{Index: site, Node: n.Value})
			site++
		case *Return:
			b.fn.RecoverySites = append(b.fn.RecoverySites, RecoverySite{Index: site, Node: n.Value})
			site++
		}
	})

	return b.fn
}

// walk performs a pre-order traversal, applying visit to every node
// reachable from e (including e itself).
func walk(e Expr, visit func(Expr)) {
	if e == nil {
		return
	}
	visit(e)
	switch n := e.(type) {
	case *SetVar:
		walk(n.Value, visit)
	case *Let:
		walk(n.Init, visit)
		walk(n.Body, visit)
	case *If:
		walk(n.Cond, visit)
		walk(n.Then, visit)
		walk(n.Else, visit)
	case *Block:
		for _, c := range n.Exprs {
			walk(c, visit)
		}
	case *Return:
		walk(n.Value, visit)
	case *Primitive1:
		walk(n.Arg, visit)
	case *Primitive2:
		walk(n.Arg1, visit)
		walk(n.Arg2, visit)
	case *Call0:
		walk(n.Fn, visit)
	case *Call1:
		walk(n.Fn, visit)
		walk(n.Arg1, visit)
	case *Call2:
		walk(n.Fn, visit)
		walk(n.Arg1, visit)
		walk(n.Arg2, visit)
	case *CallN:
		walk(n.Fn, visit)
		for _, a := range n.Args {
			walk(a, visit)
		}
	}
}
