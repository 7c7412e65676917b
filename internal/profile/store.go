package profile

import (
	"sync"

	"github.com/vbk/adaptivec/internal/graph"
)

// Store owns every ValueProfile belonging to one function: one per variable
// read and one per expression node evaluated. Lookups lazily create a
// profile the first time a variable or node is seen, then always return the
// same instance so counters accumulate monotonically across calls.
type Store struct {
	mu    sync.Mutex
	vars  map[*graph.VariableDefinition]*ValueProfile
	exprs map[graph.Expr]*ValueProfile
}

func NewStore() *Store {
	return &Store{
		vars:  make(map[*graph.VariableDefinition]*ValueProfile),
		exprs: make(map[graph.Expr]*ValueProfile),
	}
}

func (s *Store) Variable(v *graph.VariableDefinition) *ValueProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.vars[v]
	if !ok {
		p = New()
		s.vars[v] = p
	}
	return p
}

func (s *Store) Expression(e graph.Expr) *ValueProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.exprs[e]
	if !ok {
		p = New()
		s.exprs[e] = p
	}
	return p
}

// VariableIfPresent returns the profile for v without creating one, used by
// the specialization planner to distinguish "never observed" from "observed
// unknown" when deciding whether to trust observed data at all.
func (s *Store) VariableIfPresent(v *graph.VariableDefinition) (*ValueProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.vars[v]
	return p, ok
}

func (s *Store) ExpressionIfPresent(e graph.Expr) (*ValueProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.exprs[e]
	return p, ok
}
