package hooks

import (
	"github.com/artpar/entigate/core/schema"
)

// Store is an immutable index of hook steps by (type, phase).
type Store struct {
	steps map[string]map[schema.HookPhase][]schema.HookStep
}

// BuildStore indexes the hooks of types. For each target type and phase the
// target's own steps come first, followed by contributions in the order the
// contributing types appear in types.
func BuildStore(types []schema.Datatype) *Store {
	s := &Store{steps: make(map[string]map[schema.HookPhase][]schema.HookStep)}

	for _, dt := range types {
		s.append(dt.Key, dt.Hooks)
	}
	for _, dt := range types {
		for _, c := range dt.Contributes {
			s.append(c.Target, c.Hooks)
		}
	}

	return s
}

func (s *Store) append(target string, hooks schema.HookPhaseMap) {
	if len(hooks) == 0 {
		return
	}
	byPhase, ok := s.steps[target]
	if !ok {
		byPhase = make(map[schema.HookPhase][]schema.HookStep)
		s.steps[target] = byPhase
	}
	for _, phase := range schema.Phases {
		byPhase[phase] = append(byPhase[phase], hooks[phase]...)
	}
}

// Steps returns the ordered steps for a type and phase.
func (s *Store) Steps(typeKey string, phase schema.HookPhase) []schema.HookStep {
	return s.steps[typeKey][phase]
}
