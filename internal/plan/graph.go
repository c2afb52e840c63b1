package plan

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCycle is returned when step dependencies form a cycle.
	ErrCycle = errors.New("cycle detected in step dependencies")
	// ErrStructure wraps every other construction-time problem.
	ErrStructure = errors.New("invalid plan structure")
)

// Ordered returns the steps sorted by Order, ties kept in insertion order.
// The plan itself is not modified.
func (p *Plan) Ordered() []Step {
	steps := append([]Step(nil), p.Steps...)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
	return steps
}

// Check verifies that step ids are unique, every dependency names a known step,
// the dependency graph is acyclic, and the order places dependencies first.
func Check(p *Plan) error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrStructure)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrStructure)
	}

	steps := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: step at index %d has no id", ErrStructure, i)
		}
		if _, dup := steps[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrStructure, s.ID)
		}
		if s.ToolID == "" {
			return fmt.Errorf("%w: step %q has no tool", ErrStructure, s.ID)
		}
		if s.OnFailure != "" && s.OnFailure != FailureStop && s.OnFailure != FailureContinue {
			return fmt.Errorf("%w: step %q has unknown onFailure %q", ErrStructure, s.ID, s.OnFailure)
		}
		steps[s.ID] = s
	}
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrStructure, s.ID, dep)
			}
		}
	}
	for _, r := range p.Requirements {
		if r.StepID == "" {
			continue
		}
		if _, ok := steps[r.StepID]; !ok {
			return fmt.Errorf("%w: requirement %q bound to unknown step %q", ErrStructure, r.Name, r.StepID)
		}
	}

	if err := detectCycles(steps); err != nil {
		return err
	}

	position := make(map[string]int, len(p.Steps))
	for i, s := range p.Ordered() {
		position[s.ID] = i
	}
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if position[dep] >= position[s.ID] {
				return fmt.Errorf("%w: step %q is ordered before its dependency %q", ErrStructure, s.ID, dep)
			}
		}
	}
	return nil
}

// detectCycles runs a DFS over the dependency edges.
func detectCycles(steps map[string]*Step) error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, dep := range steps[id].Dependencies {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !visited[id] && visit(id) {
			return fmt.Errorf("%w (reached from %q)", ErrCycle, id)
		}
	}
	return nil
}
