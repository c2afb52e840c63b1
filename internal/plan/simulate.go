package plan

import "fmt"

const (
	defaultStepMinutes = 1
	longRunningMinutes = 5
)

// SimulatedStep is the read-only projection of one step.
type SimulatedStep struct {
	StepID        string         `json:"stepId"`
	ToolID        string         `json:"toolId"`
	Action        string         `json:"action"`
	Args          map[string]any `json:"args"`
	EstimatedTime int            `json:"estimatedTime"`
	SideEffects   string         `json:"sideEffects"`
}

// Simulation is the dry-run view of a plan.
type Simulation struct {
	Summary            string          `json:"summary"`
	Steps              []SimulatedStep `json:"steps"`
	TotalEstimatedTime int             `json:"totalEstimatedTime"`
	TotalCost          float64         `json:"totalCost"`
}

// Simulate projects the plan without touching any session, run or tool.
func Simulate(p *Plan) Simulation {
	ordered := p.Ordered()
	sim := Simulation{Steps: make([]SimulatedStep, 0, len(ordered))}

	total := 0
	confirms := 0
	for _, s := range ordered {
		minutes := s.EstimatedMinutes
		if minutes <= 0 {
			minutes = defaultStepMinutes
			if s.LongRunning {
				minutes = longRunningMinutes
			}
		}
		effects := "no"
		if s.Confirm {
			effects = "yes (requires confirmation)"
			confirms++
		}
		sim.Steps = append(sim.Steps, SimulatedStep{
			StepID:        s.ID,
			ToolID:        s.ToolID,
			Action:        s.Action,
			Args:          cloneMap(s.ZArgs),
			EstimatedTime: minutes,
			SideEffects:   effects,
		})
		total += minutes
	}

	sim.TotalEstimatedTime = total
	if p.EstimatedDuration > 0 {
		sim.TotalEstimatedTime = p.EstimatedDuration
	}
	sim.TotalCost = p.TotalCost
	sim.Summary = fmt.Sprintf("%s: %d steps, ~%d min, %d requiring confirmation",
		p.Title, len(ordered), sim.TotalEstimatedTime, confirms)
	return sim
}
