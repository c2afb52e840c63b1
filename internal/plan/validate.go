package plan

import "fmt"

// Validation is the readiness report of a plan snapshot.
type Validation struct {
	Ready    bool          `json:"ready"`
	Missing  []Requirement `json:"missing"`
	Warnings []string      `json:"warnings"`
	Errors   []string      `json:"errors"`
}

// Validate computes which required inputs are still missing. It has no side
// effects and returns the same result for the same plan.
func Validate(p *Plan) Validation {
	v := Validation{
		Missing:  []Requirement{},
		Warnings: []string{},
		Errors:   []string{},
	}
	if p == nil {
		v.Errors = append(v.Errors, "plan is empty")
		return v
	}

	for _, r := range p.Requirements {
		if r.Required && IsEmpty(p.Value(r)) {
			v.Missing = append(v.Missing, r)
		}
	}
	v.Ready = len(v.Missing) == 0

	if err := Check(p); err != nil {
		v.Errors = append(v.Errors, err.Error())
	}

	for _, s := range p.Ordered() {
		if s.Confirm {
			v.Warnings = append(v.Warnings, fmt.Sprintf("step %s requires explicit confirmation", s.ID))
		}
		if s.Description == "" {
			v.Warnings = append(v.Warnings, fmt.Sprintf("step %s has no description", s.ID))
		}
	}
	for _, r := range p.Risks {
		if r.Irreversible && r.Mitigation == "" {
			v.Warnings = append(v.Warnings, fmt.Sprintf("irreversible risk without mitigation: %s", r.Text))
		}
	}
	return v
}

// MissingNames lists the names of missing requirements.
func (v Validation) MissingNames() []string {
	names := make([]string, 0, len(v.Missing))
	for _, r := range v.Missing {
		names = append(names, r.Name)
	}
	return names
}
