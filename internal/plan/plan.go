package plan

import (
	"fmt"
	"reflect"
	"strings"
)

// FailurePolicy decides what the engine does after a step fails.
type FailurePolicy string

const (
	FailureStop     FailurePolicy = "stop"
	FailureContinue FailurePolicy = "continue"
)

// Confidence grades an assumption.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Severity grades a risk.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FieldType is the declared type of a requirement, used by value extractors.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldMoney   FieldType = "money"
	FieldDate    FieldType = "date"
	FieldBool    FieldType = "bool"
	FieldSelect  FieldType = "select"
	FieldProject FieldType = "project"
	FieldList    FieldType = "list"
)

// Rollback is a compensating action run only when its own step fails.
type Rollback struct {
	ToolID string         `json:"toolId" yaml:"toolId"`
	Action string         `json:"action" yaml:"action"`
	Args   map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Step is a single tool invocation inside a plan.
type Step struct {
	ID               string         `json:"id" yaml:"id"`
	Order            int            `json:"order" yaml:"order"`
	ToolID           string         `json:"toolId" yaml:"toolId"`
	Action           string         `json:"action" yaml:"action"`
	Description      string         `json:"description" yaml:"description"`
	ZArgs            map[string]any `json:"zArgs,omitempty" yaml:"zArgs,omitempty"`
	Dependencies     []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	RequiredRole     string         `json:"requiredRole,omitempty" yaml:"requiredRole,omitempty"`
	Confirm          bool           `json:"confirm,omitempty" yaml:"confirm,omitempty"`
	LongRunning      bool           `json:"longRunning,omitempty" yaml:"longRunning,omitempty"`
	OnFailure        FailurePolicy  `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`
	Rollback         *Rollback      `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	EstimatedMinutes int            `json:"estimatedMinutes,omitempty" yaml:"estimatedMinutes,omitempty"`
}

// Policy returns the effective failure policy; unset means stop.
func (s Step) Policy() FailurePolicy {
	if s.OnFailure == FailureContinue {
		return FailureContinue
	}
	return FailureStop
}

// Option is one enumerated choice of a requirement.
type Option struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label" yaml:"label"`
}

// Requirement is a named input the plan needs before it can run.
// StepID names the step whose zArgs also carry the value; empty means the first step.
type Requirement struct {
	Name         string    `json:"name" yaml:"name"`
	Label        string    `json:"label,omitempty" yaml:"label,omitempty"`
	Required     bool      `json:"required" yaml:"required"`
	Type         FieldType `json:"type" yaml:"type"`
	Options      []Option  `json:"options,omitempty" yaml:"options,omitempty"`
	CurrentValue any       `json:"currentValue,omitempty" yaml:"currentValue,omitempty"`
	StepID       string    `json:"stepId,omitempty" yaml:"stepId,omitempty"`
}

// DisplayName is the label shown to users.
func (r Requirement) DisplayName() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Name
}

type Assumption struct {
	Text       string     `json:"text" yaml:"text"`
	Confidence Confidence `json:"confidence" yaml:"confidence"`
}

type Risk struct {
	Text         string   `json:"text" yaml:"text"`
	Severity     Severity `json:"severity" yaml:"severity"`
	Mitigation   string   `json:"mitigation,omitempty" yaml:"mitigation,omitempty"`
	Irreversible bool     `json:"irreversible,omitempty" yaml:"irreversible,omitempty"`
}

// Plan is an ordered set of tool invocations with declared requirements,
// assumptions and risks. It is only mutated while its session is collecting.
type Plan struct {
	ID                string        `json:"id" yaml:"id"`
	Title             string        `json:"title" yaml:"title"`
	Description       string        `json:"description" yaml:"description"`
	Steps             []Step        `json:"steps" yaml:"steps"`
	Requirements      []Requirement `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Assumptions       []Assumption  `json:"assumptions,omitempty" yaml:"assumptions,omitempty"`
	Risks             []Risk        `json:"risks,omitempty" yaml:"risks,omitempty"`
	EstimatedDuration int           `json:"estimatedDuration" yaml:"estimatedDuration"`
	TotalCost         float64       `json:"totalCost" yaml:"totalCost"`
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Requirement returns the requirement with the given name.
func (p *Plan) Requirement(name string) (*Requirement, bool) {
	for i := range p.Requirements {
		if p.Requirements[i].Name == name {
			return &p.Requirements[i], true
		}
	}
	return nil, false
}

// owner returns the step whose zArgs resolve a requirement.
func (p *Plan) owner(r Requirement) *Step {
	if r.StepID != "" {
		s, _ := p.Step(r.StepID)
		return s
	}
	if len(p.Steps) == 0 {
		return nil
	}
	return &p.Steps[0]
}

// Value resolves a requirement from its current value or from the owning step's zArgs.
func (p *Plan) Value(r Requirement) any {
	if !IsEmpty(r.CurrentValue) {
		return r.CurrentValue
	}
	if s := p.owner(r); s != nil && s.ZArgs != nil {
		return s.ZArgs[r.Name]
	}
	return nil
}

// SetValue fills a requirement and mirrors the value into the owning step's zArgs.
// Other steps that declare the same key as a placeholder, or still hold the
// previous value, receive it too.
func (p *Plan) SetValue(name string, value any) error {
	r, ok := p.Requirement(name)
	if !ok {
		return fmt.Errorf("unknown requirement %q", name)
	}
	prev := p.Value(*r)
	r.CurrentValue = value
	owner := p.owner(*r)
	if owner != nil {
		if owner.ZArgs == nil {
			owner.ZArgs = make(map[string]any)
		}
		owner.ZArgs[name] = value
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		if s == owner {
			continue
		}
		if cur, ok := s.ZArgs[name]; ok && (IsEmpty(cur) || reflect.DeepEqual(cur, prev)) {
			s.ZArgs[name] = value
		}
	}
	return nil
}

// BindDefault sets a zArgs key on a step only when it carries no value yet.
func (s *Step) BindDefault(key string, value any) bool {
	if s.ZArgs == nil {
		s.ZArgs = make(map[string]any)
	}
	if !IsEmpty(s.ZArgs[key]) {
		return false
	}
	s.ZArgs[key] = value
	return true
}

// IsEmpty reports whether a resolved value counts as absent.
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

// Clone returns a deep copy so edits never leak into a snapshot held elsewhere.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.ZArgs = cloneMap(s.ZArgs)
		s.Dependencies = append([]string(nil), s.Dependencies...)
		if s.Rollback != nil {
			rb := *s.Rollback
			rb.Args = cloneMap(rb.Args)
			s.Rollback = &rb
		}
		c.Steps[i] = s
	}
	c.Requirements = make([]Requirement, len(p.Requirements))
	for i, r := range p.Requirements {
		r.Options = append([]Option(nil), r.Options...)
		r.CurrentValue = cloneValue(r.CurrentValue)
		c.Requirements[i] = r
	}
	c.Assumptions = append([]Assumption(nil), p.Assumptions...)
	c.Risks = append([]Risk(nil), p.Risks...)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	}
	return v
}
