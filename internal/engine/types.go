package engine

import (
	"time"

	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/internal/tools"
)

// RunStatus is the status of a ToolRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// SubRunStatus is the status of a single step within a run.
type SubRunStatus string

const (
	SubPending   SubRunStatus = "pending"
	SubRunning   SubRunStatus = "running"
	SubSucceeded SubRunStatus = "succeeded"
	SubFailed    SubRunStatus = "failed"
	SubCancelled SubRunStatus = "cancelled"
)

// ProgressStatus is the status carried by a progress event.
type ProgressStatus string

const (
	ProgressStarted   ProgressStatus = "started"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
)

const cancelledByUser = "Cancelled by user"

// SubRun is the execution record of one step. Retries mutate it in place.
type SubRun struct {
	StepID        string       `json:"stepId"`
	Status        SubRunStatus `json:"status"`
	StartedAt     *time.Time   `json:"startedAt,omitempty"`
	FinishedAt    *time.Time   `json:"finishedAt,omitempty"`
	RetryCount    int          `json:"retryCount"`
	MaxRetries    int          `json:"maxRetries"`
	Error         string       `json:"error,omitempty"`
	Notice        string       `json:"notice,omitempty"`
	OutputRef     string       `json:"outputRef,omitempty"`
	RollbackError string       `json:"rollbackError,omitempty"`
}

// ToolRun is one execution attempt of a confirmed plan.
type ToolRun struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	PlanID     string         `json:"planId"`
	Status     RunStatus      `json:"status"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	Outputs    map[string]any `json:"outputs"`
	SubRuns    []SubRun       `json:"subRuns"`
}

func (r *ToolRun) subRun(stepID string) *SubRun {
	for i := range r.SubRuns {
		if r.SubRuns[i].StepID == stepID {
			return &r.SubRuns[i]
		}
	}
	return nil
}

// BlockingDependency returns the first dependency of step that has not
// succeeded in this run, or "" when the step may start.
func (r *ToolRun) BlockingDependency(step plan.Step) string {
	for _, dep := range step.Dependencies {
		sr := r.subRun(dep)
		if sr == nil || sr.Status != SubSucceeded {
			return dep
		}
	}
	return ""
}

func (r *ToolRun) clone() ToolRun {
	c := *r
	c.Outputs = make(map[string]any, len(r.Outputs))
	for k, v := range r.Outputs {
		c.Outputs[k] = v
	}
	c.SubRuns = make([]SubRun, len(r.SubRuns))
	for i, sr := range r.SubRuns {
		if sr.StartedAt != nil {
			t := *sr.StartedAt
			sr.StartedAt = &t
		}
		if sr.FinishedAt != nil {
			t := *sr.FinishedAt
			sr.FinishedAt = &t
		}
		c.SubRuns[i] = sr
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// Event is a progress notification. An empty StepID marks a plan-level event.
// Error carries the raw failure; Notice is its chat-safe counterpart.
type Event struct {
	SessionID string         `json:"sessionId"`
	RunID     string         `json:"runId"`
	StepID    string         `json:"stepId"`
	Status    ProgressStatus `json:"status"`
	Message   string         `json:"message"`
	Error     string         `json:"error,omitempty"`
	Notice    string         `json:"notice,omitempty"`
	At        time.Time      `json:"at"`
}

// ProgressFunc receives events of one run in emission order.
type ProgressFunc func(Event)

// StepError reports a failed step in an execution result.
type StepError struct {
	StepID        string `json:"stepId"`
	Error         string `json:"error"`
	Notice        string `json:"notice,omitempty"`
	RollbackError string `json:"rollbackError,omitempty"`
}

// ExecutionResult summarises a run.
type ExecutionResult struct {
	Status         RunStatus      `json:"status"`
	CompletedSteps int            `json:"completedSteps"`
	TotalSteps     int            `json:"totalSteps"`
	Outputs        map[string]any `json:"outputs"`
	Errors         []StepError    `json:"errors"`
	ToolRun        ToolRun        `json:"toolRun"`
}

// Progress is the live view of a run.
type Progress struct {
	Completed   int       `json:"completed"`
	Total       int       `json:"total"`
	Percentage  int       `json:"percentage"`
	CurrentStep string    `json:"currentStep,omitempty"`
	Status      RunStatus `json:"status"`
}

// RunContext is the tool context plus the confirm steps the user acknowledged.
type RunContext struct {
	tools.RunContext
	Confirmed []string
}

func (rc RunContext) acknowledged(stepID string) bool {
	for _, id := range rc.Confirmed {
		if id == stepID {
			return true
		}
	}
	return false
}
