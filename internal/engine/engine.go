package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rahul/cantiere/internal/governance"
	"github.com/rahul/cantiere/internal/observability"
	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/internal/tools"
)

var (
	ErrNoExecution      = errors.New("no execution for session")
	ErrAlreadyRunning   = errors.New("execution already in progress")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrUnknownStep      = errors.New("unknown step")
	ErrNotRetryable     = errors.New("step cannot be retried")
)

const DefaultMaxRetries = 3

type Option func(*Engine)

func WithPolicy(p governance.PolicyEngine) Option {
	return func(e *Engine) { e.policy = p }
}

func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithStatus(s *observability.Status) Option {
	return func(e *Engine) { e.status = s }
}

func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithStepTimeout bounds each tool call; zero disables the bound.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stepTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs plans step by step and keeps one execution record per session.
type Engine struct {
	invoker     tools.Invoker
	policy      governance.PolicyEngine
	logger      *observability.Logger
	status      *observability.Status
	maxRetries  int
	stepTimeout time.Duration
	now         func() time.Time

	mu   sync.Mutex
	runs map[string]*execution
}

func New(invoker tools.Invoker, opts ...Option) *Engine {
	e := &Engine{
		invoker:     invoker,
		policy:      governance.NewDefaultPolicyEngine(),
		maxRetries:  DefaultMaxRetries,
		stepTimeout: 2 * time.Minute,
		now:         time.Now,
		runs:        make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execution is the per-session run state.
type execution struct {
	// emitMu is held across a mutation and the event it produces so a
	// subscriber sees events in the order the run changed.
	emitMu    sync.Mutex
	mu        sync.Mutex
	run       ToolRun
	active    bool
	cancelled bool
	progress  ProgressFunc
}

func (e *Engine) lookup(sessionID string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[sessionID]
}

// apply runs fn on the run under lock and emits the event it returns.
func (e *Engine) apply(ex *execution, onProgress ProgressFunc, fn func(run *ToolRun) *Event) {
	ex.emitMu.Lock()
	defer ex.emitMu.Unlock()

	ex.mu.Lock()
	evt := fn(&ex.run)
	sessionID, runID := ex.run.SessionID, ex.run.ID
	ex.mu.Unlock()

	if evt == nil {
		return
	}
	evt.SessionID = sessionID
	evt.RunID = runID
	evt.At = e.now()

	if evt.StepID == "" {
		e.logger.LogPlan(sessionID, runID, string(evt.Status), evt.Message)
	} else {
		e.logger.LogStep(sessionID, runID, evt.StepID, string(evt.Status), evt.Message)
		if evt.Status == ProgressStarted && e.status != nil {
			e.status.SetStep(sessionID, evt.StepID)
		}
	}
	if onProgress != nil {
		onProgress(*evt)
	}
}

func (e *Engine) untrack(sessionID string) {
	if e.status != nil {
		e.status.Done(sessionID)
	}
}

// ExecutePlan runs every step in order and returns once the run is terminal.
// A structural problem in the plan is returned as an error before anything runs.
func (e *Engine) ExecutePlan(ctx context.Context, p *plan.Plan, rc RunContext, onProgress ProgressFunc) (*ExecutionResult, error) {
	if err := plan.Check(p); err != nil {
		return nil, err
	}
	if rc.SessionID == "" {
		return nil, errors.New("run context has no session id")
	}

	run := ToolRun{
		ID:        uuid.New().String(),
		SessionID: rc.SessionID,
		PlanID:    p.ID,
		Status:    RunRunning,
		StartedAt: e.now(),
		Outputs:   make(map[string]any),
	}
	for _, s := range p.Ordered() {
		run.SubRuns = append(run.SubRuns, SubRun{StepID: s.ID, Status: SubPending, MaxRetries: e.maxRetries})
	}

	e.mu.Lock()
	if prev, ok := e.runs[rc.SessionID]; ok {
		prev.mu.Lock()
		busy := prev.active
		prev.mu.Unlock()
		if busy {
			e.mu.Unlock()
			return nil, ErrAlreadyRunning
		}
	}
	ex := &execution{run: run, active: true, progress: onProgress}
	e.runs[rc.SessionID] = ex
	e.mu.Unlock()

	return e.loop(ctx, ex, p, rc, onProgress), nil
}

type gate int

const (
	gateGo gate = iota
	gateSkip
	gateStop
	gateUnmet
)

func (e *Engine) loop(ctx context.Context, ex *execution, p *plan.Plan, rc RunContext, onProgress ProgressFunc) *ExecutionResult {
	var stoppedAt string
	var failure, failureNotice string

	for _, step := range p.Ordered() {
		if err := ctx.Err(); err != nil {
			e.cancel(ex, onProgress, false, fmt.Sprintf("Execution aborted: %v", err))
			break
		}

		action := gateGo
		var unmet string
		e.apply(ex, onProgress, func(run *ToolRun) *Event {
			if ex.cancelled {
				action = gateStop
				return nil
			}
			sr := run.subRun(step.ID)
			if sr.Status != SubPending {
				action = gateSkip
				return nil
			}
			t := e.now()
			if unmet = unmetDependency(run, step); unmet != "" {
				action = gateUnmet
				sr.Status = SubFailed
				sr.StartedAt = &t
				sr.FinishedAt = &t
				sr.Error = unmet
				sr.Notice = unmet
				return nil
			}
			sr.Status = SubRunning
			sr.StartedAt = &t
			sr.FinishedAt = nil
			sr.Error = ""
			sr.Notice = ""
			return &Event{StepID: step.ID, Status: ProgressStarted, Message: describe(step)}
		})

		switch action {
		case gateStop:
			return e.finish(ex, onProgress, stoppedAt, failure, failureNotice)
		case gateSkip:
			continue
		}

		errMsg, errNotice := unmet, unmet
		if action == gateGo {
			res, err := e.invoke(ctx, ex.run.ID, step, rc)
			errMsg = failureMessage(res, err)
			if errMsg != "" {
				errNotice = e.notice(res, err)
			}

			discarded := false
			e.apply(ex, onProgress, func(run *ToolRun) *Event {
				if ex.cancelled {
					discarded = true
					return nil
				}
				sr := run.subRun(step.ID)
				t := e.now()
				sr.FinishedAt = &t
				if errMsg == "" {
					sr.Status = SubSucceeded
					sr.OutputRef = res.OutputRef
					run.Outputs[step.ID] = outputOf(res)
					return &Event{StepID: step.ID, Status: ProgressCompleted, Message: fmt.Sprintf("Step %s completed", step.ID)}
				}
				sr.Status = SubFailed
				sr.Error = errMsg
				sr.Notice = errNotice
				return nil
			})
			if discarded {
				break
			}
			if errMsg == "" {
				continue
			}
			e.rollback(ctx, ex, step, rc, onProgress)
		}

		if step.Policy() == plan.FailureStop {
			stoppedAt, failure, failureNotice = step.ID, errMsg, errNotice
			break
		}
		e.apply(ex, onProgress, func(run *ToolRun) *Event {
			return &Event{
				StepID:  step.ID,
				Status:  ProgressFailed,
				Message: fmt.Sprintf("Step %s failed, continuing with the next step", step.ID),
				Error:   errMsg,
				Notice:  errNotice,
			}
		})
	}

	return e.finish(ex, onProgress, stoppedAt, failure, failureNotice)
}

// finish closes the run and emits the plan-level outcome unless a
// cancellation already announced it.
func (e *Engine) finish(ex *execution, onProgress ProgressFunc, stoppedAt, failure, failureNotice string) *ExecutionResult {
	e.apply(ex, onProgress, func(run *ToolRun) *Event {
		ex.active = false
		if ex.cancelled {
			return nil
		}
		t := e.now()
		run.FinishedAt = &t
		if stoppedAt != "" {
			run.Status = RunFailed
			return &Event{
				Status:  ProgressFailed,
				Message: fmt.Sprintf("Plan stopped: step %s failed", stoppedAt),
				Error:   failure,
				Notice:  failureNotice,
			}
		}
		run.Status = RunSucceeded
		done := 0
		for _, sr := range run.SubRuns {
			if sr.Status == SubSucceeded {
				done++
			}
		}
		return &Event{Status: ProgressCompleted, Message: fmt.Sprintf("Plan completed: %d/%d steps succeeded", done, len(run.SubRuns))}
	})
	e.untrack(ex.run.SessionID)
	return ex.result()
}

// rollback runs the step's compensating action once, under the same policy
// as the step. Its outcome is recorded on the sub-run and never escalated.
func (e *Engine) rollback(ctx context.Context, ex *execution, step plan.Step, rc RunContext, onProgress ProgressFunc) {
	if step.Rollback == nil {
		return
	}
	proceed := false
	e.apply(ex, onProgress, func(run *ToolRun) *Event {
		if ex.cancelled {
			return nil
		}
		proceed = true
		return &Event{StepID: step.ID, Status: ProgressStarted, Message: fmt.Sprintf("Rolling back step %s", step.ID)}
	})
	if !proceed {
		return
	}

	rb := step.Rollback
	args := cloneArgs(rb.Args)
	var res tools.Result
	err := e.authorize(ctx, step, rb.ToolID, rb.Action, args, rc)
	if err == nil {
		res, err = e.call(ctx, ex.run.ID, step.ID, rb.ToolID, rb.Action, args, rc)
	}
	msg := failureMessage(res, err)

	e.apply(ex, onProgress, func(run *ToolRun) *Event {
		evt := &Event{StepID: step.ID, Status: ProgressCompleted, Message: fmt.Sprintf("Rollback of step %s completed", step.ID)}
		if msg != "" {
			run.subRun(step.ID).RollbackError = msg
			evt.Message = fmt.Sprintf("Rollback of step %s failed", step.ID)
			evt.Error = msg
		}
		return evt
	})
}

// CancelExecution stops a session's run. It reports false when no step is running.
func (e *Engine) CancelExecution(sessionID string, onProgress ProgressFunc) bool {
	ex := e.lookup(sessionID)
	if ex == nil {
		return false
	}
	if onProgress == nil {
		onProgress = ex.progress
	}
	ok := e.cancel(ex, onProgress, true, "Execution cancelled by user")
	if ok {
		e.untrack(sessionID)
	}
	return ok
}

func (e *Engine) cancel(ex *execution, onProgress ProgressFunc, requireRunning bool, message string) bool {
	ok := false
	e.apply(ex, onProgress, func(run *ToolRun) *Event {
		if run.Status != RunRunning {
			return nil
		}
		running := false
		for _, sr := range run.SubRuns {
			if sr.Status == SubRunning {
				running = true
				break
			}
		}
		if requireRunning && !running {
			return nil
		}
		t := e.now()
		for i := range run.SubRuns {
			sr := &run.SubRuns[i]
			if sr.Status == SubRunning || sr.Status == SubPending {
				sr.Status = SubCancelled
				sr.FinishedAt = &t
				sr.Error = cancelledByUser
				sr.Notice = cancelledByUser
			}
		}
		run.Status = RunCancelled
		run.FinishedAt = &t
		ex.cancelled = true
		ok = true
		return &Event{Status: ProgressFailed, Message: message, Error: cancelledByUser, Notice: cancelledByUser}
	})
	return ok
}

// RetryStep re-runs one failed or cancelled step in place. It does not resume
// the steps after it; call Resume for that.
func (e *Engine) RetryStep(ctx context.Context, sessionID, stepID string, p *plan.Plan, rc RunContext, onProgress ProgressFunc) (SubRun, error) {
	ex := e.lookup(sessionID)
	if ex == nil {
		return SubRun{}, fmt.Errorf("%w: %s", ErrNoExecution, sessionID)
	}
	stepPtr, ok := p.Step(stepID)
	if !ok {
		return SubRun{}, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	step := *stepPtr

	var err error
	var prev RunStatus
	e.apply(ex, onProgress, func(run *ToolRun) *Event {
		if ex.active {
			err = ErrAlreadyRunning
			return nil
		}
		sr := run.subRun(stepID)
		if sr == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
			return nil
		}
		if sr.Status != SubFailed && sr.Status != SubCancelled {
			err = fmt.Errorf("%w: step %s is %s", ErrNotRetryable, stepID, sr.Status)
			return nil
		}
		if dep := run.BlockingDependency(step); dep != "" {
			err = fmt.Errorf("%w: step %s depends on %s, retry %s first", ErrNotRetryable, stepID, dep, dep)
			return nil
		}
		if sr.RetryCount >= sr.MaxRetries {
			err = fmt.Errorf("%w: step %s already retried %d/%d times", ErrRetriesExhausted, stepID, sr.RetryCount, sr.MaxRetries)
			return nil
		}
		prev = run.Status
		t := e.now()
		sr.Status = SubRunning
		sr.FinishedAt = nil
		sr.Error = ""
		sr.Notice = ""
		sr.RetryCount++
		sr.StartedAt = &t
		run.Status = RunRunning
		run.FinishedAt = nil
		ex.active = true
		ex.cancelled = false
		return &Event{
			StepID:  stepID,
			Status:  ProgressStarted,
			Message: fmt.Sprintf("Retrying step %s (attempt %d of %d)", stepID, sr.RetryCount, sr.MaxRetries),
		}
	})
	if err != nil {
		return SubRun{}, err
	}

	res, callErr := e.invoke(ctx, ex.run.ID, step, rc)
	msg := failureMessage(res, callErr)

	var snapshot SubRun
	e.apply(ex, onProgress, func(run *ToolRun) *Event {
		ex.active = false
		sr := run.subRun(stepID)
		if ex.cancelled {
			snapshot = cloneSubRun(*sr)
			return nil
		}
		t := e.now()
		sr.FinishedAt = &t
		run.Status = prev
		run.FinishedAt = &t

		var evt *Event
		if msg == "" {
			sr.Status = SubSucceeded
			sr.OutputRef = res.OutputRef
			run.Outputs[stepID] = outputOf(res)
			evt = &Event{StepID: stepID, Status: ProgressCompleted, Message: fmt.Sprintf("Step %s completed on retry", stepID)}
			if settled(run, p) {
				run.Status = RunSucceeded
			}
		} else {
			sr.Status = SubFailed
			sr.Error = msg
			sr.Notice = e.notice(res, callErr)
			evt = &Event{
				StepID:  stepID,
				Status:  ProgressFailed,
				Message: fmt.Sprintf("Retry of step %s failed", stepID),
				Error:   msg,
				Notice:  sr.Notice,
			}
		}
		snapshot = cloneSubRun(*sr)
		return evt
	})
	e.untrack(sessionID)
	return snapshot, nil
}

// Resume re-enters the loop at the next pending step after a successful retry.
// Cancelled steps become pending again; a stop-policy step still failed blocks it.
func (e *Engine) Resume(ctx context.Context, sessionID string, p *plan.Plan, rc RunContext, onProgress ProgressFunc) (*ExecutionResult, error) {
	ex := e.lookup(sessionID)
	if ex == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExecution, sessionID)
	}

	var err error
	finished := false
	e.apply(ex, nil, func(run *ToolRun) *Event {
		if ex.active {
			err = ErrAlreadyRunning
			return nil
		}
		if run.Status == RunSucceeded {
			finished = true
			return nil
		}
		for _, sr := range run.SubRuns {
			if sr.Status != SubFailed {
				continue
			}
			if s, ok := p.Step(sr.StepID); ok && s.Policy() == plan.FailureStop {
				err = fmt.Errorf("%w: step %s failed and must be retried first", ErrNotRetryable, sr.StepID)
				return nil
			}
		}
		for i := range run.SubRuns {
			sr := &run.SubRuns[i]
			if sr.Status == SubCancelled {
				sr.Status = SubPending
				sr.StartedAt = nil
				sr.FinishedAt = nil
				sr.Error = ""
				sr.Notice = ""
			}
		}
		run.Status = RunRunning
		run.FinishedAt = nil
		ex.active = true
		ex.cancelled = false
		ex.progress = onProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	if finished {
		return ex.result(), nil
	}
	return e.loop(ctx, ex, p, rc, onProgress), nil
}

// Progress reports the live counters of a session's run.
func (e *Engine) Progress(sessionID string) (Progress, bool) {
	ex := e.lookup(sessionID)
	if ex == nil {
		return Progress{}, false
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()

	p := Progress{Total: len(ex.run.SubRuns), Status: ex.run.Status}
	for _, sr := range ex.run.SubRuns {
		switch sr.Status {
		case SubSucceeded:
			p.Completed++
		case SubRunning:
			p.CurrentStep = sr.StepID
		}
	}
	if p.Total > 0 {
		p.Percentage = int(math.Round(float64(p.Completed) / float64(p.Total) * 100))
	}
	return p, true
}

// Snapshot returns a copy of a session's ToolRun.
func (e *Engine) Snapshot(sessionID string) (ToolRun, bool) {
	ex := e.lookup(sessionID)
	if ex == nil {
		return ToolRun{}, false
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.run.clone(), true
}

// Forget drops the execution record of an idle session.
func (e *Engine) Forget(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.runs[sessionID]
	if !ok {
		return false
	}
	ex.mu.Lock()
	busy := ex.active
	ex.mu.Unlock()
	if busy {
		return false
	}
	delete(e.runs, sessionID)
	return true
}

func (ex *execution) result() *ExecutionResult {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	run := ex.run.clone()
	res := &ExecutionResult{
		Status:     run.Status,
		TotalSteps: len(run.SubRuns),
		Outputs:    make(map[string]any, len(run.Outputs)),
		Errors:     []StepError{},
		ToolRun:    run,
	}
	for k, v := range run.Outputs {
		res.Outputs[k] = v
	}
	for _, sr := range run.SubRuns {
		switch sr.Status {
		case SubSucceeded:
			res.CompletedSteps++
		case SubFailed:
			res.Errors = append(res.Errors, StepError{
				StepID:        sr.StepID,
				Error:         sr.Error,
				Notice:        sr.Notice,
				RollbackError: sr.RollbackError,
			})
		}
	}
	return res
}

func unmetDependency(run *ToolRun, step plan.Step) string {
	if dep := run.BlockingDependency(step); dep != "" {
		return fmt.Sprintf("dependency %s of step %s has not succeeded", dep, step.ID)
	}
	return ""
}

// settled reports whether every step either succeeded or failed under a continue policy.
func settled(run *ToolRun, p *plan.Plan) bool {
	for _, sr := range run.SubRuns {
		switch sr.Status {
		case SubSucceeded:
		case SubFailed:
			if s, ok := p.Step(sr.StepID); !ok || s.Policy() == plan.FailureStop {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func describe(step plan.Step) string {
	if step.Description != "" {
		return step.Description
	}
	return fmt.Sprintf("Running %s.%s", step.ToolID, step.Action)
}

func failureMessage(res tools.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if !res.Success {
		if res.Error != "" {
			return res.Error
		}
		return "tool reported failure"
	}
	return ""
}

// notice explains a failed call in terms fit for the chat. Raw error text
// stays in the sub-run's Error, the logs and the audit trail.
func (e *Engine) notice(res tools.Result, err error) string {
	var denied *governance.DeniedError
	var invalid *tools.ValidationError
	switch {
	case errors.As(err, &denied):
		return "Not allowed: " + denied.Reason
	case errors.As(err, &invalid):
		return "The tool rejected the step's arguments"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Timed out after %s", e.stepTimeout)
	case errors.Is(err, context.Canceled):
		return "Interrupted"
	case err != nil:
		return "The tool could not complete the step"
	case res.Notice != "":
		return res.Notice
	}
	return "The tool reported a failure"
}

func outputOf(res tools.Result) any {
	if res.OutputRef != "" {
		return res.OutputRef
	}
	return res.Output
}

func cloneSubRun(sr SubRun) SubRun {
	if sr.StartedAt != nil {
		t := *sr.StartedAt
		sr.StartedAt = &t
	}
	if sr.FinishedAt != nil {
		t := *sr.FinishedAt
		sr.FinishedAt = &t
	}
	return sr
}

func cloneArgs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
