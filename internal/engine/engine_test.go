package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/cantiere/internal/governance"
	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/internal/tools"
)

type handler func(ctx context.Context, args map[string]any) (tools.Result, error)

type scriptedInvoker struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]handler
}

func newInvoker() *scriptedInvoker {
	return &scriptedInvoker{handlers: make(map[string]handler)}
}

func (f *scriptedInvoker) on(key string, h handler) *scriptedInvoker {
	f.handlers[key] = h
	return f
}

func (f *scriptedInvoker) Invoke(ctx context.Context, toolID, action string, args map[string]any, rc tools.RunContext) (tools.Result, error) {
	key := toolID + "." + action
	f.mu.Lock()
	f.calls = append(f.calls, key)
	h := f.handlers[key]
	f.mu.Unlock()
	if h == nil {
		return tools.Result{Success: true, OutputRef: "ref:" + key}, nil
	}
	return h(ctx, args)
}

func (f *scriptedInvoker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func failing(msg string) handler {
	return func(ctx context.Context, args map[string]any) (tools.Result, error) {
		return tools.Result{Success: false, Error: msg}, nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) sink(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		scope := e.StepID
		if scope == "" {
			scope = "plan"
		}
		out = append(out, scope+":"+string(e.Status))
	}
	return out
}

func threeSteps(policy plan.FailurePolicy) *plan.Plan {
	return &plan.Plan{
		ID:    "plan-1",
		Title: "Feasibility run",
		Steps: []plan.Step{
			{ID: "s1", Order: 1, ToolID: "projects", Action: "get"},
			{ID: "s2", Order: 2, ToolID: "feasibility", Action: "run", OnFailure: policy},
			{ID: "s3", Order: 3, ToolID: "documents", Action: "write"},
		},
	}
}

func runContext(sessionID string) RunContext {
	return RunContext{RunContext: tools.RunContext{
		UserID:      "u1",
		WorkspaceID: "ws1",
		SessionID:   sessionID,
		PlanID:      "plan-1",
		UserRole:    "member",
	}}
}

func subRunStatus(t *testing.T, run ToolRun, stepID string) SubRunStatus {
	t.Helper()
	for _, sr := range run.SubRuns {
		if sr.StepID == stepID {
			return sr.Status
		}
	}
	t.Fatalf("no sub-run for %s", stepID)
	return ""
}

func TestStepsStartInOrder(t *testing.T) {
	inv := newInvoker()
	e := New(inv)
	rec := &recorder{}
	p := &plan.Plan{ID: "p", Steps: []plan.Step{
		{ID: "c", Order: 30, ToolID: "t", Action: "c"},
		{ID: "a", Order: 10, ToolID: "t", Action: "a"},
		{ID: "b", Order: 20, ToolID: "t", Action: "b"},
		{ID: "b2", Order: 20, ToolID: "t", Action: "b2"},
	}}

	res, err := e.ExecutePlan(context.Background(), p, runContext("s"), rec.sink)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, 4, res.CompletedSteps)
	assert.Equal(t, []string{"t.a", "t.b", "t.b2", "t.c"}, inv.Calls())
	assert.Equal(t, []string{
		"a:started", "a:completed", "b:started", "b:completed",
		"b2:started", "b2:completed", "c:started", "c:completed", "plan:completed",
	}, rec.trace())
	assert.Equal(t, "ref:t.a", res.Outputs["a"])
	assert.NotNil(t, res.ToolRun.FinishedAt)

	for i := 1; i < len(res.ToolRun.SubRuns); i++ {
		prev, cur := res.ToolRun.SubRuns[i-1], res.ToolRun.SubRuns[i]
		assert.False(t, cur.StartedAt.Before(*prev.StartedAt))
	}
}

func TestStopPolicyHaltsPlan(t *testing.T) {
	inv := newInvoker().on("feasibility.run", failing("land cost unknown"))
	e := New(inv)
	rec := &recorder{}

	res, err := e.ExecutePlan(context.Background(), threeSteps(""), runContext("s"), rec.sink)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, 1, res.CompletedSteps)
	assert.Equal(t, 3, res.TotalSteps)
	assert.Equal(t, SubPending, subRunStatus(t, res.ToolRun, "s3"))
	assert.Equal(t, SubFailed, subRunStatus(t, res.ToolRun, "s2"))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "land cost unknown", res.Errors[0].Error)
	assert.Equal(t, []string{"projects.get", "feasibility.run"}, inv.Calls())
	assert.Equal(t, []string{"s1:started", "s1:completed", "s2:started", "plan:failed"}, rec.trace())
	assert.NotNil(t, res.ToolRun.FinishedAt)
}

func TestContinuePolicyProceeds(t *testing.T) {
	inv := newInvoker().on("feasibility.run", failing("land cost unknown"))
	e := New(inv)
	rec := &recorder{}

	res, err := e.ExecutePlan(context.Background(), threeSteps(plan.FailureContinue), runContext("s"), rec.sink)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, 2, res.CompletedSteps)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "s2", res.Errors[0].StepID)
	assert.Equal(t, []string{
		"s1:started", "s1:completed", "s2:started", "s2:failed",
		"s3:started", "s3:completed", "plan:completed",
	}, rec.trace())
}

func TestRollbackRunsBeforePlanFailure(t *testing.T) {
	inv := newInvoker().
		on("feasibility.run", failing("calculator offline")).
		on("documents.delete", failing("already gone"))
	e := New(inv)
	rec := &recorder{}
	p := threeSteps("")
	p.Steps[1].Rollback = &plan.Rollback{ToolID: "documents", Action: "delete", Args: map[string]any{"filename": "draft.pdf"}}

	res, err := e.ExecutePlan(context.Background(), p, runContext("s"), rec.sink)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"s1:started", "s1:completed", "s2:started",
		"s2:started", "s2:completed", "plan:failed",
	}, rec.trace())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "calculator offline", res.Errors[0].Error)
	assert.Equal(t, "The tool reported a failure", res.Errors[0].Notice)
	assert.Equal(t, "already gone", res.Errors[0].RollbackError)
	assert.Equal(t, []string{"projects.get", "feasibility.run", "documents.delete"}, inv.Calls())
}

func TestRetryThenResume(t *testing.T) {
	attempts := 0
	inv := newInvoker().on("feasibility.run", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		attempts++
		if attempts == 1 {
			return tools.Result{Success: false, Error: "timeout upstream"}, nil
		}
		return tools.Result{Success: true, OutputRef: "fz-1"}, nil
	})
	e := New(inv)
	rec := &recorder{}
	p := threeSteps("")

	res, err := e.ExecutePlan(context.Background(), p, runContext("s"), rec.sink)
	require.NoError(t, err)
	require.Equal(t, RunFailed, res.Status)

	var seen []SubRunStatus
	sr, err := e.RetryStep(context.Background(), "s", "s2", p, runContext("s"), func(ev Event) {
		rec.sink(ev)
		if snap, ok := e.Snapshot("s"); ok && ev.StepID == "s2" {
			seen = append(seen, subRunStatus(t, snap, "s2"))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, SubSucceeded, sr.Status)
	assert.Equal(t, 1, sr.RetryCount)
	assert.Equal(t, "fz-1", sr.OutputRef)
	assert.Equal(t, []SubRunStatus{SubRunning, SubSucceeded}, seen)

	snap, _ := e.Snapshot("s")
	assert.Equal(t, SubPending, subRunStatus(t, snap, "s3"), "retry must not resume by itself")

	res, err = e.Resume(context.Background(), "s", p, runContext("s"), rec.sink)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, 3, res.CompletedSteps)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"projects.get", "feasibility.run", "feasibility.run", "documents.write"}, inv.Calls())
}

func TestRetryIsBounded(t *testing.T) {
	inv := newInvoker().on("feasibility.run", failing("still broken"))
	e := New(inv)
	p := threeSteps("")

	_, err := e.ExecutePlan(context.Background(), p, runContext("s"), nil)
	require.NoError(t, err)

	for i := 1; i <= DefaultMaxRetries; i++ {
		sr, err := e.RetryStep(context.Background(), "s", "s2", p, runContext("s"), nil)
		require.NoError(t, err)
		assert.Equal(t, SubFailed, sr.Status)
		assert.Equal(t, i, sr.RetryCount)
	}

	_, err = e.RetryStep(context.Background(), "s", "s2", p, runContext("s"), nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Len(t, inv.Calls(), 2+DefaultMaxRetries)

	snap, _ := e.Snapshot("s")
	assert.Equal(t, RunFailed, snap.Status)

	_, err = e.Resume(context.Background(), "s", p, runContext("s"), nil)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRetryRejections(t *testing.T) {
	e := New(newInvoker())
	p := threeSteps("")

	_, err := e.RetryStep(context.Background(), "nobody", "s1", p, runContext("nobody"), nil)
	assert.ErrorIs(t, err, ErrNoExecution)

	_, err = e.ExecutePlan(context.Background(), p, runContext("s"), nil)
	require.NoError(t, err)

	_, err = e.RetryStep(context.Background(), "s", "ghost", p, runContext("s"), nil)
	assert.ErrorIs(t, err, ErrUnknownStep)

	_, err = e.RetryStep(context.Background(), "s", "s1", p, runContext("s"), nil)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestCancelStopsLaterSteps(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	inv := newInvoker().on("projects.get", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return tools.Result{Success: true, OutputRef: "late"}, nil
	})
	e := New(inv)
	rec := &recorder{}

	done := make(chan *ExecutionResult)
	go func() {
		res, _ := e.ExecutePlan(context.Background(), threeSteps(""), runContext("s"), rec.sink)
		done <- res
	}()
	<-started

	prog, ok := e.Progress("s")
	require.True(t, ok)
	assert.Equal(t, Progress{Completed: 0, Total: 3, Percentage: 0, CurrentStep: "s1", Status: RunRunning}, prog)

	require.True(t, e.CancelExecution("s", nil))
	close(release)
	res := <-done

	assert.Equal(t, RunCancelled, res.Status)
	for _, sr := range res.ToolRun.SubRuns {
		assert.Equal(t, SubCancelled, sr.Status)
		assert.Equal(t, "Cancelled by user", sr.Error)
		assert.NotNil(t, sr.FinishedAt)
	}
	assert.Empty(t, res.Outputs, "a result arriving after cancellation is discarded")
	assert.Equal(t, []string{"projects.get"}, inv.Calls())
	assert.Equal(t, []string{"s1:started", "plan:failed"}, rec.trace())
	assert.NotNil(t, res.ToolRun.FinishedAt)

	assert.False(t, e.CancelExecution("s", nil), "nothing left to cancel")
	assert.False(t, e.CancelExecution("other", nil))

	// a cancelled step can be retried and the run resumed
	sr, err := e.RetryStep(context.Background(), "s", "s1", threeSteps(""), runContext("s"), nil)
	require.NoError(t, err)
	assert.Equal(t, SubSucceeded, sr.Status)
	res, err = e.Resume(context.Background(), "s", threeSteps(""), runContext("s"), nil)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, res.Status)
}

func TestConfirmStepNeedsAcknowledgement(t *testing.T) {
	inv := newInvoker()
	e := New(inv)
	p := threeSteps(plan.FailureContinue)
	p.Steps[2].Confirm = true

	res, err := e.ExecutePlan(context.Background(), p, runContext("s"), nil)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "s3", res.Errors[0].StepID)
	assert.Contains(t, res.Errors[0].Error, "explicit confirmation")
	assert.NotContains(t, inv.Calls(), "documents.write")

	rc := runContext("s")
	rc.Confirmed = []string{"s3"}
	res, err = e.ExecutePlan(context.Background(), p, rc, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Contains(t, inv.Calls(), "documents.write")
}

func TestRoleGate(t *testing.T) {
	inv := newInvoker()
	e := New(inv, WithPolicy(governance.NewDefaultPolicyEngine()))
	p := threeSteps("")
	p.Steps[1].RequiredRole = "manager"

	res, err := e.ExecutePlan(context.Background(), p, runContext("s"), nil)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, res.Status)
	assert.Contains(t, res.Errors[0].Error, "policy denied")
	assert.Equal(t, "Not allowed: Role 'member' cannot run steps requiring 'manager'", res.Errors[0].Notice)
	assert.Equal(t, []string{"projects.get"}, inv.Calls())
}

func TestStepTimeoutIsAFailure(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	inv := newInvoker().on("feasibility.run", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		<-block
		return tools.Result{Success: true}, nil
	})
	e := New(inv, WithStepTimeout(20*time.Millisecond))

	res, err := e.ExecutePlan(context.Background(), threeSteps(plan.FailureContinue), runContext("s"), nil)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error, "timed out")
	assert.Equal(t, "Timed out after 20ms", res.Errors[0].Notice)
	assert.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, 2, res.CompletedSteps)
}

func TestToolValidationErrorFailsStep(t *testing.T) {
	inv := newInvoker().on("feasibility.run", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		return tools.Result{}, &tools.ValidationError{Tool: "feasibility", Action: "run", Err: errors.New("missing landCost")}
	})
	e := New(inv)

	res, err := e.ExecutePlan(context.Background(), threeSteps(""), runContext("s"), nil)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, res.Status)
	assert.Contains(t, res.Errors[0].Error, "missing landCost")
	assert.Equal(t, "The tool rejected the step's arguments", res.Errors[0].Notice)
}

func TestUnmetDependencyFailsWithoutInvoking(t *testing.T) {
	inv := newInvoker().on("feasibility.run", failing("boom"))
	e := New(inv)
	p := threeSteps(plan.FailureContinue)
	p.Steps[2].Dependencies = []string{"s2"}

	res, err := e.ExecutePlan(context.Background(), p, runContext("s"), nil)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, res.Status)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[1].Error, "dependency s2")
	assert.Equal(t, res.Errors[1].Error, res.Errors[1].Notice)
	assert.NotContains(t, inv.Calls(), "documents.write")
}

func TestStructuralErrorsRunNothing(t *testing.T) {
	inv := newInvoker()
	e := New(inv)
	p := threeSteps("")
	p.Steps[0].Dependencies = []string{"s3"}
	p.Steps[2].Dependencies = []string{"s1"}

	_, err := e.ExecutePlan(context.Background(), p, runContext("s"), nil)
	assert.ErrorIs(t, err, plan.ErrCycle)
	assert.Empty(t, inv.Calls())
	_, ok := e.Snapshot("s")
	assert.False(t, ok)
}

func TestSessionsAreIndependent(t *testing.T) {
	inv := newInvoker().on("feasibility.run", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		if args["fail"] == true {
			return tools.Result{Success: false, Error: "bad input"}, nil
		}
		return tools.Result{Success: true}, nil
	})
	e := New(inv)

	var wg sync.WaitGroup
	results := make([]*ExecutionResult, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := threeSteps("")
			p.Steps[1].ZArgs = map[string]any{"fail": i%2 == 0}
			res, err := e.ExecutePlan(context.Background(), p, runContext(fmt.Sprintf("s%d", i)), nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res)
		if i%2 == 0 {
			assert.Equal(t, RunFailed, res.Status, "session %d", i)
		} else {
			assert.Equal(t, RunSucceeded, res.Status, "session %d", i)
		}
	}
}

func TestSecondExecutionWhileRunningIsRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	inv := newInvoker().on("projects.get", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		close(started)
		<-release
		return tools.Result{Success: true}, nil
	})
	e := New(inv)

	done := make(chan struct{})
	go func() {
		_, _ = e.ExecutePlan(context.Background(), threeSteps(""), runContext("s"), nil)
		close(done)
	}()
	<-started

	_, err := e.ExecutePlan(context.Background(), threeSteps(""), runContext("s"), nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.False(t, e.Forget("s"))

	close(release)
	<-done
	assert.True(t, e.Forget("s"))
	_, ok := e.Progress("s")
	assert.False(t, ok)
}

func TestRawErrorsStayOutOfNotices(t *testing.T) {
	inv := newInvoker().
		on("projects.get", func(ctx context.Context, args map[string]any) (tools.Result, error) {
			panic("nil map write in projects client")
		}).
		on("feasibility.run", func(ctx context.Context, args map[string]any) (tools.Result, error) {
			return tools.Result{}, errors.New(`dial tcp 10.0.0.5:8080: connect: connection refused`)
		}).
		on("documents.write", func(ctx context.Context, args map[string]any) (tools.Result, error) {
			return tools.Result{Success: false, Error: "quota exceeded for bucket cantiere-prod", Notice: "Storage is full"}, nil
		})
	e := New(inv)
	rec := &recorder{}

	p := threeSteps(plan.FailureContinue)
	p.Steps[0].OnFailure = plan.FailureContinue
	res, err := e.ExecutePlan(context.Background(), p, runContext("s"), rec.sink)
	require.NoError(t, err)
	require.Len(t, res.Errors, 3)

	assert.Contains(t, res.Errors[0].Error, "panicked")
	assert.Equal(t, "The tool could not complete the step", res.Errors[0].Notice)
	assert.Contains(t, res.Errors[1].Error, "connection refused")
	assert.Equal(t, "The tool could not complete the step", res.Errors[1].Notice)
	assert.Equal(t, "Storage is full", res.Errors[2].Notice)

	for _, ev := range rec.events {
		if ev.Status != ProgressFailed {
			continue
		}
		assert.NotEmpty(t, ev.Notice)
		assert.NotContains(t, ev.Notice, "10.0.0.5")
		assert.NotContains(t, ev.Notice, "panicked")
	}
}

func TestRetryWaitsForFailedDependency(t *testing.T) {
	attempts := 0
	inv := newInvoker().on("feasibility.run", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		attempts++
		if attempts == 1 {
			return tools.Result{Success: false, Error: "no comparables"}, nil
		}
		return tools.Result{Success: true, OutputRef: "fz-2"}, nil
	})
	e := New(inv)
	p := threeSteps(plan.FailureContinue)
	p.Steps[2].Dependencies = []string{"s2"}

	res, err := e.ExecutePlan(context.Background(), p, runContext("s"), nil)
	require.NoError(t, err)
	require.Equal(t, RunFailed, res.Status)
	assert.Equal(t, []string{"projects.get", "feasibility.run"}, inv.Calls())

	_, err = e.RetryStep(context.Background(), "s", "s3", p, runContext("s"), nil)
	assert.ErrorIs(t, err, ErrNotRetryable)
	assert.Contains(t, err.Error(), "retry s2 first")
	assert.Equal(t, []string{"projects.get", "feasibility.run"}, inv.Calls())

	snap, _ := e.Snapshot("s")
	assert.Equal(t, SubFailed, subRunStatus(t, snap, "s3"))
	assert.Equal(t, 0, snap.SubRuns[2].RetryCount)

	sr, err := e.RetryStep(context.Background(), "s", "s2", p, runContext("s"), nil)
	require.NoError(t, err)
	require.Equal(t, SubSucceeded, sr.Status)

	sr, err = e.RetryStep(context.Background(), "s", "s3", p, runContext("s"), nil)
	require.NoError(t, err)
	assert.Equal(t, SubSucceeded, sr.Status)
	assert.Equal(t, []string{"projects.get", "feasibility.run", "feasibility.run", "documents.write"}, inv.Calls())
}

func TestRollbackIsGatedByPolicy(t *testing.T) {
	inv := newInvoker().on("feasibility.run", failing("calculator offline"))
	gov := governance.NewDefaultPolicyEngine()
	gov.DenyTool("documents")
	e := New(inv, WithPolicy(gov))
	rec := &recorder{}
	p := threeSteps("")
	p.Steps[1].Rollback = &plan.Rollback{ToolID: "documents", Action: "delete", Args: map[string]any{"filename": "draft.pdf"}}

	res, err := e.ExecutePlan(context.Background(), p, runContext("s"), rec.sink)
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].RollbackError, "policy denied documents")
	assert.Equal(t, []string{"projects.get", "feasibility.run"}, inv.Calls())
	assert.Equal(t, []string{
		"s1:started", "s1:completed", "s2:started",
		"s2:started", "s2:completed", "plan:failed",
	}, rec.trace())
}
