package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rahul/cantiere/internal/governance"
	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/internal/tools"
)

// invoke gates the step through the policy engine and calls its tool.
func (e *Engine) invoke(ctx context.Context, runID string, step plan.Step, rc RunContext) (tools.Result, error) {
	args := cloneArgs(step.ZArgs)
	if err := e.authorize(ctx, step, step.ToolID, step.Action, args, rc); err != nil {
		return tools.Result{}, err
	}
	return e.call(ctx, runID, step.ID, step.ToolID, step.Action, args, rc)
}

// authorize evaluates one call made on behalf of step: the step itself or
// its rollback. Both carry the step's role and confirmation requirements.
func (e *Engine) authorize(ctx context.Context, step plan.Step, toolID, action string, args map[string]any, rc RunContext) error {
	decision, err := e.policy.Evaluate(ctx, governance.Request{
		Tool:         toolID,
		Action:       action,
		Arguments:    tools.EncodeArgs(args),
		SessionID:    rc.SessionID,
		UserID:       rc.UserID,
		Role:         governance.Role(rc.UserRole),
		RequiredRole: governance.Role(step.RequiredRole),
		Confirm:      step.Confirm,
		Acknowledged: rc.acknowledged(step.ID),
	})
	if err != nil {
		return fmt.Errorf("policy check failed: %w", err)
	}
	e.logger.LogPolicy(rc.SessionID, step.ID, string(decision.Effect), decision.Reason)
	if decision.Effect == governance.EffectDeny {
		return &governance.DeniedError{Tool: toolID, Reason: decision.Reason}
	}
	return nil
}

type outcome struct {
	res tools.Result
	err error
}

// call runs one tool action under the step timeout. A tool that ignores its
// context is abandoned when the timeout fires; its late result is dropped.
func (e *Engine) call(ctx context.Context, runID, stepID, toolID, action string, args map[string]any, rc RunContext) (tools.Result, error) {
	e.logger.LogToolCall(rc.SessionID, runID, toolID, action, tools.EncodeArgs(args))

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.stepTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", toolID, r)}
			}
		}()
		res, err := e.invoker.Invoke(callCtx, toolID, action, args, rc.RunContext)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return tools.Result{}, fmt.Errorf("step %s timed out after %s: %w", stepID, e.stepTimeout, context.DeadlineExceeded)
		}
		return tools.Result{}, callCtx.Err()
	}
}
