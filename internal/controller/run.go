package controller

import (
	"context"

	"github.com/rahul/cantiere/internal/audit"
	"github.com/rahul/cantiere/internal/engine"
	"github.com/rahul/cantiere/internal/session"
)

type runFunc func(ctx context.Context, onProgress engine.ProgressFunc) (*engine.ExecutionResult, error)

// launch runs fn in the background and settles the session when it returns.
func (c *Controller) launch(sess *session.Session, fn runFunc) {
	snap := sess.Clone()
	onProgress := c.progressFunc(snap)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := fn(c.runCtx, onProgress)
		c.finishRun(snap, res, err)
	}()
}

// progressFunc is called while the engine holds its emit lock, so it must
// never take the session lock.
func (c *Controller) progressFunc(sess *session.Session) engine.ProgressFunc {
	return func(evt engine.Event) {
		ctx := context.Background()
		c.record(ctx, sess, audit.Event{
			Action:    "progress",
			RunID:     evt.RunID,
			StepID:    evt.StepID,
			Status:    string(evt.Status),
			Message:   evt.Message,
			Error:     evt.Error,
			Timestamp: evt.At,
		})
		c.post(ctx, sess, FormatEvent(evt))
	}
}

func (c *Controller) finishRun(snap *session.Session, res *engine.ExecutionResult, runErr error) {
	ctx := context.Background()
	unlock := c.lock(snap.ID)
	defer unlock()

	sess, err := c.store.Get(ctx, snap.ID)
	if err != nil {
		c.logger.LogSession(snap.ID, "store_error", err.Error())
		return
	}

	target := session.StatusFailed
	errMsg := ""
	if res != nil {
		switch res.Status {
		case engine.RunSucceeded:
			target = session.StatusSucceeded
		case engine.RunCancelled:
			target = session.StatusCancelled
		}
		sess.RunID = res.ToolRun.ID
		if c.runs != nil {
			if err := c.runs.SaveRun(ctx, res.ToolRun); err != nil {
				c.logger.LogSession(sess.ID, "store_error", err.Error())
			}
		}
		if target != session.StatusSucceeded && len(res.Errors) > 0 {
			errMsg = res.Errors[len(res.Errors)-1].Error
		}
	}
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if target == session.StatusCancelled && errMsg == "" {
		errMsg = "Cancelled by user"
	}

	if sess.Status == session.StatusRunning {
		if err := sess.Transition(target, c.now()); err != nil {
			c.logger.LogSession(sess.ID, "transition_error", err.Error())
			return
		}
	}
	if target != session.StatusSucceeded {
		sess.Error = errMsg
	}
	if err := c.store.Save(ctx, sess); err != nil {
		c.logger.LogSession(sess.ID, "store_error", err.Error())
	}

	outcome := FormatOutcome(sess.Plan, res, runErr)
	c.logger.LogSession(sess.ID, string(sess.Status), errMsg)
	c.record(ctx, sess, audit.Event{
		Action:  "outcome",
		RunID:   sess.RunID,
		Status:  string(target),
		Message: outcome,
		Error:   errMsg,
	})

	// Failed runs stay with the engine so a step can be retried.
	if target != session.StatusFailed {
		c.engine.Forget(sess.ID)
	}
	c.post(ctx, sess, outcome)
}

// resultFromRun summarises a run snapshot the way the engine does.
func resultFromRun(run engine.ToolRun) *engine.ExecutionResult {
	res := &engine.ExecutionResult{
		Status:     run.Status,
		TotalSteps: len(run.SubRuns),
		Outputs:    run.Outputs,
		Errors:     []engine.StepError{},
		ToolRun:    run,
	}
	for _, sr := range run.SubRuns {
		switch sr.Status {
		case engine.SubSucceeded:
			res.CompletedSteps++
		case engine.SubFailed:
			res.Errors = append(res.Errors, engine.StepError{
				StepID:        sr.StepID,
				Error:         sr.Error,
				Notice:        sr.Notice,
				RollbackError: sr.RollbackError,
			})
		}
	}
	return res
}
