package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rahul/cantiere/internal/audit"
	"github.com/rahul/cantiere/internal/engine"
	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/internal/reply"
	"github.com/rahul/cantiere/internal/session"
)

type handler func(ctx context.Context, sess *session.Session, in reply.Intent, rc RequestContext) (*Response, error)

func (c *Controller) dispatch(kind reply.Kind) handler {
	switch kind {
	case reply.KindConfirm:
		return c.onConfirm
	case reply.KindCancel:
		return c.onCancel
	case reply.KindDryRun:
		return c.onDryRun
	case reply.KindRetry:
		return c.onRetry
	case reply.KindEdit:
		return c.onEdit
	case reply.KindSelect:
		return c.onSelect
	case reply.KindProvideValue:
		return c.onProvideValue
	}
	return nil
}

// HandleReply applies one user message to a session.
func (c *Controller) HandleReply(ctx context.Context, sessionID, text string, rc RequestContext) (*Response, error) {
	unlock := c.lock(sessionID)
	defer unlock()

	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	in := c.parser.Parse(text, openSelectionSize(sess))
	c.logger.LogReply(sess.ID, string(in.Kind), text)

	if in.Kind == reply.KindUnknown {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, in.Reason)
	}

	switch {
	case sess.Status == session.StatusRunning && in.Kind != reply.KindCancel:
		return c.noop(sess, c.progressMessage(sess)), nil
	case sess.Status.Terminal() && !(sess.Status == session.StatusFailed && in.Kind == reply.KindRetry):
		if !in.Slash {
			return c.noop(sess, ""), nil
		}
		return nil, fmt.Errorf("%w: plan is %s", session.ErrClosed, sess.Status)
	case sess.Status == session.StatusCollecting && in.Kind == reply.KindRetry:
		return nil, fmt.Errorf("%w: the plan has not run yet", ErrNothingToRetry)
	}

	h := c.dispatch(in.Kind)
	if h == nil {
		return c.noop(sess, ""), nil
	}
	return h(ctx, sess, in, rc)
}

func (c *Controller) onConfirm(ctx context.Context, sess *session.Session, in reply.Intent, rc RequestContext) (*Response, error) {
	v := plan.Validate(sess.Plan)
	if len(v.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", plan.ErrStructure, strings.Join(v.Errors, "; "))
	}
	if !v.Ready {
		if !in.Slash {
			return c.noop(sess, ""), nil
		}
		return c.clarify(sess, missingMessage(v.Missing)), nil
	}

	for _, id := range in.StepIDs {
		if _, ok := sess.Plan.Step(id); !ok {
			return nil, fmt.Errorf("%w: %s", engine.ErrUnknownStep, id)
		}
	}
	for _, id := range in.StepIDs {
		sess.Acknowledge(id)
	}
	if in.All {
		for _, id := range sess.PendingConfirmations() {
			sess.Acknowledge(id)
		}
	}

	now := c.now()
	if pending := sess.PendingConfirmations(); len(pending) > 0 {
		if len(in.StepIDs) == 0 {
			return c.clarify(sess, confirmStepsMessage(pending)), nil
		}
		sess.AddReply(session.Reply{
			Type:   session.ReplyConfirm,
			Text:   in.Text,
			Values: map[string]any{"steps": in.StepIDs},
			UserID: rc.UserID,
		}, now)
		if err := c.store.Save(ctx, sess); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
		return c.clarify(sess, confirmStepsMessage(pending)), nil
	}

	sess.AddReply(session.Reply{Type: session.ReplyConfirm, Text: in.Text, UserID: rc.UserID}, now)
	if err := sess.Transition(session.StatusRunning, now); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	c.logger.LogSession(sess.ID, string(sess.Status), "confirmed")
	c.record(ctx, sess, audit.Event{Action: "confirm", Status: string(sess.Status), Message: "Plan confirmed"})

	p := sess.Plan.Clone()
	erc := runContext(sess)
	c.launch(sess, func(ctx context.Context, onProgress engine.ProgressFunc) (*engine.ExecutionResult, error) {
		return c.engine.ExecutePlan(ctx, p, erc, onProgress)
	})

	return &Response{
		Session: sess.Clone(),
		Action:  ActionRun,
		Message: fmt.Sprintf("▶️ Running %q: %d steps.", clean(p.Title), len(p.Steps)),
	}, nil
}

func (c *Controller) onCancel(ctx context.Context, sess *session.Session, in reply.Intent, rc RequestContext) (*Response, error) {
	now := c.now()
	entry := session.Reply{Type: session.ReplyCancel, Text: in.Text, UserID: rc.UserID}

	if sess.Status == session.StatusRunning {
		// The run goroutine settles the session once the engine returns.
		if !c.engine.CancelExecution(sess.ID, nil) {
			return c.noop(sess, "Nothing is running right now."), nil
		}
		sess.AddReply(entry, now)
		if err := c.store.Save(ctx, sess); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
		c.record(ctx, sess, audit.Event{Action: "cancel", Status: "requested", Message: "Cancellation requested"})
		return &Response{
			Session: sess.Clone(),
			Action:  ActionCancelled,
			Message: "⏹ Cancelling: no further steps will start.",
		}, nil
	}

	sess.AddReply(entry, now)
	if err := sess.Transition(session.StatusCancelled, now); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	c.logger.LogSession(sess.ID, string(sess.Status), "cancelled before running")
	c.record(ctx, sess, audit.Event{Action: "cancel", Status: string(sess.Status), Message: "Plan cancelled"})
	return &Response{
		Session: sess.Clone(),
		Action:  ActionCancelled,
		Message: "Plan cancelled.",
	}, nil
}

func (c *Controller) onDryRun(ctx context.Context, sess *session.Session, in reply.Intent, rc RequestContext) (*Response, error) {
	sim := plan.Simulate(sess.Plan)
	sess.AddReply(session.Reply{Type: session.ReplyDryRun, Text: in.Text, UserID: rc.UserID}, c.now())
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return &Response{
		Session:    sess.Clone(),
		Action:     ActionDryRun,
		Simulation: &sim,
		Message:    RenderSimulation(sim),
	}, nil
}

func (c *Controller) onRetry(ctx context.Context, sess *session.Session, in reply.Intent, rc RequestContext) (*Response, error) {
	step, ok := sess.Plan.Step(in.StepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownStep, in.StepID)
	}
	run, ok := c.engine.Snapshot(sess.ID)
	if !ok {
		return nil, fmt.Errorf("%w: the run is no longer available", ErrNothingToRetry)
	}
	var sr *engine.SubRun
	for i := range run.SubRuns {
		if run.SubRuns[i].StepID == in.StepID {
			sr = &run.SubRuns[i]
		}
	}
	dep := run.BlockingDependency(*step)
	switch {
	case sr == nil:
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownStep, in.StepID)
	case sr.Status != engine.SubFailed && sr.Status != engine.SubCancelled:
		return nil, fmt.Errorf("%w: step %s is %s", engine.ErrNotRetryable, in.StepID, sr.Status)
	case dep != "":
		return nil, fmt.Errorf("%w: step %s depends on %s, retry %s first", engine.ErrNotRetryable, in.StepID, dep, dep)
	case sr.RetryCount >= sr.MaxRetries:
		return nil, fmt.Errorf("%w: step %s", engine.ErrRetriesExhausted, in.StepID)
	}

	now := c.now()
	sess.AddReply(session.Reply{
		Type:   session.ReplyRetry,
		Text:   in.Text,
		Values: map[string]any{"stepId": in.StepID},
		UserID: rc.UserID,
	}, now)
	if err := sess.Transition(session.StatusRunning, now); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	c.record(ctx, sess, audit.Event{Action: "retry", StepID: in.StepID, Status: string(sess.Status), RunID: run.ID,
		Message: fmt.Sprintf("Retry of step %s requested", in.StepID)})

	p := sess.Plan.Clone()
	erc := runContext(sess)
	stepID := in.StepID
	c.launch(sess, func(ctx context.Context, onProgress engine.ProgressFunc) (*engine.ExecutionResult, error) {
		sr, err := c.engine.RetryStep(ctx, erc.SessionID, stepID, p, erc, onProgress)
		if err != nil {
			return nil, err
		}
		if sr.Status == engine.SubSucceeded {
			res, err := c.engine.Resume(ctx, erc.SessionID, p, erc, onProgress)
			if !errors.Is(err, engine.ErrNotRetryable) {
				return res, err
			}
			// Another failed step still blocks the plan.
		}
		snap, _ := c.engine.Snapshot(erc.SessionID)
		return resultFromRun(snap), nil
	})

	return &Response{
		Session: sess.Clone(),
		Action:  ActionRetry,
		Message: fmt.Sprintf("🔁 Retrying step %s (attempt %d of %d).", stepID, sr.RetryCount+1, sr.MaxRetries),
	}, nil
}

func (c *Controller) onEdit(ctx context.Context, sess *session.Session, in reply.Intent, rc RequestContext) (*Response, error) {
	if len(in.Values) == 0 {
		return c.clarify(sess, editableMessage(sess.Plan)), nil
	}

	before := planLines(sess.Plan)
	keys := make([]string, 0, len(in.Values))
	for k := range in.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make(map[string]any, len(in.Values))
	for _, key := range keys {
		raw := in.Values[key]
		if r, ok := sess.Plan.Requirement(key); ok {
			v, err := reply.Convert(*r, raw)
			if err != nil {
				return c.clarify(sess, err.Error()), nil
			}
			if err := sess.Plan.SetValue(r.Name, v); err != nil {
				return nil, err
			}
			values[key] = v
			continue
		}
		stepID, arg, dotted := strings.Cut(key, ".")
		step, ok := sess.Plan.Step(stepID)
		if !dotted || !ok || arg == "" {
			return c.clarify(sess, fmt.Sprintf("Unknown field %q.\n\n%s", key, editableMessage(sess.Plan))), nil
		}
		if step.ZArgs == nil {
			step.ZArgs = make(map[string]any)
		}
		step.ZArgs[arg] = raw
		values[key] = raw
	}

	// Changed arguments need a fresh acknowledgement.
	sess.ConfirmedSteps = nil
	sess.AddReply(session.Reply{Type: session.ReplyEdit, Text: in.Text, Values: values, UserID: rc.UserID}, c.now())
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	diff := renderDiff(before, planLines(sess.Plan))
	pv := BuildPreview(sess, nil)
	msg := RenderPreview(pv)
	if diff != "" {
		msg = "✏️ Changes:\n" + diff + "\n" + msg
	}
	return &Response{
		Session: sess.Clone(),
		Action:  ActionPreview,
		Preview: pv,
		Diff:    diff,
		Message: msg,
	}, nil
}

func (c *Controller) onSelect(ctx context.Context, sess *session.Session, in reply.Intent, rc RequestContext) (*Response, error) {
	r := openSelection(sess)
	if r == nil {
		return c.noop(sess, ""), nil
	}
	if in.Index < 1 || in.Index > len(r.Options) {
		return c.clarify(sess, fmt.Sprintf("Choose a number between 1 and %d.", len(r.Options))), nil
	}
	value := r.Options[in.Index-1].Value
	name := r.Name
	if err := sess.Plan.SetValue(name, value); err != nil {
		return nil, err
	}
	if name == "projectId" {
		sess.ProjectID = value
	}

	sess.AddReply(session.Reply{
		Type:   session.ReplySelect,
		Text:   in.Text,
		Values: map[string]any{name: value},
		UserID: rc.UserID,
	}, c.now())
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return c.preview(sess), nil
}

func (c *Controller) onProvideValue(ctx context.Context, sess *session.Session, in reply.Intent, rc RequestContext) (*Response, error) {
	v := plan.Validate(sess.Plan)
	if len(v.Missing) == 0 {
		return c.noop(sess, ""), nil
	}

	values, err := c.extractor.Extract(in.Text, v.Missing)
	if len(values) == 0 {
		msg := missingMessage(v.Missing)
		if err != nil && !errors.Is(err, reply.ErrNoValue) {
			msg = err.Error() + "\n\n" + msg
		}
		return c.clarify(sess, msg), nil
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := sess.Plan.SetValue(name, values[name]); err != nil {
			return nil, err
		}
		if name == "projectId" {
			if id, ok := values[name].(string); ok {
				sess.ProjectID = id
			}
		}
	}

	sess.AddReply(session.Reply{Type: session.ReplyProvideValue, Text: in.Text, Values: values, UserID: rc.UserID}, c.now())
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	resp := c.preview(sess)
	if err != nil {
		resp.Message = err.Error() + "\n\n" + resp.Message
	}
	return resp, nil
}

func (c *Controller) preview(sess *session.Session) *Response {
	pv := BuildPreview(sess, nil)
	return &Response{
		Session: sess.Clone(),
		Action:  ActionPreview,
		Preview: pv,
		Message: RenderPreview(pv),
	}
}

func (c *Controller) clarify(sess *session.Session, msg string) *Response {
	return &Response{Session: sess.Clone(), Action: ActionClarify, Message: msg}
}

func (c *Controller) noop(sess *session.Session, msg string) *Response {
	return &Response{Session: sess.Clone(), Action: ActionNoop, Message: msg}
}

func (c *Controller) progressMessage(sess *session.Session) string {
	pr, ok := c.engine.Progress(sess.ID)
	if !ok {
		return "The plan is running."
	}
	msg := fmt.Sprintf("⏳ The plan is running: %d/%d steps done (%d%%).", pr.Completed, pr.Total, pr.Percentage)
	if pr.CurrentStep != "" {
		msg += fmt.Sprintf(" Current step: %s.", pr.CurrentStep)
	}
	return msg
}

// openSelection returns the first missing select requirement.
func openSelection(sess *session.Session) *plan.Requirement {
	if sess.Status != session.StatusCollecting || sess.Plan == nil {
		return nil
	}
	for _, m := range plan.Validate(sess.Plan).Missing {
		if m.Type == plan.FieldSelect && len(m.Options) > 0 {
			r, _ := sess.Plan.Requirement(m.Name)
			return r
		}
	}
	return nil
}

func openSelectionSize(sess *session.Session) int {
	if r := openSelection(sess); r != nil {
		return len(r.Options)
	}
	return 0
}
