package controller

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rahul/cantiere/internal/engine"
	"github.com/rahul/cantiere/internal/intent"
	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/internal/session"
)

const usage = "Commands: /plan confirm [step:<id>|all], /plan edit field=value, /plan dryrun, /plan cancel, /plan retry step:<id>."

// summarize turns an error into a message fit for the chat. Internal errors
// are never echoed verbatim.
func summarize(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, intent.ErrNoMatch):
		return "I couldn't turn that into a plan. Describe the task, for example \"studio di fattibilità per Le Querce\"."
	case errors.Is(err, ErrUnknownCommand):
		return clean(err.Error()) + ".\n" + usage
	case errors.Is(err, ErrNoActivePlan):
		return "There is no active plan in this chat. Describe what you need to start one."
	case errors.Is(err, ErrNothingToRetry):
		return "Nothing to retry: " + strings.TrimPrefix(err.Error(), ErrNothingToRetry.Error()+": ")
	case errors.Is(err, engine.ErrRetriesExhausted):
		return "That step has used all its retries. Start a new plan to try again."
	case errors.Is(err, engine.ErrUnknownStep):
		return "No such step: " + strings.TrimPrefix(err.Error(), engine.ErrUnknownStep.Error()+": ")
	case errors.Is(err, engine.ErrNotRetryable):
		return "That step can't be retried: " + strings.TrimPrefix(err.Error(), engine.ErrNotRetryable.Error()+": ")
	case errors.Is(err, engine.ErrAlreadyRunning):
		return "The plan is already running."
	case errors.Is(err, session.ErrClosed):
		return "This plan is closed. Send a new request to start another one."
	case errors.Is(err, plan.ErrCycle), errors.Is(err, plan.ErrStructure):
		return "The drafted plan is not valid: " + clean(err.Error())
	}
	return "Something went wrong. The error has been logged."
}

// FormatEvent renders one progress event for the chat. Only the event's
// Notice is shown; its raw Error goes to the audit trail.
func FormatEvent(evt engine.Event) string {
	icon := "⏳"
	switch evt.Status {
	case engine.ProgressCompleted:
		icon = "✅"
	case engine.ProgressFailed:
		icon = "❌"
	}
	msg := fmt.Sprintf("%s %s", icon, clean(evt.Message))
	if evt.Notice != "" && !strings.Contains(evt.Message, evt.Notice) {
		msg += ": " + clean(evt.Notice)
	}
	return msg
}

// FormatOutcome renders the final message of a run.
func FormatOutcome(p *plan.Plan, res *engine.ExecutionResult, err error) string {
	title := "The plan"
	if p != nil && p.Title != "" {
		title = fmt.Sprintf("%q", clean(p.Title))
	}
	if res == nil {
		return fmt.Sprintf("❌ %s could not run. %s", title, summarize(err))
	}

	var sb strings.Builder
	switch res.Status {
	case engine.RunSucceeded:
		fmt.Fprintf(&sb, "🏁 %s completed: %d/%d steps.", title, res.CompletedSteps, res.TotalSteps)
	case engine.RunCancelled:
		fmt.Fprintf(&sb, "⏹ %s cancelled after %d/%d steps.", title, res.CompletedSteps, res.TotalSteps)
	default:
		fmt.Fprintf(&sb, "❌ %s failed after %d/%d steps.", title, res.CompletedSteps, res.TotalSteps)
	}

	for _, e := range res.Errors {
		notice := e.Notice
		if notice == "" {
			notice = "failed"
		}
		fmt.Fprintf(&sb, "\n- %s: %s", e.StepID, clean(notice))
		if e.RollbackError != "" {
			sb.WriteString(" (rollback failed)")
		}
	}
	if res.Status == engine.RunFailed && len(res.Errors) > 0 {
		fmt.Fprintf(&sb, "\nReply /plan retry step:%s to try that step again.", res.Errors[len(res.Errors)-1].StepID)
	}
	return sb.String()
}

func missingMessage(missing []plan.Requirement) string {
	var sb strings.Builder
	sb.WriteString("Still missing:")
	for _, r := range missing {
		fmt.Fprintf(&sb, "\n- %s (%s)", clean(r.DisplayName()), r.Type)
		for i, o := range r.Options {
			fmt.Fprintf(&sb, "\n  %d. %s", i+1, clean(o.Label))
		}
	}
	return sb.String()
}

func confirmStepsMessage(pending []string) string {
	return fmt.Sprintf("These steps need explicit confirmation: %s.\nReply /plan confirm step:%s or /plan confirm all.",
		strings.Join(pending, ", "), strings.Join(pending, " step:"))
}

func editableMessage(p *plan.Plan) string {
	var sb strings.Builder
	sb.WriteString("Editable fields:")
	for _, r := range p.Requirements {
		fmt.Fprintf(&sb, "\n- %s (%s) = %s", r.Name, clean(r.DisplayName()), formatValue(p.Value(r)))
	}
	sb.WriteString("\nStep arguments can be set as step.key=value, e.g. /plan edit calc.area=120.")
	return sb.String()
}
