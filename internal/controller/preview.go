package controller

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/rahul/cantiere/internal/engine"
	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/internal/session"
)

// Badge is the marker shown next to a step.
type Badge string

const (
	BadgeReady        Badge = "ready"
	BadgeNeedsInput   Badge = "needs input"
	BadgeNeedsConfirm Badge = "needs confirmation"
	BadgeConfirmed    Badge = "confirmed"
)

const badgeRunPrefix = "run:"

type StepBadge struct {
	ID          string `json:"id"`
	ToolID      string `json:"toolId"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Badge       Badge  `json:"badge"`
	Confirm     bool   `json:"confirm"`
	Notice      string `json:"notice,omitempty"`
}

// Preview is the chat-facing view of a session's plan.
type Preview struct {
	SessionID        string             `json:"sessionId"`
	Title            string             `json:"title"`
	Description      string             `json:"description"`
	Phase            session.Status     `json:"phase"`
	Steps            []StepBadge        `json:"steps"`
	Missing          []plan.Requirement `json:"missing"`
	Pending          []string           `json:"pendingConfirmations"`
	Assumptions      []plan.Assumption  `json:"assumptions"`
	Risks            []plan.Risk        `json:"risks"`
	Warnings         []string           `json:"warnings"`
	EstimatedMinutes int                `json:"estimatedMinutes"`
	TotalCost        float64            `json:"totalCost"`
	RunStatus        engine.RunStatus   `json:"runStatus,omitempty"`
}

// BuildPreview badges every step. With a run the badge is the step's run status.
func BuildPreview(sess *session.Session, run *engine.ToolRun) *Preview {
	p := sess.Plan
	v := plan.Validate(p)
	sim := plan.Simulate(p)

	pv := &Preview{
		SessionID:        sess.ID,
		Title:            clean(p.Title),
		Description:      clean(p.Description),
		Phase:            sess.Phase(),
		Missing:          v.Missing,
		Pending:          sess.PendingConfirmations(),
		Assumptions:      p.Assumptions,
		Risks:            p.Risks,
		Warnings:         v.Warnings,
		EstimatedMinutes: sim.TotalEstimatedTime,
		TotalCost:        p.TotalCost,
	}

	needsInput := map[string]bool{}
	ordered := p.Ordered()
	for _, r := range v.Missing {
		stepID := r.StepID
		if stepID == "" && len(ordered) > 0 {
			stepID = ordered[0].ID
		}
		needsInput[stepID] = true
	}

	for _, s := range ordered {
		b := StepBadge{
			ID:          s.ID,
			ToolID:      s.ToolID,
			Action:      s.Action,
			Description: clean(s.Description),
			Confirm:     s.Confirm,
			Badge:       BadgeReady,
		}
		switch {
		case needsInput[s.ID]:
			b.Badge = BadgeNeedsInput
		case s.Confirm && sess.Confirmed(s.ID):
			b.Badge = BadgeConfirmed
		case s.Confirm:
			b.Badge = BadgeNeedsConfirm
		}
		pv.Steps = append(pv.Steps, b)
	}

	if run != nil {
		pv.RunStatus = run.Status
		for i := range pv.Steps {
			for _, sr := range run.SubRuns {
				if sr.StepID == pv.Steps[i].ID {
					pv.Steps[i].Badge = Badge(badgeRunPrefix + string(sr.Status))
					pv.Steps[i].Notice = sr.Notice
				}
			}
		}
	}
	return pv
}

// RenderPreview formats a preview as plain chat text.
func RenderPreview(pv *Preview) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 %s\n", pv.Title)
	if pv.Description != "" {
		sb.WriteString(pv.Description + "\n")
	}

	sb.WriteString("\nSteps:\n")
	for i, s := range pv.Steps {
		fmt.Fprintf(&sb, "%d. [%s] %s: %s (%s.%s)\n", i+1, strings.TrimPrefix(string(s.Badge), badgeRunPrefix),
			s.ID, s.Description, s.ToolID, s.Action)
		if s.Notice != "" {
			fmt.Fprintf(&sb, "   ⚠️ %s\n", clean(s.Notice))
		}
	}

	var choices *plan.Requirement
	if len(pv.Missing) > 0 {
		sb.WriteString("\nMissing:\n")
		for i, r := range pv.Missing {
			fmt.Fprintf(&sb, "- %s (%s)\n", clean(r.DisplayName()), r.Type)
			if choices == nil && r.Type == plan.FieldSelect && len(r.Options) > 0 {
				choices = &pv.Missing[i]
			}
		}
	}
	if choices != nil {
		fmt.Fprintf(&sb, "\nChoose %s:\n", clean(choices.DisplayName()))
		for i, o := range choices.Options {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, clean(o.Label))
		}
	}

	if len(pv.Assumptions) > 0 {
		sb.WriteString("\nAssumptions:\n")
		for _, a := range pv.Assumptions {
			fmt.Fprintf(&sb, "- %s (%s)\n", clean(a.Text), a.Confidence)
		}
	}
	if len(pv.Risks) > 0 {
		sb.WriteString("\nRisks:\n")
		for _, r := range pv.Risks {
			line := fmt.Sprintf("- [%s] %s", r.Severity, clean(r.Text))
			if r.Irreversible {
				line += " (irreversible)"
			}
			if r.Mitigation != "" {
				line += ". Mitigation: " + clean(r.Mitigation)
			}
			sb.WriteString(line + "\n")
		}
	}

	fmt.Fprintf(&sb, "\n⏱ ~%d min", pv.EstimatedMinutes)
	if pv.TotalCost > 0 {
		fmt.Fprintf(&sb, " · cost %.2f", pv.TotalCost)
	}
	sb.WriteString("\n")

	switch {
	case pv.RunStatus != "":
	case len(pv.Missing) > 0:
		sb.WriteString("Reply with the missing values, or /plan edit field=value.")
	case len(pv.Pending) > 0:
		fmt.Fprintf(&sb, "Acknowledge with /plan confirm step:%s or /plan confirm all.", strings.Join(pv.Pending, ", step:"))
	default:
		sb.WriteString("Reply ok or /plan confirm to run, /plan dryrun to simulate, /plan cancel to drop it.")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RenderSimulation formats a dry run. Nothing in it has been executed.
func RenderSimulation(sim plan.Simulation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🧪 Dry run: %s\n", clean(sim.Summary))
	for i, s := range sim.Steps {
		fmt.Fprintf(&sb, "%d. %s → %s.%s (~%d min, side effects: %s)\n", i+1, s.StepID, s.ToolID, s.Action, s.EstimatedTime, s.SideEffects)
		if len(s.Args) > 0 {
			fmt.Fprintf(&sb, "   args: %s\n", formatValue(s.Args))
		}
	}
	fmt.Fprintf(&sb, "Total: ~%d min", sim.TotalEstimatedTime)
	if sim.TotalCost > 0 {
		fmt.Fprintf(&sb, ", cost %.2f", sim.TotalCost)
	}
	sb.WriteString("\nNothing was executed.")
	return sb.String()
}

// planLines lists every step argument as one "step.key = value" line.
func planLines(p *plan.Plan) []string {
	var lines []string
	for _, s := range p.Ordered() {
		keys := make([]string, 0, len(s.ZArgs))
		for k := range s.ZArgs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s.%s = %s\n", s.ID, k, formatValue(s.ZArgs[k])))
		}
	}
	return lines
}

func renderDiff(before, after []string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        before,
		B:        after,
		FromFile: "before",
		ToFile:   "after",
		Context:  0,
	})
	if err != nil {
		return ""
	}
	return strings.TrimRight(diff, "\n")
}

func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

var strict = bluemonday.StrictPolicy()

// clean strips markup from model or user supplied text before it is echoed.
func clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}
