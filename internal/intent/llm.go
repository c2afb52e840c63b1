package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/cantiere/internal/observability"
	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/internal/tools"
)

const historyTurns = 6

// History supplies recent chat turns for drafting context.
type History interface {
	GetHistory(ctx context.Context, chatID string, limit int) ([]llms.MessageContent, error)
}

// LLMDrafter asks a chat model to propose a plan through a function call.
type LLMDrafter struct {
	Model    llms.Model
	Registry *tools.Registry
	History  History
	Prompts  *PromptManager
	Logger   *observability.Logger
}

func NewLLMDrafter(model llms.Model, registry *tools.Registry, history History, prompts *PromptManager, logger *observability.Logger) *LLMDrafter {
	return &LLMDrafter{
		Model:    model,
		Registry: registry,
		History:  history,
		Prompts:  prompts,
		Logger:   logger,
	}
}

func (d *LLMDrafter) Draft(ctx context.Context, req Request) (*plan.Plan, error) {
	systemPrompt, err := d.Prompts.PlannerPrompt()
	if err != nil {
		log.Printf("Warning: Failed to load planner prompt: %v", err)
		systemPrompt = defaultPlannerPrompt
	}
	systemPrompt = fmt.Sprintf("%s\n\n## Available Tools:\n%s", systemPrompt, d.catalog())

	messages := []llms.MessageContent{{
		Role:  llms.ChatMessageTypeSystem,
		Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
	}}
	if d.History != nil && req.ChatID != "" {
		history, err := d.History.GetHistory(ctx, req.ChatID, historyTurns)
		if err != nil {
			log.Printf("Warning: Failed to load history for %s: %v", req.ChatID, err)
		}
		messages = append(messages, history...)
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(req.Text)},
	})

	resp, err := d.Model.GenerateContent(ctx, messages, llms.WithTools([]llms.Tool{proposePlanTool}))
	if err != nil {
		return nil, fmt.Errorf("planner call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("planner returned no choices")
	}
	choice := resp.Choices[0]
	d.Logger.LogLLM(req.ChatID, req.Text, choice.Content, choice.ToolCalls)
	d.logCost(req.ChatID, choice.GenerationInfo)

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != "propose_plan" {
			continue
		}
		var p plan.Plan
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &p); err != nil {
			return nil, fmt.Errorf("failed to parse propose_plan arguments: %w", err)
		}
		p.ID = uuid.New().String()
		if err := plan.Check(&p); err != nil {
			return nil, fmt.Errorf("proposed plan rejected: %w", err)
		}
		return &p, nil
	}

	// A plain text answer means the model saw no task in the request.
	return nil, ErrNoMatch
}

func (d *LLMDrafter) catalog() string {
	if d.Registry == nil {
		return "(none)"
	}
	names := d.Registry.Names()
	sort.Strings(names)
	var lines []string
	for _, name := range names {
		t := d.Registry.Get(name)
		if t == nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s [%s]: %s", name, strings.Join(t.Actions(), ", "), t.Description()))
	}
	return strings.Join(lines, "\n")
}

func (d *LLMDrafter) logCost(chatID string, info map[string]any) {
	prompt, _ := info["PromptTokens"].(int)
	completion, _ := info["CompletionTokens"].(int)
	if prompt == 0 && completion == 0 {
		return
	}
	model := ""
	if m, ok := info["Model"].(string); ok {
		model = m
	}
	d.Logger.LogCost(chatID, prompt, completion, model)
}

var proposePlanTool = llms.Tool{
	Type: "function",
	Function: &llms.FunctionDefinition{
		Name:        "propose_plan",
		Description: "Submit a structured, dependency-ordered plan of tool invocations.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":             map[string]any{"type": "string"},
				"description":       map[string]any{"type": "string"},
				"estimatedDuration": map[string]any{"type": "integer", "description": "minutes"},
				"totalCost":         map[string]any{"type": "number"},
				"steps": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":           map[string]any{"type": "string"},
							"order":        map[string]any{"type": "integer"},
							"toolId":       map[string]any{"type": "string"},
							"action":       map[string]any{"type": "string"},
							"description":  map[string]any{"type": "string"},
							"zArgs":        map[string]any{"type": "object"},
							"dependencies": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"requiredRole": map[string]any{"type": "string", "enum": []string{"viewer", "member", "manager", "admin"}},
							"confirm":      map[string]any{"type": "boolean"},
							"longRunning":  map[string]any{"type": "boolean"},
							"onFailure":    map[string]any{"type": "string", "enum": []string{"stop", "continue"}},
							"rollback": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"toolId": map[string]any{"type": "string"},
									"action": map[string]any{"type": "string"},
									"args":   map[string]any{"type": "object"},
								},
								"required": []string{"toolId", "action"},
							},
						},
						"required": []string{"id", "order", "toolId", "action", "description"},
					},
				},
				"requirements": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":     map[string]any{"type": "string"},
							"label":    map[string]any{"type": "string"},
							"required": map[string]any{"type": "boolean"},
							"type": map[string]any{
								"type": "string",
								"enum": []string{"string", "number", "money", "date", "bool", "select", "project", "list"},
							},
							"stepId": map[string]any{"type": "string"},
						},
						"required": []string{"name", "required", "type"},
					},
				},
				"assumptions": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"text":       map[string]any{"type": "string"},
							"confidence": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
						},
					},
				},
				"risks": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"text":         map[string]any{"type": "string"},
							"severity":     map[string]any{"type": "string", "enum": []string{"low", "medium", "high", "critical"}},
							"mitigation":   map[string]any{"type": "string"},
							"irreversible": map[string]any{"type": "boolean"},
						},
					},
				},
			},
			"required": []string{"title", "steps"},
		},
	},
}
