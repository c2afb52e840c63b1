package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/tools/duckduckgo"
)

// Searcher is the subset of the langchaingo tool the search tool uses.
type Searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

// SearchTool looks up comparable listings and market references on the web.
type SearchTool struct {
	client Searcher
}

func NewSearchTool() (*SearchTool, error) {
	ddg, err := duckduckgo.New(10, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &SearchTool{client: ddg}, nil
}

// NewSearchToolWith wraps any Searcher, used by tests and alternative engines.
func NewSearchToolWith(client Searcher) *SearchTool {
	return &SearchTool{client: client}
}

func (s *SearchTool) Name() string {
	return "search"
}

func (s *SearchTool) Description() string {
	return "Search the web for comparable listings and market data."
}

func (s *SearchTool) Actions() []string {
	return []string{"comparables", "query"}
}

func (s *SearchTool) Parameters(action string) map[string]any {
	switch action {
	case "query":
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1},
			},
			"required": []string{"query"},
		}
	case "comparables":
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city":         map[string]any{"type": "string", "minLength": 1},
				"propertyType": map[string]any{"type": "string"},
				"sqm":          map[string]any{"type": "number", "exclusiveMinimum": 0},
			},
			"required": []string{"city"},
		}
	}
	return nil
}

func (s *SearchTool) Execute(ctx context.Context, action string, args map[string]any, rc RunContext) (Result, error) {
	query := stringArg(args, "query")
	if action == "comparables" {
		parts := []string{"annunci vendita"}
		if pt := stringArg(args, "propertyType"); pt != "" {
			parts = append(parts, pt)
		}
		parts = append(parts, stringArg(args, "city"))
		if sqm, ok := args["sqm"]; ok {
			parts = append(parts, fmt.Sprintf("%v mq", sqm))
		}
		query = strings.Join(parts, " ")
	}

	res, err := s.client.Call(ctx, query)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("search failed: %v", err)}, nil
	}
	return Result{Success: true, Output: res, OutputRef: "search:" + query}, nil
}
