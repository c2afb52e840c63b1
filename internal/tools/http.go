package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rahul/cantiere/pkg/config"
)

// HTTPTool forwards actions to an external product service, e.g. project
// records, feasibility calculators or listing publication.
type HTTPTool struct {
	cfg    config.HTTPToolConfig
	client *http.Client
}

// NewHTTPTool builds a tool from its config. A nil client gets a 30s timeout client.
func NewHTTPTool(cfg config.HTTPToolConfig, client *http.Client) (*HTTPTool, error) {
	if cfg.Name == "" || cfg.Endpoint == "" {
		return nil, fmt.Errorf("http tool requires name and endpoint")
	}
	if len(cfg.Actions) == 0 {
		return nil, fmt.Errorf("http tool %s declares no actions", cfg.Name)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTool{cfg: cfg, client: client}, nil
}

func (t *HTTPTool) Name() string        { return t.cfg.Name }
func (t *HTTPTool) Description() string { return t.cfg.Description }

func (t *HTTPTool) Actions() []string {
	names := make([]string, 0, len(t.cfg.Actions))
	for name := range t.cfg.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *HTTPTool) Parameters(action string) map[string]any {
	a, ok := t.cfg.Actions[action]
	if !ok {
		return nil
	}
	if a.Parameters == nil {
		return map[string]any{"type": "object"}
	}
	return a.Parameters
}

type httpEnvelope struct {
	Action  string         `json:"action"`
	Args    map[string]any `json:"args"`
	Context RunContext     `json:"context"`
}

func (t *HTTPTool) Execute(ctx context.Context, action string, args map[string]any, rc RunContext) (Result, error) {
	a := t.cfg.Actions[action]

	method := a.Method
	if method == "" {
		method = http.MethodPost
	}
	path := a.Path
	if path == "" {
		path = action
	}
	endpoint := strings.TrimRight(t.cfg.Endpoint, "/") + "/" + strings.TrimLeft(path, "/")

	body, err := json.Marshal(httpEnvelope{Action: action, Args: args, Context: rc})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", rc.SessionID)
	if auth := t.cfg.Auth; auth.APIKey != "" {
		header := auth.Header
		if header == "" {
			header = "Authorization"
		}
		value := auth.APIKey
		if auth.Type == "" || auth.Type == "bearer" {
			value = "Bearer " + auth.APIKey
		}
		req.Header.Set(header, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request to %s failed: %w", t.cfg.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Success: false, Error: fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(string(raw), 200))}, nil
	}

	var out any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return Result{}, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	// Services may report a logical failure with a 2xx status.
	if m, ok := out.(map[string]any); ok {
		if success, ok := m["success"].(bool); ok && !success {
			msg, _ := m["error"].(string)
			if msg == "" {
				msg = "service reported failure"
			}
			return Result{Success: false, Error: msg, Notice: msg}, nil
		}
	}

	res := Result{Success: true, Output: out}
	if a.OutputRefPath != "" {
		if ref := extractPath(out, a.OutputRefPath); ref != nil {
			res.OutputRef = fmt.Sprint(ref)
		}
	}
	if a.ResponsePath != "" {
		res.Output = extractPath(out, a.ResponsePath)
	}
	return res, nil
}

// extractPath walks simple paths like "data.items[0].id".
func extractPath(v any, path string) any {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '.' || r == '[' || r == ']' })
	for _, p := range parts {
		switch m := v.(type) {
		case map[string]any:
			v = m[p]
		case []any:
			var i int
			if _, err := fmt.Sscanf(p, "%d", &i); err != nil || i < 0 || i >= len(m) {
				return nil
			}
			v = m[i]
		default:
			return nil
		}
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
