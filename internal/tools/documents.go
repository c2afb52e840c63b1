package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DocumentsTool stores generated documents under a per-workspace directory.
// "delete" exists mainly as the rollback of "write".
type DocumentsTool struct {
	Root string
}

func NewDocumentsTool(root string) *DocumentsTool {
	absRoot, _ := filepath.Abs(root)
	return &DocumentsTool{Root: absRoot}
}

func (d *DocumentsTool) Name() string {
	return "documents"
}

func (d *DocumentsTool) Description() string {
	return "Store and retrieve project documents in the workspace archive."
}

func (d *DocumentsTool) Actions() []string {
	return []string{"delete", "list", "read", "write"}
}

func (d *DocumentsTool) Parameters(action string) map[string]any {
	filename := map[string]any{
		"type":        "string",
		"minLength":   1,
		"description": "Document path relative to the project folder",
	}
	switch action {
	case "write":
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": filename,
				"content":  map[string]any{"type": "string"},
			},
			"required": []string{"filename", "content"},
		}
	case "read", "delete":
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{"filename": filename},
			"required":   []string{"filename"},
		}
	case "list":
		return map[string]any{"type": "object"}
	}
	return nil
}

// dir returns the folder of the run's workspace and project.
func (d *DocumentsTool) dir(rc RunContext) string {
	parts := []string{d.Root}
	if rc.WorkspaceID != "" {
		parts = append(parts, rc.WorkspaceID)
	}
	if rc.ProjectID != "" {
		parts = append(parts, rc.ProjectID)
	}
	return filepath.Join(parts...)
}

func (d *DocumentsTool) resolve(rc RunContext, name string) (string, error) {
	base := d.dir(rc)
	target := filepath.Join(base, name)
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("unsafe path attempt: %s", name)
	}
	return target, nil
}

func (d *DocumentsTool) Execute(ctx context.Context, action string, args map[string]any, rc RunContext) (Result, error) {
	if action == "list" {
		entries, err := os.ReadDir(d.dir(rc))
		if err != nil && !os.IsNotExist(err) {
			return Result{}, fmt.Errorf("failed to list documents: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if !entry.IsDir() {
				names = append(names, entry.Name())
			}
		}
		return Result{Success: true, Output: names}, nil
	}

	filename := stringArg(args, "filename")
	target, err := d.resolve(rc, filename)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	ref := "doc://" + filepath.ToSlash(strings.TrimPrefix(target, d.Root+string(filepath.Separator)))

	switch action {
	case "write":
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return Result{}, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(target, []byte(stringArg(args, "content")), 0644); err != nil {
			return Result{}, fmt.Errorf("failed to write document: %w", err)
		}
		return Result{Success: true, Output: fmt.Sprintf("Stored %s", filename), OutputRef: ref}, nil
	case "read":
		data, err := os.ReadFile(target)
		if err != nil {
			msg := fmt.Sprintf("document %s not found", filename)
			return Result{Success: false, Error: msg, Notice: msg}, nil
		}
		return Result{Success: true, Output: string(data), OutputRef: ref}, nil
	case "delete":
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return Result{}, fmt.Errorf("failed to delete document: %w", err)
		}
		return Result{Success: true, Output: fmt.Sprintf("Deleted %s", filename)}, nil
	}
	return Result{Success: false, Error: fmt.Sprintf("unsupported action %q", action)}, nil
}
