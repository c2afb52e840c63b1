package intent

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed prompts/planner.md
var defaultPlannerPrompt string

// PromptManager assembles the planner system prompt from a directory of
// markdown files, falling back to the built-in prompt.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// Known files come first, in this order; the rest follow by name.
var promptOrder = map[string]int{
	"identity.md": 1,
	"domain.md":   2,
	"planner.md":  3,
	"user.md":     4,
}

func (pm *PromptManager) PlannerPrompt() (string, error) {
	if pm == nil || pm.Directory == "" {
		return defaultPlannerPrompt, nil
	}
	files, err := os.ReadDir(pm.Directory)
	if os.IsNotExist(err) {
		return defaultPlannerPrompt, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		oi, okI := promptOrder[files[i].Name()]
		oj, okJ := promptOrder[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	var contents []string
	hasPlanner := false
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
			continue
		}
		path := filepath.Join(pm.Directory, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		if f.Name() == "planner.md" {
			hasPlanner = true
		}
		contents = append(contents, string(data))
	}
	if !hasPlanner {
		contents = append(contents, defaultPlannerPrompt)
	}

	return strings.Join(contents, "\n\n---\n\n"), nil
}
