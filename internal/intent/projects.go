package intent

import (
	"context"
	"strings"

	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/pkg/config"
)

// MaxOptions is the number of choices a single-digit reply can address.
const MaxOptions = 9

type Project struct {
	ID        string
	Name      string
	Workspace string
	Aliases   []string
}

// Projects resolves which projects a request may target.
type Projects interface {
	Candidates(ctx context.Context, text, workspaceID string) ([]Project, error)
}

// Directory is a static project list loaded from configuration.
type Directory struct {
	projects []Project
}

func NewDirectory(cfg []config.ProjectConfig) *Directory {
	d := &Directory{}
	for _, p := range cfg {
		d.projects = append(d.projects, Project{
			ID:        p.ID,
			Name:      p.Name,
			Workspace: p.Workspace,
			Aliases:   append([]string(nil), p.Aliases...),
		})
	}
	return d
}

// Candidates returns the workspace projects named in text, or every project
// of the workspace when none is named.
func (d *Directory) Candidates(ctx context.Context, text, workspaceID string) ([]Project, error) {
	lower := strings.ToLower(text)
	var scoped, named []Project
	for _, p := range d.projects {
		if workspaceID != "" && p.Workspace != "" && p.Workspace != workspaceID {
			continue
		}
		scoped = append(scoped, p)
		if p.mentioned(lower) {
			named = append(named, p)
		}
	}
	if len(named) > 0 {
		return named, nil
	}
	return scoped, nil
}

func (p Project) mentioned(lower string) bool {
	for _, name := range append([]string{p.Name, p.ID}, p.Aliases...) {
		if name != "" && strings.Contains(lower, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

// SelectionRequirement builds the numbered choice offered when several
// projects match. Options beyond MaxOptions are dropped.
func SelectionRequirement(name, stepID string, candidates []Project) plan.Requirement {
	r := plan.Requirement{
		Name:     name,
		Label:    "Progetto",
		Required: true,
		Type:     plan.FieldSelect,
		StepID:   stepID,
	}
	for i, p := range candidates {
		if i == MaxOptions {
			break
		}
		r.Options = append(r.Options, plan.Option{Value: p.ID, Label: p.Name})
	}
	return r
}
