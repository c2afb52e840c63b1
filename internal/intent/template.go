package intent

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rahul/cantiere/internal/plan"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// Template is a named plan skeleton selected by keywords.
type Template struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Keywords    []string  `yaml:"keywords"`
	Plan        plan.Plan `yaml:"plan"`
}

// TemplateDrafter drafts plans from YAML templates. Files in Dir override the
// built-in templates with the same name.
type TemplateDrafter struct {
	Dir string

	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateDrafter(dir string) (*TemplateDrafter, error) {
	d := &TemplateDrafter{Dir: dir}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads every template. On error the previous set stays active.
func (d *TemplateDrafter) Reload() error {
	set := make(map[string]Template)
	if err := loadTemplates(builtinTemplates, "templates", set); err != nil {
		return err
	}
	if d.Dir != "" {
		if _, err := os.Stat(d.Dir); err == nil {
			if err := loadTemplates(os.DirFS(d.Dir), ".", set); err != nil {
				return err
			}
		}
	}

	d.mu.Lock()
	d.templates = set
	d.mu.Unlock()
	return nil
}

func loadTemplates(fsys fs.FS, dir string, into map[string]Template) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read templates: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		path := filepath.ToSlash(filepath.Join(dir, e.Name()))
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", e.Name(), err)
		}
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to decode template %s: %w", e.Name(), err)
		}
		if t.Name == "" {
			t.Name = strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		}
		if err := plan.Check(&t.Plan); err != nil {
			return fmt.Errorf("template %s: %w", t.Name, err)
		}
		into[t.Name] = t
	}
	return nil
}

func isTemplateFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Templates lists the loaded templates sorted by name.
func (d *TemplateDrafter) Templates() []Template {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Template, 0, len(d.templates))
	for _, t := range d.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Draft picks the template whose keywords best match the request.
func (d *TemplateDrafter) Draft(ctx context.Context, req Request) (*plan.Plan, error) {
	lower := strings.ToLower(req.Text)
	var (
		best  *Template
		score int
	)
	for _, t := range d.Templates() {
		n := 0
		for _, kw := range t.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				n++
			}
		}
		if n > score {
			t := t
			best, score = &t, n
		}
	}
	if best == nil {
		return nil, ErrNoMatch
	}

	p := best.Plan.Clone()
	p.ID = uuid.New().String()
	return p, nil
}

// Watch reloads templates whenever a file in Dir changes, until ctx ends.
func (d *TemplateDrafter) Watch(ctx context.Context) error {
	if d.Dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(d.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.Dir, err)
	}

	// Editors fire several events per save.
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				debounce = time.After(200 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			if err := d.Reload(); err != nil {
				log.Printf("Warning: template reload failed: %v", err)
				continue
			}
			log.Printf("Plan templates reloaded from %s", d.Dir)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Warning: template watcher: %v", err)
		}
	}
}
