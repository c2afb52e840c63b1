package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feasibilityPlan() *Plan {
	return &Plan{
		ID:    "plan-1",
		Title: "Feasibility",
		Steps: []Step{
			{ID: "load", Order: 1, ToolID: "projects", Action: "get", Description: "Load project"},
			{ID: "calc", Order: 2, ToolID: "feasibility", Action: "run", Description: "Run numbers", Dependencies: []string{"load"}},
			{ID: "pdf", Order: 3, ToolID: "documents", Action: "write", Description: "Export", Confirm: true},
		},
		Requirements: []Requirement{
			{Name: "projectId", Required: true, Type: FieldProject},
			{Name: "landCost", Required: true, Type: FieldMoney, StepID: "calc"},
			{Name: "notes", Required: false, Type: FieldString},
		},
		EstimatedDuration: 4,
		TotalCost:         2.5,
	}
}

func TestOrderedIsStable(t *testing.T) {
	p := &Plan{Steps: []Step{
		{ID: "c", Order: 2, ToolID: "t"},
		{ID: "a", Order: 1, ToolID: "t"},
		{ID: "b", Order: 1, ToolID: "t"},
		{ID: "d", Order: 10, ToolID: "t"},
	}}

	var ids []string
	for _, s := range p.Ordered() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Equal(t, "c", p.Steps[0].ID, "Ordered must not reorder the plan")
}

func TestCheck(t *testing.T) {
	require.NoError(t, Check(feasibilityPlan()))

	t.Run("cycle", func(t *testing.T) {
		p := &Plan{Steps: []Step{
			{ID: "a", Order: 1, ToolID: "t", Dependencies: []string{"b"}},
			{ID: "b", Order: 2, ToolID: "t", Dependencies: []string{"a"}},
		}}
		assert.True(t, errors.Is(Check(p), ErrCycle))
	})

	t.Run("unknown dependency", func(t *testing.T) {
		p := &Plan{Steps: []Step{{ID: "a", ToolID: "t", Dependencies: []string{"ghost"}}}}
		assert.True(t, errors.Is(Check(p), ErrStructure))
	})

	t.Run("duplicate id", func(t *testing.T) {
		p := &Plan{Steps: []Step{{ID: "a", ToolID: "t"}, {ID: "a", ToolID: "t"}}}
		assert.ErrorIs(t, Check(p), ErrStructure)
	})

	t.Run("order contradicts dependency", func(t *testing.T) {
		p := &Plan{Steps: []Step{
			{ID: "a", Order: 2, ToolID: "t"},
			{ID: "b", Order: 1, ToolID: "t", Dependencies: []string{"a"}},
		}}
		assert.ErrorIs(t, Check(p), ErrStructure)
	})

	t.Run("unknown policy", func(t *testing.T) {
		p := &Plan{Steps: []Step{{ID: "a", ToolID: "t", OnFailure: "retry"}}}
		assert.ErrorIs(t, Check(p), ErrStructure)
	})
}

func TestValidateMissing(t *testing.T) {
	p := feasibilityPlan()

	v := Validate(p)
	assert.False(t, v.Ready)
	assert.Equal(t, []string{"projectId", "landCost"}, v.MissingNames())
	assert.Empty(t, v.Errors)
	assert.Contains(t, v.Warnings, "step pdf requires explicit confirmation")

	p.Steps[0].ZArgs = map[string]any{"projectId": "prj-1"}
	require.NoError(t, p.SetValue("landCost", 125000.0))

	v = Validate(p)
	assert.True(t, v.Ready)
	assert.Empty(t, v.Missing)
	assert.Equal(t, 125000.0, p.Steps[1].ZArgs["landCost"])
}

func TestValidateTreatsBlankAsMissing(t *testing.T) {
	p := feasibilityPlan()
	p.Steps[0].ZArgs = map[string]any{"projectId": "   "}
	p.Requirements[1].CurrentValue = []any{}

	assert.Equal(t, []string{"projectId", "landCost"}, Validate(p).MissingNames())
}

func TestValidateIsIdempotent(t *testing.T) {
	p := feasibilityPlan()
	first := Validate(p)
	second := Validate(p)
	assert.Equal(t, first.Ready, second.Ready)
	assert.Equal(t, first.Missing, second.Missing)
}

func TestSimulate(t *testing.T) {
	p := feasibilityPlan()
	p.Steps[1].LongRunning = true
	p.Steps[0].ZArgs = map[string]any{"projectId": "prj-1"}

	sim := Simulate(p)
	require.Len(t, sim.Steps, 3)
	assert.Equal(t, "no", sim.Steps[0].SideEffects)
	assert.Equal(t, "yes (requires confirmation)", sim.Steps[2].SideEffects)
	assert.Equal(t, 5, sim.Steps[1].EstimatedTime)
	assert.Equal(t, 4, sim.TotalEstimatedTime)
	assert.Equal(t, 2.5, sim.TotalCost)

	sim.Steps[0].Args["projectId"] = "changed"
	assert.Equal(t, "prj-1", p.Steps[0].ZArgs["projectId"], "simulation must not alias plan args")
}

func TestCloneIsDeep(t *testing.T) {
	p := feasibilityPlan()
	p.Steps[0].ZArgs = map[string]any{"nested": map[string]any{"k": "v"}}
	p.Steps[2].Rollback = &Rollback{ToolID: "documents", Action: "delete", Args: map[string]any{"path": "a.pdf"}}

	c := p.Clone()
	c.Steps[0].ZArgs["nested"].(map[string]any)["k"] = "x"
	c.Steps[2].Rollback.Args["path"] = "b.pdf"
	c.Requirements[0].Required = false

	assert.Equal(t, "v", p.Steps[0].ZArgs["nested"].(map[string]any)["k"])
	assert.Equal(t, "a.pdf", p.Steps[2].Rollback.Args["path"])
	assert.True(t, p.Requirements[0].Required)
}

func TestBindDefaultNeverOverrides(t *testing.T) {
	s := &Step{ZArgs: map[string]any{"projectId": "explicit"}}
	assert.False(t, s.BindDefault("projectId", "ctx"))
	assert.Equal(t, "explicit", s.ZArgs["projectId"])
	assert.True(t, s.BindDefault("workspaceId", "ws-1"))
}

func TestParse(t *testing.T) {
	data := []byte(`
title: Listing publication
steps:
  - id: draft
    order: 1
    toolId: listings
    action: draft
    zArgs:
      price: 250000
  - id: publish
    order: 2
    toolId: listings
    action: publish
    confirm: true
    onFailure: continue
    dependencies: [draft]
    rollback:
      toolId: listings
      action: unpublish
`)
	p, err := Parse(data)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, FailureContinue, p.Steps[1].Policy())
	assert.Equal(t, FailureStop, p.Steps[0].Policy())
	assert.Equal(t, "unpublish", p.Steps[1].Rollback.Action)
	assert.Equal(t, 250000, p.Steps[0].ZArgs["price"])

	_, err = Parse([]byte("steps: []"))
	assert.ErrorIs(t, err, ErrStructure)
}

func TestSetValueFillsPlaceholders(t *testing.T) {
	p := &Plan{
		Steps: []Step{
			{ID: "import", Order: 1, ToolID: "scraper", Action: "import", ZArgs: map[string]any{"url": ""}},
			{ID: "preview", Order: 2, ToolID: "browser", Action: "screenshot", ZArgs: map[string]any{"url": ""}},
			{ID: "publish", Order: 3, ToolID: "listings", Action: "publish"},
		},
		Requirements: []Requirement{{Name: "url", Required: true, Type: FieldString, StepID: "import"}},
	}

	require.NoError(t, p.SetValue("url", "https://example.com/a"))
	assert.Equal(t, "https://example.com/a", p.Steps[1].ZArgs["url"])
	assert.NotContains(t, p.Steps[2].ZArgs, "url")

	// A later edit follows the steps still holding the old value.
	require.NoError(t, p.SetValue("url", "https://example.com/b"))
	assert.Equal(t, "https://example.com/b", p.Steps[0].ZArgs["url"])
	assert.Equal(t, "https://example.com/b", p.Steps[1].ZArgs["url"])

	assert.Error(t, p.SetValue("missing", 1))
}
