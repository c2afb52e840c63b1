package reply

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/cantiere/internal/plan"
)

func TestParseSlashCommands(t *testing.T) {
	p := NewParser()

	cases := []struct {
		text string
		want Intent
	}{
		{"/plan confirm", Intent{Kind: KindConfirm}},
		{"/plan confirm all", Intent{Kind: KindConfirm, All: true}},
		{"/plan confirm step:publish step:notify", Intent{Kind: KindConfirm, StepIDs: []string{"publish", "notify"}}},
		{"/plan dryrun", Intent{Kind: KindDryRun}},
		{"/plan cancel", Intent{Kind: KindCancel}},
		{"/plan retry step:calc", Intent{Kind: KindRetry, StepID: "calc"}},
		{"  /plan retry step:calc  ", Intent{Kind: KindRetry, StepID: "calc"}},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got := p.Parse(tc.text, 0)
			assert.Equal(t, tc.want.Kind, got.Kind)
			assert.True(t, got.Slash)
			assert.Equal(t, tc.want.All, got.All)
			assert.Equal(t, tc.want.StepIDs, got.StepIDs)
			assert.Equal(t, tc.want.StepID, got.StepID)
		})
	}
}

func TestParseEditAssignments(t *testing.T) {
	got := NewParser().Parse(`/plan edit surface=120 city="Reggio Emilia" note='a b'`, 0)
	require.Equal(t, KindEdit, got.Kind)
	assert.Equal(t, map[string]string{
		"surface": "120",
		"city":    "Reggio Emilia",
		"note":    "a b",
	}, got.Values)

	bare := NewParser().Parse("/plan edit", 0)
	assert.Equal(t, KindEdit, bare.Kind)
	assert.Empty(t, bare.Values)
}

func TestParseUnknownVerbs(t *testing.T) {
	p := NewParser()
	for _, text := range []string{"/plan Confirm", "/plan launch", "/plan", "/plan retry", "/plan retry calc", "/plan confirm now", "/plan edit nonsense"} {
		got := p.Parse(text, 0)
		assert.Equal(t, KindUnknown, got.Kind, text)
		assert.NotEmpty(t, got.Reason, text)
	}
	// Not the /plan grammar at all.
	assert.Equal(t, KindProvideValue, p.Parse("/planning ahead", 0).Kind)
}

func TestParseSelection(t *testing.T) {
	p := NewParser()
	assert.Equal(t, Intent{Kind: KindSelect, Text: "2", Index: 2}, p.Parse("2", 3))
	assert.Equal(t, KindSelect, p.Parse(" 1 ", 2).Kind)
	// Out of range or no open selection falls through to value provision.
	assert.Equal(t, KindProvideValue, p.Parse("4", 3).Kind)
	assert.Equal(t, KindProvideValue, p.Parse("1", 0).Kind)
	assert.Equal(t, KindProvideValue, p.Parse("0", 3).Kind)
	assert.Equal(t, KindProvideValue, p.Parse("12", 9).Kind)
}

func TestConfirmVocabulary(t *testing.T) {
	p := NewParser()
	for _, text := range []string{"ok", "OK", "Conferma!", " vai ", "si", "Sì.", "yes", "procedi", "ESEGUI!!"} {
		assert.Equal(t, KindConfirm, p.Parse(text, 0).Kind, text)
		assert.False(t, p.Parse(text, 0).Slash, text)
	}
	for _, text := range []string{"ok grazie", "non ancora", "okay"} {
		assert.NotEqual(t, KindConfirm, p.Parse(text, 0).Kind, text)
	}
	assert.Equal(t, KindNoop, p.Parse("   ", 0).Kind)
}

func TestExtractSingleOpenRequirement(t *testing.T) {
	x := NewExtractor()
	open := []plan.Requirement{{Name: "surface", Label: "Superficie", Required: true, Type: plan.FieldNumber}}

	got, err := x.Extract("1.250 mq", open)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"surface": 1250.0}, got)

	_, err = x.Extract("tanta", open)
	assert.Error(t, err)
}

func TestExtractAssignmentsAndLabels(t *testing.T) {
	x := NewExtractor()
	open := []plan.Requirement{
		{Name: "budget", Type: plan.FieldMoney},
		{Name: "deadline", Label: "Scadenza", Type: plan.FieldDate},
		{Name: "portals", Type: plan.FieldList},
	}

	got, err := x.Extract("budget=250k\nScadenza: 31/12/2026\nportals: idealista, immobiliare", open)
	require.NoError(t, err)
	assert.Equal(t, 250000.0, got["budget"])
	assert.Equal(t, "2026-12-31", got["deadline"])
	assert.Equal(t, []any{"idealista", "immobiliare"}, got["portals"])

	_, err = x.Extract("something unrelated", open)
	assert.ErrorIs(t, err, ErrNoValue)
}

func TestConvertTypes(t *testing.T) {
	sel := plan.Requirement{Name: "usage", Type: plan.FieldSelect, Options: []plan.Option{
		{Value: "residential", Label: "Residenziale"},
		{Value: "commercial", Label: "Commerciale"},
	}}

	v, err := Convert(sel, "2")
	require.NoError(t, err)
	assert.Equal(t, "commercial", v)
	v, err = Convert(sel, "residenziale")
	require.NoError(t, err)
	assert.Equal(t, "residential", v)
	_, err = Convert(sel, "3")
	assert.Error(t, err)

	v, err = Convert(plan.Requirement{Type: plan.FieldBool}, "Sì")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Convert(plan.Requirement{Type: plan.FieldMoney}, "€ 1.200.000,50")
	require.NoError(t, err)
	assert.Equal(t, 1200000.5, v)

	v, err = Convert(plan.Requirement{Type: plan.FieldMoney}, "1,5 mln")
	require.NoError(t, err)
	assert.Equal(t, 1500000.0, v)

	v, err = Convert(plan.Requirement{Type: plan.FieldNumber}, "120.5")
	require.NoError(t, err)
	assert.Equal(t, 120.5, v)

	v, err = Convert(plan.Requirement{Type: plan.FieldString}, "  Via Emilia 12 ")
	require.NoError(t, err)
	assert.Equal(t, "Via Emilia 12", v)

	_, err = Convert(plan.Requirement{Type: plan.FieldString}, "  ")
	assert.ErrorIs(t, err, ErrNoValue)
}
