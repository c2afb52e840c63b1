package controller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/cantiere/internal/engine"
	"github.com/rahul/cantiere/internal/intent"
	"github.com/rahul/cantiere/internal/session"
	"github.com/rahul/cantiere/internal/store"
)

// textModel answers every call with plain text, so no plan is proposed.
type textModel struct {
	calls [][]llms.MessageContent
}

func (m *textModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls = append(m.calls, messages)
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "Ciao!"}}}, nil
}

func (m *textModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return "", errors.New("not used")
}

func texts(messages []llms.MessageContent) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, string(m.Role)+": "+m.Parts[0].(llms.TextContent).Text)
	}
	return out
}

func TestDrafterSeesEarlierTurnsOfTheChat(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "cantiere.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	model := &textModel{}
	drafter := intent.NewLLMDrafter(model, nil, db, nil, nil)
	ctrl := New(session.NewMemoryStore(), engine.New(newInvoker()), drafter)
	r := NewRouter(ctrl, db, nil)
	ctx := context.Background()

	msg := Message{Channel: "telegram", ChannelID: "42", UserID: "u1"}
	msg.Text = "ciao"
	_, err = r.HandleMessage(ctx, msg)
	require.ErrorIs(t, err, intent.ErrNoMatch)

	msg.Text = "studio di fattibilità per Le Querce"
	_, err = r.HandleMessage(ctx, msg)
	require.ErrorIs(t, err, intent.ErrNoMatch)

	require.Len(t, model.calls, 2)
	first := texts(model.calls[0])
	assert.Equal(t, []string{"human: ciao"}, first[1:])

	second := texts(model.calls[1])
	assert.Equal(t, []string{
		"human: ciao",
		"ai: " + summarize(intent.ErrNoMatch),
		"human: studio di fattibilità per Le Querce",
	}, second[1:])

	stored, err := db.GetHistory(ctx, ChatID("telegram", "42"), 10)
	require.NoError(t, err)
	assert.Len(t, stored, 4)

	other, err := db.GetHistory(ctx, ChatID("discord", "42"), 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
