package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/cantiere/internal/engine"
	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/internal/session"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "cantiere.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(id, channelID string, updated time.Time) *session.Session {
	return &session.Session{
		ID:        id,
		UserID:    "u1",
		Channel:   "telegram",
		ChannelID: channelID,
		Status:    session.StatusCollecting,
		Plan: &plan.Plan{
			ID:    "p-" + id,
			Title: "Feasibility",
			Steps: []plan.Step{{ID: "calc", Order: 1, ToolID: "feasibility", Action: "run",
				ZArgs: map[string]any{"projectId": "prj-1"}}},
		},
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	sess := newSession("s1", "chat-1", now)
	require.NoError(t, s.Create(ctx, sess))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Feasibility", got.Plan.Title)
	assert.Equal(t, "prj-1", got.Plan.Steps[0].ZArgs["projectId"])

	got.Plan.Steps[0].ZArgs["surface"] = 120.0
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, got.Transition(session.StatusRunning, got.UpdatedAt))
	require.NoError(t, s.Save(ctx, got))

	again, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, again.Status)
	assert.Equal(t, 120.0, again.Plan.Steps[0].ZArgs["surface"])
	require.NotNil(t, again.StartedAt)
}

func TestGetAndSaveMissing(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, session.ErrNotFound)

	err = s.Save(ctx, newSession("nope", "c", time.Now()))
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, newSession("old", "chat-1", base)))
	require.NoError(t, s.Create(ctx, newSession("new", "chat-1", base.Add(time.Hour))))
	other := newSession("other", "chat-2", base.Add(2*time.Hour))
	other.Status = session.StatusCancelled
	require.NoError(t, s.Create(ctx, other))

	byChat, err := s.List(ctx, session.Filter{ChannelID: "chat-1"})
	require.NoError(t, err)
	require.Len(t, byChat, 2)
	assert.Equal(t, "new", byChat[0].ID)
	assert.Equal(t, "old", byChat[1].ID)

	idle, err := s.List(ctx, session.Filter{
		Status:        session.StatusCollecting,
		UpdatedBefore: base.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "old", idle[0].ID)

	all, err := s.List(ctx, session.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "other", all[0].ID)
}

func TestRunSnapshots(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	run := engine.ToolRun{
		ID:        "r1",
		SessionID: "s1",
		PlanID:    "p1",
		Status:    engine.RunRunning,
		StartedAt: started,
		Outputs:   map[string]any{},
		SubRuns:   []engine.SubRun{{StepID: "calc", Status: engine.SubRunning, MaxRetries: 3}},
	}
	require.NoError(t, s.SaveRun(ctx, run))

	finished := started.Add(time.Minute)
	run.Status = engine.RunSucceeded
	run.FinishedAt = &finished
	run.SubRuns[0].Status = engine.SubSucceeded
	run.SubRuns[0].OutputRef = "doc://ws/prj/feasibility.pdf"
	require.NoError(t, s.SaveRun(ctx, run))

	runs, err := s.Runs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, engine.RunSucceeded, runs[0].Status)
	assert.Equal(t, "doc://ws/prj/feasibility.pdf", runs[0].SubRuns[0].OutputRef)
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, finished.Equal(*runs[0].FinishedAt))
}

func TestHistoryOrder(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.AddMessage(ctx, "chat-1", RoleHuman, "studio di fattibilità"))
	require.NoError(t, s.AddMessage(ctx, "chat-1", RoleAI, "ecco il piano"))
	require.NoError(t, s.AddMessage(ctx, "chat-1", RoleHuman, "ok"))
	require.NoError(t, s.AddMessage(ctx, "chat-2", RoleHuman, "altro"))

	history, err := s.GetHistory(ctx, "chat-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, llms.ChatMessageTypeAI, history[0].Role)
	assert.Equal(t, llms.TextPart("ecco il piano"), history[0].Parts[0])
	assert.Equal(t, llms.ChatMessageTypeHuman, history[1].Role)
}
