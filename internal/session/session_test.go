package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/cantiere/internal/plan"
)

func newSession() *Session {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &Session{
		ID:     "s1",
		UserID: "u1",
		Status: StatusCollecting,
		Plan: &plan.Plan{
			ID: "p1",
			Steps: []plan.Step{
				{ID: "calc", Order: 1, ToolID: "feasibility", Action: "run"},
				{ID: "publish", Order: 2, ToolID: "listings", Action: "publish", Confirm: true},
			},
			Requirements: []plan.Requirement{{Name: "projectId", Required: true}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPhaseIsDerived(t *testing.T) {
	s := newSession()
	assert.Equal(t, StatusCollecting, s.Phase())

	require.NoError(t, s.Plan.SetValue("projectId", "prj-1"))
	assert.Equal(t, StatusAwaitingConfirm, s.Phase())
	assert.Equal(t, StatusCollecting, s.Status)
}

func TestTransitions(t *testing.T) {
	now := time.Now()
	s := newSession()

	require.NoError(t, s.Transition(StatusRunning, now))
	assert.NotNil(t, s.StartedAt)
	assert.ErrorIs(t, s.Transition(StatusCollecting, now), ErrInvalidTransition)

	require.NoError(t, s.Transition(StatusFailed, now))
	assert.NotNil(t, s.CompletedAt)

	// retry reopens a failed run
	require.NoError(t, s.Transition(StatusRunning, now))
	assert.Nil(t, s.CompletedAt)
	require.NoError(t, s.Transition(StatusSucceeded, now))

	for _, to := range []Status{StatusRunning, StatusCancelled, StatusCollecting} {
		assert.ErrorIs(t, s.Transition(to, now), ErrInvalidTransition)
	}

	c := newSession()
	require.NoError(t, c.Transition(StatusCancelled, now))
	assert.ErrorIs(t, c.Transition(StatusRunning, now), ErrInvalidTransition)
}

func TestConfirmations(t *testing.T) {
	s := newSession()
	assert.Equal(t, []string{"publish"}, s.PendingConfirmations())
	s.Acknowledge("publish")
	s.Acknowledge("publish")
	assert.Empty(t, s.PendingConfirmations())
	assert.Len(t, s.ConfirmedSteps, 1)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := newSession()
	require.NoError(t, store.Create(ctx, s))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	got.Plan.Steps[0].ZArgs = map[string]any{"projectId": "x"}
	got.AddReply(Reply{Type: ReplyEdit}, time.Now())

	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, again.Plan.Steps[0].ZArgs)
	assert.Empty(t, again.Replies)

	require.NoError(t, store.Save(ctx, got))
	again, _ = store.Get(ctx, "s1")
	assert.Len(t, again.Replies, 1)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Save(ctx, &Session{ID: "missing"}), ErrNotFound)
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		s := newSession()
		s.ID = id
		s.ChannelID = "chat-1"
		s.UpdatedAt = base.Add(time.Duration(i) * time.Hour)
		if id == "b" {
			s.Status = StatusSucceeded
		}
		require.NoError(t, store.Create(ctx, s))
	}

	all, err := store.List(ctx, Filter{ChannelID: "chat-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	stale, err := store.List(ctx, Filter{Status: StatusCollecting, UpdatedBefore: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].ID)
}
