package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/rahul/cantiere/internal/plan"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrClosed            = errors.New("session is closed")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Status is the stored lifecycle state of a session.
type Status string

const (
	StatusCollecting Status = "collecting"
	// StatusAwaitingConfirm is never stored; Phase derives it from plan readiness.
	StatusAwaitingConfirm Status = "awaiting_confirm"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusCollecting: {StatusCollecting, StatusRunning, StatusCancelled},
	StatusRunning:    {StatusSucceeded, StatusFailed, StatusCancelled},
	// A failed run may be reopened by an accepted step retry.
	StatusFailed: {StatusRunning},
}

// ReplyType classifies an entry of the reply log.
type ReplyType string

const (
	ReplyConfirm      ReplyType = "confirm"
	ReplyEdit         ReplyType = "edit"
	ReplyDryRun       ReplyType = "dryrun"
	ReplyCancel       ReplyType = "cancel"
	ReplyProvideValue ReplyType = "provide_value"
	ReplySelect       ReplyType = "select"
	ReplyRetry        ReplyType = "retry"
)

// Reply is one accepted user input.
type Reply struct {
	Type   ReplyType      `json:"type"`
	Text   string         `json:"text"`
	Values map[string]any `json:"values,omitempty"`
	UserID string         `json:"userId,omitempty"`
	At     time.Time      `json:"at"`
}

// Session wraps one plan's lifecycle inside a conversation thread.
type Session struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"projectId,omitempty"`
	UserID         string     `json:"userId"`
	UserRole       string     `json:"userRole,omitempty"`
	WorkspaceID    string     `json:"workspaceId,omitempty"`
	Channel        string     `json:"channel,omitempty"`
	ChannelID      string     `json:"channelId,omitempty"`
	Request        string     `json:"request,omitempty"`
	Status         Status     `json:"status"`
	Plan           *plan.Plan `json:"plan"`
	Replies        []Reply    `json:"replies"`
	ConfirmedSteps []string   `json:"confirmedSteps,omitempty"`
	CurrentStep    string     `json:"currentStep,omitempty"`
	RunID          string     `json:"runId,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Phase reports the status including the derived awaiting_confirm sub-state.
func (s *Session) Phase() Status {
	if s.Status == StatusCollecting && s.Plan != nil && plan.Validate(s.Plan).Ready {
		return StatusAwaitingConfirm
	}
	return s.Status
}

// Transition moves the session along the lifecycle and stamps the timestamps.
func (s *Session) Transition(to Status, now time.Time) error {
	allowed := false
	for _, next := range transitions[s.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}

	s.Status = to
	s.UpdatedAt = now
	switch {
	case to == StatusRunning:
		s.StartedAt = &now
		s.CompletedAt = nil
		s.Error = ""
	case to.Terminal():
		s.CompletedAt = &now
		s.CurrentStep = ""
	}
	return nil
}

// AddReply appends to the reply log.
func (s *Session) AddReply(r Reply, now time.Time) {
	if r.At.IsZero() {
		r.At = now
	}
	s.Replies = append(s.Replies, r)
	s.UpdatedAt = now
}

// Confirmed reports whether a confirm step was explicitly acknowledged.
func (s *Session) Confirmed(stepID string) bool {
	for _, id := range s.ConfirmedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// Acknowledge records explicit confirmation of a step.
func (s *Session) Acknowledge(stepID string) {
	if !s.Confirmed(stepID) {
		s.ConfirmedSteps = append(s.ConfirmedSteps, stepID)
	}
}

// PendingConfirmations lists confirm steps not yet acknowledged.
func (s *Session) PendingConfirmations() []string {
	var ids []string
	if s.Plan == nil {
		return ids
	}
	for _, step := range s.Plan.Ordered() {
		if step.Confirm && !s.Confirmed(step.ID) {
			ids = append(ids, step.ID)
		}
	}
	return ids
}

// Clone returns a copy that shares nothing mutable with s.
func (s *Session) Clone() *Session {
	c := *s
	c.Plan = s.Plan.Clone()
	c.Replies = append([]Reply(nil), s.Replies...)
	c.ConfirmedSteps = append([]string(nil), s.ConfirmedSteps...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
