package observability

import (
	"sort"
	"sync"
	"time"
)

// Status tracks which sessions are executing, for the live terminal line.
type Status struct {
	mu            sync.RWMutex
	active        map[string]string // sessionID -> current step
	lastHeartbeat time.Time
	started       time.Time
}

func NewStatus() *Status {
	return &Status{
		active:        make(map[string]string),
		lastHeartbeat: time.Now(),
		started:       time.Now(),
	}
}

// SetStep records the step a session is running.
func (s *Status) SetStep(sessionID, stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[sessionID] = stepID
}

// Done removes a session from the active set.
func (s *Status) Done(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
}

// Snapshot returns the active session ids, sorted, and the last heartbeat.
func (s *Status) Snapshot() ([]string, map[string]string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.active))
	steps := make(map[string]string, len(s.active))
	for id, step := range s.active {
		ids = append(ids, id)
		steps[id] = step
	}
	sort.Strings(ids)
	return ids, steps, s.lastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func (s *Status) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}

// Uptime reports how long the status has been tracked.
func (s *Status) Uptime(now time.Time) time.Duration {
	return now.Sub(s.started)
}
