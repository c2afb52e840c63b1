package controller

import (
	"context"
	"log"
	"time"

	"github.com/rahul/cantiere/internal/audit"
	"github.com/rahul/cantiere/internal/session"
)

const expiredMessage = "Expired after inactivity"

// Expire cancels a collecting session that has not changed since before.
// It reports whether the session was expired.
func (c *Controller) Expire(ctx context.Context, sessionID string, before time.Time) (bool, error) {
	unlock := c.lock(sessionID)
	defer unlock()

	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.Status != session.StatusCollecting || !sess.UpdatedAt.Before(before) {
		return false, nil
	}
	if err := sess.Transition(session.StatusCancelled, c.now()); err != nil {
		return false, err
	}
	sess.Error = expiredMessage
	if err := c.store.Save(ctx, sess); err != nil {
		return false, err
	}

	c.logger.LogSession(sess.ID, string(sess.Status), expiredMessage)
	c.record(ctx, sess, audit.Event{Action: "expire", Status: string(sess.Status), Message: expiredMessage})
	c.post(ctx, sess, "⌛ The plan \""+clean(sess.Plan.Title)+"\" expired without confirmation. Send the request again to start over.")
	return true, nil
}

// Sweeper expires idle collecting sessions and releases the run records of
// failed sessions nobody retried.
type Sweeper struct {
	Controller *Controller
	TTL        time.Duration
	Interval   time.Duration
}

func NewSweeper(c *Controller, ttl, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{Controller: c, TTL: ttl, Interval: interval}
}

// Start blocks until ctx is done. A zero TTL disables sweeping.
func (s *Sweeper) Start(ctx context.Context) {
	if s.TTL <= 0 {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Println("Session sweeper started...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Printf("Error sweeping sessions: %v", err)
			}
		}
	}
}

// Sweep runs one pass and returns how many sessions it expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	c := s.Controller
	cutoff := c.now().Add(-s.TTL)

	idle, err := c.store.List(ctx, session.Filter{Status: session.StatusCollecting, UpdatedBefore: cutoff})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, sess := range idle {
		ok, err := c.Expire(ctx, sess.ID, cutoff)
		if err != nil {
			log.Printf("Error expiring session %s: %v", sess.ID, err)
			continue
		}
		if ok {
			expired++
		}
	}

	failed, err := c.store.List(ctx, session.Filter{Status: session.StatusFailed, UpdatedBefore: cutoff})
	if err != nil {
		return expired, err
	}
	for _, sess := range failed {
		c.engine.Forget(sess.ID)
	}
	return expired, nil
}
