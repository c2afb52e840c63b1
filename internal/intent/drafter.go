package intent

import (
	"context"
	"errors"

	"github.com/rahul/cantiere/internal/plan"
)

// ErrNoMatch means a drafter could not produce a plan for the request.
var ErrNoMatch = errors.New("no plan matches the request")

// Request is what a drafter sees of an incoming message.
type Request struct {
	Text        string
	ChatID      string
	UserID      string
	WorkspaceID string
	ProjectID   string
}

// Drafter turns a request into a Plan.
type Drafter interface {
	Draft(ctx context.Context, req Request) (*plan.Plan, error)
}

// Chain tries drafters in order and returns the first plan. A drafter that
// reports ErrNoMatch passes the request on; any other error stops the chain.
type Chain []Drafter

func (c Chain) Draft(ctx context.Context, req Request) (*plan.Plan, error) {
	for _, d := range c {
		if d == nil {
			continue
		}
		p, err := d.Draft(ctx, req)
		if errors.Is(err, ErrNoMatch) {
			continue
		}
		return p, err
	}
	return nil, ErrNoMatch
}
