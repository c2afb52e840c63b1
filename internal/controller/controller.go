package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rahul/cantiere/internal/audit"
	"github.com/rahul/cantiere/internal/engine"
	"github.com/rahul/cantiere/internal/intent"
	"github.com/rahul/cantiere/internal/observability"
	"github.com/rahul/cantiere/internal/plan"
	"github.com/rahul/cantiere/internal/reply"
	"github.com/rahul/cantiere/internal/session"
	"github.com/rahul/cantiere/internal/tools"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoActivePlan   = errors.New("no active plan")
	ErrNothingToRetry = errors.New("nothing to retry")
)

// Surface posts messages back to a conversation.
type Surface interface {
	Post(ctx context.Context, channel, channelID, text string) error
}

// RunStore keeps ToolRun snapshots once a run settles.
type RunStore interface {
	SaveRun(ctx context.Context, run engine.ToolRun) error
}

// RequestContext describes who is talking and from where.
type RequestContext struct {
	UserID      string
	UserRole    string
	WorkspaceID string
	ProjectID   string
	Channel     string
	ChannelID   string
}

type Action string

const (
	ActionPreview   Action = "preview"
	ActionRun       Action = "run"
	ActionDryRun    Action = "dryrun"
	ActionCancelled Action = "cancelled"
	ActionRetry     Action = "retry"
	ActionClarify   Action = "clarify"
	ActionNoop      Action = "noop"
)

// Response is what a request or reply produced. Session is a snapshot.
type Response struct {
	Session    *session.Session
	Action     Action
	Preview    *Preview
	Simulation *plan.Simulation
	Diff       string
	Message    string
}

type Option func(*Controller)

func WithParser(p reply.Parser) Option {
	return func(c *Controller) { c.parser = p }
}

func WithExtractor(x reply.Extractor) Option {
	return func(c *Controller) { c.extractor = x }
}

func WithProjects(p intent.Projects) Option {
	return func(c *Controller) { c.projects = p }
}

func WithAudit(s audit.Sink) Option {
	return func(c *Controller) { c.audit = s }
}

func WithSurface(s Surface) Option {
	return func(c *Controller) { c.surface = s }
}

func WithRunStore(r RunStore) Option {
	return func(c *Controller) { c.runs = r }
}

func WithLogger(l *observability.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithContext sets the parent context of background runs. Cancelling it
// aborts every run still in flight.
func WithContext(ctx context.Context) Option {
	return func(c *Controller) { c.runCtx = ctx }
}

// Controller drafts plans, applies replies to sessions and drives the engine.
type Controller struct {
	store     session.Store
	engine    *engine.Engine
	drafter   intent.Drafter
	parser    reply.Parser
	extractor reply.Extractor
	projects  intent.Projects
	audit     audit.Sink
	surface   Surface
	runs      RunStore
	logger    *observability.Logger
	now       func() time.Time
	runCtx    context.Context

	wg    sync.WaitGroup
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func New(store session.Store, eng *engine.Engine, drafter intent.Drafter, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		engine:    eng,
		drafter:   drafter,
		parser:    reply.NewParser(),
		extractor: reply.NewExtractor(),
		audit:     audit.NewMemorySink(),
		now:       time.Now,
		runCtx:    context.Background(),
		locks:     make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sessionLock is dropped from the map once nobody holds or waits for it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lock serialises every mutation of one session.
func (c *Controller) lock(sessionID string) func() {
	c.mu.Lock()
	l, ok := c.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		c.locks[sessionID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, sessionID)
		}
		c.mu.Unlock()
	}
}

func (c *Controller) lockCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

// Wait blocks until every background run has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Progress reports the live counters of a session's run.
func (c *Controller) Progress(sessionID string) (engine.Progress, bool) {
	return c.engine.Progress(sessionID)
}

// HandleNewRequest drafts a plan for text and opens a collecting session.
func (c *Controller) HandleNewRequest(ctx context.Context, text string, rc RequestContext) (*Response, error) {
	chatID := ""
	if rc.ChannelID != "" {
		chatID = ChatID(rc.Channel, rc.ChannelID)
	}
	p, err := c.drafter.Draft(ctx, intent.Request{
		Text:        text,
		ChatID:      chatID,
		UserID:      rc.UserID,
		WorkspaceID: rc.WorkspaceID,
		ProjectID:   rc.ProjectID,
	})
	if err != nil {
		return nil, err
	}
	if err := plan.Check(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	c.bindContext(p, rc)
	if err := c.resolveProject(ctx, p, text, rc); err != nil {
		return nil, err
	}

	now := c.now()
	sess := &session.Session{
		ID:          uuid.New().String(),
		ProjectID:   rc.ProjectID,
		UserID:      rc.UserID,
		UserRole:    rc.UserRole,
		WorkspaceID: rc.WorkspaceID,
		Channel:     rc.Channel,
		ChannelID:   rc.ChannelID,
		Request:     text,
		Status:      session.StatusCollecting,
		Plan:        p,
		Replies:     []session.Reply{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	c.logger.LogSession(sess.ID, string(sess.Phase()), p.Title)
	c.record(ctx, sess, audit.Event{Action: "draft", Status: string(sess.Status), Message: p.Title})

	return c.preview(sess), nil
}

// bindContext fills the first step's projectId and workspaceId from the
// request context without overriding explicit values.
func (c *Controller) bindContext(p *plan.Plan, rc RequestContext) {
	first := firstStep(p)
	if first == nil {
		return
	}
	if rc.ProjectID != "" {
		if r := projectRequirement(p); r != nil && plan.IsEmpty(p.Value(*r)) {
			_ = p.SetValue(r.Name, rc.ProjectID)
		}
		first.BindDefault("projectId", rc.ProjectID)
	}
	if rc.WorkspaceID != "" {
		if _, declared := first.ZArgs["workspaceId"]; declared {
			first.BindDefault("workspaceId", rc.WorkspaceID)
		}
	}
}

// resolveProject binds a single candidate project or turns the project
// requirement into a numbered selection when several match.
func (c *Controller) resolveProject(ctx context.Context, p *plan.Plan, text string, rc RequestContext) error {
	if c.projects == nil || !needsProject(p) {
		return nil
	}
	candidates, err := c.projects.Candidates(ctx, text, rc.WorkspaceID)
	if err != nil {
		return fmt.Errorf("resolve projects: %w", err)
	}

	first := firstStep(p)
	r := projectRequirement(p)
	switch {
	case len(candidates) == 0:
		return nil
	case len(candidates) == 1:
		if r != nil {
			return p.SetValue(r.Name, candidates[0].ID)
		}
		first.BindDefault("projectId", candidates[0].ID)
		return nil
	}

	name, stepID := "projectId", first.ID
	if r != nil {
		name = r.Name
		if r.StepID != "" {
			stepID = r.StepID
		}
	}
	sel := intent.SelectionRequirement(name, stepID, candidates)
	if r != nil {
		*r = sel
	} else {
		p.Requirements = append(p.Requirements, sel)
	}
	return nil
}

func needsProject(p *plan.Plan) bool {
	if r := projectRequirement(p); r != nil {
		return plan.IsEmpty(p.Value(*r))
	}
	first := firstStep(p)
	if first == nil {
		return false
	}
	v, declared := first.ZArgs["projectId"]
	return declared && plan.IsEmpty(v)
}

func projectRequirement(p *plan.Plan) *plan.Requirement {
	for i := range p.Requirements {
		r := &p.Requirements[i]
		if r.Type == plan.FieldProject || r.Name == "projectId" {
			return r
		}
	}
	return nil
}

func firstStep(p *plan.Plan) *plan.Step {
	ordered := p.Ordered()
	if len(ordered) == 0 {
		return nil
	}
	s, _ := p.Step(ordered[0].ID)
	return s
}

// runContext is the tool context of a session plus its acknowledged steps.
func runContext(sess *session.Session) engine.RunContext {
	projectID := sess.ProjectID
	if first := firstStep(sess.Plan); first != nil {
		if v, ok := first.ZArgs["projectId"].(string); ok && v != "" {
			projectID = v
		}
	}
	return engine.RunContext{
		RunContext: tools.RunContext{
			UserID:      sess.UserID,
			WorkspaceID: sess.WorkspaceID,
			ProjectID:   projectID,
			SessionID:   sess.ID,
			PlanID:      sess.Plan.ID,
			UserRole:    sess.UserRole,
			Metadata:    tools.Metadata{Channel: sess.Channel, ChannelID: sess.ChannelID},
		},
		Confirmed: append([]string(nil), sess.ConfirmedSteps...),
	}
}

// record appends an audit event; failures are logged, never surfaced.
func (c *Controller) record(ctx context.Context, sess *session.Session, evt audit.Event) {
	evt.SessionID = sess.ID
	if evt.UserID == "" {
		evt.UserID = sess.UserID
	}
	if evt.PlanID == "" && sess.Plan != nil {
		evt.PlanID = sess.Plan.ID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = c.now()
	}
	if err := c.audit.Append(ctx, evt); err != nil {
		c.logger.LogSession(sess.ID, "audit_error", err.Error())
	}
}

func (c *Controller) post(ctx context.Context, sess *session.Session, text string) {
	if c.surface == nil || text == "" {
		return
	}
	if err := c.surface.Post(ctx, sess.Channel, sess.ChannelID, text); err != nil {
		c.logger.LogSession(sess.ID, "post_error", err.Error())
	}
}
