package controller

import (
	"context"
	"strings"

	"github.com/rahul/cantiere/internal/reply"
	"github.com/rahul/cantiere/internal/session"
	"github.com/rahul/cantiere/internal/store"
	"github.com/rahul/cantiere/pkg/config"
)

// Message is one inbound chat message, independent of the gateway.
type Message struct {
	Channel   string
	ChannelID string
	UserID    string
	UserName  string
	Text      string
}

// History keeps the chat transcript used as drafting context.
type History interface {
	AddMessage(ctx context.Context, chatID, role, content string) error
}

// Router decides whether a chat message is a reply to the conversation's
// open session or a new request.
type Router struct {
	ctrl    *Controller
	history History
	cfg     *config.Config
}

func NewRouter(ctrl *Controller, history History, cfg *config.Config) *Router {
	if cfg == nil {
		cfg = &config.Config{App: config.AppConfig{DefaultRole: "member"}}
	}
	return &Router{ctrl: ctrl, history: history, cfg: cfg}
}

// ChatID is the history key of a conversation.
func ChatID(channel, channelID string) string {
	return channel + ":" + channelID
}

func (r *Router) HandleMessage(ctx context.Context, msg Message) (*Response, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return &Response{Action: ActionNoop}, nil
	}
	rc := RequestContext{
		UserID:      msg.UserID,
		UserRole:    r.cfg.RoleFor(msg.UserID),
		WorkspaceID: r.cfg.App.Workspace,
		Channel:     msg.Channel,
		ChannelID:   msg.ChannelID,
	}
	chatID := ChatID(msg.Channel, msg.ChannelID)

	active, err := r.active(ctx, msg)
	if err != nil {
		return nil, err
	}

	in := r.ctrl.parser.Parse(text, 0)
	var resp *Response
	switch {
	case active != nil && !active.Status.Terminal():
		resp, err = r.ctrl.HandleReply(ctx, active.ID, text, rc)
	case active != nil && active.Status == session.StatusFailed && in.Kind == reply.KindRetry:
		resp, err = r.ctrl.HandleReply(ctx, active.ID, text, rc)
	case in.Slash:
		err = ErrNoActivePlan
	case in.Kind == reply.KindConfirm:
		resp = &Response{Action: ActionNoop}
	default:
		resp, err = r.ctrl.HandleNewRequest(ctx, text, rc)
	}

	// The drafter reads earlier turns only; the message joins the
	// transcript once it has been handled.
	r.remember(ctx, chatID, store.RoleHuman, text)
	if out := ReplyText(resp, err); out != "" {
		r.remember(ctx, chatID, store.RoleAI, out)
	}
	if err != nil {
		r.ctrl.logger.LogSession(chatID, "reply_error", err.Error())
	}
	return resp, err
}

// active returns the conversation's open session, else its latest one.
func (r *Router) active(ctx context.Context, msg Message) (*session.Session, error) {
	list, err := r.ctrl.store.List(ctx, session.Filter{Channel: msg.Channel, ChannelID: msg.ChannelID})
	if err != nil || len(list) == 0 {
		return nil, err
	}
	for _, s := range list {
		if !s.Status.Terminal() {
			return s, nil
		}
	}
	return list[0], nil
}

func (r *Router) remember(ctx context.Context, chatID, role, text string) {
	if r.history == nil {
		return
	}
	if err := r.history.AddMessage(ctx, chatID, role, text); err != nil {
		r.ctrl.logger.LogSession(chatID, "history_error", err.Error())
	}
}

// ReplyText is what a gateway should post for a handled message.
func ReplyText(resp *Response, err error) string {
	if err != nil {
		return summarize(err)
	}
	if resp == nil {
		return ""
	}
	return resp.Message
}
