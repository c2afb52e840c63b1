package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/rahul/cantiere/internal/controller"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Name is the channel name stored on sessions, e.g. "telegram".
	Name() string
	// Start begins the message listening loop and blocks until ctx is done
	Start(ctx context.Context) error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Handler is what gateways hand inbound messages to.
type Handler interface {
	HandleMessage(ctx context.Context, msg controller.Message) (*controller.Response, error)
}

// Mux posts controller output back through the gateway a session came from.
type Mux struct {
	mu         sync.RWMutex
	messengers map[string]Messenger
}

func NewMux(ms ...Messenger) *Mux {
	m := &Mux{messengers: make(map[string]Messenger)}
	for _, g := range ms {
		m.Add(g)
	}
	return m
}

func (m *Mux) Add(g Messenger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messengers[g.Name()] = g
}

func (m *Mux) Post(ctx context.Context, channel, channelID, text string) error {
	m.mu.RLock()
	g, ok := m.messengers[channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no gateway for channel %q", channel)
	}
	return g.Send(channelID, text)
}

// relay runs one inbound message through the handler and sends back the reply.
func relay(ctx context.Context, h Handler, t *Throttle, msg controller.Message, send func(string) error) {
	if !t.Allow(controller.ChatID(msg.Channel, msg.ChannelID)) {
		log.Printf("[%s] dropping message from %s: rate limited", msg.Channel, msg.UserName)
		return
	}

	resp, err := h.HandleMessage(ctx, msg)
	if err != nil {
		log.Printf("[%s] error handling message: %v", msg.Channel, err)
	}
	text := controller.ReplyText(resp, err)
	if text == "" {
		return
	}
	if err := send(text); err != nil {
		log.Printf("[%s] error sending reply: %v", msg.Channel, err)
	}
}
