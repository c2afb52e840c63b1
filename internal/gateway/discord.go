package gateway

import (
	"context"
	"log"

	"github.com/bwmarrin/discordgo"

	"github.com/rahul/cantiere/internal/controller"
)

type DiscordGateway struct {
	Session  *discordgo.Session
	Handler  Handler
	Throttle *Throttle
}

func NewDiscordGateway(token string, h Handler, t *Throttle) (*DiscordGateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentDirectMessages | discordgo.IntentMessageContent
	return &DiscordGateway{Session: s, Handler: h, Throttle: t}, nil
}

func (dg *DiscordGateway) Name() string { return "discord" }

func (dg *DiscordGateway) Start(ctx context.Context) error {
	dg.Session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}

		log.Printf("[%s] %s", m.Author.Username, m.Content)

		msg := controller.Message{
			Channel:   dg.Name(),
			ChannelID: m.ChannelID,
			UserID:    m.Author.ID,
			UserName:  m.Author.Username,
			Text:      m.Content,
		}
		channelID := m.ChannelID
		relay(ctx, dg.Handler, dg.Throttle, msg, func(text string) error {
			_, err := s.ChannelMessageSend(channelID, text)
			return err
		})
	})

	if err := dg.Session.Open(); err != nil {
		return err
	}
	log.Printf("Discord gateway connected")

	<-ctx.Done()
	return nil
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	_, err := dg.Session.ChannelMessageSend(chatID, text)
	return err
}

func (dg *DiscordGateway) Stop() error {
	return dg.Session.Close()
}
