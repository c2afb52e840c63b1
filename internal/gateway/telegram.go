package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rahul/cantiere/internal/controller"
)

type TelegramGateway struct {
	Bot      *tgbotapi.BotAPI
	Handler  Handler
	Throttle *Throttle
}

func NewTelegramGateway(token string, h Handler, t *Throttle) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	return &TelegramGateway{
		Bot:      bot,
		Handler:  h,
		Throttle: t,
	}, nil
}

func (tg *TelegramGateway) Name() string { return "telegram" }

func (tg *TelegramGateway) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}

			log.Printf("[%s] %s", update.Message.From.UserName, update.Message.Text)

			chatID := update.Message.Chat.ID
			msg := controller.Message{
				Channel:   tg.Name(),
				ChannelID: strconv.FormatInt(chatID, 10),
				UserID:    strconv.FormatInt(update.Message.From.ID, 10),
				UserName:  update.Message.From.UserName,
				Text:      update.Message.Text,
			}
			relay(ctx, tg.Handler, tg.Throttle, msg, func(text string) error {
				_, err := tg.Bot.Send(tgbotapi.NewMessage(chatID, text))
				return err
			})
		}
	}
}

// Send posts plain text. Previews carry step ids with underscores, which
// Markdown mode would mangle.
func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	_, err = tg.Bot.Send(tgbotapi.NewMessage(id, text))
	return err
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}
