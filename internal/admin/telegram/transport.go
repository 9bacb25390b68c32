package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

type telebot struct {
	bot *tele.Bot
}

func newTelebot(cfg Config) (*telebot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &telebot{bot: b}, nil
}

func (t *telebot) Listen(dispatch func(ctx context.Context, req Request) string) {
	t.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		name, args, ok := parse(m.Text)
		if !ok {
			return nil
		}
		reply := dispatch(context.Background(), Request{ChatID: m.Chat.ID, FromID: m.Sender.ID, Name: name, Args: args})
		if reply == "" {
			return nil
		}
		return c.Send(reply, &tele.SendOptions{DisableWebPagePreview: true, ThreadID: m.ThreadID})
	})
}

// Start blocks until Stop.
func (t *telebot) Start() { t.bot.Start() }

func (t *telebot) Stop() { t.bot.Stop() }

func (t *telebot) Send(_ context.Context, chatID int64, text string) error {
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
