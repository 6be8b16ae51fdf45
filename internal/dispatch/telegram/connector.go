// Package telegram publishes posts to a Telegram channel or chat through the
// Bot API and doubles as the log alert sink.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postflow/internal/dispatch"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Username of a public channel, used to build post links.
	Username       string
	ParseMode      string
	DisablePreview bool
	// APIURL overrides https://api.telegram.org.
	APIURL string
	// Offline skips the getMe handshake at construction.
	Offline bool
}

// Connector sends each post as one or more text messages. The first message
// id is the remote id.
type Connector struct {
	bot *tele.Bot
	cfg Config
}

func New(cfg Config) (*Connector, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Connector{bot: b, cfg: cfg}, nil
}

func (c *Connector) Publish(ctx context.Context, target dispatch.Target, content string, _ dispatch.Options) (dispatch.Result, error) {
	chunks := splitText(content, textLimit, c.cfg.ParseMode)
	chat := &tele.Chat{ID: c.cfg.ChatID}

	var first *tele.Message
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return dispatch.Result{}, err
		}
		msg, err := c.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             c.cfg.ParseMode,
			DisableWebPagePreview: c.cfg.DisablePreview,
			ThreadID:              c.cfg.ThreadID,
		})
		if err != nil {
			if first != nil {
				return dispatch.Result{}, fmt.Errorf("partial send after message %d: %w", first.ID, err)
			}
			return dispatch.Result{}, err
		}
		if first == nil {
			first = msg
		}
	}
	if first == nil {
		return dispatch.Result{}, errors.New("telegram returned no message")
	}

	return dispatch.Result{
		Success:  true,
		RemoteID: strconv.Itoa(first.ID),
		URL:      c.messageURL(first.ID),
		Message:  fmt.Sprintf("%d message(s)", len(chunks)),
	}, nil
}

func (c *Connector) messageURL(id int) string {
	if u := strings.TrimPrefix(strings.TrimSpace(c.cfg.Username), "@"); u != "" {
		return fmt.Sprintf("https://t.me/%s/%d", u, id)
	}
	// Private supergroups and channels: -100<internal id>.
	raw := strconv.FormatInt(c.cfg.ChatID, 10)
	if internal, ok := strings.CutPrefix(raw, "-100"); ok {
		return fmt.Sprintf("https://t.me/c/%s/%d", internal, id)
	}
	return ""
}

// SendAlert implements logx.AlertSender.
func (c *Connector) SendAlert(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.Publish(ctx, dispatch.Target{PlatformID: "alerts"}, text, dispatch.Options{})
	return err
}
