// Package notify delivers match notifications to configured notifiers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"

	"feedmatch/internal/model"
)

const userAgent = "feedmatch/1.0"

// Notification type names as seeded in notification_types.
const (
	TypeDiscord  = "discord"
	TypeNtfy     = "ntfy"
	TypeTelegram = "telegram"
)

var (
	ErrUnsupportedType  = errors.New("unsupported notification type")
	ErrTelegramDisabled = errors.New("telegram is not configured")
	ErrEmptyTarget      = errors.New("notifier has no target")
)

// Sender delivers a text message to a Telegram chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Dispatcher routes messages to the channel of each notifier.
type Dispatcher struct {
	client   *http.Client
	telegram Sender
	log      *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. telegram may be nil, in which case
// telegram notifiers fail with ErrTelegramDisabled.
func NewDispatcher(timeout time.Duration, telegram Sender, log *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		client:   &http.Client{Timeout: timeout},
		telegram: telegram,
		log:      log,
		now:      time.Now,
	}
}

// Notify sends msg through notifier n.
func (d *Dispatcher) Notify(ctx context.Context, n model.Notifier, msg Message) error {
	target := strings.TrimSpace(n.URL)
	if target == "" {
		return fmt.Errorf("notifier %q: %w", n.Name, ErrEmptyTarget)
	}

	var err error
	switch strings.ToLower(n.Type) {
	case TypeDiscord:
		err = d.sendDiscord(ctx, target, msg)
	case TypeNtfy:
		err = d.sendNtfy(ctx, target, msg)
	case TypeTelegram:
		err = d.sendTelegram(ctx, target, msg)
	default:
		err = fmt.Errorf("%w %q", ErrUnsupportedType, n.Type)
	}
	if err != nil {
		return fmt.Errorf("notifier %q: %w", n.Name, err)
	}

	d.log.Debug("notification sent", "notifier", n.Name, "type", n.Type, "title", msg.Title)
	return nil
}

func (d *Dispatcher) sendDiscord(ctx context.Context, url string, msg Message) error {
	payload := discordPayload(msg, d.now())
	err := requests.
		URL(url).
		Client(d.client).
		UserAgent(userAgent).
		BodyJSON(&payload).
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendNtfy(ctx context.Context, url string, msg Message) error {
	tags := []string{"books"}
	if msg.Subscribed {
		tags = append(tags, "subscription")
	}
	err := requests.
		URL(url).
		Client(d.client).
		Post().
		UserAgent(userAgent).
		ContentType("text/plain; charset=utf-8").
		Header("Title", msg.Title).
		Header("Tags", strings.Join(tags, ",")).
		BodyBytes([]byte(msg.Text())).
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendTelegram(ctx context.Context, target string, msg Message) error {
	if d.telegram == nil {
		return ErrTelegramDisabled
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram chat id %q: %w", target, err)
	}
	return d.telegram.SendText(ctx, chatID, msg.Text())
}
