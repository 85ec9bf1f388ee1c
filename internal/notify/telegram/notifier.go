// Package telegram sends new-item notifications to a Telegram chat. The
// Notifier is a progress sink: it reacts to ITEM_FOUND events.
package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

const defaultMaxPerBatch = 10

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Config identifies the bot and the destination chat.
type Config struct {
	Token  string
	ChatID int64
	// MaxPerBatch caps individual messages per flushed batch; the rest are summarized.
	MaxPerBatch int
}

// Notifier posts one message per discovered item.
type Notifier struct {
	api         sender
	chatID      int64
	maxPerBatch int
	opener      watch.Opener
	logger      *zap.Logger
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithOpener sets how item links are built.
func WithOpener(o watch.Opener) Option {
	return func(n *Notifier) { n.opener = o }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// New connects to the Bot API with cfg.Token.
func New(cfg Config, opts ...Option) (*Notifier, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram: token and chat id are required")
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newNotifier(api, cfg, opts...), nil
}

func newNotifier(api sender, cfg Config, opts ...Option) *Notifier {
	n := &Notifier{
		api:         api,
		chatID:      cfg.ChatID,
		maxPerBatch: cfg.MaxPerBatch,
		opener:      watch.PathOpener{},
		logger:      zap.NewNop(),
	}
	if n.maxPerBatch <= 0 {
		n.maxPerBatch = defaultMaxPerBatch
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.Named("telegram")
	return n
}

// Consume sends the items found in batch. Send failures are logged; the last
// one is returned so the hub can report it.
func (n *Notifier) Consume(ctx context.Context, batch []progress.Event) error {
	var updates []watch.Update
	for _, evt := range batch {
		if evt.Stage == progress.StageItemFound && evt.Update != nil {
			updates = append(updates, *evt.Update)
		}
	}
	if len(updates) == 0 {
		return nil
	}

	var lastErr error
	for i, u := range updates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i == n.maxPerBatch {
			lastErr = n.send(fmt.Sprintf("…and %d more new videos", len(updates)-i))
			break
		}
		if err := n.send(n.format(u)); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (n *Notifier) format(u watch.Update) string {
	var b strings.Builder
	name := u.Source.Name
	if name == "" {
		name = u.Source.URL
	}
	fmt.Fprintf(&b, "New video from %s\n%s", name, u.Item.Title)
	if u.Item.RelativeTime != "" {
		fmt.Fprintf(&b, " (%s)", u.Item.RelativeTime)
	}
	if link := n.opener.ItemURL(u.Source, u.Item); link != "" {
		b.WriteString("\n")
		b.WriteString(link)
	}
	return b.String()
}

func (n *Notifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		n.logger.Error("send message", zap.Int64("chat_id", n.chatID), zap.Error(err))
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Close implements the progress.Sink interface; it performs no action.
func (n *Notifier) Close(context.Context) error {
	return nil
}
