// Package bot is the chat command layer. It turns transport updates into lens
// registry calls and renders the replies and inline keyboards.
package bot

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"morilens/internal/lens"
	"morilens/internal/transport"
	logx "morilens/pkg/logx"
)

const (
	DefaultUsername   = "MoriLensbot"
	DefaultSupportURL = "https://t.me/ItsGhostBlink"

	defaultHandleTimeout = 30 * time.Second
)

type Config struct {
	// Username is the bot handle shown in instructions, without "@".
	Username   string
	SupportURL string
	// HandleTimeout bounds a single update handler.
	HandleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.Username = strings.TrimPrefix(strings.TrimSpace(c.Username), "@")
	if c.Username == "" {
		c.Username = DefaultUsername
	}
	if c.SupportURL == "" {
		c.SupportURL = DefaultSupportURL
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = defaultHandleTimeout
	}
	return c
}

// Lenses is the registry view the command layer needs.
type Lenses interface {
	CreateLens(ctx context.Context, ownerID int64, name string, kind lens.Kind) (lens.Lens, error)
	ConnectLens(ctx context.Context, code string, destinationID int64) (lens.Lens, error)
	SetExpiry(ctx context.Context, code string, expiresAt int64) (lens.Lens, error)
	ShortenLens(ctx context.Context, code string) (lens.ShortLink, error)
	GetLens(code string) (lens.Lens, bool)
	ListByOwner(ctx context.Context, ownerID int64) []lens.Lens
	IsExpired(code string) bool
	LinkFor(l lens.Lens) string
	ShortURL(short string) string
	Now() time.Time
}

// pending tracks a private chat that is waiting for a lens name.
type pending struct {
	kind lens.Kind
}

type Bot struct {
	cfg     Config
	lenses  Lenses
	adapter transport.Adapter
	log     logx.Logger

	mu      sync.Mutex
	pending map[int64]pending
}

func New(cfg Config, lenses Lenses, adapter transport.Adapter, log logx.Logger) *Bot {
	return &Bot{
		cfg:     cfg.withDefaults(),
		lenses:  lenses,
		adapter: adapter,
		log:     log.With(logx.String("comp", "bot")),
		pending: make(map[int64]pending),
	}
}

// MenuCommands is the command menu published to the provider.
func MenuCommands() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "start", Description: "Open the lens menu"},
		{Command: "connect", Description: "Connect a lens to this group"},
		{Command: "cancel", Description: "Cancel the current step"},
		{Command: "help", Description: "How MoriLens works"},
	}
}

// Run consumes updates until ctx is done or updates is closed. Updates are
// handled one at a time so a user's name prompt and reply stay ordered.
func (b *Bot) Run(ctx context.Context, updates <-chan transport.Update) error {
	if mu, ok := b.adapter.(transport.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(ctx, MenuCommands()); err != nil {
			b.log.Warn("menu commands update failed", logx.Err(err))
		}
	}
	b.log.Info("update loop started")
	for {
		select {
		case <-ctx.Done():
			b.log.Info("update loop stopped", logx.Any("err", ctx.Err()))
			return nil
		case up, ok := <-updates:
			if !ok {
				b.log.Info("update loop stopped (updates channel closed)")
				return nil
			}
			b.Handle(ctx, up)
		}
	}
}

// Handle routes a single update. Handler panics are logged and swallowed.
func (b *Bot) Handle(root context.Context, up transport.Update) {
	rid := uuid.NewString()
	log := b.log.With(logx.String("rid", rid))
	ctx, cancel := context.WithTimeout(root, b.cfg.HandleTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in update handler", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	var route string
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message == nil {
			return
		}
		route = b.routeMessage(ctx, log, up.Message)
	case transport.UpdateCallback:
		if up.Callback == nil {
			return
		}
		route = b.routeCallback(ctx, log, up.Callback)
	}
	if route != "" {
		log.Debug("update handled", logx.String("route", route), logx.Duration("took", time.Since(start)))
	}
}

func (b *Bot) routeMessage(ctx context.Context, log logx.Logger, m *transport.Message) string {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		if m.IsPrivate() && b.awaitingName(m.FromID) {
			b.onName(ctx, log, m, text)
			return "name"
		}
		return ""
	}

	fields := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := fields[1:]

	switch word {
	case "start":
		if m.IsPrivate() {
			b.clearPending(m.FromID)
			b.reply(ctx, log, m.ChatID, welcomeText, startKeyboard())
		}
	case "connect":
		b.onConnect(ctx, log, m, args)
	case "cancel":
		b.clearPending(m.FromID)
		if m.IsPrivate() {
			b.reply(ctx, log, m.ChatID, menuText, startKeyboard())
		}
	case "help":
		if m.IsPrivate() {
			b.reply(ctx, log, m.ChatID, b.helpText(), b.helpKeyboard())
		}
	default:
		return ""
	}
	return "/" + word
}

func (b *Bot) routeCallback(ctx context.Context, log logx.Logger, cb *transport.Callback) string {
	data := strings.TrimSpace(cb.Data)
	switch {
	case data == cbCreate:
		b.onCreate(ctx, log, cb, lens.KindCamera)
	case data == cbCreateOnline:
		b.onCreate(ctx, log, cb, lens.KindOnline)
	case data == cbList:
		b.onList(ctx, log, cb)
	case data == cbCancel:
		b.clearPending(cb.FromID)
		b.answer(ctx, log, cb, "")
		b.sendOrUpdate(ctx, log, cb, menuText, startKeyboard())
	case data == cbHelp:
		b.answer(ctx, log, cb, "")
		b.sendOrUpdate(ctx, log, cb, b.helpText(), b.helpKeyboard())
	case strings.HasPrefix(data, cbViewPrefix):
		b.onView(ctx, log, cb, strings.TrimPrefix(data, cbViewPrefix))
	case strings.HasPrefix(data, cbExpirePrefix):
		choice, code, _ := strings.Cut(strings.TrimPrefix(data, cbExpirePrefix), ":")
		b.onExpire(ctx, log, cb, choice, code)
	case strings.HasPrefix(data, cbTogglePrefix):
		mode, code, _ := strings.Cut(strings.TrimPrefix(data, cbTogglePrefix), ":")
		b.onToggle(ctx, log, cb, mode, code)
	default:
		b.answer(ctx, log, cb, "")
		return ""
	}
	return "cb:" + data
}

func (b *Bot) awaitingName(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[userID]
	return ok
}

func (b *Bot) setPending(userID int64, kind lens.Kind) {
	b.mu.Lock()
	b.pending[userID] = pending{kind: kind}
	b.mu.Unlock()
}

func (b *Bot) takePending(userID int64) (pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[userID]
	delete(b.pending, userID)
	return p, ok
}

func (b *Bot) clearPending(userID int64) {
	b.mu.Lock()
	delete(b.pending, userID)
	b.mu.Unlock()
}

func (b *Bot) reply(ctx context.Context, log logx.Logger, chatID int64, text string, kb [][]transport.Button) {
	opt := &transport.SendOptions{DisablePreview: true, Keyboard: kb}
	if _, err := b.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		log.Warn("send text failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// sendOrUpdate edits the message that carried the callback, falling back to
// a fresh message when the edit is refused.
func (b *Bot) sendOrUpdate(ctx context.Context, log logx.Logger, cb *transport.Callback, text string, kb [][]transport.Button) {
	if cb.MessageID != 0 && cb.ChatID != 0 {
		opt := &transport.SendOptions{DisablePreview: true, Keyboard: kb}
		err := b.adapter.EditText(ctx, transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}, text, opt)
		if err == nil {
			return
		}
		log.Debug("edit failed, sending new message", logx.Err(err))
	}
	chatID := cb.ChatID
	if chatID == 0 {
		chatID = cb.FromID
	}
	b.reply(ctx, log, chatID, text, kb)
}

func (b *Bot) answer(ctx context.Context, log logx.Logger, cb *transport.Callback, text string) {
	// Stale callback ids are common after restarts; the UI still updates.
	if err := b.adapter.AnswerCallback(ctx, cb.ID, text); err != nil {
		log.Debug("answer callback failed", logx.String("callback_id", cb.ID), logx.Err(err))
	}
}
