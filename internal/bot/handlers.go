package bot

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"morilens/internal/lens"
	"morilens/internal/transport"
	logx "morilens/pkg/logx"
)

func (b *Bot) onCreate(ctx context.Context, log logx.Logger, cb *transport.Callback, kind lens.Kind) {
	b.setPending(cb.FromID, kind)
	b.answer(ctx, log, cb, "")
	prompt := "Send a name for this Lens ✍️ (e.g., Event Gate, Front Door)."
	if kind == lens.KindOnline {
		prompt = "Send a name for this Online Lens ✍️ (e.g., Portal Code, Access Key)."
	}
	b.sendOrUpdate(ctx, log, cb, prompt, [][]transport.Button{cancelHelpRow()})
}

func (b *Bot) onName(ctx context.Context, log logx.Logger, m *transport.Message, name string) {
	p, ok := b.takePending(m.FromID)
	if !ok {
		return
	}
	l, err := b.lenses.CreateLens(ctx, m.FromID, name, p.kind)
	if err != nil {
		if errors.Is(err, lens.ErrInvalid) {
			// Keep waiting for a usable name.
			b.setPending(m.FromID, p.kind)
			b.reply(ctx, log, m.ChatID, "That name is empty ⚠️ Send a name for this Lens.", [][]transport.Button{cancelHelpRow()})
			return
		}
		log.Error("create lens failed", logx.Int64("owner", m.FromID), logx.Err(err))
		b.reply(ctx, log, m.ChatID, "Could not create a lens right now ⚠️ Try again later.", startKeyboard())
		return
	}

	heading := "New Lens created ✨"
	if l.Kind == lens.KindOnline {
		heading = "New Online Lens created ✨"
	}
	text := strings.Join([]string{
		heading,
		"Name: " + l.Name,
		"Code 🔑: " + l.Code,
		"",
		"Next steps ✅:",
		"1) Add @" + b.cfg.Username + " to your group and make it admin.",
		"2) Send /connect " + l.Code + " in that group.",
		"",
		"Tip 💡: Use the button to open chats with code prefilled.",
	}, "\n")
	kb := [][]transport.Button{
		{link("Open Chats", shareURL("/connect "+l.Code))},
		cancelHelpRow(),
	}
	b.reply(ctx, log, m.ChatID, text, kb)
}

func shareURL(text string) string {
	q := url.PathEscape(text)
	return "https://t.me/share/url?url=" + q + "&text=" + q
}

func (b *Bot) onConnect(ctx context.Context, log logx.Logger, m *transport.Message, args []string) {
	if m.ChatKind != transport.ChatGroup {
		if m.IsPrivate() {
			b.reply(ctx, log, m.ChatID, "Send /connect <LENS_CODE> in the group that should receive captures.", nil)
		}
		return
	}
	if len(args) == 0 {
		b.reply(ctx, log, m.ChatID, "Usage ℹ️: /connect <LENS_CODE>", nil)
		return
	}
	code := strings.ToUpper(strings.TrimSpace(args[0]))
	l, err := b.lenses.ConnectLens(ctx, code, m.ChatID)
	if err != nil {
		if !errors.Is(err, lens.ErrNotFound) {
			log.Error("connect lens failed", logx.String("code", code), logx.Err(err))
		}
		b.reply(ctx, log, m.ChatID, "Invalid code ⚠️ Ask the owner to create a new Lens.", nil)
		return
	}
	b.reply(ctx, log, m.ChatID, "Connected to this group ✅", nil)

	text := "Your lens \"" + l.Name + "\" is now connected to the group. Choose an expiry:"
	opt := &transport.SendOptions{DisablePreview: true, Keyboard: expiryKeyboard(l.Code)}
	if _, err := b.adapter.SendText(ctx, transport.ChatTarget{ChatID: l.OwnerID}, text, opt); err != nil {
		log.Error("owner notification after connect failed", logx.Int64("owner", l.OwnerID), logx.Err(err))
	}
}

func (b *Bot) onList(ctx context.Context, log logx.Logger, cb *transport.Callback) {
	b.answer(ctx, log, cb, "")
	var connected []lens.Lens
	for _, l := range b.lenses.ListByOwner(ctx, cb.FromID) {
		if l.Connected() {
			connected = append(connected, l)
		}
	}
	if len(connected) == 0 {
		b.sendOrUpdate(ctx, log, cb, "You have no connected lenses yet 🗒️ Create one to get started.", startKeyboard())
		return
	}
	b.sendOrUpdate(ctx, log, cb, "My Lens 📸: Choose one to view details:", listKeyboard(connected, b.lenses.IsExpired))
}

// ownedLens looks up code on behalf of the callback sender. Lenses of other
// owners are reported as missing.
func (b *Bot) ownedLens(cb *transport.Callback, code string) (lens.Lens, bool) {
	l, ok := b.lenses.GetLens(code)
	if !ok || l.OwnerID != cb.FromID {
		return lens.Lens{}, false
	}
	return l, true
}

func (b *Bot) onView(ctx context.Context, log logx.Logger, cb *transport.Callback, code string) {
	l, ok := b.ownedLens(cb, code)
	if !ok {
		b.answer(ctx, log, cb, "Lens not found")
		return
	}
	b.answer(ctx, log, cb, "")
	if l.HasExpiry() && l.ShortCode == "" {
		l = b.shorten(ctx, log, l)
	}
	b.sendOrUpdate(ctx, log, cb, b.details(l, false), detailKeyboard(l, false, b.openURL(l)))
}

func (b *Bot) onExpire(ctx context.Context, log logx.Logger, cb *transport.Callback, choice, code string) {
	if code == "" {
		b.answer(ctx, log, cb, "No lens in progress")
		return
	}
	if l, ok := b.lenses.GetLens(code); ok && l.OwnerID != cb.FromID {
		log.Warn("expiry change by non-owner refused", logx.String("code", code), logx.Int64("from", cb.FromID))
		b.answer(ctx, log, cb, "Lens not found")
		return
	}
	d, known := lens.ParseExpiry(choice)
	if !known {
		log.Warn("unknown expiry choice, using default", logx.String("choice", choice))
	}
	l, err := b.lenses.SetExpiry(ctx, code, b.lenses.Now().Add(d).UnixMilli())
	if err != nil {
		b.answer(ctx, log, cb, "No lens in progress")
		return
	}
	l = b.shorten(ctx, log, l)
	b.answer(ctx, log, cb, "Expiry set")
	b.sendOrUpdate(ctx, log, cb, b.details(l, false), detailKeyboard(l, false, b.openURL(l)))
}

func (b *Bot) onToggle(ctx context.Context, log logx.Logger, cb *transport.Callback, mode, code string) {
	l, ok := b.ownedLens(cb, code)
	if !ok {
		b.answer(ctx, log, cb, "Lens not found")
		return
	}
	if !l.HasExpiry() {
		b.answer(ctx, log, cb, "Lens not ready yet")
		return
	}
	if l.ShortCode == "" {
		l = b.shorten(ctx, log, l)
	}
	showShort := mode == "short" && l.ShortCode != ""
	b.answer(ctx, log, cb, "")
	b.sendOrUpdate(ctx, log, cb, b.details(l, showShort), detailKeyboard(l, showShort, b.openURL(l)))
}

// shorten records a short link on the lens. Failures leave the lens as is.
func (b *Bot) shorten(ctx context.Context, log logx.Logger, l lens.Lens) lens.Lens {
	sl, err := b.lenses.ShortenLens(ctx, l.Code)
	if err != nil {
		log.Warn("shorten lens failed", logx.String("code", l.Code), logx.Err(err))
		return l
	}
	l.ShortCode = sl.Code
	return l
}

func (b *Bot) openURL(l lens.Lens) string {
	if !l.HasExpiry() {
		return ""
	}
	return b.lenses.LinkFor(l)
}

func (b *Bot) details(l lens.Lens, showShort bool) string {
	heading := "Lens 🎯"
	if l.Kind == lens.KindOnline {
		heading = "Online Lens 🎯"
	}
	status := "Not connected 🚫"
	group := "Group 👥: Not connected"
	if l.Connected() {
		group = "Group 👥: Connected"
		status = "Active ✅"
		if b.lenses.IsExpired(l.Code) {
			status = "Expired ⌛️"
		}
	}
	lines := []string{
		heading + ": " + l.Name,
		"Code 🔑: " + l.Code,
		"Status: " + status,
		group,
	}
	if !l.HasExpiry() {
		return strings.Join(append(lines, "Expiry ⏳: not set"), "\n")
	}
	remaining := time.Duration(l.ExpiresAt-b.lenses.Now().UnixMilli()) * time.Millisecond
	lines = append(lines,
		"Expiry ⏳: "+fmtExpiry(l.ExpiresAt),
		"Remaining ⌛️: "+fmtRemaining(remaining),
		"",
	)
	if showShort {
		lines = append(lines, "Short 🔗: "+b.lenses.ShortURL(l.ShortCode))
	} else {
		lines = append(lines, "Long 🔗: "+b.lenses.LinkFor(l))
	}
	return strings.Join(lines, "\n")
}
