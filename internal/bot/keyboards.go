package bot

import (
	"fmt"
	"strings"
	"time"

	"morilens/internal/lens"
	"morilens/internal/transport"
)

// Callback data.
const (
	cbCreate       = "lens_create"
	cbCreateOnline = "lens_create_online"
	cbList         = "lens_list"
	cbCancel       = "lens_cancel"
	cbHelp         = "lens_help"

	cbViewPrefix   = "lens_view_"   // + code
	cbExpirePrefix = "lens_expire_" // + choice:code
	cbTogglePrefix = "lens_toggle_" // + short|long:code
)

const (
	welcomeText = "Welcome to MoriLens 📸\nCreate a lens, connect it to a group and every capture lands in that chat."
	menuText    = "Back to the main menu ✨ Pick an option below to continue:"

	maxListName = 30
)

func btn(text, data string) transport.Button { return transport.Button{Text: text, Data: data} }

func link(text, url string) transport.Button { return transport.Button{Text: text, URL: url} }

func startKeyboard() [][]transport.Button {
	return [][]transport.Button{
		{btn("Create New Lens", cbCreate)},
		{btn("Create Online Lens", cbCreateOnline)},
		{btn("My Lens", cbList)},
		{btn("Help", cbHelp)},
	}
}

func cancelHelpRow() []transport.Button {
	return []transport.Button{btn("Cancel", cbCancel), btn("Help", cbHelp)}
}

func createRow() []transport.Button {
	return []transport.Button{btn("Create New Lens", cbCreate), btn("Create Online Lens", cbCreateOnline)}
}

func listKeyboard(items []lens.Lens, expired func(code string) bool) [][]transport.Button {
	kb := make([][]transport.Button, 0, len(items)+2)
	for _, l := range items {
		status := "Active"
		if expired(l.Code) {
			status = "Expired"
		}
		kb = append(kb, []transport.Button{btn(fmt.Sprintf("%s (%s)", truncateName(l.Name), status), cbViewPrefix+l.Code)})
	}
	kb = append(kb, createRow(), []transport.Button{btn("Help", cbHelp), btn("Cancel", cbCancel)})
	return kb
}

func expiryKeyboard(code string) [][]transport.Button {
	labels := map[string]string{"2d": "2 days", "3d": "3 days", "4d": "4 days"}
	var rows [][]transport.Button
	var row []transport.Button
	for _, choice := range lens.ExpiryChoices {
		label := choice
		if l, ok := labels[choice]; ok {
			label = l
		}
		row = append(row, btn(label, cbExpirePrefix+choice+":"+code))
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return append(rows, cancelHelpRow())
}

// detailKeyboard offers the opposite link mode of the one currently shown.
func detailKeyboard(l lens.Lens, showingShort bool, openURL string) [][]transport.Button {
	var kb [][]transport.Button
	if openURL != "" {
		label := "Open Camera"
		if l.Kind == lens.KindOnline {
			label = "Open Online Lens"
		}
		kb = append(kb, []transport.Button{link(label, openURL)})
	}
	if showingShort {
		kb = append(kb, []transport.Button{btn("Show Long Link", cbTogglePrefix+"long:"+l.Code)})
	} else {
		kb = append(kb, []transport.Button{btn("Show Short Link", cbTogglePrefix+"short:"+l.Code)})
	}
	return append(kb,
		[]transport.Button{btn("Back", cbList), btn("Help", cbHelp)},
		createRow(),
	)
}

func (b *Bot) helpKeyboard() [][]transport.Button {
	return [][]transport.Button{
		{link("Contact Support", b.cfg.SupportURL)},
		createRow(),
		{btn("My Lens", cbList), btn("Back", cbCancel)},
	}
}

func (b *Bot) helpText() string {
	lines := []string{
		"Help 📖",
		"1️⃣ Create a Lens and note the code.",
		"2️⃣ Add @" + b.cfg.Username + " to your group as admin.",
		"3️⃣ Send /connect <CODE> in the group.",
		"4️⃣ Choose expiry, open the link, tap screen to send photos.",
	}
	if handle, ok := strings.CutPrefix(b.cfg.SupportURL, "https://t.me/"); ok && handle != "" {
		lines = append(lines, "", "Need more help? Contact @"+handle)
	}
	return strings.Join(lines, "\n")
}

func truncateName(name string) string {
	r := []rune(name)
	if len(r) > maxListName {
		return string(r[:maxListName-3]) + "..."
	}
	return name
}

// fmtRemaining renders a countdown as "Xh Ym".
func fmtRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", h, m)
}

func fmtExpiry(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04 MST")
}
