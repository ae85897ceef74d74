// Package transport defines the platform-neutral chat types exchanged between
// the bot command layer and a messaging provider adapter.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
)

type Message struct {
	ID           int
	ChatID       int64
	ChatKind     ChatKind
	ChatTitle    string
	FromID       int64
	FromUsername string
	Text         string
}

func (m *Message) IsPrivate() bool { return m.ChatKind == ChatPrivate }

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ChatKind  ChatKind
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is an inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Keyboard rows rendered as an inline keyboard under the message.
	Keyboard [][]Button
}

// Image is a captured frame to deliver into a chat.
type Image struct {
	Data     []byte
	Name     string
	MIME     string
	Caption  string
	Document bool // send as a file instead of a compressed photo
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// ImageSender delivers images. Errors returned by adapters are classified so
// callers can tell throttling and transient failures from permanent ones.
type ImageSender interface {
	SendImage(ctx context.Context, to ChatTarget, img Image) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
