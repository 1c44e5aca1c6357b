// Package transport defines the chat-platform surface: updates flowing in
// and text or documents flowing out.
package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateEdited  UpdateKind = "edited"
	// UpdateTopic carries a forum topic creation or rename; only ChatID,
	// ThreadID and TopicName are set.
	UpdateTopic UpdateKind = "topic"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID        int
	ChatID    int64
	ChatTitle string
	IsGroup   bool
	ThreadID  int // forum topic thread id (0 if none)
	TopicName string

	FromID       int64
	FromUsername string
	FromName     string
	FromBot      bool

	Text        string
	ReplyTo     int
	Mentions    []string
	Links       []string
	Attachments []string

	Date     time.Time
	EditedAt time.Time
}

// IsCommand reports whether the text starts with a bot command.
func (m *Message) IsCommand() bool {
	return m != nil && len(m.Text) > 1 && m.Text[0] == '/'
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, path, filename, caption string) (MessageRef, error)
}

// BotCommand is a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
