package transport

import "context"

// Message is one inbound chat message, already normalized away from the
// underlying chat platform.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type Update struct {
	Message *Message
}

type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat transport boundary. The core only ever sends text and
// consumes normalized updates; everything platform-specific stays behind it.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
