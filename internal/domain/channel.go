package domain

import "context"

// InboundChannel is a message source the poller drives. FetchNew returns
// messages strictly after the given checkpoint position, oldest first, each
// carrying a Position token comparable with the checkpoint.
type InboundChannel interface {
	Name() string
	FetchNew(ctx context.Context, after Checkpoint) ([]InboundMessage, error)
	SendReply(ctx context.Context, ref MessageRef, text string) error
}

// PushChannel is an optional extension for channels that deliver messages by
// webhook or event stream. Pushed messages go through the same dedup and
// reply pipeline as polled ones, so double delivery stays idempotent.
type PushChannel interface {
	InboundChannel
	StartPush(ctx context.Context, bus MessageBus) error
}

// MessageBus queues pushed inbound messages for the dispatcher.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
