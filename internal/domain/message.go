package domain

import "time"

// InboundMessage is one message fetched from (or pushed by) an inbound channel.
// Identity is (Channel, ExternalID); Position is an opaque, lexicographically
// sortable token the channel derives from its native cursor (update offset,
// message timestamp, internal date) and is what checkpoints advance over.
type InboundMessage struct {
	Channel    string
	ExternalID string
	Sender     string
	Subject    string // email only
	Body       string
	Position   string
	ReceivedAt time.Time
}

// Ref returns the message identity used by the dedup store and reply log.
func (m InboundMessage) Ref() MessageRef {
	return MessageRef{Channel: m.Channel, ExternalID: m.ExternalID}
}

// MessageRef identifies an inbound message across poll cycles and restarts.
type MessageRef struct {
	Channel    string
	ExternalID string
}

// SendStatus is the outcome of a reply delivery attempt.
type SendStatus string

const (
	SendSent   SendStatus = "sent"
	SendFailed SendStatus = "failed"
)

// ReplyLog is one auto-reply record. At most one row with SendStatus=sent
// exists per message identity, except in the documented crash window between
// send success and dedup commit.
type ReplyLog struct {
	ID           int64
	Channel      string
	ExternalID   string
	Sender       string
	Original     string
	Generated    string
	SendStatus   SendStatus
	AttemptCount int
	CreatedAt    time.Time
}

// SocialPost records one published (or attempted) social media post.
type SocialPost struct {
	ID             int64
	Platform       string
	Topic          string
	Content        string
	ImageReference string
	PlatformPostID string
	Status         string
	CreatedAt      time.Time
}

// Setting is a single configuration row. Settings are read-only from the
// engine's perspective; an absent key means the dependent capability is
// unavailable, not that something is broken.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Checkpoint marks the last fully-handled inbound position for one channel.
// Positions only move forward.
type Checkpoint struct {
	Channel   string
	Position  string
	UpdatedAt time.Time
}
