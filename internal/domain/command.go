package domain

import "time"

// CommandStatus is the lifecycle state of a command record.
// Transitions are monotonic: pending → processing → {completed | failed}.
// A terminal status never reverts.
type CommandStatus string

const (
	StatusPending    CommandStatus = "pending"
	StatusProcessing CommandStatus = "processing"
	StatusCompleted  CommandStatus = "completed"
	StatusFailed     CommandStatus = "failed"
)

// Terminal reports whether the status is final.
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Intent is the classified purpose of a command.
type Intent string

const (
	IntentSystemStatus    Intent = "system_status"
	IntentAutoReplyStatus Intent = "auto_reply_status"
	IntentVoiceTest       Intent = "voice_test"
	IntentHelp            Intent = "help"
	IntentFacebookPost    Intent = "facebook_post"
	IntentCreateImage     Intent = "create_image"
	IntentTextGeneration  Intent = "text_generation"
	IntentGeneralQuery    Intent = "general_query"
	IntentReplyGeneration Intent = "reply_generation"
)

// Classification is the classifier output: an intent plus extracted parameters.
type Classification struct {
	Intent     Intent
	Parameters map[string]string
}

// CommandRecord is the durable audit record for one command invocation.
type CommandRecord struct {
	ID          string
	RawText     string
	Intent      Intent
	Parameters  map[string]string
	Status      CommandStatus
	ResultText  string
	ErrorDetail string
	CreatedAt   time.Time
	CompletedAt time.Time
}
