package domain

import (
	"context"
	"time"
)

// DedupState is the lifecycle of a dedup ledger entry.
type DedupState string

const (
	// DedupReserved means a reply attempt is in flight or pending retry.
	DedupReserved DedupState = "reserved"
	// DedupCommitted means a reply was sent; the message is done forever.
	DedupCommitted DedupState = "committed"
	// DedupExhausted means the attempt cap was reached; no more retries.
	DedupExhausted DedupState = "exhausted"
)

// Reservation is the outcome of a dedup check-and-reserve.
type Reservation struct {
	Fresh    bool       // true when this call inserted the entry
	State    DedupState // current state (reserved for fresh entries)
	Attempts int        // failed send attempts so far
}

// CommandStore persists command records. Status updates are compare-and-set
// on (id, status=processing) so a stale writer can never clobber a terminal
// state.
type CommandStore interface {
	CreateCommand(ctx context.Context, rec CommandRecord) error
	FinishCommand(ctx context.Context, id string, status CommandStatus, result, errDetail string) (bool, error)
	SweepOrphans(ctx context.Context, olderThan time.Duration) (int64, error)
	RecentCommands(ctx context.Context, n int) ([]CommandRecord, error)
}

// DedupStore is the idempotency ledger keyed by (channel, external id).
// Reserve is an atomic check-and-insert; it survives process restart.
type DedupStore interface {
	Reserve(ctx context.Context, ref MessageRef) (Reservation, error)
	Commit(ctx context.Context, ref MessageRef) error
	RecordSendFailure(ctx context.Context, ref MessageRef, maxAttempts int) (exhausted bool, attempts int, err error)
}

// LedgerCounts are the per-day totals shown on the status surface.
type LedgerCounts struct {
	Commands int
	Replies  int
	Posts    int
}

// Ledger is the append-only activity history. Reads never block writers.
type Ledger interface {
	AppendReply(ctx context.Context, log ReplyLog) error
	AppendPost(ctx context.Context, post SocialPost) error
	RecentReplies(ctx context.Context, n int) ([]ReplyLog, error)
	RecentPosts(ctx context.Context, n int) ([]SocialPost, error)
	CountsForDay(ctx context.Context, day time.Time) (LedgerCounts, error)
}

// CheckpointStore persists per-channel watermarks. Advance is a no-op when
// the new position does not sort after the stored one.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, channel string) (Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, cp Checkpoint) error
}

// SettingsStore reads runtime settings. ok=false means the key is absent.
type SettingsStore interface {
	Setting(ctx context.Context, key string) (value string, ok bool, err error)
}
