package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"replybot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs every durable structure in the engine: the command
// ledger, the reply log, social posts, the dedup ledger, per-channel
// checkpoints, and runtime settings. One database, single-row writes only.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id           TEXT PRIMARY KEY,
		raw_text     TEXT NOT NULL,
		intent       TEXT,
		parameters   TEXT,
		status       TEXT NOT NULL,
		result_text  TEXT,
		error_detail TEXT,
		created_at   DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);
	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);

	CREATE TABLE IF NOT EXISTS reply_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		channel       TEXT NOT NULL,
		external_id   TEXT NOT NULL,
		sender        TEXT,
		original      TEXT,
		generated     TEXT,
		send_status   TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 1,
		created_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reply_created ON reply_log(created_at);

	CREATE TABLE IF NOT EXISTS social_posts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		platform   TEXT NOT NULL,
		topic      TEXT,
		content    TEXT NOT NULL,
		image_ref  TEXT,
		post_id    TEXT,
		status     TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_posts_created ON social_posts(created_at);

	CREATE TABLE IF NOT EXISTS dedup (
		channel     TEXT NOT NULL,
		external_id TEXT NOT NULL,
		state       TEXT NOT NULL DEFAULT 'reserved',
		attempts    INTEGER NOT NULL DEFAULT 0,
		updated_at  DATETIME NOT NULL,
		PRIMARY KEY (channel, external_id)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		channel    TEXT PRIMARY KEY,
		position   TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- CommandStore ---

func (s *SQLiteStore) CreateCommand(ctx context.Context, rec domain.CommandRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	params, err := json.Marshal(rec.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commands (id, raw_text, intent, parameters, status, result_text, error_detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RawText, string(rec.Intent), string(params), string(rec.Status),
		rec.ResultText, rec.ErrorDetail, rec.CreatedAt,
	)
	return err
}

// FinishCommand sets a terminal status via compare-and-set: the update only
// lands while the record is still processing, so a late provider callback or
// a concurrent sweep can never overwrite an already-terminal record.
func (s *SQLiteStore) FinishCommand(ctx context.Context, id string, status domain.CommandStatus, result, errDetail string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, result_text = ?, error_detail = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), result, errDetail, time.Now(), id, string(domain.StatusProcessing),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SweepOrphans fails records stuck in processing longer than olderThan.
// The audit trail keeps the reason visible instead of hiding the unknown
// outcome.
func (s *SQLiteStore) SweepOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, error_detail = 'orphaned', completed_at = ?
		 WHERE status = ? AND created_at < ?`,
		string(domain.StatusFailed), time.Now(), string(domain.StatusProcessing), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RecentCommands(ctx context.Context, n int) ([]domain.CommandRecord, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, raw_text, intent, parameters, status, result_text, error_detail, created_at, completed_at
		 FROM commands ORDER BY created_at DESC, id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.CommandRecord
	for rows.Next() {
		var (
			rec       domain.CommandRecord
			intent    string
			status    string
			params    sql.NullString
			completed sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.RawText, &intent, &params, &status,
			&rec.ResultText, &rec.ErrorDetail, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		rec.Intent = domain.Intent(intent)
		rec.Status = domain.CommandStatus(status)
		if completed.Valid {
			rec.CompletedAt = completed.Time
		}
		if params.Valid && params.String != "" {
			_ = json.Unmarshal([]byte(params.String), &rec.Parameters)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- DedupStore ---

// Reserve is the atomic check-and-insert at the heart of reply idempotency.
// A fresh insert reserves the message for this poller; an existing row tells
// the caller how far a previous attempt got.
func (s *SQLiteStore) Reserve(ctx context.Context, ref domain.MessageRef) (domain.Reservation, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dedup (channel, external_id, state, attempts, updated_at)
		 VALUES (?, ?, ?, 0, ?)`,
		ref.Channel, ref.ExternalID, string(domain.DedupReserved), time.Now(),
	)
	if err != nil {
		return domain.Reservation{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Reservation{}, err
	}
	if n == 1 {
		return domain.Reservation{Fresh: true, State: domain.DedupReserved}, nil
	}

	var (
		state    string
		attempts int
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT state, attempts FROM dedup WHERE channel = ? AND external_id = ?`,
		ref.Channel, ref.ExternalID,
	).Scan(&state, &attempts)
	if err != nil {
		return domain.Reservation{}, err
	}
	return domain.Reservation{Fresh: false, State: domain.DedupState(state), Attempts: attempts}, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, ref domain.MessageRef) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dedup SET state = ?, updated_at = ? WHERE channel = ? AND external_id = ?`,
		string(domain.DedupCommitted), time.Now(), ref.Channel, ref.ExternalID,
	)
	return err
}

// RecordSendFailure bumps the attempt counter and flips the entry to
// exhausted once the cap is reached, excluding the message from further
// retries.
func (s *SQLiteStore) RecordSendFailure(ctx context.Context, ref domain.MessageRef, maxAttempts int) (bool, int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dedup SET attempts = attempts + 1, updated_at = ? WHERE channel = ? AND external_id = ?`,
		time.Now(), ref.Channel, ref.ExternalID,
	)
	if err != nil {
		return false, 0, err
	}
	var attempts int
	err = s.db.QueryRowContext(ctx,
		`SELECT attempts FROM dedup WHERE channel = ? AND external_id = ?`,
		ref.Channel, ref.ExternalID,
	).Scan(&attempts)
	if err != nil {
		return false, 0, err
	}
	if attempts < maxAttempts {
		return false, attempts, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE dedup SET state = ?, updated_at = ? WHERE channel = ? AND external_id = ?`,
		string(domain.DedupExhausted), time.Now(), ref.Channel, ref.ExternalID,
	)
	return true, attempts, err
}

// --- Ledger ---

func (s *SQLiteStore) AppendReply(ctx context.Context, log domain.ReplyLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	if log.AttemptCount <= 0 {
		log.AttemptCount = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reply_log (channel, external_id, sender, original, generated, send_status, attempt_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.Channel, log.ExternalID, log.Sender, log.Original, log.Generated,
		string(log.SendStatus), log.AttemptCount, log.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) AppendPost(ctx context.Context, post domain.SocialPost) error {
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO social_posts (platform, topic, content, image_ref, post_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		post.Platform, post.Topic, post.Content, post.ImageReference, post.PlatformPostID,
		post.Status, post.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) RecentReplies(ctx context.Context, n int) ([]domain.ReplyLog, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, external_id, sender, original, generated, send_status, attempt_count, created_at
		 FROM reply_log ORDER BY created_at DESC, id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ReplyLog
	for rows.Next() {
		var (
			l      domain.ReplyLog
			status string
		)
		if err := rows.Scan(&l.ID, &l.Channel, &l.ExternalID, &l.Sender, &l.Original,
			&l.Generated, &status, &l.AttemptCount, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.SendStatus = domain.SendStatus(status)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) RecentPosts(ctx context.Context, n int) ([]domain.SocialPost, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, platform, topic, content, image_ref, post_id, status, created_at
		 FROM social_posts ORDER BY created_at DESC, id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.SocialPost
	for rows.Next() {
		var p domain.SocialPost
		if err := rows.Scan(&p.ID, &p.Platform, &p.Topic, &p.Content, &p.ImageReference,
			&p.PlatformPostID, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CountsForDay buckets by the local calendar day containing the given time.
func (s *SQLiteStore) CountsForDay(ctx context.Context, day time.Time) (domain.LedgerCounts, error) {
	local := day.Local()
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	end := start.Add(24 * time.Hour)

	var counts domain.LedgerCounts
	row := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM commands WHERE created_at >= ? AND created_at < ?),
		   (SELECT COUNT(*) FROM reply_log WHERE created_at >= ? AND created_at < ?),
		   (SELECT COUNT(*) FROM social_posts WHERE created_at >= ? AND created_at < ?)`,
		start, end, start, end, start, end,
	)
	if err := row.Scan(&counts.Commands, &counts.Replies, &counts.Posts); err != nil {
		return domain.LedgerCounts{}, err
	}
	return counts, nil
}

// --- CheckpointStore ---

func (s *SQLiteStore) Checkpoint(ctx context.Context, channel string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT channel, position, updated_at FROM checkpoints WHERE channel = ?`, channel,
	).Scan(&cp.Channel, &cp.Position, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Checkpoint{Channel: channel}, nil
	}
	if err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

// AdvanceCheckpoint upserts the watermark but refuses to move it backwards:
// the guard lives in the SQL so concurrent writers cannot regress it.
func (s *SQLiteStore) AdvanceCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if cp.Position == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (channel, position, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(channel) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
		 WHERE excluded.position > checkpoints.position`,
		cp.Channel, cp.Position, time.Now(),
	)
	return err
}

// --- SettingsStore ---

func (s *SQLiteStore) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting upserts a settings row. The engine itself never calls this; it
// exists for the CLI and tests.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	return err
}
