package poller

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"replybot/internal/domain"
	"replybot/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type stubRegistry struct {
	text string
	err  error
}

func (s *stubRegistry) Invoke(ctx context.Context, intent domain.Intent, params domain.Params) (*domain.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Result{Text: s.text, Provider: "stub"}, nil
}

// fakeChannel serves a scripted message list and records sends.
type fakeChannel struct {
	name     string
	messages []domain.InboundMessage
	fetchErr error

	fetches  int
	sends    []domain.MessageRef
	sendErrs map[string]error // external id -> error to return
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) FetchNew(ctx context.Context, after domain.Checkpoint) ([]domain.InboundMessage, error) {
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []domain.InboundMessage
	for _, m := range f.messages {
		if after.Position == "" || m.Position > after.Position {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeChannel) SendReply(ctx context.Context, ref domain.MessageRef, text string) error {
	f.sends = append(f.sends, ref)
	if err, ok := f.sendErrs[ref.ExternalID]; ok {
		return err
	}
	return nil
}

func msg(channel, id, pos, body string) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:    channel,
		ExternalID: id,
		Sender:     "someone",
		Body:       body,
		Position:   pos,
		ReceivedAt: time.Now(),
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestPoller(t *testing.T, st *store.SQLiteStore, ch *fakeChannel, reg invoker, maxAttempts int) *Poller {
	t.Helper()
	pipe := NewPipeline(PipelineConfig{
		Dedup:           st,
		Ledger:          st,
		Registry:        reg,
		MaxSendAttempts: maxAttempts,
		Logger:          testLogger(),
	})
	return New(Config{
		Channel:     ch,
		Checkpoints: st,
		Pipeline:    pipe,
		Logger:      testLogger(),
	})
}

func TestCycle_RepliesOnceAcrossCycles(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeChannel{
		name: "email",
		messages: []domain.InboundMessage{
			msg("email", "m1", "000000000001", "hello"),
		},
	}
	p := newTestPoller(t, st, ch, &stubRegistry{text: "thanks, will get back to you"}, 3)
	ctx := context.Background()

	if err := p.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(ch.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(ch.sends))
	}

	// Same message appears again (overlapping fetch window, duplicate
	// delivery). It must be skipped via the dedup ledger.
	ch.messages = append(ch.messages, msg("email", "m1", "000000000001", "hello"))
	if err := p.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(ch.sends) != 1 {
		t.Fatalf("duplicate message got a second reply: %d sends", len(ch.sends))
	}

	replies, err := st.RecentReplies(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 || replies[0].SendStatus != domain.SendSent {
		t.Errorf("expected exactly one sent reply log, got %+v", replies)
	}
}

// flakyDedup fails the first Commit, leaving the reservation open the way a
// crash between send and commit would.
type flakyDedup struct {
	domain.DedupStore
	commitErr error
}

func (f *flakyDedup) Commit(ctx context.Context, ref domain.MessageRef) error {
	if f.commitErr != nil {
		err := f.commitErr
		f.commitErr = nil
		return err
	}
	return f.DedupStore.Commit(ctx, ref)
}

func TestHandle_CommitFailureAllowsDuplicateSend(t *testing.T) {
	st := newTestStore(t)
	ded := &flakyDedup{DedupStore: st, commitErr: errors.New("disk full")}
	pipe := NewPipeline(PipelineConfig{
		Dedup:           ded,
		Ledger:          st,
		Registry:        &stubRegistry{text: "reply"},
		MaxSendAttempts: 3,
		Logger:          testLogger(),
	})
	ch := &fakeChannel{name: "email"}
	m := msg("email", "m1", "000000000001", "hi")
	ctx := context.Background()

	// The reply goes out but the commit is lost.
	if !pipe.Handle(ctx, ch, m) {
		t.Fatal("a sent reply counts as handled even when the commit fails")
	}
	if len(ch.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(ch.sends))
	}

	// Redelivery finds the reservation still open and sends again: the
	// at-least-once contract trades a duplicate reply for never dropping one.
	if !pipe.Handle(ctx, ch, m) {
		t.Fatal("redelivered message should be handled")
	}
	if len(ch.sends) != 2 {
		t.Fatalf("open reservation should be retried with a second send, got %d", len(ch.sends))
	}

	// The second pass committed, so a third delivery is skipped.
	if !pipe.Handle(ctx, ch, m) {
		t.Fatal("committed message should report handled")
	}
	if len(ch.sends) != 2 {
		t.Errorf("committed message got another reply: %d sends", len(ch.sends))
	}
}

func TestCycle_AdvancesCheckpoint(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeChannel{
		name: "email",
		messages: []domain.InboundMessage{
			msg("email", "m1", "000000000001", "a"),
			msg("email", "m2", "000000000002", "b"),
		},
	}
	p := newTestPoller(t, st, ch, &stubRegistry{text: "reply"}, 3)
	ctx := context.Background()

	if err := p.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	cp, err := st.Checkpoint(ctx, "email")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Position != "000000000002" {
		t.Errorf("checkpoint should advance to the last handled message, got %q", cp.Position)
	}

	// Next cycle fetches nothing new.
	if err := p.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(ch.sends) != 2 {
		t.Errorf("expected no new sends, got %d", len(ch.sends))
	}
}

func TestCycle_CheckpointStopsAtUnhandledMessage(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeChannel{
		name: "email",
		messages: []domain.InboundMessage{
			msg("email", "m1", "000000000001", "a"),
			msg("email", "m2", "000000000002", "b"),
			msg("email", "m3", "000000000003", "c"),
		},
		sendErrs: map[string]error{"m2": errors.New("smtp 451")},
	}
	p := newTestPoller(t, st, ch, &stubRegistry{text: "reply"}, 3)
	ctx := context.Background()

	if err := p.Cycle(ctx); err != nil {
		t.Fatal(err)
	}

	// m2 is still pending retry, so the watermark must not pass m1 even
	// though m3 was handled.
	cp, _ := st.Checkpoint(ctx, "email")
	if cp.Position != "000000000001" {
		t.Errorf("checkpoint should stop before the unhandled message, got %q", cp.Position)
	}

	// m2 succeeds on retry; the watermark catches up.
	delete(ch.sendErrs, "m2")
	if err := p.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	cp, _ = st.Checkpoint(ctx, "email")
	if cp.Position != "000000000003" {
		t.Errorf("checkpoint should advance after the retry, got %q", cp.Position)
	}

	// m3 was replied exactly once despite being refetched.
	count := 0
	for _, ref := range ch.sends {
		if ref.ExternalID == "m3" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("m3 should be replied exactly once, got %d", count)
	}
}

func TestCycle_SendFailuresExhaustAtCap(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeChannel{
		name:     "slack",
		messages: []domain.InboundMessage{msg("slack", "t1", "000000000001", "hi")},
		sendErrs: map[string]error{"t1": errors.New("rate limited")},
	}
	p := newTestPoller(t, st, ch, &stubRegistry{text: "reply"}, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := p.Cycle(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// Two attempts, then exhausted; the third cycle must not send.
	if len(ch.sends) != 2 {
		t.Fatalf("expected 2 send attempts before giving up, got %d", len(ch.sends))
	}

	replies, err := st.RecentReplies(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 || replies[0].SendStatus != domain.SendFailed {
		t.Errorf("expected a single failed reply log, got %+v", replies)
	}
	if replies[0].AttemptCount != 2 {
		t.Errorf("expected 2 recorded attempts, got %d", replies[0].AttemptCount)
	}

	// Once exhausted the checkpoint may pass the message.
	cp, _ := st.Checkpoint(ctx, "slack")
	if cp.Position != "000000000001" {
		t.Errorf("checkpoint should advance past the exhausted message, got %q", cp.Position)
	}
}

func TestCycle_GenerationFailureCountsAsAttempt(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeChannel{
		name:     "email",
		messages: []domain.InboundMessage{msg("email", "m1", "000000000001", "hi")},
	}
	p := newTestPoller(t, st, ch, &stubRegistry{err: errors.New("all providers down")}, 1)
	ctx := context.Background()

	if err := p.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(ch.sends) != 0 {
		t.Errorf("nothing should be sent when generation fails, got %d sends", len(ch.sends))
	}

	replies, _ := st.RecentReplies(ctx, 10)
	if len(replies) != 1 || replies[0].SendStatus != domain.SendFailed {
		t.Errorf("exhausted generation should be logged failed, got %+v", replies)
	}
}

func TestCycle_FetchErrorPropagates(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeChannel{name: "email", fetchErr: errors.New("401 unauthorized")}
	p := newTestPoller(t, st, ch, &stubRegistry{text: "reply"}, 3)

	if err := p.Cycle(context.Background()); err == nil {
		t.Error("fetch failure should surface as a cycle error")
	}
}

func TestCycle_SingleFlight(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeChannel{name: "email"}
	p := newTestPoller(t, st, ch, &stubRegistry{text: "reply"}, 3)

	p.running.Store(true)
	if err := p.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ch.fetches != 0 {
		t.Error("an overlapping cycle must be skipped, not run")
	}
	p.running.Store(false)

	if err := p.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ch.fetches != 1 {
		t.Errorf("expected one fetch after release, got %d", ch.fetches)
	}
}

func TestBackoff_DoublesAndResets(t *testing.T) {
	b := NewBackoff(5*time.Minute, 40*time.Minute)

	// Three consecutive failures: 2x, 4x, 8x base, then pinned at max.
	want := []time.Duration{10 * time.Minute, 20 * time.Minute, 40 * time.Minute, 40 * time.Minute}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("failure %d: expected %v, got %v", i+1, w, got)
		}
	}

	b.Reset()
	if got := b.Base(); got != 5*time.Minute {
		t.Errorf("normal interval should stay at base, got %v", got)
	}
	if got := b.Next(); got != 10*time.Minute {
		t.Errorf("first failure after reset should double the base, got %v", got)
	}
}

func TestBackoff_MaxBelowBase(t *testing.T) {
	b := NewBackoff(10*time.Minute, time.Minute)
	if got := b.Next(); got != 10*time.Minute {
		t.Errorf("max below base should clamp to base, got %v", got)
	}
}

func TestDispatcher_RoutesPushedMessages(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeChannel{name: "whatsapp"}
	pipe := NewPipeline(PipelineConfig{
		Dedup:           st,
		Ledger:          st,
		Registry:        &stubRegistry{text: "reply"},
		MaxSendAttempts: 3,
		Logger:          testLogger(),
	})

	fb := &fakeBus{inbound: make(chan domain.InboundMessage, 4)}
	sup := NewSupervisor(pipe, fb, testLogger())
	sup.channels[ch.name] = ch

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	fb.inbound <- msg("whatsapp", "wamid.1", "", "hola")
	fb.inbound <- msg("whatsapp", "wamid.1", "", "hola") // webhook redelivery

	deadline := time.After(2 * time.Second)
	for len(ch.sends) < 1 {
		select {
		case <-deadline:
			t.Fatal("dispatcher never delivered the pushed message")
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Give the duplicate a moment to be (not) processed.
	time.Sleep(50 * time.Millisecond)

	cancel()
	sup.Wait()

	if len(ch.sends) != 1 {
		t.Errorf("redelivered push should be deduplicated, got %d sends", len(ch.sends))
	}
}

type fakeBus struct {
	inbound chan domain.InboundMessage
}

func (f *fakeBus) Publish(m domain.InboundMessage)         { f.inbound <- m }
func (f *fakeBus) Subscribe() <-chan domain.InboundMessage { return f.inbound }
func (f *fakeBus) Close()                                  { close(f.inbound) }
