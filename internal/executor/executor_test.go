package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"replybot/internal/domain"
	"replybot/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type stubClassifier struct {
	cls domain.Classification
}

func (s *stubClassifier) Classify(ctx context.Context, text string) domain.Classification {
	return s.cls
}

// stubRegistry records invocations per intent and returns canned results.
type stubRegistry struct {
	results map[domain.Intent]*domain.Result
	errs    map[domain.Intent]error
	calls   map[domain.Intent]int
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{
		results: map[domain.Intent]*domain.Result{},
		errs:    map[domain.Intent]error{},
		calls:   map[domain.Intent]int{},
	}
}

func (s *stubRegistry) Invoke(ctx context.Context, intent domain.Intent, params domain.Params) (*domain.Result, error) {
	s.calls[intent]++
	if err := s.errs[intent]; err != nil {
		return nil, err
	}
	if res := s.results[intent]; res != nil {
		return res, nil
	}
	return nil, domain.ErrCapabilityUnavailable
}

func (s *stubRegistry) Available(intent domain.Intent) bool {
	return s.results[intent] != nil
}

func newTestExecutor(t *testing.T, cls domain.Classification, reg *stubRegistry) (*Executor, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	exec := New(Config{
		Classifier: &stubClassifier{cls: cls},
		Registry:   reg,
		Commands:   st,
		Ledger:     st,
		Logger:     testLogger(),
	})
	return exec, st
}

func TestExecute_GeneralQueryCompletes(t *testing.T) {
	reg := newStubRegistry()
	reg.results[domain.IntentGeneralQuery] = &domain.Result{Text: "42", Provider: "openrouter"}

	exec, st := newTestExecutor(t, domain.Classification{
		Intent:     domain.IntentGeneralQuery,
		Parameters: map[string]string{"prompt": "meaning of life"},
	}, reg)

	rec := exec.Execute(context.Background(), "meaning of life")
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.ErrorDetail)
	}
	if rec.ResultText != "42" {
		t.Errorf("unexpected result: %q", rec.ResultText)
	}

	recs, err := st.RecentCommands(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Status != domain.StatusCompleted {
		t.Errorf("stored record should be terminal: %+v", recs)
	}
}

func TestExecute_FailureKeepsDiagnosticsOutOfUserText(t *testing.T) {
	reg := newStubRegistry()
	reg.errs[domain.IntentGeneralQuery] = errors.New("all providers failed for general_query: openrouter: unavailable")

	exec, st := newTestExecutor(t, domain.Classification{
		Intent:     domain.IntentGeneralQuery,
		Parameters: map[string]string{"prompt": "hi"},
	}, reg)

	rec := exec.Execute(context.Background(), "hi")
	if rec.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.ResultText != failureMessage {
		t.Errorf("user text should be the generic message, got %q", rec.ResultText)
	}
	if !strings.Contains(rec.ErrorDetail, "openrouter: unavailable") {
		t.Errorf("error detail should carry the provider failure, got %q", rec.ErrorDetail)
	}

	recs, _ := st.RecentCommands(context.Background(), 1)
	if len(recs) != 1 || recs[0].Status != domain.StatusFailed {
		t.Errorf("stored record should be failed: %+v", recs)
	}
}

func TestExecute_SystemStatusNeedsNoProvider(t *testing.T) {
	reg := newStubRegistry() // every invoke would fail

	exec, _ := newTestExecutor(t, domain.Classification{Intent: domain.IntentSystemStatus}, reg)

	rec := exec.Execute(context.Background(), "how are you")
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("status command must complete without providers, got %s (%s)", rec.Status, rec.ErrorDetail)
	}
	if len(reg.calls) != 0 {
		t.Errorf("status command must not invoke any chain, got %v", reg.calls)
	}
	if !strings.Contains(rec.ResultText, "commands") {
		t.Errorf("status text should mention activity counts, got %q", rec.ResultText)
	}
}

func TestExecute_AutoReplyStatusReadsLedger(t *testing.T) {
	reg := newStubRegistry()
	exec, st := newTestExecutor(t, domain.Classification{Intent: domain.IntentAutoReplyStatus}, reg)

	err := st.AppendReply(context.Background(), domain.ReplyLog{
		Channel:    "email",
		ExternalID: "m1",
		Sender:     "alice@example.com",
		SendStatus: domain.SendSent,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := exec.Execute(context.Background(), "recent replies")
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.ErrorDetail)
	}
	if !strings.Contains(rec.ResultText, "alice@example.com") {
		t.Errorf("summary should name the sender, got %q", rec.ResultText)
	}
	if len(reg.calls) != 0 {
		t.Errorf("auto-reply status must not invoke any chain, got %v", reg.calls)
	}
}

func TestExecute_FacebookPostPipeline(t *testing.T) {
	reg := newStubRegistry()
	reg.results[domain.IntentTextGeneration] = &domain.Result{Text: "great post #go"}
	reg.results[domain.IntentFacebookPost] = &domain.Result{PostID: "123_456"}

	exec, st := newTestExecutor(t, domain.Classification{
		Intent:     domain.IntentFacebookPost,
		Parameters: map[string]string{"topic": "golang"},
	}, reg)

	rec := exec.Execute(context.Background(), "post about golang on facebook")
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.ErrorDetail)
	}
	if !strings.Contains(rec.ResultText, "123_456") {
		t.Errorf("result should carry the post id, got %q", rec.ResultText)
	}

	posts, err := st.RecentPosts(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 1 {
		t.Fatal("expected a ledger entry for the post")
	}
	if posts[0].Status != "posted" || posts[0].Topic != "golang" || posts[0].PlatformPostID != "123_456" {
		t.Errorf("unexpected post record: %+v", posts[0])
	}
}

func TestExecute_FacebookPostImageFailureDegradesToTextOnly(t *testing.T) {
	reg := newStubRegistry()
	reg.results[domain.IntentTextGeneration] = &domain.Result{Text: "post body"}
	reg.errs[domain.IntentCreateImage] = errors.New("image chain down")
	reg.results[domain.IntentFacebookPost] = &domain.Result{PostID: "789"}

	exec, st := newTestExecutor(t, domain.Classification{
		Intent:     domain.IntentFacebookPost,
		Parameters: map[string]string{"topic": "cats", "include_image": "true"},
	}, reg)

	rec := exec.Execute(context.Background(), "post a picture about cats on facebook")
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("image failure should not fail the post, got %s (%s)", rec.Status, rec.ErrorDetail)
	}

	posts, _ := st.RecentPosts(context.Background(), 1)
	if len(posts) != 1 || posts[0].ImageReference != "" {
		t.Errorf("expected text-only post, got %+v", posts)
	}
}

func TestExecute_FacebookPublishFailureRecordsAttempt(t *testing.T) {
	reg := newStubRegistry()
	reg.results[domain.IntentTextGeneration] = &domain.Result{Text: "post body"}
	reg.errs[domain.IntentFacebookPost] = errors.New("graph API down")

	exec, st := newTestExecutor(t, domain.Classification{
		Intent:     domain.IntentFacebookPost,
		Parameters: map[string]string{"topic": "dogs"},
	}, reg)

	rec := exec.Execute(context.Background(), "post about dogs")
	if rec.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}

	posts, _ := st.RecentPosts(context.Background(), 1)
	if len(posts) != 1 || posts[0].Status != "failed" {
		t.Errorf("failed publish should still be recorded: %+v", posts)
	}
}

func TestExecute_HelpAndVoiceAreCanned(t *testing.T) {
	reg := newStubRegistry()

	exec, _ := newTestExecutor(t, domain.Classification{Intent: domain.IntentHelp}, reg)
	rec := exec.Execute(context.Background(), "help")
	if rec.Status != domain.StatusCompleted || rec.ResultText == "" {
		t.Errorf("help should complete with canned text, got %+v", rec)
	}

	exec2, _ := newTestExecutor(t, domain.Classification{Intent: domain.IntentVoiceTest}, reg)
	rec = exec2.Execute(context.Background(), "voice test")
	if rec.Status != domain.StatusCompleted {
		t.Errorf("voice test should complete, got %s", rec.Status)
	}
	if len(reg.calls) != 0 {
		t.Errorf("canned intents must not invoke any chain, got %v", reg.calls)
	}
}
