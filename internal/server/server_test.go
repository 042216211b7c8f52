package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"replybot/internal/config"
	"replybot/internal/domain"
	"replybot/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type stubExecutor struct {
	lastText string
}

func (s *stubExecutor) Execute(ctx context.Context, rawText string) domain.CommandRecord {
	s.lastText = rawText
	return domain.CommandRecord{
		ID:         "cmd-1",
		RawText:    rawText,
		Intent:     domain.IntentGeneralQuery,
		Status:     domain.StatusCompleted,
		ResultText: "ok",
	}
}

type recordingBus struct {
	published []domain.InboundMessage
}

func (b *recordingBus) Publish(m domain.InboundMessage)         { b.published = append(b.published, m) }
func (b *recordingBus) Subscribe() <-chan domain.InboundMessage { return nil }
func (b *recordingBus) Close()                                  {}

func newTestServer(t *testing.T, api config.APIConfig) (*Server, *stubExecutor, *recordingBus) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	exec := &stubExecutor{}
	bus := &recordingBus{}
	srv := New(Config{
		API:      api,
		Executor: exec,
		Commands: st,
		Ledger:   st,
		Bus:      bus,
		Logger:   testLogger(),
	})
	return srv, exec, bus
}

func TestHandleCommand(t *testing.T) {
	srv, exec, _ := newTestServer(t, config.APIConfig{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/command", "application/json",
		strings.NewReader(`{"command":"how are you"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var body commandResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.Message != "ok" {
		t.Errorf("unexpected response: %+v", body)
	}
	for _, field := range []string{`"success"`, `"message"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("response body missing %s: %s", field, raw)
		}
	}
	if exec.lastText != "how are you" {
		t.Errorf("executor got %q", exec.lastText)
	}
}

func TestHandleCommand_RejectsEmptyCommand(t *testing.T) {
	srv, _, _ := newTestServer(t, config.APIConfig{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/command", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _, _ := newTestServer(t, config.APIConfig{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var body statusResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if body.RecentCommands == nil || body.RecentReplies == nil {
		t.Error("recent lists should be present even when empty")
	}
	for _, field := range []string{`"commands_today"`, `"replies_today"`, `"posts_today"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("status body missing %s: %s", field, raw)
		}
	}
}

func TestBasicAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, config.APIConfig{AuthUser: "admin", AuthPassword: "secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with credentials, got %d", resp.StatusCode)
	}

	// Health stays open.
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz should not require auth, got %d", resp.StatusCode)
	}
}

func TestGenericWebhook_PublishesToBus(t *testing.T) {
	srv, _, bus := newTestServer(t, config.APIConfig{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	payload := `{"channel":"sms","external_id":"x1","sender":"+1555","body":"call me back"}`
	resp, err := http.Post(ts.URL+"/webhooks/inbound", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if len(bus.published) != 1 || bus.published[0].ExternalID != "x1" {
		t.Errorf("message not published: %+v", bus.published)
	}
}

func TestGenericWebhook_HMAC(t *testing.T) {
	secret := "hook-secret"
	srv, _, bus := newTestServer(t, config.APIConfig{WebhookSecret: secret})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"channel":"sms","external_id":"x2","sender":"s","body":"hi"}`

	// Missing signature.
	resp, err := http.Post(ts.URL+"/webhooks/inbound", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", resp.StatusCode)
	}

	// Wrong signature.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/inbound", strings.NewReader(body))
	req.Header.Set("X-Signature-256", "sha256=deadbeef")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with bad signature, got %d", resp.StatusCode)
	}

	// Valid signature.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/webhooks/inbound", strings.NewReader(body))
	req.Header.Set("X-Signature-256", sig)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 with valid signature, got %d", resp.StatusCode)
	}
	if len(bus.published) != 1 {
		t.Errorf("expected exactly the signed message published, got %d", len(bus.published))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, config.APIConfig{Metrics: true})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "replybot_uptime_seconds") {
		t.Error("metrics output should include uptime")
	}
}
