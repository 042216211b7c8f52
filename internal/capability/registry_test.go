package capability

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"replybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type mockProvider struct {
	name  string
	text  string
	err   error
	calls int
}

func (m *mockProvider) Name() string                  { return m.name }
func (m *mockProvider) Capability() domain.Capability { return domain.CapabilityText }
func (m *mockProvider) Invoke(ctx context.Context, params domain.Params) (*domain.Result, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Result{Text: m.text}, nil
}

func transientErr(name string) error {
	return domain.NewCapabilityError(name, domain.KindUnavailable, errors.New("503"))
}

func TestInvoke_FirstProviderWins(t *testing.T) {
	reg := NewRegistry(testLogger())
	first := &mockProvider{name: "first", text: "hello"}
	second := &mockProvider{name: "second", text: "unused"}
	reg.Register(domain.IntentGeneralQuery, first)
	reg.Register(domain.IntentGeneralQuery, second)

	res, err := reg.Invoke(context.Background(), domain.IntentGeneralQuery, domain.Params{"prompt": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello" || res.Provider != "first" {
		t.Errorf("unexpected result: %+v", res)
	}
	if second.calls != 0 {
		t.Error("second provider should not be called")
	}
}

func TestInvoke_TransientAdvancesChain(t *testing.T) {
	reg := NewRegistry(testLogger())
	first := &mockProvider{name: "first", err: transientErr("first")}
	second := &mockProvider{name: "second", text: "fallback"}
	reg.Register(domain.IntentGeneralQuery, first)
	reg.Register(domain.IntentGeneralQuery, second)

	res, err := reg.Invoke(context.Background(), domain.IntentGeneralQuery, domain.Params{"prompt": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "second" {
		t.Errorf("expected fallback provider, got %s", res.Provider)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Errorf("unexpected call counts: first=%d second=%d", first.calls, second.calls)
	}
}

func TestInvoke_PermanentStopsChain(t *testing.T) {
	reg := NewRegistry(testLogger())
	first := &mockProvider{name: "first", err: domain.NewCapabilityError("first", domain.KindAuth, errors.New("401"))}
	second := &mockProvider{name: "second", text: "unused"}
	reg.Register(domain.IntentGeneralQuery, first)
	reg.Register(domain.IntentGeneralQuery, second)

	_, err := reg.Invoke(context.Background(), domain.IntentGeneralQuery, domain.Params{"prompt": "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if second.calls != 0 {
		t.Error("permanent failure should not advance the chain")
	}
}

func TestInvoke_ExhaustedChainListsEveryFailure(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(domain.IntentGeneralQuery, &mockProvider{name: "a", err: transientErr("a")})
	reg.Register(domain.IntentGeneralQuery, &mockProvider{name: "b", err: domain.NewCapabilityError("b", domain.KindRateLimited, errors.New("429"))})

	_, err := reg.Invoke(context.Background(), domain.IntentGeneralQuery, domain.Params{"prompt": "hi"})
	if err == nil {
		t.Fatal("expected error")
	}

	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("expected *ChainError, got %T", err)
	}
	if len(chainErr.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(chainErr.Failures))
	}
	msg := err.Error()
	if !strings.Contains(msg, "a: unavailable") || !strings.Contains(msg, "b: rate_limited") {
		t.Errorf("error should list each provider's failure kind, got %q", msg)
	}
}

func TestInvoke_NoChain(t *testing.T) {
	reg := NewRegistry(testLogger())

	_, err := reg.Invoke(context.Background(), domain.IntentCreateImage, domain.Params{"prompt": "cat"})
	if !errors.Is(err, domain.ErrCapabilityUnavailable) {
		t.Errorf("expected ErrCapabilityUnavailable, got %v", err)
	}
	if reg.Available(domain.IntentCreateImage) {
		t.Error("empty chain should not report available")
	}
}

func TestChainLayout_BuildSkipsUnknownProviders(t *testing.T) {
	reg := NewRegistry(testLogger())
	providers := map[string]domain.Provider{
		"known": &mockProvider{name: "known", text: "ok"},
	}
	layout := &ChainLayout{Chains: map[string][]string{
		"general_query": {"missing", "known"},
	}}
	layout.Build(reg, providers, testLogger())

	chain := reg.Chain(domain.IntentGeneralQuery)
	if len(chain) != 1 || chain[0].Name() != "known" {
		t.Errorf("expected only the known provider, got %d entries", len(chain))
	}
}
