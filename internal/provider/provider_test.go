package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"replybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestOpenAICompat_Invoke(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		var req oaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hi!"}},
			},
		})
	}))
	defer ts.Close()

	p := NewOpenRouter(OpenAICompatConfig{APIKey: "test-key", APIBase: ts.URL, Logger: testLogger()})
	res, err := p.Invoke(context.Background(), domain.Params{"prompt": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hi!" {
		t.Errorf("unexpected text %q", res.Text)
	}
}

func TestOpenAICompat_EmptyPromptIsBadInput(t *testing.T) {
	p := NewDeepSeek(OpenAICompatConfig{APIKey: "k", Logger: testLogger()})
	_, err := p.Invoke(context.Background(), domain.Params{})
	if domain.KindOf(err) != domain.KindBadInput {
		t.Errorf("expected bad_input, got %v", err)
	}
	if domain.IsTransient(err) {
		t.Error("bad input must be permanent")
	}
}

func TestOpenAICompat_AuthErrorIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer ts.Close()

	p := NewOpenRouter(OpenAICompatConfig{APIKey: "bad", APIBase: ts.URL, Logger: testLogger()})
	_, err := p.Invoke(context.Background(), domain.Params{"prompt": "hello"})
	if domain.KindOf(err) != domain.KindAuth {
		t.Errorf("expected auth kind, got %v", err)
	}
	if domain.IsTransient(err) {
		t.Error("auth failure must stop the chain")
	}
}

func TestDoWithRetry_RecoversFrom5xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	resp, err := doWithRetry(context.Background(), ts.Client(), func() (*http.Request, error) {
		return http.NewRequestWithContext(context.Background(), "GET", ts.URL, nil)
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected eventual 200, got %d", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestDoWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := doWithRetry(context.Background(), ts.Client(), func() (*http.Request, error) {
		return http.NewRequestWithContext(context.Background(), "GET", ts.URL, nil)
	}, testLogger())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != int32(maxRetries)+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls.Load())
	}

	var re *retryableError
	if !errors.As(err, &re) {
		t.Errorf("expected retryableError in chain, got %v", err)
	}
	if domain.KindOf(classifyHTTPError("p", err)) != domain.KindUnavailable {
		t.Errorf("5xx should classify as unavailable")
	}
}

func TestClassifyHTTPError_RateLimit(t *testing.T) {
	err := classifyHTTPError("p", &retryableError{statusCode: http.StatusTooManyRequests})
	if domain.KindOf(err) != domain.KindRateLimited {
		t.Errorf("429 should classify as rate_limited, got %v", err)
	}
	if !domain.IsTransient(err) {
		t.Error("rate limit must be transient")
	}
}

func TestErrorFromStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   domain.ErrorKind
	}{
		{http.StatusUnauthorized, domain.KindAuth},
		{http.StatusForbidden, domain.KindAuth},
		{http.StatusTooManyRequests, domain.KindRateLimited},
		{http.StatusBadRequest, domain.KindBadInput},
		{http.StatusBadGateway, domain.KindUnavailable},
	}
	for _, tc := range cases {
		err := errorFromStatus("p", tc.status, nil)
		if domain.KindOf(err) != tc.kind {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.kind, domain.KindOf(err))
		}
	}
}
