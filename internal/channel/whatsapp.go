package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"replybot/internal/domain"
)

const defaultGraphBase = "https://graph.facebook.com/v19.0"

// WhatsApp is a push channel fed by Cloud API webhooks. The HTTP server
// parses incoming payloads through ParseWebhook and publishes the messages;
// replies go out through the Graph send endpoint.
type WhatsApp struct {
	apiBase       string
	accessToken   string
	verifyToken   string
	phoneNumberID string
	httpClient    *http.Client
	logger        *slog.Logger

	mu      sync.Mutex
	senders map[string]string // external id -> sender phone number
}

type WhatsAppConfig struct {
	APIBase       string
	AccessToken   string
	VerifyToken   string
	PhoneNumberID string
	Logger        *slog.Logger
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultGraphBase
	}
	return &WhatsApp{
		apiBase:       cfg.APIBase,
		accessToken:   cfg.AccessToken,
		verifyToken:   cfg.VerifyToken,
		phoneNumberID: cfg.PhoneNumberID,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        cfg.Logger,
		senders:       make(map[string]string),
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// VerifyToken is the value Meta echoes during webhook subscription.
func (w *WhatsApp) VerifyToken() string { return w.verifyToken }

// FetchNew always returns nothing; whatsapp delivers through its webhook.
func (w *WhatsApp) FetchNew(ctx context.Context, after domain.Checkpoint) ([]domain.InboundMessage, error) {
	return nil, nil
}

// StartPush is a no-op: delivery happens through the HTTP webhook, which the
// server wires to ParseWebhook and the bus.
func (w *WhatsApp) StartPush(ctx context.Context, bus domain.MessageBus) error {
	return nil
}

// webhookPayload is the Cloud API envelope, pared down to text messages.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts text messages from a webhook body. Meta retries
// deliveries, so the same message id can appear more than once; the dedup
// ledger downstream absorbs that.
func (w *WhatsApp) ParseWebhook(body []byte) ([]domain.InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	var out []domain.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string)
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.Type != "text" || m.Text.Body == "" {
					continue
				}

				w.mu.Lock()
				w.senders[m.ID] = m.From
				w.mu.Unlock()

				secs, _ := strconv.ParseInt(m.Timestamp, 10, 64)
				sender := names[m.From]
				if sender == "" {
					sender = m.From
				}
				out = append(out, domain.InboundMessage{
					Channel:    w.Name(),
					ExternalID: m.ID,
					Sender:     sender,
					Body:       m.Text.Body,
					Position:   positionFromMillis(secs * 1000),
					ReceivedAt: time.Unix(secs, 0),
				})
			}
		}
	}
	return out, nil
}

func (w *WhatsApp) SendReply(ctx context.Context, ref domain.MessageRef, text string) error {
	w.mu.Lock()
	to, ok := w.senders[ref.ExternalID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("no sender on record for message %s", ref.ExternalID)
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
		"context":           map[string]string{"message_id": ref.ExternalID},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/messages", w.apiBase, w.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+w.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("whatsapp send status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return nil
}
