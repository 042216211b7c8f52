// Package channel implements inbound message sources: polled (email,
// telegram, slack) and pushed (whatsapp webhooks, discord gateway). Each
// adapter normalizes its native cursor into a lexicographically sortable
// position token for the checkpoint store.
package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"replybot/internal/domain"
)

const (
	defaultGmailBase  = "https://gmail.googleapis.com/gmail/v1"
	defaultEmailQuery = "is:unread"
)

// Email polls a Gmail-style REST mailbox. The position token is the
// message's internal date in milliseconds, zero-padded so string comparison
// matches time order.
type Email struct {
	apiBase    string
	token      string
	query      string
	maxResults int
	httpClient *http.Client
	logger     *slog.Logger

	mu   sync.Mutex
	meta map[string]emailMeta // external id -> reply routing info
}

type emailMeta struct {
	From      string
	Subject   string
	MessageID string // RFC 2822 Message-ID header, for threading
	ThreadID  string
}

type EmailConfig struct {
	APIBase     string
	AccessToken string
	Query       string
	MaxResults  int
	Logger      *slog.Logger
}

func NewEmail(cfg EmailConfig) *Email {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultGmailBase
	}
	if cfg.Query == "" {
		cfg.Query = defaultEmailQuery
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	return &Email{
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		token:      cfg.AccessToken,
		query:      cfg.Query,
		maxResults: cfg.MaxResults,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     cfg.Logger,
		meta:       make(map[string]emailMeta),
	}
}

func (e *Email) Name() string { return "email" }

type gmailListResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type gmailMessage struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"` // epoch millis as string
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		Body struct {
			Data string `json:"data"`
		} `json:"body"`
		Parts []struct {
			MimeType string `json:"mimeType"`
			Body     struct {
				Data string `json:"data"`
			} `json:"body"`
		} `json:"parts"`
	} `json:"payload"`
}

func (m *gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// bodyText returns the plain-text body, falling back to the snippet.
func (m *gmailMessage) bodyText() string {
	decode := func(data string) string {
		b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
		if err != nil {
			return ""
		}
		return string(b)
	}
	if m.Payload.Body.Data != "" {
		if s := decode(m.Payload.Body.Data); s != "" {
			return s
		}
	}
	for _, part := range m.Payload.Parts {
		if part.MimeType == "text/plain" && part.Body.Data != "" {
			if s := decode(part.Body.Data); s != "" {
				return s
			}
		}
	}
	return m.Snippet
}

func (e *Email) FetchNew(ctx context.Context, after domain.Checkpoint) ([]domain.InboundMessage, error) {
	q := url.Values{}
	q.Set("q", e.query)
	q.Set("maxResults", strconv.Itoa(e.maxResults))

	var list gmailListResponse
	err := e.getJSON(ctx, e.apiBase+"/users/me/messages?"+q.Encode(), &list)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var out []domain.InboundMessage
	for _, entry := range list.Messages {
		var msg gmailMessage
		if err := e.getJSON(ctx, e.apiBase+"/users/me/messages/"+entry.ID+"?format=full", &msg); err != nil {
			return nil, fmt.Errorf("get message %s: %w", entry.ID, err)
		}

		millis, _ := strconv.ParseInt(msg.InternalDate, 10, 64)
		pos := positionFromMillis(millis)
		if after.Position != "" && pos <= after.Position {
			continue
		}

		from := msg.header("From")
		subject := msg.header("Subject")
		e.mu.Lock()
		e.meta[msg.ID] = emailMeta{
			From:      from,
			Subject:   subject,
			MessageID: msg.header("Message-ID"),
			ThreadID:  msg.ThreadID,
		}
		e.mu.Unlock()

		out = append(out, domain.InboundMessage{
			Channel:    e.Name(),
			ExternalID: msg.ID,
			Sender:     from,
			Subject:    subject,
			Body:       msg.bodyText(),
			Position:   pos,
			ReceivedAt: time.UnixMilli(millis),
		})
	}
	return out, nil
}

// SendReply sends a threaded RFC 822 reply and marks the original as read.
func (e *Email) SendReply(ctx context.Context, ref domain.MessageRef, text string) error {
	e.mu.Lock()
	meta, ok := e.meta[ref.ExternalID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no routing info for message %s, refetch required", ref.ExternalID)
	}

	subject := meta.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	var raw strings.Builder
	fmt.Fprintf(&raw, "To: %s\r\n", meta.From)
	fmt.Fprintf(&raw, "Subject: %s\r\n", subject)
	if meta.MessageID != "" {
		fmt.Fprintf(&raw, "In-Reply-To: %s\r\n", meta.MessageID)
		fmt.Fprintf(&raw, "References: %s\r\n", meta.MessageID)
	}
	raw.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	raw.WriteString(text)

	body := map[string]string{
		"raw":      base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(raw.String())),
		"threadId": meta.ThreadID,
	}
	if err := e.postJSON(ctx, e.apiBase+"/users/me/messages/send", body, nil); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	// Best-effort: a failure here only means the message stays unread.
	modify := map[string]any{"removeLabelIds": []string{"UNREAD"}}
	if err := e.postJSON(ctx, e.apiBase+"/users/me/messages/"+ref.ExternalID+"/modify", modify, nil); err != nil {
		e.logger.Warn("failed to mark email as read", "id", ref.ExternalID, "error", err)
	}
	return nil
}

func (e *Email) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return e.do(req, out)
}

func (e *Email) postJSON(ctx context.Context, rawURL string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(req, out)
}

func (e *Email) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+e.token)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail API status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode mail API response: %w", err)
		}
	}
	return nil
}

// positionFromMillis zero-pads epoch milliseconds to a fixed width so string
// order equals time order.
func positionFromMillis(millis int64) string {
	return fmt.Sprintf("%015d", millis)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
