// Package server exposes the HTTP control surface: command submission,
// status, health, metrics, and the whatsapp webhook receiver.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"replybot/internal/channel"
	"replybot/internal/config"
	"replybot/internal/domain"
	"replybot/internal/metrics"
)

const maxBodySize = 1 << 20 // 1MB

// commandRunner is the slice of the executor the server needs.
type commandRunner interface {
	Execute(ctx context.Context, rawText string) domain.CommandRecord
}

// Server is the HTTP API. Every command submitted here runs through the same
// executor as CLI commands, so the audit trail is uniform.
type Server struct {
	cfg      config.APIConfig
	executor commandRunner
	commands domain.CommandStore
	ledger   domain.Ledger
	bus      domain.MessageBus
	whatsapp *channel.WhatsApp // nil when the channel is disabled

	whatsappPath string
	logger       *slog.Logger

	server *http.Server
}

type Config struct {
	API          config.APIConfig
	Executor     commandRunner
	Commands     domain.CommandStore
	Ledger       domain.Ledger
	Bus          domain.MessageBus
	WhatsApp     *channel.WhatsApp
	WhatsAppPath string
	Logger       *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.WhatsAppPath == "" {
		cfg.WhatsAppPath = "/webhooks/whatsapp"
	}
	return &Server{
		cfg:          cfg.API,
		executor:     cfg.Executor,
		commands:     cfg.Commands,
		ledger:       cfg.Ledger,
		bus:          cfg.Bus,
		whatsapp:     cfg.WhatsApp,
		whatsappPath: cfg.WhatsAppPath,
		logger:       cfg.Logger,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/command", s.auth(s.handleCommand))
	mux.HandleFunc("GET /api/status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Metrics {
		mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	}
	if s.whatsapp != nil {
		mux.HandleFunc("GET "+s.whatsappPath, s.handleWhatsAppVerify)
		mux.HandleFunc("POST "+s.whatsappPath, s.handleWhatsAppEvent)
	}
	mux.HandleFunc("POST /webhooks/inbound", s.handleGenericWebhook)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      150 * time.Second, // commands may wait on provider chains
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("API server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("API server: %w", err)
	}
}

// auth wraps a handler with optional basic auth.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.AuthUser == "" {
		return next
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AuthUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.AuthPassword)) != 1 {
			rw.Header().Set("WWW-Authenticate", `Basic realm="replybot"`)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	ID      string `json:"id"`
	Intent  string `json:"intent"`
	Status  string `json:"status"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func commandToResponse(rec domain.CommandRecord) commandResponse {
	return commandResponse{
		ID:      rec.ID,
		Intent:  string(rec.Intent),
		Status:  string(rec.Status),
		Success: rec.Status == domain.StatusCompleted,
		Message: rec.ResultText,
		Error:   rec.ErrorDetail,
	}
}

func (s *Server) handleCommand(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(rw, "command is required", http.StatusBadRequest)
		return
	}

	rec := s.executor.Execute(r.Context(), req.Command)
	writeJSON(rw, http.StatusOK, commandToResponse(rec))
}

type statusResponse struct {
	UptimeSeconds  int64             `json:"uptime_seconds"`
	CommandsToday  int               `json:"commands_today"`
	RepliesToday   int               `json:"replies_today"`
	PostsToday     int               `json:"posts_today"`
	RecentCommands []commandResponse `json:"recent_commands"`
	RecentReplies  []replySummary    `json:"recent_replies"`
	RecentPosts    []postSummary     `json:"recent_posts"`
}

type replySummary struct {
	Channel    string    `json:"channel"`
	Sender     string    `json:"sender"`
	SendStatus string    `json:"send_status"`
	CreatedAt  time.Time `json:"created_at"`
}

type postSummary struct {
	Platform  string    `json:"platform"`
	Topic     string    `json:"topic"`
	Status    string    `json:"status"`
	PostID    string    `json:"post_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.ledger.CountsForDay(ctx, time.Now())
	if err != nil {
		s.logger.Error("status: counts read failed", "error", err)
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	cmds, err := s.commands.RecentCommands(ctx, 10)
	if err != nil {
		s.logger.Error("status: commands read failed", "error", err)
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	replies, err := s.ledger.RecentReplies(ctx, 10)
	if err != nil {
		s.logger.Error("status: replies read failed", "error", err)
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	posts, err := s.ledger.RecentPosts(ctx, 10)
	if err != nil {
		s.logger.Error("status: posts read failed", "error", err)
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		UptimeSeconds:  int64(metrics.Collector.Uptime().Seconds()),
		CommandsToday:  counts.Commands,
		RepliesToday:   counts.Replies,
		PostsToday:     counts.Posts,
		RecentCommands: make([]commandResponse, 0, len(cmds)),
		RecentReplies:  make([]replySummary, 0, len(replies)),
		RecentPosts:    make([]postSummary, 0, len(posts)),
	}
	for _, c := range cmds {
		resp.RecentCommands = append(resp.RecentCommands, commandToResponse(c))
	}
	for _, rl := range replies {
		resp.RecentReplies = append(resp.RecentReplies, replySummary{
			Channel:    rl.Channel,
			Sender:     rl.Sender,
			SendStatus: string(rl.SendStatus),
			CreatedAt:  rl.CreatedAt,
		})
	}
	for _, p := range posts {
		resp.RecentPosts = append(resp.RecentPosts, postSummary{
			Platform:  p.Platform,
			Topic:     p.Topic,
			Status:    p.Status,
			PostID:    p.PlatformPostID,
			CreatedAt: p.CreatedAt,
		})
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWhatsAppVerify answers the Cloud API subscription handshake.
func (s *Server) handleWhatsAppVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.whatsapp.VerifyToken() {
		fmt.Fprint(rw, q.Get("hub.challenge"))
		return
	}
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// handleWhatsAppEvent publishes webhook messages onto the bus. The response
// is always 200 once the payload parses; Meta retries non-2xx deliveries and
// the dedup ledger already absorbs redelivery.
func (s *Server) handleWhatsAppEvent(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	msgs, err := s.whatsapp.ParseWebhook(body)
	if err != nil {
		s.logger.Warn("whatsapp webhook: malformed payload", "error", err)
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	for _, msg := range msgs {
		s.bus.Publish(msg)
	}
	rw.WriteHeader(http.StatusOK)
}

// genericWebhookPayload is the body for /webhooks/inbound: an arbitrary
// source injecting a message into the reply pipeline.
type genericWebhookPayload struct {
	Channel    string `json:"channel"`
	ExternalID string `json:"external_id"`
	Sender     string `json:"sender"`
	Body       string `json:"body"`
}

func (s *Server) handleGenericWebhook(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	if s.cfg.WebhookSecret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, s.cfg.WebhookSecret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload genericWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.Body == "" || payload.Channel == "" || payload.ExternalID == "" {
		http.Error(rw, "channel, external_id and body are required", http.StatusBadRequest)
		return
	}

	s.bus.Publish(domain.InboundMessage{
		Channel:    payload.Channel,
		ExternalID: payload.ExternalID,
		Sender:     payload.Sender,
		Body:       payload.Body,
		ReceivedAt: time.Now(),
	})

	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// verifyHMAC checks an HMAC-SHA256 body signature.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
