// Package webhook runs a pull whenever GitHub reports a push to the mirrored
// repository.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/schaermu/ugit/internal/activation"
	"github.com/schaermu/ugit/internal/config"
)

// Puller runs one complete pull.
type Puller interface {
	Pull(ctx context.Context) error
}

// PullFunc adapts a function to the Puller interface.
type PullFunc func(ctx context.Context) error

// Pull calls f(ctx).
func (f PullFunc) Pull(ctx context.Context) error {
	return f(ctx)
}

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server implements the webhook HTTP server
type Server struct {
	cfg         config.ServeConfig
	puller      Puller
	logger      *zap.Logger
	secret      []byte
	baseCtx     context.Context
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a pull is currently in progress
	syncPending bool       // whether another pull is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg config.ServeConfig, puller Puller, logger *zap.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.GitHubWebhookSecretFile)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		cfg:      cfg,
		puller:   puller,
		logger:   logger,
		secret:   secret,
		baseCtx:  context.Background(),
		debounce: &debouncer{delay: 2 * time.Second},
	}, nil
}

// Start starts the webhook HTTP server, performing an initial pull first.
// A socket passed by systemd is used instead of listen_addr when present.
// Pulls triggered by webhooks inherit ctx, so cancelling it also interrupts
// a pull in progress.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial pull before starting webhook server")
	s.performSync(ctx)

	listener, err := activation.Listen(s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", zap.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", zap.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", zap.String("content_type", contentType))
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", zap.Error(err))
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", zap.String("event", eventType))

	if eventType == "ping" {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", zap.String("event", eventType))
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", zap.Error(err))
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", zap.String("ref", event.Ref))
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		zap.String("event", eventType),
		zap.String("ref", event.Ref),
		zap.String("commit", event.After),
		zap.String("repo", event.Repository.FullName))

	ctx := s.baseCtx
	s.debounce.trigger(func() {
		s.performSync(ctx)
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.AllowedEventTypes) == 0 {
		return eventType == "push"
	}

	for _, allowed := range s.cfg.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.AllowedRefs) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}

// performSync runs a pull with single-flight semantics. If a pull is already
// in progress, at most one additional run is queued; further concurrent
// requests are dropped.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("pull already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing pull")

		if err := s.puller.Pull(ctx); err != nil {
			s.logger.Error("pull failed", zap.Error(err))
		} else {
			s.logger.Info("pull completed successfully")
		}

		s.syncMu.Lock()
		if !s.syncPending || ctx.Err() != nil {
			s.syncPending = false
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running pull due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback that has not fired yet.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
