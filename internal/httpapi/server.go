// Package httpapi exposes the webhook listener and the admin read API.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cognoxlabs/sofia/internal/channels"
	"github.com/cognoxlabs/sofia/internal/config"
	"github.com/cognoxlabs/sofia/internal/convo"
	"github.com/cognoxlabs/sofia/internal/pipeline"
	"github.com/cognoxlabs/sofia/internal/scheduling"
)

// Server is the HTTP front of the gateway: the channel webhook plus
// read-only endpoints for inspecting conversations.
type Server struct {
	cfg        *config.Config
	dispatcher *pipeline.Dispatcher
	store      convo.Store
	slots      scheduling.Source // nil when scheduling is disabled
	limiter    *channels.WebhookRateLimiter

	// noteInbound lets the WhatsApp Cloud channel track the last
	// inbound message ID per sender for typing indicators. Nil for
	// other channels.
	noteInbound func(sender, messageID string)

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the HTTP server. noteInbound may be nil.
func NewServer(cfg *config.Config, d *pipeline.Dispatcher, store convo.Store, slots scheduling.Source, noteInbound func(sender, messageID string)) *Server {
	return &Server{
		cfg:         cfg,
		dispatcher:  d,
		store:       store,
		slots:       slots,
		limiter:     channels.NewWebhookRateLimiter(),
		noteInbound: noteInbound,
	}
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.cfg.Channel.Type == "whatsapp" {
		mux.HandleFunc("GET /webhook", s.handleWebhookVerify)
		mux.HandleFunc("POST /webhook", s.handleWebhookEvent)
	}

	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleConversationMessages)
	if s.slots != nil {
		mux.HandleFunc("GET /v1/scheduling/slots", s.handleSchedulingSlots)
	}

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("http server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
