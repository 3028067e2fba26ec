package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/cognoxlabs/sofia/internal/channels"
	"github.com/cognoxlabs/sofia/internal/channels/whatsapp"
	"github.com/cognoxlabs/sofia/internal/pipeline"
)

// maxWebhookBody caps the request body we read; Cloud API payloads
// are far smaller than this.
const maxWebhookBody = 1 << 20

// handleWebhookVerify answers Meta's subscription handshake: echo
// hub.challenge when the mode and token match, 403 otherwise.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token != "" && token == s.cfg.Channel.WhatsApp.VerifyToken {
		slog.Info("webhook verified")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}
	slog.Warn("webhook verification rejected", "mode", mode)
	http.Error(w, "verification failed", http.StatusForbidden)
}

// handleWebhookEvent ingests Cloud API events. It always acknowledges
// with 200 once the payload parses — Meta retries non-2xx responses,
// and processing happens asynchronously anyway.
func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	inbound, err := whatsapp.ParseWebhook(body)
	if err != nil {
		slog.Warn("malformed webhook payload", "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	for _, msg := range inbound {
		if !s.limiter.Allow(msg.Sender) {
			slog.Warn("webhook sender rate limited", "sender", msg.Sender)
			continue
		}
		if s.noteInbound != nil {
			s.noteInbound(msg.Sender, msg.MessageID)
		}
		text := msg.Text
		if max := s.cfg.Server.MaxMessageChars; max > 0 {
			text = channels.Truncate(text, max)
		}
		// The turn outlives this request; detach from its cancellation.
		s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), pipeline.Inbound{
			Sender:      msg.Sender,
			MessageID:   msg.MessageID,
			Text:        text,
			ProfileName: msg.ProfileName,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
