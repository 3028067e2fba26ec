// Package whatsapp provides two WhatsApp transports: the Meta Cloud
// API (Graph HTTP calls plus inbound webhook) and a whatsapp-web.js
// style WebSocket bridge.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cognoxlabs/sofia/internal/config"
)

// CloudClient sends messages through the Meta WhatsApp Cloud API.
type CloudClient struct {
	apiBase       string
	phoneNumberID string
	accessToken   string
	client        *http.Client
	limiter       *rate.Limiter

	// destination → last inbound wamid, needed because the Cloud API
	// attaches the typing indicator to a mark-read call.
	lastInbound sync.Map
}

// NewCloudClient creates a Cloud API client from config.
func NewCloudClient(cfg config.WhatsAppConfig) (*CloudClient, error) {
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp phone_number_id is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("whatsapp access token is required")
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = "https://graph.facebook.com/v19.0"
	}
	rps := cfg.SendRPS
	if rps <= 0 {
		rps = 10
	}
	return &CloudClient{
		apiBase:       strings.TrimRight(apiBase, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
		client:        &http.Client{Timeout: 30 * time.Second},
		limiter:       rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (c *CloudClient) Name() string { return "whatsapp" }

// Send delivers one text message to a phone number.
func (c *CloudClient) Send(ctx context.Context, destination, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("whatsapp send rate wait: %w", err)
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                destination,
		"type":              "text",
		"text":              map[string]any{"body": text},
	}
	return c.post(ctx, payload)
}

// SetTyping toggles the composing indicator. The Cloud API expresses
// typing as part of a read receipt for the last inbound message, and
// clears it automatically on send or after ~25s, so off is a no-op.
func (c *CloudClient) SetTyping(ctx context.Context, destination string, on bool) error {
	if !on {
		return nil
	}
	wamid, ok := c.lastInbound.Load(destination)
	if !ok {
		return nil
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        wamid,
		"typing_indicator":  map[string]any{"type": "text"},
	}
	return c.post(ctx, payload)
}

// MarkRead acknowledges an inbound message id.
func (c *CloudClient) MarkRead(ctx context.Context, messageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	return c.post(ctx, payload)
}

// NoteInbound records the latest inbound wamid per sender; the webhook
// handler calls this so SetTyping has a message to attach to.
func (c *CloudClient) NoteInbound(sender, messageID string) {
	c.lastInbound.Store(sender, messageID)
}

func (c *CloudClient) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp marshal: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.apiBase, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		slog.Debug("whatsapp api error body", "status", resp.StatusCode, "body", string(detail))
		return fmt.Errorf("whatsapp api: status %d", resp.StatusCode)
	}
	return nil
}
