package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cognoxlabs/sofia/internal/config"
)

// Bridge connects to a WhatsApp bridge via WebSocket. The bridge
// (e.g. whatsapp-web.js based) handles the actual WhatsApp protocol;
// this client just exchanges JSON frames over WS. Used by deployments
// without Cloud API access; inbound messages arrive on the socket
// instead of the HTTP webhook.
type Bridge struct {
	url       string
	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc

	// onMessage receives each inbound text; set before Start.
	onMessage func(InboundText)
}

// NewBridge creates a WhatsApp bridge client from config.
func NewBridge(cfg config.WhatsAppBridgeConfig, onMessage func(InboundText)) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("whatsapp bridge url is required")
	}
	return &Bridge{url: cfg.URL, onMessage: onMessage}, nil
}

func (b *Bridge) Name() string { return "whatsapp_bridge" }

// Start connects to the bridge WebSocket and begins listening.
func (b *Bridge) Start(ctx context.Context) error {
	slog.Info("starting whatsapp bridge", "url", b.url)

	b.ctx, b.cancel = context.WithCancel(ctx)

	if err := b.connect(); err != nil {
		// Don't fail hard — reconnect loop will keep trying
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go b.listenLoop()
	return nil
}

// Stop gracefully shuts down the bridge connection.
func (b *Bridge) Stop(_ context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.connected = false
	return nil
}

// Send delivers one text message through the bridge.
func (b *Bridge) Send(_ context.Context, destination, text string) error {
	return b.write(map[string]any{
		"type":    "message",
		"to":      destination,
		"content": text,
	})
}

// SetTyping toggles the composing indicator through the bridge.
func (b *Bridge) SetTyping(_ context.Context, destination string, on bool) error {
	return b.write(map[string]any{
		"type":  "typing",
		"to":    destination,
		"state": on,
	})
}

// MarkRead acknowledges an inbound message id through the bridge.
func (b *Bridge) MarkRead(_ context.Context, messageID string) error {
	return b.write(map[string]any{
		"type": "read",
		"id":   messageID,
	})
}

func (b *Bridge) write(payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal bridge frame: %w", err)
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send bridge frame: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (b *Bridge) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(b.url, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", b.url, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", b.url)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (b *Bridge) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-b.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := b.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}

			backoff = time.Second // reset on success
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp bridge read error, will reconnect", "error", err)

			b.mu.Lock()
			if b.conn != nil {
				_ = b.conn.Close()
				b.conn = nil
			}
			b.connected = false
			b.mu.Unlock()

			continue
		}

		var frame map[string]any
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}

		if frameType, _ := frame["type"].(string); frameType == "message" {
			b.handleIncoming(frame)
		}
	}
}

// handleIncoming forwards a bridge message frame to the pipeline.
// Expected format: {"type":"message","from":"...","content":"...","id":"...","from_name":"..."}
func (b *Bridge) handleIncoming(frame map[string]any) {
	sender, _ := frame["from"].(string)
	if sender == "" {
		return
	}
	content, _ := frame["content"].(string)
	if content == "" {
		return
	}
	messageID, _ := frame["id"].(string)
	fromName, _ := frame["from_name"].(string)

	if b.onMessage != nil {
		b.onMessage(InboundText{
			Sender:      sender,
			MessageID:   messageID,
			Text:        content,
			ProfileName: fromName,
		})
	}
}
