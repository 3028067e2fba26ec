package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cognoxlabs/sofia/internal/config"
	"github.com/cognoxlabs/sofia/internal/convo"
	"github.com/cognoxlabs/sofia/internal/pipeline"
)

// stubStore serves canned data for the read endpoints.
type stubStore struct {
	conversations []convo.Conversation
	messages      map[string][]convo.Message
}

func (s *stubStore) GetOrCreate(context.Context, string) (*convo.Conversation, error) {
	return nil, convo.ErrNotFound
}
func (s *stubStore) AppendInbound(context.Context, string, string, bool) (*convo.Message, error) {
	return nil, convo.ErrNotFound
}
func (s *stubStore) AppendOutbound(context.Context, string, string) (*convo.Message, error) {
	return nil, convo.ErrNotFound
}
func (s *stubStore) History(_ context.Context, id string, limit int) ([]convo.Message, error) {
	msgs := s.messages[id]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}
func (s *stubStore) MessageCount(context.Context, string) (int, error)     { return 0, nil }
func (s *stubStore) SetDisplayName(context.Context, string, string) error  { return nil }
func (s *stubStore) SetStatus(context.Context, string, convo.Status) error { return nil }
func (s *stubStore) List(context.Context) ([]convo.Conversation, error) {
	return s.conversations, nil
}
func (s *stubStore) Close() error { return nil }

type turnRecorder struct {
	mu    sync.Mutex
	turns []pipeline.Inbound
}

func (r *turnRecorder) process(_ context.Context, in pipeline.Inbound) {
	r.mu.Lock()
	r.turns = append(r.turns, in)
	r.mu.Unlock()
}

func (r *turnRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

func newTestServer(t *testing.T, store *stubStore) (*Server, *turnRecorder) {
	t.Helper()
	cfg := config.Default()
	cfg.Channel.WhatsApp.VerifyToken = "valid-token"
	if store == nil {
		store = &stubStore{messages: map[string][]convo.Message{}}
	}

	rec := &turnRecorder{}
	dispatcher := pipeline.NewDispatcher(pipeline.NewSerializer(16), rec.process)
	return NewServer(cfg, dispatcher, store, nil, nil), rec
}

func TestWebhookVerifyHandshake(t *testing.T) {
	server, _ := newTestServer(t, nil)
	mux := server.BuildMux()

	t.Run("valid token echoes challenge", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/webhook?hub.mode=subscribe&hub.verify_token=valid-token&hub.challenge=1158201444", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if w.Body.String() != "1158201444" {
			t.Errorf("body = %q, want the raw challenge", w.Body.String())
		}
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=123", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("missing mode rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/webhook?hub.verify_token=valid-token&hub.challenge=123", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})
}

const webhookEvent = `{
  "object": "whatsapp_business_account",
  "entry": [{"changes": [{"value": {
    "contacts": [{"profile": {"name": "Maria"}, "wa_id": "5511999887766"}],
    "messages": [{"from": "5511999887766", "id": "wamid.1", "type": "text", "text": {"body": "Oi"}}]
  }}]}]
}`

func TestWebhookEventAcknowledgedAndQueued(t *testing.T) {
	server, rec := newTestServer(t, nil)
	mux := server.BuildMux()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookEvent))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("processed %d turns, want 1", rec.count())
	}
	rec.mu.Lock()
	in := rec.turns[0]
	rec.mu.Unlock()
	if in.Sender != "5511999887766" || in.Text != "Oi" || in.ProfileName != "Maria" {
		t.Errorf("inbound = %+v", in)
	}
}

func TestWebhookRedeliveryStillAcknowledged(t *testing.T) {
	server, rec := newTestServer(t, nil)
	mux := server.BuildMux()

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookEvent))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d, want 200", i, w.Code)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("processed %d turns, want 1 (duplicate dropped)", rec.count())
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	server, _ := newTestServer(t, nil)
	mux := server.BuildMux()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{broken"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t, nil)
	mux := server.BuildMux()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestListConversations(t *testing.T) {
	store := &stubStore{
		conversations: []convo.Conversation{
			{ID: "c1", Key: "5511999887766", DisplayName: "Maria", Status: convo.StatusActive},
		},
		messages: map[string][]convo.Message{
			"c1": {
				{ID: 1, ConversationID: "c1", Seq: 1, Origin: convo.OriginInbound, Content: "Oi"},
				{ID: 2, ConversationID: "c1", Seq: 2, Origin: convo.OriginOutbound, Content: "Bom dia!"},
			},
		},
	}
	server, _ := newTestServer(t, store)
	mux := server.BuildMux()

	t.Run("list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var body struct {
			Conversations []convo.Conversation `json:"conversations"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Conversations) != 1 || body.Conversations[0].Key != "5511999887766" {
			t.Errorf("conversations = %+v", body.Conversations)
		}
	})

	t.Run("messages", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversations/c1/messages?limit=1", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var body struct {
			Messages []convo.Message `json:"messages"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Messages) != 1 || body.Messages[0].Content != "Bom dia!" {
			t.Errorf("messages = %+v", body.Messages)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversations/c1/messages?limit=banana", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}
