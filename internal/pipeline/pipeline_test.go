package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cognoxlabs/sofia/internal/convo"
)

// memStore is an in-memory convo.Store for pipeline tests.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]*convo.Conversation // by ID
	byKey         map[string]string              // key → ID
	messages      map[string][]convo.Message
	nextMsgID     int64
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]*convo.Conversation),
		byKey:         make(map[string]string),
		messages:      make(map[string][]convo.Message),
	}
}

func (m *memStore) GetOrCreate(_ context.Context, key string) (*convo.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[key]; ok {
		c := *m.conversations[id]
		return &c, nil
	}
	c := &convo.Conversation{
		ID:      uuid.NewString(),
		Key:     key,
		Status:  convo.StatusActive,
		Created: time.Now(),
		Updated: time.Now(),
	}
	m.conversations[c.ID] = c
	m.byKey[key] = c.ID
	copied := *c
	return &copied, nil
}

func (m *memStore) append(conversationID string, origin convo.Origin, content string, intent bool) (*convo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return nil, convo.ErrNotFound
	}
	m.nextMsgID++
	msg := convo.Message{
		ID:               m.nextMsgID,
		ConversationID:   conversationID,
		Seq:              len(m.messages[conversationID]) + 1,
		Origin:           origin,
		Content:          content,
		SchedulingIntent: intent,
		Created:          time.Now(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return &msg, nil
}

func (m *memStore) AppendInbound(_ context.Context, conversationID, content string, intent bool) (*convo.Message, error) {
	return m.append(conversationID, convo.OriginInbound, content, intent)
}

func (m *memStore) AppendOutbound(_ context.Context, conversationID, content string) (*convo.Message, error) {
	return m.append(conversationID, convo.OriginOutbound, content, false)
}

func (m *memStore) History(_ context.Context, conversationID string, limit int) ([]convo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]convo.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *memStore) MessageCount(_ context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[conversationID]), nil
}

func (m *memStore) SetDisplayName(_ context.Context, conversationID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return convo.ErrNotFound
	}
	c.DisplayName = name
	return nil
}

func (m *memStore) SetStatus(_ context.Context, conversationID string, status convo.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return convo.ErrNotFound
	}
	c.Status = status
	return nil
}

func (m *memStore) List(_ context.Context) ([]convo.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []convo.Conversation
	for _, c := range m.conversations {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func newTestPipeline(store convo.Store, p *fakeProvider, ch *fakeChannel) *Pipeline {
	orch := newTestOrchestrator(p, nil)
	orch.now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }
	return New(store, orch, newTestDeliverer(ch, 1), ch, 5, false)
}

func TestProcessTurnFirstContact(t *testing.T) {
	store := newMemStore()
	ch := newFakeChannel()
	p := &fakeProvider{reply: "should not be used on first turn"}
	pipe := newTestPipeline(store, p, ch)

	pipe.ProcessTurn(context.Background(), Inbound{
		Sender:      "5511999",
		MessageID:   "wamid.1",
		Text:        "Oi",
		ProfileName: "Maria",
	})

	// Greeting is a deterministic morning salutation addressing Maria.
	if len(ch.sent) == 0 {
		t.Fatal("no bubbles delivered")
	}
	if got := ch.sent[0]; !strings.HasPrefix(got, "Bom dia") {
		t.Errorf("first bubble = %q, want a morning greeting", got)
	}

	conversation, _ := store.GetOrCreate(context.Background(), "5511999")
	if conversation.DisplayName != "Maria" {
		t.Errorf("display name = %q, want Maria", conversation.DisplayName)
	}

	history, _ := store.History(context.Background(), conversation.ID, 0)
	if len(history) != 1+len(ch.sent) {
		t.Fatalf("history has %d messages, want inbound + %d bubbles", len(history), len(ch.sent))
	}
	if history[0].Origin != convo.OriginInbound || history[0].Content != "Oi" {
		t.Errorf("history[0] = %+v, want the inbound message", history[0])
	}
	for i, msg := range history {
		if msg.Seq != i+1 {
			t.Errorf("history[%d].Seq = %d, want %d (gapless)", i, msg.Seq, i+1)
		}
	}
}

func TestProcessTurnContinuingUsesProvider(t *testing.T) {
	store := newMemStore()
	ch := newFakeChannel()
	p := &fakeProvider{reply: "Primeira parte.\n\nSegunda parte."}
	pipe := newTestPipeline(store, p, ch)

	pipe.ProcessTurn(context.Background(), Inbound{Sender: "5511999", MessageID: "wamid.1", Text: "Oi"})
	ch.mu.Lock()
	ch.sent = nil
	ch.mu.Unlock()

	pipe.ProcessTurn(context.Background(), Inbound{Sender: "5511999", MessageID: "wamid.2", Text: "Me conta mais"})

	if len(ch.sent) != 2 {
		t.Fatalf("delivered %d bubbles, want 2: %v", len(ch.sent), ch.sent)
	}
	if ch.sent[0] != "Primeira parte." || ch.sent[1] != "Segunda parte." {
		t.Errorf("bubbles = %v", ch.sent)
	}
}

func TestProcessTurnPersistsOnlyDeliveredBubbles(t *testing.T) {
	store := newMemStore()
	ch := newFakeChannel()
	ch.failNext["Segunda parte."] = 10
	p := &fakeProvider{reply: "Primeira parte.\n\nSegunda parte.\n\nTerceira parte."}
	pipe := newTestPipeline(store, p, ch)

	pipe.ProcessTurn(context.Background(), Inbound{Sender: "5511999", MessageID: "wamid.1", Text: "Oi"})
	pipe.ProcessTurn(context.Background(), Inbound{Sender: "5511999", MessageID: "wamid.2", Text: "continua"})

	conversation, _ := store.GetOrCreate(context.Background(), "5511999")
	history, _ := store.History(context.Background(), conversation.ID, 0)

	var outbound []string
	for _, m := range history {
		if m.Origin == convo.OriginOutbound {
			outbound = append(outbound, m.Content)
		}
	}
	for _, content := range outbound {
		if content == "Segunda parte." || content == "Terceira parte." {
			t.Errorf("undelivered bubble %q was persisted", content)
		}
	}
	found := false
	for _, content := range outbound {
		if content == "Primeira parte." {
			found = true
		}
	}
	if !found {
		t.Error("delivered bubble was not persisted")
	}
}

func TestProcessTurnDeliversFallbackOnProviderError(t *testing.T) {
	store := newMemStore()
	ch := newFakeChannel()
	p := &fakeProvider{err: errors.New("upstream down")}
	pipe := newTestPipeline(store, p, ch)

	// First contact greets deterministically; seed it so the next turn
	// actually reaches the provider.
	pipe.ProcessTurn(context.Background(), Inbound{Sender: "5511999", MessageID: "wamid.1", Text: "Oi"})
	ch.mu.Lock()
	ch.sent = nil
	ch.mu.Unlock()

	pipe.ProcessTurn(context.Background(), Inbound{Sender: "5511999", MessageID: "wamid.2", Text: "Me conta mais"})

	if len(ch.sent) != 1 || ch.sent[0] != defaultFallback {
		t.Fatalf("delivered %v, want the fallback bubble", ch.sent)
	}

	conversation, _ := store.GetOrCreate(context.Background(), "5511999")
	history, _ := store.History(context.Background(), conversation.ID, 0)
	last := history[len(history)-1]
	if last.Origin != convo.OriginOutbound || last.Content != defaultFallback {
		t.Errorf("last message = %+v, want the persisted fallback", last)
	}
}

func TestProcessTurnReopensClosedConversation(t *testing.T) {
	store := newMemStore()
	ch := newFakeChannel()
	pipe := newTestPipeline(store, &fakeProvider{reply: "oi de novo"}, ch)

	pipe.ProcessTurn(context.Background(), Inbound{Sender: "5511999", MessageID: "wamid.1", Text: "Oi"})
	conversation, _ := store.GetOrCreate(context.Background(), "5511999")
	if err := store.SetStatus(context.Background(), conversation.ID, convo.StatusClosed); err != nil {
		t.Fatal(err)
	}

	pipe.ProcessTurn(context.Background(), Inbound{Sender: "5511999", MessageID: "wamid.2", Text: "voltei"})

	conversation, _ = store.GetOrCreate(context.Background(), "5511999")
	if conversation.Status != convo.StatusActive {
		t.Errorf("status = %q, want active after inbound message", conversation.Status)
	}
}

func TestProcessTurnKeepsExistingDisplayName(t *testing.T) {
	store := newMemStore()
	ch := newFakeChannel()
	pipe := newTestPipeline(store, &fakeProvider{reply: "ok"}, ch)

	pipe.ProcessTurn(context.Background(), Inbound{Sender: "5511999", MessageID: "wamid.1", Text: "Oi", ProfileName: "Maria"})
	pipe.ProcessTurn(context.Background(), Inbound{Sender: "5511999", MessageID: "wamid.2", Text: "de novo", ProfileName: "Other Name"})

	conversation, _ := store.GetOrCreate(context.Background(), "5511999")
	if conversation.DisplayName != "Maria" {
		t.Errorf("display name = %q, want the first learned name", conversation.DisplayName)
	}
}

func ExampleFragment() {
	for _, bubble := range Fragment("Oi!\n\nComo posso ajudar?", 5) {
		fmt.Println(bubble)
	}
	// Output:
	// Oi!
	// Como posso ajudar?
}
