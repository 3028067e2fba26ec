package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cognoxlabs/sofia/internal/config"
	"github.com/cognoxlabs/sofia/internal/convo"
	"github.com/cognoxlabs/sofia/internal/providers"
	"github.com/cognoxlabs/sofia/internal/scheduling"
)

type fakeProvider struct {
	reply   string
	err     error
	lastReq providers.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &providers.ChatResponse{Content: f.reply}, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

type fakeSlots struct{ slots []string }

func (f *fakeSlots) AvailableSlots(context.Context) ([]string, error) {
	return f.slots, nil
}

func testAgent() config.AgentConfig {
	return config.AgentConfig{
		Name:     "Sofia",
		Company:  "Cognox.ai",
		Timezone: "UTC",
	}
}

func newTestOrchestrator(p providers.Provider, slots *fakeSlots) *Orchestrator {
	var src scheduling.Source
	if slots != nil {
		src = slots
	}
	return NewOrchestrator(p, src, testAgent(), "", 5*time.Second)
}

func TestGreetingTimeOfDay(t *testing.T) {
	tests := []struct {
		name string
		hour int
		want string
	}{
		{"early morning boundary", 5, "Bom dia"},
		{"late morning", 11, "Bom dia"},
		{"noon", 12, "Boa tarde"},
		{"late afternoon", 17, "Boa tarde"},
		{"evening", 18, "Boa noite"},
		{"midnight", 0, "Boa noite"},
		{"before dawn", 4, "Boa noite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(&fakeProvider{}, nil)
			o.now = func() time.Time {
				return time.Date(2026, 3, 10, tt.hour, 30, 0, 0, time.UTC)
			}
			got := o.Reply(context.Background(), nil, "", true, false)
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("greeting = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestGreetingIsDeterministicAndAsksOneQuestion(t *testing.T) {
	o := newTestOrchestrator(&fakeProvider{err: errors.New("must not be called")}, nil)
	o.now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }

	a := o.Reply(context.Background(), nil, "Maria", true, false)
	b := o.Reply(context.Background(), nil, "Maria", true, false)
	if a != b {
		t.Error("greeting is not deterministic")
	}
	if !strings.Contains(a, "Maria") {
		t.Errorf("greeting %q does not address the user by name", a)
	}
	if !strings.Contains(a, "Sofia") || !strings.Contains(a, "Cognox.ai") {
		t.Errorf("greeting %q missing introduction", a)
	}
	if strings.Count(a, "?") > 1 {
		t.Errorf("greeting asks more than one question: %q", a)
	}
}

func TestReplyUsesProviderForContinuingTurns(t *testing.T) {
	p := &fakeProvider{reply: "Claro, posso ajudar."}
	o := newTestOrchestrator(p, nil)

	history := []convo.Message{
		{Origin: convo.OriginInbound, Content: "oi"},
		{Origin: convo.OriginOutbound, Content: "Bom dia!"},
		{Origin: convo.OriginInbound, Content: "preciso de ajuda"},
	}
	got := o.Reply(context.Background(), history, "Maria", false, false)
	if got != "Claro, posso ajudar." {
		t.Errorf("reply = %q", got)
	}

	msgs := p.lastReq.Messages
	if len(msgs) != 4 {
		t.Fatalf("provider got %d messages, want system + 3 history", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Errorf("first message role = %q, want system", msgs[0].Role)
	}
	wantRoles := []string{"user", "assistant", "user"}
	for i, want := range wantRoles {
		if msgs[i+1].Role != want {
			t.Errorf("message %d role = %q, want %q", i+1, msgs[i+1].Role, want)
		}
	}
}

func TestReplyFallsBackOnProviderError(t *testing.T) {
	o := newTestOrchestrator(&fakeProvider{err: errors.New("upstream down")}, nil)

	history := []convo.Message{{Origin: convo.OriginInbound, Content: "oi"}}
	got := o.Reply(context.Background(), history, "", false, false)
	if got != defaultFallback {
		t.Errorf("reply = %q, want fallback", got)
	}
}

func TestReplyFallsBackOnEmptyProviderReply(t *testing.T) {
	o := newTestOrchestrator(&fakeProvider{reply: "   "}, nil)

	history := []convo.Message{{Origin: convo.OriginInbound, Content: "oi"}}
	got := o.Reply(context.Background(), history, "", false, false)
	if got != defaultFallback {
		t.Errorf("reply = %q, want fallback", got)
	}
}

func TestReplyConfiguredFallbackWins(t *testing.T) {
	agent := testAgent()
	agent.FallbackText = "Volto já!"
	o := NewOrchestrator(&fakeProvider{err: errors.New("down")}, nil, agent, "", time.Second)

	history := []convo.Message{{Origin: convo.OriginInbound, Content: "oi"}}
	if got := o.Reply(context.Background(), history, "", false, false); got != "Volto já!" {
		t.Errorf("reply = %q, want configured fallback", got)
	}
}

func TestSchedulingSlotsInjectedIntoSystemPrompt(t *testing.T) {
	p := &fakeProvider{reply: "Que tal terça às 10h?"}
	o := newTestOrchestrator(p, &fakeSlots{slots: []string{"Tue 10/03 10:00", "Wed 11/03 14:00"}})

	history := []convo.Message{{Origin: convo.OriginInbound, Content: "quero agendar uma reunião"}}
	o.Reply(context.Background(), history, "", false, true)

	system := p.lastReq.Messages[0].Content
	if !strings.Contains(system, "Tue 10/03 10:00") {
		t.Errorf("system prompt missing availability:\n%s", system)
	}
}

func TestHistoryWindowing(t *testing.T) {
	agent := testAgent()
	agent.HistoryLimit = 2
	p := &fakeProvider{reply: "ok"}
	o := NewOrchestrator(p, nil, agent, "", time.Second)

	history := []convo.Message{
		{Origin: convo.OriginInbound, Content: "first"},
		{Origin: convo.OriginOutbound, Content: "second"},
		{Origin: convo.OriginInbound, Content: "third"},
	}
	o.Reply(context.Background(), history, "", false, false)

	msgs := p.lastReq.Messages
	if len(msgs) != 3 { // system + 2 windowed
		t.Fatalf("provider got %d messages, want 3", len(msgs))
	}
	if msgs[1].Content != "second" || msgs[2].Content != "third" {
		t.Errorf("window kept %q, %q; want the two most recent", msgs[1].Content, msgs[2].Content)
	}
}
