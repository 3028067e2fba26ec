package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cognoxlabs/sofia/internal/config"
	"github.com/cognoxlabs/sofia/internal/convo"
	"github.com/cognoxlabs/sofia/internal/providers"
	"github.com/cognoxlabs/sofia/internal/scheduling"
)

// defaultFallback is sent when generation fails and no fallback_text
// is configured. Portuguese first to match the primary audience.
const defaultFallback = "Desculpe, tive um problema para responder agora. Pode tentar novamente em instantes?"

// Orchestrator decides what the assistant says. The first turn of a
// conversation gets a deterministic time-of-day greeting; every later
// turn goes through the provider with windowed history.
type Orchestrator struct {
	provider providers.Provider
	slots    scheduling.Source // nil when scheduling is disabled
	agent    config.AgentConfig
	model    string
	timeout  time.Duration
	loc      *time.Location
	now      func() time.Time // injectable for tests
}

// NewOrchestrator builds the reply generator. slots may be nil.
func NewOrchestrator(p providers.Provider, slots scheduling.Source, agent config.AgentConfig, model string, timeout time.Duration) *Orchestrator {
	loc, err := time.LoadLocation(agent.Timezone)
	if err != nil {
		slog.Warn("invalid agent timezone, using UTC", "timezone", agent.Timezone)
		loc = time.UTC
	}
	return &Orchestrator{
		provider: p,
		slots:    slots,
		agent:    agent,
		model:    model,
		timeout:  timeout,
		loc:      loc,
		now:      time.Now,
	}
}

// Reply produces the assistant's answer for one turn. history is the
// conversation so far including the just-appended inbound message.
// firstTurn selects the greeting path. Generation failures degrade to
// the configured fallback text; Reply never returns an empty string.
func (o *Orchestrator) Reply(ctx context.Context, history []convo.Message, displayName string, firstTurn, schedulingIntent bool) string {
	if firstTurn {
		return o.greeting(displayName)
	}

	reply, err := o.generate(ctx, history, schedulingIntent)
	if err != nil {
		slog.Error("reply generation failed, using fallback", "error", err)
		return o.fallback()
	}
	if strings.TrimSpace(reply) == "" {
		slog.Warn("provider returned empty reply, using fallback")
		return o.fallback()
	}
	return reply
}

// greeting is deterministic: a time-of-day salutation, a one-line
// introduction, and at most one question.
func (o *Orchestrator) greeting(displayName string) string {
	salutation := salutationFor(o.now().In(o.loc))
	if displayName != "" {
		salutation = fmt.Sprintf("%s, %s!", salutation, displayName)
	} else {
		salutation += "!"
	}
	return fmt.Sprintf("%s Eu sou a %s, assistente virtual da %s. Como posso te ajudar hoje?",
		salutation, o.agent.Name, o.agent.Company)
}

// salutationFor maps local time to the greeting: morning 05:00-11:59,
// afternoon 12:00-17:59, evening otherwise.
func salutationFor(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "Bom dia"
	case h >= 12 && h < 18:
		return "Boa tarde"
	default:
		return "Boa noite"
	}
}

func (o *Orchestrator) generate(ctx context.Context, history []convo.Message, schedulingIntent bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	messages := []providers.Message{{Role: "system", Content: o.systemPrompt(ctx, schedulingIntent)}}
	for _, m := range window(history, o.agent.HistoryLimit) {
		role := "user"
		if m.Origin == convo.OriginOutbound {
			role = "assistant"
		}
		messages = append(messages, providers.Message{Role: role, Content: m.Content})
	}

	resp, err := o.provider.Chat(ctx, providers.ChatRequest{
		Messages: messages,
		Model:    o.model,
	})
	if err != nil {
		return "", fmt.Errorf("provider %s: %w", o.provider.Name(), err)
	}
	return resp.Content, nil
}

// systemPrompt assembles the behavior policy, optionally enriched with
// live availability when the user asked about scheduling.
func (o *Orchestrator) systemPrompt(ctx context.Context, schedulingIntent bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Você é %s, assistente virtual da %s no WhatsApp.\n", o.agent.Name, o.agent.Company)
	b.WriteString("Responda de forma breve e natural, como uma pessoa digitando. ")
	b.WriteString("Separe ideias distintas em parágrafos curtos. ")
	b.WriteString("Faça no máximo uma pergunta por resposta. ")
	b.WriteString("Responda no idioma da última mensagem do usuário.\n")

	if schedulingIntent && o.slots != nil {
		if slots, err := o.slots.AvailableSlots(ctx); err == nil && len(slots) > 0 {
			b.WriteString("\nO usuário quer agendar. Horários disponíveis:\n")
			for _, s := range slots {
				b.WriteString("- " + s + "\n")
			}
			b.WriteString("Ofereça alguns desses horários.\n")
		}
	}

	if o.agent.SystemPrompt != "" {
		b.WriteString("\n" + o.agent.SystemPrompt)
	}
	return b.String()
}

func (o *Orchestrator) fallback() string {
	if o.agent.FallbackText != "" {
		return o.agent.FallbackText
	}
	return defaultFallback
}

// window keeps the most recent limit messages; 0 keeps everything.
func window(history []convo.Message, limit int) []convo.Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}
