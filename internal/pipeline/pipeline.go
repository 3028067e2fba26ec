package pipeline

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cognoxlabs/sofia/internal/channels"
	"github.com/cognoxlabs/sofia/internal/convo"
	"github.com/cognoxlabs/sofia/internal/scheduling"
)

var tracer = otel.Tracer("github.com/cognoxlabs/sofia/internal/pipeline")

// Pipeline processes one conversation turn end to end: persist the
// inbound message, generate a reply, fragment it into bubbles and
// deliver them with pacing. It runs inside the serializer, so turns
// for the same conversation never overlap.
type Pipeline struct {
	store        convo.Store
	orchestrator *Orchestrator
	deliverer    *Deliverer
	channel      channels.Outbound
	maxBubbles   int
	scheduling   bool
}

// New wires the turn processor.
func New(store convo.Store, orch *Orchestrator, del *Deliverer, ch channels.Outbound, maxBubbles int, schedulingEnabled bool) *Pipeline {
	if maxBubbles <= 0 {
		maxBubbles = 5
	}
	return &Pipeline{
		store:        store,
		orchestrator: orch,
		deliverer:    del,
		channel:      ch,
		maxBubbles:   maxBubbles,
		scheduling:   schedulingEnabled,
	}
}

// ProcessTurn handles one inbound message. Persistence failures on the
// way in abort the turn (no reply without a recorded question);
// failures on the way out are logged but don't undo a delivery that
// already happened.
func (p *Pipeline) ProcessTurn(ctx context.Context, in Inbound) {
	ctx, span := tracer.Start(ctx, "pipeline.turn",
		trace.WithAttributes(
			attribute.String("conversation.key", in.Sender),
			attribute.String("message.id", in.MessageID),
		))
	defer span.End()

	conversation, err := p.store.GetOrCreate(ctx, in.Sender)
	if err != nil {
		slog.Error("conversation lookup failed", "key", in.Sender, "error", err)
		span.SetStatus(codes.Error, "conversation lookup failed")
		span.RecordError(err)
		return
	}

	// An inbound message on a closed conversation reopens it.
	if conversation.Status == convo.StatusClosed {
		if err := p.store.SetStatus(ctx, conversation.ID, convo.StatusActive); err != nil {
			slog.Warn("failed to reopen conversation", "conversation", conversation.ID, "error", err)
		} else {
			conversation.Status = convo.StatusActive
		}
	}

	if in.ProfileName != "" && conversation.DisplayName == "" {
		if err := p.store.SetDisplayName(ctx, conversation.ID, in.ProfileName); err != nil {
			slog.Warn("failed to store display name", "conversation", conversation.ID, "error", err)
		} else {
			conversation.DisplayName = in.ProfileName
		}
	}

	count, err := p.store.MessageCount(ctx, conversation.ID)
	if err != nil {
		slog.Error("message count failed", "conversation", conversation.ID, "error", err)
		span.SetStatus(codes.Error, "message count failed")
		span.RecordError(err)
		return
	}
	firstTurn := count == 0

	intent := p.scheduling && scheduling.HasIntent(in.Text)
	if _, err := p.store.AppendInbound(ctx, conversation.ID, in.Text, intent); err != nil {
		slog.Error("failed to persist inbound message", "conversation", conversation.ID, "error", err)
		span.SetStatus(codes.Error, "persist inbound failed")
		span.RecordError(err)
		return
	}

	// Read receipt is cosmetic; never let it block the turn.
	if in.MessageID != "" {
		if err := p.channel.MarkRead(ctx, in.MessageID); err != nil {
			slog.Debug("mark read failed", "message_id", in.MessageID, "error", err)
		}
	}

	history, err := p.store.History(ctx, conversation.ID, 0)
	if err != nil {
		slog.Error("history load failed", "conversation", conversation.ID, "error", err)
		span.SetStatus(codes.Error, "history load failed")
		span.RecordError(err)
		return
	}

	reply := p.orchestrator.Reply(ctx, history, conversation.DisplayName, firstTurn, intent)
	bubbles := Fragment(reply, p.maxBubbles)
	if len(bubbles) == 0 {
		slog.Warn("empty reply after fragmentation", "conversation", conversation.ID)
		return
	}

	result := p.deliverer.Deliver(ctx, in.Sender, bubbles)
	span.SetAttributes(
		attribute.String("delivery.status", result.Status.String()),
		attribute.Int("delivery.bubbles_sent", len(result.Sent)),
		attribute.Int("delivery.bubbles_total", len(bubbles)),
		attribute.Bool("turn.first", firstTurn),
		attribute.Bool("turn.scheduling_intent", intent),
	)
	if result.Status == DeliveryFailed {
		slog.Error("reply delivery failed", "conversation", conversation.ID, "error", result.Err)
		span.SetStatus(codes.Error, "delivery failed")
		if result.Err != nil {
			span.RecordError(result.Err)
		}
		return
	}
	if result.Status == DeliveryPartial {
		slog.Warn("reply partially delivered",
			"conversation", conversation.ID,
			"sent", len(result.Sent),
			"total", len(bubbles),
			"error", result.Err)
	}

	// One stored message per delivered bubble, so history mirrors
	// exactly what reached the recipient.
	for _, bubble := range result.Sent {
		if _, err := p.store.AppendOutbound(ctx, conversation.ID, bubble); err != nil {
			slog.Error("failed to persist outbound bubble", "conversation", conversation.ID, "error", err)
		}
	}
}
