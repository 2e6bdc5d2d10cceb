// Package orchestration runs one conversation turn end to end: settled
// batch in, reply text out. Each turn walks a fixed phase sequence and is
// terminal on every path — degraded phases fall back, they never abort the
// turn without a reply.
package orchestration

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/glowdesk/concierge/pkg/batch"
	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/convo"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/executor"
	"github.com/glowdesk/concierge/pkg/llm"
	"github.com/glowdesk/concierge/pkg/logger"
	"github.com/glowdesk/concierge/pkg/protocol"
)

// Phase is one station of the turn state machine.
type Phase string

const (
	PhaseBatchSettled     Phase = "batch_settled"
	PhaseContextLoaded    Phase = "context_loaded"
	PhaseGenerated        Phase = "generated"
	PhaseParsed           Phase = "parsed"
	PhaseExecuted         Phase = "executed"
	PhaseContextCommitted Phase = "context_committed"
	PhaseReplied          Phase = "replied"
	PhaseFailed           Phase = "failed"
)

const (
	// fallbackReply is sent when generation is unavailable.
	fallbackReply = "Sorry, I'm having a little trouble right now. Please send that again in a moment."
	// apologyClause replaces failed command detail in the reply.
	apologyClause = "I couldn't complete part of that just now — apologies. Please try again."
)

// Turn is the transient per-batch record.
type Turn struct {
	ID       string
	Sender   domain.Sender
	Phase    Phase
	Batch    *batch.Batch
	Reply    string
	Outcomes []executor.Outcome
}

// Orchestrator drives the turn state machine over the pipeline's
// collaborators.
type Orchestrator struct {
	contexts    *convo.Manager
	generator   llm.Generator
	exec        *executor.Executor
	turnTimeout time.Duration
	events      domain.EventBus
	log         *slog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEventBus publishes turn lifecycle events.
func WithEventBus(bus domain.EventBus) Option {
	return func(o *Orchestrator) { o.events = bus }
}

// New creates an orchestrator.
func New(contexts *convo.Manager, generator llm.Generator, exec *executor.Executor, turnTimeout time.Duration, opts ...Option) *Orchestrator {
	if turnTimeout <= 0 {
		turnTimeout = 60 * time.Second
	}
	o := &Orchestrator{
		contexts:    contexts,
		generator:   generator,
		exec:        exec,
		turnTimeout: turnTimeout,
		log:         logger.Component("orchestration"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessBatch runs one turn for a settled batch and returns the reply.
// Phase sequence: BatchSettled → ContextLoaded → Generated → Parsed →
// Executed → ContextCommitted → Replied. Every path terminates with a
// reply; degradation substitutes content, it never drops the turn.
func (o *Orchestrator) ProcessBatch(ctx context.Context, b *batch.Batch) bus.OutboundMessage {
	turn := &Turn{
		ID:     string(domain.NewID()),
		Sender: b.Sender,
		Phase:  PhaseBatchSettled,
		Batch:  b,
	}
	o.transition(turn, PhaseBatchSettled, domain.EventTurnStarted)

	tctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	// ContextLoaded. Load degrades internally; a missing profile or a
	// timed-out layer yields nil, never an error — a brand-new sender on a
	// cold cache must still be served.
	cc := o.contexts.Load(tctx, b.Sender)
	o.transition(turn, PhaseContextLoaded, domain.EventTurnContextLoaded)

	// Generated.
	batchText := b.Text()
	raw, err := o.generator.Generate(tctx, llm.BuildPrompt(cc, batchText))
	if err != nil {
		return o.failGeneration(ctx, turn, batchText, err)
	}
	o.transition(turn, PhaseGenerated, domain.EventTurnGenerated)

	// Parsed.
	invocations := protocol.Parse(raw)
	stripped := strings.TrimSpace(protocol.Strip(raw))
	o.transition(turn, PhaseParsed, domain.EventTurnParsed)

	// Executed. Side effects in progress are allowed to complete even if
	// the turn deadline passes mid-call; each provider call carries its own
	// timeout via the resilience layer.
	execCtx := context.WithoutCancel(tctx)
	turn.Outcomes = o.exec.Execute(execCtx, b.Sender, turn.ID, invocations)
	o.transition(turn, PhaseExecuted, domain.EventTurnExecuted)

	turn.Reply = synthesizeReply(stripped, turn.Outcomes)

	// ContextCommitted. The dialog append happens even when earlier phases
	// degraded; commit failure is logged, not surfaced to the sender.
	if err := o.contexts.Commit(execCtx, b.Sender, o.buildPatch(turn, batchText, invocations)); err != nil {
		o.log.Warn("context commit degraded", "turn", turn.ID, "sender", b.Sender.Key(), "err", err)
		o.degraded(turn, "context commit", err)
	}
	o.transition(turn, PhaseContextCommitted, domain.EventTurnContextCommitted)

	o.transition(turn, PhaseReplied, domain.EventTurnReplied)
	return bus.OutboundMessage{Sender: b.Sender, Text: turn.Reply}
}

// failGeneration terminates the turn with the generic fallback. Only the
// raw sender text is recorded in the dialog layer, so the next turn still
// has conversational continuity.
func (o *Orchestrator) failGeneration(ctx context.Context, turn *Turn, batchText string, err error) bus.OutboundMessage {
	o.log.Error("generation failed", "turn", turn.ID, "sender", turn.Sender.Key(), "err", err)
	o.degraded(turn, "generation", err)

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	patch := convo.Patch{AppendDialog: []convo.DialogTurn{
		{Role: domain.RoleUser, Text: batchText, At: time.Now()},
	}}
	if err := o.contexts.Commit(commitCtx, turn.Sender, patch); err != nil {
		o.log.Warn("dialog-only commit failed", "turn", turn.ID, "err", err)
	}

	turn.Phase = PhaseFailed
	turn.Reply = fallbackReply
	return bus.OutboundMessage{Sender: turn.Sender, Text: fallbackReply}
}

// buildPatch derives the layer mutations from this turn.
func (o *Orchestrator) buildPatch(turn *Turn, batchText string, invocations []protocol.Invocation) convo.Patch {
	now := time.Now()
	patch := convo.Patch{
		AppendDialog: []convo.DialogTurn{
			{Role: domain.RoleUser, Text: batchText, At: now},
			{Role: domain.RoleAssistant, Text: turn.Reply, At: now},
		},
	}

	if mentioned := mentionedFields(invocations); len(mentioned) > 0 {
		patch.Mentioned = mentioned
	}

	eph := &convo.Ephemeral{
		LastQuestion: trailingQuestion(turn.Reply),
	}
	if m := patch.Mentioned; m != nil {
		eph.Service = m[convo.FieldService]
		eph.Date = m[convo.FieldDate]
		eph.Time = m[convo.FieldTime]
		eph.Staff = m[convo.FieldStaff]
	}
	patch.Ephemeral = eph

	// The selection layer records only parameters confirmed by a successful
	// selection-bearing command.
	for _, outcome := range turn.Outcomes {
		if !outcome.SelectionBearing || outcome.Status != executor.StatusSuccess {
			continue
		}
		params := outcome.Invocation.ParamMap()
		patch.Selection = &convo.Selection{
			Service:     params[convo.FieldService],
			Date:        params[convo.FieldDate],
			Time:        params[convo.FieldTime],
			Staff:       params[convo.FieldStaff],
			ConfirmedAt: now,
		}
		patch.SelectionConfirmed = true
	}

	return patch
}

func (o *Orchestrator) transition(turn *Turn, phase Phase, event domain.EventType) {
	turn.Phase = phase
	if o.events != nil {
		o.events.Publish(domain.NewEvent(event, domain.EntityID(turn.ID), map[string]interface{}{
			"sender": turn.Sender.Key(),
			"phase":  string(phase),
		}))
	}
}

func (o *Orchestrator) degraded(turn *Turn, stage string, err error) {
	if o.events != nil {
		o.events.Publish(domain.NewEvent(domain.EventTurnDegraded, domain.EntityID(turn.ID), map[string]interface{}{
			"sender": turn.Sender.Key(),
			"stage":  stage,
			"error":  err.Error(),
		}))
	}
}

// ---------------------------------------------------------------------------
// Reply synthesis
// ---------------------------------------------------------------------------

// synthesizeReply combines the stripped generated text with the outcomes'
// textual summaries. Failed commands contribute a single apologetic clause
// instead of raw error detail.
func synthesizeReply(stripped string, outcomes []executor.Outcome) string {
	parts := make([]string, 0, len(outcomes)+2)
	if stripped != "" {
		parts = append(parts, stripped)
	}

	failed := false
	for _, outcome := range outcomes {
		switch outcome.Status {
		case executor.StatusSuccess:
			if outcome.Summary != "" {
				parts = append(parts, outcome.Summary)
			}
		case executor.StatusFailure:
			failed = true
		}
	}
	if failed {
		parts = append(parts, apologyClause)
	}

	if len(parts) == 0 {
		return fallbackReply
	}
	return strings.Join(parts, "\n")
}

// mentionedFields gleans booking entities from the turn's invocations for
// the dialog layer.
func mentionedFields(invocations []protocol.Invocation) convo.Fields {
	fields := convo.Fields{}
	for _, inv := range invocations {
		params := inv.ParamMap()
		for _, key := range []string{convo.FieldService, convo.FieldDate, convo.FieldTime, convo.FieldStaff} {
			if v := params[key]; v != "" {
				fields[key] = v
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// trailingQuestion returns the reply's final question line, if the reply
// ends by asking one. Stored in the ephemeral layer so the next turn knows
// what was just asked.
func trailingQuestion(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if !strings.HasSuffix(trimmed, "?") {
		return ""
	}
	if idx := strings.LastIndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = strings.TrimSpace(trimmed[idx+1:])
	}
	return trimmed
}
