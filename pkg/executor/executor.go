// Package executor dispatches parsed command invocations to named external
// provider operations. Execution is sequential in invocation order; each
// call goes through the resilience layer individually.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
	"github.com/glowdesk/concierge/pkg/protocol"
	"github.com/glowdesk/concierge/pkg/resilience"
)

// Status classifies one invocation's outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// Call is the execution context handed to a binding's Run function.
type Call struct {
	Invocation     protocol.Invocation
	Sender         domain.Sender
	TurnID         string
	IdempotencyKey string
	Params         map[string]string
	// Attempt is 1 on the first try and increments on each retry of the
	// same invocation.
	Attempt int
}

// Binding maps a command name onto one provider operation.
type Binding struct {
	// Operation is the resilience circuit key, e.g. "booking.create_reservation".
	Operation string
	// Required parameter keys; missing ones fail the invocation before any
	// network attempt.
	Required []string
	// SideEffecting operations get a deterministic idempotency key.
	SideEffecting bool
	// SelectionBearing marks commands whose success confirms booking
	// parameters (drives the selection-layer commit).
	SelectionBearing bool
	// DependsOnPrevious skips this invocation when the previous one failed.
	DependsOnPrevious bool
	// Run performs the provider call.
	Run func(ctx context.Context, call Call) (interface{}, error)
	// Summarize renders a successful payload as a reply fragment.
	Summarize func(payload interface{}) string
}

// Outcome is the result of one invocation.
type Outcome struct {
	Invocation       protocol.Invocation
	Status           Status
	Summary          string // human-readable fragment for reply synthesis
	Payload          interface{}
	Err              error
	Class            resilience.FailureClass
	SelectionBearing bool
}

// Executor runs invocations against the binding table.
type Executor struct {
	bindings map[string]Binding
	calls    *resilience.Executor
	log      *slog.Logger
}

// New creates an executor over a binding table and a resilience wrapper.
func New(bindings map[string]Binding, calls *resilience.Executor) *Executor {
	return &Executor{
		bindings: bindings,
		calls:    calls,
		log:      logger.Component("executor"),
	}
}

// Execute runs the invocations in order. Unknown names are skipped; a
// failure skips only invocations that declare a dependency on the previous
// outcome. The returned slice preserves invocation order one-to-one.
func (e *Executor) Execute(ctx context.Context, sender domain.Sender, turnID string, invs []protocol.Invocation) []Outcome {
	outcomes := make([]Outcome, 0, len(invs))
	prevFailed := false

	for _, inv := range invs {
		binding, ok := e.bindings[inv.Name]
		if !ok {
			e.log.Warn("unknown command", "name", inv.Name, "sender", sender.Key())
			outcomes = append(outcomes, Outcome{
				Invocation: inv,
				Status:     StatusSkipped,
				Summary:    "",
				Err:        fmt.Errorf("unknown command %q", inv.Name),
			})
			continue
		}

		if binding.DependsOnPrevious && prevFailed {
			outcomes = append(outcomes, Outcome{
				Invocation:       inv,
				Status:           StatusSkipped,
				SelectionBearing: binding.SelectionBearing,
				Err:              fmt.Errorf("skipped: previous command failed"),
			})
			continue
		}

		outcome := e.runOne(ctx, sender, turnID, inv, binding)
		prevFailed = outcome.Status == StatusFailure
		outcomes = append(outcomes, outcome)
	}

	return outcomes
}

func (e *Executor) runOne(ctx context.Context, sender domain.Sender, turnID string, inv protocol.Invocation, binding Binding) Outcome {
	params := inv.ParamMap()

	for _, key := range binding.Required {
		if params[key] == "" {
			return Outcome{
				Invocation:       inv,
				Status:           StatusFailure,
				Class:            resilience.ClassPermanent,
				SelectionBearing: binding.SelectionBearing,
				Err:              fmt.Errorf("missing required parameter %q", key),
			}
		}
	}

	call := Call{
		Invocation: inv,
		Sender:     sender,
		TurnID:     turnID,
		Params:     params,
	}
	if binding.SideEffecting {
		call.IdempotencyKey = IdempotencyKey(sender, turnID, inv)
	}

	attempt := 0
	payload, err := e.calls.Call(ctx, binding.Operation, func(cctx context.Context) (interface{}, error) {
		attempt++
		call.Attempt = attempt
		return binding.Run(cctx, call)
	})
	if err != nil {
		e.log.Warn("command failed", "name", inv.Name, "op", binding.Operation,
			"sender", sender.Key(), "class", resilience.ClassOf(err), "err", err)
		return Outcome{
			Invocation:       inv,
			Status:           StatusFailure,
			Class:            resilience.ClassOf(err),
			SelectionBearing: binding.SelectionBearing,
			Err:              err,
		}
	}

	summary := ""
	if binding.Summarize != nil {
		summary = binding.Summarize(payload)
	}
	return Outcome{
		Invocation:       inv,
		Status:           StatusSuccess,
		Summary:          summary,
		Payload:          payload,
		SelectionBearing: binding.SelectionBearing,
	}
}

// IdempotencyKey derives a deterministic key from the sender, the turn and
// the invocation's canonicalized parameters, so a retried call after a
// network ambiguity cannot duplicate its side effect.
func IdempotencyKey(sender domain.Sender, turnID string, inv protocol.Invocation) string {
	params := inv.ParamMap()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(sender.Key())
	b.WriteByte('|')
	b.WriteString(turnID)
	b.WriteByte('|')
	b.WriteString(inv.Name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}

	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(b.String())).String()
}
