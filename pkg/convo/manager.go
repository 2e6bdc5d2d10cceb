package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glowdesk/concierge/pkg/ctxstore"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
	"github.com/glowdesk/concierge/pkg/profile"
)

// ErrSelectionNotConfirmed is returned when a commit carries a selection
// without the confirmation flag. The selection layer is overwrite-only and
// written solely after a successful selection-bearing command.
var ErrSelectionNotConfirmed = errors.New("selection patch without confirmation")

// TTLs holds the per-layer expiry budgets.
type TTLs struct {
	Ephemeral time.Duration
	Dialog    time.Duration
	Selection time.Duration
}

// Manager loads and commits the layered conversation context. All callers
// go through Load/Commit; nothing else touches the layer stores.
type Manager struct {
	store        ctxstore.Store
	profiles     profile.Store
	ttl          TTLs
	callTimeout  time.Duration
	dialogWindow int
	events       domain.EventBus
	log          *slog.Logger
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithEventBus publishes layer degradation events for telemetry.
func WithEventBus(bus domain.EventBus) ManagerOption {
	return func(m *Manager) { m.events = bus }
}

// NewManager creates a context manager.
func NewManager(store ctxstore.Store, profiles profile.Store, ttl TTLs, callTimeout time.Duration, dialogWindow int, opts ...ManagerOption) *Manager {
	if callTimeout <= 0 {
		callTimeout = 300 * time.Millisecond
	}
	if dialogWindow <= 0 {
		dialogWindow = 20
	}
	m := &Manager{
		store:        store,
		profiles:     profiles,
		ttl:          ttl,
		callTimeout:  callTimeout,
		dialogWindow: dialogWindow,
		log:          logger.Component("convo"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func layerKey(layer Layer, sender domain.Sender) string {
	return fmt.Sprintf("ctx:%s:%s", layer, sender.Key())
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// Load assembles the context for a sender. All layers plus the profile are
// read in parallel, each under its own short timeout. A missing or timed-out
// layer degrades to nil — availability over consistency.
func (m *Manager) Load(ctx context.Context, sender domain.Sender) *ConversationContext {
	cc := &ConversationContext{Sender: sender}

	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		var sel Selection
		if m.readLayer(ctx, LayerSelection, sender, &sel) {
			cc.Selection = &sel
		}
	}()
	go func() {
		defer wg.Done()
		var eph Ephemeral
		if m.readLayer(ctx, LayerEphemeral, sender, &eph) {
			cc.Ephemeral = &eph
		}
	}()
	go func() {
		defer wg.Done()
		var dlg Dialog
		if m.readLayer(ctx, LayerDialog, sender, &dlg) {
			cc.Dialog = &dlg
		}
	}()
	go func() {
		defer wg.Done()
		pctx, cancel := context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
		p, err := m.profiles.Find(pctx, sender)
		if err != nil {
			if !errors.Is(err, profile.ErrNotFound) {
				m.degraded(LayerProfile, sender, err)
			}
			return
		}
		cc.Profile = p
	}()

	wg.Wait()
	return cc
}

// readLayer reads and decodes one KV layer. Returns false when the layer is
// absent, expired, timed out, or undecodable.
func (m *Manager) readLayer(ctx context.Context, layer Layer, sender domain.Sender, out interface{}) bool {
	rctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	raw, found, err := m.store.Get(rctx, layerKey(layer, sender))
	if err != nil {
		m.degraded(layer, sender, err)
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		m.degraded(layer, sender, err)
		return false
	}
	return true
}

func (m *Manager) degraded(layer Layer, sender domain.Sender, err error) {
	m.log.Warn("context layer degraded", "layer", layer, "sender", sender.Key(), "err", err)
	if m.events != nil {
		eventType := domain.EventContextLayerMissing
		if errors.Is(err, context.DeadlineExceeded) {
			eventType = domain.EventContextLayerTimeout
		}
		m.events.Publish(domain.NewEvent(eventType, domain.EntityID(sender.Key()), string(layer)))
	}
}

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

// Patch is the set of layer mutations one turn is allowed to make.
type Patch struct {
	// AppendDialog turns are appended to the rolling window. The dialog
	// write is always attempted, even on degraded turns.
	AppendDialog []DialogTurn
	// Mentioned replaces the dialog layer's gleaned entities when non-nil.
	Mentioned Fields
	// Ephemeral replaces the ephemeral layer when non-nil.
	Ephemeral *Ephemeral
	// Selection overwrites the selection layer. Requires SelectionConfirmed.
	Selection *Selection
	// SelectionConfirmed must be set by the caller only after a successful
	// selection-bearing command outcome.
	SelectionConfirmed bool
}

// Commit writes the patched layers, each with its own TTL reset. The dialog
// append is attempted first and unconditionally; failures in one layer do
// not block the others. All failures are joined into the returned error.
func (m *Manager) Commit(ctx context.Context, sender domain.Sender, patch Patch) error {
	var errs []error

	if len(patch.AppendDialog) > 0 || patch.Mentioned != nil {
		if err := m.commitDialog(ctx, sender, patch); err != nil {
			errs = append(errs, fmt.Errorf("dialog: %w", err))
		}
	}

	if patch.Ephemeral != nil {
		if err := m.writeLayer(ctx, LayerEphemeral, sender, patch.Ephemeral, m.ttl.Ephemeral); err != nil {
			errs = append(errs, fmt.Errorf("ephemeral: %w", err))
		}
	}

	if patch.Selection != nil {
		if !patch.SelectionConfirmed {
			errs = append(errs, ErrSelectionNotConfirmed)
		} else if err := m.writeLayer(ctx, LayerSelection, sender, patch.Selection, m.ttl.Selection); err != nil {
			errs = append(errs, fmt.Errorf("selection: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) commitDialog(ctx context.Context, sender domain.Sender, patch Patch) error {
	var dlg Dialog
	m.readLayer(ctx, LayerDialog, sender, &dlg) // best effort; absent means empty

	dlg.Turns = append(dlg.Turns, patch.AppendDialog...)
	if len(dlg.Turns) > m.dialogWindow {
		dlg.Turns = dlg.Turns[len(dlg.Turns)-m.dialogWindow:]
	}
	if patch.Mentioned != nil {
		dlg.Mentioned = patch.Mentioned
	}

	return m.writeLayer(ctx, LayerDialog, sender, &dlg, m.ttl.Dialog)
}

func (m *Manager) writeLayer(ctx context.Context, layer Layer, sender domain.Sender, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", layer, err)
	}

	wctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return m.store.Set(wctx, layerKey(layer, sender), raw, ttl)
}
