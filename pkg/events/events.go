// Package events bridges domain events onto the message bus's system
// stream and the structured log, so operators can watch turn, batch,
// circuit and reminder activity without touching pipeline code.
package events

import (
	"log/slog"

	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
)

// Bridge forwards every domain event to the system stream.
type Bridge struct {
	bus *bus.MessageBus
	log *slog.Logger
}

// NewBridge creates the bridge. Attach connects it to an event bus.
func NewBridge(mb *bus.MessageBus) *Bridge {
	return &Bridge{
		bus: mb,
		log: logger.Component("events"),
	}
}

// Attach subscribes the bridge to all events on the bus.
func (b *Bridge) Attach(eb domain.EventBus) {
	eb.SubscribeAll(b.handle)
}

func (b *Bridge) handle(event domain.Event) {
	b.bus.PublishSystem(bus.SystemEvent{
		Type:   string(event.EventType()),
		Source: string(event.AggregateID()),
		Data:   event.Payload(),
	})

	switch event.EventType() {
	case domain.EventCircuitOpened, domain.EventTurnDegraded, domain.EventBatchDropped, domain.EventReminderFailed:
		b.log.Warn("domain event", "type", event.EventType(), "aggregate", event.AggregateID(), "payload", event.Payload())
	default:
		b.log.Debug("domain event", "type", event.EventType(), "aggregate", event.AggregateID())
	}
}
