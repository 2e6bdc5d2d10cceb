package domain

import "time"

// ---------------------------------------------------------------------------
// Domain event system — internal telemetry backbone
// ---------------------------------------------------------------------------

// EventType classifies domain events for routing and filtering.
type EventType string

// Component prefixes ensure global uniqueness of event names.
const (
	// Channel events
	EventChannelConnected    EventType = "channel.connected"
	EventChannelDisconnected EventType = "channel.disconnected"
	EventChannelError        EventType = "channel.error"
	EventMessageReceived     EventType = "channel.message.received"
	EventMessageSent         EventType = "channel.message.sent"

	// Batching events
	EventBatchOpened  EventType = "batch.opened"
	EventBatchSealed  EventType = "batch.sealed"
	EventBatchQueued  EventType = "batch.queued"
	EventBatchDropped EventType = "batch.dropped"

	// Turn lifecycle events
	EventTurnStarted          EventType = "turn.started"
	EventTurnContextLoaded    EventType = "turn.context.loaded"
	EventTurnGenerated        EventType = "turn.generated"
	EventTurnParsed           EventType = "turn.parsed"
	EventTurnExecuted         EventType = "turn.executed"
	EventTurnContextCommitted EventType = "turn.context.committed"
	EventTurnReplied          EventType = "turn.replied"
	EventTurnDegraded         EventType = "turn.degraded"

	// Context layer events
	EventContextLayerMissing EventType = "context.layer.missing"
	EventContextLayerTimeout EventType = "context.layer.timeout"

	// Resilience events
	EventCircuitOpened   EventType = "circuit.opened"
	EventCircuitHalfOpen EventType = "circuit.half_open"
	EventCircuitClosed   EventType = "circuit.closed"
	EventCallRetried     EventType = "call.retried"

	// Reminder events
	EventReminderDue    EventType = "reminder.due"
	EventReminderSent   EventType = "reminder.sent"
	EventReminderFailed EventType = "reminder.failed"

	// System-level events
	EventSystemStartup  EventType = "system.startup"
	EventSystemShutdown EventType = "system.shutdown"
)

// Event is the interface all domain events implement.
type Event interface {
	// EventType returns the classified event type.
	EventType() EventType
	// OccurredAt returns when the event happened.
	OccurredAt() time.Time
	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() EntityID
	// Payload returns the event-specific data.
	Payload() interface{}
}

// BaseEvent provides a reusable implementation of the Event interface.
type BaseEvent struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	AggID     EntityID    `json:"aggregate_id"`
	EventData interface{} `json:"data,omitempty"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() EntityID { return e.AggID }
func (e BaseEvent) Payload() interface{}  { return e.EventData }

// NewEvent creates a new domain event.
func NewEvent(eventType EventType, aggregateID EntityID, data interface{}) BaseEvent {
	return BaseEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AggID:     aggregateID,
		EventData: data,
	}
}

// ---------------------------------------------------------------------------
// Event bus — decoupled telemetry fan-out
// ---------------------------------------------------------------------------

// EventHandler processes a domain event. Handlers should be idempotent.
type EventHandler func(Event)

// EventBus dispatches domain events to registered handlers. Events are
// telemetry only: nothing on this bus may shape a sender-visible reply.
type EventBus interface {
	// Publish dispatches an event to all registered handlers.
	Publish(event Event)
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType EventType, handler EventHandler)
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler)
	// Close shuts down the event bus.
	Close()
}
