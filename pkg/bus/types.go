package bus

import (
	"time"

	"github.com/glowdesk/concierge/pkg/domain"
)

// InboundMessage is one free-text message delivered by a channel adapter.
// Immutable once received.
type InboundMessage struct {
	Sender     domain.Sender     `json:"sender"`
	Text       string            `json:"text"`
	ReceivedAt time.Time         `json:"received_at"`
	Sequence   int64             `json:"sequence,omitempty"` // channel-provided ordering hint
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply addressed back to a sender's channel.
type OutboundMessage struct {
	Sender domain.Sender `json:"sender"`
	Text   string        `json:"text"`
}

// SystemEvent is a typed event flowing through the bus for observability.
// Used for turn lifecycle, channel lifecycle, reminder events, etc.
type SystemEvent struct {
	Type   string      `json:"type"`   // e.g. "turn.started", "channel.connected"
	Source string      `json:"source"` // e.g. "orchestrator", "batcher"
	Data   interface{} `json:"data"`
}

// MessageHandler delivers an outbound message over a concrete channel.
type MessageHandler func(OutboundMessage) error
