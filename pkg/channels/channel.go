// Package channels holds the platform adapters. Each adapter turns platform
// events into inbound bus messages and delivers outbound replies; everything
// conversational happens downstream of the bus.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
)

// Channel is one platform adapter.
type Channel interface {
	Name() domain.ChannelType
	// Start connects to the platform and begins delivering inbound
	// messages. It returns after the adapter is running.
	Start(ctx context.Context) error
	// Stop disconnects. Safe to call more than once.
	Stop() error
	// Send delivers one outbound message to the platform.
	Send(msg bus.OutboundMessage) error
}

// Manager owns the enabled adapters and routes outbound messages from the
// bus to the right one.
type Manager struct {
	channels map[domain.ChannelType]Channel
	bus      *bus.MessageBus
	log      *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a channel manager over the message bus.
func NewManager(mb *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[domain.ChannelType]Channel),
		bus:      mb,
		log:      logger.Component("channels"),
	}
}

// Register adds an adapter. Must be called before Start.
func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.Name()] = c
}

// Start connects every registered adapter and begins routing outbound
// messages. An adapter that fails to start is logged and skipped; the rest
// keep running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("channel manager already started")
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	started := 0
	for name, c := range m.channels {
		if err := c.Start(runCtx); err != nil {
			m.log.Error("channel failed to start", "channel", name, "err", err)
			continue
		}
		m.bus.RegisterHandler(name, c.Send)
		m.log.Info("channel started", "channel", name)
		started++
	}
	if started == 0 {
		return fmt.Errorf("no channel started")
	}

	m.wg.Add(1)
	go m.routeOutbound(runCtx)
	return nil
}

// routeOutbound drains the bus and hands each reply to its channel adapter.
func (m *Manager) routeOutbound(ctx context.Context) {
	defer m.wg.Done()
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		handler, found := m.bus.GetHandler(msg.Sender.Channel)
		if !found {
			m.log.Warn("no handler for outbound channel", "channel", msg.Sender.Channel)
			continue
		}
		if err := handler(msg); err != nil {
			m.log.Error("outbound delivery failed",
				"channel", msg.Sender.Channel, "sender", msg.Sender.Key(), "err", err)
		}
	}
}

// Stop disconnects all adapters and waits for the outbound router.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	for name, c := range m.channels {
		if err := c.Stop(); err != nil {
			m.log.Warn("channel stop failed", "channel", name, "err", err)
		}
	}
	m.wg.Wait()
}
