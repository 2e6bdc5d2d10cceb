// Package app wires the pipeline together. The Container is the
// composition root: it owns every long-lived component and the glue between
// the message bus, the batcher and the orchestrator.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glowdesk/concierge/pkg/batch"
	"github.com/glowdesk/concierge/pkg/booking"
	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/channels"
	"github.com/glowdesk/concierge/pkg/config"
	"github.com/glowdesk/concierge/pkg/convo"
	"github.com/glowdesk/concierge/pkg/ctxstore"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/events"
	"github.com/glowdesk/concierge/pkg/executor"
	"github.com/glowdesk/concierge/pkg/infrastructure/eventbus"
	"github.com/glowdesk/concierge/pkg/llm"
	"github.com/glowdesk/concierge/pkg/logger"
	"github.com/glowdesk/concierge/pkg/orchestration"
	"github.com/glowdesk/concierge/pkg/profile"
	"github.com/glowdesk/concierge/pkg/resilience"
	"github.com/glowdesk/concierge/pkg/scheduler"
)

// Container holds the wired pipeline.
type Container struct {
	Config *config.Config

	Events       domain.EventBus
	Bus          *bus.MessageBus
	ContextStore *ctxstore.MemoryStore
	Profiles     *profile.SQLiteStore
	Contexts     *convo.Manager
	Generator    llm.Generator
	Provider     booking.Provider
	Executor     *executor.Executor
	Orchestrator *orchestration.Orchestrator
	Batcher      *batch.Batcher
	Channels     *channels.Manager
	Reminders    *scheduler.Reminders

	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewContainer builds and wires every component from configuration.
func NewContainer(cfg *config.Config) (*Container, error) {
	c := &Container{
		Config: cfg,
		Events: eventbus.New(),
		Bus:    bus.NewMessageBus(),
		log:    logger.Component("app"),
	}

	bridge := events.NewBridge(c.Bus)
	bridge.Attach(c.Events)

	store, err := ctxstore.NewMemoryStore(0)
	if err != nil {
		return nil, fmt.Errorf("context store: %w", err)
	}
	c.ContextStore = store

	profiles, err := profile.OpenSQLite(cfg.Store.ProfileDSN)
	if err != nil {
		return nil, fmt.Errorf("profile store: %w", err)
	}
	c.Profiles = profiles

	c.Contexts = convo.NewManager(store, profiles, convo.TTLs{
		Ephemeral: cfg.Store.EphemeralTTL.Std(),
		Dialog:    cfg.Store.DialogTTL.Std(),
		Selection: cfg.Store.SelectionTTL.Std(),
	}, cfg.Store.CallTimeout.Std(), cfg.Store.DialogWindow, convo.WithEventBus(c.Events))

	generator, err := llm.NewGenerator(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	c.Generator = generator

	c.Provider = booking.NewHTTPProvider(cfg.Booking.BaseURL, cfg.Booking.APIKey, cfg.Booking.Timeout.Std())

	calls := resilience.NewExecutor(
		resilience.Policy{
			MaxAttempts: cfg.Resilience.MaxAttempts,
			BaseDelay:   cfg.Resilience.BaseDelay.Std(),
			MaxDelay:    cfg.Resilience.MaxDelay.Std(),
		},
		resilience.Breaker{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			CoolDown:         cfg.Resilience.CoolDown.Std(),
		},
		resilience.WithEventBus(c.Events),
	)
	c.Executor = executor.New(executor.BookingBindings(c.Provider, cfg.Tenant), calls)

	c.Orchestrator = orchestration.New(c.Contexts, c.Generator, c.Executor,
		cfg.Turn.Timeout.Std(), orchestration.WithEventBus(c.Events))

	c.Batcher = batch.New(batch.Options{
		QuietPeriod: cfg.Batch.QuietPeriod.Std(),
		MaxWait:     cfg.Batch.MaxWait.Std(),
		QueueDepth:  cfg.Batch.QueueDepth,
	}, c.processBatch, batch.WithEventBus(c.Events))

	c.Channels = channels.NewManager(c.Bus)
	registerChannels(c.Channels, cfg, c.Bus)

	c.Reminders = scheduler.New(cfg.Tenant, cfg.Scheduler.Cron, cfg.Scheduler.Lookahead.Std(),
		c.Provider, c.Bus, scheduler.WithEventBus(c.Events))

	return c, nil
}

func registerChannels(m *channels.Manager, cfg *config.Config, mb *bus.MessageBus) {
	if cfg.Channels.Telegram.Enabled {
		m.Register(channels.NewTelegram(cfg.Tenant, cfg.Channels.Telegram, mb))
	}
	if cfg.Channels.Slack.Enabled {
		m.Register(channels.NewSlack(cfg.Tenant, cfg.Channels.Slack, mb))
	}
	if cfg.Channels.Discord.Enabled {
		m.Register(channels.NewDiscord(cfg.Tenant, cfg.Channels.Discord, mb))
	}
	if cfg.Channels.Web.Enabled {
		m.Register(channels.NewWeb(cfg.Tenant, cfg.Channels.Web, mb))
	}
	if cfg.Channels.CLI.Enabled {
		m.Register(channels.NewCLI(cfg.Tenant, mb))
	}
}

// processBatch runs one turn and routes the reply outbound.
func (c *Container) processBatch(ctx context.Context, b *batch.Batch) {
	reply := c.Orchestrator.ProcessBatch(ctx, b)
	c.Bus.PublishOutbound(reply)
}

// Run starts the channels, the inbound pump and the reminder loop, then
// blocks until the context is cancelled.
func (c *Container) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.Channels.Start(runCtx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pumpInbound(runCtx)
	}()
	if c.Config.Scheduler.Enabled {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.Reminders.Run(runCtx)
		}()
	}

	c.Events.Publish(domain.NewEvent(domain.EventSystemStartup, "", nil))
	c.log.Info("concierge running", "tenant", c.Config.Tenant)

	<-runCtx.Done()
	return nil
}

// pumpInbound feeds bus messages into the batcher.
func (c *Container) pumpInbound(ctx context.Context) {
	for {
		msg, ok := c.Bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		c.Batcher.Enqueue(msg)
	}
}

// Shutdown stops intake, drains in-flight turns and closes the stores.
func (c *Container) Shutdown() {
	c.log.Info("shutting down")
	c.Events.Publish(domain.NewEvent(domain.EventSystemShutdown, "", nil))

	if c.cancel != nil {
		c.cancel()
	}
	c.Channels.Stop()
	c.Batcher.Close() // flushes open batches, waits for in-flight turns
	c.wg.Wait()

	if err := c.Profiles.Close(); err != nil {
		c.log.Warn("profile store close", "err", err)
	}
	c.ContextStore.Close()
	c.Bus.Close()
	c.Events.Close()
}
