// Package scheduler sends appointment reminders. A cron expression gates
// the sweep; each sweep reads upcoming reservations from the booking
// provider and pushes one reminder per reservation outbound.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/glowdesk/concierge/pkg/booking"
	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
)

// Reminders runs the reminder sweep loop.
type Reminders struct {
	tenant    string
	cron      string
	lookahead time.Duration
	provider  booking.Provider
	bus       *bus.MessageBus
	events    domain.EventBus
	log       *slog.Logger

	gron *gronx.Gronx

	mu       sync.Mutex
	reminded map[string]time.Time // reservation ID -> when reminded
}

// Option customizes the reminder loop.
type Option func(*Reminders)

// WithEventBus publishes reminder lifecycle events.
func WithEventBus(eb domain.EventBus) Option {
	return func(r *Reminders) { r.events = eb }
}

// New creates the reminder scheduler.
func New(tenant, cron string, lookahead time.Duration, provider booking.Provider, mb *bus.MessageBus, opts ...Option) *Reminders {
	if cron == "" {
		cron = "*/15 * * * *"
	}
	if lookahead <= 0 {
		lookahead = 24 * time.Hour
	}
	r := &Reminders{
		tenant:    tenant,
		cron:      cron,
		lookahead: lookahead,
		provider:  provider,
		bus:       mb,
		log:       logger.Component("scheduler"),
		gron:      gronx.New(),
		reminded:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks once a minute and sweeps whenever the cron expression is due.
// Blocks until the context is cancelled.
func (r *Reminders) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := r.gron.IsDue(r.cron, now)
			if err != nil {
				r.log.Error("bad cron expression", "cron", r.cron, "err", err)
				return
			}
			if due {
				r.Sweep(ctx)
			}
		}
	}
}

// Sweep reads reservations starting within the lookahead window and sends
// one reminder each. Already-reminded reservations are skipped.
func (r *Reminders) Sweep(ctx context.Context) {
	upcoming, err := r.provider.ListUpcoming(ctx, r.tenant, r.lookahead)
	if err != nil {
		r.log.Warn("upcoming reservations unavailable", "err", err)
		return
	}

	for _, res := range upcoming {
		if res.Status != "confirmed" || !r.markReminded(res.ID) {
			continue
		}
		r.bus.PublishOutbound(bus.OutboundMessage{
			Sender: res.Customer,
			Text:   reminderText(res),
		})
		r.publish(domain.EventReminderSent, res)
		r.log.Info("reminder sent", "reservation", res.ID, "sender", res.Customer.Key())
	}

	r.expireReminded()
}

// markReminded reports whether this reservation still needs its reminder,
// recording it as sent.
func (r *Reminders) markReminded(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.reminded[id]; done {
		return false
	}
	r.reminded[id] = time.Now()
	return true
}

// expireReminded drops bookkeeping older than twice the lookahead, so the
// map does not grow without bound.
func (r *Reminders) expireReminded() {
	cutoff := time.Now().Add(-2 * r.lookahead)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, at := range r.reminded {
		if at.Before(cutoff) {
			delete(r.reminded, id)
		}
	}
}

func (r *Reminders) publish(event domain.EventType, res booking.Reservation) {
	if r.events == nil {
		return
	}
	r.events.Publish(domain.NewEvent(event, domain.EntityID(res.ID), map[string]interface{}{
		"reservation": res.ID,
		"sender":      res.Customer.Key(),
	}))
}

func reminderText(res booking.Reservation) string {
	when := res.Start.Format("Monday, Jan 2 at 15:04")
	if res.Staff != "" {
		return fmt.Sprintf("Reminder: your %s with %s is coming up %s. Reply here if you need to change it.",
			res.Service, res.Staff, when)
	}
	return fmt.Sprintf("Reminder: your %s is coming up %s. Reply here if you need to change it.",
		res.Service, when)
}
