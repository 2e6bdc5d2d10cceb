// Package batch groups rapid consecutive messages from one sender into a
// single unit of work. A batch stays open while messages keep arriving
// within the quiet period, up to a hard ceiling, then seals exactly once
// and is handed to the processor. Per sender, settled batches are processed
// strictly one at a time in FIFO order.
package batch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
)

// Batch is one settled episode of messages from a single sender.
type Batch struct {
	Sender    domain.Sender
	Messages  []bus.InboundMessage
	OpenedAt  time.Time
	SettledAt time.Time
}

// Text joins the batched message texts in arrival order.
func (b *Batch) Text() string {
	parts := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n")
}

// Processor consumes one settled batch. Calls for the same sender are
// serialized by the batcher; calls for different senders may be concurrent.
type Processor func(ctx context.Context, batch *Batch)

// Options tune batching behavior.
type Options struct {
	// QuietPeriod is how long a batch waits for a follow-up message before
	// sealing. Each new message resets it.
	QuietPeriod time.Duration
	// MaxWait is the hard ceiling on total open duration; a sender who
	// never pauses still gets served.
	MaxWait time.Duration
	// QueueDepth bounds the per-sender backlog of settled batches waiting
	// on an in-flight turn. Overflow drops the oldest queued batch.
	QueueDepth int
}

type openBatch struct {
	batch    *Batch
	timer    *time.Timer
	deadline time.Time
	gen      int // bumped on every append; stale timers check it
}

type lane struct {
	queue []*Batch
	busy  bool
}

// Batcher owns the open batches and the per-sender dispatch lanes.
type Batcher struct {
	opts    Options
	process Processor
	events  domain.EventBus
	log     *slog.Logger

	mu     sync.Mutex
	open   map[string]*openBatch
	lanes  map[string]*lane
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Batcher.
type Option func(*Batcher)

// WithEventBus publishes batch lifecycle events.
func WithEventBus(bus domain.EventBus) Option {
	return func(b *Batcher) { b.events = bus }
}

// New creates a batcher that hands settled batches to process.
func New(opts Options, process Processor, options ...Option) *Batcher {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = 1500 * time.Millisecond
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Second
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		opts:    opts,
		process: process,
		log:     logger.Component("batch"),
		open:    make(map[string]*openBatch),
		lanes:   make(map[string]*lane),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Enqueue adds one inbound message. If the sender has no open batch, one is
// opened; otherwise the message is appended and the quiet-period timer
// resets. A message arriving after sealing starts a fresh batch, never an
// in-flight one.
func (b *Batcher) Enqueue(msg bus.InboundMessage) {
	key := msg.Sender.Key()
	now := time.Now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	ob, exists := b.open[key]
	if !exists {
		ob = &openBatch{
			batch:    &Batch{Sender: msg.Sender, OpenedAt: now},
			deadline: now.Add(b.opts.MaxWait),
		}
		b.open[key] = ob
		b.publish(domain.EventBatchOpened, key, nil)
	} else {
		ob.timer.Stop()
	}
	ob.batch.Messages = append(ob.batch.Messages, msg)
	ob.gen++

	wait := b.opts.QuietPeriod
	if until := ob.deadline.Sub(now); until < wait {
		wait = until
	}
	if wait <= 0 {
		b.sealLocked(key, ob)
		b.mu.Unlock()
		return
	}

	gen := ob.gen
	ob.timer = time.AfterFunc(wait, func() { b.onTimer(key, ob, gen) })
	b.mu.Unlock()
}

// onTimer seals the batch the timer was armed for, unless an Enqueue
// already sealed it, replaced it, or reset the quiet period after the
// timer fired.
func (b *Batcher) onTimer(key string, ob *openBatch, gen int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open[key] != ob || ob.gen != gen {
		return // stale timer
	}
	b.sealLocked(key, ob)
}

// sealLocked stamps the batch, removes it from the open set and queues it
// on the sender's lane. Caller holds b.mu, so no Enqueue can append to the
// batch once sealing starts.
func (b *Batcher) sealLocked(key string, ob *openBatch) {
	delete(b.open, key)
	ob.batch.SettledAt = time.Now()
	b.publish(domain.EventBatchSealed, key, len(ob.batch.Messages))

	l := b.lanes[key]
	if l == nil {
		l = &lane{}
		b.lanes[key] = l
	}
	if len(l.queue) >= b.opts.QueueDepth {
		dropped := l.queue[0]
		l.queue = l.queue[1:]
		b.log.Warn("batch queue full, dropping oldest",
			"sender", key, "dropped_messages", len(dropped.Messages))
		b.publish(domain.EventBatchDropped, key, len(dropped.Messages))
	}
	l.queue = append(l.queue, ob.batch)
	b.publish(domain.EventBatchQueued, key, len(l.queue))

	if !l.busy {
		l.busy = true
		b.wg.Add(1)
		go b.drain(key, l)
	}
}

// drain processes the sender's queued batches one at a time. Single-flight:
// the lane stays busy until the queue is empty, so no two turns for the
// same sender overlap.
func (b *Batcher) drain(key string, l *lane) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(l.queue) == 0 {
			l.busy = false
			b.mu.Unlock()
			return
		}
		next := l.queue[0]
		l.queue = l.queue[1:]
		b.mu.Unlock()

		b.process(b.ctx, next)
	}
}

// Flush seals every open batch immediately. Used at shutdown so buffered
// messages are not lost.
func (b *Batcher) Flush() {
	b.mu.Lock()
	for key, ob := range b.open {
		ob.timer.Stop()
		b.sealLocked(key, ob)
	}
	b.mu.Unlock()
}

// Close stops accepting messages, flushes open batches and waits for
// in-flight processing to finish.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for key, ob := range b.open {
		ob.timer.Stop()
		b.sealLocked(key, ob)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
}

func (b *Batcher) publish(event domain.EventType, senderKey string, detail interface{}) {
	if b.events == nil {
		return
	}
	b.events.Publish(domain.NewEvent(event, domain.EntityID(senderKey), map[string]interface{}{
		"sender": senderKey,
		"detail": detail,
	}))
}
