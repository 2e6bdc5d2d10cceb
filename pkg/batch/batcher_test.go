package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/domain"
)

func sender(address string) domain.Sender {
	return domain.NewSender("acme", domain.ChannelTelegram, address)
}

func msg(s domain.Sender, text string) bus.InboundMessage {
	return bus.InboundMessage{Sender: s, Text: text, ReceivedAt: time.Now()}
}

func TestRapidMessagesSettleAsOneBatch(t *testing.T) {
	settled := make(chan *Batch, 4)
	b := New(Options{QuietPeriod: 120 * time.Millisecond, MaxWait: 5 * time.Second},
		func(_ context.Context, batch *Batch) { settled <- batch })
	defer b.Close()

	s := sender("42")
	b.Enqueue(msg(s, "Hi"))
	time.Sleep(30 * time.Millisecond) // well inside the quiet period
	b.Enqueue(msg(s, "book a haircut tomorrow"))

	var batch *Batch
	select {
	case batch = <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never settled")
	}

	if len(batch.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(batch.Messages))
	}
	if batch.Messages[0].Text != "Hi" || batch.Messages[1].Text != "book a haircut tomorrow" {
		t.Errorf("messages out of order: %q, %q", batch.Messages[0].Text, batch.Messages[1].Text)
	}
	if batch.Text() != "Hi\nbook a haircut tomorrow" {
		t.Errorf("Text() = %q", batch.Text())
	}

	select {
	case extra := <-settled:
		t.Errorf("unexpected second batch: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestQuietGapStartsNewBatch(t *testing.T) {
	settled := make(chan *Batch, 4)
	b := New(Options{QuietPeriod: 60 * time.Millisecond, MaxWait: 5 * time.Second},
		func(_ context.Context, batch *Batch) { settled <- batch })
	defer b.Close()

	s := sender("42")
	b.Enqueue(msg(s, "first"))
	first := <-settled

	b.Enqueue(msg(s, "second"))
	second := <-settled

	if len(first.Messages) != 1 || first.Messages[0].Text != "first" {
		t.Errorf("first batch = %+v", first.Messages)
	}
	if len(second.Messages) != 1 || second.Messages[0].Text != "second" {
		t.Errorf("second batch = %+v", second.Messages)
	}
}

func TestSingleFlightPerSender(t *testing.T) {
	var inFlight, maxInFlight int32
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex

	b := New(Options{QuietPeriod: 40 * time.Millisecond, MaxWait: 5 * time.Second},
		func(_ context.Context, batch *Batch) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
					break
				}
			}
			<-release
			mu.Lock()
			order = append(order, batch.Messages[0].Text)
			mu.Unlock()
			atomic.AddInt32(&inFlight, -1)
		})
	defer b.Close()

	s := sender("42")
	b.Enqueue(msg(s, "one"))
	b.Flush()
	b.Enqueue(msg(s, "two"))
	b.Flush()
	b.Enqueue(msg(s, "three"))
	b.Flush()

	time.Sleep(100 * time.Millisecond) // let the lane pick up work
	close(release)
	b.Close()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("max concurrent turns for one sender = %d, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "one" || order[1] != "two" || order[2] != "three" {
		t.Errorf("processing order = %v", order)
	}
}

func TestDistinctSendersRunConcurrently(t *testing.T) {
	var running sync.WaitGroup
	running.Add(2)
	release := make(chan struct{})

	b := New(Options{QuietPeriod: 30 * time.Millisecond, MaxWait: 5 * time.Second},
		func(_ context.Context, _ *Batch) {
			running.Done()
			<-release
		})

	b.Enqueue(msg(sender("a"), "hi"))
	b.Enqueue(msg(sender("b"), "hi"))
	b.Flush()

	done := make(chan struct{})
	go func() { running.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("senders did not process concurrently")
	}
	close(release)
	b.Close()
}

func TestMaxWaitCeilingSealsABusySender(t *testing.T) {
	settled := make(chan *Batch, 4)
	b := New(Options{QuietPeriod: 60 * time.Millisecond, MaxWait: 150 * time.Millisecond},
		func(_ context.Context, batch *Batch) { settled <- batch })
	defer b.Close()

	s := sender("42")
	stop := make(chan struct{})
	go func() {
		// Never pause longer than the quiet period.
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.Enqueue(msg(s, "still typing"))
			}
		}
	}()

	select {
	case batch := <-settled:
		if len(batch.Messages) == 0 {
			t.Error("sealed batch is empty")
		}
	case <-time.After(time.Second):
		t.Fatal("ceiling did not seal the batch")
	}
	close(stop)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	var processed []string
	var mu sync.Mutex

	b := New(Options{QuietPeriod: 30 * time.Millisecond, MaxWait: 5 * time.Second, QueueDepth: 2},
		func(_ context.Context, batch *Batch) {
			started <- struct{}{}
			<-release
			mu.Lock()
			processed = append(processed, batch.Messages[0].Text)
			mu.Unlock()
		})

	s := sender("42")
	b.Enqueue(msg(s, "a"))
	b.Flush()
	<-started // "a" is in flight and off the queue
	for _, text := range []string{"b", "c", "d"} {
		b.Enqueue(msg(s, text))
		b.Flush()
	}
	close(release)
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 3 {
		t.Fatalf("processed = %v, want in-flight batch plus 2 queued", processed)
	}
	if processed[0] != "a" || processed[1] != "c" || processed[2] != "d" {
		t.Errorf("processed = %v, want [a c d] (oldest queued dropped)", processed)
	}
}
