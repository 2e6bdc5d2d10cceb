package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glowdesk/concierge/pkg/domain"
)

func TestPublishConsumeInbound(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	sender := domain.NewSender("acme", domain.ChannelCLI, "local")
	mb.PublishInbound(InboundMessage{Sender: sender, Text: "hello", ReceivedAt: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no message")
	}
	if msg.Text != "hello" || msg.Sender.Key() != sender.Key() {
		t.Errorf("msg = %+v", msg)
	}
}

func TestHandlerRegistry(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	var delivered []string
	mb.RegisterHandler(domain.ChannelTelegram, func(msg OutboundMessage) error {
		delivered = append(delivered, msg.Text)
		return nil
	})

	handler, ok := mb.GetHandler(domain.ChannelTelegram)
	if !ok {
		t.Fatal("handler not found")
	}
	handler(OutboundMessage{Text: "reply"})
	if len(delivered) != 1 || delivered[0] != "reply" {
		t.Errorf("delivered = %v", delivered)
	}

	if _, ok := mb.GetHandler(domain.ChannelSlack); ok {
		t.Error("unexpected handler for unregistered channel")
	}
}

func TestInboundTapSeesCopies(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	tap := mb.SubscribeInboundTap("audit")
	mb.PublishInbound(InboundMessage{Text: "one"})

	select {
	case got := <-tap:
		if got.(InboundMessage).Text != "one" {
			t.Errorf("tap got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("tap never received")
	}

	// Primary consumer still gets the message.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if msg, ok := mb.ConsumeInbound(ctx); !ok || msg.Text != "one" {
		t.Errorf("primary consume = %+v ok=%v", msg, ok)
	}
}

func TestPublishRacingCloseDoesNotPanic(t *testing.T) {
	mb := NewMessageBus()
	mb.SubscribeInboundTap("audit")
	mb.SubscribeOutboundTap("audit")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			mb.PublishInbound(InboundMessage{Text: "in"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			mb.PublishOutbound(OutboundMessage{Text: "out"})
		}
	}()

	time.Sleep(time.Millisecond)
	mb.Close()
	wg.Wait()

	// Publishing after close is a silent no-op.
	mb.PublishInbound(InboundMessage{Text: "late"})
	mb.PublishOutbound(OutboundMessage{Text: "late"})
}

func TestConsumeRespectsContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Error("expected no message on cancelled context")
	}
}
