package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
)

// CLI is the interactive terminal channel, mostly for local testing. A
// single fixed address represents the operator.
type CLI struct {
	tenant string
	bus    *bus.MessageBus
	log    *slog.Logger

	rl     *readline.Instance
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const cliAddress = "local"

// NewCLI creates the terminal adapter.
func NewCLI(tenant string, mb *bus.MessageBus) *CLI {
	return &CLI{
		tenant: tenant,
		bus:    mb,
		log:    logger.Component("cli"),
	}
}

func (c *CLI) Name() domain.ChannelType { return domain.ChannelCLI }

func (c *CLI) Start(ctx context.Context) error {
	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("cli: init readline: %w", err)
	}
	c.rl = rl

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			line, err := rl.Readline()
			if err != nil { // io.EOF or readline.ErrInterrupt
				if err != io.EOF && err != readline.ErrInterrupt {
					c.log.Warn("readline error", "err", err)
				}
				return
			}
			if runCtx.Err() != nil {
				return
			}
			if line == "" {
				continue
			}
			c.bus.PublishInbound(bus.InboundMessage{
				Sender:     domain.NewSender(c.tenant, domain.ChannelCLI, cliAddress),
				Text:       line,
				ReceivedAt: time.Now(),
			})
		}
	}()
	return nil
}

func (c *CLI) Send(msg bus.OutboundMessage) error {
	fmt.Fprintf(c.rl.Stdout(), "bot> %s\n", msg.Text)
	return nil
}

func (c *CLI) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.rl != nil {
		c.rl.Close()
	}
	c.wg.Wait()
	return nil
}

// Compile-time verification
var _ Channel = (*CLI)(nil)
