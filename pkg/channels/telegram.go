package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/config"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
)

// Telegram delivers messages over the Telegram Bot API using long polling.
// The chat ID is the sender address.
type Telegram struct {
	tenant string
	cfg    config.TelegramConfig
	bus    *bus.MessageBus
	log    *slog.Logger

	bot    *telego.Bot
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelegram creates the Telegram adapter.
func NewTelegram(tenant string, cfg config.TelegramConfig, mb *bus.MessageBus) *Telegram {
	return &Telegram{
		tenant: tenant,
		cfg:    cfg,
		bus:    mb,
		log:    logger.Component("telegram"),
	}
}

func (t *Telegram) Name() domain.ChannelType { return domain.ChannelTelegram }

func (t *Telegram) Start(ctx context.Context) error {
	bot, err := telego.NewBot(t.cfg.Token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	t.bot = bot

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	updates, err := bot.UpdatesViaLongPolling(runCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: long polling: %w", err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for update := range updates {
			msg := update.Message
			if msg == nil || msg.Text == "" {
				continue
			}
			address := strconv.FormatInt(msg.Chat.ID, 10)
			t.bus.PublishInbound(bus.InboundMessage{
				Sender:     domain.NewSender(t.tenant, domain.ChannelTelegram, address),
				Text:       msg.Text,
				ReceivedAt: time.Now(),
				Sequence:   int64(msg.MessageID),
			})
		}
	}()
	return nil
}

func (t *Telegram) Send(msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.Sender.Address, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", msg.Sender.Address, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = t.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Text))
	return err
}

func (t *Telegram) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}

// Compile-time verification
var _ Channel = (*Telegram)(nil)
