package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/config"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
)

// Discord delivers messages over the Discord gateway. The Discord channel
// ID is the sender address.
type Discord struct {
	tenant  string
	cfg     config.DiscordConfig
	bus     *bus.MessageBus
	log     *slog.Logger
	session *discordgo.Session
}

// NewDiscord creates the Discord adapter.
func NewDiscord(tenant string, cfg config.DiscordConfig, mb *bus.MessageBus) *Discord {
	return &Discord{
		tenant: tenant,
		cfg:    cfg,
		bus:    mb,
		log:    logger.Component("discord"),
	}
}

func (d *Discord) Name() domain.ChannelType { return domain.ChannelDiscord }

func (d *Discord) Start(_ context.Context) error {
	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}

	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Content == "" {
			return
		}
		d.bus.PublishInbound(bus.InboundMessage{
			Sender:     domain.NewSender(d.tenant, domain.ChannelDiscord, m.ChannelID),
			Text:       m.Content,
			ReceivedAt: time.Now(),
			Metadata:   map[string]string{"user": m.Author.ID},
		})
	})
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	d.session = session
	return nil
}

func (d *Discord) Send(msg bus.OutboundMessage) error {
	_, err := d.session.ChannelMessageSend(msg.Sender.Address, msg.Text)
	return err
}

func (d *Discord) Stop() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

// Compile-time verification
var _ Channel = (*Discord)(nil)
