package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/config"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
)

// Slack delivers messages over Socket Mode. The Slack channel ID is the
// sender address, so a DM and a channel thread are distinct conversations.
type Slack struct {
	tenant string
	cfg    config.SlackConfig
	bus    *bus.MessageBus
	log    *slog.Logger

	api    *slack.Client
	socket *socketmode.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSlack creates the Slack adapter.
func NewSlack(tenant string, cfg config.SlackConfig, mb *bus.MessageBus) *Slack {
	return &Slack{
		tenant: tenant,
		cfg:    cfg,
		bus:    mb,
		log:    logger.Component("slack"),
	}
}

func (s *Slack) Name() domain.ChannelType { return domain.ChannelSlack }

func (s *Slack) Start(ctx context.Context) error {
	if s.cfg.BotToken == "" || s.cfg.AppToken == "" {
		return fmt.Errorf("slack: bot_token and app_token are required")
	}

	s.api = slack.New(s.cfg.BotToken, slack.OptionAppLevelToken(s.cfg.AppToken))
	s.socket = socketmode.New(s.api)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Error("socket mode stopped", "err", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.consumeEvents(runCtx)
	}()
	return nil
}

func (s *Slack) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			s.socket.Ack(*evt.Request)

			msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
			if !ok || msg.BotID != "" || msg.Text == "" {
				continue
			}
			s.bus.PublishInbound(bus.InboundMessage{
				Sender:     domain.NewSender(s.tenant, domain.ChannelSlack, msg.Channel),
				Text:       msg.Text,
				ReceivedAt: time.Now(),
				Metadata:   map[string]string{"user": msg.User, "ts": msg.TimeStamp},
			})
		}
	}
}

func (s *Slack) Send(msg bus.OutboundMessage) error {
	_, _, err := s.api.PostMessage(msg.Sender.Address, slack.MsgOptionText(msg.Text, false))
	return err
}

func (s *Slack) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

// Compile-time verification
var _ Channel = (*Slack)(nil)
