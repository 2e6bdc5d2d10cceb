package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/glowdesk/concierge/pkg/bus"
	"github.com/glowdesk/concierge/pkg/config"
	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // same-origin requests have no Origin header
		}
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		return false
	},
}

// wsFrame is the JSON frame exchanged with web clients.
type wsFrame struct {
	Text string `json:"text"`
}

// Web serves a websocket chat endpoint. Each connection is one sender; a
// fresh connection ID is the address.
type Web struct {
	tenant string
	cfg    config.WebConfig
	bus    *bus.MessageBus
	log    *slog.Logger

	server *http.Server

	mu    sync.Mutex
	conns map[string]*websocket.Conn // address -> connection
}

// NewWeb creates the websocket adapter.
func NewWeb(tenant string, cfg config.WebConfig, mb *bus.MessageBus) *Web {
	return &Web{
		tenant: tenant,
		cfg:    cfg,
		bus:    mb,
		log:    logger.Component("web"),
		conns:  make(map[string]*websocket.Conn),
	}
}

func (w *Web) Name() domain.ChannelType { return domain.ChannelWeb }

func (w *Web) Start(_ context.Context) error {
	listen := w.cfg.Listen
	if listen == "" {
		listen = ":8091"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleWS)
	w.server = &http.Server{Addr: listen, Handler: mux}

	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.log.Error("web server stopped", "err", err)
		}
	}()
	w.log.Info("web channel listening", "addr", listen)
	return nil
}

func (w *Web) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	address := uuid.NewString()
	w.mu.Lock()
	w.conns[address] = conn
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.conns, address)
		w.mu.Unlock()
		conn.Close()
	}()

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Text == "" {
			continue
		}
		w.bus.PublishInbound(bus.InboundMessage{
			Sender:     domain.NewSender(w.tenant, domain.ChannelWeb, address),
			Text:       frame.Text,
			ReceivedAt: time.Now(),
		})
	}
}

func (w *Web) Send(msg bus.OutboundMessage) error {
	w.mu.Lock()
	conn, ok := w.conns[msg.Sender.Address]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("web: connection %s gone", msg.Sender.Address)
	}
	return conn.WriteJSON(wsFrame{Text: msg.Text})
}

func (w *Web) Stop() error {
	if w.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.server.Shutdown(ctx)
}

// Compile-time verification
var _ Channel = (*Web)(nil)
