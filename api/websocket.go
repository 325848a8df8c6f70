package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jreiner16/AceMarket/internal/auth"
	"github.com/jreiner16/AceMarket/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second

	// quoteTickInterval paces the push of quotes for subscribed
	// symbols.
	quoteTickInterval = 30 * time.Second
)

// Hub manages WebSocket clients. It delivers run-progress events to
// the owning user and periodic quote ticks for subscribed symbols.
// All client bookkeeping happens on the Run goroutine.
type Hub struct {
	verifier *auth.Verifier
	market   MarketData
	upgrader websocket.Upgrader

	register   chan *wsClient
	unregister chan *wsClient
	events     chan wsEvent
	control    chan wsControl
	ticks      chan quoteTick

	log zerolog.Logger
}

// wsClient is one connected socket.
type wsClient struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan any
	symbols map[string]bool
}

// wsEvent targets every client of one user.
type wsEvent struct {
	userID  string
	payload any
}

// wsControl mutates a client's symbol subscriptions on the hub
// goroutine.
type wsControl struct {
	client    *wsClient
	subscribe bool
	symbols   []string
}

type quoteTick struct {
	symbol  string
	payload any
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(verifier *auth.Verifier, market MarketData) *Hub {
	return &Hub{
		verifier: verifier,
		market:   market,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers cannot set Authorization headers on sockets, so
			// origin-based CORS already gates the handshake upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan wsEvent, 256),
		control:    make(chan wsControl, 64),
		ticks:      make(chan quoteTick, 64),
		log:        logging.Component("ws"),
	}
}

// Notify implements the run orchestrator's progress sink.
func (h *Hub) Notify(userID string, event any) {
	select {
	case h.events <- wsEvent{userID: userID, payload: event}:
	default:
		// Drop when the hub is saturated; progress is advisory.
	}
}

// Run owns the client table until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*wsClient]bool)
	ticker := time.NewTicker(quoteTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				close(c.send)
			}
			return

		case c := <-h.register:
			clients[c] = true
			h.log.Debug().Str("client", c.id).Str("user", c.userID).Msg("connected")

		case c := <-h.unregister:
			if clients[c] {
				delete(clients, c)
				close(c.send)
			}

		case ev := <-h.events:
			for c := range clients {
				if c.userID != ev.userID {
					continue
				}
				select {
				case c.send <- ev.payload:
				default:
				}
			}

		case ctl := <-h.control:
			if !clients[ctl.client] {
				continue
			}
			for _, symbol := range ctl.symbols {
				if ctl.subscribe {
					ctl.client.symbols[symbol] = true
				} else {
					delete(ctl.client.symbols, symbol)
				}
			}

		case <-ticker.C:
			wanted := make(map[string]bool)
			for c := range clients {
				for symbol := range c.symbols {
					wanted[symbol] = true
				}
			}
			if len(wanted) > 0 {
				go h.fetchQuotes(ctx, wanted)
			}

		case tick := <-h.ticks:
			for c := range clients {
				if !c.symbols[tick.symbol] {
					continue
				}
				select {
				case c.send <- tick.payload:
				default:
				}
			}
		}
	}
}

// fetchQuotes pulls quotes off the hub goroutine and feeds them back
// through the ticks channel for fan-out.
func (h *Hub) fetchQuotes(ctx context.Context, symbols map[string]bool) {
	ctx, cancel := context.WithTimeout(ctx, quoteTickInterval)
	defer cancel()

	for symbol := range symbols {
		q, err := h.market.Quote(ctx, symbol)
		if err != nil {
			h.log.Debug().Str("symbol", symbol).Err(err).Msg("tick quote failed")
			continue
		}
		select {
		case h.ticks <- quoteTick{symbol: symbol, payload: map[string]any{
			"kind":  "quote",
			"quote": q,
		}}:
		case <-ctx.Done():
			return
		}
	}
}

// HandleWS upgrades the connection. The bearer token comes in the
// "token" query parameter since browsers cannot set headers on socket
// handshakes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	uid, err := h.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	client := &wsClient{
		id:      uuid.NewString(),
		userID:  uid,
		conn:    conn,
		send:    make(chan any, 64),
		symbols: make(map[string]bool),
	}
	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

// wsInbound is the one client-to-server message shape.
type wsInbound struct {
	Action  string   `json:"action"` // "subscribe" or "unsubscribe"
	Symbols []string `json:"symbols"`
}

func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg wsInbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		var symbols []string
		for _, raw := range msg.Symbols {
			if symbol, err := validateSymbol(raw); err == nil {
				symbols = append(symbols, symbol)
			}
		}
		switch msg.Action {
		case "subscribe", "unsubscribe":
			h.control <- wsControl{
				client:    c,
				subscribe: msg.Action == "subscribe",
				symbols:   symbols,
			}
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
