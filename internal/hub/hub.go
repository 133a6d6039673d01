// Package hub is the WebSocket broker: it authenticates clients against
// the shared token, routes typed client envelopes through the supervisor,
// and broadcasts every supervisor event to all connected clients.
package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/codex-hub/codex-hub/internal/appserver"
	"github.com/codex-hub/codex-hub/internal/observers"
	"github.com/codex-hub/codex-hub/internal/profiles"
	"github.com/codex-hub/codex-hub/internal/supervisor"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxMessageSize = 1024 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 64,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		// Token auth is the gate; origin is not.
		return true
	},
}

// Client is one connected WebSocket client.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub maintains the client set and the broadcast loop.
type Hub struct {
	token      string
	sup        Supervisor
	store      *profiles.Store
	dispatcher *observers.Dispatcher

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a broker over the given supervisor and profile store. The
// dispatcher may be nil when no observers are attached.
func NewHub(token string, sup Supervisor, store *profiles.Store, dispatcher *observers.Dispatcher) *Hub {
	return &Hub{
		token:      token,
		sup:        sup,
		store:      store,
		dispatcher: dispatcher,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full; drop the slow client.
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()
					log.Warn().Str("client", client.id).Msg("WebSocket client too slow, dropped")
				}
			}

		case <-h.quit:
			return
		}
	}
}

// Stop terminates the broadcast loop.
func (h *Hub) Stop() {
	close(h.quit)
}

// Pump translates supervisor events into broadcast envelopes. Run it as a
// goroutine over a dedicated subscription; it returns when the channel
// closes.
func (h *Hub) Pump(events <-chan supervisor.Event) {
	for ev := range events {
		switch ev.Kind {
		case appserver.EventNotification:
			h.broadcastMessage(serverMessage{
				Type: "rpc.event", ProfileID: ev.ProfileID, Method: ev.Method, Params: ev.Params,
			})
		case appserver.EventPeerRequest:
			h.broadcastMessage(serverMessage{
				Type: "rpc.serverRequest", ProfileID: ev.ProfileID, ID: ev.ID, Method: ev.Method, Params: ev.Params,
			})
		case appserver.EventStderr:
			h.broadcastMessage(serverMessage{
				Type: "profile.diagnostic", ProfileID: ev.ProfileID, Text: ev.Text,
			})
		case appserver.EventError:
			msg := serverMessage{Type: "profile.error", ProfileID: ev.ProfileID}
			if ev.Err != nil {
				msg.Message = ev.Err.Error()
			}
			h.broadcastMessage(msg)
		case appserver.EventExit:
			h.broadcastMessage(serverMessage{
				Type: "profile.exit", ProfileID: ev.ProfileID, Code: ev.ExitCode,
			})
		}
	}
}

// HandleWebSocket upgrades the connection after checking the token.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	if r.URL.Query().Get("token") != h.token {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		log.Warn().Str("remote", r.RemoteAddr).Msg("WebSocket client rejected, bad token")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   ulid.Make().String(),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) observe(tr observers.Traffic) {
	if h.dispatcher != nil {
		h.dispatcher.Publish(tr)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			break
		}
		c.hub.handleMessage(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Flush whatever else is queued.
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case msg := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue delivers one message to this client only.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Warn().Str("client", c.id).Msg("Client send buffer full, reply dropped")
	}
}
