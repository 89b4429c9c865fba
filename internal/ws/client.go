package ws

import (
	"net/http"
	"time"

	"chatty-portal/backend/pkg/logger"
	protocol "chatty-portal/backend/pkg/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames buffered per client before it is considered stuck
	sendBuffer = 256
)

// Client is one connected socket. Its send channel is owned by the Hub.
type Client struct {
	ID      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	limiter *rate.Limiter
	log     *logger.Logger
}

func (h *Hub) newClient(id string, conn *websocket.Conn) *Client {
	if id == "" {
		id = ulid.Make().String()
	}
	limit := rate.Inf
	if h.opts.MessageRate > 0 {
		limit = rate.Limit(h.opts.MessageRate)
	}
	burst := h.opts.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		ID:      id,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		hub:     h,
		limiter: rate.NewLimiter(limit, burst),
		log:     h.log.WithConnID(id),
	}
}

// receive hands one raw frame from c to the dispatch loop
func (h *Hub) receive(c *Client, frame []byte) bool {
	if !c.limiter.Allow() {
		return h.enqueue(inboundEvent{client: c, limited: true})
	}
	env, err := protocol.Decode(frame)
	if err == nil && env.Event == "" {
		err = errMissingEvent
	}
	return h.enqueue(inboundEvent{client: c, env: env, err: err})
}

// ReadPump pumps messages from the websocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.enqueue(unregisterEvent{client: c})
		c.conn.Close()
		c.log.Debug("ReadPump ended")
	}()

	maxMessageSize := c.hub.opts.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = 1 << 20
	}
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.LogError(err, "Unexpected socket close")
			}
			return
		}
		// Any application traffic counts as liveness
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.hub.receive(c, frame) {
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection
func (c *Client) WritePump() {
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
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Send any queued messages as separate frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				extra, ok := <-c.send
				if !ok {
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, extra); err != nil {
					return
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

func (h *Hub) upgrader() websocket.Upgrader {
	allowAll := len(h.opts.AllowedOrigins) == 0
	allowed := make(map[string]bool, len(h.opts.AllowedOrigins))
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || allowed[origin]
		},
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
}

// ServeWs upgrades the request and attaches the socket to the hub
func (h *Hub) ServeWs(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	default:
	}

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.LogError(err, "Error upgrading connection", "remote_addr", c.ClientIP())
		return
	}

	client := h.newClient("", conn)
	if !h.enqueue(registerEvent{client: client}) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
