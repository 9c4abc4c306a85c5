package smt

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/reimann/common"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 54 * time.Second
	feedSendBuffer = 256
)

// FeedEvent is pushed to every feed subscriber once per append.
type FeedEvent struct {
	Index uint64      `json:"index"`
	Leaf  common.Hash `json:"leaf"`
	Root  common.Hash `json:"root"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans append events out to the websocket feed subscribers.
type Hub struct {
	clients    map[*subscriber]struct{}
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan []byte
	onCount    func(int)
	running    atomic.Bool // set while run is delivering events
}

type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newHub(onCount func(int)) *Hub {
	return &Hub{
		clients:    make(map[*subscriber]struct{}),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan []byte, feedSendBuffer),
		onCount:    onCount,
	}
}

func (h *Hub) run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.onCount(0)
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.onCount(len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.onCount(len(h.clients))
			}

		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// slow consumer
					close(c.send)
					delete(h.clients, c)
					h.onCount(len(h.clients))
				}
			}
		}
	}
}

// publish never blocks the append path. Events are dropped when no feed loop is running or
// when the hub is saturated.
func (h *Hub) publish(ev FeedEvent) {
	if !h.running.Load() {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn(log.SMT, "feed: marshal event", "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn(log.SMT, "feed: broadcast buffer full, dropping event", "index", ev.Index)
	}
}

func (h *Hub) serveWs(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.SMT, "feed: upgrade failed", "err", err)
		return
	}
	c := &subscriber{hub: h, conn: conn, send: make(chan []byte, feedSendBuffer)}
	select {
	case h.register <- c:
	case <-ctx.Done():
		conn.Close()
		return
	}

	go c.writePump(ctx)
	go c.readPump(ctx)
}

// readPump only consumes control frames; subscribers have nothing to say.
func (c *subscriber) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug(log.SMT, "feed: subscriber closed", "err", err)
			}
			return
		}
	}
}

func (c *subscriber) writePump(ctx context.Context) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
