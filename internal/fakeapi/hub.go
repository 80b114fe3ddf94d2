package fakeapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 15 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = 10 * time.Second

	sendBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type conn struct {
	hub       *hub
	userID    int
	ws        *websocket.Conn
	send      chan string
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// hub fans per-user signals out to every socket the user has open.
type hub struct {
	mu     sync.Mutex
	conns  map[int]map[*conn]struct{}
	opened map[int]int
	log    *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		conns:  make(map[int]map[*conn]struct{}),
		opened: make(map[int]int),
		log:    logger.With("component", "hub"),
	}
}

func (h *hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.userID] == nil {
		h.conns[c.userID] = make(map[*conn]struct{})
	}
	h.conns[c.userID][c] = struct{}{}
	h.opened[c.userID]++
}

func (h *hub) unregister(c *conn) {
	h.mu.Lock()
	if set, ok := h.conns[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// notify queues text for every socket of userID and reports how many
// sockets accepted it.
func (h *hub) notify(userID int, text string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for c := range h.conns[userID] {
		select {
		case c.send <- text:
			delivered++
		default:
			dropped := c.dropped.Add(1)
			if dropped%10 == 1 {
				h.log.Warn("dropped signal for slow client", "user_id", userID, "dropped", dropped)
			}
		}
	}
	return delivered
}

// drop closes every socket of userID without a close handshake, the way a
// network failure would.
func (h *hub) drop(userID int) {
	h.mu.Lock()
	var victims []*conn
	for c := range h.conns[userID] {
		victims = append(victims, c)
	}
	h.mu.Unlock()

	for _, c := range victims {
		c.close()
	}
}

func (h *hub) active(userID int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

func (h *hub) openedTotal(userID int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened[userID]
}

func (h *hub) shutdown() {
	h.mu.Lock()
	var all []*conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) readPump() {
	defer c.hub.unregister(c)

	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		// Clients only listen; anything they send refreshes the deadline.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case text := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWS upgrades /ws/{userID}. The token query parameter must belong to
// the addressed user.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userID"))
	if err != nil {
		notFound(w, "Unknown user")
		return
	}

	u, ok := s.userForToken(r.URL.Query().Get("token"))
	if !ok || u.ID != userID {
		unauthorized(w)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		hub:    s.hub,
		userID: userID,
		ws:     ws,
		send:   make(chan string, sendBufferSize),
		done:   make(chan struct{}),
	}
	s.hub.register(c)
	s.log.Debug("websocket connected", "user_id", userID)

	go c.writePump()
	go c.readPump()
}
