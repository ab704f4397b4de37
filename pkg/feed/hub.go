// Package feed streams JSON snapshots to WebSocket subscribers.
//
// A [Hub] fans every broadcast value out to all connected clients. Each
// client has a small send queue. Messages that find a client's queue full are
// dropped for that client only, so a slow renderer never stalls the producer
// or the other subscribers.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Hub is an [http.Handler] that upgrades requests to WebSocket subscriptions.
type Hub struct {
	buffer       int
	writeTimeout time.Duration
	origins      []string
	snapshot     func() any
	log          *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Uint64
}

type client struct {
	send chan []byte
}

// Option configures a [Hub].
type Option func(*Hub)

// WithBuffer sets the per-client queue length. Default 8.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithWriteTimeout bounds a single write to a client. Default 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin subscriptions from hosts matching
// the given patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = append(h.origins, patterns...) }
}

// WithSnapshot sends fn's result to every new subscriber before the first
// broadcast.
func WithSnapshot(fn func() any) Option {
	return func(h *Hub) { h.snapshot = fn }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// NewHub creates a hub without subscribers.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer:       8,
		writeTimeout: 5 * time.Second,
		log:          slog.Default(),
		clients:      make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Broadcast encodes v once and queues it for every subscriber. It never
// blocks; clients with a full queue miss this message.
func (h *Hub) Broadcast(v any) {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n == 0 {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("feed: encoding broadcast", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// ServeHTTP accepts a subscription and streams broadcasts until the client
// disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Debug("feed: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan []byte, h.buffer)}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)
	h.log.Debug("feed: subscriber connected", "remote", r.RemoteAddr)

	// Subscribers only listen; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if h.snapshot != nil {
		if err := h.write(ctx, func(ctx context.Context) error {
			return wsjson.Write(ctx, conn, h.snapshot())
		}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := h.write(ctx, func(ctx context.Context) error {
				return conn.Write(ctx, websocket.MessageText, data)
			}); err != nil {
				h.log.Debug("feed: subscriber write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return fn(ctx)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}
