package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamBuffer       = 16
)

// streamClient is one connected status subscriber.
type streamClient struct {
	id   string
	conn *websocket.Conn
	tx   chan RunStatus
}

// Hub fans scheduler status changes out to websocket subscribers. Slow
// subscribers lose intermediate updates, never the connection.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*streamClient
	last    *RunStatus
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]*streamClient),
	}
}

// Publish queues st for every subscriber. It never blocks.
func (h *Hub) Publish(st RunStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = &st

	for _, c := range h.clients {
		select {
		case c.tx <- st:
		default:
			h.logger.Debug("status stream subscriber lagging, update dropped", slog.String("conn_id", c.id))
		}
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Serve streams status updates to conn until the peer leaves or ctx ends.
// The latest status, if any, is sent first.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) {
	c := &streamClient{id: uuid.NewString()[:8], conn: conn, tx: make(chan RunStatus, streamBuffer)}

	h.mu.Lock()
	h.clients[c.id] = c
	if h.last != nil {
		c.tx <- *h.last
	}
	active := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("status stream subscriber joined", slog.String("conn_id", c.id), slog.Int("active", active))

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()

		conn.Close(websocket.StatusNormalClosure, "bye")
		h.logger.Debug("status stream subscriber left", slog.String("conn_id", c.id))
	}()

	// Subscribers only listen; CloseRead handles control frames and ends
	// readCtx when the peer goes away.
	readCtx := conn.CloseRead(ctx)

	for {
		select {
		case <-readCtx.Done():
			return
		case st := <-c.tx:
			wctx, cancel := context.WithTimeout(readCtx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, st)
			cancel()

			if err != nil {
				h.logger.Debug("status stream write failed", slog.String("conn_id", c.id), slog.String("error", err.Error()))
				return
			}
		}
	}
}
