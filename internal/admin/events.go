package admin

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"sectorfab/internal/orchestrator"
)

// eventConn is one subscribed operator connection: a raw gobwas/ws
// upgrade with a bounded send queue.
type eventConn struct {
	id    uint64
	conn  net.Conn
	queue chan []byte
}

// EventHub fans out orchestrator.Event values to every connected admin
// websocket client, one JSON object per text message. A single, unsharded
// sync.Map is enough at the scale of a handful of operator
// connections.
type EventHub struct {
	logger  *zap.Logger
	clients sync.Map // map[uint64]*eventConn
	nextID  uint64
}

// NewEventHub creates an empty hub. It implements
// orchestrator.EventSink directly.
func NewEventHub(logger *zap.Logger) *EventHub {
	return &EventHub{logger: logger}
}

// Publish implements orchestrator.EventSink: encode evt once and hand
// it to every connected client's send queue, dropping it for any
// client whose queue is full rather than blocking the orchestrator.
func (h *EventHub) Publish(evt orchestrator.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("marshal admin event failed", zap.Error(err))
		return
	}

	h.clients.Range(func(_, value any) bool {
		c := value.(*eventConn)
		select {
		case c.queue <- payload:
		default:
			h.logger.Debug("admin event dropped, client queue full", zap.Uint64("client_id", c.id))
		}
		return true
	})
}

func (h *EventHub) register(conn net.Conn) *eventConn {
	id := atomic.AddUint64(&h.nextID, 1)
	c := &eventConn{id: id, conn: conn, queue: make(chan []byte, 256)}
	h.clients.Store(id, c)
	return c
}

func (h *EventHub) unregister(c *eventConn) {
	if c == nil {
		return
	}
	if _, ok := h.clients.LoadAndDelete(c.id); ok {
		close(c.queue)
	}
}

// ClientCount reports how many operator connections are currently
// subscribed, for /v1/stats.
func (h *EventHub) ClientCount() int {
	n := 0
	h.clients.Range(func(_, _ any) bool { n++; return true })
	return n
}

// serve streams events to an already-upgraded websocket connection
// until the client disconnects or ctx is cancelled, mirroring the
// accept/read-loop/write-loop split of the shard control channel. The
// HTTP-level upgrade happens in the gin handler that calls this (see
// ws.go); unlike the shard control channel this surface rides on the
// admin HTTP server's listener rather than owning one of its own.
func (h *EventHub) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	c := h.register(conn)
	defer h.unregister(c)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		h.writeLoop(connCtx, c)
	}()

	h.readLoop(connCtx, conn)
	cancel()
	<-writeDone
}

// readLoop only needs to notice the client closing the connection or
// sending a close/ping frame -- the admin stream is one-directional.
func (h *EventHub) readLoop(ctx context.Context, conn net.Conn) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			return
		}
		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(conn, ws.OpPong, nil); err != nil {
				return
			}
		default:
			if err := reader.Discard(); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) writeLoop(ctx context.Context, c *eventConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.queue:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, payload); err != nil {
				return
			}
		}
	}
}
