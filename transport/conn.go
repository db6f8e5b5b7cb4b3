package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ethereum/go-ethereum/log"

	"github.com/commontoolsinc/spacestore/fanout"
)

// writeTimeout bounds how long a single frame write may block before it is
// treated as transport backpressure (§4.5's Paused state).
const writeTimeout = 5 * time.Second

// Conn wraps one client's websocket connection. It implements fanout.Sink
// so the Fan-out Engine can deliver batches directly to it, and it owns the
// read loop that dispatches incoming invocations and acks to the handler
// functions passed to ReadLoop.
type Conn struct {
	ws  *websocket.Conn
	log log.Logger

	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn, lg log.Logger) *Conn {
	return &Conn{ws: ws, log: lg}
}

// Deliver implements fanout.Sink.
func (c *Conn) Deliver(ctx context.Context, batch fanout.Batch) error {
	return c.writeJSON(DeliverFrame{Type: "deliver", Epoch: batch.Epoch, Docs: batch.Docs})
}

// Complete implements fanout.Sink.
func (c *Conn) Complete(ctx context.Context) error {
	return c.writeJSON(taskReturn(CompleteIs{Type: "complete"}))
}

// writeJSON writes one frame, treating a write-deadline timeout as
// transport backpressure rather than a hard failure: the Fan-out Engine's
// drain loop pauses on fanout.ErrBackpressure and resumes once ResumeWrite
// is called.
func (c *Conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteJSON(v)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fanout.ErrBackpressure
	}
	return err
}

// ReadLoop reads frames off the connection until it closes. Every incoming
// frame is either §6.1's client->server ack (the only frame that
// is not shaped like an invocation -- it carries no cmd) or an Invocation;
// ReadLoop peeks the frame's "type" field to tell them apart before
// decoding into the concrete shape, then dispatches to onAck or handle.
func (c *Conn) ReadLoop(ctx context.Context, handle func(ctx context.Context, inv Invocation) (interface{}, error), onAck func(ctx context.Context, ack AckFrame)) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("connection closed", "err", err)
			return
		}
		var peek struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &peek); err != nil {
			c.log.Debug("malformed frame", "err", err)
			continue
		}
		if peek.Type == "ack" {
			var ack AckFrame
			if err := json.Unmarshal(raw, &ack); err != nil {
				c.log.Debug("malformed ack frame", "err", err)
				continue
			}
			if onAck != nil {
				onAck(ctx, ack)
			}
			continue
		}

		var inv Invocation
		if err := json.Unmarshal(raw, &inv); err != nil {
			c.log.Debug("malformed invocation", "err", err)
			continue
		}
		is, err := handle(ctx, inv)
		if err != nil {
			if err := c.writeJSON(taskReturn(ErrorResult{Error: err.Error()})); err != nil {
				c.log.Debug("failed to write error response", "err", err)
				return
			}
			continue
		}
		if is == nil {
			continue
		}
		if err := c.writeJSON(taskReturn(is)); err != nil {
			c.log.Debug("failed to write response", "err", err)
			return
		}
	}
}
