package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ethereum/go-ethereum/log"

	"github.com/commontoolsinc/spacestore/fanout"
	"github.com/commontoolsinc/spacestore/transport"
)

// conn is one websocket connection to a space-store server, demultiplexing
// the three frame shapes §6.1 defines: task/return replies to a
// pending command, "deliver" subscription batches, and the task/return{
// type:"complete"} backfill-completion sentinel.
//
// The wire format carries no per-command correlation id and no
// subscription id on deliver/complete frames (§6.1 literally), so
// replies are matched to their request strictly in send order: one FIFO for
// ordinary command replies (hello/tx/unsubscribe), a second FIFO for
// pending subscribe- and get-completions. This holds because the server's dispatch
// loop (transport.dispatcher.handle) processes one invocation at a time and
// a subscribe's own backfill+complete sequence is enqueued, in order, before
// the next invocation on the connection is read.
type conn struct {
	ws  *websocket.Conn
	log log.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	cmdFIFO    []chan rawReply
	subFIFO    []chan struct{}
	onDeliver  func(epoch uint64, docs []fanout.DocEntry)
	closed     bool
	closeErr   error
	closeWaitC chan struct{}
}

type rawReply struct {
	raw json.RawMessage
	err error
}

func dial(ctx context.Context, url string, onDeliver func(epoch uint64, docs []fanout.DocEntry), lg log.Logger) (*conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	c := &conn{ws: ws, log: lg, onDeliver: onDeliver, closeWaitC: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *conn) close() error {
	return c.ws.Close()
}

// frameEnvelope is the union of every shape a server frame can take,
// decoded once so the read loop can tell them apart before committing to a
// concrete type.
type frameEnvelope struct {
	The   string          `json:"the"`
	Type  string          `json:"type"`
	Epoch uint64          `json:"epoch"`
	Docs  json.RawMessage `json:"docs"`
	Is    json.RawMessage `json:"is"`
}

func (c *conn) readLoop() {
	defer c.shutdown(fmt.Errorf("client: connection closed"))
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("client: read: %w", err))
			return
		}
		var env frameEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Debug("client: malformed frame", "err", err)
			continue
		}
		switch {
		case env.Type == "deliver":
			var docs []fanout.DocEntry
			if err := json.Unmarshal(env.Docs, &docs); err != nil {
				c.log.Debug("client: malformed deliver docs", "err", err)
				continue
			}
			if c.onDeliver != nil {
				c.onDeliver(env.Epoch, docs)
			}
		case env.The == "task/return":
			var peek struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(env.Is, &peek)
			if peek.Type == "complete" {
				c.popSubFIFO()
			} else {
				c.popCmdFIFO(rawReply{raw: env.Is})
			}
		default:
			c.log.Debug("client: unrecognized frame", "raw", string(raw))
		}
	}
}

func (c *conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	cmds := c.cmdFIFO
	subs := c.subFIFO
	c.cmdFIFO = nil
	c.subFIFO = nil
	close(c.closeWaitC)
	c.mu.Unlock()

	for _, ch := range cmds {
		ch <- rawReply{err: err}
	}
	for _, ch := range subs {
		close(ch)
	}
}

func (c *conn) popCmdFIFO(r rawReply) {
	c.mu.Lock()
	if len(c.cmdFIFO) == 0 {
		c.mu.Unlock()
		c.log.Debug("client: unexpected task/return with no pending command")
		return
	}
	ch := c.cmdFIFO[0]
	c.cmdFIFO = c.cmdFIFO[1:]
	c.mu.Unlock()
	ch <- r
}

func (c *conn) popSubFIFO() {
	c.mu.Lock()
	if len(c.subFIFO) == 0 {
		c.mu.Unlock()
		c.log.Debug("client: unexpected complete with no pending subscribe")
		return
	}
	ch := c.subFIFO[0]
	c.subFIFO = c.subFIFO[1:]
	c.mu.Unlock()
	close(ch)
}

// invoke sends one request/response-shaped invocation (hello/tx/
// unsubscribe) and blocks for its task/return.
func (c *conn) invoke(ctx context.Context, inv transport.Invocation) (json.RawMessage, error) {
	ch := make(chan rawReply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErr
	}
	c.cmdFIFO = append(c.cmdFIFO, ch)
	c.mu.Unlock()

	if err := c.writeJSON(inv); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// subscribeWire sends a /storage/subscribe or /storage/get invocation and
// returns a channel that closes
// once the server's backfill-completion sentinel arrives (§4.6).
// Any backfill batch arrives beforehand through onDeliver like any other
// delivery.
func (c *conn) subscribeWire(inv transport.Invocation) (<-chan struct{}, error) {
	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErr
	}
	c.subFIFO = append(c.subFIFO, done)
	c.mu.Unlock()

	if err := c.writeJSON(inv); err != nil {
		return nil, err
	}
	return done, nil
}

func (c *conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// ack sends §6.1's client->server ack frame.
func (c *conn) ack(streamID string, epoch uint64) error {
	return c.writeJSON(transport.AckFrame{Type: "ack", StreamID: streamID, Epoch: epoch})
}
