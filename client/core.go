// Package client implements the Client Core of §4.7: a local cache
// of promoted baselines, an optimistic overlay of in-flight writes, a
// read-set invalidator, and the synced() barrier, talking to a space-store
// server over the transport package's websocket protocol.
//
// One Core multiplexes every space a user's process touches over a single
// connection, the same way transport.Server multiplexes every space a
// client touches over the inbound side of that connection. The wire
// protocol's deliver/complete frames carry no space id (§6.1
// literally), so Core routes an incoming delivery to its space by looking
// up the docId against the space recorded at Subscribe time; this assumes
// a client never subscribes to the same docId in two different spaces
// concurrently, which §4.2's space-scoped docId namespace makes a
// reasonable simplification rather than a real limitation.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/commontoolsinc/spacestore/fanout"
	"github.com/commontoolsinc/spacestore/internal/jsonvalue"
	"github.com/commontoolsinc/spacestore/registry"
	"github.com/commontoolsinc/spacestore/transport"
)

// ChangeEvent is handed to onChange handlers when a server delivery
// promotes a new baseline (§4.7's onChange payload).
type ChangeEvent struct {
	Space  string
	DocID  string
	Before jsonvalue.Value
	After  jsonvalue.Value
}

type docKey struct {
	space string
	docID string
}

// Core is one client's connection to a space-store server.
type Core struct {
	clientID string
	token    string
	conn     *conn
	log      log.Logger

	mu             sync.Mutex
	cond           *sync.Cond
	docs           map[docKey]*docState
	docSpace       map[string]string // docId -> space, populated at Subscribe/Get time
	subByDoc       map[string]string // docId -> subscription id, for acking deliveries
	openTxs        map[string]*TxHandle
	pendingSubs    map[string]string // subscriptionId -> space
	pendingCommits map[uint64]string // commit token -> space
	nextToken      uint64
	handlers       []func(ChangeEvent)
}

// Dial opens a connection to a space-store server's websocket endpoint and
// returns a Core ready to subscribe, read and write against any space the
// server hosts. token is the bearer credential attached to every invocation
// (§6.4); pass "" if the deployment has no auth configured.
func Dial(ctx context.Context, url, clientID, token string, lg log.Logger) (*Core, error) {
	if lg == nil {
		lg = log.New()
	}
	c := &Core{
		clientID:       clientID,
		token:          token,
		log:            lg.New("component", "client", "clientId", clientID),
		docs:           map[docKey]*docState{},
		docSpace:       map[string]string{},
		subByDoc:       map[string]string{},
		openTxs:        map[string]*TxHandle{},
		pendingSubs:    map[string]string{},
		pendingCommits: map[uint64]string{},
	}
	c.cond = sync.NewCond(&c.mu)
	conn, err := dial(ctx, url, c.handleDeliver, c.log)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Close terminates the underlying connection.
func (c *Core) Close() error { return c.conn.close() }

func (c *Core) invocation(cmd, space string, args interface{}) (transport.Invocation, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return transport.Invocation{}, err
	}
	return transport.Invocation{Iss: c.clientID, Cmd: cmd, Sub: space, Args: raw, Auth: transport.Authorization{Access: c.token}}, nil
}

// Hello sends §4.6's client hello for space, declaring the epoch
// the caller last acked (-1 for a fresh client). It must be called before
// Subscribe for sinceEpoch to take effect; Subscribe treats a space with no
// prior Hello as sinceEpoch = -1, matching the server's own default.
func (c *Core) Hello(ctx context.Context, space string, sinceEpoch int64) (currentEpoch uint64, err error) {
	inv, err := c.invocation(transport.CmdHello, space, transport.HelloArgs{ClientID: c.clientID, SinceEpoch: sinceEpoch})
	if err != nil {
		return 0, err
	}
	raw, err := c.conn.invoke(ctx, inv)
	if err != nil {
		return 0, err
	}
	var res transport.HelloResult
	if err := unmarshalInto(raw, &res); err != nil {
		return 0, err
	}
	return res.CurrentEpoch, nil
}

// Get performs §6.2's one-shot `/storage/get`: it waits for the
// server's current snapshot/delta and completion sentinel (the same way a
// Subscribe backfill arrives), then returns the resulting view. No live
// deliveries follow, so no subscription bookkeeping is kept for it.
func (c *Core) Get(ctx context.Context, space string, q registry.Query) (View, error) {
	c.mu.Lock()
	c.docState(space, q.DocID) // ensures docSpace routing before any deliver can arrive
	c.mu.Unlock()

	inv, err := c.invocation(transport.CmdGet, space, transport.GetArgs{ConsumerID: c.clientID, Query: q})
	if err != nil {
		return View{}, err
	}
	done, err := c.conn.subscribeWire(inv)
	if err != nil {
		return View{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	view, _ := c.ReadView(space, q.DocID)
	return view, nil
}

func (c *Core) docState(space, docID string) *docState {
	key := docKey{space: space, docID: docID}
	ds, ok := c.docs[key]
	if !ok {
		ds = newDocState(docID)
		c.docs[key] = ds
	}
	c.docSpace[docID] = space
	return ds
}

// ReadView returns docId's currently observable view within space: the top
// overlay if a write is in flight, else the last promoted baseline, else
// (View{}, false) if nothing has ever been received for it.
func (c *Core) ReadView(space, docID string) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.docs[docKey{space: space, docID: docID}]
	if !ok {
		return View{}, false
	}
	json, ver, ok := ds.top()
	if !ok {
		return View{}, false
	}
	return View{JSON: json, Version: ver}, true
}

// OnChange registers a handler invoked whenever a server delivery promotes
// a new baseline (§4.7).
func (c *Core) OnChange(handler func(ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// handleDeliver is the conn's onDeliver callback: it folds every delivered
// DocEntry into its doc's state, notifies onChange handlers, releases any
// open transaction whose read-set the delivery invalidated, and acks the
// batch so the server's per-subscriber window can advance.
func (c *Core) handleDeliver(epoch uint64, docs []fanout.DocEntry) {
	for _, entry := range docs {
		c.applyDelivery(epoch, entry)
	}
}

func (c *Core) applyDelivery(epoch uint64, entry fanout.DocEntry) {
	decoded, err := decodeDocEntry(entry)
	if err != nil {
		c.log.Error("client: failed to decode delivered doc", "docId", entry.DocID, "err", err)
		return
	}

	c.mu.Lock()
	space, ok := c.docSpace[entry.DocID]
	if !ok {
		c.mu.Unlock()
		c.log.Debug("client: delivery for unsubscribed doc", "docId", entry.DocID)
		return
	}
	ds := c.docState(space, entry.DocID)

	var before, after jsonvalue.Value
	if decoded.isFull {
		before, after = ds.applySnapshot(decoded.doc, epoch)
	} else {
		before, after, err = ds.applyDelta(decoded.blobs, epoch)
		if err != nil {
			c.mu.Unlock()
			c.log.Error("client: failed to apply delivered delta", "docId", entry.DocID, "err", err)
			return
		}
	}

	c.invalidateReaders(entry.DocID)
	handlers := append([]func(ChangeEvent){}, c.handlers...)
	subID := c.subByDoc[entry.DocID]
	c.mu.Unlock()

	if subID != "" {
		if err := c.conn.ack(subID, epoch); err != nil {
			c.log.Debug("client: failed to ack delivery", "docId", entry.DocID, "err", err)
		}
	}

	if !jsonvalue.Equal(before, after) {
		for _, h := range handlers {
			h(ChangeEvent{Space: space, DocID: entry.DocID, Before: before, After: after})
		}
	}
}

// invalidateReaders marks every open TxHandle whose read-set touched docID
// as locally rejected (§4.7 step 3), called with c.mu held.
func (c *Core) invalidateReaders(docID string) {
	for _, tx := range c.openTxs {
		tx.markInvalidated(docID)
	}
}

func marshalArgs(args interface{}) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("client: encode args: %w", err)
	}
	return raw, nil
}

func unmarshalInto(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// newTxID generates a client-local transaction identity used purely to key
// the overlay stack; it is independent of the server's own receipt TxID
// (§4.3's TxID is an internal engine concern the client never needs
// to correlate against its own bookkeeping key).
func newTxID() string { return uuid.NewString() }
