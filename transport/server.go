package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ethereum/go-ethereum/log"

	"github.com/commontoolsinc/spacestore/auth"
	"github.com/commontoolsinc/spacestore/fanout"
	"github.com/commontoolsinc/spacestore/metrics"
	"github.com/commontoolsinc/spacestore/registry"
	"github.com/commontoolsinc/spacestore/resume"
	"github.com/commontoolsinc/spacestore/txn"
)

// CursorStore is the slice of the Space Store's contract an ack needs:
// durably advancing a client's cursor (§4.2 setCursor, data model's
// "Client cursor ... updated on each received ACK").
type CursorStore interface {
	SetCursor(ctx context.Context, clientID string, lastAckedEpoch int64) error
	CurrentEpoch(ctx context.Context) (uint64, error)
}

// Space bundles the per-space engines a connection's command dispatch needs.
// cmd/spaced constructs one per space and hands it to the Server.
type Space struct {
	ID       string
	Txn      *txn.Engine
	Registry *registry.Registry
	Fanout   *fanout.Engine
	Resume   *resume.Controller
	Store    CursorStore
}

// SpaceLookup resolves a space id to its bundle of engines, constructing it
// lazily on first use.
type SpaceLookup func(spaceID string) (*Space, error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP/websocket front door (§6): one chi router
// exposing a health check and the websocket endpoint every client connects
// to before sending /storage/* invocations.
type Server struct {
	router  chi.Router
	spaces  SpaceLookup
	authz   auth.Authorizer
	log     log.Logger
	metrics *metrics.Metrics
}

// NewServer wires the chi router. m may be nil (metrics recording becomes a
// no-op and /metrics is not mounted) -- tests that don't care about
// observability can pass nil rather than constructing a registry.
func NewServer(spaces SpaceLookup, authz auth.Authorizer, lg log.Logger, m *metrics.Metrics) *Server {
	s := &Server{spaces: spaces, authz: authz, log: lg, metrics: m}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWebsocket)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// liveSub tracks one subscription opened on this connection, so it can be
// torn down in the Fan-out Engine when the websocket drops.
type liveSub struct {
	spaceID string
	id      string
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	conn := newConn(ws, s.log)
	defer ws.Close()

	d := &dispatcher{server: s, conn: conn}
	conn.ReadLoop(r.Context(), d.handle, d.handleAck)
	d.closeSubscriptions()
}

// clientIDForAck recovers the hello/subscribe-declared clientId an ack's
// subscription was opened under, so the ack can advance that client's
// durable cursor (registry.Subscription.ConsumerID is the clientId for
// every command in this service -- hello, subscribe, and ack all key off
// the same caller-supplied id).
func clientIDForAck(sp *Space, streamID string) (string, bool) {
	sub, ok := sp.Registry.Get(streamID)
	if !ok {
		return "", false
	}
	return sub.ConsumerID, true
}

// dispatcher holds the per-connection state (the hello-declared sinceEpoch
// per clientId, and subscriptions opened on this connection) that command
// handling needs across multiple invocations on the same websocket.
type dispatcher struct {
	server *Server
	conn   *Conn

	mu            sync.Mutex
	sinceEpochs   map[string]int64 // clientId -> last hello's sinceEpoch
	subscriptions []liveSub
}

func (d *dispatcher) handle(ctx context.Context, inv Invocation) (interface{}, error) {
	sp, err := d.server.spaces(inv.Sub)
	if err != nil {
		return nil, fmt.Errorf("transport: unknown space %q: %w", inv.Sub, err)
	}

	capability := requiredCapability(inv.Cmd, inv.Args)
	result := d.server.authz.Authorize(ctx, inv.Auth.Access, inv.Sub, capability)
	switch result {
	case auth.ResultUnauthorized:
		return nil, fmt.Errorf("unauthorized")
	case auth.ResultForbidden:
		return nil, fmt.Errorf("forbidden")
	}

	switch inv.Cmd {
	case CmdHello:
		return d.handleHello(ctx, sp, inv.Args)
	case CmdSubscribe:
		return d.handleSubscribe(ctx, sp, inv.Args)
	case CmdGet:
		return d.handleGet(ctx, sp, inv.Args)
	case CmdTx:
		return d.handleTx(ctx, sp, inv.Args)
	case CmdUnsubscribe:
		return d.handleUnsubscribe(sp, inv.Args)
	default:
		return nil, fmt.Errorf("transport: unknown command %q", inv.Cmd)
	}
}

// requiredCapability implements §6.4: reads need CapabilityRead,
// writes need CapabilityWrite. /storage/tx only needs write if it actually
// carries writes; a read-only transaction is a read.
func requiredCapability(cmd string, args json.RawMessage) auth.Capability {
	if cmd != CmdTx {
		return auth.CapabilityRead
	}
	var tx TxArgs
	if err := json.Unmarshal(args, &tx); err == nil && len(tx.Writes) > 0 {
		return auth.CapabilityWrite
	}
	return auth.CapabilityRead
}

func (d *dispatcher) handleHello(ctx context.Context, sp *Space, raw json.RawMessage) (interface{}, error) {
	var args HelloArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("transport: malformed hello args: %w", err)
	}
	current, err := sp.Resume.Hello(ctx, args.ClientID, args.SinceEpoch)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.sinceEpochs == nil {
		d.sinceEpochs = map[string]int64{}
	}
	d.sinceEpochs[args.ClientID] = args.SinceEpoch
	d.mu.Unlock()
	return HelloResult{OK: true, CurrentEpoch: current}, nil
}

func (d *dispatcher) handleSubscribe(ctx context.Context, sp *Space, raw json.RawMessage) (interface{}, error) {
	var args SubscribeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("transport: malformed subscribe args: %w", err)
	}
	sub := sp.Registry.Subscribe(args.ConsumerID, args.Query)

	d.mu.Lock()
	sinceEpoch, helloSent := d.sinceEpochs[args.ConsumerID]
	d.subscriptions = append(d.subscriptions, liveSub{spaceID: sp.ID, id: sub.ID})
	d.mu.Unlock()
	if !helloSent {
		sinceEpoch = -1 // §4.6: no hello before subscribe means sinceEpoch = -1
	}

	plan, err := sp.Resume.Backfill(ctx, sub, sinceEpoch)
	if err != nil {
		return nil, err
	}
	// The backfill batch and completion sentinel are delivered
	// asynchronously through the Fan-out Engine's own queue (and, from this
	// point on, so are live deliveries); /storage/subscribe itself has no
	// synchronous task/return beyond that sequence.
	sp.Fanout.EnqueueBackfill(ctx, sub, d.conn, plan.Batch)
	return nil, nil
}

func (d *dispatcher) handleGet(ctx context.Context, sp *Space, raw json.RawMessage) (interface{}, error) {
	var args GetArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("transport: malformed get args: %w", err)
	}
	transient := &registry.Subscription{Query: args.Query}
	plan, err := sp.Resume.Backfill(ctx, transient, -1)
	if err != nil {
		return nil, err
	}
	if plan.Batch != nil {
		if err := d.conn.Deliver(ctx, *plan.Batch); err != nil {
			return nil, err
		}
	}
	if err := d.conn.Complete(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *dispatcher) handleTx(ctx context.Context, sp *Space, raw json.RawMessage) (interface{}, error) {
	var args TxArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("transport: malformed tx args: %w", err)
	}
	rec, err := sp.Txn.Submit(ctx, txn.Request{Reads: args.Reads, Writes: args.Writes})
	if err != nil {
		return nil, err
	}
	if d.server.metrics != nil {
		if rec.Status == txn.StatusOK {
			d.server.metrics.CommitsTotal.WithLabelValues(sp.ID).Inc()
			d.server.metrics.EpochGauge.WithLabelValues(sp.ID).Set(float64(rec.Epoch))
		}
		for _, c := range rec.Conflicts {
			d.server.metrics.ConflictsTotal.WithLabelValues(sp.ID, string(c.Reason)).Inc()
		}
	}
	return TxResult{Status: string(rec.Status), TxID: rec.TxID, Epoch: rec.Epoch, Results: rec.Results, Conflicts: rec.Conflicts}, nil
}

func (d *dispatcher) handleUnsubscribe(sp *Space, raw json.RawMessage) (interface{}, error) {
	var args UnsubscribeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("transport: malformed unsubscribe args: %w", err)
	}
	sp.Fanout.Detach(args.SubscriptionID)
	sp.Registry.Unsubscribe(args.SubscriptionID)

	d.mu.Lock()
	kept := d.subscriptions[:0]
	for _, ls := range d.subscriptions {
		if ls.id != args.SubscriptionID {
			kept = append(kept, ls)
		}
	}
	d.subscriptions = kept
	d.mu.Unlock()
	return map[string]bool{"ok": true}, nil
}

// handleAck dispatches a client's ack frame to the owning space's Fan-out
// Engine (advancing the in-memory unacked-window) and durably advances that
// client's cursor (§4.2 setCursor; data model's "Client cursor ...
// updated on each received ACK"), resolving the space from the subscriptions
// this connection itself opened (the ack frame carries only the
// subscription/stream id).
func (d *dispatcher) handleAck(ctx context.Context, ack AckFrame) {
	d.mu.Lock()
	var spaceID string
	for _, ls := range d.subscriptions {
		if ls.id == ack.StreamID {
			spaceID = ls.spaceID
			break
		}
	}
	d.mu.Unlock()
	if spaceID == "" {
		return
	}
	sp, err := d.server.spaces(spaceID)
	if err != nil {
		return
	}
	sp.Fanout.Ack(ack.StreamID, ack.Epoch)

	if sp.Store == nil {
		return
	}
	clientID, ok := clientIDForAck(sp, ack.StreamID)
	if !ok {
		return
	}
	if err := sp.Store.SetCursor(ctx, clientID, int64(ack.Epoch)); err != nil {
		d.server.log.Error("failed to persist ack cursor", "space", spaceID, "client", clientID, "err", err)
		return
	}

	if d.server.metrics == nil {
		return
	}
	if current, err := sp.Store.CurrentEpoch(ctx); err == nil {
		lag := int64(current) - int64(ack.Epoch)
		if lag < 0 {
			lag = 0
		}
		d.server.metrics.AckLagEpochs.WithLabelValues(spaceID, clientID).Set(float64(lag))
	}
}

func (d *dispatcher) closeSubscriptions() {
	d.mu.Lock()
	subs := d.subscriptions
	d.subscriptions = nil
	d.mu.Unlock()
	for _, ls := range subs {
		if sp, err := d.server.spaces(ls.spaceID); err == nil {
			sp.Fanout.Detach(ls.id)
		}
	}
}
