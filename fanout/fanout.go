// Package fanout implements the Fan-out Engine of §4.5: turning
// commit events into ordered, per-subscriber batches, with an outstanding-ACK
// window, backpressure, and overflow coalescing.
package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ethereum/go-ethereum/log"

	"github.com/commontoolsinc/spacestore/metrics"
	"github.com/commontoolsinc/spacestore/registry"
	"github.com/commontoolsinc/spacestore/store"
	"github.com/commontoolsinc/spacestore/txn"
)

// DocEntry is §6.1's delivered document entry.
type DocEntry struct {
	DocID string   `json:"docId"`
	Kind  string   `json:"kind"` // "snapshot" | "delta"
	Body  string   `json:"body"` // base64
	Path  []string `json:"path,omitempty"`
}

const (
	KindSnapshot = "snapshot"
	KindDelta    = "delta"
)

// Batch is the "Delivery batch".
type Batch struct {
	Epoch uint64
	Docs  []DocEntry
}

// ErrBackpressure is returned by a Sink when the transport cannot currently
// accept writes; the subscription's drain loop pauses until ResumeWrite is
// called (§4.5 "Paused" state).
var ErrBackpressure = fmt.Errorf("fanout: sink is not write-ready")

// Sink is the transport-facing side of a live subscription: deliver a batch,
// or signal the "complete" sentinel after initial backfill (§4.6).
type Sink interface {
	Deliver(ctx context.Context, batch Batch) error
	Complete(ctx context.Context) error
}

// Snapshotter produces the full saved bytes of a document, used when a
// commit's change bytes for a doc exceed MaxDeltaBytes and when an
// overflowed queue is collapsed. Whether the subscription has a prior
// delivered epoch plays no part in the delta-vs-snapshot choice.
type Snapshotter interface {
	Snapshot(ctx context.Context, docID, branch string) ([]byte, error)
}

// Config holds the Open-Question defaults §9 leaves to the
// implementer (recorded, with reasoning, in SPEC_FULL.md §C and DESIGN.md).
type Config struct {
	MaxDeltaBytes int // default 64 KiB
	Window        int // W, default 8
	QMax          int // default 64
}

func DefaultConfig() Config {
	return Config{MaxDeltaBytes: 64 * 1024, Window: 8, QMax: 64}
}

// Engine is the per-space Fan-out Engine. It implements txn.Publisher so the
// Transaction Engine can hand it commit events directly.
type Engine struct {
	spaceID string
	cfg     Config
	reg     *registry.Registry
	snap    Snapshotter
	log     log.Logger
	metrics *metrics.Metrics

	snapCache *lru.Cache[string, []byte]
	sf        singleflight.Group

	mu   sync.Mutex
	subs map[string]*subQueue
}

// SetMetrics wires an optional metrics sink, following the same
// post-construction wiring SetSnapshotter uses. Left nil, queue-depth
// reporting is a no-op -- tests that don't care about observability can
// skip this entirely.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// reportDepth records a subscription's current queue depth (pending plus
// in-flight batches), the Fan-out Engine's half of §4.5's backpressure
// picture.
func (e *Engine) reportDepth(subID string, q *subQueue) {
	e.mu.Lock()
	m := e.metrics
	e.mu.Unlock()
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(e.spaceID, subID).Set(float64(q.depth()))
}

// SetSnapshotter replaces the Engine's Snapshotter after construction. This
// exists to break the bootstrap cycle between the Fan-out Engine and the
// Transaction Engine: the Transaction Engine itself is the natural
// Snapshotter (it can reconstruct any document), but it also needs the
// Fan-out Engine as its Publisher, so cmd/spaced constructs the Fan-out
// Engine first (with a nil Snapshotter), then the Transaction Engine, then
// wires the latter back in here.
func (e *Engine) SetSnapshotter(s Snapshotter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap = s
}

func New(spaceID string, cfg Config, reg *registry.Registry, snap Snapshotter, lg log.Logger) *Engine {
	cache, _ := lru.New[string, []byte](256)
	return &Engine{
		spaceID:   spaceID,
		cfg:       cfg,
		reg:       reg,
		snap:      snap,
		log:       lg.New("space", spaceID, "component", "fanout"),
		snapCache: cache,
		subs:      map[string]*subQueue{},
	}
}

// Attach binds a Sink to a subscription and starts its drain loop,
// transitioning it from whatever state it was in (New by default) to
// actively draining. It is idempotent: re-attaching updates the Sink (used
// when a client reconnects and resumes an existing subscription id).
func (e *Engine) Attach(sub *registry.Subscription, sink Sink) *subQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.subs[sub.ID]; ok {
		q.setSink(sink)
		return q
	}
	snap := func(ctx context.Context, docID string, epoch uint64) (DocEntry, error) {
		entry, err := e.snapshotEntry(ctx, docID, epoch)
		if err != nil {
			e.log.Error("failed to collapse overflowed subscription queue to snapshot", "sub", sub.ID, "docId", docID, "err", err)
		}
		return entry, err
	}
	q := newSubQueue(sub.ID, sub.Query.DocID, sink, e.cfg, snap)
	e.subs[sub.ID] = q
	go q.drainLoop(context.Background())
	return q
}

// Detach closes a subscription's queue on unsubscribe or transport drop
// (§4.5 "Closed"): the queue is discarded but the durable cursor
// (owned by the Resume Controller / Space Store) is untouched.
func (e *Engine) Detach(subscriptionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.subs[subscriptionID]; ok {
		q.close()
		delete(e.subs, subscriptionID)
	}
}

// Ack records that a subscription's client has acknowledged up through
// epoch, freeing window slots for further drain.
func (e *Engine) Ack(subscriptionID string, epoch uint64) {
	e.mu.Lock()
	q, ok := e.subs[subscriptionID]
	e.mu.Unlock()
	if ok {
		q.ack(epoch)
		e.reportDepth(subscriptionID, q)
	}
}

// ResumeWrite signals that a previously backpressured transport is
// write-ready again.
func (e *Engine) ResumeWrite(subscriptionID string) {
	e.mu.Lock()
	q, ok := e.subs[subscriptionID]
	e.mu.Unlock()
	if ok {
		q.resumeWrite()
	}
}

// EnqueueBackfill pushes an initial (or resumed) backfill batch followed by
// the completion sentinel, per §4.6. Called by the Resume
// Controller.
func (e *Engine) EnqueueBackfill(ctx context.Context, sub *registry.Subscription, sink Sink, batch *Batch) *subQueue {
	q := e.Attach(sub, sink)
	if batch != nil {
		q.enqueue(ctx, *batch)
		e.reg.SetLastDelivered(sub.ID, batch.Epoch)
		e.reportDepth(sub.ID, q)
	}
	q.enqueueComplete()
	return q
}

// Publish implements txn.Publisher: for every subscription whose query
// matches this commit, build a per-doc delivery and enqueue it.
func (e *Engine) Publish(ctx context.Context, ev txn.CommitEvent) {
	subs := e.reg.Matching(ev.Writes)
	if len(subs) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			docs, err := e.buildDocEntries(gctx, sub.Query, ev)
			if err != nil {
				e.log.Error("failed to build delivery", "sub", sub.ID, "err", err)
				return nil // one subscriber's failure must not sink the others
			}
			if len(docs) == 0 {
				return nil
			}
			e.mu.Lock()
			q, ok := e.subs[sub.ID]
			e.mu.Unlock()
			if !ok {
				// No live Sink (client not currently connected): nothing is
				// enqueued and the registry's LastDeliveredEpoch is left
				// unchanged.
				return nil
			}
			q.enqueue(gctx, Batch{Epoch: ev.Epoch, Docs: docs})
			e.reg.SetLastDelivered(sub.ID, ev.Epoch)
			e.reportDepth(sub.ID, q)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) buildDocEntries(ctx context.Context, q registry.Query, ev txn.CommitEvent) ([]DocEntry, error) {
	matched := registry.MatchingDocs(q, ev.Writes)
	var out []DocEntry
	for _, w := range matched {
		writeIdx := indexOf(ev.Writes, w)
		var blobs [][]byte
		if writeIdx >= 0 && writeIdx < len(ev.ChangeBlobs) {
			blobs = ev.ChangeBlobs[writeIdx]
		}
		if size(blobs) <= e.cfg.MaxDeltaBytes {
			out = append(out, DocEntry{DocID: w.DocID, Kind: KindDelta, Body: encodeBlobs(blobs), Path: firstPath(w.Paths)})
			continue
		}
		snap, err := e.snapshot(ctx, w.DocID, w.Branch, ev.Epoch)
		if err != nil {
			return nil, err
		}
		out = append(out, DocEntry{DocID: w.DocID, Kind: KindSnapshot, Body: base64.StdEncoding.EncodeToString(snap)})
	}
	return out, nil
}

// snapshot produces a doc's saved bytes as of epoch, deduplicating
// concurrent requests for the same key (singleflight) and caching the
// result (an epoch-keyed snapshot is immutable, so the cache never goes
// stale).
func (e *Engine) snapshot(ctx context.Context, docID, branch string, epoch uint64) ([]byte, error) {
	key := fmt.Sprintf("%s/%s@%d", docID, branch, epoch)
	if cached, ok := e.snapCache.Get(key); ok {
		return cached, nil
	}
	e.mu.Lock()
	snapper := e.snap
	e.mu.Unlock()
	v, err, _ := e.sf.Do(key, func() (interface{}, error) {
		return snapper.Snapshot(ctx, docID, branch)
	})
	if err != nil {
		return nil, err
	}
	snap := v.([]byte)
	e.snapCache.Add(key, snap)
	return snap, nil
}

// snapshotEntry is snapshot rendered as a deliverable DocEntry, used to
// collapse an overflowed subQueue into a real batch instead of an empty
// marker.
func (e *Engine) snapshotEntry(ctx context.Context, docID string, epoch uint64) (DocEntry, error) {
	snap, err := e.snapshot(ctx, docID, "main", epoch)
	if err != nil {
		return DocEntry{}, err
	}
	return DocEntry{DocID: docID, Kind: KindSnapshot, Body: base64.StdEncoding.EncodeToString(snap)}, nil
}

func indexOf(writes []store.WriteRef, target store.WriteRef) int {
	for i, w := range writes {
		if w.DocID == target.DocID && w.Branch == target.Branch {
			return i
		}
	}
	return -1
}

func size(blobs [][]byte) int {
	n := 0
	for _, b := range blobs {
		n += len(b)
	}
	return n
}

// encodeBlobs renders the ordered change blobs as a JSON array of
// base64-encoded strings, matching the wire style of §6.1's delivery
// envelope (json.Marshal base64-encodes []byte fields automatically).
func encodeBlobs(blobs [][]byte) string {
	raw, _ := json.Marshal(blobs)
	return string(raw)
}

func firstPath(paths [][]string) []string {
	if len(paths) == 0 {
		return nil
	}
	return paths[0]
}
