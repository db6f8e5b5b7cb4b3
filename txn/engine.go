// Package txn implements the per-space Transaction Engine of §4.3:
// a serialized executor that validates reads, applies writes, assigns the
// next epoch, persists it, and publishes a commit event for the Fan-out
// Engine.
//
// Per §5 and DESIGN NOTES ("Per-space serialization: use an
// actor/task per space with an inbound command channel"), each Engine runs
// its own goroutine and processes one Submit at a time from an inbound
// channel; every Space Store mutation for that space happens on that
// goroutine alone.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/commontoolsinc/spacestore/codec"
	"github.com/commontoolsinc/spacestore/internal/jsonvalue"
	"github.com/commontoolsinc/spacestore/metrics"
	"github.com/commontoolsinc/spacestore/store"
)

// ConflictReason enumerates the conflict kinds §4.3 defines.
type ConflictReason string

const (
	ReasonReadSetStale      ConflictReason = "readSetStale"
	ReasonBaseHeadsMismatch ConflictReason = "baseHeadsMismatch"
	ReasonCausality         ConflictReason = "causality"
	ReasonTimeout           ConflictReason = "timeout"
)

// Ref addresses a single (docId, branch) pair within a transaction.
type Ref struct {
	DocID  string
	Branch string
}

// ReadAssertion is the (docId, branch, expectedHeadSet) read.
type ReadAssertion struct {
	Ref           Ref
	ExpectedHeads codec.HeadSet
}

// WriteRecord is the (docId, branch, baseHeadSet, changes[],
// allowServerMerge?) write.
type WriteRecord struct {
	Ref              Ref
	BaseHeads        codec.HeadSet
	Changes          [][]byte
	AllowServerMerge bool
}

// Request is a transaction as submitted by a client (§4.3 Input).
type Request struct {
	Reads   []ReadAssertion
	Writes  []WriteRecord
	// Deadline, if non-zero, causes the engine to abort with
	// conflict{timeout} rather than commit past it (§5 "Cancellation
	// & timeouts").
	Deadline time.Time
}

// ConflictEntry records one rejected read or write.
type ConflictEntry struct {
	Ref    Ref
	Reason ConflictReason
}

// WriteResult is the per-write receipt entry.
type WriteResult struct {
	Ref      Ref
	NewHeads codec.HeadSet
	Applied  bool
}

// Status enumerates a Receipt's two possible outcomes.
type Status string

const (
	StatusOK       Status = "ok"
	StatusConflict Status = "conflict"
)

// Receipt is §4.3's transaction outcome.
type Receipt struct {
	Status      Status
	TxID        string
	CommittedAt time.Time
	Epoch       uint64
	Results     []WriteResult
	Conflicts   []ConflictEntry
}

// CommitEvent is published after every successful commit that writes at
// least one branch; a read-only transaction bumps no epoch and publishes
// nothing. The Fan-out Engine subscribes to these.
type CommitEvent struct {
	SpaceID string
	Epoch   uint64
	Writes  []store.WriteRef
	// ChangeBlobs[i] is the ordered change blobs applied for Writes[i].
	ChangeBlobs [][][]byte
}

// Publisher receives commit events. The Fan-out Engine implements this.
type Publisher interface {
	Publish(ctx context.Context, ev CommitEvent)
}

// Store is the slice of §4.2's Space Store contract the Transaction
// Engine needs. store.SpaceStore (GORM/Postgres) implements this in
// production; tests substitute an in-memory fake.
type Store interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
	BranchHeads(ctx context.Context, docID, branch string) (codec.HeadSet, error)
	CommitEpoch(ctx context.Context, plan store.CommitPlan) (store.EpochRecord, error)
	ReadEpoch(ctx context.Context, epoch uint64) (store.EpochRecord, error)
	LatestSnapshot(ctx context.Context, docID string) (store.SnapshotRow, bool, error)
}

type submission struct {
	ctx    context.Context
	req    Request
	result chan Receipt
}

type snapshotRequest struct {
	ctx    context.Context
	ref    Ref
	result chan snapshotResult
}

type snapshotResult struct {
	bytes []byte
	err   error
}

// Engine is the serialized per-space executor.
type Engine struct {
	spaceID   string
	store     Store
	publisher Publisher
	log       log.Logger

	inbox    chan submission
	snapshot chan snapshotRequest
	done     chan struct{}

	docs map[Ref]*codec.Doc

	metricsMu sync.Mutex
	metrics   *metrics.Metrics
}

// SetMetrics wires an optional metrics sink. Left nil, store-IO-error
// recording is a no-op.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	e.metrics = m
}

// New constructs an Engine and starts its single-writer goroutine. Callers
// must call Close when done.
func New(spaceID string, st Store, pub Publisher, lg log.Logger) *Engine {
	e := &Engine{
		spaceID:   spaceID,
		store:     st,
		publisher: pub,
		log:       lg.New("space", spaceID, "component", "txn"),
		inbox:     make(chan submission, 64),
		snapshot:  make(chan snapshotRequest, 16),
		done:      make(chan struct{}),
		docs:      map[Ref]*codec.Doc{},
	}
	go e.run()
	return e
}

// Close stops the engine's goroutine. A submission already being applied
// completes; submissions still queued in the inbox are not processed.
func (e *Engine) Close() { close(e.done) }

// Submit enqueues a transaction and blocks until it has been serialized and
// applied (or the context is canceled first).
func (e *Engine) Submit(ctx context.Context, req Request) (Receipt, error) {
	sub := submission{ctx: ctx, req: req, result: make(chan Receipt, 1)}
	select {
	case e.inbox <- sub:
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	case <-e.done:
		return Receipt{}, fmt.Errorf("txn: engine for space %s is closed", e.spaceID)
	}
	select {
	case rec := <-sub.result:
		return rec, nil
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

func (e *Engine) run() {
	for {
		select {
		case sub := <-e.inbox:
			rec := e.apply(sub.ctx, sub.req)
			sub.result <- rec
		case sr := <-e.snapshot:
			doc, err := e.loadDoc(sr.ctx, sr.ref)
			if err != nil {
				sr.result <- snapshotResult{err: err}
				continue
			}
			bytes, err := codec.Save(doc)
			sr.result <- snapshotResult{bytes: bytes, err: err}
		case <-e.done:
			return
		}
	}
}

// Snapshot returns the saved bytes of a document's current in-memory state,
// reconstructing it first if necessary. It implements fanout.Snapshotter:
// the Fan-out Engine calls this when a delta would exceed the configured
// size threshold. The request is served on the engine's own goroutine like
// every other Space Store access, so it never races with Submit.
func (e *Engine) Snapshot(ctx context.Context, docID, branch string) ([]byte, error) {
	sr := snapshotRequest{ctx: ctx, ref: Ref{DocID: docID, Branch: branch}, result: make(chan snapshotResult, 1)}
	select {
	case e.snapshot <- sr:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, fmt.Errorf("txn: engine for space %s is closed", e.spaceID)
	}
	select {
	case res := <-sr.result:
		return res.bytes, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// apply is §4.3's algorithm, steps 1-7. It only ever runs on the
// engine's own goroutine, so no additional locking is needed around e.docs
// or the store.
func (e *Engine) apply(ctx context.Context, req Request) Receipt {
	txID := uuid.NewString()

	if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
		return Receipt{Status: StatusConflict, TxID: txID, Conflicts: []ConflictEntry{{Reason: ReasonTimeout}}}
	}

	// Step 1: snapshot current heads for every ref touched by reads or writes.
	touched := map[Ref]codec.HeadSet{}
	refsOf := func(ref Ref) error {
		if _, ok := touched[ref]; ok {
			return nil
		}
		heads, err := e.store.BranchHeads(ctx, ref.DocID, ref.Branch)
		if err != nil {
			return err
		}
		touched[ref] = heads
		return nil
	}
	for _, r := range req.Reads {
		if err := refsOf(r.Ref); err != nil {
			return e.storeIOConflict(txID, err)
		}
	}
	for _, w := range req.Writes {
		if err := refsOf(w.Ref); err != nil {
			return e.storeIOConflict(txID, err)
		}
	}

	// Steps 2-3: accumulate conflicts.
	var merr *multierror.Error
	var conflicts []ConflictEntry
	for _, r := range req.Reads {
		if !normalizeGenesis(r.Ref, touched[r.Ref]).Equal(normalizeGenesis(r.Ref, r.ExpectedHeads)) {
			conflicts = append(conflicts, ConflictEntry{Ref: r.Ref, Reason: ReasonReadSetStale})
			merr = multierror.Append(merr, fmt.Errorf("read-set stale for %+v", r.Ref))
		}
	}
	for _, w := range req.Writes {
		if w.AllowServerMerge {
			continue
		}
		if !normalizeGenesis(w.Ref, touched[w.Ref]).Equal(normalizeGenesis(w.Ref, w.BaseHeads)) {
			conflicts = append(conflicts, ConflictEntry{Ref: w.Ref, Reason: ReasonBaseHeadsMismatch})
			merr = multierror.Append(merr, fmt.Errorf("base heads mismatch for %+v", w.Ref))
		}
	}
	if len(conflicts) > 0 {
		e.log.Debug("tx rejected", "txId", txID, "conflicts", len(conflicts), "cause", merr.Error())
		return Receipt{Status: StatusConflict, TxID: txID, Conflicts: conflicts}
	}

	if len(req.Writes) == 0 {
		// Read-only transaction: no epoch bump (§4.3 edge case).
		epoch, err := e.store.CurrentEpoch(ctx)
		if err != nil {
			return e.storeIOConflict(txID, err)
		}
		return Receipt{Status: StatusOK, TxID: txID, CommittedAt: time.Now(), Epoch: epoch}
	}

	// Steps 5-6: apply writes in order, computing new heads; multiple writes
	// to the same ref within one tx chain off each other's intermediate
	// heads, only the final is recorded.
	newHeads := map[Ref]codec.HeadSet{}
	results := make([]WriteResult, 0, len(req.Writes))
	var changeBlobs [][][]byte
	for _, w := range req.Writes {
		doc, err := e.loadDoc(ctx, w.Ref)
		if err != nil {
			return e.storeIOConflict(txID, err)
		}
		var next *codec.Doc
		if w.AllowServerMerge {
			next, err = codec.Merge(doc, w.Changes)
		} else {
			next, err = codec.Apply(doc, w.Changes)
		}
		if err != nil {
			e.log.Debug("tx rejected: causality", "txId", txID, "ref", w.Ref, "err", err)
			// Earlier writes of this tx may already sit in e.docs; drop them
			// so the rejected tx leaves no partial state behind.
			for _, w := range req.Writes {
				delete(e.docs, w.Ref)
			}
			return Receipt{Status: StatusConflict, TxID: txID, Conflicts: []ConflictEntry{{Ref: w.Ref, Reason: ReasonCausality}}}
		}
		e.docs[w.Ref] = next
		newHeads[w.Ref] = codec.Heads(next)
		results = append(results, WriteResult{Ref: w.Ref, NewHeads: codec.Heads(next), Applied: true})
		changeBlobs = append(changeBlobs, w.Changes)
	}

	writeRefs := make([]store.WriteRef, len(req.Writes))
	planHeads := map[store.BranchKey]codec.HeadSet{}
	for i, w := range req.Writes {
		heads := newHeads[w.Ref]
		paths, err := codec.ChangePaths(w.Changes)
		if err != nil {
			// The changes were already decoded and applied above, so this
			// error is not expected; fall back to no paths, which the
			// registry treats as "whole document".
			paths = nil
		}
		writeRefs[i] = store.WriteRef{
			DocID:    w.Ref.DocID,
			Branch:   w.Ref.Branch,
			NewHeads: headsHex(heads),
			Paths:    pathsToStrings(paths),
		}
		planHeads[store.BranchKey{DocID: w.Ref.DocID, Branch: w.Ref.Branch}] = heads
	}

	rec, err := e.store.CommitEpoch(ctx, store.CommitPlan{
		Writes:      writeRefs,
		ChangeBlobs: changeBlobs,
		NewHeads:    planHeads,
	})
	if err != nil {
		// Per §7 StoreIOError: abort, report conflict{causality}, and
		// never leave partial state -- the engine's in-memory doc cache must
		// be rolled back since the persisted commit did not happen.
		for _, w := range req.Writes {
			delete(e.docs, w.Ref)
		}
		return e.storeIOConflict(txID, err)
	}

	e.log.Info("committed", "txId", txID, "epoch", rec.Epoch, "writes", len(req.Writes))

	if e.publisher != nil {
		e.publisher.Publish(ctx, CommitEvent{
			SpaceID:     e.spaceID,
			Epoch:       rec.Epoch,
			Writes:      writeRefs,
			ChangeBlobs: changeBlobs,
		})
	}

	return Receipt{Status: StatusOK, TxID: txID, CommittedAt: rec.CommittedAt, Epoch: rec.Epoch, Results: results}
}

func (e *Engine) storeIOConflict(txID string, err error) Receipt {
	e.log.Error("store io error", "txId", txID, "err", err)
	e.metricsMu.Lock()
	m := e.metrics
	e.metricsMu.Unlock()
	if m != nil {
		m.StoreIOErrors.WithLabelValues(e.spaceID).Inc()
	}
	return Receipt{Status: StatusConflict, TxID: txID, Conflicts: []ConflictEntry{{Reason: ReasonCausality}}}
}

// loadDoc returns the cached in-memory Doc for ref, reconstructing it from
// the epoch log if this is the first time this engine instance has touched
// the branch since startup.
func (e *Engine) loadDoc(ctx context.Context, ref Ref) (*codec.Doc, error) {
	if doc, ok := e.docs[ref]; ok {
		return doc, nil
	}
	doc := codec.Genesis(ref.DocID)

	startEpoch := uint64(1)
	if snap, ok, err := e.store.LatestSnapshot(ctx, ref.DocID); err != nil {
		return nil, err
	} else if ok {
		loaded, err := codec.Load(ref.DocID, snap.Bytes)
		if err != nil {
			return nil, err
		}
		doc = loaded
		startEpoch = snap.Epoch + 1
	}

	current, err := e.store.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}
	for epoch := startEpoch; epoch <= current; epoch++ {
		rec, err := e.store.ReadEpoch(ctx, epoch)
		if err != nil {
			return nil, err
		}
		for i, w := range rec.Writes {
			if w.DocID != ref.DocID || w.Branch != ref.Branch {
				continue
			}
			var blobs [][]byte
			if i < len(rec.ChangeBlobs) {
				blobs = rec.ChangeBlobs[i]
			}
			doc, err = codec.Apply(doc, blobs)
			if err != nil {
				return nil, err
			}
		}
	}
	e.docs[ref] = doc
	return doc, nil
}

// normalizeGenesis implements §4.3's genesis equivalence: an empty
// head-set and {genesisHead(docId)} are treated the same as "never written".
func normalizeGenesis(ref Ref, hs codec.HeadSet) codec.HeadSet {
	if len(hs) == 0 {
		return codec.NewHeadSet(codec.GenesisHead(ref.DocID))
	}
	return hs
}

func pathsToStrings(paths []jsonvalue.Path) [][]string {
	out := make([][]string, len(paths))
	for i, p := range paths {
		out[i] = []string(p)
	}
	return out
}

func headsHex(hs codec.HeadSet) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs.Slice() {
		out = append(out, h.String())
	}
	return out
}
