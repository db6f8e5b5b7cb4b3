package client

import (
	"github.com/commontoolsinc/spacestore/codec"
	"github.com/commontoolsinc/spacestore/internal/jsonvalue"
)

// Version pairs a document's materialized epoch with the head-set it
// corresponds to, per §4.7's readView() "version" field.
type Version struct {
	Epoch uint64
	Heads codec.HeadSet
}

// View is one (space, docId)'s observable state: either the promoted server
// baseline, or the top of its pending-overlay stack if any writes are still
// in flight.
type View struct {
	JSON    jsonvalue.Value
	Version Version
}

// pendingOverlay is one in-flight write bundle staged on top of a baseline,
// per DESIGN NOTES "Optimistic overlay as a stack": represented as
// an ordered sequence of {txId, ops, derivedJson, changeBlob} rather than a
// closure-capturing object, so rollback can simply drop an entry and
// re-derive everything above it from the baseline.
type pendingOverlay struct {
	txID        string
	ops         []jsonvalue.Op
	derivedJSON jsonvalue.Value
	baseEpoch   uint64
	// changeBlob is the encoded codec.Change this overlay will submit for
	// this document, kept so promote() can fold it into the cached
	// baseDoc's causal chain the same way the server folds it into its own.
	changeBlob []byte
}

// docState is the Client Core's per-(space,docId) bookkeeping: the cached
// server-side codec.Doc (carrying the causal chain needed to validate
// future deltas, not just its materialized view) plus the overlay stack
// layered on top of it.
type docState struct {
	docID    string
	baseDoc  *codec.Doc
	version  Version
	overlays []*pendingOverlay
}

func newDocState(docID string) *docState {
	return &docState{docID: docID}
}

// top returns the currently observable view: the top overlay if any, else
// the baseline, else (Value{}, false) if nothing has ever been promoted or
// staged (§4.7 readView: "...else undefined").
func (d *docState) top() (jsonvalue.Value, Version, bool) {
	if n := len(d.overlays); n > 0 {
		ov := d.overlays[n-1]
		return ov.derivedJSON, Version{Epoch: ov.baseEpoch, Heads: d.version.Heads}, true
	}
	if d.baseDoc != nil {
		return d.baseDoc.View, d.version, true
	}
	return jsonvalue.Value{}, Version{}, false
}

// baseView returns the baseline doc's view (no overlays), or an empty
// object if none has ever been promoted.
func (d *docState) baseView() jsonvalue.Value {
	if d.baseDoc != nil {
		return d.baseDoc.View
	}
	return jsonvalue.Object()
}

// stageWrite appends a new overlay derived by folding ops onto the current
// top view.
func (d *docState) stageWrite(txID string, ops []jsonvalue.Op, changeBlob []byte) {
	base, _, _ := d.top()
	derived := jsonvalue.Apply(base, ops)
	d.overlays = append(d.overlays, &pendingOverlay{
		txID:        txID,
		ops:         ops,
		derivedJSON: derived,
		baseEpoch:   d.version.Epoch,
		changeBlob:  changeBlob,
	})
}

func (d *docState) findOverlay(txID string) int {
	for i, ov := range d.overlays {
		if ov.txID == txID {
			return i
		}
	}
	return -1
}

// rollback drops the overlay for txID (§4.7 step 5: "overlay is
// cleared"), re-deriving every overlay above it in the stack from what is
// now below it.
func (d *docState) rollback(txID string) {
	idx := d.findOverlay(txID)
	if idx < 0 {
		return
	}
	kept := append([]*pendingOverlay{}, d.overlays[:idx]...)
	rest := d.overlays[idx+1:]
	d.overlays = kept
	for _, ov := range rest {
		d.stageWrite(ov.txID, ov.ops, ov.changeBlob)
	}
}

// promote folds txID's overlay into the baseline at the given epoch/heads
// (§4.7 step 4), re-deriving every overlay still above it from the
// new baseline. If the overlay's change can no longer be applied to baseDoc
// (a concurrent delivery already folded it, or superseded its predecessors)
// the baseline doc is left to that delivery's state and only the version
// (epoch and heads) is advanced to what the server reported -- the "promotion is merged
// via codec" for the case a later delivery already advanced the baseline.
func (d *docState) promote(txID string, epoch uint64, heads codec.HeadSet) (before, after jsonvalue.Value) {
	idx := d.findOverlay(txID)
	before, _, _ = d.top()
	if idx < 0 {
		d.version = Version{Epoch: epoch, Heads: heads}
		after, _, _ = d.top()
		return before, after
	}

	base := d.baseDoc
	if base == nil {
		base = codec.Genesis(d.docID)
	}
	if next, err := codec.Apply(base, [][]byte{d.overlays[idx].changeBlob}); err == nil {
		d.baseDoc = next
	}
	d.version = Version{Epoch: epoch, Heads: heads}

	rest := d.overlays[idx+1:]
	d.overlays = nil
	for _, ov := range rest {
		d.stageWrite(ov.txID, ov.ops, ov.changeBlob)
	}
	after, _, _ = d.top()
	return before, after
}

// applySnapshot replaces the baseline wholesale with a decoded snapshot doc
// (used for resume/backfill and any delivery too large to diff), per
// §4.6.
func (d *docState) applySnapshot(doc *codec.Doc, epoch uint64) (before, after jsonvalue.Value) {
	before, _, _ = d.top()
	d.baseDoc = doc
	d.version = Version{Epoch: epoch, Heads: codec.Heads(doc)}
	overlays := d.overlays
	d.overlays = nil
	for _, ov := range overlays {
		d.stageWrite(ov.txID, ov.ops, ov.changeBlob)
	}
	after, _, _ = d.top()
	return before, after
}

// applyDelta folds a server-pushed sequence of change blobs onto the
// cached baseDoc (creating it from genesis if this is the first delivery
// for the document).
func (d *docState) applyDelta(blobs [][]byte, epoch uint64) (before, after jsonvalue.Value, err error) {
	before, _, _ = d.top()
	base := d.baseDoc
	if base == nil {
		base = codec.Genesis(d.docID)
	}
	next, applyErr := codec.Apply(base, blobs)
	if applyErr != nil {
		return before, before, applyErr
	}
	d.baseDoc = next
	d.version = Version{Epoch: epoch, Heads: codec.Heads(next)}

	overlays := d.overlays
	d.overlays = nil
	for _, ov := range overlays {
		d.stageWrite(ov.txID, ov.ops, ov.changeBlob)
	}
	after, _, _ = d.top()
	return before, after, nil
}
