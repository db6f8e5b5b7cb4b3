// Package resume implements the Resume Controller of §4.6: it
// decides, on client hello and subsequent subscribe, whether a reconnecting
// client needs no backfill, a delta backfill, or a full snapshot backfill,
// and sequences the backfill batch ahead of the completion sentinel that
// hands a subscription off to live delivery.
package resume

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/commontoolsinc/spacestore/fanout"
	"github.com/commontoolsinc/spacestore/metrics"
	"github.com/commontoolsinc/spacestore/registry"
	"github.com/commontoolsinc/spacestore/store"
)

// DefaultDeltaRetentionEpochs is R_delta (§9 Open Questions),
// overridable via SPACESTORE_RESUME_DELTA_RETENTION_EPOCHS.
const DefaultDeltaRetentionEpochs = 512

// Store is the subset of the Space Store the Resume Controller needs.
type Store interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
	Cursor(ctx context.Context, clientID string) (store.ClientCursorRow, bool, error)
	SetCursor(ctx context.Context, clientID string, lastAckedEpoch int64) error
	ReadEpoch(ctx context.Context, epoch uint64) (store.EpochRecord, error)
}

// Controller is the per-space Resume Controller.
type Controller struct {
	spaceID            string
	st                 Store
	snap               fanout.Snapshotter
	deltaRetentionSpan uint64
	log                log.Logger
	metrics            *metrics.Metrics
}

// SetMetrics wires an optional metrics sink, set once at startup before the
// server begins serving -- like transport.Server's own metrics field, it is
// not mutated concurrently with Backfill.
func (c *Controller) SetMetrics(m *metrics.Metrics) { c.metrics = m }

func New(spaceID string, st Store, snap fanout.Snapshotter, deltaRetentionEpochs uint64, lg log.Logger) *Controller {
	if deltaRetentionEpochs == 0 {
		deltaRetentionEpochs = DefaultDeltaRetentionEpochs
	}
	return &Controller{
		spaceID:            spaceID,
		st:                 st,
		snap:               snap,
		deltaRetentionSpan: deltaRetentionEpochs,
		log:                lg.New("space", spaceID, "component", "resume"),
	}
}

// Hello handles §4.6's client hello `{clientId, sinceEpoch}`: it
// looks up (creating if absent) the durable cursor and returns the space's
// current epoch, per the `/storage/hello` command's `task/return {ok,
// currentEpoch}` response.
func (c *Controller) Hello(ctx context.Context, clientID string, sinceEpoch int64) (currentEpoch uint64, err error) {
	current, err := c.st.CurrentEpoch(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume: hello: %w", err)
	}
	if _, ok, err := c.st.Cursor(ctx, clientID); err != nil {
		return 0, fmt.Errorf("resume: hello: %w", err)
	} else if !ok {
		initial := sinceEpoch
		if initial < -1 {
			initial = -1
		}
		if err := c.st.SetCursor(ctx, clientID, initial); err != nil {
			return 0, fmt.Errorf("resume: hello: create cursor: %w", err)
		}
	}
	return current, nil
}

// Plan is the backfill decision for one subscribe, §4.6.
type Plan struct {
	Kind  PlanKind
	Batch *fanout.Batch // nil for PlanNone
}

type PlanKind string

const (
	PlanNone     PlanKind = "none"     // sinceEpoch == currentEpoch: emit only complete
	PlanDelta    PlanKind = "delta"    // backfill as a delta batch
	PlanSnapshot PlanKind = "snapshot" // backfill as a snapshot batch
)

// Backfill computes and (if non-empty) materializes the initial backfill
// batch for a new subscription, following the hello's declared sinceEpoch
// (or -1 if no hello was sent, per §4.6). The Resume Controller
// hands the result to the Fan-out Engine via EnqueueBackfill; it never
// touches the transport or the subscription queue itself.
func (c *Controller) Backfill(ctx context.Context, sub *registry.Subscription, sinceEpoch int64) (Plan, error) {
	current, err := c.st.CurrentEpoch(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("resume: backfill: %w", err)
	}

	if sinceEpoch >= 0 && uint64(sinceEpoch) == current {
		c.recordBackfill(PlanNone)
		return Plan{Kind: PlanNone}, nil
	}

	if sinceEpoch >= 0 && current-uint64(sinceEpoch) <= c.deltaRetentionSpan {
		docs, err := c.deltaDocs(ctx, sub.Query, uint64(sinceEpoch)+1, current)
		if err != nil {
			return Plan{}, err
		}
		if len(docs) == 0 {
			c.recordBackfill(PlanNone)
			return Plan{Kind: PlanNone}, nil
		}
		c.recordBackfill(PlanDelta)
		return Plan{Kind: PlanDelta, Batch: &fanout.Batch{Epoch: current, Docs: docs}}, nil
	}

	snap, err := c.snap.Snapshot(ctx, sub.Query.DocID, "main")
	if err != nil {
		return Plan{}, fmt.Errorf("resume: snapshot backfill: %w", err)
	}
	doc := fanout.DocEntry{DocID: sub.Query.DocID, Kind: fanout.KindSnapshot, Body: base64.StdEncoding.EncodeToString(snap)}
	c.recordBackfill(PlanSnapshot)
	return Plan{Kind: PlanSnapshot, Batch: &fanout.Batch{Epoch: current, Docs: []fanout.DocEntry{doc}}}, nil
}

func (c *Controller) recordBackfill(kind PlanKind) {
	if c.metrics == nil {
		return
	}
	c.metrics.BackfillTotal.WithLabelValues(c.spaceID, string(kind)).Inc()
}

// deltaDocs replays epochs (from, to] and collects the ordered change blobs
// affecting the subscribed query's document, coalesced into one delta
// DocEntry per document: a delta batch containing changes in epochs
// (sinceEpoch, currentEpoch] affecting subscribed docs.
func (c *Controller) deltaDocs(ctx context.Context, q registry.Query, from, to uint64) ([]fanout.DocEntry, error) {
	var blobs [][]byte
	for epoch := from; epoch <= to; epoch++ {
		rec, err := c.st.ReadEpoch(ctx, epoch)
		if err != nil {
			return nil, fmt.Errorf("resume: read epoch %d: %w", epoch, err)
		}
		matched := registry.MatchingDocs(q, rec.Writes)
		for _, w := range matched {
			idx := writeIndex(rec.Writes, w)
			if idx >= 0 && idx < len(rec.ChangeBlobs) {
				blobs = append(blobs, rec.ChangeBlobs[idx]...)
			}
		}
	}
	if len(blobs) == 0 {
		return nil, nil
	}
	// Same body shape as a live delta delivery (fanout.encodeBlobs): a JSON
	// array of base64-encoded change blobs, so a resuming client's decode
	// path doesn't need to special-case backfill vs. live delta bodies.
	body, err := json.Marshal(blobs)
	if err != nil {
		return nil, fmt.Errorf("resume: encode delta body: %w", err)
	}
	return []fanout.DocEntry{{DocID: q.DocID, Kind: fanout.KindDelta, Body: string(body)}}, nil
}

func writeIndex(writes []store.WriteRef, target store.WriteRef) int {
	for i, w := range writes {
		if w.DocID == target.DocID && w.Branch == target.Branch {
			return i
		}
	}
	return -1
}
