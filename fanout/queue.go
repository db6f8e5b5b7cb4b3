package fanout

import (
	"context"
	"sync"
)

// State is a subscription's position in §4.5's delivery state
// machine: New -> Backfilling -> Live, with Paused/Live toggling on
// transport write-readiness, and Closed on unsubscribe or transport drop.
type State int

const (
	StateNew State = iota
	StateBackfilling
	StateLive
	StatePaused
	StateClosed
)

// completeEpoch is the Epoch of the sentinel batch enqueued after backfill;
// subQueue recognizes the sentinel by this value and calls Sink.Complete
// instead of Sink.Deliver.
const completeEpoch = ^uint64(0)

// snapshotFunc produces a real snapshot DocEntry for docID as of epoch, used
// to collapse an overflowed queue into actual deliverable content rather
// than a content-free marker.
type snapshotFunc func(ctx context.Context, docID string, epoch uint64) (DocEntry, error)

// subQueue is one subscription's FIFO delivery queue and drain loop: it
// holds at most cfg.Window batches in flight (unacked) at a time, and
// collapses a backlog past cfg.QMax into a single snapshot batch at the
// latest epoch so a slow consumer never grows the queue unboundedly, while
// still catching up to real content (§4.5 "coalesce the queue into a
// single outstanding snapshot delivery").
type subQueue struct {
	id    string
	docID string
	cfg   Config
	snap  snapshotFunc

	mu      sync.Mutex
	cond    *sync.Cond
	sink    Sink
	state   State
	pending []Batch
	inFlat  int // count of in-flight (dispatched, unacked) batches
	lastAck uint64
	closed  bool
}

func newSubQueue(id, docID string, sink Sink, cfg Config, snap snapshotFunc) *subQueue {
	q := &subQueue{id: id, docID: docID, cfg: cfg, snap: snap, sink: sink, state: StateBackfilling}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *subQueue) setSink(sink Sink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sink = sink
	if q.state == StatePaused {
		q.state = StateLive
	}
	q.cond.Broadcast()
}

func (q *subQueue) enqueue(ctx context.Context, b Batch) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, b)
	if len(q.pending)+q.inFlat <= q.cfg.QMax {
		q.mu.Unlock()
		q.cond.Broadcast()
		return
	}
	latest := q.pending[len(q.pending)-1].Epoch
	q.mu.Unlock()

	// Past Q_max, collapse the backlog to one snapshot batch at the latest
	// epoch instead of growing the queue unboundedly. Building the snapshot
	// can block on I/O, so it happens with the lock released.
	entry, err := q.snap(ctx, q.docID, latest)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if err != nil {
		// Couldn't produce the collapsed snapshot; leave the backlog as-is
		// rather than replacing it with content the subscriber can't use.
		q.cond.Broadcast()
		return
	}
	q.pending = []Batch{{Epoch: latest, Docs: []DocEntry{entry}}}
	q.cond.Broadcast()
}

// enqueueComplete appends the completion sentinel (§4.6: "the
// backfill is followed by a completion signal before the subscription
// enters Live").
func (q *subQueue) enqueueComplete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, Batch{Epoch: completeEpoch})
	q.cond.Broadcast()
}

func (q *subQueue) ack(epoch uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if epoch > q.lastAck {
		q.lastAck = epoch
	}
	if q.inFlat > 0 {
		q.inFlat--
	}
	q.cond.Broadcast()
}

// depth reports the subscription's current queue depth (pending plus
// in-flight batches), for metrics.QueueDepth.
func (q *subQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.inFlat
}

func (q *subQueue) resumeWrite() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StatePaused {
		q.state = StateLive
	}
	q.cond.Broadcast()
}

func (q *subQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.state = StateClosed
	q.cond.Broadcast()
}

// drainLoop dispatches queued batches to the Sink one at a time, respecting
// the unacked-window limit, until the subscription is closed.
func (q *subQueue) drainLoop(ctx context.Context) {
	for {
		q.mu.Lock()
		for !q.closed && (len(q.pending) == 0 || q.state == StatePaused || q.inFlat >= q.cfg.Window) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		b := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlat++
		sink := q.sink
		isComplete := b.Epoch == completeEpoch
		if len(q.pending) == 0 && q.state == StateBackfilling && isComplete {
			q.state = StateLive
		}
		q.mu.Unlock()

		if sink == nil {
			q.ack(b.Epoch) // no transport attached yet; don't block the window forever
			continue
		}

		var err error
		if isComplete {
			err = sink.Complete(ctx)
		} else {
			err = sink.Deliver(ctx, b)
		}
		if err == ErrBackpressure {
			q.mu.Lock()
			q.pending = append([]Batch{b}, q.pending...)
			q.inFlat--
			q.state = StatePaused
			q.mu.Unlock()
			continue
		}
		// Any other delivery error: the transport layer owns retry/drop
		// policy. We still release the window slot so the subscription
		// isn't wedged; the caller's Sink is responsible for surfacing
		// hard failures by eventually closing the subscription.
		if err != nil {
			q.ack(b.Epoch)
		}
	}
}
