package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/commontoolsinc/spacestore/internal/jsonvalue"
	"github.com/commontoolsinc/spacestore/registry"
	"github.com/commontoolsinc/spacestore/store"
	"github.com/commontoolsinc/spacestore/txn"
)

func testLogger() log.Logger { return log.New() }

// recordingSink is a fake fanout.Sink that records every delivered batch and
// completion, used in place of a real websocket transport.
type recordingSink struct {
	mu        sync.Mutex
	batches   []Batch
	completed int
}

func (s *recordingSink) Deliver(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

func (s *recordingSink) Complete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	return nil
}

func (s *recordingSink) snapshotOf() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

type fakeSnapshotter struct{ bytes []byte }

func (f *fakeSnapshotter) Snapshot(ctx context.Context, docID, branch string) ([]byte, error) {
	return f.bytes, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition not met before deadline")
}

func TestPublishDeliversDeltaToMatchingSubscription(t *testing.T) {
	reg := registry.New()
	sub := reg.Subscribe("consumer1", registry.Query{DocID: "doc:x", Path: jsonvalue.Path{}})

	e := New("space1", DefaultConfig(), reg, &fakeSnapshotter{}, testLogger())
	sink := &recordingSink{}
	e.Attach(sub, sink)

	e.Publish(context.Background(), txn.CommitEvent{
		SpaceID:     "space1",
		Epoch:       3,
		Writes:      []store.WriteRef{{DocID: "doc:x", Branch: "main", Paths: [][]string{{"a"}}}},
		ChangeBlobs: [][][]byte{{[]byte("change-1")}},
	})

	waitFor(t, func() bool { return len(sink.snapshotOf()) == 1 })
	batches := sink.snapshotOf()
	require.EqualValues(t, 3, batches[0].Epoch)
	require.Len(t, batches[0].Docs, 1)
	require.Equal(t, KindDelta, batches[0].Docs[0].Kind)
}

func TestPublishSkipsNonMatchingSubscription(t *testing.T) {
	reg := registry.New()
	sub := reg.Subscribe("consumer1", registry.Query{DocID: "doc:other", Path: jsonvalue.Path{}})

	e := New("space1", DefaultConfig(), reg, &fakeSnapshotter{}, testLogger())
	sink := &recordingSink{}
	e.Attach(sub, sink)

	e.Publish(context.Background(), txn.CommitEvent{
		SpaceID: "space1",
		Epoch:   1,
		Writes:  []store.WriteRef{{DocID: "doc:x", Branch: "main"}},
	})

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, sink.snapshotOf())
}

func TestLargeDeltaFallsBackToSnapshot(t *testing.T) {
	reg := registry.New()
	sub := reg.Subscribe("consumer1", registry.Query{DocID: "doc:x", Path: jsonvalue.Path{}})

	cfg := DefaultConfig()
	cfg.MaxDeltaBytes = 4
	e := New("space1", cfg, reg, &fakeSnapshotter{bytes: []byte("full-doc-bytes")}, testLogger())
	sink := &recordingSink{}
	e.Attach(sub, sink)

	e.Publish(context.Background(), txn.CommitEvent{
		SpaceID:     "space1",
		Epoch:       1,
		Writes:      []store.WriteRef{{DocID: "doc:x", Branch: "main"}},
		ChangeBlobs: [][][]byte{{[]byte("a change far bigger than four bytes")}},
	})

	waitFor(t, func() bool { return len(sink.snapshotOf()) == 1 })
	require.Equal(t, KindSnapshot, sink.snapshotOf()[0].Docs[0].Kind)
}

func TestEnqueueBackfillThenCompleteSentinel(t *testing.T) {
	reg := registry.New()
	sub := reg.Subscribe("consumer1", registry.Query{DocID: "doc:x", Path: jsonvalue.Path{}})

	e := New("space1", DefaultConfig(), reg, &fakeSnapshotter{}, testLogger())
	sink := &recordingSink{}
	e.EnqueueBackfill(context.Background(), sub, sink, &Batch{Epoch: 5, Docs: []DocEntry{{DocID: "doc:x", Kind: KindSnapshot, Body: "Zm9v"}}})

	waitFor(t, func() bool { return len(sink.snapshotOf()) == 1 })
	waitFor(t, func() bool { s := sink; s.mu.Lock(); defer s.mu.Unlock(); return s.completed == 1 })
}

func TestBackpressurePausesAndResumesDelivery(t *testing.T) {
	reg := registry.New()
	sub := reg.Subscribe("consumer1", registry.Query{DocID: "doc:x", Path: jsonvalue.Path{}})

	e := New("space1", DefaultConfig(), reg, &fakeSnapshotter{}, testLogger())
	blocked := &blockingSink{block: true}
	q := e.Attach(sub, blocked)

	e.Publish(context.Background(), txn.CommitEvent{
		SpaceID: "space1",
		Epoch:   1,
		Writes:  []store.WriteRef{{DocID: "doc:x", Branch: "main"}},
	})

	waitFor(t, func() bool { return blocked.attempts() > 0 })
	require.Empty(t, blocked.delivered())

	blocked.unblock()
	e.ResumeWrite(sub.ID)
	waitFor(t, func() bool { return len(blocked.delivered()) == 1 })
	_ = q
}

func TestQueueOverflowCollapsesToRealSnapshot(t *testing.T) {
	reg := registry.New()
	sub := reg.Subscribe("consumer1", registry.Query{DocID: "doc:x", Path: jsonvalue.Path{}})

	cfg := DefaultConfig()
	cfg.QMax = 2
	cfg.Window = 1
	e := New("space1", cfg, reg, &fakeSnapshotter{bytes: []byte("snapshot-bytes")}, testLogger())
	blocked := &blockingSink{block: true}
	q := e.Attach(sub, blocked)

	for i := 1; i <= 5; i++ {
		e.Publish(context.Background(), txn.CommitEvent{
			SpaceID: "space1",
			Epoch:   uint64(i),
			Writes:  []store.WriteRef{{DocID: "doc:x", Branch: "main"}},
		})
	}

	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.pending) == 1 && q.pending[0].Epoch == 5
	})

	q.mu.Lock()
	collapsed := q.pending[0]
	q.mu.Unlock()
	require.Len(t, collapsed.Docs, 1)
	require.Equal(t, KindSnapshot, collapsed.Docs[0].Kind)
	require.NotEmpty(t, collapsed.Docs[0].Body)
}

type blockingSink struct {
	mu    sync.Mutex
	block bool
	tries int
	items []Batch
}

func (b *blockingSink) attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tries
}

func (b *blockingSink) delivered() []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Batch, len(b.items))
	copy(out, b.items)
	return out
}

func (b *blockingSink) unblock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block = false
}

func (b *blockingSink) Deliver(ctx context.Context, batch Batch) error {
	b.mu.Lock()
	b.tries++
	blocked := b.block
	b.mu.Unlock()
	if blocked {
		return ErrBackpressure
	}
	b.mu.Lock()
	b.items = append(b.items, batch)
	b.mu.Unlock()
	return nil
}

func (b *blockingSink) Complete(ctx context.Context) error { return nil }
