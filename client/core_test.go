package client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/commontoolsinc/spacestore/auth"
	"github.com/commontoolsinc/spacestore/codec"
	"github.com/commontoolsinc/spacestore/fanout"
	"github.com/commontoolsinc/spacestore/internal/jsonvalue"
	"github.com/commontoolsinc/spacestore/registry"
	"github.com/commontoolsinc/spacestore/resume"
	"github.com/commontoolsinc/spacestore/store"
	"github.com/commontoolsinc/spacestore/transport"
	"github.com/commontoolsinc/spacestore/txn"
)

// fakeStore is a minimal in-memory stand-in for store.SpaceStore, just
// enough to drive a real transport.Server for these end-to-end tests
// without Postgres.
type fakeStore struct {
	mu      sync.Mutex
	epoch   uint64
	heads   map[store.BranchKey]codec.HeadSet
	log     map[uint64]store.EpochRecord
	cursors map[string]store.ClientCursorRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		heads:   map[store.BranchKey]codec.HeadSet{},
		log:     map[uint64]store.EpochRecord{},
		cursors: map[string]store.ClientCursorRow{},
	}
}

func (m *fakeStore) CurrentEpoch(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, nil
}

func (m *fakeStore) BranchHeads(ctx context.Context, docID, branch string) (codec.HeadSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hs, ok := m.heads[store.BranchKey{DocID: docID, Branch: branch}]; ok {
		return hs, nil
	}
	return codec.NewHeadSet(codec.GenesisHead(docID)), nil
}

func (m *fakeStore) CommitEpoch(ctx context.Context, plan store.CommitPlan) (store.EpochRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	for key, heads := range plan.NewHeads {
		m.heads[key] = heads
	}
	rec := store.EpochRecord{Epoch: m.epoch, Writes: plan.Writes, ChangeBlobs: plan.ChangeBlobs}
	m.log[m.epoch] = rec
	return rec, nil
}

func (m *fakeStore) ReadEpoch(ctx context.Context, epoch uint64) (store.EpochRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.log[epoch]
	if !ok {
		return store.EpochRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *fakeStore) LatestSnapshot(ctx context.Context, docID string) (store.SnapshotRow, bool, error) {
	return store.SnapshotRow{}, false, nil
}

func (m *fakeStore) Cursor(ctx context.Context, clientID string) (store.ClientCursorRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[clientID]
	return c, ok, nil
}

func (m *fakeStore) SetCursor(ctx context.Context, clientID string, lastAckedEpoch int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[clientID] = store.ClientCursorRow{ClientID: clientID, LastAckedEpoch: lastAckedEpoch}
	return nil
}

type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Authorize(ctx context.Context, token, space string, capability auth.Capability) auth.Result {
	return auth.ResultOK
}

func newTestSpace(t *testing.T, id string) *transport.Space {
	t.Helper()
	st := newFakeStore()
	reg := registry.New()
	pub := fanout.New(id, fanout.DefaultConfig(), reg, nil, log.New())
	engine := txn.New(id, st, pub, log.New())
	pub.SetSnapshotter(engine)
	rc := resume.New(id, st, engine, 512, log.New())
	return &transport.Space{ID: id, Txn: engine, Registry: reg, Fanout: pub, Resume: rc, Store: st}
}

func dialTestCore(t *testing.T, sp *transport.Space, clientID string) *Core {
	t.Helper()
	lookup := func(spaceID string) (*transport.Space, error) {
		if spaceID != sp.ID {
			return nil, fmt.Errorf("unknown space")
		}
		return sp, nil
	}
	srv := transport.NewServer(lookup, allowAllAuthorizer{}, log.New(), nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL, clientID, "", log.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSubscribeWriteCommitDeliver(t *testing.T) {
	sp := newTestSpace(t, "did:key:s1")
	c := dialTestCore(t, sp, "client1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Hello(ctx, sp.ID, -1)
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, sp.ID, registry.Query{DocID: "doc:x"})
	require.NoError(t, err)
	defer sub.Unsubscribe(ctx)

	require.NoError(t, c.Synced(ctx, sp.ID))

	tx := c.NewTransaction(sp.ID)
	tx.Write("doc:x", jsonvalue.Path{"count"}, func(jsonvalue.Value) jsonvalue.Value {
		return jsonvalue.Num(1)
	})
	res, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, string(txn.StatusOK), res.Status)

	require.NoError(t, c.Synced(ctx, sp.ID))

	view, ok := c.ReadView(sp.ID, "doc:x")
	require.True(t, ok)
	v, ok := view.JSON.Get(jsonvalue.Path{"count"})
	require.True(t, ok)
	require.Equal(t, float64(1), v.Num)
}

func TestReadSetInvalidationRejectsLocally(t *testing.T) {
	sp := newTestSpace(t, "did:key:s2")
	writer := dialTestCore(t, sp, "writer")
	reader := dialTestCore(t, sp, "reader")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := reader.Hello(ctx, sp.ID, -1)
	require.NoError(t, err)
	sub, err := reader.Subscribe(ctx, sp.ID, registry.Query{DocID: "doc:y"})
	require.NoError(t, err)
	defer sub.Unsubscribe(ctx)
	require.NoError(t, reader.Synced(ctx, sp.ID))

	rtx := reader.NewTransaction(sp.ID)
	rtx.Read("doc:y", jsonvalue.Path{"count"})

	wtx := writer.NewTransaction(sp.ID)
	wtx.Write("doc:y", jsonvalue.Path{"count"}, func(jsonvalue.Value) jsonvalue.Value {
		return jsonvalue.Num(7)
	})
	wres, err := wtx.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, string(txn.StatusOK), wres.Status)

	require.NoError(t, reader.Synced(ctx, sp.ID))
	// Synced covers subscriptions and commits, not live deliveries: wait
	// until the writer's delivery has reached the reader before committing.
	require.Eventually(t, func() bool {
		view, ok := reader.ReadView(sp.ID, "doc:y")
		if !ok {
			return false
		}
		v, ok := view.JSON.Get(jsonvalue.Path{"count"})
		return ok && v.Num == 7
	}, 5*time.Second, time.Millisecond)

	rres, err := rtx.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, "rejected", rres.Status)
}
