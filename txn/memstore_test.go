package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/commontoolsinc/spacestore/codec"
	"github.com/commontoolsinc/spacestore/store"
)

// memStore is an in-memory stand-in for store.SpaceStore used to unit-test
// the Transaction Engine's conflict-detection and epoch-assignment logic
// without a Postgres instance, substituting a fake behind a narrow
// interface rather than standing up a real database for unit tests.
type memStore struct {
	mu      sync.Mutex
	epoch   uint64
	heads   map[store.BranchKey]codec.HeadSet
	log     map[uint64]store.EpochRecord
	snaps   map[string]store.SnapshotRow
	failNow bool
}

func newMemStore() *memStore {
	return &memStore{
		heads: map[store.BranchKey]codec.HeadSet{},
		log:   map[uint64]store.EpochRecord{},
		snaps: map[string]store.SnapshotRow{},
	}
}

func (m *memStore) CurrentEpoch(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, nil
}

func (m *memStore) BranchHeads(ctx context.Context, docID, branch string) (codec.HeadSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hs, ok := m.heads[store.BranchKey{DocID: docID, Branch: branch}]; ok {
		return hs, nil
	}
	return codec.NewHeadSet(codec.GenesisHead(docID)), nil
}

func (m *memStore) CommitEpoch(ctx context.Context, plan store.CommitPlan) (store.EpochRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNow {
		return store.EpochRecord{}, fmt.Errorf("injected store failure")
	}
	m.epoch++
	for key, heads := range plan.NewHeads {
		m.heads[key] = heads
	}
	rec := store.EpochRecord{Epoch: m.epoch, Writes: plan.Writes, ChangeBlobs: plan.ChangeBlobs}
	m.log[m.epoch] = rec
	return rec, nil
}

func (m *memStore) ReadEpoch(ctx context.Context, epoch uint64) (store.EpochRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.log[epoch]
	if !ok {
		return store.EpochRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) LatestSnapshot(ctx context.Context, docID string) (store.SnapshotRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.snaps[docID]
	return row, ok, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []CommitEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev CommitEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}
