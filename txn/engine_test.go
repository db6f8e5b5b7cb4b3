package txn

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/commontoolsinc/spacestore/codec"
	"github.com/commontoolsinc/spacestore/internal/jsonvalue"
)

func testLogger() log.Logger { return log.New() }

func setChange(docID string, base codec.HeadSet, path jsonvalue.Path, val jsonvalue.Value) [][]byte {
	ch := codec.NewChange(docID, base.Slice(), []jsonvalue.Op{{Kind: jsonvalue.OpSet, Path: path, Value: val}})
	raw, err := codec.EncodeChange(ch)
	if err != nil {
		panic(err)
	}
	return [][]byte{raw}
}

// S1 — happy-path increment (§8).
func TestHappyPathIncrement(t *testing.T) {
	ms := newMemStore()
	pub := &recordingPublisher{}
	e := New("did:key:s1", ms, pub, testLogger())
	defer e.Close()

	genesis := codec.NewHeadSet(codec.GenesisHead("doc:x"))
	changes := setChange("doc:x", genesis, jsonvalue.Path{"count"}, jsonvalue.Num(1))

	rec, err := e.Submit(context.Background(), Request{
		Writes: []WriteRecord{{Ref: Ref{DocID: "doc:x", Branch: "main"}, BaseHeads: genesis, Changes: changes}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusOK, rec.Status)
	require.EqualValues(t, 1, rec.Epoch)
	require.Len(t, rec.Results, 1)
	require.True(t, rec.Results[0].Applied)

	require.Len(t, pub.events, 1)
	require.EqualValues(t, 1, pub.events[0].Epoch)
}

// S2 — conflicting writes (§8): A commits first, B's base heads are
// stale by the time it commits and it must be rejected with
// baseHeadsMismatch, never silently applied on top.
func TestConflictingWritesRejectStaleBase(t *testing.T) {
	ms := newMemStore()
	e := New("did:key:s2", ms, &recordingPublisher{}, testLogger())
	defer e.Close()

	genesis := codec.NewHeadSet(codec.GenesisHead("doc:y"))
	ref := Ref{DocID: "doc:y", Branch: "main"}

	seedChanges := setChange("doc:y", genesis, jsonvalue.Path{"v"}, jsonvalue.Num(1))
	seed, err := e.Submit(context.Background(), Request{
		Writes: []WriteRecord{{Ref: ref, BaseHeads: genesis, Changes: seedChanges}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusOK, seed.Status)
	baselineHeads := seed.Results[0].NewHeads

	// A commits v=2 from the shared baseline.
	aChanges := setChange("doc:y", baselineHeads, jsonvalue.Path{"v"}, jsonvalue.Num(2))
	aRec, err := e.Submit(context.Background(), Request{
		Writes: []WriteRecord{{Ref: ref, BaseHeads: baselineHeads, Changes: aChanges}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusOK, aRec.Status)
	require.EqualValues(t, 2, aRec.Epoch)

	// B, still holding the stale baseline, tries to commit v=2 (its own
	// local increment) without allowServerMerge -- must conflict.
	bChanges := setChange("doc:y", baselineHeads, jsonvalue.Path{"v"}, jsonvalue.Num(2))
	bRec, err := e.Submit(context.Background(), Request{
		Writes: []WriteRecord{{Ref: ref, BaseHeads: baselineHeads, Changes: bChanges, AllowServerMerge: false}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusConflict, bRec.Status)
	require.Len(t, bRec.Conflicts, 1)
	require.Equal(t, ReasonBaseHeadsMismatch, bRec.Conflicts[0].Reason)
}

func TestEpochMonotonicity(t *testing.T) {
	ms := newMemStore()
	e := New("did:key:s3", ms, &recordingPublisher{}, testLogger())
	defer e.Close()

	genesis := codec.NewHeadSet(codec.GenesisHead("doc:z"))
	ref := Ref{DocID: "doc:z", Branch: "main"}

	heads := genesis
	for want := uint64(1); want <= 5; want++ {
		changes := setChange("doc:z", heads, jsonvalue.Path{"n"}, jsonvalue.Num(float64(want)))
		rec, err := e.Submit(context.Background(), Request{
			Writes: []WriteRecord{{Ref: ref, BaseHeads: heads, Changes: changes}},
		})
		require.NoError(t, err)
		require.Equal(t, StatusOK, rec.Status)
		require.Equal(t, want, rec.Epoch)
		heads = rec.Results[0].NewHeads
	}
}

func TestReadOnlyTransactionDoesNotBumpEpoch(t *testing.T) {
	ms := newMemStore()
	e := New("did:key:s4", ms, &recordingPublisher{}, testLogger())
	defer e.Close()

	rec, err := e.Submit(context.Background(), Request{
		Reads: []ReadAssertion{{Ref: Ref{DocID: "doc:w", Branch: "main"}, ExpectedHeads: codec.HeadSet{}}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusOK, rec.Status)
	require.EqualValues(t, 0, rec.Epoch)
}

func TestReadSetStaleConflict(t *testing.T) {
	ms := newMemStore()
	e := New("did:key:s5", ms, &recordingPublisher{}, testLogger())
	defer e.Close()

	genesis := codec.NewHeadSet(codec.GenesisHead("doc:v"))
	ref := Ref{DocID: "doc:v", Branch: "main"}
	changes := setChange("doc:v", genesis, jsonvalue.Path{"a"}, jsonvalue.Num(1))
	_, err := e.Submit(context.Background(), Request{
		Writes: []WriteRecord{{Ref: ref, BaseHeads: genesis, Changes: changes}},
	})
	require.NoError(t, err)

	// A read asserting the branch is still at genesis must conflict now.
	rec, err := e.Submit(context.Background(), Request{
		Reads: []ReadAssertion{{Ref: ref, ExpectedHeads: codec.HeadSet{}}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusConflict, rec.Status)
	require.Equal(t, ReasonReadSetStale, rec.Conflicts[0].Reason)
}

func TestDeadlineExpiredYieldsTimeoutConflict(t *testing.T) {
	ms := newMemStore()
	e := New("did:key:s6", ms, &recordingPublisher{}, testLogger())
	defer e.Close()

	rec, err := e.Submit(context.Background(), Request{Deadline: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	require.Equal(t, StatusConflict, rec.Status)
	require.Equal(t, ReasonTimeout, rec.Conflicts[0].Reason)
}

func TestStoreIOErrorReportsCausalityConflictAndLeavesNoPartialState(t *testing.T) {
	ms := newMemStore()
	ms.failNow = true
	e := New("did:key:s7", ms, &recordingPublisher{}, testLogger())
	defer e.Close()

	genesis := codec.NewHeadSet(codec.GenesisHead("doc:io"))
	ref := Ref{DocID: "doc:io", Branch: "main"}
	changes := setChange("doc:io", genesis, jsonvalue.Path{"a"}, jsonvalue.Num(1))
	rec, err := e.Submit(context.Background(), Request{
		Writes: []WriteRecord{{Ref: ref, BaseHeads: genesis, Changes: changes}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusConflict, rec.Status)
	require.Equal(t, ReasonCausality, rec.Conflicts[0].Reason)

	heads, err := ms.BranchHeads(context.Background(), "doc:io", "main")
	require.NoError(t, err)
	require.True(t, heads.Equal(genesis), "branch heads must be unchanged after a failed store commit")
}
