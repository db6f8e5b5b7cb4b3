package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/commontoolsinc/spacestore/internal/jsonvalue"
	"github.com/commontoolsinc/spacestore/store"
)

func TestSubscribeIsIdempotentAndPreservesLastDelivered(t *testing.T) {
	r := New()
	q := Query{DocID: "doc:x", Path: jsonvalue.Path{}}
	sub1 := r.Subscribe("consumer1", q)
	r.SetLastDelivered(sub1.ID, 7)

	sub2 := r.Subscribe("consumer1", q)
	require.Equal(t, sub1.ID, sub2.ID)
	require.EqualValues(t, 7, sub2.LastDeliveredEpoch)
}

func TestEmptyPathMatchesAllMutations(t *testing.T) {
	q := Query{DocID: "doc:x", Path: jsonvalue.Path{}}
	writes := []store.WriteRef{{DocID: "doc:x", Paths: [][]string{{"deeply", "nested"}}}}
	require.Len(t, MatchingDocs(q, writes), 1)
}

func TestPathPrefixMatching(t *testing.T) {
	q := Query{DocID: "doc:x", Path: jsonvalue.Path{"a", "b"}}
	matchWrites := []store.WriteRef{{DocID: "doc:x", Paths: [][]string{{"a", "b", "c"}}}}
	require.Len(t, MatchingDocs(q, matchWrites), 1)

	noMatchWrites := []store.WriteRef{{DocID: "doc:x", Paths: [][]string{{"a", "z"}}}}
	require.Empty(t, MatchingDocs(q, noMatchWrites))

	wrongDoc := []store.WriteRef{{DocID: "doc:y", Paths: [][]string{{"a", "b"}}}}
	require.Empty(t, MatchingDocs(q, wrongDoc))
}
