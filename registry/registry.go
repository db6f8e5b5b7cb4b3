// Package registry implements the Subscription Registry of §4.4: the
// per-space catalog of live subscriptions, and the path-prefix matching rule
// that decides whether a committed epoch is relevant to a subscriber.
package registry

import (
	"encoding/json"
	"sync"

	"github.com/commontoolsinc/spacestore/internal/jsonvalue"
	"github.com/commontoolsinc/spacestore/store"
)

// Query is the subscription query: a required docId, a path prefix
// (empty means the document root), and an opaque schema predicate handle.
// Per §9 Open Questions, the schema field is treated as pass-through
// and always matches in this implementation.
type Query struct {
	DocID  string          `json:"docId"`
	Path   jsonvalue.Path  `json:"path"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// key makes two subscriptions with the same (consumerId, query) equivalent,
// per §4.4.
type key struct {
	consumerID string
	docID      string
	path       string
}

func keyOf(consumerID string, q Query) key {
	return key{consumerID: consumerID, docID: q.DocID, path: q.Path.String()}
}

// IDFor derives a subscription's id directly from its equivalence key
// (consumerId, docId, path) rather than a randomly generated one. Spec.md
// §4.4 defines two subscriptions as equivalent solely by that triple, and
// the wire protocol (§6.1) never echoes a server-assigned subscription id
// back to the caller of /storage/subscribe -- deliver and complete frames
// carry no stream identifier at all. Making the id a pure function of the
// triple lets a client compute the same id it will need for
// /storage/unsubscribe and an ack's streamId without a round trip.
func IDFor(consumerID string, q Query) string {
	return "sub:" + consumerID + ":" + q.DocID + ":" + q.Path.String()
}

// Subscription is one live registry entry.
type Subscription struct {
	ID                 string
	ConsumerID         string
	Query              Query
	LastDeliveredEpoch uint64
}

// Registry is the per-space catalog. Its lock is held only for index
// updates (§5 "Subscription Registry is mutated under a per-space
// lock short enough to be held for index updates only").
type Registry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	byID map[key]string // key -> subscription id, for idempotent re-subscribe
}

func New() *Registry {
	return &Registry{subs: map[string]*Subscription{}, byID: map[key]string{}}
}

// Subscribe inserts a subscription, or returns the existing equivalent one
// (same consumerId+query) with its LastDeliveredEpoch preserved, per
// §4.4's idempotence rule.
func (r *Registry) Subscribe(consumerID string, q Query) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := keyOf(consumerID, q)
	if id, ok := r.byID[k]; ok {
		return r.subs[id]
	}
	sub := &Subscription{ID: IDFor(consumerID, q), ConsumerID: consumerID, Query: q}
	r.subs[sub.ID] = sub
	r.byID[k] = sub.ID
	return sub
}

// Unsubscribe removes a subscription by id.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	delete(r.byID, keyOf(sub.ConsumerID, sub.Query))
}

// Get returns the subscription by id.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// SetLastDelivered records the epoch of the latest batch enqueued for a
// subscription. The Fan-out Engine's delta-vs-snapshot choice does not
// consult it.
func (r *Registry) SetLastDelivered(id string, epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.LastDeliveredEpoch = epoch
	}
}

// MatchingDocs returns the subset of writeRefs whose docId/path match q, per
// §4.4: "A query matches an epoch if the epoch's write refs include
// at least one write to query.docId whose affected path prefix intersects
// query.path."
func MatchingDocs(q Query, writes []store.WriteRef) []store.WriteRef {
	var matched []store.WriteRef
	for _, w := range writes {
		if w.DocID != q.DocID {
			continue
		}
		if len(q.Path) == 0 {
			matched = append(matched, w)
			continue
		}
		if len(w.Paths) == 0 {
			// A write with no recorded per-op paths (a write carrying no
			// changes) is treated as affecting the whole document;
			// conservatively match.
			matched = append(matched, w)
			continue
		}
		for _, p := range w.Paths {
			if q.Path.Intersects(jsonvalue.Path(p)) {
				matched = append(matched, w)
				break
			}
		}
	}
	return matched
}

// Matching returns every subscription in the space whose query is relevant
// to the given commit's writes, used by the Fan-out Engine to decide which
// subscriptions to consider per commit.
func (r *Registry) Matching(writes []store.WriteRef) []*Subscription {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	var out []*Subscription
	for _, s := range subs {
		if len(MatchingDocs(s.Query, writes)) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// All returns every live subscription in the space.
func (r *Registry) All() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}
