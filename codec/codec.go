// Package codec hides the CRDT behind the narrow contract §4.1
// requires: produce an empty doc, a deterministic genesis head, apply/diff/merge
// change blobs, and save/load a document to/from bytes. Every other component
// treats Doc and Change as opaque; only this package understands their shape.
//
// This package ships a reference implementation good enough to exercise the
// whole system end to end (the CRDT algebra itself is explicitly out of scope
// per §1). It models a document as an object tree (internal/jsonvalue)
// mutated by ordered Ops, with changes content-addressed and chained by
// predecessor hashes using the same domain-separated commitment builder
// that derives genesis heads below.
package codec

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/commontoolsinc/spacestore/internal/jsonvalue"
)

// Head identifies a tip of a document's change DAG.
type Head [32]byte

func (h Head) String() string { return fmt.Sprintf("%x", h[:]) }

// MarshalJSON renders a Head as a hex string rather than the default JSON
// array-of-numbers encoding for a fixed-size byte array.
func (h Head) MarshalJSON() ([]byte, error) { return json.Marshal(h.String()) }

func (h *Head) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(h) {
		return fmt.Errorf("codec: head must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}

// HeadSet is an unordered set of heads; callers treat it as set-equality
// comparable, so we expose that directly.
type HeadSet map[Head]struct{}

// MarshalJSON renders a HeadSet as its deterministic hex-sorted slice, so
// two equal sets always produce byte-identical wire output.
func (s HeadSet) MarshalJSON() ([]byte, error) {
	heads := s.Slice()
	strs := make([]string, len(heads))
	for i, h := range heads {
		strs[i] = h.String()
	}
	return json.Marshal(strs)
}

func (s *HeadSet) UnmarshalJSON(data []byte) error {
	var strs []string
	if err := json.Unmarshal(data, &strs); err != nil {
		return err
	}
	out := make(HeadSet, len(strs))
	for _, str := range strs {
		var h Head
		if err := h.UnmarshalJSON([]byte(`"` + str + `"`)); err != nil {
			return err
		}
		out[h] = struct{}{}
	}
	*s = out
	return nil
}

func NewHeadSet(heads ...Head) HeadSet {
	s := make(HeadSet, len(heads))
	for _, h := range heads {
		s[h] = struct{}{}
	}
	return s
}

func (s HeadSet) Equal(other HeadSet) bool {
	if len(s) != len(other) {
		return false
	}
	for h := range s {
		if _, ok := other[h]; !ok {
			return false
		}
	}
	return true
}

func (s HeadSet) Slice() []Head {
	out := make([]Head, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b Head) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Change is a single immutable append to a document's history. Its ID is content-addressed, so two changes with the same
// predecessors and ops are the same change -- this makes genesis() and any
// change replay idempotent.
type Change struct {
	ID           Head
	DocID        string
	Predecessors []Head
	Ops          []jsonvalue.Op
}

// Doc is the codec's opaque in-memory document. Every other component only
// ever holds a Doc by reference, obtained from genesis/apply/load.
type Doc struct {
	DocID    string
	Frontier HeadSet
	Changes  map[Head]Change
	View     jsonvalue.Value
}

// MalformedChange is returned by apply() when a change's bytes cannot be
// decoded (§4.1).
type MalformedChange struct{ Err error }

func (e *MalformedChange) Error() string { return fmt.Sprintf("malformed change: %v", e.Err) }
func (e *MalformedChange) Unwrap() error { return e.Err }

// CausalityViolation is returned by apply() when a change's stated
// predecessor heads are not present in the document (§4.1).
type CausalityViolation struct {
	DocID   string
	Missing Head
}

func (e *CausalityViolation) Error() string {
	return fmt.Sprintf("causality violation in doc %q: predecessor %s not present", e.DocID, e.Missing)
}

// Genesis produces the deterministic empty document for docID.
func Genesis(docID string) *Doc {
	return &Doc{
		DocID:    docID,
		Frontier: NewHeadSet(GenesisHead(docID)),
		Changes:  map[Head]Change{},
		View:     jsonvalue.Object(),
	}
}

// GenesisHead is derivable without storage: it's purely a function of docID,
// using the same domain-separated CommitmentBuilder used for change IDs.
func GenesisHead(docID string) Head {
	return NewCommitmentBuilder("GENESIS").StringField("doc_id", docID).Finalize()
}

// Heads returns the current tips of doc's change DAG.
func Heads(doc *Doc) HeadSet {
	return doc.Frontier
}

// Apply decodes and applies each change in order, advancing doc's frontier
// and materialized view. It works on a copy of doc: on the first failure it
// returns the original doc, unmodified, together with the error, so either
// every change in the slice is applied or none is (callers -- the
// Transaction Engine -- are responsible for only persisting the result after
// all changes in a write succeed).
func Apply(doc *Doc, changeBytes [][]byte) (*Doc, error) {
	next := &Doc{
		DocID:    doc.DocID,
		Frontier: cloneHeadSet(doc.Frontier),
		Changes:  cloneChanges(doc.Changes),
		View:     doc.View,
	}
	genesis := GenesisHead(doc.DocID)
	for _, raw := range changeBytes {
		ch, err := decodeChange(raw)
		if err != nil {
			return doc, &MalformedChange{Err: err}
		}
		for _, pred := range ch.Predecessors {
			if pred == genesis {
				continue
			}
			if _, ok := next.Changes[pred]; !ok {
				return doc, &CausalityViolation{DocID: doc.DocID, Missing: pred}
			}
		}
		ch.ID = hashChange(ch)
		next.Changes[ch.ID] = ch
		for _, pred := range ch.Predecessors {
			delete(next.Frontier, pred)
		}
		next.Frontier[ch.ID] = struct{}{}
		next.View = jsonvalue.Apply(next.View, ch.Ops)
	}
	return next, nil
}

// Merge is the codec's best-effort merge for divergent tips. It applies the
// given changes exactly as Apply does: Apply already accepts any predecessor
// that is a known change (tip or not) or the genesis head, and Merge adds no
// further tolerance. Used when a write declares allowServerMerge=true.
func Merge(doc *Doc, changeBytes [][]byte) (*Doc, error) {
	return Apply(doc, changeBytes)
}

// Diff produces the minimal ordered sequence of change bytes reachable from
// doc's current heads but not from baseHeads (§4.1), used by the
// Fan-out Engine to build delta backfills/deliveries.
func Diff(doc *Doc, baseHeads HeadSet) ([][]byte, error) {
	reachableBase, err := ancestors(doc, baseHeads)
	if err != nil {
		return nil, err
	}
	reachableCur, err := ancestors(doc, doc.Frontier)
	if err != nil {
		return nil, err
	}
	var missing []Head
	for h := range reachableCur {
		if _, ok := reachableBase[h]; !ok {
			missing = append(missing, h)
		}
	}
	ordered := topoSort(doc, missing)
	out := make([][]byte, 0, len(ordered))
	for _, h := range ordered {
		ch := doc.Changes[h]
		b, err := encodeChange(ch)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Save serializes doc to bytes using RLP.
func Save(doc *Doc) ([]byte, error) {
	p := persistedDoc{DocID: doc.DocID}
	for h := range doc.Frontier {
		p.Frontier = append(p.Frontier, h[:])
	}
	sort.Slice(p.Frontier, func(i, j int) bool { return string(p.Frontier[i]) < string(p.Frontier[j]) })
	ids := make([]Head, 0, len(doc.Changes))
	for id := range doc.Changes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return less(ids[i], ids[j]) })
	for _, id := range ids {
		ch := doc.Changes[id]
		pc, err := toPersistedChange(ch)
		if err != nil {
			return nil, err
		}
		p.Changes = append(p.Changes, pc)
	}
	viewJSON, err := doc.View.MarshalJSON()
	if err != nil {
		return nil, err
	}
	p.ViewJSON = viewJSON
	return rlp.EncodeToBytes(&p)
}

// Load deserializes bytes produced by Save back into a Doc.
func Load(docID string, data []byte) (*Doc, error) {
	var p persistedDoc
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return nil, &MalformedChange{Err: err}
	}
	doc := &Doc{
		DocID:    docID,
		Frontier: HeadSet{},
		Changes:  map[Head]Change{},
	}
	for _, raw := range p.Frontier {
		var h Head
		copy(h[:], raw)
		doc.Frontier[h] = struct{}{}
	}
	for _, pc := range p.Changes {
		ch, err := fromPersistedChange(pc)
		if err != nil {
			return nil, err
		}
		doc.Changes[ch.ID] = ch
	}
	if err := json.Unmarshal(p.ViewJSON, &doc.View); err != nil {
		return nil, &MalformedChange{Err: err}
	}
	return doc, nil
}

type persistedDoc struct {
	DocID    string
	Frontier [][]byte
	Changes  []persistedChange
	ViewJSON []byte
}

type persistedChange struct {
	ID           []byte
	DocID        string
	Predecessors [][]byte
	OpsJSON      []byte
}

func toPersistedChange(ch Change) (persistedChange, error) {
	opsJSON, err := json.Marshal(ch.Ops)
	if err != nil {
		return persistedChange{}, err
	}
	preds := make([][]byte, len(ch.Predecessors))
	for i, p := range ch.Predecessors {
		preds[i] = append([]byte{}, p[:]...)
	}
	return persistedChange{
		ID:           append([]byte{}, ch.ID[:]...),
		DocID:        ch.DocID,
		Predecessors: preds,
		OpsJSON:      opsJSON,
	}, nil
}

func fromPersistedChange(pc persistedChange) (Change, error) {
	var id Head
	copy(id[:], pc.ID)
	preds := make([]Head, len(pc.Predecessors))
	for i, p := range pc.Predecessors {
		copy(preds[i][:], p)
	}
	var ops []jsonvalue.Op
	if err := json.Unmarshal(pc.OpsJSON, &ops); err != nil {
		return Change{}, &MalformedChange{Err: err}
	}
	return Change{ID: id, DocID: pc.DocID, Predecessors: preds, Ops: ops}, nil
}

// EncodeChange turns a Change into the wire bytes clients submit as part of a
// write's changes[] list.
func EncodeChange(ch Change) ([]byte, error) { return encodeChange(ch) }

func encodeChange(ch Change) ([]byte, error) {
	pc, err := toPersistedChange(ch)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(&pc)
}

func decodeChange(raw []byte) (Change, error) {
	var pc persistedChange
	if err := rlp.DecodeBytes(raw, &pc); err != nil {
		return Change{}, err
	}
	return fromPersistedChange(pc)
}

// ChangePaths decodes a sequence of change blobs (without validating
// causality) and returns every path touched by their Ops, in declaration
// order. The Subscription Registry and Fan-out Engine use this to match a
// committed write against a query's path prefix (§4.4) without
// needing to replay the write against a document.
func ChangePaths(blobs [][]byte) ([]jsonvalue.Path, error) {
	var paths []jsonvalue.Path
	for _, raw := range blobs {
		ch, err := decodeChange(raw)
		if err != nil {
			return nil, &MalformedChange{Err: err}
		}
		for _, op := range ch.Ops {
			paths = append(paths, op.Path)
		}
	}
	return paths, nil
}

// NewChange builds a Change ready to be hashed and encoded -- the helper
// client.Core uses to turn a Mutator's Ops into a submittable blob.
func NewChange(docID string, predecessors []Head, ops []jsonvalue.Op) Change {
	ch := Change{DocID: docID, Predecessors: predecessors, Ops: ops}
	ch.ID = hashChange(ch)
	return ch
}

func hashChange(ch Change) Head {
	b := NewCommitmentBuilder("CHANGE").StringField("doc_id", ch.DocID)
	for _, p := range ch.Predecessors {
		b = b.FixedField("pred", p[:])
	}
	opsJSON, _ := json.Marshal(ch.Ops)
	b = b.VarField("ops", opsJSON)
	return b.Finalize()
}

func cloneHeadSet(s HeadSet) HeadSet {
	out := make(HeadSet, len(s))
	for h := range s {
		out[h] = struct{}{}
	}
	return out
}

func cloneChanges(m map[Head]Change) map[Head]Change {
	out := make(map[Head]Change, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ancestors returns the transitive closure (inclusive) of from, walking
// predecessor edges recorded in doc.Changes. Heads not present in doc.Changes
// (i.e. the genesis head, or a head outside this doc's known history) are
// treated as already-satisfied roots.
func ancestors(doc *Doc, from HeadSet) (map[Head]struct{}, error) {
	seen := map[Head]struct{}{}
	var walk func(h Head)
	walk = func(h Head) {
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		ch, ok := doc.Changes[h]
		if !ok {
			return
		}
		for _, p := range ch.Predecessors {
			walk(p)
		}
	}
	for h := range from {
		walk(h)
	}
	return seen, nil
}

// topoSort orders a subset of doc.Changes so that every change's
// predecessors (restricted to the subset) appear before it.
func topoSort(doc *Doc, subset []Head) []Head {
	inSubset := make(map[Head]struct{}, len(subset))
	for _, h := range subset {
		inSubset[h] = struct{}{}
	}
	var out []Head
	visited := map[Head]struct{}{}
	var visit func(h Head)
	visit = func(h Head) {
		if _, ok := visited[h]; ok {
			return
		}
		visited[h] = struct{}{}
		ch := doc.Changes[h]
		for _, p := range ch.Predecessors {
			if _, ok := inSubset[p]; ok {
				visit(p)
			}
		}
		out = append(out, h)
	}
	sort.Slice(subset, func(i, j int) bool { return less(subset[i], subset[j]) })
	for _, h := range subset {
		visit(h)
	}
	return out
}

// lengthPrefix is a tiny helper shared with commitment.go for deterministic
// fixed-size encodings of lengths.
func lengthPrefix(n int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}
