package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/commontoolsinc/spacestore/codec"
	"github.com/commontoolsinc/spacestore/internal/jsonvalue"
	"github.com/commontoolsinc/spacestore/transport"
	"github.com/commontoolsinc/spacestore/txn"
)

const mainBranch = "main"

// TxHandle is §4.7's newTransaction() return value: read(), write()
// and commit() scoped to one in-flight transaction.
type TxHandle struct {
	core  *Core
	space string
	id    string // overlay key; independent of the server's own receipt TxID

	mu          sync.Mutex
	reads       []txn.ReadAssertion
	readSet     map[string]map[string]bool // docId -> set of path strings observed
	writeOps    map[string][]jsonvalue.Op  // docId -> accumulated ops, in write() call order
	docOrder    []string                   // first-seen order of touched docIds, for deterministic submission
	invalidated bool
	settled     bool

	allowServerMerge bool
}

// NewTransaction opens a transaction against space.
func (c *Core) NewTransaction(space string) *TxHandle {
	tx := &TxHandle{
		core:     c,
		space:    space,
		id:       newTxID(),
		readSet:  map[string]map[string]bool{},
		writeOps: map[string][]jsonvalue.Op{},
	}
	c.mu.Lock()
	c.openTxs[tx.id] = tx
	c.mu.Unlock()
	return tx
}

// AllowServerMerge opts every write in this transaction into the server's
// best-effort merge path instead of a strict base-heads match.
func (tx *TxHandle) AllowServerMerge(allow bool) { tx.allowServerMerge = allow }

// Read returns docId's value at path as currently observed (the top
// overlay if any write is in flight on it, else the promoted baseline),
// and records (docId, path) into this transaction's read-set. Any later
// delivery for docId, whatever path it touches, invalidates the
// transaction locally.
func (tx *TxHandle) Read(docID string, path jsonvalue.Path) (jsonvalue.Value, bool) {
	c := tx.core
	c.mu.Lock()
	ds := c.docState(tx.space, docID)
	val, ver, ok := ds.top()
	c.mu.Unlock()

	tx.mu.Lock()
	if tx.readSet[docID] == nil {
		tx.readSet[docID] = map[string]bool{}
	}
	tx.readSet[docID][path.String()] = true
	tx.reads = append(tx.reads, txn.ReadAssertion{Ref: txn.Ref{DocID: docID, Branch: mainBranch}, ExpectedHeads: ver.Heads})
	tx.mu.Unlock()

	if !ok {
		return jsonvalue.Value{}, false
	}
	return val.Get(path)
}

// Write stages a mutation at (docId, path): mutator receives the subtree
// currently at path (under this transaction's own prior writes layered on
// the current view) and returns its replacement. Nothing is visible to
// other readers until Commit() stages it into the overlay.
func (tx *TxHandle) Write(docID string, path jsonvalue.Path, mutator jsonvalue.Mutator) {
	c := tx.core
	c.mu.Lock()
	ds := c.docState(tx.space, docID)
	top, _, _ := ds.top()
	c.mu.Unlock()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	draft := jsonvalue.Apply(top, tx.writeOps[docID])
	before, _ := draft.Get(path)
	after := mutator(before)
	ops := jsonvalue.Diff(before, after)
	if len(ops) == 0 {
		return
	}
	op := jsonvalue.Op{Kind: ops[0].Kind, Path: path, Value: ops[0].Value}
	if _, seen := tx.writeOps[docID]; !seen {
		tx.docOrder = append(tx.docOrder, docID)
	}
	tx.writeOps[docID] = append(tx.writeOps[docID], op)
}

// markInvalidated flags tx as locally rejected if docID is in its
// read-set (§4.7 step 3). Called by Core while holding c.mu.
func (tx *TxHandle) markInvalidated(docID string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if _, ok := tx.readSet[docID]; ok {
		tx.invalidated = true
	}
}

// CommitResult is Commit()'s outcome.
type CommitResult struct {
	Status    string
	Epoch     uint64
	Conflicts []txn.ConflictEntry
}

// Commit builds change blobs for every staged write against the current
// baseline, stages them into each document's overlay (visible via
// ReadView immediately), and submits the transaction (§4.7 steps
// 1-2). If the transaction's read-set was invalidated by an intervening
// delivery, it is rejected locally with no round-trip (step 3). Otherwise,
// on ok the overlay is promoted into each document's baseline (step 4); on
// conflict it is cleared (step 5).
func (tx *TxHandle) Commit(ctx context.Context) (CommitResult, error) {
	c := tx.core
	defer c.removeOpenTx(tx.id)

	tx.mu.Lock()
	if tx.settled {
		tx.mu.Unlock()
		return CommitResult{}, fmt.Errorf("client: transaction already settled")
	}
	tx.settled = true
	if tx.invalidated {
		tx.mu.Unlock()
		return CommitResult{Status: "rejected"}, nil
	}
	reads := append([]txn.ReadAssertion{}, tx.reads...)
	docOrder := append([]string{}, tx.docOrder...)
	writeOps := make(map[string][]jsonvalue.Op, len(tx.writeOps))
	for k, v := range tx.writeOps {
		writeOps[k] = append([]jsonvalue.Op{}, v...)
	}
	allowMerge := tx.allowServerMerge
	tx.mu.Unlock()

	c.mu.Lock()
	var writes []txn.WriteRecord
	for _, docID := range docOrder {
		ops := writeOps[docID]
		ds := c.docState(tx.space, docID)
		_, ver, _ := ds.top()
		ch := codec.NewChange(docID, ver.Heads.Slice(), ops)
		blob, err := codec.EncodeChange(ch)
		if err != nil {
			c.mu.Unlock()
			return CommitResult{}, fmt.Errorf("client: encode change for %s: %w", docID, err)
		}
		ds.stageWrite(tx.id, ops, blob)
		writes = append(writes, txn.WriteRecord{
			Ref:              txn.Ref{DocID: docID, Branch: mainBranch},
			BaseHeads:        ver.Heads,
			Changes:          [][]byte{blob},
			AllowServerMerge: allowMerge,
		})
	}
	c.mu.Unlock()

	token := c.beginCommit(tx.space)
	defer c.endCommit(token)

	inv, err := c.invocation(transport.CmdTx, tx.space, transport.TxArgs{Reads: reads, Writes: writes})
	if err != nil {
		tx.rollbackOverlays(docOrder)
		return CommitResult{}, err
	}
	raw, err := c.conn.invoke(ctx, inv)
	if err != nil {
		tx.rollbackOverlays(docOrder)
		return CommitResult{}, err
	}

	var res transport.TxResult
	if err := unmarshalInto(raw, &res); err != nil {
		tx.rollbackOverlays(docOrder)
		return CommitResult{}, err
	}

	c.mu.Lock()
	if res.Status == string(txn.StatusOK) {
		byDoc := map[string]txn.WriteResult{}
		for _, wr := range res.Results {
			byDoc[wr.Ref.DocID] = wr
		}
		for _, docID := range docOrder {
			wr, ok := byDoc[docID]
			if !ok {
				c.docState(tx.space, docID).rollback(tx.id)
				continue
			}
			c.docState(tx.space, docID).promote(tx.id, res.Epoch, wr.NewHeads)
		}
	} else {
		for _, docID := range docOrder {
			c.docState(tx.space, docID).rollback(tx.id)
		}
	}
	c.mu.Unlock()

	return CommitResult{Status: res.Status, Epoch: res.Epoch, Conflicts: res.Conflicts}, nil
}

func (tx *TxHandle) rollbackOverlays(docOrder []string) {
	c := tx.core
	c.mu.Lock()
	for _, docID := range docOrder {
		c.docState(tx.space, docID).rollback(tx.id)
	}
	c.mu.Unlock()
}

func (c *Core) removeOpenTx(id string) {
	c.mu.Lock()
	delete(c.openTxs, id)
	c.mu.Unlock()
}

func (c *Core) beginCommit(space string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextToken++
	token := c.nextToken
	c.pendingCommits[token] = space
	return token
}

func (c *Core) endCommit(token uint64) {
	c.mu.Lock()
	delete(c.pendingCommits, token)
	c.cond.Broadcast()
	c.mu.Unlock()
}
