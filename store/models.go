// Package store implements the durable per-space Space Store: branches,
// the epoch counter, the epoch log, and the client cursor table.
// Persistence is GORM over Postgres (gorm.io/gorm, gorm.io/driver/postgres),
// mapped directly onto the table layout below.
package store

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/commontoolsinc/spacestore/codec"
)

// SpaceRow tracks the per-space epoch counter.
// Its primary key is the space's stable identifier.
type SpaceRow struct {
	SpaceID      string `gorm:"primaryKey;column:space_id"`
	CurrentEpoch uint64 `gorm:"column:current_epoch"`
	CreatedAt    time.Time
}

func (SpaceRow) TableName() string { return "spaces" }

// EpochLogRow is §6.3's epoch_log table, scoped per space.
type EpochLogRow struct {
	SpaceID     string    `gorm:"primaryKey;column:space_id"`
	Epoch       uint64    `gorm:"primaryKey;column:epoch"`
	CommittedAt time.Time `gorm:"column:committed_at"`
	WritesJSON  []byte    `gorm:"column:writes"`
	Changes     []byte    `gorm:"column:changes"`
}

func (EpochLogRow) TableName() string { return "epoch_log" }

// BranchHeadsRow is §6.3's branch_heads table.
type BranchHeadsRow struct {
	SpaceID   string `gorm:"primaryKey;column:space_id"`
	DocID     string `gorm:"primaryKey;column:doc_id"`
	Branch    string `gorm:"primaryKey;column:branch"`
	HeadsJSON []byte `gorm:"column:heads"`
}

func (BranchHeadsRow) TableName() string { return "branch_heads" }

// ClientCursorRow is §6.3's client_cursors table.
type ClientCursorRow struct {
	SpaceID        string    `gorm:"primaryKey;column:space_id"`
	ClientID       string    `gorm:"primaryKey;column:client_id"`
	LastAckedEpoch int64     `gorm:"column:last_acked_epoch"`
	FirstSeenAt    time.Time `gorm:"column:first_seen_at"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at"`
}

func (ClientCursorRow) TableName() string { return "client_cursors" }

// SnapshotRow is §6.3's optional snapshots table, used to accelerate
// backfill without replaying the whole epoch log.
type SnapshotRow struct {
	SpaceID string `gorm:"primaryKey;column:space_id"`
	DocID   string `gorm:"primaryKey;column:doc_id"`
	Epoch   uint64 `gorm:"primaryKey;column:epoch"`
	Bytes   []byte `gorm:"column:bytes"`
}

func (SnapshotRow) TableName() string { return "snapshots" }

// AllModels lists every row type NewManager migrates via AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&SpaceRow{}, &EpochLogRow{}, &BranchHeadsRow{}, &ClientCursorRow{}, &SnapshotRow{},
	}
}

// WriteRef is the (docId, branch, newHeadSet) write record, as
// recorded in a committed epoch. Paths additionally records every path
// touched by the write's changes, which the Subscription Registry needs
// to match queries against committed writes.
type WriteRef struct {
	DocID    string     `json:"docId"`
	Branch   string     `json:"branch"`
	NewHeads []string   `json:"newHeads"`
	Paths    [][]string `json:"paths,omitempty"`
}

func headSetToHex(hs codec.HeadSet) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs.Slice() {
		out = append(out, hex.EncodeToString(h[:]))
	}
	return out
}

func hexToHeadSet(hexHeads []string) (codec.HeadSet, error) {
	heads := make([]codec.Head, 0, len(hexHeads))
	for _, s := range hexHeads {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		var h codec.Head
		copy(h[:], b)
		heads = append(heads, h)
	}
	return codec.NewHeadSet(heads...), nil
}

func marshalHeads(hs codec.HeadSet) ([]byte, error) {
	return json.Marshal(headSetToHex(hs))
}

func unmarshalHeads(b []byte) (codec.HeadSet, error) {
	var hexHeads []string
	if err := json.Unmarshal(b, &hexHeads); err != nil {
		return nil, err
	}
	return hexToHeadSet(hexHeads)
}

// EpochRecord is the "Epoch record": everything committed atomically
// for one transaction.
type EpochRecord struct {
	Epoch       uint64
	CommittedAt time.Time
	Writes      []WriteRef
	// ChangeBlobs holds, per write in Writes (same order), the ordered change
	// blobs declared for that write.
	ChangeBlobs [][][]byte
}
