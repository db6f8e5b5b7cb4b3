package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gorm.io/gorm"

	"github.com/commontoolsinc/spacestore/codec"
)

// ErrNotFound is returned by ReadEpoch when no record exists for the epoch,
// so the caller can distinguish "absent" from "error". Cursor reports an
// absent cursor through its bool result instead.
var ErrNotFound = errors.New("store: not found")

// SpaceStore is the durable per-space state contract of §4.2. One
// value is constructed per space and owned exclusively by that space's
// Transaction Engine, matching the "single-writer per space" concurrency
// model of §5.
type SpaceStore struct {
	db      *gorm.DB
	spaceID string
	log     log.Logger
}

// Open creates the space's row (epoch 0) if it does not exist yet and
// returns a handle to it. The row is created when the space is opened, not
// on its first write; no space is pre-provisioned.
func Open(ctx context.Context, db *gorm.DB, spaceID string, lg log.Logger) (*SpaceStore, error) {
	s := &SpaceStore{db: db, spaceID: spaceID, log: lg.New("space", spaceID)}
	err := db.WithContext(ctx).Clauses(onConflictDoNothing()).Create(&SpaceRow{
		SpaceID:      spaceID,
		CurrentEpoch: 0,
		CreatedAt:    time.Now(),
	}).Error
	if err != nil {
		return nil, fmt.Errorf("store: open space %s: %w", spaceID, err)
	}
	return s, nil
}

// CurrentEpoch returns the space's current epoch counter.
func (s *SpaceStore) CurrentEpoch(ctx context.Context) (uint64, error) {
	var row SpaceRow
	if err := s.db.WithContext(ctx).First(&row, "space_id = ?", s.spaceID).Error; err != nil {
		return 0, fmt.Errorf("store: current epoch: %w", err)
	}
	return row.CurrentEpoch, nil
}

// BranchExists reports whether a branch has ever been written to, as
// distinct from "never created", per §4.2's auxiliary exists probe.
func (s *SpaceStore) BranchExists(ctx context.Context, docID, branch string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&BranchHeadsRow{}).
		Where("space_id = ? AND doc_id = ? AND branch = ?", s.spaceID, docID, branch).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: branch exists: %w", err)
	}
	return count > 0, nil
}

// BranchHeads returns the branch's current head-set, or {genesisHead(docID)}
// if it was never written (§4.2).
func (s *SpaceStore) BranchHeads(ctx context.Context, docID, branch string) (codec.HeadSet, error) {
	var row BranchHeadsRow
	err := s.db.WithContext(ctx).
		Where("space_id = ? AND doc_id = ? AND branch = ?", s.spaceID, docID, branch).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return codec.NewHeadSet(codec.GenesisHead(docID)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: branch heads: %w", err)
	}
	return unmarshalHeads(row.HeadsJSON)
}

// CommitPlan is the durable artifact a Transaction Engine has fully computed
// in memory and now wants persisted atomically: the new epoch record plus
// the resulting head-set for every touched branch. CommitEpoch either
// persists all of it or none of it (§4.2's atomicity requirement).
type CommitPlan struct {
	Writes      []WriteRef
	ChangeBlobs [][][]byte
	NewHeads    map[BranchKey]codec.HeadSet
}

// BranchKey addresses a single (docId, branch) pair.
type BranchKey struct {
	DocID  string
	Branch string
}

// CommitEpoch assigns the next epoch and durably persists the epoch record
// together with every touched branch's new heads, inside a single database
// transaction (§4.2 "a persisted commit is atomic").
func (s *SpaceStore) CommitEpoch(ctx context.Context, plan CommitPlan) (EpochRecord, error) {
	var rec EpochRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SpaceRow
		if err := tx.Clauses(forUpdate()).First(&row, "space_id = ?", s.spaceID).Error; err != nil {
			return err
		}
		epoch := row.CurrentEpoch + 1

		writesJSON, err := json.Marshal(plan.Writes)
		if err != nil {
			return err
		}
		// Changes are stored grouped per write, in declaration order, which
		// is equivalent to the "concatenated change blobs in order of
		// declaration" but keeps the per-write boundary so doc replay (see
		// txn.Engine.loadDoc) doesn't need to re-derive it.
		changesJSON, err := json.Marshal(plan.ChangeBlobs)
		if err != nil {
			return err
		}

		committedAt := time.Now()
		if err := tx.Create(&EpochLogRow{
			SpaceID:     s.spaceID,
			Epoch:       epoch,
			CommittedAt: committedAt,
			WritesJSON:  writesJSON,
			Changes:     changesJSON,
		}).Error; err != nil {
			return err
		}

		for key, heads := range plan.NewHeads {
			headsJSON, err := marshalHeads(heads)
			if err != nil {
				return err
			}
			if err := tx.Clauses(onConflictUpdateHeads()).Create(&BranchHeadsRow{
				SpaceID:   s.spaceID,
				DocID:     key.DocID,
				Branch:    key.Branch,
				HeadsJSON: headsJSON,
			}).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&SpaceRow{}).Where("space_id = ?", s.spaceID).
			Update("current_epoch", epoch).Error; err != nil {
			return err
		}

		rec = EpochRecord{
			Epoch:       epoch,
			CommittedAt: committedAt,
			Writes:      plan.Writes,
			ChangeBlobs: plan.ChangeBlobs,
		}
		return nil
	})
	if err != nil {
		s.log.Error("commit epoch failed", "err", err)
		return EpochRecord{}, fmt.Errorf("store: commit epoch: %w", err)
	}
	return rec, nil
}

// ReadEpoch loads a previously committed epoch record, used by backfill.
func (s *SpaceStore) ReadEpoch(ctx context.Context, epoch uint64) (EpochRecord, error) {
	var row EpochLogRow
	err := s.db.WithContext(ctx).Where("space_id = ? AND epoch = ?", s.spaceID, epoch).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EpochRecord{}, ErrNotFound
	}
	if err != nil {
		return EpochRecord{}, fmt.Errorf("store: read epoch: %w", err)
	}
	var writes []WriteRef
	if err := json.Unmarshal(row.WritesJSON, &writes); err != nil {
		return EpochRecord{}, fmt.Errorf("store: decode epoch writes: %w", err)
	}
	var changeBlobs [][][]byte
	if err := json.Unmarshal(row.Changes, &changeBlobs); err != nil {
		return EpochRecord{}, fmt.Errorf("store: decode epoch changes: %w", err)
	}
	return EpochRecord{
		Epoch:       row.Epoch,
		CommittedAt: row.CommittedAt,
		Writes:      writes,
		ChangeBlobs: changeBlobs,
	}, nil
}

// Cursor returns the durable cursor for clientID, if one exists.
func (s *SpaceStore) Cursor(ctx context.Context, clientID string) (ClientCursorRow, bool, error) {
	var row ClientCursorRow
	err := s.db.WithContext(ctx).Where("space_id = ? AND client_id = ?", s.spaceID, clientID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClientCursorRow{}, false, nil
	}
	if err != nil {
		return ClientCursorRow{}, false, fmt.Errorf("store: cursor: %w", err)
	}
	return row, true, nil
}

// SetCursor durably updates (or creates) a client's cursor. lastAckedEpoch is
// monotonic: callers must never decrease it.
func (s *SpaceStore) SetCursor(ctx context.Context, clientID string, lastAckedEpoch int64) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ClientCursorRow
		err := tx.Where("space_id = ? AND client_id = ?", s.spaceID, clientID).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&ClientCursorRow{
				SpaceID:        s.spaceID,
				ClientID:       clientID,
				LastAckedEpoch: lastAckedEpoch,
				FirstSeenAt:    now,
				LastSeenAt:     now,
			}).Error
		case err != nil:
			return err
		default:
			if lastAckedEpoch < row.LastAckedEpoch {
				lastAckedEpoch = row.LastAckedEpoch
			}
			return tx.Model(&row).Updates(map[string]interface{}{
				"last_acked_epoch": lastAckedEpoch,
				"last_seen_at":     now,
			}).Error
		}
	})
}

// SaveSnapshot persists an accelerated-backfill snapshot for (docID, epoch).
func (s *SpaceStore) SaveSnapshot(ctx context.Context, docID string, epoch uint64, bytes []byte) error {
	return s.db.WithContext(ctx).Clauses(onConflictUpdateSnapshot()).Create(&SnapshotRow{
		SpaceID: s.spaceID,
		DocID:   docID,
		Epoch:   epoch,
		Bytes:   bytes,
	}).Error
}

// LatestSnapshot returns the most recent saved snapshot for docID, if any.
func (s *SpaceStore) LatestSnapshot(ctx context.Context, docID string) (SnapshotRow, bool, error) {
	var row SnapshotRow
	err := s.db.WithContext(ctx).
		Where("space_id = ? AND doc_id = ?", s.spaceID, docID).
		Order("epoch DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotRow{}, false, nil
	}
	if err != nil {
		return SnapshotRow{}, false, err
	}
	return row, true, nil
}
