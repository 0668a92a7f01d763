package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/floweave/floweave/types"
)

// checkpointRecord is the GORM row shape for one checkpoint.
type checkpointRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	InstanceID string `gorm:"size:36;uniqueIndex:idx_checkpoint_instance_node,priority:1;index:idx_checkpoint_current"`
	NodeID     string `gorm:"size:128;uniqueIndex:idx_checkpoint_instance_node,priority:2"`
	Snapshot   []byte `gorm:"type:blob"`
	Current    bool   `gorm:"index:idx_checkpoint_current"`
	CreatedAt  time.Time
	ExpiresAt  *time.Time `gorm:"index"`
}

func (checkpointRecord) TableName() string { return "workflow_checkpoints" }

// GormStore is a SQL-backed checkpoint store via GORM. Works against sqlite,
// mysql, and postgres dialectors.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a SQL-backed store and migrates its table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, cp *Checkpoint) error {
	snap, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	rec := checkpointRecord{
		ID:         cp.ID,
		InstanceID: cp.InstanceID,
		NodeID:     cp.NodeID,
		Snapshot:   snap,
		Current:    true,
		CreatedAt:  cp.CreatedAt,
	}
	if !cp.ExpiresAt.IsZero() {
		expires := cp.ExpiresAt
		rec.ExpiresAt = &expires
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Demote the previous current checkpoint for this instance.
		if err := tx.Model(&checkpointRecord{}).
			Where("instance_id = ? AND current = ?", cp.InstanceID, true).
			Update("current", false).Error; err != nil {
			return err
		}
		// Upsert on (instance_id, node_id): at-least-once writes overwrite.
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "instance_id"}, {Name: "node_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"id", "snapshot", "current", "created_at", "expires_at"}),
		}).Create(&rec).Error
	})
}

func (s *GormStore) Current(ctx context.Context, instanceID string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND current = ?", instanceID, true).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "no checkpoint for instance %s", instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load current checkpoint: %w", err)
	}
	return recordToCheckpoint(&rec)
}

func (s *GormStore) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).Where("id = ?", checkpointID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "checkpoint %s not found", checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return recordToCheckpoint(&rec)
}

func (s *GormStore) DeleteInstance(ctx context.Context, instanceID string) error {
	return s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Delete(&checkpointRecord{}).Error
}

func (s *GormStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&checkpointRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("reclaim checkpoints: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

func recordToCheckpoint(rec *checkpointRecord) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:         rec.ID,
		InstanceID: rec.InstanceID,
		NodeID:     rec.NodeID,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.ExpiresAt != nil {
		cp.ExpiresAt = *rec.ExpiresAt
	}
	if err := json.Unmarshal(rec.Snapshot, &cp.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return cp, nil
}
