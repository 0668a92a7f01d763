package saga

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// auditRecord is the GORM row shape for one compensation audit entry.
type auditRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	InstanceID string `gorm:"size:36;index"`
	NodeID     string `gorm:"size:128"`
	Target     string `gorm:"size:128"`
	Operation  string `gorm:"size:128"`
	Outcome    string `gorm:"size:16"`
	Error      string `gorm:"type:text"`
	CreatedAt  time.Time
}

func (auditRecord) TableName() string { return "compensation_audit" }

// GormAuditStore is a SQL-backed audit trail via GORM.
type GormAuditStore struct {
	db *gorm.DB
}

// NewGormAuditStore creates a SQL-backed audit store and migrates its table.
func NewGormAuditStore(db *gorm.DB) (*GormAuditStore, error) {
	if err := db.AutoMigrate(&auditRecord{}); err != nil {
		return nil, fmt.Errorf("migrate compensation audit table: %w", err)
	}
	return &GormAuditStore{db: db}, nil
}

func (s *GormAuditStore) Append(ctx context.Context, rec *Record) error {
	row := auditRecord{
		ID:         rec.ID,
		InstanceID: rec.InstanceID,
		NodeID:     rec.NodeID,
		Target:     rec.Target,
		Operation:  rec.Operation,
		Outcome:    string(rec.Outcome),
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append compensation record: %w", err)
	}
	return nil
}

func (s *GormAuditStore) List(ctx context.Context, instanceID string) ([]Record, error) {
	var rows []auditRecord
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list compensation records: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			ID:         row.ID,
			InstanceID: row.InstanceID,
			NodeID:     row.NodeID,
			Target:     row.Target,
			Operation:  row.Operation,
			Outcome:    StepOutcome(row.Outcome),
			Error:      row.Error,
			CreatedAt:  row.CreatedAt,
		})
	}
	return records, nil
}
