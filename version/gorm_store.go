package version

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

// versionRecord is the GORM row shape for one stored definition version.
type versionRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Tenant     string `gorm:"size:64;uniqueIndex:idx_version_workflow,priority:1"`
	WorkflowID string `gorm:"size:128;uniqueIndex:idx_version_workflow,priority:2"`
	Version    int    `gorm:"uniqueIndex:idx_version_workflow,priority:3"`
	Name       string `gorm:"size:256"`
	Status     string `gorm:"size:16;index"`
	ChangeLog  string `gorm:"type:text"`
	Definition []byte `gorm:"type:blob"`
	CreatedAt  time.Time
}

func (versionRecord) TableName() string { return "workflow_versions" }

// GormStore is a SQL-backed version store via GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a SQL-backed store and migrates its table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&versionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate version table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, def *dsl.Definition) error {
	data, err := dsl.MarshalDefinitionJSON(def)
	if err != nil {
		return err
	}
	rec := versionRecord{
		Tenant:     def.Tenant,
		WorkflowID: def.ID,
		Version:    def.Version,
		Name:       def.Name,
		Status:     string(def.Status),
		ChangeLog:  def.ChangeLog,
		Definition: data,
		CreatedAt:  def.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return types.Errorf(types.ErrConflict,
				"version %d of workflow %s already exists", def.Version, def.ID)
		}
		return fmt.Errorf("save version: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, tenant, workflowID string, version int) (*dsl.Definition, error) {
	var rec versionRecord
	err := s.db.WithContext(ctx).
		Where("tenant = ? AND workflow_id = ? AND version = ?", tenant, workflowID, version).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound,
			"version %d of workflow %s not found", version, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load version: %w", err)
	}
	return recordToDefinition(&rec)
}

func (s *GormStore) Active(ctx context.Context, tenant, workflowID string) (*dsl.Definition, error) {
	var rec versionRecord
	err := s.db.WithContext(ctx).
		Where("tenant = ? AND workflow_id = ? AND status = ?", tenant, workflowID, string(dsl.StatusActive)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "no active version of workflow %s", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load active version: %w", err)
	}
	return recordToDefinition(&rec)
}

func (s *GormStore) List(ctx context.Context, tenant, workflowID string, status dsl.DefinitionStatus) ([]Record, error) {
	query := s.db.WithContext(ctx).Model(&versionRecord{}).
		Where("tenant = ? AND workflow_id = ?", tenant, workflowID)
	if status != "" {
		query = query.Where("status = ?", string(status))
	}

	var recs []versionRecord
	if err := query.Order("version ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	records := make([]Record, 0, len(recs))
	for _, rec := range recs {
		records = append(records, Record{
			WorkflowID: rec.WorkflowID,
			Tenant:     rec.Tenant,
			Name:       rec.Name,
			Version:    rec.Version,
			Status:     dsl.DefinitionStatus(rec.Status),
			ChangeLog:  rec.ChangeLog,
			CreatedAt:  rec.CreatedAt,
		})
	}
	return records, nil
}

func (s *GormStore) MaxVersion(ctx context.Context, tenant, workflowID string) (int, error) {
	var maxVersion int
	err := s.db.WithContext(ctx).Model(&versionRecord{}).
		Where("tenant = ? AND workflow_id = ?", tenant, workflowID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error
	if err != nil {
		return 0, fmt.Errorf("max version: %w", err)
	}
	return maxVersion, nil
}

func (s *GormStore) Publish(ctx context.Context, tenant, workflowID string, version int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec versionRecord
		err := tx.Where("tenant = ? AND workflow_id = ? AND version = ?", tenant, workflowID, version).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Errorf(types.ErrNotFound,
				"version %d of workflow %s not found", version, workflowID)
		}
		if err != nil {
			return fmt.Errorf("load version: %w", err)
		}

		if err := tx.Model(&versionRecord{}).
			Where("tenant = ? AND workflow_id = ? AND status = ?", tenant, workflowID, string(dsl.StatusActive)).
			Update("status", string(dsl.StatusDeprecated)).Error; err != nil {
			return fmt.Errorf("deprecate active version: %w", err)
		}
		return tx.Model(&rec).Update("status", string(dsl.StatusActive)).Error
	})
}

func (s *GormStore) Delete(ctx context.Context, tenant, workflowID string, version int) error {
	result := s.db.WithContext(ctx).
		Where("tenant = ? AND workflow_id = ? AND version = ?", tenant, workflowID, version).
		Delete(&versionRecord{})
	if result.Error != nil {
		return fmt.Errorf("delete version: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound,
			"version %d of workflow %s not found", version, workflowID)
	}
	return nil
}

func recordToDefinition(rec *versionRecord) (*dsl.Definition, error) {
	def, err := dsl.UnmarshalDefinitionJSON(rec.Definition)
	if err != nil {
		return nil, err
	}
	// Status lives in its own column so publish can swap it without
	// rewriting the definition blob.
	def.Status = dsl.DefinitionStatus(rec.Status)
	return def, nil
}
