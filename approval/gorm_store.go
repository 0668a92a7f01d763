package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/floweave/floweave/dsl"
	"github.com/floweave/floweave/types"
)

// approvalRecord is the GORM row shape for one approval request. The partial
// uniqueness of pending requests per (instance, node) is enforced in the
// Create transaction rather than by index, since not every dialect supports
// partial unique indexes.
type approvalRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	Tenant     string `gorm:"size:64;index"`
	InstanceID string `gorm:"size:36;index:idx_approval_instance_node,priority:1"`
	NodeID     string `gorm:"size:128;index:idx_approval_instance_node,priority:2"`
	Approvers  string `gorm:"type:text"`
	Message    string `gorm:"type:text"`
	Status     string `gorm:"size:16;index"`
	OnTimeout  string `gorm:"size:16"`
	DecidedBy  string `gorm:"size:128"`
	Reason     string `gorm:"type:text"`
	CreatedAt  time.Time
	ExpiresAt  *time.Time `gorm:"index"`
	DecidedAt  *time.Time
}

func (approvalRecord) TableName() string { return "approval_requests" }

// GormStore is a SQL-backed approval store via GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a SQL-backed store and migrates its table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&approvalRecord{}); err != nil {
		return nil, fmt.Errorf("migrate approval table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Create(ctx context.Context, req *Request) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&approvalRecord{}).
			Where("instance_id = ? AND node_id = ? AND status = ?",
				req.InstanceID, req.NodeID, string(StatusPending)).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check pending approval: %w", err)
		}
		if count > 0 {
			return types.Errorf(types.ErrConflict,
				"pending approval already exists for instance %s node %s",
				req.InstanceID, req.NodeID)
		}
		return tx.Create(requestToRecord(req)).Error
	})
}

func (s *GormStore) Get(ctx context.Context, id string) (*Request, error) {
	var rec approvalRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "approval request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load approval request: %w", err)
	}
	return recordToRequest(&rec), nil
}

func (s *GormStore) Pending(ctx context.Context, tenant string) ([]Request, error) {
	var recs []approvalRecord
	err := s.db.WithContext(ctx).
		Where("tenant = ? AND status = ?", tenant, string(StatusPending)).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return recordsToRequests(recs), nil
}

func (s *GormStore) PendingForInstance(ctx context.Context, instanceID, nodeID string) (*Request, error) {
	var rec approvalRecord
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND node_id = ? AND status = ?",
			instanceID, nodeID, string(StatusPending)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound,
			"no pending approval for instance %s node %s", instanceID, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("load pending approval: %w", err)
	}
	return recordToRequest(&rec), nil
}

func (s *GormStore) Update(ctx context.Context, req *Request) error {
	result := s.db.WithContext(ctx).
		Model(&approvalRecord{}).
		Where("id = ?", req.ID).
		Updates(requestToRecord(req))
	if result.Error != nil {
		return fmt.Errorf("update approval request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "approval request %s not found", req.ID)
	}
	return nil
}

func (s *GormStore) ExpiredPending(ctx context.Context, now time.Time) ([]Request, error) {
	var recs []approvalRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?",
			string(StatusPending), now).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	return recordsToRequests(recs), nil
}

func requestToRecord(req *Request) *approvalRecord {
	rec := &approvalRecord{
		ID:         req.ID,
		Tenant:     req.Tenant,
		InstanceID: req.InstanceID,
		NodeID:     req.NodeID,
		Approvers:  strings.Join(req.Approvers, ","),
		Message:    req.Message,
		Status:     string(req.Status),
		OnTimeout:  string(req.OnTimeout),
		DecidedBy:  req.DecidedBy,
		Reason:     req.Reason,
		CreatedAt:  req.CreatedAt,
		DecidedAt:  req.DecidedAt,
	}
	if !req.ExpiresAt.IsZero() {
		expires := req.ExpiresAt
		rec.ExpiresAt = &expires
	}
	return rec
}

func recordToRequest(rec *approvalRecord) *Request {
	req := &Request{
		ID:         rec.ID,
		Tenant:     rec.Tenant,
		InstanceID: rec.InstanceID,
		NodeID:     rec.NodeID,
		Message:    rec.Message,
		Status:     Status(rec.Status),
		OnTimeout:  dsl.TimeoutPolicy(rec.OnTimeout),
		DecidedBy:  rec.DecidedBy,
		Reason:     rec.Reason,
		CreatedAt:  rec.CreatedAt,
		DecidedAt:  rec.DecidedAt,
	}
	if rec.Approvers != "" {
		req.Approvers = strings.Split(rec.Approvers, ",")
	}
	if rec.ExpiresAt != nil {
		req.ExpiresAt = *rec.ExpiresAt
	}
	return req
}

func recordsToRequests(recs []approvalRecord) []Request {
	out := make([]Request, 0, len(recs))
	for i := range recs {
		out = append(out, *recordToRequest(&recs[i]))
	}
	return out
}
