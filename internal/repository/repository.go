package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// FlowRecord is the persisted audit entry for one finished verification flow.
type FlowRecord struct {
	ID        uint      `gorm:"primaryKey"`
	FlowID    string    `gorm:"column:flow_id;uniqueIndex;size:64"`
	UserID    string    `gorm:"column:user_id;size:64"`
	Status    string    `gorm:"column:status;size:16"`
	Success   bool      `gorm:"column:success"`
	ErrorCode string    `gorm:"column:error_code;size:32"`
	Details   string    `gorm:"column:details;type:text"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (FlowRecord) TableName() string {
	return "flow_records"
}

// FlowRepository provides persistence APIs for flow audit records.
type FlowRepository struct {
	db *gorm.DB
}

// NewFlowRepository creates a new repository instance.
func NewFlowRepository(db *gorm.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

// AutoMigrate ensures the schema is available.
func (r *FlowRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&FlowRecord{})
}

// SaveResult persists the terminal record for a flow.
func (r *FlowRepository) SaveResult(ctx context.Context, record *FlowRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// FindByFlowID retrieves the audit record for a flow.
func (r *FlowRepository) FindByFlowID(ctx context.Context, flowID string) (*FlowRecord, error) {
	var record FlowRecord
	if err := r.db.WithContext(ctx).First(&record, "flow_id = ?", flowID).Error; err != nil {
		return nil, err
	}
	return &record, nil
}
