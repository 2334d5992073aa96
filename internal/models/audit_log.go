package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit log status constants
const (
	AuditStatusSuccess = "SUCCESS"
	AuditStatusFailure = "FAILURE"
)

// AuditLog is one row written by the database audit sink
type AuditLog struct {
	ID           uuid.UUID       `gorm:"primaryKey" json:"id"`
	Timestamp    time.Time       `gorm:"not null;index:idx_audit_logs_timestamp" json:"timestamp"`
	Status       string          `gorm:"type:varchar(20);not null" json:"status"`
	Action       string          `gorm:"type:varchar(50);not null;index:idx_audit_logs_action" json:"action"`
	ActorID      string          `gorm:"type:varchar(255);not null" json:"actorId"`
	ResourceType string          `gorm:"type:varchar(50);not null" json:"resourceType"`
	ResourceID   string          `gorm:"type:varchar(255);index:idx_audit_logs_resource" json:"resourceId"`
	Metadata     datatypes.JSON  `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt    time.Time       `gorm:"not null" json:"createdAt"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

// BeforeCreate sets the ID and timestamps when unset
func (l *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Validate checks the columns the database marks not null
func (l *AuditLog) Validate() error {
	if l.Status != AuditStatusSuccess && l.Status != AuditStatusFailure {
		return fmt.Errorf("invalid status: %s (must be %s or %s)", l.Status, AuditStatusSuccess, AuditStatusFailure)
	}
	if l.ActorID == "" {
		return fmt.Errorf("actorId is required")
	}
	if l.Action == "" {
		return fmt.Errorf("action is required")
	}
	if l.ResourceType == "" {
		return fmt.Errorf("resourceType is required")
	}
	return nil
}
