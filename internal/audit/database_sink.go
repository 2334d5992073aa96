package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DatabaseSink writes events to the audit_logs table
type DatabaseSink struct {
	db *gorm.DB
}

// NewDatabaseSink creates a sink over db
func NewDatabaseSink(db *gorm.DB) *DatabaseSink {
	return &DatabaseSink{db: db}
}

// WithTx returns a sink that writes through tx
func (s *DatabaseSink) WithTx(tx *gorm.DB) Sink {
	return &DatabaseSink{db: tx}
}

func (s *DatabaseSink) Name() string { return "database" }

// Append inserts one audit_logs row
func (s *DatabaseSink) Append(ctx context.Context, event *Event) error {
	var metadata datatypes.JSON
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadata = b
	}

	entry := &models.AuditLog{
		Timestamp:    event.Timestamp,
		Status:       event.Status,
		Action:       event.Action,
		ActorID:      event.ActorID,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Metadata:     metadata,
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}
