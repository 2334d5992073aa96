package database

import (
	"fmt"
	"log/slog"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/gorm"
)

// AllModels lists every table owned by the engine, parents first
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Program{},
		&models.UserProgramRole{},
		&models.ClientFile{},
		&models.ClientProgramEnrollment{},
		&models.ClientAccessBlock{},
		&models.CustomFieldDefinition{},
		&models.ClientDetailValue{},
		&models.Group{},
		&models.GroupMembership{},
		&models.ProgressNote{},
		&models.ProgressNoteTarget{},
		&models.MetricValue{},
		&models.Event{},
		&models.Alert{},
		&models.PlanSection{},
		&models.PlanTarget{},
		&models.RegistrationSubmission{},
		&models.ErasureRequest{},
		&models.ErasureApproval{},
		&models.ClientMerge{},
		&models.AuditLog{},
	}
}

// Migrate creates or updates every table and index
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	slog.Info("Database migrations completed", "tables", len(AllModels()))
	return nil
}
