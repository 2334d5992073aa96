package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ResolutionChoice picks which side of a merge wins a conflicting value
type ResolutionChoice string

const (
	ChoiceKept     ResolutionChoice = "kept"
	ChoiceArchived ResolutionChoice = "archived"
)

// IsValid reports whether c is kept or archived
func (c ResolutionChoice) IsValid() bool {
	return c == ChoiceKept || c == ChoiceArchived
}

// ClientMerge is the immutable record of a completed merge. It stores choice
// tokens and counts, never PII values.
type ClientMerge struct {
	ID                       uint              `gorm:"primaryKey" json:"id"`
	KeptClientPK             uint              `gorm:"not null;index" json:"keptClientPk"`
	ArchivedClientPK         uint              `gorm:"not null;index" json:"archivedClientPk"`
	KeptRecordID             string            `gorm:"type:varchar(64)" json:"keptRecordId"`
	PIIChoices               datatypes.JSONMap `json:"piiChoices"`
	FieldConflictResolutions datatypes.JSONMap `json:"fieldConflictResolutions"`
	TransferSummary          datatypes.JSONMap `json:"transferSummary"`
	MergedByID               uint              `gorm:"not null" json:"mergedById"`
	BaseModel
}

func (ClientMerge) TableName() string {
	return "client_merges"
}

// BeforeUpdate blocks edits to a completed merge record
func (m *ClientMerge) BeforeUpdate(tx *gorm.DB) error {
	return ErrMergeImmutable
}

// BeforeDelete blocks deletion of a completed merge record
func (m *ClientMerge) BeforeDelete(tx *gorm.DB) error {
	return ErrMergeImmutable
}
