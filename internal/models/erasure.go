package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"gorm.io/datatypes"
)

// ErasureTier selects how much of a client is destroyed
type ErasureTier string

const (
	TierAnonymise      ErasureTier = "anonymise"
	TierAnonymisePurge ErasureTier = "anonymise_purge"
	TierFullErasure    ErasureTier = "full_erasure"
)

// AllTiers lists tiers from least to most destructive
var AllTiers = []ErasureTier{TierAnonymise, TierAnonymisePurge, TierFullErasure}

// IsValid reports whether t is a known tier
func (t ErasureTier) IsValid() bool {
	return slices.Contains(AllTiers, t)
}

// ErasureStatus is the workflow state of an erasure request
type ErasureStatus string

const (
	ErasureStatusPending    ErasureStatus = "pending"
	ErasureStatusAnonymised ErasureStatus = "anonymised"
	ErasureStatusApproved   ErasureStatus = "approved"
	ErasureStatusRejected   ErasureStatus = "rejected"
	ErasureStatusCancelled  ErasureStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s ErasureStatus) IsTerminal() bool {
	return s != ErasureStatusPending
}

// CompletedStatusFor returns the status a request takes once its tier has run.
// full_erasure ends as approved, the anonymising tiers as anonymised.
func CompletedStatusFor(tier ErasureTier) ErasureStatus {
	if tier == TierFullErasure {
		return ErasureStatusApproved
	}
	return ErasureStatusAnonymised
}

// ProgramIDs is a JSON-encoded list of program primary keys
type ProgramIDs []uint

// Value implements driver.Valuer
func (p ProgramIDs) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]uint(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (p *ProgramIDs) Scan(value interface{}) error {
	if value == nil {
		*p = ProgramIDs{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ProgramIDs", value)
	}
	var ids []uint
	if err := json.Unmarshal(raw, &ids); err != nil {
		return fmt.Errorf("failed to unmarshal ProgramIDs: %w", err)
	}
	*p = ids
	return nil
}

// Contains reports whether id is in the list
func (p ProgramIDs) Contains(id uint) bool {
	return slices.Contains(p, id)
}

// ErasureRequest is the workflow entity. ClientFileID becomes nil after a
// full erasure; ClientPK and RecordID keep the trace.
type ErasureRequest struct {
	ID                 uint              `gorm:"primaryKey" json:"id"`
	ClientFileID       *uint             `gorm:"index" json:"clientFileId,omitempty"`
	ClientPK           uint              `gorm:"not null" json:"clientPk"`
	RecordID           string            `gorm:"type:varchar(64)" json:"recordId"`
	ErasureCode        string            `gorm:"type:varchar(32);index" json:"erasureCode"`
	DataSummary        datatypes.JSONMap `json:"dataSummary"`
	ErasureTier        ErasureTier       `gorm:"type:varchar(20);not null" json:"erasureTier"`
	ProgramsRequired   ProgramIDs        `gorm:"type:text;not null" json:"programsRequired"`
	Reason             string            `gorm:"type:text;not null" json:"reason"`
	Status             ErasureStatus     `gorm:"type:varchar(20);not null;default:pending;index" json:"status"`
	RequestedByID      uint              `gorm:"not null;index" json:"requestedById"`
	RequestedByDisplay string            `gorm:"type:varchar(255)" json:"requestedByDisplay"`
	ReviewedByID       *uint             `json:"reviewedById,omitempty"`
	RejectionReason    string            `gorm:"type:text" json:"rejectionReason,omitempty"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
	BaseModel
}

func (ErasureRequest) TableName() string {
	return "erasure_requests"
}

// ErasureApproval is one program manager sign-off; unique per (request, program)
type ErasureApproval struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ErasureRequestID uint      `gorm:"not null;uniqueIndex:idx_erasure_approval_program" json:"erasureRequestId"`
	ProgramID        uint      `gorm:"not null;uniqueIndex:idx_erasure_approval_program" json:"programId"`
	ApprovedByID     uint      `gorm:"not null" json:"approvedById"`
	ApprovedAt       time.Time `gorm:"not null" json:"approvedAt"`
	ViaDeadlock      bool      `gorm:"not null;default:false" json:"viaDeadlock"`
	BaseModel
}

func (ErasureApproval) TableName() string {
	return "erasure_approvals"
}
