package models

import (
	"time"

	"gorm.io/datatypes"
)

// Client status values
const (
	ClientStatusActive     = "active"
	ClientStatusInactive   = "inactive"
	ClientStatusDischarged = "discharged"
)

// Enrollment status values
const (
	EnrollmentStatusEnrolled   = "enrolled"
	EnrollmentStatusUnenrolled = "unenrolled"
)

// Group membership status values
const (
	MembershipStatusActive   = "active"
	MembershipStatusInactive = "inactive"
)

// ClientFile is the protected client record. PII columns hold ciphertext only.
type ClientFile struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	RecordID         string          `gorm:"type:varchar(64);index" json:"recordId"`
	FirstName        []byte          `json:"-"`
	PreferredName    []byte          `json:"-"`
	MiddleName       []byte          `json:"-"`
	LastName         []byte          `json:"-"`
	BirthDate        []byte          `json:"-"`
	Phone            []byte          `json:"-"`
	Status           string          `gorm:"type:varchar(20);not null;default:active" json:"status"`
	IsDemo           bool            `gorm:"not null;default:false;index" json:"isDemo"`
	IsAnonymised     bool            `gorm:"not null;default:false;index" json:"isAnonymised"`
	RetentionExpires *datatypes.Date `json:"retentionExpires,omitempty"`
	BaseModel
}

func (ClientFile) TableName() string {
	return "client_files"
}

// ClientProgramEnrollment links a client to a program. Rows are never deleted
// by merges; the losing side of a conflict is unenrolled.
type ClientProgramEnrollment struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	ClientFileID uint       `gorm:"not null;index" json:"clientFileId"`
	ProgramID    uint       `gorm:"not null;index" json:"programId"`
	Status       string     `gorm:"type:varchar(20);not null;default:enrolled" json:"status"`
	EnrolledAt   time.Time  `gorm:"not null" json:"enrolledAt"`
	UnenrolledAt *time.Time `json:"unenrolledAt,omitempty"`
	BaseModel
}

func (ClientProgramEnrollment) TableName() string {
	return "client_program_enrollments"
}

// ClientAccessBlock hides a client from one user (domestic-violence safety)
type ClientAccessBlock struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	UserID       uint   `gorm:"not null;index:idx_access_block_user_client" json:"userId"`
	ClientFileID uint   `gorm:"not null;index:idx_access_block_user_client" json:"clientFileId"`
	Reason       string `gorm:"type:text" json:"-"`
	IsActive     bool   `gorm:"not null;default:true" json:"isActive"`
	CreatedByID  uint   `json:"createdById"`
	BaseModel
}

func (ClientAccessBlock) TableName() string {
	return "client_access_blocks"
}

// CustomFieldDefinition describes an agency-defined client field
type CustomFieldDefinition struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"type:varchar(255);not null" json:"name"`
	IsSensitive bool   `gorm:"not null;default:false" json:"isSensitive"`
	BaseModel
}

func (CustomFieldDefinition) TableName() string {
	return "custom_field_definitions"
}

// ClientDetailValue holds one custom field value. Sensitive fields use
// ValueEncrypted and leave Value empty.
type ClientDetailValue struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	ClientFileID   uint   `gorm:"not null;uniqueIndex:idx_detail_client_field" json:"clientFileId"`
	FieldDefID     uint   `gorm:"not null;uniqueIndex:idx_detail_client_field" json:"fieldDefId"`
	Value          string `gorm:"type:text" json:"-"`
	ValueEncrypted []byte `json:"-"`
	BaseModel
}

func (ClientDetailValue) TableName() string {
	return "client_detail_values"
}

// Group is a program activity group
type Group struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"type:varchar(255);not null" json:"name"`
	ProgramID *uint  `gorm:"index" json:"programId,omitempty"`
	BaseModel
}

func (Group) TableName() string {
	return "groups"
}

// GroupMembership is unique per (group, client) while active
type GroupMembership struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	GroupID      uint   `gorm:"not null;uniqueIndex:idx_active_membership,where:status = 'active'" json:"groupId"`
	ClientFileID uint   `gorm:"not null;uniqueIndex:idx_active_membership,where:status = 'active'" json:"clientFileId"`
	Status       string `gorm:"type:varchar(20);not null;default:active" json:"status"`
	BaseModel
}

func (GroupMembership) TableName() string {
	return "group_memberships"
}
