package models

import "time"

// ProgressNote is a service note written about a client
type ProgressNote struct {
	ID                    uint   `gorm:"primaryKey" json:"id"`
	ClientFileID          uint   `gorm:"not null;index" json:"clientFileId"`
	AuthorID              uint   `gorm:"index" json:"authorId"`
	AuthorProgramID       *uint  `json:"authorProgramId,omitempty"`
	NoteType              string `gorm:"type:varchar(30);not null;default:quick" json:"noteType"`
	NotesText             string `gorm:"type:text" json:"notesText"`
	Summary               string `gorm:"type:text" json:"summary"`
	ParticipantReflection string `gorm:"type:text" json:"participantReflection"`
	Status                string `gorm:"type:varchar(20);not null;default:default" json:"status"`
	BaseModel
}

func (ProgressNote) TableName() string {
	return "progress_notes"
}

// ProgressNoteTarget records progress against one plan target inside a note
type ProgressNoteTarget struct {
	ID                 uint   `gorm:"primaryKey" json:"id"`
	ProgressNoteID     uint   `gorm:"not null;index" json:"progressNoteId"`
	PlanTargetID       uint   `gorm:"not null;index" json:"planTargetId"`
	Notes              string `gorm:"type:text" json:"notes"`
	ProgressDescriptor string `gorm:"type:varchar(50)" json:"progressDescriptor"`
	BaseModel
}

func (ProgressNoteTarget) TableName() string {
	return "progress_note_targets"
}

// MetricValue is a numeric measurement captured on a note target
type MetricValue struct {
	ID                   uint    `gorm:"primaryKey" json:"id"`
	ProgressNoteTargetID uint    `gorm:"not null;index" json:"progressNoteTargetId"`
	MetricName           string  `gorm:"type:varchar(100)" json:"metricName"`
	Value                float64 `json:"value"`
	BaseModel
}

func (MetricValue) TableName() string {
	return "metric_values"
}

// Event is a dated occurrence on a client's timeline
type Event struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ClientFileID   uint      `gorm:"not null;index" json:"clientFileId"`
	Title          string    `gorm:"type:varchar(255)" json:"title"`
	Description    string    `gorm:"type:text" json:"description"`
	StartTimestamp time.Time `json:"startTimestamp"`
	BaseModel
}

func (Event) TableName() string {
	return "events"
}

// Alert is a staff-facing flag on a client
type Alert struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	ClientFileID uint   `gorm:"not null;index" json:"clientFileId"`
	Content      string `gorm:"type:text" json:"content"`
	Status       string `gorm:"type:varchar(20);not null;default:default" json:"status"`
	BaseModel
}

func (Alert) TableName() string {
	return "alerts"
}

// PlanSection groups plan targets
type PlanSection struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	ClientFileID uint   `gorm:"not null;index" json:"clientFileId"`
	ProgramID    *uint  `json:"programId,omitempty"`
	Name         string `gorm:"type:varchar(255)" json:"name"`
	BaseModel
}

func (PlanSection) TableName() string {
	return "plan_sections"
}

// PlanTarget is a goal inside a plan section
type PlanTarget struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	ClientFileID  uint   `gorm:"not null;index" json:"clientFileId"`
	PlanSectionID uint   `gorm:"not null;index" json:"planSectionId"`
	Name          string `gorm:"type:varchar(255)" json:"name"`
	Description   string `gorm:"type:text" json:"description"`
	Status        string `gorm:"type:varchar(20);not null;default:default" json:"status"`
	BaseModel
}

func (PlanTarget) TableName() string {
	return "plan_targets"
}

// RegistrationSubmission is a self-registration form that may have created or
// been linked to a client. Its PII columns hold ciphertext.
type RegistrationSubmission struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	ClientFileID *uint  `gorm:"index" json:"clientFileId,omitempty"`
	FirstName    []byte `json:"-"`
	LastName     []byte `json:"-"`
	Email        []byte `json:"-"`
	Phone        []byte `json:"-"`
	Data         string `gorm:"type:text" json:"-"`
	Status       string `gorm:"type:varchar(20);not null;default:pending" json:"status"`
	BaseModel
}

func (RegistrationSubmission) TableName() string {
	return "registration_submissions"
}
