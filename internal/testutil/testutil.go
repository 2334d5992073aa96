package testutil

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/gov-dx-sandbox/case-engine/internal/database"
	"github.com/gov-dx-sandbox/case-engine/internal/fieldcrypt"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupSQLiteTestDB creates a migrated in-memory SQLite database. A single
// connection keeps every query on the same in-memory database.
func SetupSQLiteTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := database.GormConfig()
	cfg.DisableForeignKeyConstraintWhenMigrating = true
	cfg.Logger = logger.Default.LogMode(logger.Silent)

	db, err := gorm.Open(sqlite.Open(":memory:"), cfg)
	if err != nil {
		t.Fatalf("Failed to connect to SQLite test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get underlying sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// TestCipher returns a field cipher with a fixed key
func TestCipher(t *testing.T) fieldcrypt.Cipher {
	t.Helper()
	c, err := fieldcrypt.NewXChaCha(bytes.Repeat([]byte{0x24}, fieldcrypt.KeySize))
	if err != nil {
		t.Fatalf("Failed to create test cipher: %v", err)
	}
	return c
}

// ClientPII is the plaintext used to seed a client
type ClientPII struct {
	FirstName     string
	PreferredName string
	MiddleName    string
	LastName      string
	BirthDate     string
	Phone         string
}

// Seeder inserts fixtures, failing the test on any error
type Seeder struct {
	t      *testing.T
	DB     *gorm.DB
	Cipher fieldcrypt.Cipher
	seq    int
}

// NewSeeder creates a seeder over db using the test cipher
func NewSeeder(t *testing.T, db *gorm.DB) *Seeder {
	return &Seeder{t: t, DB: db, Cipher: TestCipher(t)}
}

func (s *Seeder) create(value interface{}) {
	s.t.Helper()
	if err := s.DB.Create(value).Error; err != nil {
		s.t.Fatalf("Failed to seed %T: %v", value, err)
	}
}

// User inserts an active staff user
func (s *Seeder) User(username string, isAdmin, isDemo bool) *models.User {
	s.t.Helper()
	u := &models.User{Username: username, DisplayName: username, IsAdmin: isAdmin, IsDemo: isDemo, IsActive: true}
	s.create(u)
	return u
}

// Identity returns the authenticated identity for a seeded user
func (s *Seeder) Identity(u *models.User) models.Identity {
	return models.Identity{UserID: u.ID, Username: u.Username, DisplayName: u.DisplayName, IsAdmin: u.IsAdmin, IsDemo: u.IsDemo}
}

// Program inserts an active program
func (s *Seeder) Program(name string, confidential bool) *models.Program {
	s.t.Helper()
	p := &models.Program{Name: name, IsConfidential: confidential, Status: models.ProgramStatusActive}
	s.create(p)
	return p
}

// Assign gives the user an active role in the program
func (s *Seeder) Assign(userID, programID uint, role models.Role) *models.UserProgramRole {
	s.t.Helper()
	r := &models.UserProgramRole{UserID: userID, ProgramID: programID, Role: role, Status: models.RoleStatusActive}
	s.create(r)
	return r
}

// Client inserts a client with encrypted PII
func (s *Seeder) Client(pii ClientPII, isDemo bool) *models.ClientFile {
	s.t.Helper()
	s.seq++
	c := &models.ClientFile{
		RecordID:      fmt.Sprintf("CL-%04d", s.seq),
		FirstName:     s.encrypt(pii.FirstName),
		PreferredName: s.encrypt(pii.PreferredName),
		MiddleName:    s.encrypt(pii.MiddleName),
		LastName:      s.encrypt(pii.LastName),
		BirthDate:     s.encrypt(pii.BirthDate),
		Phone:         s.encrypt(pii.Phone),
		Status:        models.ClientStatusActive,
		IsDemo:        isDemo,
	}
	s.create(c)
	return c
}

// Enroll links a client to a program with the given status
func (s *Seeder) Enroll(clientID, programID uint, status string, enrolledAt time.Time) *models.ClientProgramEnrollment {
	s.t.Helper()
	e := &models.ClientProgramEnrollment{ClientFileID: clientID, ProgramID: programID, Status: status, EnrolledAt: enrolledAt}
	if status == models.EnrollmentStatusUnenrolled {
		at := enrolledAt.Add(24 * time.Hour)
		e.UnenrolledAt = &at
	}
	s.create(e)
	return e
}

// Block hides a client from a user
func (s *Seeder) Block(userID, clientID uint) *models.ClientAccessBlock {
	s.t.Helper()
	b := &models.ClientAccessBlock{UserID: userID, ClientFileID: clientID, IsActive: true}
	s.create(b)
	return b
}

// Note inserts a progress note with one target entry and metric
func (s *Seeder) Note(clientID uint, text string) *models.ProgressNote {
	s.t.Helper()
	n := &models.ProgressNote{ClientFileID: clientID, NotesText: text, Summary: text, ParticipantReflection: text, Status: "default", NoteType: "quick"}
	s.create(n)
	return n
}

// Plan inserts a plan section with one target and records progress on it from the note
func (s *Seeder) Plan(clientID uint, noteID uint) (*models.PlanSection, *models.PlanTarget) {
	s.t.Helper()
	section := &models.PlanSection{ClientFileID: clientID, Name: "Housing"}
	s.create(section)
	target := &models.PlanTarget{ClientFileID: clientID, PlanSectionID: section.ID, Name: "Find housing", Description: "Secure stable housing", Status: "default"}
	s.create(target)
	pnt := &models.ProgressNoteTarget{ProgressNoteID: noteID, PlanTargetID: target.ID, Notes: "Viewed two apartments", ProgressDescriptor: "improving"}
	s.create(pnt)
	s.create(&models.MetricValue{ProgressNoteTargetID: pnt.ID, MetricName: "housing_stability", Value: 3})
	return section, target
}

// Event inserts a client event
func (s *Seeder) Event(clientID uint, title string) *models.Event {
	s.t.Helper()
	e := &models.Event{ClientFileID: clientID, Title: title, Description: title + " details", StartTimestamp: time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)}
	s.create(e)
	return e
}

// Alert inserts a client alert
func (s *Seeder) Alert(clientID uint, content string) *models.Alert {
	s.t.Helper()
	a := &models.Alert{ClientFileID: clientID, Content: content, Status: "default"}
	s.create(a)
	return a
}

// Submission inserts a registration submission linked to the client
func (s *Seeder) Submission(clientID uint, firstName string) *models.RegistrationSubmission {
	s.t.Helper()
	id := clientID
	r := &models.RegistrationSubmission{
		ClientFileID: &id,
		FirstName:    s.encrypt(firstName),
		Email:        s.encrypt(firstName + "@example.org"),
		Data:         `{"how_heard":"friend"}`,
		Status:       "approved",
	}
	s.create(r)
	return r
}

// CustomField inserts a field definition
func (s *Seeder) CustomField(name string, sensitive bool) *models.CustomFieldDefinition {
	s.t.Helper()
	d := &models.CustomFieldDefinition{Name: name, IsSensitive: sensitive}
	s.create(d)
	return d
}

// DetailValue sets a custom field value, encrypting it for sensitive fields
func (s *Seeder) DetailValue(clientID uint, def *models.CustomFieldDefinition, value string) *models.ClientDetailValue {
	s.t.Helper()
	v := &models.ClientDetailValue{ClientFileID: clientID, FieldDefID: def.ID}
	if def.IsSensitive {
		v.ValueEncrypted = s.encrypt(value)
	} else {
		v.Value = value
	}
	s.create(v)
	return v
}

// Group inserts a group
func (s *Seeder) Group(name string) *models.Group {
	s.t.Helper()
	g := &models.Group{Name: name}
	s.create(g)
	return g
}

// Membership adds a client to a group with the given status
func (s *Seeder) Membership(groupID, clientID uint, status string) *models.GroupMembership {
	s.t.Helper()
	m := &models.GroupMembership{GroupID: groupID, ClientFileID: clientID, Status: status}
	s.create(m)
	return m
}

// Decrypt is a convenience for assertions on ciphertext columns
func (s *Seeder) Decrypt(ciphertext []byte) string {
	s.t.Helper()
	plain, err := s.Cipher.Decrypt(ciphertext)
	if err != nil {
		s.t.Fatalf("Failed to decrypt: %v", err)
	}
	return plain
}

func (s *Seeder) encrypt(value string) []byte {
	s.t.Helper()
	blob, err := s.Cipher.Encrypt(value)
	if err != nil {
		s.t.Fatalf("Failed to encrypt: %v", err)
	}
	return blob
}
