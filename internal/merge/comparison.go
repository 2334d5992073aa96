package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gov-dx-sandbox/case-engine/internal/fieldcrypt"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/gorm"
)

// PIIFields are the client columns compared and resolved field by field
var PIIFields = []string{"first_name", "preferred_name", "middle_name", "last_name", "birth_date", "phone"}

func piiColumn(c *models.ClientFile, field string) *[]byte {
	switch field {
	case "first_name":
		return &c.FirstName
	case "preferred_name":
		return &c.PreferredName
	case "middle_name":
		return &c.MiddleName
	case "last_name":
		return &c.LastName
	case "birth_date":
		return &c.BirthDate
	case "phone":
		return &c.Phone
	}
	return nil
}

// relatedModels are reassigned wholesale from the archived client to the survivor
var relatedModels = []struct {
	name  string
	model interface{}
}{
	{"progress_notes", &models.ProgressNote{}},
	{"events", &models.Event{}},
	{"alerts", &models.Alert{}},
	{"plan_sections", &models.PlanSection{}},
	{"plan_targets", &models.PlanTarget{}},
	{"registration_submissions", &models.RegistrationSubmission{}},
	{"erasure_requests", &models.ErasureRequest{}},
	{"access_blocks", &models.ClientAccessBlock{}},
}

// FieldComparison is one PII field side by side
type FieldComparison struct {
	Field         string `json:"field"`
	KeptValue     string `json:"keptValue"`
	ArchivedValue string `json:"archivedValue"`
	Differs       bool   `json:"differs"`
}

// CustomFieldConflict is a custom field both clients set to different values
type CustomFieldConflict struct {
	FieldDefID    uint   `json:"fieldDefId"`
	FieldName     string `json:"fieldName"`
	KeptValue     string `json:"keptValue"`
	ArchivedValue string `json:"archivedValue"`
}

// Comparison is shown to the user before they choose how to merge. Building
// it has no side effects.
type Comparison struct {
	KeptID               uint                  `json:"keptId"`
	ArchivedID           uint                  `json:"archivedId"`
	Fields               []FieldComparison     `json:"fields"`
	CustomFieldConflicts []CustomFieldConflict `json:"customFieldConflicts"`
	ProgramsAfterMerge   []uint                `json:"programsAfterMerge"`
	KeptCounts           map[string]int64      `json:"keptCounts"`
	ArchivedCounts       map[string]int64      `json:"archivedCounts"`
	Violations           []models.Violation    `json:"violations"`
}

// BuildComparison loads both clients and lays out their differences
func (e *Engine) BuildComparison(ctx context.Context, caller models.Identity, keptID, archivedID uint) (*Comparison, error) {
	if err := e.authorize(ctx, caller, keptID, archivedID); err != nil {
		return nil, err
	}

	db := e.db.WithContext(ctx)
	kept, err := loadClient(db, keptID)
	if err != nil {
		return nil, err
	}
	archived, err := loadClient(db, archivedID)
	if err != nil {
		return nil, err
	}

	violations, err := ValidatePreconditions(db, kept, archived)
	if err != nil {
		return nil, err
	}

	fields, err := comparePII(e.cipher, kept, archived)
	if err != nil {
		return nil, err
	}

	keptValues, err := loadDetailValues(db, keptID)
	if err != nil {
		return nil, err
	}
	archivedValues, err := loadDetailValues(db, archivedID)
	if err != nil {
		return nil, err
	}
	conflicts, err := customFieldConflicts(db, e.cipher, keptValues, archivedValues)
	if err != nil {
		return nil, err
	}

	var programs []uint
	if err := db.Model(&models.ClientProgramEnrollment{}).
		Where("client_file_id IN ? AND status = ?", []uint{keptID, archivedID}, models.EnrollmentStatusEnrolled).
		Distinct().
		Order("program_id").
		Pluck("program_id", &programs).Error; err != nil {
		return nil, fmt.Errorf("failed to load enrollments: %w", err)
	}

	keptCounts, err := relatedCounts(db, keptID)
	if err != nil {
		return nil, err
	}
	archivedCounts, err := relatedCounts(db, archivedID)
	if err != nil {
		return nil, err
	}

	return &Comparison{
		KeptID:               keptID,
		ArchivedID:           archivedID,
		Fields:               fields,
		CustomFieldConflicts: conflicts,
		ProgramsAfterMerge:   programs,
		KeptCounts:           keptCounts,
		ArchivedCounts:       archivedCounts,
		Violations:           violations,
	}, nil
}

func loadClient(db *gorm.DB, id uint) (*models.ClientFile, error) {
	var c models.ClientFile
	if err := db.First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: client %d", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load client %d: %w", id, err)
	}
	return &c, nil
}

func comparePII(cipher fieldcrypt.Cipher, kept, archived *models.ClientFile) ([]FieldComparison, error) {
	out := make([]FieldComparison, 0, len(PIIFields))
	for _, field := range PIIFields {
		k, err := cipher.Decrypt(*piiColumn(kept, field))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s of client %d: %w", field, kept.ID, err)
		}
		a, err := cipher.Decrypt(*piiColumn(archived, field))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s of client %d: %w", field, archived.ID, err)
		}
		out = append(out, FieldComparison{Field: field, KeptValue: k, ArchivedValue: a, Differs: k != a})
	}
	return out, nil
}

func loadDetailValues(db *gorm.DB, clientID uint) (map[uint]models.ClientDetailValue, error) {
	var rows []models.ClientDetailValue
	if err := db.Where("client_file_id = ?", clientID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load custom field values for client %d: %w", clientID, err)
	}
	byDef := make(map[uint]models.ClientDetailValue, len(rows))
	for _, r := range rows {
		byDef[r.FieldDefID] = r
	}
	return byDef, nil
}

// detailPlaintext returns the value of a custom field row whichever column holds it
func detailPlaintext(cipher fieldcrypt.Cipher, v models.ClientDetailValue) (string, error) {
	if len(v.ValueEncrypted) > 0 {
		return cipher.Decrypt(v.ValueEncrypted)
	}
	return v.Value, nil
}

// customFieldConflicts lists fields both clients define with differing values,
// ordered by field definition
func customFieldConflicts(db *gorm.DB, cipher fieldcrypt.Cipher, kept, archived map[uint]models.ClientDetailValue) ([]CustomFieldConflict, error) {
	conflicts := []CustomFieldConflict{}
	defIDs := make([]uint, 0)
	for defID, av := range archived {
		kv, ok := kept[defID]
		if !ok {
			continue
		}
		k, err := detailPlaintext(cipher, kv)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt custom field %d: %w", defID, err)
		}
		a, err := detailPlaintext(cipher, av)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt custom field %d: %w", defID, err)
		}
		if k != a {
			conflicts = append(conflicts, CustomFieldConflict{FieldDefID: defID, KeptValue: k, ArchivedValue: a})
			defIDs = append(defIDs, defID)
		}
	}
	if len(conflicts) == 0 {
		return conflicts, nil
	}

	var defs []models.CustomFieldDefinition
	if err := db.Where("id IN ?", defIDs).Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("failed to load custom field definitions: %w", err)
	}
	names := make(map[uint]string, len(defs))
	for _, d := range defs {
		names[d.ID] = d.Name
	}
	for i := range conflicts {
		conflicts[i].FieldName = names[conflicts[i].FieldDefID]
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].FieldDefID < conflicts[j].FieldDefID })
	return conflicts, nil
}

func relatedCounts(db *gorm.DB, clientID uint) (map[string]int64, error) {
	counts := make(map[string]int64, len(relatedModels)+3)
	for _, r := range relatedModels {
		var n int64
		if err := db.Model(r.model).Where("client_file_id = ?", clientID).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", r.name, err)
		}
		counts[r.name] = n
	}
	for name, model := range map[string]interface{}{
		"enrollments":       &models.ClientProgramEnrollment{},
		"custom_fields":     &models.ClientDetailValue{},
		"group_memberships": &models.GroupMembership{},
	} {
		var n int64
		if err := db.Model(model).Where("client_file_id = ?", clientID).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", name, err)
		}
		counts[name] = n
	}
	return counts, nil
}
