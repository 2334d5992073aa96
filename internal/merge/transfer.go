package merge

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gov-dx-sandbox/case-engine/internal/fieldcrypt"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// mergeTx carries one merge through its steps inside the transaction
type mergeTx struct {
	tx       *gorm.DB
	cipher   fieldcrypt.Cipher
	now      time.Time
	kept     *models.ClientFile
	archived *models.ClientFile

	summary          map[string]int64
	piiChoices       datatypes.JSONMap
	fieldResolutions datatypes.JSONMap
	// plaintexts holds every PII value seen, for the audit payload check
	plaintexts []string
}

func (m *mergeTx) run(d Decision) error {
	steps := []func() error{
		func() error { return m.applyPIIChoices(d.PIIChoices) },
		m.reassignRelated,
		m.mergeEnrollments,
		func() error { return m.mergeCustomFields(d.FieldResolutions) },
		m.mergeGroupMemberships,
		m.anonymiseArchived,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mergeTx) applyPIIChoices(choices map[string]models.ResolutionChoice) error {
	fields, err := comparePII(m.cipher, m.kept, m.archived)
	if err != nil {
		return err
	}

	m.piiChoices = datatypes.JSONMap{}
	updates := map[string]interface{}{}
	for _, f := range fields {
		m.remember(f.KeptValue, f.ArchivedValue)
		if !f.Differs {
			continue
		}
		choice, ok := choices[f.Field]
		if !ok {
			choice = models.ChoiceKept
		}
		m.piiChoices[f.Field] = string(choice)
		if choice == models.ChoiceArchived {
			blob, err := m.cipher.Encrypt(f.ArchivedValue)
			if err != nil {
				return fmt.Errorf("failed to encrypt %s: %w", f.Field, err)
			}
			updates[f.Field] = blob
		}
	}

	if len(updates) == 0 {
		return nil
	}
	if err := m.tx.Model(m.kept).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update surviving client: %w", err)
	}
	return nil
}

func (m *mergeTx) reassignRelated() error {
	for _, r := range relatedModels {
		res := m.tx.Model(r.model).
			Where("client_file_id = ?", m.archived.ID).
			Update("client_file_id", m.kept.ID)
		if res.Error != nil {
			return fmt.Errorf("failed to transfer %s: %w", r.name, res.Error)
		}
		m.summary[r.name] = res.RowsAffected
	}
	return nil
}

// mergeEnrollments keeps the earliest enrolled_at when both clients are
// enrolled in the same program and unenrolls the archived side. Every other
// enrollment moves to the survivor.
func (m *mergeTx) mergeEnrollments() error {
	var keptEnrolled []models.ClientProgramEnrollment
	if err := m.tx.Where("client_file_id = ? AND status = ?", m.kept.ID, models.EnrollmentStatusEnrolled).
		Find(&keptEnrolled).Error; err != nil {
		return fmt.Errorf("failed to load enrollments: %w", err)
	}
	byProgram := make(map[uint]models.ClientProgramEnrollment, len(keptEnrolled))
	for _, e := range keptEnrolled {
		byProgram[e.ProgramID] = e
	}

	var archivedRows []models.ClientProgramEnrollment
	if err := m.tx.Where("client_file_id = ?", m.archived.ID).Order("id").Find(&archivedRows).Error; err != nil {
		return fmt.Errorf("failed to load enrollments: %w", err)
	}

	var transfer []uint
	var conflicts int64
	for _, a := range archivedRows {
		k, both := byProgram[a.ProgramID]
		if !both || a.Status != models.EnrollmentStatusEnrolled {
			transfer = append(transfer, a.ID)
			continue
		}
		conflicts++
		if a.EnrolledAt.Before(k.EnrolledAt) {
			if err := m.tx.Model(&k).Update("enrolled_at", a.EnrolledAt).Error; err != nil {
				return fmt.Errorf("failed to update enrollment %d: %w", k.ID, err)
			}
		}
		if err := m.tx.Model(&a).Updates(map[string]interface{}{
			"status":        models.EnrollmentStatusUnenrolled,
			"unenrolled_at": m.now,
		}).Error; err != nil {
			return fmt.Errorf("failed to unenroll enrollment %d: %w", a.ID, err)
		}
	}

	if len(transfer) > 0 {
		if err := m.tx.Model(&models.ClientProgramEnrollment{}).
			Where("id IN ?", transfer).
			Update("client_file_id", m.kept.ID).Error; err != nil {
			return fmt.Errorf("failed to transfer enrollments: %w", err)
		}
	}
	m.summary["enrollments"] = int64(len(transfer))
	m.summary["enrollments_combined"] = conflicts
	return nil
}

// mergeCustomFields applies the resolution for each conflicting field, then
// deletes every archived value whose field the survivor already holds so the
// (client, field) uniqueness holds. Fields only the archived client has move over.
func (m *mergeTx) mergeCustomFields(resolutions map[uint]models.ResolutionChoice) error {
	keptValues, err := loadDetailValues(m.tx, m.kept.ID)
	if err != nil {
		return err
	}
	archivedValues, err := loadDetailValues(m.tx, m.archived.ID)
	if err != nil {
		return err
	}

	m.fieldResolutions = datatypes.JSONMap{}
	var overlapping, transfer []uint
	var resolved int64
	for defID, av := range archivedValues {
		kv, both := keptValues[defID]
		if !both {
			transfer = append(transfer, av.ID)
			continue
		}
		overlapping = append(overlapping, av.ID)

		k, err := detailPlaintext(m.cipher, kv)
		if err != nil {
			return fmt.Errorf("failed to decrypt custom field %d: %w", defID, err)
		}
		a, err := detailPlaintext(m.cipher, av)
		if err != nil {
			return fmt.Errorf("failed to decrypt custom field %d: %w", defID, err)
		}
		m.remember(k, a)
		if k == a {
			continue
		}

		choice, ok := resolutions[defID]
		if !ok {
			choice = models.ChoiceKept
		}
		m.fieldResolutions[strconv.FormatUint(uint64(defID), 10)] = string(choice)
		resolved++
		if choice == models.ChoiceArchived {
			if err := m.tx.Model(&kv).Updates(map[string]interface{}{
				"value":           av.Value,
				"value_encrypted": av.ValueEncrypted,
			}).Error; err != nil {
				return fmt.Errorf("failed to apply custom field %d: %w", defID, err)
			}
		}
	}

	if len(overlapping) > 0 {
		if err := m.tx.Where("id IN ?", overlapping).Delete(&models.ClientDetailValue{}).Error; err != nil {
			return fmt.Errorf("failed to delete resolved custom field values: %w", err)
		}
	}
	if len(transfer) > 0 {
		if err := m.tx.Model(&models.ClientDetailValue{}).
			Where("id IN ?", transfer).
			Update("client_file_id", m.kept.ID).Error; err != nil {
			return fmt.Errorf("failed to transfer custom field values: %w", err)
		}
	}
	m.summary["custom_fields"] = int64(len(transfer))
	m.summary["custom_fields_resolved"] = resolved
	return nil
}

// mergeGroupMemberships deactivates the archived membership when both clients
// are active in the same group. All memberships then move to the survivor,
// which keeps at most one active row per group.
func (m *mergeTx) mergeGroupMemberships() error {
	activeGroups := m.tx.Model(&models.GroupMembership{}).
		Select("group_id").
		Where("client_file_id = ? AND status = ?", m.kept.ID, models.MembershipStatusActive)

	deactivated := m.tx.Model(&models.GroupMembership{}).
		Where("client_file_id = ? AND status = ?", m.archived.ID, models.MembershipStatusActive).
		Where("group_id IN (?)", activeGroups).
		Update("status", models.MembershipStatusInactive)
	if deactivated.Error != nil {
		return fmt.Errorf("failed to deactivate duplicate group memberships: %w", deactivated.Error)
	}

	moved := m.tx.Model(&models.GroupMembership{}).
		Where("client_file_id = ?", m.archived.ID).
		Update("client_file_id", m.kept.ID)
	if moved.Error != nil {
		return fmt.Errorf("failed to transfer group memberships: %w", moved.Error)
	}
	m.summary["group_memberships"] = moved.RowsAffected
	m.summary["group_memberships_deactivated"] = deactivated.RowsAffected
	return nil
}

// anonymiseArchived blanks the losing record and points its record id at the survivor
func (m *mergeTx) anonymiseArchived() error {
	updates := map[string]interface{}{
		"record_id":     fmt.Sprintf("MERGED-%d", m.kept.ID),
		"status":        models.ClientStatusDischarged,
		"is_anonymised": true,
	}
	for _, field := range PIIFields {
		updates[field] = nil
	}
	if err := m.tx.Model(m.archived).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to anonymise archived client: %w", err)
	}
	if err := m.tx.Where("client_file_id = ?", m.archived.ID).Delete(&models.ClientDetailValue{}).Error; err != nil {
		return fmt.Errorf("failed to delete archived custom field values: %w", err)
	}
	return nil
}

func (m *mergeTx) remember(values ...string) {
	for _, v := range values {
		if v != "" {
			m.plaintexts = append(m.plaintexts, v)
		}
	}
}
