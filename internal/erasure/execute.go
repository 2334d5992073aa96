package erasure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gov-dx-sandbox/case-engine/internal/audit"
	"github.com/gov-dx-sandbox/case-engine/internal/database"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/gorm"
)

var clientPIIColumns = []string{"first_name", "preferred_name", "middle_name", "last_name", "birth_date", "phone"}

// execute runs the request's tier inside tx and completes the request. The
// audit entry is written through tx, so a sink failure undoes everything.
func (w *Workflow) execute(ctx context.Context, tx *gorm.DB, caller models.Identity, req *models.ErasureRequest) error {
	if req.ClientFileID == nil {
		return &models.InvalidStateTransitionError{
			Operation:    "execute",
			CurrentState: string(req.Status),
			Detail:       "the client record no longer exists",
		}
	}
	clientID := *req.ClientFileID

	var client models.ClientFile
	if err := database.ForUpdate(tx).Where("id = ?", clientID).First(&client).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: client %d", models.ErrNotFound, clientID)
		}
		return fmt.Errorf("failed to lock client %d: %w", clientID, err)
	}

	if err := scrubSubmissions(tx, clientID); err != nil {
		return err
	}

	var err error
	switch req.ErasureTier {
	case models.TierAnonymise:
		err = anonymise(tx, &client, req.ErasureCode)
	case models.TierAnonymisePurge:
		if err = anonymise(tx, &client, req.ErasureCode); err == nil {
			err = purgeNarrative(tx, clientID)
		}
	case models.TierFullErasure:
		err = deleteClient(tx, clientID)
	default:
		err = fmt.Errorf("%w: unknown erasure tier %q", models.ErrValidation, req.ErasureTier)
	}
	if err != nil {
		return err
	}

	now := w.settings.Clock()
	req.Status = models.CompletedStatusFor(req.ErasureTier)
	req.CompletedAt = &now
	updates := map[string]interface{}{
		"status":       req.Status,
		"completed_at": now,
	}
	if req.ErasureTier == models.TierFullErasure {
		req.ClientFileID = nil
		updates["client_file_id"] = nil
	}
	if err := tx.Model(req).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to complete erasure request: %w", err)
	}

	if err := w.audit(ctx, tx, caller, audit.ActionErasureExecuted, req, map[string]interface{}{
		"tier":         string(req.ErasureTier),
		"data_summary": map[string]interface{}(req.DataSummary),
	}); err != nil {
		return err
	}

	slog.Info("Erasure executed", "request_id", req.ID, "erasure_code", req.ErasureCode, "tier", req.ErasureTier)
	return nil
}

// scrubSubmissions blanks the PII on registration submissions linked to the client
func scrubSubmissions(tx *gorm.DB, clientID uint) error {
	if err := tx.Model(&models.RegistrationSubmission{}).
		Where("client_file_id = ?", clientID).
		Updates(map[string]interface{}{
			"first_name": nil,
			"last_name":  nil,
			"email":      nil,
			"phone":      nil,
			"data":       "",
		}).Error; err != nil {
		return fmt.Errorf("failed to scrub registration submissions: %w", err)
	}
	return nil
}

// anonymise blanks the client's PII and replaces its record id with the
// erasure code. Service records stay linked and intact.
func anonymise(tx *gorm.DB, client *models.ClientFile, code string) error {
	updates := map[string]interface{}{
		"record_id":     code,
		"status":        models.ClientStatusDischarged,
		"is_anonymised": true,
	}
	for _, column := range clientPIIColumns {
		updates[column] = nil
	}
	if err := tx.Model(client).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to anonymise client %d: %w", client.ID, err)
	}
	if err := tx.Model(&models.ClientDetailValue{}).
		Where("client_file_id = ?", client.ID).
		Updates(map[string]interface{}{"value": "", "value_encrypted": nil}).Error; err != nil {
		return fmt.Errorf("failed to blank custom field values: %w", err)
	}
	return nil
}

// purgeNarrative blanks free text. Structure, dates and metric values remain.
func purgeNarrative(tx *gorm.DB, clientID uint) error {
	purges := []struct {
		name    string
		model   interface{}
		where   string
		arg     interface{}
		columns map[string]interface{}
	}{
		{"progress notes", &models.ProgressNote{}, "client_file_id = ?", clientID,
			map[string]interface{}{"notes_text": "", "summary": "", "participant_reflection": ""}},
		{"note targets", &models.ProgressNoteTarget{}, "progress_note_id IN (?)", noteIDs(tx, clientID),
			map[string]interface{}{"notes": ""}},
		{"alerts", &models.Alert{}, "client_file_id = ?", clientID,
			map[string]interface{}{"content": ""}},
		{"events", &models.Event{}, "client_file_id = ?", clientID,
			map[string]interface{}{"title": "", "description": ""}},
	}
	for _, p := range purges {
		if err := tx.Model(p.model).Where(p.where, p.arg).Updates(p.columns).Error; err != nil {
			return fmt.Errorf("failed to purge %s: %w", p.name, err)
		}
	}
	return nil
}

// deleteClient removes the client and every dependent row, children first.
// Erasure requests are kept as tombstones with the client link cleared.
func deleteClient(tx *gorm.DB, clientID uint) error {
	if err := tx.Model(&models.ErasureRequest{}).
		Where("client_file_id = ?", clientID).
		Update("client_file_id", nil).Error; err != nil {
		return fmt.Errorf("failed to detach erasure requests: %w", err)
	}

	planTargets := tx.Model(&models.PlanTarget{}).Select("id").Where("client_file_id = ?", clientID)
	planEntries := tx.Model(&models.ProgressNoteTarget{}).Select("id").Where("plan_target_id IN (?)", planTargets)
	deletes := []struct {
		name  string
		model interface{}
		where string
		arg   interface{}
	}{
		{"metric values", &models.MetricValue{}, "progress_note_target_id IN (?)", noteTargetIDs(tx, clientID)},
		{"plan metric values", &models.MetricValue{}, "progress_note_target_id IN (?)", planEntries},
		{"note targets", &models.ProgressNoteTarget{}, "progress_note_id IN (?)", noteIDs(tx, clientID)},
		{"plan target entries", &models.ProgressNoteTarget{}, "plan_target_id IN (?)", planTargets},
		{"progress notes", &models.ProgressNote{}, "client_file_id = ?", clientID},
		{"plan targets", &models.PlanTarget{}, "client_file_id = ?", clientID},
		{"plan sections", &models.PlanSection{}, "client_file_id = ?", clientID},
		{"events", &models.Event{}, "client_file_id = ?", clientID},
		{"alerts", &models.Alert{}, "client_file_id = ?", clientID},
		{"enrollments", &models.ClientProgramEnrollment{}, "client_file_id = ?", clientID},
		{"custom field values", &models.ClientDetailValue{}, "client_file_id = ?", clientID},
		{"group memberships", &models.GroupMembership{}, "client_file_id = ?", clientID},
		{"access blocks", &models.ClientAccessBlock{}, "client_file_id = ?", clientID},
		{"registration submissions", &models.RegistrationSubmission{}, "client_file_id = ?", clientID},
	}
	for _, d := range deletes {
		if err := tx.Where(d.where, d.arg).Delete(d.model).Error; err != nil {
			return fmt.Errorf("failed to delete %s: %w", d.name, err)
		}
	}

	if err := tx.Delete(&models.ClientFile{}, clientID).Error; err != nil {
		return fmt.Errorf("failed to delete client %d: %w", clientID, err)
	}
	return nil
}
