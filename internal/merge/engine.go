package merge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/gov-dx-sandbox/case-engine/internal/access"
	"github.com/gov-dx-sandbox/case-engine/internal/audit"
	"github.com/gov-dx-sandbox/case-engine/internal/config"
	"github.com/gov-dx-sandbox/case-engine/internal/database"
	"github.com/gov-dx-sandbox/case-engine/internal/fieldcrypt"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/monitoring"
	"github.com/gov-dx-sandbox/case-engine/internal/permissions"
	"gorm.io/gorm"
)

// Engine fuses two client records into one
type Engine struct {
	db       *gorm.DB
	checker  *access.Checker
	cipher   fieldcrypt.Cipher
	sink     audit.Sink
	settings config.Settings
}

// NewEngine creates a merge engine
func NewEngine(db *gorm.DB, checker *access.Checker, cipher fieldcrypt.Cipher, sink audit.Sink, settings config.Settings) *Engine {
	return &Engine{db: db, checker: checker, cipher: cipher, sink: sink, settings: settings}
}

// Decision is the user's choice for every difference in the comparison.
// A differing field or conflict with no entry keeps the survivor's value.
type Decision struct {
	KeptID           uint                               `json:"keptId"`
	ArchivedID       uint                               `json:"archivedId"`
	PIIChoices       map[string]models.ResolutionChoice `json:"piiChoices"`
	FieldResolutions map[uint]models.ResolutionChoice   `json:"fieldResolutions"`
}

// Validate rejects unknown fields and choices
func (d Decision) Validate() error {
	if d.KeptID == 0 || d.ArchivedID == 0 {
		return fmt.Errorf("%w: both client ids are required", models.ErrValidation)
	}
	for field, choice := range d.PIIChoices {
		if piiColumn(&models.ClientFile{}, field) == nil {
			return fmt.Errorf("%w: unknown field %q", models.ErrValidation, field)
		}
		if !choice.IsValid() {
			return fmt.Errorf("%w: invalid choice %q for %s", models.ErrValidation, choice, field)
		}
	}
	for defID, choice := range d.FieldResolutions {
		if !choice.IsValid() {
			return fmt.Errorf("%w: invalid choice %q for custom field %d", models.ErrValidation, choice, defID)
		}
	}
	return nil
}

// Result summarises a completed merge
type Result struct {
	MergeID         uint             `json:"mergeId"`
	KeptID          uint             `json:"keptId"`
	ArchivedID      uint             `json:"archivedId"`
	TransferSummary map[string]int64 `json:"transferSummary"`
	AuditLogged     bool             `json:"auditLogged"`
}

func (e *Engine) authorize(ctx context.Context, caller models.Identity, ids ...uint) error {
	for _, id := range ids {
		req, err := access.NewRequest(permissions.ClientMerge, access.WithClient(id))
		if err != nil {
			return err
		}
		if _, err := e.checker.Authorize(ctx, caller, req); err != nil {
			return err
		}
	}
	return nil
}

// Execute performs the merge in one transaction. Both client rows are locked
// lower key first and the preconditions are checked again under the lock.
func (e *Engine) Execute(ctx context.Context, caller models.Identity, d Decision) (*Result, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.KeptID == d.ArchivedID {
		return nil, &models.PreconditionViolationError{Violations: []models.Violation{sameClient}}
	}
	if err := e.authorize(ctx, caller, d.KeptID, d.ArchivedID); err != nil {
		return nil, err
	}

	var result *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		kept, archived, err := database.LockClientPair(tx, d.KeptID, d.ArchivedID)
		if err != nil {
			return err
		}

		violations, err := ValidatePreconditions(tx, kept, archived)
		if err != nil {
			return err
		}
		if len(violations) > 0 {
			return &models.PreconditionViolationError{Violations: violations}
		}

		m := &mergeTx{tx: tx, cipher: e.cipher, now: e.settings.Clock(), kept: kept, archived: archived, summary: map[string]int64{}}
		if err := m.run(d); err != nil {
			return err
		}

		record := &models.ClientMerge{
			KeptClientPK:             kept.ID,
			ArchivedClientPK:         archived.ID,
			KeptRecordID:             kept.RecordID,
			PIIChoices:               m.piiChoices,
			FieldConflictResolutions: m.fieldResolutions,
			TransferSummary:          summaryMap(m.summary),
			MergedByID:               caller.UserID,
		}
		if err := checkNoPII(record, m.plaintexts); err != nil {
			return err
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("failed to record merge: %w", err)
		}

		result = &Result{
			MergeID:         record.ID,
			KeptID:          kept.ID,
			ArchivedID:      archived.ID,
			TransferSummary: m.summary,
		}
		result.AuditLogged = e.appendAudit(ctx, tx, caller, record)
		return nil
	})
	if err != nil {
		monitoring.RecordBusinessEvent("merge_executed", "failure")
		return nil, err
	}

	monitoring.RecordBusinessEvent("merge_executed", "success")
	slog.Info("Clients merged", "merge_id", result.MergeID, "kept_id", result.KeptID, "archived_id", result.ArchivedID)
	return result, nil
}

// appendAudit writes the side-channel audit entry inside a savepoint. A sink
// failure is logged and the merge still commits.
// TODO: erasure treats the same failure as fatal; the merge policy is pending product review.
func (e *Engine) appendAudit(ctx context.Context, tx *gorm.DB, caller models.Identity, record *models.ClientMerge) bool {
	event := &audit.Event{
		ActorID:      strconv.FormatUint(uint64(caller.UserID), 10),
		Action:       audit.ActionMergeExecuted,
		ResourceType: audit.ResourceClient,
		ResourceID:   strconv.FormatUint(uint64(record.KeptClientPK), 10),
		Metadata: map[string]interface{}{
			"merge_id":           record.ID,
			"archived_client_pk": record.ArchivedClientPK,
			"transfer_summary":   record.TransferSummary,
		},
	}
	err := tx.Transaction(func(sp *gorm.DB) error {
		return audit.Append(ctx, audit.Bind(e.sink, sp), event)
	})
	if err != nil {
		slog.Error("Merge audit log failed; merge committed without it",
			"merge_id", record.ID, "sink", e.sink.Name(), "error", err)
		monitoring.RecordBusinessEvent("audit_sink_failure", "merge")
		return false
	}
	return true
}

func summaryMap(summary map[string]int64) map[string]interface{} {
	out := make(map[string]interface{}, len(summary))
	for k, v := range summary {
		out[k] = v
	}
	return out
}

// checkNoPII fails when any string in the merge record equals a plaintext PII
// value. Resolution tokens are skipped since every choice map stores them.
func checkNoPII(record *models.ClientMerge, plaintexts []string) error {
	plaintexts = slices.DeleteFunc(slices.Clone(plaintexts), func(v string) bool {
		return models.ResolutionChoice(v).IsValid()
	})
	for _, m := range []map[string]interface{}{record.PIIChoices, record.FieldConflictResolutions, record.TransferSummary} {
		if v, ok := findString(m, plaintexts); ok {
			return fmt.Errorf("merge record would store a PII value (%d chars)", len(v))
		}
	}
	return nil
}

func findString(v interface{}, needles []string) (string, bool) {
	switch t := v.(type) {
	case string:
		if slices.Contains(needles, t) {
			return t, true
		}
	case map[string]interface{}:
		for _, inner := range t {
			if s, ok := findString(inner, needles); ok {
				return s, true
			}
		}
	case []interface{}:
		for _, inner := range t {
			if s, ok := findString(inner, needles); ok {
				return s, true
			}
		}
	}
	return "", false
}
