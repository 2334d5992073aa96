package erasure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gov-dx-sandbox/case-engine/internal/access"
	"github.com/gov-dx-sandbox/case-engine/internal/audit"
	"github.com/gov-dx-sandbox/case-engine/internal/config"
	"github.com/gov-dx-sandbox/case-engine/internal/database"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/monitoring"
	"github.com/gov-dx-sandbox/case-engine/internal/permissions"
	"gorm.io/gorm"
)

// Workflow drives erasure requests from creation through approval to execution.
// Every audit write on this path is fatal: when the sink fails, the whole
// transaction rolls back.
type Workflow struct {
	db       *gorm.DB
	checker  *access.Checker
	sink     audit.Sink
	settings config.Settings
}

// NewWorkflow creates an erasure workflow
func NewWorkflow(db *gorm.DB, checker *access.Checker, sink audit.Sink, settings config.Settings) *Workflow {
	return &Workflow{db: db, checker: checker, sink: sink, settings: settings}
}

// CreateInput is what a requester submits
type CreateInput struct {
	ClientID uint               `json:"clientId"`
	Tier     models.ErasureTier `json:"tier"`
	Reason   string             `json:"reason"`
}

// Preview is shown before a request is created
type Preview struct {
	ClientID         uint                   `json:"clientId"`
	RecordID         string                 `json:"recordId"`
	DataSummary      map[string]interface{} `json:"dataSummary"`
	Tiers            []TierOption           `json:"tiers"`
	ProgramsRequired []uint                 `json:"programsRequired"`
}

// Preview gathers the data summary, tier availability and approving programs for a client
func (w *Workflow) Preview(ctx context.Context, caller models.Identity, clientID uint) (*Preview, error) {
	db := w.db.WithContext(ctx)
	programs, err := RequiredPrograms(db, clientID)
	if err != nil {
		return nil, err
	}
	if err := w.authorizeForClient(ctx, caller, clientID, programs); err != nil {
		return nil, err
	}

	client, err := loadClient(db, clientID)
	if err != nil {
		return nil, err
	}
	summary, err := BuildDataSummary(db, clientID)
	if err != nil {
		return nil, err
	}
	return &Preview{
		ClientID:         client.ID,
		RecordID:         client.RecordID,
		DataSummary:      summary,
		Tiers:            AvailableTiers(client, w.settings.Today()),
		ProgramsRequired: programs,
	}, nil
}

// authorizeForClient passes when the caller may request erasure in any of the
// approving programs. Every check names the client, so the block list always applies.
func (w *Workflow) authorizeForClient(ctx context.Context, caller models.Identity, clientID uint, programs []uint) error {
	var firstDenial error
	for _, programID := range programs {
		req, err := access.NewRequest(permissions.ErasureRequest, access.WithClient(clientID), access.WithProgram(programID))
		if err != nil {
			return err
		}
		_, err = w.checker.Authorize(ctx, caller, req)
		if err == nil {
			return nil
		}
		var denied *models.AuthorizationDeniedError
		if errors.As(err, &denied) && denied.Reason == models.DenyBlockedClient {
			return err
		}
		if firstDenial == nil {
			firstDenial = err
		}
	}
	return firstDenial
}

// CreateRequest opens a pending erasure request. The approving programs are
// computed here once and never recomputed.
func (w *Workflow) CreateRequest(ctx context.Context, caller models.Identity, in CreateInput) (*models.ErasureRequest, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a reason is required", models.ErrValidation)
	}
	if !in.Tier.IsValid() {
		return nil, fmt.Errorf("%w: unknown erasure tier %q", models.ErrValidation, in.Tier)
	}

	programs, err := RequiredPrograms(w.db.WithContext(ctx), in.ClientID)
	if err != nil {
		return nil, err
	}
	if err := w.authorizeForClient(ctx, caller, in.ClientID, programs); err != nil {
		return nil, err
	}

	var request *models.ErasureRequest
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var client models.ClientFile
		if err := database.ForUpdate(tx).Where("id = ?", in.ClientID).First(&client).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: client %d", models.ErrNotFound, in.ClientID)
			}
			return fmt.Errorf("failed to lock client %d: %w", in.ClientID, err)
		}
		if client.IsAnonymised {
			return &models.InvalidStateTransitionError{
				Operation:    "request erasure",
				CurrentState: "anonymised",
				Detail:       "client is already anonymised",
			}
		}

		var pending int64
		if err := tx.Model(&models.ErasureRequest{}).
			Where("client_file_id = ? AND status = ?", client.ID, models.ErasureStatusPending).
			Count(&pending).Error; err != nil {
			return fmt.Errorf("failed to check pending requests: %w", err)
		}
		if pending > 0 {
			return &models.InvalidStateTransitionError{
				Operation:    "request erasure",
				CurrentState: string(models.ErasureStatusPending),
				Detail:       "client already has a pending erasure request",
			}
		}

		if !tierAvailable(AvailableTiers(&client, w.settings.Today()), in.Tier) {
			return fmt.Errorf("%w: tier %s is not available for this client", models.ErrValidation, in.Tier)
		}

		summary, err := BuildDataSummary(tx, client.ID)
		if err != nil {
			return err
		}
		required, err := RequiredPrograms(tx, client.ID)
		if err != nil {
			return err
		}

		clientID := client.ID
		request = &models.ErasureRequest{
			ClientFileID:       &clientID,
			ClientPK:           client.ID,
			RecordID:           client.RecordID,
			DataSummary:        summary,
			ErasureTier:        in.Tier,
			ProgramsRequired:   required,
			Reason:             reason,
			Status:             models.ErasureStatusPending,
			RequestedByID:      caller.UserID,
			RequestedByDisplay: caller.DisplayName,
		}
		if err := tx.Create(request).Error; err != nil {
			return fmt.Errorf("failed to create erasure request: %w", err)
		}
		request.ErasureCode = erasureCode(w.settings.Clock(), request.ID)
		if err := tx.Model(request).Update("erasure_code", request.ErasureCode).Error; err != nil {
			return fmt.Errorf("failed to assign erasure code: %w", err)
		}

		return w.audit(ctx, tx, caller, audit.ActionErasureRequested, request, map[string]interface{}{
			"tier":              string(request.ErasureTier),
			"programs_required": []uint(request.ProgramsRequired),
		})
	})
	if err != nil {
		monitoring.RecordBusinessEvent("erasure_requested", "failure")
		return nil, err
	}

	monitoring.RecordBusinessEvent("erasure_requested", "success")
	slog.Info("Erasure requested", "request_id", request.ID, "erasure_code", request.ErasureCode, "tier", request.ErasureTier)
	return request, nil
}

func erasureCode(now time.Time, id uint) string {
	return fmt.Sprintf("ER-%d-%05d", now.Year(), id)
}

// audit appends a fatal audit entry through tx
func (w *Workflow) audit(ctx context.Context, tx *gorm.DB, caller models.Identity, action string, req *models.ErasureRequest, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["erasure_code"] = req.ErasureCode
	metadata["client_pk"] = req.ClientPK
	event := &audit.Event{
		ActorID:      strconv.FormatUint(uint64(caller.UserID), 10),
		Action:       action,
		ResourceType: audit.ResourceErasureRequest,
		ResourceID:   strconv.FormatUint(uint64(req.ID), 10),
		Metadata:     metadata,
	}
	if err := audit.Append(ctx, audit.Bind(w.sink, tx), event); err != nil {
		monitoring.RecordBusinessEvent("audit_sink_failure", "erasure")
		return err
	}
	return nil
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

// RequiredPrograms returns the programs whose managers must approve: current
// enrollments, else historical ones, else one active program. It never
// returns an empty list.
func RequiredPrograms(db *gorm.DB, clientID uint) ([]uint, error) {
	var programs []uint
	if err := db.Model(&models.ClientProgramEnrollment{}).
		Where("client_file_id = ? AND status = ?", clientID, models.EnrollmentStatusEnrolled).
		Distinct().
		Order("program_id").
		Pluck("program_id", &programs).Error; err != nil {
		return nil, fmt.Errorf("failed to load enrollments: %w", err)
	}
	if len(programs) > 0 {
		return programs, nil
	}

	if err := db.Model(&models.ClientProgramEnrollment{}).
		Where("client_file_id = ?", clientID).
		Distinct().
		Order("program_id").
		Pluck("program_id", &programs).Error; err != nil {
		return nil, fmt.Errorf("failed to load enrollment history: %w", err)
	}
	if len(programs) > 0 {
		return programs, nil
	}

	if err := db.Model(&models.Program{}).
		Where("status = ?", models.ProgramStatusActive).
		Order("id").
		Limit(1).
		Pluck("id", &programs).Error; err != nil {
		return nil, fmt.Errorf("failed to load active programs: %w", err)
	}
	if len(programs) == 0 {
		return nil, &models.ConfigurationError{
			Component: "erasure",
			Detail:    "no active program exists to approve erasure requests",
		}
	}
	return programs, nil
}
