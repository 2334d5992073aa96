package erasure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/gov-dx-sandbox/case-engine/internal/access"
	"github.com/gov-dx-sandbox/case-engine/internal/audit"
	"github.com/gov-dx-sandbox/case-engine/internal/database"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/monitoring"
	"gorm.io/gorm"
)

const approveKey = "erasure.approve"

// ApprovalResult is returned by RecordApproval
type ApprovalResult struct {
	Request     *models.ErasureRequest  `json:"request"`
	Approval    *models.ErasureApproval `json:"approval"`
	ViaDeadlock bool                    `json:"viaDeadlock"`
	Executed    bool                    `json:"executed"`
}

func notPending(operation string, req *models.ErasureRequest) error {
	return &models.InvalidStateTransitionError{
		Operation:    operation,
		CurrentState: string(req.Status),
		Detail:       "request is no longer pending",
	}
}

// RecordApproval signs off one required program. The request row is locked,
// every rule is re-checked against fresh state, and the erasure runs in the
// same transaction once the last required program approves.
func (w *Workflow) RecordApproval(ctx context.Context, caller models.Identity, requestID, programID uint) (*ApprovalResult, error) {
	var result *ApprovalResult
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Step 1: lock the request and re-check its state
		req, err := database.LockErasureRequest(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.ErasureStatusPending {
			return notPending("approve", req)
		}
		if !req.ProgramsRequired.Contains(programID) {
			return fmt.Errorf("%w: program %d is not required to approve request %s", models.ErrValidation, programID, req.ErasureCode)
		}

		// Step 2: eligibility, with the deadlock computed under the lock
		viaDeadlock, err := w.approverEligibility(ctx, tx, caller, req, programID)
		if err != nil {
			return err
		}

		// Step 3: the (request, program) unique index rejects a second approval
		approval := &models.ErasureApproval{
			ErasureRequestID: req.ID,
			ProgramID:        programID,
			ApprovedByID:     caller.UserID,
			ApprovedAt:       w.settings.Clock(),
			ViaDeadlock:      viaDeadlock,
		}
		if err := tx.Create(approval).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return &models.InvalidStateTransitionError{
					Operation:    "approve",
					CurrentState: string(req.Status),
					Detail:       fmt.Sprintf("program %d has already approved this request", programID),
				}
			}
			return fmt.Errorf("failed to record approval: %w", err)
		}

		// Step 4: audit
		if err := w.audit(ctx, tx, caller, audit.ActionErasureApproved, req, map[string]interface{}{
			"program_id":   programID,
			"via_deadlock": viaDeadlock,
		}); err != nil {
			return err
		}

		result = &ApprovalResult{Request: req, Approval: approval, ViaDeadlock: viaDeadlock}

		// Step 5: execute at quorum
		var approvals int64
		if err := tx.Model(&models.ErasureApproval{}).Where("erasure_request_id = ?", req.ID).Count(&approvals).Error; err != nil {
			return fmt.Errorf("failed to count approvals: %w", err)
		}
		if int(approvals) < len(req.ProgramsRequired) {
			return nil
		}
		if err := w.execute(ctx, tx, caller, req); err != nil {
			return err
		}
		result.Executed = true
		return nil
	})
	if err != nil {
		monitoring.RecordBusinessEvent("erasure_approval", "failure")
		return nil, err
	}

	outcome := "recorded"
	if result.Executed {
		outcome = "executed"
		monitoring.RecordBusinessEvent("erasure_executed", "success")
	}
	monitoring.RecordBusinessEvent("erasure_approval", outcome)
	slog.Info("Erasure approval recorded", "request_id", requestID, "program_id", programID,
		"via_deadlock", result.ViaDeadlock, "executed", result.Executed)
	return result, nil
}

// approverEligibility decides whether caller may approve for programID and
// reports whether the deadlock fallback was used. A requester may only approve
// their own request as an administrator while the request is deadlocked.
func (w *Workflow) approverEligibility(ctx context.Context, tx *gorm.DB, caller models.Identity, req *models.ErasureRequest, programID uint) (bool, error) {
	if req.ClientFileID != nil {
		blocked, err := access.IsBlocked(ctx, tx, caller.UserID, *req.ClientFileID)
		if err != nil || blocked {
			if err != nil {
				slog.Error("Client access block lookup failed, denying", "user_id", caller.UserID, "error", err)
			}
			return false, &models.AuthorizationDeniedError{Reason: models.DenyBlockedClient, Key: approveKey}
		}
	}

	deadlocked := func() (bool, error) {
		if !caller.IsAdmin {
			return false, nil
		}
		return isDeadlocked(ctx, tx, req)
	}

	if caller.UserID == req.RequestedByID {
		ok, err := deadlocked()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, &models.InvalidStateTransitionError{
				Operation:    "approve",
				CurrentState: string(req.Status),
				Detail:       "the requester cannot approve their own request unless it is deadlocked and they are an administrator",
			}
		}
		return true, nil
	}

	isManager, err := access.IsProgramManager(ctx, tx, caller.UserID, programID)
	if err != nil {
		return false, err
	}
	if isManager {
		return false, nil
	}

	ok, err := deadlocked()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, &models.AuthorizationDeniedError{
			Reason: models.DenyNoRole,
			Key:    approveKey,
			Detail: fmt.Sprintf("not a program manager of program %d", programID),
		}
	}
	return true, nil
}

// IsDeadlocked reports whether, for every required program still unapproved,
// the requester is the only active program manager. It reads current role
// assignments on every call.
func (w *Workflow) IsDeadlocked(ctx context.Context, requestID uint) (bool, error) {
	var req models.ErasureRequest
	if err := w.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("%w: erasure request %d", models.ErrNotFound, requestID)
		}
		return false, fmt.Errorf("failed to load erasure request %d: %w", requestID, err)
	}
	return isDeadlocked(ctx, w.db.WithContext(ctx), &req)
}

func isDeadlocked(ctx context.Context, db *gorm.DB, req *models.ErasureRequest) (bool, error) {
	if req.Status != models.ErasureStatusPending {
		return false, nil
	}
	remaining, err := unapprovedPrograms(db, req)
	if err != nil {
		return false, err
	}
	if len(remaining) == 0 {
		return false, nil
	}
	for _, programID := range remaining {
		managers, err := access.ProgramManagers(ctx, db, programID)
		if err != nil {
			return false, err
		}
		for _, m := range managers {
			if m != req.RequestedByID {
				return false, nil
			}
		}
	}
	return true, nil
}

func unapprovedPrograms(db *gorm.DB, req *models.ErasureRequest) ([]uint, error) {
	var approved []uint
	if err := db.Model(&models.ErasureApproval{}).
		Where("erasure_request_id = ?", req.ID).
		Pluck("program_id", &approved).Error; err != nil {
		return nil, fmt.Errorf("failed to load approvals: %w", err)
	}
	remaining := make([]uint, 0, len(req.ProgramsRequired))
	for _, p := range req.ProgramsRequired {
		if !slices.Contains(approved, p) {
			remaining = append(remaining, p)
		}
	}
	return remaining, nil
}

// canReview reports whether caller manages any required program, or is an
// administrator on a deadlocked request
func canReview(ctx context.Context, db *gorm.DB, caller models.Identity, req *models.ErasureRequest) (bool, error) {
	managed, err := access.ManagedProgramIDs(ctx, db, caller.UserID)
	if err != nil {
		return false, err
	}
	for _, p := range req.ProgramsRequired {
		if slices.Contains(managed, p) {
			return true, nil
		}
	}
	if !caller.IsAdmin {
		return false, nil
	}
	return isDeadlocked(ctx, db, req)
}

// Reject ends a pending request without touching client data
func (w *Workflow) Reject(ctx context.Context, caller models.Identity, requestID uint, reason string) (*models.ErasureRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a rejection reason is required", models.ErrValidation)
	}
	return w.finish(ctx, caller, requestID, "reject", func(tx *gorm.DB, req *models.ErasureRequest) (string, error) {
		ok, err := canReview(ctx, tx, caller, req)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", &models.AuthorizationDeniedError{Reason: models.DenyNoRole, Key: approveKey}
		}
		req.Status = models.ErasureStatusRejected
		req.RejectionReason = reason
		return audit.ActionErasureRejected, nil
	})
}

// Cancel withdraws a pending request. The requester or any eligible approver may cancel.
func (w *Workflow) Cancel(ctx context.Context, caller models.Identity, requestID uint) (*models.ErasureRequest, error) {
	return w.finish(ctx, caller, requestID, "cancel", func(tx *gorm.DB, req *models.ErasureRequest) (string, error) {
		if caller.UserID != req.RequestedByID {
			ok, err := canReview(ctx, tx, caller, req)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", &models.AuthorizationDeniedError{Reason: models.DenyNoRole, Key: approveKey}
			}
		}
		req.Status = models.ErasureStatusCancelled
		return audit.ActionErasureCancelled, nil
	})
}

// finish moves a pending request to a non-destructive terminal state
func (w *Workflow) finish(ctx context.Context, caller models.Identity, requestID uint, operation string,
	apply func(tx *gorm.DB, req *models.ErasureRequest) (string, error)) (*models.ErasureRequest, error) {
	var out *models.ErasureRequest
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := database.LockErasureRequest(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.ErasureStatusPending {
			return notPending(operation, req)
		}
		action, err := apply(tx, req)
		if err != nil {
			return err
		}

		now := w.settings.Clock()
		reviewer := caller.UserID
		req.ReviewedByID = &reviewer
		req.CompletedAt = &now
		if err := tx.Model(req).Updates(map[string]interface{}{
			"status":           req.Status,
			"rejection_reason": req.RejectionReason,
			"reviewed_by_id":   reviewer,
			"completed_at":     now,
		}).Error; err != nil {
			return fmt.Errorf("failed to %s erasure request: %w", operation, err)
		}
		if err := w.audit(ctx, tx, caller, action, req, nil); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	monitoring.RecordBusinessEvent("erasure_"+operation, "success")
	slog.Info("Erasure request closed", "request_id", out.ID, "status", out.Status)
	return out, nil
}

// ExecuteErasure runs a request whose approvals are complete but which is
// still pending. It refuses while any required program is unapproved.
func (w *Workflow) ExecuteErasure(ctx context.Context, caller models.Identity, requestID uint) (*models.ErasureRequest, error) {
	var out *models.ErasureRequest
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := database.LockErasureRequest(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.ErasureStatusPending {
			return notPending("execute", req)
		}
		remaining, err := unapprovedPrograms(tx, req)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			return &models.InvalidStateTransitionError{
				Operation:    "execute",
				CurrentState: string(req.Status),
				Detail:       fmt.Sprintf("%d of %d required approvals are missing", len(remaining), len(req.ProgramsRequired)),
			}
		}
		if !caller.IsAdmin {
			ok, err := canReview(ctx, tx, caller, req)
			if err != nil {
				return err
			}
			if !ok {
				return &models.AuthorizationDeniedError{Reason: models.DenyNoRole, Key: approveKey}
			}
		}
		if err := w.execute(ctx, tx, caller, req); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		monitoring.RecordBusinessEvent("erasure_executed", "failure")
		return nil, err
	}
	monitoring.RecordBusinessEvent("erasure_executed", "success")
	return out, nil
}

// PendingForApprover lists pending requests the user can still approve, and
// for administrators every deadlocked request
func (w *Workflow) PendingForApprover(ctx context.Context, caller models.Identity) ([]models.ErasureRequest, error) {
	db := w.db.WithContext(ctx)
	var pending []models.ErasureRequest
	if err := db.Where("status = ?", models.ErasureStatusPending).Order("id").Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending erasure requests: %w", err)
	}
	managed, err := access.ManagedProgramIDs(ctx, db, caller.UserID)
	if err != nil {
		return nil, err
	}

	out := make([]models.ErasureRequest, 0, len(pending))
	for i := range pending {
		req := &pending[i]
		remaining, err := unapprovedPrograms(db, req)
		if err != nil {
			return nil, err
		}
		if req.RequestedByID != caller.UserID && slices.ContainsFunc(remaining, func(p uint) bool {
			return slices.Contains(managed, p)
		}) {
			out = append(out, *req)
			continue
		}
		if caller.IsAdmin {
			deadlocked, err := isDeadlocked(ctx, db, req)
			if err != nil {
				return nil, err
			}
			if deadlocked {
				out = append(out, *req)
			}
		}
	}
	return out, nil
}
