package merge

import (
	"fmt"
	"slices"

	"github.com/gov-dx-sandbox/case-engine/internal/matching"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/gorm"
)

// Violation codes
const (
	ViolationSameClient     = "same_client"
	ViolationAnonymised     = "already_anonymised"
	ViolationDemoMismatch   = "demo_mismatch"
	ViolationConfidential   = "confidential_enrollment"
	ViolationPendingErasure = "pending_erasure"
)

var sameClient = models.Violation{
	Code:    ViolationSameClient,
	Message: "a client cannot be merged with itself",
}

// ValidatePreconditions returns every rule the pair violates. An empty result
// means the merge may proceed.
func ValidatePreconditions(tx *gorm.DB, kept, archived *models.ClientFile) ([]models.Violation, error) {
	if kept.ID == archived.ID {
		return []models.Violation{sameClient}, nil
	}

	violations := []models.Violation{}
	pair := []*models.ClientFile{kept, archived}

	for _, c := range pair {
		if c.IsAnonymised {
			violations = append(violations, models.Violation{
				Code:    ViolationAnonymised,
				Message: fmt.Sprintf("client %s is already anonymised", c.RecordID),
			})
		}
	}

	if kept.IsDemo != archived.IsDemo {
		violations = append(violations, models.Violation{
			Code:    ViolationDemoMismatch,
			Message: "demo and real clients cannot be merged",
		})
	}

	ids := []uint{kept.ID, archived.ID}

	var confidential []uint
	if err := matching.ConfidentialClientIDs(tx).
		Where("client_program_enrollments.client_file_id IN ?", ids).
		Pluck("client_program_enrollments.client_file_id", &confidential).Error; err != nil {
		return nil, fmt.Errorf("failed to check confidential enrollments: %w", err)
	}

	var pending []uint
	if err := tx.Model(&models.ErasureRequest{}).
		Where("client_file_id IN ? AND status = ?", ids, models.ErasureStatusPending).
		Pluck("client_file_id", &pending).Error; err != nil {
		return nil, fmt.Errorf("failed to check pending erasure requests: %w", err)
	}

	for _, c := range pair {
		if slices.Contains(confidential, c.ID) {
			violations = append(violations, models.Violation{
				Code:    ViolationConfidential,
				Message: fmt.Sprintf("client %s has a current or past confidential program enrollment", c.RecordID),
			})
		}
	}
	for _, c := range pair {
		if slices.Contains(pending, c.ID) {
			violations = append(violations, models.Violation{
				Code:    ViolationPendingErasure,
				Message: fmt.Sprintf("client %s has a pending erasure request", c.RecordID),
			})
		}
	}
	return violations, nil
}
