package access

import (
	"context"
	"fmt"
	"slices"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/gorm"
)

// activeRoles returns the scoped query for a user's active role assignments
func activeRoles(ctx context.Context, db *gorm.DB, userID uint) *gorm.DB {
	return db.WithContext(ctx).
		Model(&models.UserProgramRole{}).
		Joins("JOIN users ON users.id = user_program_roles.user_id").
		Where("user_program_roles.user_id = ?", userID).
		Where("user_program_roles.status = ?", models.RoleStatusActive).
		Where("users.is_active = ?", true)
}

// ResolveRoleForProgram returns the user's active role in exactly this program,
// or nil when there is none. It never falls back to another program.
func ResolveRoleForProgram(ctx context.Context, db *gorm.DB, userID, programID uint) (*models.Role, error) {
	var roles []models.Role
	err := activeRoles(ctx, db, userID).
		Where("user_program_roles.program_id = ?", programID).
		Pluck("user_program_roles.role", &roles).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve role for program %d: %w", programID, err)
	}
	return highest(roles, nil), nil
}

// ResolveHighestRole returns the user's highest-ranked active role across all
// programs, ignoring any role in excluding. Only global checks use this.
func ResolveHighestRole(ctx context.Context, db *gorm.DB, userID uint, excluding ...models.Role) (*models.Role, error) {
	var roles []models.Role
	if err := activeRoles(ctx, db, userID).Pluck("user_program_roles.role", &roles).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve highest role: %w", err)
	}
	return highest(roles, excluding), nil
}

// ResolveRoleForClient returns the user's highest active role among the
// programs the client is currently enrolled in. A client with no current
// enrollment (an intake duplicate, a discharged client) has no program to
// scope by, so the user's highest role applies instead.
func ResolveRoleForClient(ctx context.Context, db *gorm.DB, userID, clientID uint) (*models.Role, error) {
	var enrolled int64
	err := db.WithContext(ctx).
		Model(&models.ClientProgramEnrollment{}).
		Where("client_file_id = ? AND status = ?", clientID, models.EnrollmentStatusEnrolled).
		Count(&enrolled).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count enrollments for client %d: %w", clientID, err)
	}
	if enrolled == 0 {
		return ResolveHighestRole(ctx, db, userID)
	}

	var roles []models.Role
	err = activeRoles(ctx, db, userID).
		Where("user_program_roles.program_id IN (?)",
			db.Model(&models.ClientProgramEnrollment{}).
				Select("program_id").
				Where("client_file_id = ? AND status = ?", clientID, models.EnrollmentStatusEnrolled)).
		Pluck("user_program_roles.role", &roles).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve role for client %d: %w", clientID, err)
	}
	return highest(roles, nil), nil
}

// HasClientDataRole reports whether the user holds any role that grants
// client data, which excludes executive
func HasClientDataRole(ctx context.Context, db *gorm.DB, userID uint) (bool, error) {
	role, err := ResolveHighestRole(ctx, db, userID, models.RoleExecutive)
	if err != nil {
		return false, err
	}
	return role != nil, nil
}

// IsProgramManager reports whether the user is an active program manager in programID
func IsProgramManager(ctx context.Context, db *gorm.DB, userID, programID uint) (bool, error) {
	var count int64
	err := activeRoles(ctx, db, userID).
		Where("user_program_roles.program_id = ?", programID).
		Where("user_program_roles.role = ?", models.RoleProgramManager).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check program manager role: %w", err)
	}
	return count > 0, nil
}

// ProgramManagers returns the IDs of every active program manager in programID
func ProgramManagers(ctx context.Context, db *gorm.DB, programID uint) ([]uint, error) {
	var userIDs []uint
	err := db.WithContext(ctx).
		Model(&models.UserProgramRole{}).
		Joins("JOIN users ON users.id = user_program_roles.user_id").
		Where("user_program_roles.program_id = ?", programID).
		Where("user_program_roles.role = ?", models.RoleProgramManager).
		Where("user_program_roles.status = ?", models.RoleStatusActive).
		Where("users.is_active = ?", true).
		Distinct().
		Pluck("user_program_roles.user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list program managers for program %d: %w", programID, err)
	}
	return userIDs, nil
}

// ManagedProgramIDs returns every program in which the user is an active program manager
func ManagedProgramIDs(ctx context.Context, db *gorm.DB, userID uint) ([]uint, error) {
	var programIDs []uint
	err := activeRoles(ctx, db, userID).
		Where("user_program_roles.role = ?", models.RoleProgramManager).
		Distinct().
		Order("user_program_roles.program_id").
		Pluck("user_program_roles.program_id", &programIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list managed programs: %w", err)
	}
	return programIDs, nil
}

func highest(roles []models.Role, excluding []models.Role) *models.Role {
	var best *models.Role
	for i := range roles {
		role := roles[i]
		if !role.IsValid() || slices.Contains(excluding, role) {
			continue
		}
		if best == nil || role.Rank() > best.Rank() {
			best = &role
		}
	}
	return best
}
