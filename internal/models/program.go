package models

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Program status values
const (
	ProgramStatusActive   = "active"
	ProgramStatusArchived = "archived"
)

// UserProgramRole status values
const (
	RoleStatusActive  = "active"
	RoleStatusRemoved = "removed"
)

// User is a staff account. IsAdmin and IsDemo are read by the identity provider.
type User struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Username    string `gorm:"type:varchar(150);uniqueIndex;not null" json:"username"`
	DisplayName string `gorm:"type:varchar(255)" json:"displayName"`
	IsAdmin     bool   `gorm:"not null;default:false" json:"isAdmin"`
	IsDemo      bool   `gorm:"not null;default:false" json:"isDemo"`
	IsActive    bool   `gorm:"not null;default:true" json:"isActive"`
	BaseModel
}

func (User) TableName() string {
	return "users"
}

// Program is an organizational unit. IsConfidential is one-way.
type Program struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	Name           string `gorm:"type:varchar(255);not null" json:"name"`
	IsConfidential bool   `gorm:"not null;default:false" json:"isConfidential"`
	Status         string `gorm:"type:varchar(20);not null;default:active;index" json:"status"`
	BaseModel
}

func (Program) TableName() string {
	return "programs"
}

// BeforeUpdate rejects any update that would clear the confidential flag on a
// program that is currently confidential. A model without an ID is a
// Where-scoped update, so the statement's own conditions pick the rows.
func (p *Program) BeforeUpdate(tx *gorm.DB) error {
	if !writesConfidentialFalse(tx.Statement, p) {
		return nil
	}
	query := tx.Session(&gorm.Session{NewDB: true}).
		Model(&Program{}).
		Where("is_confidential = ?", true)
	if p.ID != 0 {
		query = query.Where("id = ?", p.ID)
	} else if c, ok := tx.Statement.Clauses["WHERE"]; ok {
		if where, ok := c.Expression.(clause.Where); ok && len(where.Exprs) > 0 {
			query = query.Clauses(clause.Where{Exprs: []clause.Expression{clause.And(where.Exprs...)}})
		}
	}

	var confidential int64
	if err := query.Count(&confidential).Error; err != nil {
		return fmt.Errorf("failed to check confidential programs: %w", err)
	}
	if confidential > 0 {
		return ErrConfidentialOneWay
	}
	return nil
}

// writesConfidentialFalse reports whether the update statement sets is_confidential to false
func writesConfidentialFalse(stmt *gorm.Statement, p *Program) bool {
	switch dest := stmt.Dest.(type) {
	case map[string]interface{}:
		for _, key := range []string{"is_confidential", "IsConfidential"} {
			if v, ok := dest[key]; ok {
				b, isBool := v.(bool)
				return isBool && !b
			}
		}
		return false
	case *Program:
		// Save writes every column, so a false flag on the model is written
		return dest == p && !p.IsConfidential
	}
	return false
}

// UserProgramRole assigns a user a role within one program
type UserProgramRole struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	UserID    uint   `gorm:"not null;index:idx_upr_user_program" json:"userId"`
	ProgramID uint   `gorm:"not null;index:idx_upr_user_program;index:idx_upr_program_role" json:"programId"`
	Role      Role   `gorm:"type:varchar(30);not null;index:idx_upr_program_role" json:"role"`
	Status    string `gorm:"type:varchar(20);not null;default:active" json:"status"`
	BaseModel
}

func (UserProgramRole) TableName() string {
	return "user_program_roles"
}
