package database

import (
	"errors"
	"fmt"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const pgUniqueViolation = "23505"

// ForUpdate adds SELECT ... FOR UPDATE to a query. The SQLite dialect drops
// the clause; there the single connection already serialises writers.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// LockClientPair locks two client rows in ascending primary-key order and
// returns them in the order they were requested
func LockClientPair(tx *gorm.DB, firstID, secondID uint) (*models.ClientFile, *models.ClientFile, error) {
	if firstID == secondID {
		return nil, nil, fmt.Errorf("%w: cannot lock the same client twice", models.ErrValidation)
	}
	lowID, highID := firstID, secondID
	if highID < lowID {
		lowID, highID = highID, lowID
	}

	locked := make(map[uint]*models.ClientFile, 2)
	for _, id := range []uint{lowID, highID} {
		var client models.ClientFile
		if err := ForUpdate(tx).Where("id = ?", id).First(&client).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil, fmt.Errorf("%w: client %d", models.ErrNotFound, id)
			}
			return nil, nil, fmt.Errorf("failed to lock client %d: %w", id, err)
		}
		locked[id] = &client
	}
	return locked[firstID], locked[secondID], nil
}

// LockErasureRequest loads an erasure request with its row locked
func LockErasureRequest(tx *gorm.DB, requestID uint) (*models.ErasureRequest, error) {
	var req models.ErasureRequest
	if err := ForUpdate(tx).Where("id = ?", requestID).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: erasure request %d", models.ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to lock erasure request %d: %w", requestID, err)
	}
	return &req, nil
}

// IsUniqueViolation reports whether err came from a unique constraint
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
