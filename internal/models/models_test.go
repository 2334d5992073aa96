package models_test

import (
	"testing"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgram_ConfidentialIsOneWay(t *testing.T) {
	db := testutil.SetupSQLiteTestDB(t)
	seed := testutil.NewSeeder(t, db)

	t.Run("non-confidential can become confidential", func(t *testing.T) {
		p := seed.Program("Food Bank", false)
		require.NoError(t, db.Model(p).Update("is_confidential", true).Error)

		var reloaded models.Program
		require.NoError(t, db.First(&reloaded, p.ID).Error)
		assert.True(t, reloaded.IsConfidential)
	})

	t.Run("confidential cannot be cleared with Update", func(t *testing.T) {
		p := seed.Program("Shelter", true)
		err := db.Model(p).Update("is_confidential", false).Error
		assert.ErrorIs(t, err, models.ErrConfidentialOneWay)

		var reloaded models.Program
		require.NoError(t, db.First(&reloaded, p.ID).Error)
		assert.True(t, reloaded.IsConfidential)
	})

	t.Run("confidential cannot be cleared with Save", func(t *testing.T) {
		p := seed.Program("Counselling", true)
		p.IsConfidential = false
		assert.ErrorIs(t, db.Save(p).Error, models.ErrConfidentialOneWay)
	})

	t.Run("confidential cannot be cleared with a scoped Update", func(t *testing.T) {
		p := seed.Program("Youth Shelter", true)
		err := db.Model(&models.Program{}).Where("id = ?", p.ID).Update("is_confidential", false).Error
		assert.ErrorIs(t, err, models.ErrConfidentialOneWay)

		err = db.Model(&models.Program{}).Where("id = ?", p.ID).
			Updates(map[string]interface{}{"is_confidential": false, "name": "Renamed"}).Error
		assert.ErrorIs(t, err, models.ErrConfidentialOneWay)

		var reloaded models.Program
		require.NoError(t, db.First(&reloaded, p.ID).Error)
		assert.True(t, reloaded.IsConfidential)
		assert.Equal(t, "Youth Shelter", reloaded.Name)
	})

	t.Run("scoped Update over open programs only is allowed", func(t *testing.T) {
		p := seed.Program("Drop-in", false)
		require.NoError(t, db.Model(&models.Program{}).Where("id = ?", p.ID).Update("is_confidential", false).Error)
	})

	t.Run("other columns stay editable", func(t *testing.T) {
		p := seed.Program("Outreach", true)
		require.NoError(t, db.Model(p).Update("name", "Street Outreach").Error)
	})
}

func TestClientMerge_Immutable(t *testing.T) {
	db := testutil.SetupSQLiteTestDB(t)
	merge := &models.ClientMerge{KeptClientPK: 1, ArchivedClientPK: 2, KeptRecordID: "CL-0001", MergedByID: 1}
	require.NoError(t, db.Create(merge).Error)

	assert.ErrorIs(t, db.Model(merge).Update("kept_record_id", "CL-9999").Error, models.ErrMergeImmutable)
	assert.ErrorIs(t, db.Delete(merge).Error, models.ErrMergeImmutable)

	var count int64
	require.NoError(t, db.Model(&models.ClientMerge{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestProgramIDs(t *testing.T) {
	db := testutil.SetupSQLiteTestDB(t)
	req := &models.ErasureRequest{
		ClientPK:         5,
		ErasureTier:      models.TierAnonymise,
		ProgramsRequired: models.ProgramIDs{10, 20},
		Reason:           "client request",
		Status:           models.ErasureStatusPending,
		RequestedByID:    1,
	}
	require.NoError(t, db.Create(req).Error)

	var reloaded models.ErasureRequest
	require.NoError(t, db.First(&reloaded, req.ID).Error)
	assert.Equal(t, models.ProgramIDs{10, 20}, reloaded.ProgramsRequired)
	assert.True(t, reloaded.ProgramsRequired.Contains(20))
	assert.False(t, reloaded.ProgramsRequired.Contains(30))

	var empty models.ProgramIDs
	require.NoError(t, empty.Scan(nil))
	assert.Empty(t, empty)
	assert.Error(t, empty.Scan(42))
}

func TestErasureStatus(t *testing.T) {
	assert.Equal(t, models.ErasureStatusApproved, models.CompletedStatusFor(models.TierFullErasure))
	assert.Equal(t, models.ErasureStatusAnonymised, models.CompletedStatusFor(models.TierAnonymise))
	assert.Equal(t, models.ErasureStatusAnonymised, models.CompletedStatusFor(models.TierAnonymisePurge))
	assert.False(t, models.ErasureStatusPending.IsTerminal())
	assert.True(t, models.ErasureStatusCancelled.IsTerminal())
	assert.False(t, models.ErasureTier("shred").IsValid())
}

func TestErrorMessages(t *testing.T) {
	t.Run("blocked and unresolvable share a generic message", func(t *testing.T) {
		blocked := &models.AuthorizationDeniedError{Reason: models.DenyBlockedClient, Key: "client.view_name"}
		unresolvable := &models.AuthorizationDeniedError{Reason: models.DenyUnresolvableLevel, Key: "client.view_name"}
		assert.Equal(t, blocked.UserMessage(), unresolvable.UserMessage())
		assert.NotContains(t, blocked.UserMessage(), "block")
	})

	t.Run("configuration error lists missing keys per role", func(t *testing.T) {
		err := &models.ConfigurationError{
			Component: "permissions",
			Detail:    "matrix is not total",
			MissingKeys: map[models.Role][]string{
				models.RoleStaff:     {"note.view"},
				models.RoleExecutive: {"audit.view", "note.view"},
			},
		}
		assert.Equal(t,
			"configuration error in permissions: matrix is not total: executive missing [audit.view, note.view]; staff missing [note.view]",
			err.Error())
	})

	t.Run("state transition", func(t *testing.T) {
		err := &models.InvalidStateTransitionError{Operation: "approve", CurrentState: "rejected", Detail: "request is no longer pending"}
		assert.Equal(t, "cannot approve: request is no longer pending (current state: rejected)", err.Error())
	})
}
