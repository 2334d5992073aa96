package merge

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/gov-dx-sandbox/case-engine/internal/access"
	"github.com/gov-dx-sandbox/case-engine/internal/audit"
	"github.com/gov-dx-sandbox/case-engine/internal/config"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type failingSink struct{}

func (failingSink) Append(context.Context, *audit.Event) error { return errors.New("sink offline") }
func (failingSink) Name() string                               { return "failing" }

type mergeFixture struct {
	db      *gorm.DB
	seed    *testutil.Seeder
	engine  *Engine
	manager models.Identity
	program *models.Program
	since   time.Time
}

func newMergeFixture(t *testing.T, sink audit.Sink) *mergeFixture {
	db := testutil.SetupSQLiteTestDB(t)
	seed := testutil.NewSeeder(t, db)
	if sink == nil {
		sink = audit.NewDatabaseSink(db)
	}
	settings := config.DefaultSettings()
	settings.Now = func() time.Time { return fixedNow }

	f := &mergeFixture{
		db:      db,
		seed:    seed,
		engine:  NewEngine(db, access.NewChecker(db, nil), seed.Cipher, sink, settings),
		program: seed.Program("Housing", false),
		since:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	pm := seed.User("manager", false, false)
	seed.Assign(pm.ID, f.program.ID, models.RoleProgramManager)
	f.manager = seed.Identity(pm)
	return f
}

func (f *mergeFixture) client(pii testutil.ClientPII) *models.ClientFile {
	c := f.seed.Client(pii, false)
	f.seed.Enroll(c.ID, f.program.ID, models.EnrollmentStatusEnrolled, f.since)
	return c
}

func (f *mergeFixture) reload(t *testing.T, id uint) *models.ClientFile {
	t.Helper()
	var c models.ClientFile
	require.NoError(t, f.db.First(&c, id).Error)
	return &c
}

func (f *mergeFixture) count(t *testing.T, model interface{}, clientID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Where("client_file_id = ?", clientID).Count(&n).Error)
	return n
}

func TestExecute_TransfersRecordsAndAnonymisesArchived(t *testing.T) {
	f := newMergeFixture(t, nil)
	ctx := context.Background()
	kept := f.client(testutil.ClientPII{FirstName: "Jane", LastName: "Doe", Phone: "6135551234"})
	archived := f.client(testutil.ClientPII{FirstName: "Janet", LastName: "Doe", BirthDate: "1980-01-01", Phone: "6135559999"})

	note := f.seed.Note(archived.ID, "Met at drop-in")
	f.seed.Plan(archived.ID, note.ID)
	f.seed.Event(archived.ID, "Intake")
	f.seed.Alert(archived.ID, "Allergic to penicillin")
	f.seed.Submission(archived.ID, "Janet")
	other := f.seed.User("outreach", false, false)
	f.seed.Block(other.ID, archived.ID)

	result, err := f.engine.Execute(ctx, f.manager, Decision{
		KeptID:     kept.ID,
		ArchivedID: archived.ID,
		PIIChoices: map[string]models.ResolutionChoice{
			"first_name": models.ChoiceArchived,
			"birth_date": models.ChoiceArchived,
		},
	})
	require.NoError(t, err)
	assert.True(t, result.AuditLogged)
	assert.Equal(t, map[string]int64{
		"progress_notes":                1,
		"events":                        1,
		"alerts":                        1,
		"plan_sections":                 1,
		"plan_targets":                  1,
		"registration_submissions":      1,
		"erasure_requests":              0,
		"access_blocks":                 1,
		"enrollments":                   0,
		"enrollments_combined":          1,
		"custom_fields":                 0,
		"custom_fields_resolved":        0,
		"group_memberships":             0,
		"group_memberships_deactivated": 0,
	}, result.TransferSummary)

	survivor := f.reload(t, kept.ID)
	assert.Equal(t, "Janet", f.seed.Decrypt(survivor.FirstName))
	assert.Equal(t, "1980-01-01", f.seed.Decrypt(survivor.BirthDate))
	assert.Equal(t, "6135551234", f.seed.Decrypt(survivor.Phone), "unlisted differences keep the survivor's value")
	assert.Equal(t, "Doe", f.seed.Decrypt(survivor.LastName))

	loser := f.reload(t, archived.ID)
	assert.Equal(t, "MERGED-"+strconv.FormatUint(uint64(kept.ID), 10), loser.RecordID)
	assert.True(t, loser.IsAnonymised)
	assert.Equal(t, models.ClientStatusDischarged, loser.Status)
	assert.Empty(t, loser.FirstName)
	assert.Empty(t, loser.Phone)

	assert.Equal(t, int64(1), f.count(t, &models.ProgressNote{}, kept.ID))
	assert.Equal(t, int64(0), f.count(t, &models.ProgressNote{}, archived.ID))

	// The survivor inherits the archived client's safety blocks
	blocked, err := access.IsBlocked(ctx, f.db, other.ID, kept.ID)
	require.NoError(t, err)
	assert.True(t, blocked)

	var record models.ClientMerge
	require.NoError(t, f.db.First(&record, result.MergeID).Error)
	assert.Equal(t, kept.RecordID, record.KeptRecordID)
	assert.Equal(t, f.manager.UserID, record.MergedByID)
	assert.Equal(t, "archived", record.PIIChoices["first_name"])
	assert.Equal(t, "archived", record.PIIChoices["birth_date"])
	assert.Equal(t, "kept", record.PIIChoices["phone"])
	assert.NotContains(t, record.PIIChoices, "last_name")
}

func TestExecute_AuditEntryHoldsNoPII(t *testing.T) {
	f := newMergeFixture(t, nil)
	kept := f.client(testutil.ClientPII{FirstName: "Jane", Phone: "6135551234"})
	archived := f.client(testutil.ClientPII{FirstName: "Janet", Phone: "6135559999"})

	result, err := f.engine.Execute(context.Background(), f.manager, Decision{KeptID: kept.ID, ArchivedID: archived.ID})
	require.NoError(t, err)

	var logs []models.AuditLog
	require.NoError(t, f.db.Where("action = ?", audit.ActionMergeExecuted).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, strconv.FormatUint(uint64(kept.ID), 10), logs[0].ResourceID)
	assert.Contains(t, string(logs[0].Metadata), `"merge_id":`+strconv.FormatUint(uint64(result.MergeID), 10))
	for _, pii := range []string{"Jane", "Janet", "6135551234", "6135559999"} {
		assert.NotContains(t, string(logs[0].Metadata), pii)
	}
}

func TestExecute_Enrollments(t *testing.T) {
	f := newMergeFixture(t, nil)
	food := f.seed.Program("Food Bank", false)
	kept := f.client(testutil.ClientPII{FirstName: "Ana"})
	archived := f.seed.Client(testutil.ClientPII{FirstName: "Anna"}, false)
	earlier := f.since.AddDate(0, -6, 0)
	shared := f.seed.Enroll(archived.ID, f.program.ID, models.EnrollmentStatusEnrolled, earlier)
	f.seed.Enroll(archived.ID, food.ID, models.EnrollmentStatusEnrolled, f.since)
	f.seed.Enroll(archived.ID, food.ID, models.EnrollmentStatusUnenrolled, earlier)

	result, err := f.engine.Execute(context.Background(), f.manager, Decision{KeptID: kept.ID, ArchivedID: archived.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TransferSummary["enrollments"])
	assert.Equal(t, int64(1), result.TransferSummary["enrollments_combined"])

	var keptHousing models.ClientProgramEnrollment
	require.NoError(t, f.db.Where("client_file_id = ? AND program_id = ?", kept.ID, f.program.ID).First(&keptHousing).Error)
	assert.True(t, keptHousing.EnrolledAt.Equal(earlier), "the earliest enrollment date survives")
	assert.Equal(t, models.EnrollmentStatusEnrolled, keptHousing.Status)

	var closed models.ClientProgramEnrollment
	require.NoError(t, f.db.First(&closed, shared.ID).Error)
	assert.Equal(t, archived.ID, closed.ClientFileID, "the duplicate enrollment is closed, not deleted or moved")
	assert.Equal(t, models.EnrollmentStatusUnenrolled, closed.Status)
	require.NotNil(t, closed.UnenrolledAt)
	assert.True(t, closed.UnenrolledAt.Equal(fixedNow))

	var foodRows int64
	require.NoError(t, f.db.Model(&models.ClientProgramEnrollment{}).
		Where("client_file_id = ? AND program_id = ?", kept.ID, food.ID).Count(&foodRows).Error)
	assert.Equal(t, int64(2), foodRows)
}

func TestExecute_CustomFields(t *testing.T) {
	f := newMergeFixture(t, nil)
	pronouns := f.seed.CustomField("Pronouns", false)
	healthCard := f.seed.CustomField("Health card", true)
	diet := f.seed.CustomField("Dietary needs", false)
	language := f.seed.CustomField("Language", false)

	kept := f.client(testutil.ClientPII{FirstName: "Kim"})
	archived := f.client(testutil.ClientPII{FirstName: "Kimberly"})
	f.seed.DetailValue(kept.ID, pronouns, "she/her")
	f.seed.DetailValue(archived.ID, pronouns, "they/them")
	f.seed.DetailValue(kept.ID, healthCard, "HC-111")
	f.seed.DetailValue(archived.ID, healthCard, "HC-222")
	f.seed.DetailValue(kept.ID, diet, "vegetarian")
	f.seed.DetailValue(archived.ID, diet, "vegetarian")
	f.seed.DetailValue(archived.ID, language, "French")

	result, err := f.engine.Execute(context.Background(), f.manager, Decision{
		KeptID:           kept.ID,
		ArchivedID:       archived.ID,
		FieldResolutions: map[uint]models.ResolutionChoice{pronouns.ID: models.ChoiceArchived},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.TransferSummary["custom_fields"])
	assert.Equal(t, int64(2), result.TransferSummary["custom_fields_resolved"])

	values, err := loadDetailValues(f.db, kept.ID)
	require.NoError(t, err)
	require.Len(t, values, 4)
	assert.Equal(t, "they/them", values[pronouns.ID].Value)
	assert.Equal(t, "HC-111", f.seed.Decrypt(values[healthCard.ID].ValueEncrypted))
	assert.Empty(t, values[healthCard.ID].Value, "sensitive values stay encrypted")
	assert.Equal(t, "vegetarian", values[diet.ID].Value)
	assert.Equal(t, "French", values[language.ID].Value)
	assert.Equal(t, int64(0), f.count(t, &models.ClientDetailValue{}, archived.ID))

	var record models.ClientMerge
	require.NoError(t, f.db.First(&record, result.MergeID).Error)
	assert.Equal(t, "archived", record.FieldConflictResolutions[strconv.FormatUint(uint64(pronouns.ID), 10)])
	assert.Equal(t, "kept", record.FieldConflictResolutions[strconv.FormatUint(uint64(healthCard.ID), 10)])
	assert.NotContains(t, record.FieldConflictResolutions, strconv.FormatUint(uint64(diet.ID), 10))
}

func TestExecute_GroupMemberships(t *testing.T) {
	f := newMergeFixture(t, nil)
	shared := f.seed.Group("Cooking")
	solo := f.seed.Group("Art")
	kept := f.client(testutil.ClientPII{FirstName: "Lee"})
	archived := f.client(testutil.ClientPII{FirstName: "Leigh"})
	f.seed.Membership(shared.ID, kept.ID, models.MembershipStatusActive)
	duplicate := f.seed.Membership(shared.ID, archived.ID, models.MembershipStatusActive)
	f.seed.Membership(solo.ID, archived.ID, models.MembershipStatusActive)

	result, err := f.engine.Execute(context.Background(), f.manager, Decision{KeptID: kept.ID, ArchivedID: archived.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TransferSummary["group_memberships"])
	assert.Equal(t, int64(1), result.TransferSummary["group_memberships_deactivated"])

	var active int64
	require.NoError(t, f.db.Model(&models.GroupMembership{}).
		Where("client_file_id = ? AND status = ?", kept.ID, models.MembershipStatusActive).
		Count(&active).Error)
	assert.Equal(t, int64(2), active, "one active row per group")

	var closed models.GroupMembership
	require.NoError(t, f.db.First(&closed, duplicate.ID).Error)
	assert.Equal(t, models.MembershipStatusInactive, closed.Status)
	assert.Equal(t, kept.ID, closed.ClientFileID)
}

func TestExecute_ListsEveryViolation(t *testing.T) {
	f := newMergeFixture(t, nil)
	secret := f.seed.Program("Shelter", true)
	kept := f.client(testutil.ClientPII{FirstName: "Mo"})
	archived := f.seed.Client(testutil.ClientPII{FirstName: "Moe"}, true)
	f.seed.Enroll(archived.ID, f.program.ID, models.EnrollmentStatusEnrolled, f.since)
	f.seed.Enroll(archived.ID, secret.ID, models.EnrollmentStatusUnenrolled, f.since)
	keptID := kept.ID
	require.NoError(t, f.db.Create(&models.ErasureRequest{
		ClientFileID:     &keptID,
		ClientPK:         kept.ID,
		RecordID:         kept.RecordID,
		ErasureTier:      models.TierAnonymise,
		ProgramsRequired: models.ProgramIDs{f.program.ID},
		Reason:           "client request",
		Status:           models.ErasureStatusPending,
		RequestedByID:    f.manager.UserID,
	}).Error)

	_, err := f.engine.Execute(context.Background(), f.manager, Decision{KeptID: kept.ID, ArchivedID: archived.ID})
	var violations *models.PreconditionViolationError
	require.ErrorAs(t, err, &violations)
	codes := make([]string, 0, len(violations.Violations))
	for _, v := range violations.Violations {
		codes = append(codes, v.Code)
	}
	assert.Equal(t, []string{ViolationDemoMismatch, ViolationConfidential, ViolationPendingErasure}, codes)

	unchanged := f.reload(t, archived.ID)
	assert.Equal(t, archived.RecordID, unchanged.RecordID)
	assert.False(t, unchanged.IsAnonymised)

	var merges int64
	require.NoError(t, f.db.Model(&models.ClientMerge{}).Count(&merges).Error)
	assert.Zero(t, merges)
}

func TestExecute_SameClient(t *testing.T) {
	f := newMergeFixture(t, nil)
	c := f.client(testutil.ClientPII{FirstName: "Solo"})

	_, err := f.engine.Execute(context.Background(), f.manager, Decision{KeptID: c.ID, ArchivedID: c.ID})
	var violations *models.PreconditionViolationError
	require.ErrorAs(t, err, &violations)
	require.Len(t, violations.Violations, 1)
	assert.Equal(t, ViolationSameClient, violations.Violations[0].Code)
}

func TestExecute_RollsBackOnFailure(t *testing.T) {
	f := newMergeFixture(t, nil)
	kept := f.client(testutil.ClientPII{FirstName: "Ruth"})
	archived := f.client(testutil.ClientPII{FirstName: "Ruthie"})
	f.seed.Note(archived.ID, "First visit")
	f.seed.Membership(f.seed.Group("Walking").ID, archived.ID, models.MembershipStatusActive)

	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_memberships", func(tx *gorm.DB) {
		if tx.Statement.Table == "group_memberships" {
			_ = tx.AddError(errors.New("injected failure"))
		}
	}))

	_, err := f.engine.Execute(context.Background(), f.manager, Decision{
		KeptID:     kept.ID,
		ArchivedID: archived.ID,
		PIIChoices: map[string]models.ResolutionChoice{"first_name": models.ChoiceArchived},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected failure")

	assert.Equal(t, "Ruth", f.seed.Decrypt(f.reload(t, kept.ID).FirstName))
	assert.Equal(t, int64(1), f.count(t, &models.ProgressNote{}, archived.ID))
	assert.Equal(t, int64(0), f.count(t, &models.ProgressNote{}, kept.ID))
	loser := f.reload(t, archived.ID)
	assert.False(t, loser.IsAnonymised)
	assert.Equal(t, archived.RecordID, loser.RecordID)

	var merges int64
	require.NoError(t, f.db.Model(&models.ClientMerge{}).Count(&merges).Error)
	assert.Zero(t, merges)
}

func TestExecute_AuditFailureStillCommits(t *testing.T) {
	f := newMergeFixture(t, failingSink{})
	kept := f.client(testutil.ClientPII{FirstName: "Sam"})
	archived := f.client(testutil.ClientPII{FirstName: "Samuel"})

	result, err := f.engine.Execute(context.Background(), f.manager, Decision{KeptID: kept.ID, ArchivedID: archived.ID})
	require.NoError(t, err)
	assert.False(t, result.AuditLogged)
	assert.True(t, f.reload(t, archived.ID).IsAnonymised)

	var merges int64
	require.NoError(t, f.db.Model(&models.ClientMerge{}).Count(&merges).Error)
	assert.Equal(t, int64(1), merges)
}

func TestExecute_Unauthorized(t *testing.T) {
	f := newMergeFixture(t, nil)
	staff := f.seed.User("worker", false, false)
	f.seed.Assign(staff.ID, f.program.ID, models.RoleStaff)
	kept := f.client(testutil.ClientPII{FirstName: "Tia"})
	archived := f.client(testutil.ClientPII{FirstName: "Tina"})

	_, err := f.engine.Execute(context.Background(), f.seed.Identity(staff), Decision{KeptID: kept.ID, ArchivedID: archived.ID})
	var denied *models.AuthorizationDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, models.DenyExplicit, denied.Reason)
	assert.False(t, f.reload(t, archived.ID).IsAnonymised)
}

func TestExecute_ClientsWithoutCurrentEnrollment(t *testing.T) {
	f := newMergeFixture(t, nil)
	ctx := context.Background()
	intake := f.seed.Client(testutil.ClientPII{FirstName: "Ari", Phone: "6135550101"}, false)
	discharged := f.seed.Client(testutil.ClientPII{FirstName: "Ari", Phone: "6135550101"}, false)
	f.seed.Enroll(discharged.ID, f.program.ID, models.EnrollmentStatusUnenrolled, f.since)

	cmp, err := f.engine.BuildComparison(ctx, f.manager, intake.ID, discharged.ID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Violations)

	result, err := f.engine.Execute(ctx, f.manager, Decision{KeptID: intake.ID, ArchivedID: discharged.ID})
	require.NoError(t, err)
	assert.Equal(t, intake.ID, result.KeptID)
	assert.True(t, f.reload(t, discharged.ID).IsAnonymised)

	// Staff still lack client.merge wherever the role comes from
	staff := f.seed.User("worker", false, false)
	f.seed.Assign(staff.ID, f.program.ID, models.RoleStaff)
	other := f.seed.Client(testutil.ClientPII{FirstName: "Ari"}, false)
	_, err = f.engine.Execute(ctx, f.seed.Identity(staff), Decision{KeptID: intake.ID, ArchivedID: other.ID})
	var denied *models.AuthorizationDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, models.DenyExplicit, denied.Reason)
}

func TestDecisionValidate(t *testing.T) {
	tests := []struct {
		name    string
		d       Decision
		wantErr bool
	}{
		{"valid", Decision{KeptID: 1, ArchivedID: 2, PIIChoices: map[string]models.ResolutionChoice{"phone": models.ChoiceArchived}}, false},
		{"missing id", Decision{KeptID: 1}, true},
		{"unknown field", Decision{KeptID: 1, ArchivedID: 2, PIIChoices: map[string]models.ResolutionChoice{"email": models.ChoiceKept}}, true},
		{"bad pii choice", Decision{KeptID: 1, ArchivedID: 2, PIIChoices: map[string]models.ResolutionChoice{"phone": "both"}}, true},
		{"bad field choice", Decision{KeptID: 1, ArchivedID: 2, FieldResolutions: map[uint]models.ResolutionChoice{7: ""}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckNoPII(t *testing.T) {
	clean := &models.ClientMerge{
		PIIChoices:      map[string]interface{}{"first_name": "archived"},
		TransferSummary: map[string]interface{}{"events": int64(2)},
	}
	assert.NoError(t, checkNoPII(clean, []string{"Jane"}))

	leaked := &models.ClientMerge{
		TransferSummary: map[string]interface{}{"detail": map[string]interface{}{"value": "Jane"}},
	}
	assert.Error(t, checkNoPII(leaked, []string{"Jane"}))

	// A middle name that happens to read "archived" is not a leak of the choice map
	assert.NoError(t, checkNoPII(clean, []string{"Jane", "archived", "kept"}))
}

func TestExecute_PIIValueMatchingChoiceToken(t *testing.T) {
	f := newMergeFixture(t, nil)
	kept := f.client(testutil.ClientPII{FirstName: "Kept", LastName: "Doe", Phone: "6135551234"})
	archived := f.client(testutil.ClientPII{FirstName: "Archived", MiddleName: "kept", Phone: "6135559999"})

	result, err := f.engine.Execute(context.Background(), f.manager, Decision{
		KeptID:     kept.ID,
		ArchivedID: archived.ID,
		PIIChoices: map[string]models.ResolutionChoice{"middle_name": models.ChoiceArchived},
	})
	require.NoError(t, err)
	assert.Equal(t, "kept", f.seed.Decrypt(f.reload(t, result.KeptID).MiddleName))
}

func TestBuildComparison(t *testing.T) {
	f := newMergeFixture(t, nil)
	food := f.seed.Program("Food Bank", false)
	pronouns := f.seed.CustomField("Pronouns", false)
	kept := f.client(testutil.ClientPII{FirstName: "Uma", Phone: "6135551111"})
	archived := f.client(testutil.ClientPII{FirstName: "Uma", Phone: "6135552222"})
	f.seed.Enroll(archived.ID, food.ID, models.EnrollmentStatusEnrolled, f.since)
	f.seed.DetailValue(kept.ID, pronouns, "she/her")
	f.seed.DetailValue(archived.ID, pronouns, "they/them")
	f.seed.Event(archived.ID, "Intake")

	cmp, err := f.engine.BuildComparison(context.Background(), f.manager, kept.ID, archived.ID)
	require.NoError(t, err)

	byField := map[string]FieldComparison{}
	for _, fc := range cmp.Fields {
		byField[fc.Field] = fc
	}
	require.Len(t, byField, len(PIIFields))
	assert.False(t, byField["first_name"].Differs)
	assert.True(t, byField["phone"].Differs)
	assert.Equal(t, "6135552222", byField["phone"].ArchivedValue)

	require.Len(t, cmp.CustomFieldConflicts, 1)
	assert.Equal(t, CustomFieldConflict{FieldDefID: pronouns.ID, FieldName: "Pronouns", KeptValue: "she/her", ArchivedValue: "they/them"}, cmp.CustomFieldConflicts[0])
	assert.Equal(t, []uint{f.program.ID, food.ID}, cmp.ProgramsAfterMerge)
	assert.Equal(t, int64(1), cmp.ArchivedCounts["events"])
	assert.Equal(t, int64(2), cmp.ArchivedCounts["enrollments"])
	assert.Equal(t, int64(1), cmp.KeptCounts["enrollments"])
	assert.Empty(t, cmp.Violations)

	// Building the comparison changes nothing
	assert.False(t, f.reload(t, archived.ID).IsAnonymised)
	assert.Equal(t, int64(1), f.count(t, &models.Event{}, archived.ID))
}
