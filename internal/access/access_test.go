package access

import (
	"context"
	"testing"
	"time"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/permissions"
	"github.com/gov-dx-sandbox/case-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	seed     *testutil.Seeder
	checker  *Checker
	user     models.Identity
	housing  *models.Program
	shelter  *models.Program
	other    *models.Program
	client   *models.ClientFile
	enrolled time.Time
}

// newFixture: user is staff in housing and program manager in shelter; the
// client is enrolled in housing only
func newFixture(t *testing.T) *fixture {
	db := testutil.SetupSQLiteTestDB(t)
	seed := testutil.NewSeeder(t, db)
	f := &fixture{seed: seed, checker: NewChecker(db, nil), enrolled: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}

	u := seed.User("casey", false, false)
	f.user = seed.Identity(u)
	f.housing = seed.Program("Housing", false)
	f.shelter = seed.Program("Shelter", true)
	f.other = seed.Program("Food Bank", false)
	seed.Assign(u.ID, f.housing.ID, models.RoleStaff)
	seed.Assign(u.ID, f.shelter.ID, models.RoleProgramManager)

	f.client = seed.Client(testutil.ClientPII{FirstName: "Jane", LastName: "Doe"}, false)
	seed.Enroll(f.client.ID, f.housing.ID, models.EnrollmentStatusEnrolled, f.enrolled)
	return f
}

func mustRequest(t *testing.T, key permissions.Key, opts ...Option) Request {
	req, err := NewRequest(key, opts...)
	require.NoError(t, err)
	return req
}

func TestNewRequest_BypassWithClientIsUnconstructible(t *testing.T) {
	_, err := NewRequest(permissions.ClientViewName, WithAdminBypass(), WithClient(1))
	assert.ErrorIs(t, err, ErrBypassWithClient)

	req, err := NewRequest(permissions.AuditView, WithAdminBypass(), WithProgram(2))
	require.NoError(t, err)
	assert.Equal(t, permissions.AuditView, req.Key())
	assert.Equal(t, uint(2), *req.ProgramID())
	assert.Nil(t, req.ClientID())
}

func TestCheck_RoleResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("program scope uses that program's role", func(t *testing.T) {
		d := f.checker.Check(ctx, f.user, mustRequest(t, permissions.ClientMerge, WithProgram(f.housing.ID)))
		assert.False(t, d.Allowed)
		assert.Equal(t, models.DenyExplicit, d.Reason)
		require.NotNil(t, d.Role)
		assert.Equal(t, models.RoleStaff, *d.Role)

		d = f.checker.Check(ctx, f.user, mustRequest(t, permissions.ClientMerge, WithProgram(f.shelter.ID)))
		assert.True(t, d.Allowed)
		assert.Equal(t, models.RoleProgramManager, *d.Role)
	})

	t.Run("program scope never falls back to another program", func(t *testing.T) {
		d := f.checker.Check(ctx, f.user, mustRequest(t, permissions.ClientViewName, WithProgram(f.other.ID)))
		assert.False(t, d.Allowed)
		assert.Equal(t, models.DenyNoRole, d.Reason)
		assert.Nil(t, d.Role)
	})

	t.Run("client scope uses roles in the client's programs", func(t *testing.T) {
		d := f.checker.Check(ctx, f.user, mustRequest(t, permissions.ClientMerge, WithClient(f.client.ID)))
		assert.False(t, d.Allowed)
		assert.Equal(t, models.DenyExplicit, d.Reason)
		assert.Equal(t, models.RoleStaff, *d.Role)

		d = f.checker.Check(ctx, f.user, mustRequest(t, permissions.NoteView, WithClient(f.client.ID)))
		assert.True(t, d.Allowed)
		assert.Equal(t, permissions.Scoped, d.Level)
	})

	t.Run("client without current enrollment uses the highest role", func(t *testing.T) {
		intake := f.seed.Client(testutil.ClientPII{FirstName: "Jane", LastName: "Doe"}, false)
		discharged := f.seed.Client(testutil.ClientPII{FirstName: "Jo", LastName: "Roe"}, false)
		f.seed.Enroll(discharged.ID, f.other.ID, models.EnrollmentStatusUnenrolled, f.enrolled)

		for _, c := range []*models.ClientFile{intake, discharged} {
			d := f.checker.Check(ctx, f.user, mustRequest(t, permissions.ClientMerge, WithClient(c.ID)))
			assert.True(t, d.Allowed)
			require.NotNil(t, d.Role)
			assert.Equal(t, models.RoleProgramManager, *d.Role)
		}
	})

	t.Run("enrolled client never falls back to roles elsewhere", func(t *testing.T) {
		foodOnly := f.seed.Client(testutil.ClientPII{FirstName: "Lee"}, false)
		f.seed.Enroll(foodOnly.ID, f.other.ID, models.EnrollmentStatusEnrolled, f.enrolled)

		d := f.checker.Check(ctx, f.user, mustRequest(t, permissions.ClientViewName, WithClient(foodOnly.ID)))
		assert.False(t, d.Allowed)
		assert.Equal(t, models.DenyNoRole, d.Reason)
	})

	t.Run("global check uses the highest role", func(t *testing.T) {
		d := f.checker.Check(ctx, f.user, mustRequest(t, permissions.ClientMerge))
		assert.True(t, d.Allowed)
		assert.Equal(t, models.RoleProgramManager, *d.Role)
	})

	t.Run("removed role no longer counts", func(t *testing.T) {
		require.NoError(t, f.seed.DB.Model(&models.UserProgramRole{}).
			Where("user_id = ? AND program_id = ?", f.user.UserID, f.shelter.ID).
			Update("status", models.RoleStatusRemoved).Error)
		d := f.checker.Check(ctx, f.user, mustRequest(t, permissions.ClientMerge))
		assert.False(t, d.Allowed)
		assert.Equal(t, models.RoleStaff, *d.Role)
	})
}

func TestCheck_BlockListIsEvaluatedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.seed.User("root", true, false)
	f.seed.Assign(admin.ID, f.housing.ID, models.RoleProgramManager)
	f.seed.Block(f.user.UserID, f.client.ID)
	f.seed.Block(admin.ID, f.client.ID)

	d := f.checker.Check(ctx, f.user, mustRequest(t, permissions.ClientViewName, WithClient(f.client.ID)))
	assert.False(t, d.Allowed)
	assert.Equal(t, models.DenyBlockedClient, d.Reason)

	// Admins get no special treatment for a blocked client
	d = f.checker.Check(ctx, f.seed.Identity(admin), mustRequest(t, permissions.ClientViewName, WithClient(f.client.ID)))
	assert.False(t, d.Allowed)
	assert.Equal(t, models.DenyBlockedClient, d.Reason)

	var denied *models.AuthorizationDeniedError
	require.ErrorAs(t, d.Err(), &denied)
	assert.Equal(t, "You do not have access to this record.", denied.UserMessage())
}

func TestCheck_BlockLookupFailureDenies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.seed.DB.Migrator().DropTable(&models.ClientAccessBlock{}))

	d := f.checker.Check(context.Background(), f.user, mustRequest(t, permissions.ClientViewName, WithClient(f.client.ID)))
	assert.False(t, d.Allowed)
	assert.Equal(t, models.DenyBlockedClient, d.Reason)
}

func TestCheck_AdminBypass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.seed.Identity(f.seed.User("root", true, false))

	d := f.checker.Check(ctx, admin, mustRequest(t, permissions.AuditView, WithAdminBypass()))
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Role)

	// Without the bypass flag an admin with no role is denied
	d = f.checker.Check(ctx, admin, mustRequest(t, permissions.AuditView))
	assert.False(t, d.Allowed)
	assert.Equal(t, models.DenyNoRole, d.Reason)

	// The flag does nothing for a non-admin
	d = f.checker.Check(ctx, f.user, mustRequest(t, permissions.AuditView, WithAdminBypass(), WithProgram(f.housing.ID)))
	assert.False(t, d.Allowed)
	assert.Equal(t, models.DenyExplicit, d.Reason)
}

func TestCheck_PlaceholderLevelsAllowWithWarning(t *testing.T) {
	f := newFixture(t)
	d := f.checker.Check(context.Background(), f.user, mustRequest(t, permissions.ReportDataExtract, WithProgram(f.shelter.ID)))
	assert.True(t, d.Allowed)
	assert.Equal(t, permissions.Gated, d.Level)
	assert.Contains(t, d.Warning, "GATED")
}

func TestCheck_UnresolvableLevelDenies(t *testing.T) {
	f := newFixture(t)
	matrix := permissions.Matrix{
		models.RoleStaff: {permissions.NoteView: permissions.Level("REQUIRES_SUPERVISOR")},
	}
	checker := NewChecker(f.seed.DB, matrix)

	d := checker.Check(context.Background(), f.user, mustRequest(t, permissions.NoteView, WithProgram(f.housing.ID)))
	assert.False(t, d.Allowed)
	assert.Equal(t, models.DenyUnresolvableLevel, d.Reason)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	actx, err := f.checker.Authorize(ctx, f.user, mustRequest(t, permissions.NoteCreate, WithClient(f.client.ID)))
	require.NoError(t, err)
	assert.Equal(t, models.RoleStaff, actx.Role())
	assert.Equal(t, f.client.ID, *actx.ClientID)
	assert.Equal(t, f.user, actx.Identity)

	_, err = f.checker.Authorize(ctx, f.user, mustRequest(t, permissions.AlertCancel, WithClient(f.client.ID)))
	var denied *models.AuthorizationDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, models.DenyExplicit, denied.Reason)
	assert.Equal(t, string(permissions.AlertCancel), denied.Key)
}

func TestRoleHelpers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	db := f.seed.DB

	exec := f.seed.User("exec", false, false)
	f.seed.Assign(exec.ID, f.housing.ID, models.RoleExecutive)
	inactive := f.seed.User("gone", false, false)
	f.seed.Assign(inactive.ID, f.shelter.ID, models.RoleProgramManager)
	require.NoError(t, db.Model(inactive).Update("is_active", false).Error)

	ok, err := HasClientDataRole(ctx, db, exec.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = HasClientDataRole(ctx, db, f.user.UserID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsProgramManager(ctx, db, f.user.UserID, f.shelter.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsProgramManager(ctx, db, f.user.UserID, f.housing.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	managers, err := ProgramManagers(ctx, db, f.shelter.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{f.user.UserID}, managers)

	role, err := ResolveHighestRole(ctx, db, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleExecutive, *role)

	blocked, err := IsBlocked(ctx, db, f.user.UserID, f.client.ID)
	require.NoError(t, err)
	assert.False(t, blocked)
}
