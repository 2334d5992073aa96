package erasure

import (
	"fmt"
	"time"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/gorm"
)

// TierOption reports whether a tier can be requested for a client
type TierOption struct {
	Tier          models.ErasureTier `json:"tier"`
	Available     bool               `json:"available"`
	DaysRemaining *int               `json:"daysRemaining,omitempty"`
	Reason        string             `json:"reason,omitempty"`
}

// AvailableTiers lists every tier. The anonymising tiers are always available;
// full erasure needs a retention date on or before today.
func AvailableTiers(client *models.ClientFile, today time.Time) []TierOption {
	full := TierOption{Tier: models.TierFullErasure}
	switch {
	case client.RetentionExpires == nil:
		full.Reason = "no retention period is recorded for this client"
	default:
		expires := dateOf(time.Time(*client.RetentionExpires))
		if expires.After(today) {
			days := int(expires.Sub(today).Hours() / 24)
			full.DaysRemaining = &days
			full.Reason = fmt.Sprintf("retention period ends in %d days", days)
		} else {
			full.Available = true
		}
	}
	return []TierOption{
		{Tier: models.TierAnonymise, Available: true},
		{Tier: models.TierAnonymisePurge, Available: true},
		full,
	}
}

func tierAvailable(options []TierOption, tier models.ErasureTier) bool {
	for _, o := range options {
		if o.Tier == tier {
			return o.Available
		}
	}
	return false
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// summaryCounts are the record types counted in a data summary
var summaryCounts = []struct {
	name  string
	model interface{}
}{
	{"progress_notes", &models.ProgressNote{}},
	{"plan_sections", &models.PlanSection{}},
	{"plan_targets", &models.PlanTarget{}},
	{"events", &models.Event{}},
	{"alerts", &models.Alert{}},
	{"enrollments", &models.ClientProgramEnrollment{}},
	{"custom_fields", &models.ClientDetailValue{}},
	{"group_memberships", &models.GroupMembership{}},
	{"registration_submissions", &models.RegistrationSubmission{}},
}

// BuildDataSummary counts what an erasure would touch. It holds counts only, never PII.
func BuildDataSummary(db *gorm.DB, clientID uint) (map[string]interface{}, error) {
	summary := make(map[string]interface{}, len(summaryCounts)+1)
	for _, c := range summaryCounts {
		var n int64
		if err := db.Model(c.model).Where("client_file_id = ?", clientID).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.name, err)
		}
		summary[c.name] = n
	}

	var metrics int64
	if err := db.Model(&models.MetricValue{}).
		Where("progress_note_target_id IN (?)", noteTargetIDs(db, clientID)).
		Count(&metrics).Error; err != nil {
		return nil, fmt.Errorf("failed to count metric values: %w", err)
	}
	summary["metric_values"] = metrics
	return summary, nil
}

func noteIDs(db *gorm.DB, clientID uint) *gorm.DB {
	return db.Model(&models.ProgressNote{}).Select("id").Where("client_file_id = ?", clientID)
}

func noteTargetIDs(db *gorm.DB, clientID uint) *gorm.DB {
	return db.Model(&models.ProgressNoteTarget{}).Select("id").Where("progress_note_id IN (?)", noteIDs(db, clientID))
}
