package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gov-dx-sandbox/case-engine/internal/access"
	"github.com/gov-dx-sandbox/case-engine/internal/config"
	"github.com/gov-dx-sandbox/case-engine/internal/fieldcrypt"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/gorm"
)

// MatchType tells the caller which signal found a match
type MatchType string

const (
	MatchPhone   MatchType = "phone"
	MatchNameDOB MatchType = "name_dob"
)

const scanBatchSize = 500

// Match is one existing client that looks like the person being entered
type Match struct {
	ClientID  uint      `json:"clientId"`
	RecordID  string    `json:"recordId"`
	MatchType MatchType `json:"matchType"`
}

// Pair is an unordered candidate pair; FirstID is always the lower key
type Pair struct {
	FirstID        uint      `json:"firstId"`
	FirstRecordID  string    `json:"firstRecordId"`
	SecondID       uint      `json:"secondId"`
	SecondRecordID string    `json:"secondRecordId"`
	MatchType      MatchType `json:"matchType"`
}

// Query holds the plaintext values entered at intake
type Query struct {
	FirstName       string
	BirthDate       string
	Phone           string
	ExcludeClientID *uint
}

// Matcher finds duplicate client records within the caller's partition
type Matcher struct {
	db       *gorm.DB
	cipher   fieldcrypt.Cipher
	settings config.Settings
}

// NewMatcher creates a matcher
func NewMatcher(db *gorm.DB, cipher fieldcrypt.Cipher, settings config.Settings) *Matcher {
	return &Matcher{db: db, cipher: cipher, settings: settings}
}

// ConfidentialClientIDs selects every client with any enrollment, current or
// historical, in a confidential program
func ConfidentialClientIDs(db *gorm.DB) *gorm.DB {
	return db.Model(&models.ClientProgramEnrollment{}).
		Select("client_program_enrollments.client_file_id").
		Joins("JOIN programs ON programs.id = client_program_enrollments.program_id").
		Where("programs.is_confidential = ?", true)
}

// Eligible returns the clients the caller may match against. The demo
// partition comes from the caller's identity only.
func (m *Matcher) Eligible(ctx context.Context, caller models.Identity) *gorm.DB {
	return m.db.WithContext(ctx).
		Model(&models.ClientFile{}).
		Where("is_anonymised = ?", false).
		Where("is_demo = ?", caller.IsDemo).
		Where("id NOT IN (?)", ConfidentialClientIDs(m.db)).
		Where("id NOT IN (?)", access.BlockedClientIDs(m.db, caller.UserID))
}

// signals is the decrypted matching material for one client
type signals struct {
	id       uint
	recordID string
	phone    string
	hasPhone bool
	nameKey  string
	hasName  bool
}

func (m *Matcher) signalsFor(c *models.ClientFile) (signals, error) {
	s := signals{id: c.ID, recordID: c.RecordID}

	phone, err := m.cipher.Decrypt(c.Phone)
	if err != nil {
		return s, fmt.Errorf("phone: %w", err)
	}
	s.phone, s.hasPhone = phoneKey(phone)

	first, err := m.cipher.Decrypt(c.FirstName)
	if err != nil {
		return s, fmt.Errorf("first name: %w", err)
	}
	dob, err := m.cipher.Decrypt(c.BirthDate)
	if err != nil {
		return s, fmt.Errorf("birth date: %w", err)
	}
	s.nameKey, s.hasName = m.nameDOBKey(first, dob)
	return s, nil
}

func (m *Matcher) nameDOBKey(firstName, birthDate string) (string, bool) {
	prefix := NamePrefix(firstName, m.settings.NamePrefixLength)
	date, ok := ParseDate(birthDate)
	if prefix == "" || !ok {
		return "", false
	}
	return prefix + "|" + date.Format(time.DateOnly), true
}

// scan decrypts every client selected by query in primary-key batches. Rows
// that cannot be decrypted are skipped and logged.
func (m *Matcher) scan(query *gorm.DB, visit func(signals)) error {
	var batch []models.ClientFile
	result := query.
		Select("id", "record_id", "first_name", "birth_date", "phone").
		FindInBatches(&batch, scanBatchSize, func(tx *gorm.DB, _ int) error {
			for i := range batch {
				s, err := m.signalsFor(&batch[i])
				if err != nil {
					slog.Warn("Skipping client with undecryptable matching fields",
						"client_id", batch[i].ID, "error", err)
					continue
				}
				visit(s)
			}
			return nil
		})
	if result.Error != nil {
		return fmt.Errorf("failed to scan clients: %w", result.Error)
	}
	return nil
}

// FindDuplicateMatches looks for existing clients matching intake values.
// Phone matches win: when any exist, name and birth date matches are dropped.
func (m *Matcher) FindDuplicateMatches(ctx context.Context, caller models.Identity, q Query) ([]Match, error) {
	phone, hasPhone := phoneKey(q.Phone)
	nameKey, hasName := m.nameDOBKey(q.FirstName, q.BirthDate)
	if !hasPhone && !hasName {
		return []Match{}, nil
	}

	query := m.Eligible(ctx, caller)
	if q.ExcludeClientID != nil {
		query = query.Where("id <> ?", *q.ExcludeClientID)
	}

	var phoneMatches, nameMatches []Match
	err := m.scan(query, func(s signals) {
		switch {
		case hasPhone && s.hasPhone && s.phone == phone:
			phoneMatches = append(phoneMatches, Match{ClientID: s.id, RecordID: s.recordID, MatchType: MatchPhone})
		case hasName && s.hasName && s.nameKey == nameKey:
			nameMatches = append(nameMatches, Match{ClientID: s.id, RecordID: s.recordID, MatchType: MatchNameDOB})
		}
	})
	if err != nil {
		return nil, err
	}

	if len(phoneMatches) > 0 {
		return phoneMatches, nil
	}
	if len(nameMatches) > 0 {
		return nameMatches, nil
	}
	return []Match{}, nil
}

type pairKey struct{ low, high uint }

// FindMergeCandidates groups every eligible client by phone and by
// (name prefix, birth date) and returns each unordered pair once. Phone
// buckets are emitted first, so a pair found by both signals is tagged phone.
func (m *Matcher) FindMergeCandidates(ctx context.Context, caller models.Identity) ([]Pair, error) {
	query := m.Eligible(ctx, caller)

	var eligible int64
	if err := query.Session(&gorm.Session{}).Count(&eligible).Error; err != nil {
		return nil, fmt.Errorf("failed to count eligible clients: %w", err)
	}
	if eligible > int64(m.settings.ScanCeiling) {
		return nil, fmt.Errorf("%w: %d eligible records exceed the limit of %d",
			models.ErrTooManyToScan, eligible, m.settings.ScanCeiling)
	}

	byPhone := make(map[string][]signals)
	byNameDOB := make(map[string][]signals)
	err := m.scan(query, func(s signals) {
		if s.hasPhone {
			byPhone[s.phone] = append(byPhone[s.phone], s)
		}
		if s.hasName {
			byNameDOB[s.nameKey] = append(byNameDOB[s.nameKey], s)
		}
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[pairKey]struct{})
	pairs := []Pair{}
	pairs = appendBucketPairs(pairs, seen, byPhone, MatchPhone)
	pairs = appendBucketPairs(pairs, seen, byNameDOB, MatchNameDOB)
	return pairs, nil
}

func appendBucketPairs(pairs []Pair, seen map[pairKey]struct{}, buckets map[string][]signals, matchType MatchType) []Pair {
	keys := make([]string, 0, len(buckets))
	for k, members := range buckets {
		if len(members) >= 2 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		members := buckets[k]
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i], members[j]
				if b.id < a.id {
					a, b = b, a
				}
				key := pairKey{low: a.id, high: b.id}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				pairs = append(pairs, Pair{
					FirstID:        a.id,
					FirstRecordID:  a.recordID,
					SecondID:       b.id,
					SecondRecordID: b.recordID,
					MatchType:      matchType,
				})
			}
		}
	}
	return pairs
}
