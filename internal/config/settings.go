package config

import "time"

// Settings is the explicit configuration snapshot passed to the core
// components. It is a value type; components never read process-wide settings.
type Settings struct {
	ScanCeiling      int
	NamePrefixLength int
	Now              func() time.Time
}

// NewSettings builds a snapshot using the wall clock
func NewSettings(scanCeiling, namePrefixLength int) Settings {
	return Settings{
		ScanCeiling:      scanCeiling,
		NamePrefixLength: namePrefixLength,
		Now:              func() time.Time { return time.Now().UTC() },
	}
}

// DefaultSettings returns the snapshot used when nothing is configured
func DefaultSettings() Settings {
	return NewSettings(2000, 3)
}

// Clock returns the configured clock, defaulting to UTC wall time
func (s Settings) Clock() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

// Today returns the current date truncated to midnight UTC
func (s Settings) Today() time.Time {
	now := s.Clock().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
