package access

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DurationUnit is the calendar unit a package duration is expressed in.
type DurationUnit string

const (
	UnitMinutes DurationUnit = "minutes"
	UnitHours   DurationUnit = "hours"
	UnitDays    DurationUnit = "days"
)

// Valid reports whether u is one of the recognised units.
func (u DurationUnit) Valid() bool {
	switch u {
	case UnitMinutes, UnitHours, UnitDays:
		return true
	}
	return false
}

// UnmarshalJSON implements json.Unmarshaler to normalize the unit to lowercase.
func (u *DurationUnit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := DurationUnit(strings.ToLower(strings.TrimSpace(s)))
	if !normalized.Valid() {
		return fmt.Errorf("invalid duration unit: %s (must be minutes, hours, or days)", s)
	}

	*u = normalized
	return nil
}

// Package is a purchasable block of connectivity time.
type Package struct {
	ID               string       `json:"id"`
	Name             string       `json:"name" validate:"required,max=64"`
	Price            float64      `json:"price" validate:"gte=0"`
	Duration         int          `json:"duration" validate:"gt=0"`
	DurationUnit     DurationUnit `json:"durationUnit" validate:"required,oneof=minutes hours days"`
	Description      string       `json:"description,omitempty" validate:"max=256"`
	Popular          bool         `json:"popular,omitempty"`
	DownloadSpeed    int          `json:"downloadSpeed,omitempty" validate:"gte=0"`
	MaxDownloadSpeed int          `json:"maxDownloadSpeed,omitempty" validate:"gte=0"`
}

// Length returns the nominal length of the package. Day packages are
// reported as 24h multiples; the actual window uses calendar arithmetic.
func (p Package) Length() time.Duration {
	n := time.Duration(p.Duration)
	switch p.DurationUnit {
	case UnitMinutes:
		return n * time.Minute
	case UnitHours:
		return n * time.Hour
	case UnitDays:
		return n * 24 * time.Hour
	}
	return 0
}

// AccessWindow is the validity interval granted by a purchased package.
// Windows are values; holders never share mutable state.
type AccessWindow struct {
	PackageID string
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the full length of the window.
func (w AccessWindow) Duration() time.Duration {
	return w.EndTime.Sub(w.StartTime)
}

// ExpiredAt reports whether the window has run out at now.
func (w AccessWindow) ExpiredAt(now time.Time) bool {
	return !now.Before(w.EndTime)
}

// Equal reports whether two windows describe the same package and
// instants at second precision.
func (w AccessWindow) Equal(other AccessWindow) bool {
	return w.PackageID == other.PackageID &&
		w.StartTime.Truncate(time.Second).Equal(other.StartTime.Truncate(time.Second)) &&
		w.EndTime.Truncate(time.Second).Equal(other.EndTime.Truncate(time.Second))
}

// ClockSample is the derived countdown state of a window at one instant.
type ClockSample struct {
	RemainingSeconds int64   `json:"remainingSeconds"`
	ProgressPercent  float64 `json:"progressPercent"`
}

// Expired reports whether the sample represents a finished window.
func (s ClockSample) Expired() bool {
	return s.RemainingSeconds == 0 && s.ProgressPercent == 0
}

// Remaining returns the remaining time as a duration.
func (s ClockSample) Remaining() time.Duration {
	return time.Duration(s.RemainingSeconds) * time.Second
}

// FormatRemaining renders the remaining time as HH:MM:SS.
func (s ClockSample) FormatRemaining() string {
	secs := s.RemainingSeconds
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
