package access

import (
	"errors"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("Failed to parse %q: %v", s, err)
	}
	return ts
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name      string
		duration  int
		unit      DurationUnit
		purchased string
		wantEnd   string
	}{
		{"minutes", 30, UnitMinutes, "2024-01-15T10:00:00Z", "2024-01-15T10:30:00Z"},
		{"hours", 3, UnitHours, "2024-01-15T10:00:00Z", "2024-01-15T13:00:00Z"},
		{"hours across midnight", 12, UnitHours, "2024-01-15T20:00:00Z", "2024-01-16T08:00:00Z"},
		{"one day", 1, UnitDays, "2024-01-15T10:00:00Z", "2024-01-16T10:00:00Z"},
		{"leap day rollover", 1, UnitDays, "2024-02-29T10:00:00Z", "2024-03-01T10:00:00Z"},
		{"end of february in leap year", 1, UnitDays, "2024-02-28T23:30:00Z", "2024-02-29T23:30:00Z"},
		{"end of february in common year", 1, UnitDays, "2023-02-28T08:00:00Z", "2023-03-01T08:00:00Z"},
		{"year rollover", 2, UnitDays, "2023-12-31T18:45:00Z", "2024-01-02T18:45:00Z"},
		{"month rollover", 30, UnitDays, "2024-01-15T00:00:00Z", "2024-02-14T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg := Package{ID: "pkg-1", Duration: tt.duration, DurationUnit: tt.unit}
			purchased := mustTime(t, tt.purchased)

			w, err := Compute(pkg, purchased)
			if err != nil {
				t.Fatalf("Compute() error = %v", err)
			}

			if w.PackageID != "pkg-1" {
				t.Errorf("PackageID = %q, want pkg-1", w.PackageID)
			}
			if !w.StartTime.Equal(purchased) {
				t.Errorf("StartTime = %v, want %v", w.StartTime, purchased)
			}
			if want := mustTime(t, tt.wantEnd); !w.EndTime.Equal(want) {
				t.Errorf("EndTime = %v, want %v", w.EndTime, want)
			}
			if !w.EndTime.After(purchased) {
				t.Errorf("EndTime %v is not after purchase %v", w.EndTime, purchased)
			}
		})
	}
}

func TestCompute_DaysKeepWallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}

	// DST starts 2024-03-10 in New York; a calendar day is 23 hours long.
	purchased := time.Date(2024, 3, 9, 12, 0, 0, 0, loc)
	w, err := Compute(Package{ID: "day", Duration: 1, DurationUnit: UnitDays}, purchased)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if w.EndTime.Hour() != 12 || w.EndTime.Day() != 10 {
		t.Errorf("EndTime = %v, want 2024-03-10 12:00 local", w.EndTime)
	}
	if got := w.Duration(); got != 23*time.Hour {
		t.Errorf("Duration() = %v, want 23h", got)
	}
}

func TestCompute_InvalidPackage(t *testing.T) {
	tests := []struct {
		name string
		pkg  Package
	}{
		{"zero duration", Package{ID: "a", Duration: 0, DurationUnit: UnitHours}},
		{"negative duration", Package{ID: "b", Duration: -2, DurationUnit: UnitMinutes}},
		{"unknown unit", Package{ID: "c", Duration: 1, DurationUnit: "weeks"}},
		{"empty unit", Package{ID: "d", Duration: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.pkg, time.Now())
			var invalid *InvalidPackageError
			if !errors.As(err, &invalid) {
				t.Fatalf("Compute() error = %v, want *InvalidPackageError", err)
			}
			if invalid.PackageID != tt.pkg.ID {
				t.Errorf("PackageID = %q, want %q", invalid.PackageID, tt.pkg.ID)
			}
		})
	}
}

func TestComputer_DefaultsToClock(t *testing.T) {
	now := mustTime(t, "2024-01-15T10:00:00Z")
	c := Computer{Clock: NewTestClock(now)}

	w, err := c.Compute(Package{ID: "p", Duration: 1, DurationUnit: UnitHours}, time.Time{})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if !w.StartTime.Equal(now) {
		t.Errorf("StartTime = %v, want %v", w.StartTime, now)
	}
	if !w.EndTime.Equal(now.Add(time.Hour)) {
		t.Errorf("EndTime = %v, want %v", w.EndTime, now.Add(time.Hour))
	}
}

func TestDurationUnit_UnmarshalJSON(t *testing.T) {
	var u DurationUnit
	if err := u.UnmarshalJSON([]byte(`"Hours"`)); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	if u != UnitHours {
		t.Errorf("unit = %q, want hours", u)
	}

	if err := u.UnmarshalJSON([]byte(`"fortnights"`)); err == nil {
		t.Error("expected error for unknown unit")
	}
}
