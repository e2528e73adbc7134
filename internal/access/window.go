package access

import "time"

// Compute derives the access window granted by purchasing pkg at
// purchasedAt. Minutes and hours are fixed-length; days advance the
// calendar date and keep the time of day.
func Compute(pkg Package, purchasedAt time.Time) (AccessWindow, error) {
	if pkg.Duration <= 0 || !pkg.DurationUnit.Valid() {
		return AccessWindow{}, &InvalidPackageError{
			PackageID: pkg.ID,
			Duration:  pkg.Duration,
			Unit:      pkg.DurationUnit,
		}
	}

	var end time.Time
	switch pkg.DurationUnit {
	case UnitMinutes:
		end = purchasedAt.Add(time.Duration(pkg.Duration) * time.Minute)
	case UnitHours:
		end = purchasedAt.Add(time.Duration(pkg.Duration) * time.Hour)
	case UnitDays:
		end = purchasedAt.AddDate(0, 0, pkg.Duration)
	}

	return AccessWindow{
		PackageID: pkg.ID,
		StartTime: purchasedAt,
		EndTime:   end,
	}, nil
}

// Computer binds Compute to a clock so callers may omit the purchase instant.
type Computer struct {
	Clock Clock
}

// Compute derives a window; a zero purchasedAt means now.
func (c Computer) Compute(pkg Package, purchasedAt time.Time) (AccessWindow, error) {
	if purchasedAt.IsZero() {
		clock := c.Clock
		if clock == nil {
			clock = RealClock{}
		}
		purchasedAt = clock.Now()
	}
	return Compute(pkg, purchasedAt)
}
