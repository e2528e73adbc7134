package access

import (
	"fmt"
	"time"
)

// InvalidPackageError is returned when a package cannot produce a window.
type InvalidPackageError struct {
	PackageID string
	Duration  int
	Unit      DurationUnit
}

func (e *InvalidPackageError) Error() string {
	if !e.Unit.Valid() {
		return fmt.Sprintf("invalid package %q: unrecognised duration unit %q", e.PackageID, e.Unit)
	}
	return fmt.Sprintf("invalid package %q: duration must be positive, got %d", e.PackageID, e.Duration)
}

// MalformedWindowError is returned when a window does not end after it starts.
type MalformedWindowError struct {
	Window AccessWindow
}

func (e *MalformedWindowError) Error() string {
	return fmt.Sprintf("malformed access window for package %q: end %s is not after start %s",
		e.Window.PackageID,
		e.Window.EndTime.Format(time.RFC3339),
		e.Window.StartTime.Format(time.RFC3339))
}

// DeserializationError is returned when a persisted window cannot be decoded.
type DeserializationError struct {
	Field string
	Err   error
}

func (e *DeserializationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("failed to decode access window: %v", e.Err)
	}
	return fmt.Sprintf("failed to decode access window field %s: %v", e.Field, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}
