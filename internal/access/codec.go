package access

import (
	"encoding/json"
	"errors"
	"time"
)

// wireWindow is the persisted and API representation of an AccessWindow.
type wireWindow struct {
	PackageID string `json:"packageId"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// MarshalJSON encodes the window with RFC 3339 timestamps.
func (w AccessWindow) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireWindow{
		PackageID: w.PackageID,
		StartTime: w.StartTime.UTC().Format(time.RFC3339),
		EndTime:   w.EndTime.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON decodes a window, returning *DeserializationError on
// malformed input.
func (w *AccessWindow) UnmarshalJSON(data []byte) error {
	var raw wireWindow
	if err := json.Unmarshal(data, &raw); err != nil {
		return &DeserializationError{Err: err}
	}

	if raw.PackageID == "" {
		return &DeserializationError{Field: "packageId", Err: errors.New("missing")}
	}

	start, err := time.Parse(time.RFC3339, raw.StartTime)
	if err != nil {
		return &DeserializationError{Field: "startTime", Err: err}
	}

	end, err := time.Parse(time.RFC3339, raw.EndTime)
	if err != nil {
		return &DeserializationError{Field: "endTime", Err: err}
	}

	*w = AccessWindow{PackageID: raw.PackageID, StartTime: start, EndTime: end}
	return nil
}

// Encode serializes w for durable storage.
func Encode(w AccessWindow) ([]byte, error) {
	return json.Marshal(w)
}

// Decode parses a window produced by Encode.
func Decode(data []byte) (AccessWindow, error) {
	var w AccessWindow
	if err := json.Unmarshal(data, &w); err != nil {
		var derr *DeserializationError
		if errors.As(err, &derr) {
			return AccessWindow{}, derr
		}
		return AccessWindow{}, &DeserializationError{Err: err}
	}
	return w, nil
}
