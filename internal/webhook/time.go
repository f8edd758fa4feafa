package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Time decodes the provider's timestamps. They arrive either as RFC3339 or as
// zone-less ISO strings that are UTC by convention; JSON null stays zero.
type Time struct {
	time.Time
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *Time) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var millis int64
		if numErr := json.Unmarshal(data, &millis); numErr == nil {
			t.Time = time.UnixMilli(millis).UTC()
			return nil
		}
		return fmt.Errorf("webhook: timestamp: %w", err)
	}
	parsed, err := ParseTime(raw)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Ptr returns nil for a zero time so optional timestamps can be sparse-patched.
func (t *Time) Ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

// ParseTime parses a provider timestamp string.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return parsed.UTC(), nil
	}
	for _, layout := range zonelessLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("webhook: unrecognised timestamp %q", raw)
}
