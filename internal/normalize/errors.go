package normalize

import (
	"errors"
	"fmt"
)

// NormalizationError marks a payload that can never be normalized, such as
// one without any contact anchor. Callers treat it as terminal.
type NormalizationError struct {
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize: %s: %v", e.Reason, e.Err)
	}
	return "normalize: " + e.Reason
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Terminal marks the error as not worth retrying.
func (e *NormalizationError) Terminal() bool { return true }

// IsNormalizationError reports whether err (or anything it wraps) is a
// NormalizationError.
func IsNormalizationError(err error) bool {
	var nerr *NormalizationError
	return errors.As(err, &nerr)
}

func invalid(reason string, err error) error {
	return &NormalizationError{Reason: reason, Err: err}
}
