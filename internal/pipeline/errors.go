package pipeline

import "fmt"

// ValidationError marks a malformed raw item: a missing required field or an
// unusable price. It is recorded per item and never fails a batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid item field %q: %s", e.Field, e.Reason)
}

func invalidField(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a per-item validation failure.
func IsValidation(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}
