package livesync

import (
	"errors"
	"fmt"
)

// error taxonomy for status resolution and updates:
// - ErrNotFound is the only error that triggers the legacy fallback chain
// - validation errors fail fast, before any request is issued
// - any other upstream failure aborts resolution immediately
// - repair failures are logged, never surfaced, never retried

var ErrNotFound = errors.New("status record not found")

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type ValidationError struct {
	Field   string
	Message string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", self.Field, self.Message)
}

type UpstreamError struct {
	StatusCode int
	Message    string
}

func (self *UpstreamError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("upstream error (%d)", self.StatusCode)
	}
	return fmt.Sprintf("upstream error (%d): %s", self.StatusCode, self.Message)
}
