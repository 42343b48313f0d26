package task

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports bad input that was rejected before anything was
// persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateCommand rejects blank commands.
func ValidateCommand(command string) error {
	if strings.TrimSpace(command) != "" {
		return nil
	}
	return &ValidationError{Field: "command", Reason: "command required"}
}
