package notify

import (
	"errors"
	"fmt"
)

// ErrProvider wraps transport failures from the email/SMS providers. The
// wrapped message is sanitized; raw provider error text is logged internally
// but never returned to callers.
var ErrProvider = errors.New("provider send failed")

// ValidationError rejects a malformed send request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
