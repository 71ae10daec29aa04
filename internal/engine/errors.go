package engine

import (
	"errors"
	"fmt"
)

// ValidationError marks malformed input or a failed precondition. By the
// time it is returned the operation has written nothing except explicit
// audit records (a blocked gate run, for example).
type ValidationError struct {
	Message string
	Details map[string]any
}

func (e ValidationError) Error() string { return e.Message }

func invalidf(format string, args ...any) ValidationError {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError marks a collision with concurrent work, like trying to
// start a task another agent holds the lock on.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }

// UnauthorizedError surfaces an ownership or permission refusal from the
// storage layer.
type UnauthorizedError struct {
	Message string
}

func (e UnauthorizedError) Error() string { return e.Message }

// ErrNoTaskAvailable is returned by PickTask when no candidate survives
// the readiness check and lock race.
var ErrNoTaskAvailable = errors.New("no task available")
