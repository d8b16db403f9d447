package runtime

import (
	"fmt"

	"github.com/pkg/errors"
)

// SessionBusyError indicates one session already has an in-flight request.
type SessionBusyError struct {
	SessionID string
	Phase     Phase
}

func (e *SessionBusyError) Error() string {
	if e == nil {
		return "runtime: session is busy"
	}
	if e.Phase != "" {
		return fmt.Sprintf("runtime: session %q is busy (%s)", e.SessionID, e.Phase)
	}
	return fmt.Sprintf("runtime: session %q is busy", e.SessionID)
}

func (e *SessionBusyError) Code() ErrorCode {
	return ErrorCodeSessionBusy
}

func IsSessionBusy(err error) bool {
	var target *SessionBusyError
	return errors.As(err, &target)
}
