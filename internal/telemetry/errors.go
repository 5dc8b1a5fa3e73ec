package telemetry

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned when a request is made before Login or
// after the controller session expired.
var ErrNotAuthenticated = errors.New("telemetry: not authenticated")

// TransientError covers controller unreachability, timeouts and non-2xx
// responses. A cycle hitting one is skipped and retried on the next tick.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("telemetry: transient failure on %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedError covers responses that arrived but could not be decoded into
// the expected shape. Treated as transient by the collector, but recorded
// separately so a misbehaving controller is visible in diagnostics.
type MalformedError struct {
	Op  string
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("telemetry: malformed payload on %s: %v", e.Op, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
