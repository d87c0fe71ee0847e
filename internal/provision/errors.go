package provision

import (
	"errors"
	"fmt"
)

// ErrOperatorAbort is returned when the operator declines the
// deploy-key confirmation gate. It is a deliberate stop, surfaced
// separately from failures.
var ErrOperatorAbort = errors.New("aborted by operator")

// StageError reports the first failing stage and its cause. The
// workflow is fail-stop; no stage runs after one of these.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
