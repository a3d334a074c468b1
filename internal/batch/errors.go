package batch

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrNotReady      = errors.New("job is not completed")
	ErrJobInProgress = errors.New("a batch job is already running")
	ErrNotActive     = errors.New("job is not running")
)

// StageError is a per-resource failure raised by one pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
