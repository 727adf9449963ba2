package route

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a channel whose batch algorithm cannot be resolved
	ErrConfiguration = errors.New("routing configuration fault")
	// ErrConsistency marks a programming or integration error, fatal for the pass
	ErrConsistency = errors.New("routing consistency fault")
	// ErrStore marks a failure of the transactional store
	ErrStore = errors.New("routing store fault")

	ErrSessionClosed     = fmt.Errorf("%w: session is closed", ErrConsistency)
	ErrSessionRolledBack = fmt.Errorf("%w: session was rolled back", ErrConsistency)
)

// EngineError is returned by Cleanup when finishing the pass failed
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("routing engine %s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
