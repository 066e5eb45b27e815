package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("duplicate task")
	ErrCycle         = errors.New("dependency cycle")
	ErrRAMBudget     = errors.New("ram budget exceeded")
	ErrInvalidOutput = errors.New("invalid output")
	ErrUnknownIO     = errors.New("unknown input or output")

	// ErrDependencyUnsatisfied marks a unit that never became ready because
	// a unit it depends on failed or was never dispatched.
	ErrDependencyUnsatisfied = errors.New("dependency unsatisfied")

	// ErrAborted is reported when the completion callback stopped the run.
	ErrAborted = errors.New("run aborted by completion callback")
)

// UnitError reports a failed or unresolved (task, partition) unit.
type UnitError struct {
	Task      string
	Partition int
	Err       error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("task %s partition %d: %v", e.Task, e.Partition, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }
