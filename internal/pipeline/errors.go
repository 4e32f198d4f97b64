package pipeline

import (
	"errors"
	"fmt"
)

// ErrAborted is returned when the operator declines to continue at a checkpoint.
var ErrAborted = errors.New("run aborted by operator")

// GenerationError means the model produced no usable content. It is never
// retried by the stage that hit it.
type GenerationError struct {
	Stage string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed in stage %s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// InfrastructureError means a verifier or tool could not run at all: missing
// binary, unwritable artifact, launch failure or timeout. Repairing the code
// cannot fix it, so it ends the run.
type InfrastructureError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *InfrastructureError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("infrastructure error: %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("infrastructure error: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// PreconditionError means an earlier stage reported success on input that a
// later step could not use, e.g. a stub could not be derived from code that
// passed static verification.
type PreconditionError struct {
	Stage string
	Err   error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition violated after stage %s: %v", e.Stage, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// ClassifyFailure maps a run-ending error to its FailureKind.
func ClassifyFailure(err error) FailureKind {
	var genErr *GenerationError
	var infraErr *InfrastructureError
	var preErr *PreconditionError
	switch {
	case errors.Is(err, ErrAborted):
		return FailureAborted
	case errors.As(err, &genErr):
		return FailureGeneration
	case errors.As(err, &preErr):
		return FailurePreconditionViolation
	case errors.As(err, &infraErr):
		return FailureInfrastructure
	default:
		return FailureInfrastructure
	}
}
