package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrStepFailure is matched by every error caused by the target failing to advance.
	ErrStepFailure = errors.New("step failure")
	// ErrUnknownRegister is matched by every error naming a register outside the catalog
	// or outside the register file of the stepper.
	ErrUnknownRegister = errors.New("unknown register")
	// ErrEmptySignature is returned when a signature has no constraints.
	ErrEmptySignature = errors.New("empty signature")
	// ErrConflictingConstraint is returned when a register is constrained twice.
	ErrConflictingConstraint = errors.New("conflicting constraint")
	// ErrCanceled is returned when the run context is done.
	ErrCanceled = errors.New("run canceled")
	// ErrStepLimit is returned when a step limit was configured and reached.
	ErrStepLimit = errors.New("step limit reached")
	// ErrFinished is returned by Run on a monitor that already ran.
	ErrFinished = errors.New("monitor already finished")
)

// StepError records the step at which the target could not be advanced.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %v: %v", e.Step, ErrStepFailure, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrStepFailure, e.Err}
}

// UnknownRegisterError names the register that could not be resolved.
type UnknownRegisterError struct {
	Name string
	Err  error // optional cause reported by the stepper
}

func (e *UnknownRegisterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v %q: %v", ErrUnknownRegister, e.Name, e.Err)
	}
	return fmt.Sprintf("%v %q", ErrUnknownRegister, e.Name)
}

func (e *UnknownRegisterError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnknownRegister}
	}
	return []error{ErrUnknownRegister, e.Err}
}
