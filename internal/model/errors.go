package model

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a run state change is not allowed.
var ErrInvalidTransition = errors.New("model: invalid run state transition")

// GenerationError wraps a failure reported by a generation collaborator.
// The coordinator does not retry it.
type GenerationError struct {
	Service string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %s: %v", e.Service, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// PersistenceError wraps any entity or run repository failure.
// It is fatal to the cycle and surfaces to the scheduler.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError, or returns nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
