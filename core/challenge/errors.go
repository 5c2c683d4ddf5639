package challenge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

// ErrNotFound is returned when no challenge matches the requested id.
const ErrNotFound = Err("challenge not found")

// FieldError names one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects malformed or out-of-range inputs. Nothing is persisted when it is returned.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// InvalidStateError reports a transition that is not legal from the challenge's current status.
type InvalidStateError struct {
	ID       string
	Current  Status
	Expected []Status
}

func (e *InvalidStateError) Error() string {
	want := make([]string, 0, len(e.Expected))
	for _, s := range e.Expected {
		want = append(want, string(s))
	}
	return fmt.Sprintf("challenge %s is %s, expected %s", e.ID, e.Current, strings.Join(want, " or "))
}

// DeadlinePassedError is returned when a time-sensitive action arrives after deadline_at.
type DeadlinePassedError struct {
	ID       string
	Deadline time.Time
	At       time.Time
}

func (e *DeadlinePassedError) Error() string {
	return fmt.Sprintf("challenge %s deadline %s has passed (at %s)",
		e.ID, e.Deadline.UTC().Format(time.RFC3339), e.At.UTC().Format(time.RFC3339))
}

// PersistenceError wraps a store failure. No partial write accompanies it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError unless it already carries domain meaning.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var ie *InvalidStateError
	return errors.As(err, &ie)
}

// IsDeadlinePassed reports whether err is a DeadlinePassedError.
func IsDeadlinePassed(err error) bool {
	var de *DeadlinePassedError
	return errors.As(err, &de)
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
