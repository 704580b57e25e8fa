package cruise

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid matches every *ValidationError via errors.Is.
	ErrInvalid = errors.New("invalid cruise state")
	// ErrNotFound matches every *NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports a caller-supplied identifier or structure that
// violates an invariant. It is always returned before anything is mutated.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string        { return "validation: " + e.Msg }
func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// Invalidf builds a *ValidationError.
func Invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Entity kinds carried by NotFoundError.
const (
	KindCruise = "cruise"
	KindLogger = "logger"
	KindMode   = "mode"
	KindConfig = "config"
)

// NotFoundError reports a reference to a cruise, logger, mode or config
// that does not exist.
type NotFoundError struct {
	Kind   string
	Name   string
	Cruise string // empty when Kind == KindCruise
}

func (e *NotFoundError) Error() string {
	if e.Kind == KindCruise || e.Cruise == "" {
		return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s %q not found in cruise %q", e.Kind, e.Name, e.Cruise)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CruiseNotFound is the error returned for an unknown cruise id.
func CruiseNotFound(id string) error { return &NotFoundError{Kind: KindCruise, Name: id} }

func notFound(kind, cruiseID, name string) error {
	return &NotFoundError{Kind: kind, Name: name, Cruise: cruiseID}
}

// IsNotFound reports whether err (or anything it wraps) is a NotFoundError.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalid reports whether err (or anything it wraps) is a ValidationError.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalid) }
