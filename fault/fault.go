// Package fault classifies the failures the waveform controller can produce.
//
// Every package returns plain errors; the ones a caller is expected to act on
// are wrapped in an *Error carrying a Kind so that transport layers (HTTP,
// the command link) can map them without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure
type Kind int

const (
	// Unknown is any error not produced by this package
	Unknown Kind = iota

	// Validation means the input was rejected and no state was changed
	Validation

	// Degraded means the system continues with reduced fidelity,
	// e.g. calibration fell back to linear scaling
	Degraded

	// Clamped means a value was forced into range and the operation continued
	Clamped

	// CacheMiss means a lookup happened before the cache was built
	CacheMiss
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Degraded:
		return "degraded"
	case Clamped:
		return "clamped"
	case CacheMiss:
		return "cache miss"
	default:
		return "unknown"
	}
}

// Error is a classified error
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "action.UpdateParam"
	Op string

	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf formats a validation error
func Validationf(op, format string, args ...interface{}) error {
	return &Error{Kind: Validation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Degradedf formats a degraded-configuration warning
func Degradedf(op, format string, args ...interface{}) error {
	return &Error{Kind: Degraded, Op: op, Err: fmt.Errorf(format, args...)}
}

// Clampedf formats a clamped-value warning
func Clampedf(op, format string, args ...interface{}) error {
	return &Error{Kind: Clamped, Op: op, Err: fmt.Errorf(format, args...)}
}

// CacheMissf formats a cache miss
func CacheMissf(op, format string, args ...interface{}) error {
	return &Error{Kind: CacheMiss, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain,
// or Unknown
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is returns true if err's chain contains an *Error of the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Warnings collects non-fatal problems (Degraded, Clamped) produced
// while an operation still succeeds
type Warnings []error

// Add appends err if it is not nil
func (w *Warnings) Add(err error) {
	if err != nil {
		*w = append(*w, err)
	}
}

// Strings returns the messages of the warnings, for reporting
func (w Warnings) Strings() []string {
	out := make([]string, len(w))
	for i, e := range w {
		out[i] = e.Error()
	}
	return out
}
