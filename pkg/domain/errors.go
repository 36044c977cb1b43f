package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors so callers can branch on broad
// categories without string matching.
type ErrorKind string

// Error kinds. The first group are faults; the final two are signals that
// flow through error returns but do not indicate failure.
const (
	// KindUsage marks caller-fixable construction or configuration errors.
	KindUsage ErrorKind = "usage"
	// KindMissingData marks a named spec with no bound source.
	KindMissingData ErrorKind = "missing_data"
	// KindAmbiguousMatch marks multiple selector candidates with no disambiguator.
	KindAmbiguousMatch ErrorKind = "ambiguous_match"
	// KindMissingIndex marks a subject/visit ID absent from a collection.
	KindMissingIndex ErrorKind = "missing_index"
	// KindNotProduced marks a derived spec its pipeline does not output
	// under the configuration in effect.
	KindNotProduced ErrorKind = "not_produced"
	// KindNoConverter marks a missing format conversion.
	KindNoConverter ErrorKind = "no_converter"
	// KindNameClash marks conflicting registrations under one name.
	KindNameClash ErrorKind = "name_clash"
	// KindCircular marks a circular pipeline dependency.
	KindCircular ErrorKind = "circular_dependency"
	// KindProvenanceMismatch marks detected staleness between an expected
	// and a stored provenance record.
	KindProvenanceMismatch ErrorKind = "provenance_mismatch"
	// KindExecution marks a failure propagated from the workflow engine,
	// annotated with the node it occurred at.
	KindExecution ErrorKind = "execution"

	// KindSubmissionDeferred signals that work was handed to a batch
	// scheduler and results will arrive asynchronously. Not a failure.
	KindSubmissionDeferred ErrorKind = "submission_deferred"
	// KindNoRunRequired signals that every requested output already
	// exists with matching provenance. Not a failure.
	KindNoRunRequired ErrorKind = "no_run_required"
)

// Error is the common error type of the engine. Every error carries the
// kind it belongs to and, where applicable, the name of the spec, pipeline
// or node it originated at.
type Error struct {
	Kind    ErrorKind
	Name    string
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %q: %s", e.Kind, e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes a wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Wrapped }

// Is matches any *Error of the same kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindUsage}) work across instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Name == "" || t.Name == e.Name
}

// NewError constructs an Error of the given kind for the named entity.
func NewError(kind ErrorKind, name, format string, args ...any) *Error {
	return &Error{Kind: kind, Name: name, Message: fmt.Sprintf(format, args...)}
}

// Usagef builds a usage error with no associated name.
func Usagef(format string, args ...any) *Error {
	return &Error{Kind: KindUsage, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err (or anything it wraps) is an engine Error of
// the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Signals usable with errors.Is.
var (
	// ErrSubmissionDeferred is returned when an execution backend queued
	// the work instead of running it synchronously.
	ErrSubmissionDeferred = &Error{Kind: KindSubmissionDeferred, Message: "job submitted, result deferred"}
	// ErrNoRunRequired is returned when an incremental plan is empty.
	ErrNoRunRequired = &Error{Kind: KindNoRunRequired, Message: "all outputs present with matching provenance"}
)
