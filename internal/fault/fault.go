package fault

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures for isolation and logging.
type Kind string

const (
	// KindConfiguration marks malformed rules or conditions.
	KindConfiguration Kind = "configuration"
	// KindCollaborator marks directory, preference, store or cache failures and timeouts.
	KindCollaborator Kind = "collaborator_unavailable"
	// KindDelivery marks sender-reported delivery failures.
	KindDelivery Kind = "delivery_failure"
)

// Error is one classified failure.
// Params: kind, failing operation name and wrapped cause.
// Returns: typed error usable with errors.As and the Is* predicates.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error returns "kind: op: cause".
// Params: none.
// Returns: string representation.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Configuration wraps cause as configuration error.
// Params: operation name and cause.
// Returns: classified error.
func Configuration(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// Configurationf builds configuration error from format string.
// Params: operation name, format and args.
// Returns: classified error.
func Configurationf(op, format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// Collaborator wraps cause as collaborator-unavailable error.
// Params: operation name and cause.
// Returns: classified error.
func Collaborator(op string, err error) error {
	return &Error{Kind: KindCollaborator, Op: op, Err: err}
}

// Delivery wraps cause as delivery failure.
// Params: operation name and cause.
// Returns: classified error.
func Delivery(op string, err error) error {
	return &Error{Kind: KindDelivery, Op: op, Err: err}
}

// KindOf returns kind of the outermost classified error in chain.
// Params: candidate error.
// Returns: kind and true when err carries a classification.
func KindOf(err error) (Kind, bool) {
	var classified *Error
	if !errors.As(err, &classified) {
		return "", false
	}
	return classified.Kind, true
}

// IsConfiguration reports whether error chain contains a configuration error.
// Params: candidate error.
// Returns: true on match.
func IsConfiguration(err error) bool {
	return hasKind(err, KindConfiguration)
}

// IsCollaborator reports whether error chain contains a collaborator error.
// Params: candidate error.
// Returns: true on match.
func IsCollaborator(err error) bool {
	return hasKind(err, KindCollaborator)
}

// IsDelivery reports whether error chain contains a delivery failure.
// Params: candidate error.
// Returns: true on match.
func IsDelivery(err error) bool {
	return hasKind(err, KindDelivery)
}

// hasKind walks joined and wrapped errors looking for kind.
// Params: candidate error and expected kind.
// Returns: true when any classified error in the tree has kind.
func hasKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	if classified, ok := err.(*Error); ok && classified.Kind == kind {
		return true
	}
	switch unwrapped := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range unwrapped.Unwrap() {
			if hasKind(inner, kind) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return hasKind(unwrapped.Unwrap(), kind)
	}
	return false
}
