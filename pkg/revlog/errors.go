package revlog

import (
	"errors"
	"fmt"
)

// ErrLookup is the class of "unknown node or rev" failures. Lookup failures
// are surfaced to the caller and never retried.
var ErrLookup = errors.New("not found")

// ErrIntegrity is the class of structural failures: hash mismatch on a
// verified read, index corruption, an unresolvable delta chain. Integrity
// failures are fatal to the operation and must not be silently repaired.
var ErrIntegrity = errors.New("integrity error")

// ErrValidation is the class of encode-time validation failures, raised
// before any durable write.
var ErrValidation = errors.New("validation error")

// ErrUnsupported marks operations a backend cannot perform, such as strip
// on the graph backend. Raised immediately, with no partial effect.
var ErrUnsupported = errors.New("unsupported operation")

// ErrNoTransaction is returned when a durable mutation is attempted outside
// an open transaction.
var ErrNoTransaction = errors.New("write attempted without an open transaction")

// LookupError reports an unknown node, rev, or prefix against a named log.
type LookupError struct {
	Name string // log or store name, e.g. "changelog"
	ID   string // the identifier that failed to resolve
	Msg  string
}

func (e *LookupError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "not found"
	}
	return fmt.Sprintf("%s@%s: %s", e.Name, e.ID, msg)
}

func (e *LookupError) Is(target error) bool {
	return target == ErrLookup
}

// IntegrityError reports corruption detected during a read or verify.
type IntegrityError struct {
	Name string
	Msg  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Msg)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// ValidationError reports invalid input caught at encode time.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
