package census

import "fmt"

// ErrorKind identifies specific types of errors that can occur during a
// scan. This enables error handling code to make decisions based on the
// type of error.
type ErrorKind int

// Error kinds for scan operations.
const (
	// ErrKindTransport indicates a page fetch failed at the transport level.
	ErrKindTransport ErrorKind = iota

	// ErrKindMalformedPage indicates a page response was structurally invalid.
	ErrKindMalformedPage

	// ErrKindStaleGeneration indicates a checkpoint write carried a
	// generation identifier that no longer matches the stored generation.
	ErrKindStaleGeneration

	// ErrKindInvalidAction indicates an operator action that is not legal
	// in the current scan state.
	ErrKindInvalidAction
)

// ScanError represents domain-specific errors that can occur during a scan.
// It provides context about the type of error to enable appropriate
// error handling.
type ScanError struct {
	msg  string
	kind ErrorKind
}

// Error returns the error message. This implements the error interface.
func (e *ScanError) Error() string { return e.msg }

// Kind returns the kind of scan error.
func (e *ScanError) Kind() ErrorKind { return e.kind }

// Is enables error matching by comparing error kinds.
func (e *ScanError) Is(target error) bool {
	t, ok := target.(*ScanError)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// ErrStaleGeneration is returned by checkpoint writes whose generation
// identifier no longer matches the stored generation. Compare with errors.Is.
var ErrStaleGeneration = &ScanError{
	msg:  "checkpoint write rejected: stale scan generation",
	kind: ErrKindStaleGeneration,
}

// NewTransportError wraps a page fetch failure. Transport errors are fatal
// to the scan generation.
func NewTransportError(err error) error {
	return &ScanError{
		msg:  fmt.Sprintf("page fetch failed: %v", err),
		kind: ErrKindTransport,
	}
}

// NewMalformedPageError reports a structurally invalid page response.
// Malformed pages are fatal to the scan generation.
func NewMalformedPageError(msg string) error {
	return &ScanError{
		msg:  fmt.Sprintf("malformed page response: %s", msg),
		kind: ErrKindMalformedPage,
	}
}

// NewInvalidActionError reports an operator action attempted from a scan
// state that does not permit it.
func NewInvalidActionError(action Action, status Status) error {
	return &ScanError{
		msg:  fmt.Sprintf("cannot %s while scan is %s", action, status),
		kind: ErrKindInvalidAction,
	}
}

// IsFatalPageError reports whether err aborts the whole scan generation.
// Only transport and malformed-page errors cross the chunk runner boundary.
func IsFatalPageError(err error) bool {
	se, ok := err.(*ScanError)
	if !ok {
		return false
	}
	return se.kind == ErrKindTransport || se.kind == ErrKindMalformedPage
}
