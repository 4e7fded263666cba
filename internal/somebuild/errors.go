package somebuild

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable code for each fatal failure class. Every kind ends
// the run with exit status 1; they differ only in the diagnostics attached.
type ErrorKind string

const (
	KindPrecondition      ErrorKind = "PRECONDITION_FAILED"
	KindManifest          ErrorKind = "MANIFEST_ERROR"
	KindNetwork           ErrorKind = "NETWORK_ERROR"
	KindUnsupportedFormat ErrorKind = "UNSUPPORTED_FORMAT"
	KindExtraction        ErrorKind = "EXTRACTION_FAILED"
	KindIntegrity         ErrorKind = "INTEGRITY_MISMATCH"
	KindPhase             ErrorKind = "PHASE_FAILED"
	KindUnknown           ErrorKind = "UNKNOWN"
)

type kinded interface {
	Kind() ErrorKind
}

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Error is the generic classified error used by stages that carry no
// extra payload (precondition, manifest, network, extraction).
type Error struct {
	kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error   { return e.Err }
func (e *Error) Kind() ErrorKind { return e.kind }

func preconditionError(op string, err error) error {
	return &Error{kind: KindPrecondition, Op: op, Err: err}
}

func manifestError(op string, err error) error {
	return &Error{kind: KindManifest, Op: op, Err: err}
}

func networkError(op string, err error) error {
	return &Error{kind: KindNetwork, Op: op, Err: err}
}

func extractionError(op string, err error) error {
	return &Error{kind: KindExtraction, Op: op, Err: err}
}

// UnsupportedFormatError names an archive whose suffix matches no codec.
type UnsupportedFormatError struct {
	Filename string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("extension of %q not supported", e.Filename)
}

func (e *UnsupportedFormatError) Kind() ErrorKind { return KindUnsupportedFormat }

// IntegrityError reports a digest mismatch after a completed transfer.
type IntegrityError struct {
	URL      string
	Expected string
	Found    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("hash error for %q: expected %q, found %q", e.URL, e.Expected, e.Found)
}

func (e *IntegrityError) Kind() ErrorKind { return KindIntegrity }

// PhaseError is the Failed build outcome. ExitCode is -1 when the process
// could not be started or was aborted, and 128+N after signal N.
type PhaseError struct {
	Phase    string
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *PhaseError) Error() string {
	if e.Err != nil && e.ExitCode < 0 {
		return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s phase failed with exit code %d", e.Phase, e.ExitCode)
}

func (e *PhaseError) Unwrap() error   { return e.Err }
func (e *PhaseError) Kind() ErrorKind { return KindPhase }
