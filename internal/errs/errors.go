// Package errs defines the closed set of error kinds the ingest pipeline
// and CAS store can fail with. Core packages never import net/http; the
// mapping from Kind to a transport status lives in internal/httpapi.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed taxonomy of failure reasons surfaced by the core.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnsupportedMediaType
	KindInputTruncated
	KindZipTooLarge
	KindTooManyEntries
	KindFileTooLarge
	KindTotalTooLarge
	KindUnsupportedMethod
	KindZip64Missing
	KindSignatureMismatch
	KindSizeCRCMismatch
	KindInvalidFilename
	KindNotFound
	KindNotAcceptable
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedMediaType:
		return "unsupported media type"
	case KindInputTruncated:
		return "input truncated"
	case KindZipTooLarge:
		return "zip too large"
	case KindTooManyEntries:
		return "too many entries"
	case KindFileTooLarge:
		return "file too large"
	case KindTotalTooLarge:
		return "total too large"
	case KindUnsupportedMethod:
		return "unsupported method"
	case KindZip64Missing:
		return "zip64 field missing"
	case KindSignatureMismatch:
		return "signature mismatch"
	case KindSizeCRCMismatch:
		return "size/crc mismatch"
	case KindInvalidFilename:
		return "invalid filename"
	case KindNotFound:
		return "not found"
	case KindNotAcceptable:
		return "not acceptable"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type carried across the ingest pipeline.
// It always has a Kind from the taxonomy above and an optional wrapped
// cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.New(KindX, "")) style matching on Kind
// alone, ignoring Msg and Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a *Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs a *Error of the given kind wrapping err.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindUnknown, false
}
