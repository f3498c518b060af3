// Package apperrors provides the error taxonomy shared by the smart mute
// pipeline. Every failure that aborts a job carries one of the kinds below,
// so callers can branch with errors.Is regardless of which package raised it.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind categorizes pipeline failures.
type Kind int

// Error kinds.
const (
	// KindUnknown indicates an unspecified error type
	KindUnknown Kind = iota
	// KindIO indicates a file that is missing, unreadable or unwritable
	KindIO
	// KindFormat indicates an invalid or unsupported media container
	KindFormat
	// KindConversion indicates the external transcoder failed
	KindConversion
	// KindInvalidSegment indicates the detector returned malformed ranges
	KindInvalidSegment
	// KindRange indicates a slice or splice outside the waveform bounds
	KindRange
	// KindLengthMismatch indicates a processed segment diverged beyond tolerance
	KindLengthMismatch
	// KindRemote indicates the detection or remove-music service failed
	KindRemote
)

// Sentinels for errors.Is matching by kind.
var (
	ErrIO             = &Error{Kind: KindIO}
	ErrFormat         = &Error{Kind: KindFormat}
	ErrConversion     = &Error{Kind: KindConversion}
	ErrInvalidSegment = &Error{Kind: KindInvalidSegment}
	ErrRange          = &Error{Kind: KindRange}
	ErrLengthMismatch = &Error{Kind: KindLengthMismatch}
	ErrRemote         = &Error{Kind: KindRemote}
)

// Error is a pipeline error tagged with its kind.
type Error struct {
	Kind    Kind   // Error category
	Op      string // Operation that failed, e.g. "load" or "splice"
	Path    string // Optional: file involved
	Message string // Optional: human readable detail
	Err     error  // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown error"
	case KindIO:
		return "io error"
	case KindFormat:
		return "format error"
	case KindConversion:
		return "conversion error"
	case KindInvalidSegment:
		return "invalid segment"
	case KindRange:
		return "range error"
	case KindLengthMismatch:
		return "length mismatch"
	case KindRemote:
		return "remote error"
	default:
		return fmt.Sprintf("unknown_kind_%d", int(k))
	}
}

// KindOf returns the kind of the first *Error in err's chain,
// or KindUnknown if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IO creates an io error for op on path.
func IO(op, path string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Path: path, Err: err}
}

// Format creates a format error for op on path.
func Format(op, path, message string) *Error {
	return &Error{Kind: KindFormat, Op: op, Path: path, Message: message}
}

// Conversion creates a conversion error for op on path.
func Conversion(op, path string, err error) *Error {
	return &Error{Kind: KindConversion, Op: op, Path: path, Err: err}
}

// InvalidSegment creates an invalid segment error.
func InvalidSegment(message string) *Error {
	return &Error{Kind: KindInvalidSegment, Op: "validate segments", Message: message}
}

// Range creates a range error for op.
func Range(op, message string) *Error {
	return &Error{Kind: KindRange, Op: op, Message: message}
}

// LengthMismatch creates a length mismatch error for op.
func LengthMismatch(op, message string) *Error {
	return &Error{Kind: KindLengthMismatch, Op: op, Message: message}
}

// Remote creates a remote error for op.
func Remote(op string, err error) *Error {
	return &Error{Kind: KindRemote, Op: op, Err: err}
}

// Wrap attaches an underlying error and returns e.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}
