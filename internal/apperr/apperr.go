// Package apperr defines the error kinds surfaced by the fingerprinting core.
// Transport layers map a Kind to their own status codes.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindDecode means the bytes are not a decodable image.
	KindDecode
	// KindArchive means the zip is corrupt or holds no images.
	KindArchive
	// KindModelUnavailable means decoding was requested without a decoder.
	KindModelUnavailable
	// KindValidation means no valid image survived filtering.
	KindValidation
	// KindInference means a forward pass failed unexpectedly.
	KindInference
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindArchive:
		return "archive"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindValidation:
		return "validation"
	case KindInference:
		return "inference"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrDecode           = &Error{Kind: KindDecode}
	ErrArchive          = &Error{Kind: KindArchive}
	ErrModelUnavailable = &Error{Kind: KindModelUnavailable}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrInference        = &Error{Kind: KindInference}
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String() + " error"
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error of the given kind with a formatted cause.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind and op to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// OpOf returns the op of the first *Error in err's chain.
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}
