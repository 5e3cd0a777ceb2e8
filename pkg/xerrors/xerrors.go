package xerrors

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
)

// Kind classifies storage errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPermission
	KindRange
	KindNotSupported
	KindInternal
	KindNotConfigured
	KindChunkSize
	KindProtocol
	KindIntegrity
	KindConnection
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	// Status carries the remote protocol status code for KindProtocol errors.
	Status uint32
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Kind == KindProtocol && e.Status != 0 {
		base += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string { return kindString(k) }

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindPermission:
		return "permission denied"
	case KindRange:
		return "invalid range"
	case KindNotSupported:
		return "not supported"
	case KindInternal:
		return "internal error"
	case KindNotConfigured:
		return "not configured"
	case KindChunkSize:
		return "chunk size exceeded"
	case KindProtocol:
		return "protocol read error"
	case KindIntegrity:
		return "integrity check failed"
	case KindConnection:
		return "connection failed"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Status creates a KindProtocol error carrying the remote status code.
func Status(op, path string, status uint32, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Path: path, Status: status, Err: err}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrExist),
		errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, iofs.ErrPermission),
		errors.Is(err, os.ErrPermission):
		return KindPermission
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the protocol status code attached to err, if any.
func StatusOf(err error) (uint32, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindProtocol {
		return e.Status, true
	}
	return 0, false
}
