package xerrors

import (
	"context"
	"errors"
	"image"
	iofs "io/fs"
	"net"
	"net/url"
	"os"
)

// Kind classifies xgallery errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindNotSupported
	KindNetwork
	KindIO
	KindDecode
	KindPersistence
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
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
	case KindNotSupported:
		return "not supported"
	case KindNetwork:
		return "network error"
	case KindIO:
		return "i/o error"
	case KindDecode:
		return "decode error"
	case KindPersistence:
		return "persistence error"
	case KindInternal:
		return "internal error"
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

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
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
	var urlErr *url.Error
	var netErr net.Error
	var pathErr *iofs.PathError
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &urlErr),
		errors.As(err, &netErr):
		return KindNetwork
	case errors.Is(err, image.ErrFormat):
		return KindDecode
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	case errors.As(err, &pathErr),
		errors.Is(err, iofs.ErrPermission):
		return KindIO
	default:
		return KindInternal
	}
}
