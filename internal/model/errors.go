package model

import (
	"errors"
	"fmt"
)

// Kind discriminates failures crossing the Manager boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalid
	KindStorageUnavailable
	KindNetwork
	KindIO
	KindNotFound
	KindConflict
	KindProcess
)

var (
	ErrInvalid            = errors.New("invalid argument")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNetwork            = errors.New("network failure")
	ErrIO                 = errors.New("i/o failure")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrProcess            = errors.New("process failure")
)

var kindSentinels = map[Kind]error{
	KindInvalid:            ErrInvalid,
	KindStorageUnavailable: ErrStorageUnavailable,
	KindNetwork:            ErrNetwork,
	KindIO:                 ErrIO,
	KindNotFound:           ErrNotFound,
	KindConflict:           ErrConflict,
	KindProcess:            ErrProcess,
}

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindStorageUnavailable:
		return "storage_unavailable"
	case KindNetwork:
		return "network"
	case KindIO:
		return "io"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindProcess:
		return "process"
	default:
		return "unknown"
	}
}

// Error is returned by every lifecycle operation. Op names the operation
// (download, run, stop, logs, delete), ID the service it was called for.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Err  error
}

func NewError(kind Kind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// Errorf builds an Error with a formatted cause, %w is honored.
func Errorf(kind Kind, op, id string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Err == nil {
		return msg + ": " + e.Kind.String()
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's kind, so callers can
// write errors.Is(err, model.ErrConflict).
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
