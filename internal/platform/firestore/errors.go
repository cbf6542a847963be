package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind uint8

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// Aborted is a transaction that exhausted its retries on contention.
var errorKinds = map[codes.Code]errorKind{
	codes.NotFound:           kindNotFound,
	codes.AlreadyExists:      kindConflict,
	codes.FailedPrecondition: kindConflict,
	codes.Aborted:            kindConflict,
	codes.OutOfRange:         kindConflict,
	codes.Unavailable:        kindUnavailable,
	codes.ResourceExhausted:  kindUnavailable,
	codes.Internal:           kindUnavailable,
}

// Error is the repositories.RepositoryError produced by Firestore-backed repositories.
type Error struct {
	op   string
	err  error
	kind errorKind
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return e.op + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// WrapError classifies err by its gRPC status so services can branch on repository semantics.
// Context cancellation and deadlines, local or reported by the server, come back as the plain
// context errors.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded {
		return context.DeadlineExceeded
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.op == "" {
			existing.op = op
		}
		return existing
	}
	return &Error{op: op, err: err, kind: errorKinds[status.Code(err)]}
}

func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsNotFound()
	}
	return status.Code(err) == codes.NotFound
}

func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsConflict()
	}
	return errorKinds[status.Code(err)] == kindConflict
}
