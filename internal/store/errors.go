package store

import (
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"
)

// ErrKind is the small, comparable error-kind taxonomy the repository
// layer classifies every SQLite failure into. Callers compare kinds
// with errors.Is against the sentinel values below rather than
// inspecting driver-specific codes directly.
type ErrKind string

const (
	KindBusyOrLocked ErrKind = "busy_or_locked"
	KindConstraint   ErrKind = "constraint"
	KindReadonly     ErrKind = "readonly"
	KindIO           ErrKind = "io"
	KindCantOpen     ErrKind = "cantopen"
	KindFull         ErrKind = "full"
	KindSchema       ErrKind = "schema"
	KindGeneric      ErrKind = "generic"
)

// ClassifiedError wraps an underlying storage error with its kind and
// the operation name, matching the "<op> failed: (<kind>) <errstr>
// [code=.., xcode=..]" message shape.
type ClassifiedError struct {
	Op        string
	Kind      ErrKind
	Code      int
	ExtCode   int
	Err       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s failed: (%s) %v [code=%d, xcode=%d]", e.Op, e.Kind, e.Err, e.Code, e.ExtCode)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Is lets callers write `errors.Is(err, store.KindBusyOrLocked)`-style
// checks via a thin adapter (see IsKind below); ClassifiedError itself
// only matches another ClassifiedError with the same Kind.
func (e *ClassifiedError) Is(target error) bool {
	var other *ClassifiedError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// classify maps a raw error from the ncruces/go-sqlite3 driver into a
// ClassifiedError. Non-SQLite errors (context cancellation, driver
// plumbing errors) are returned wrapped but with KindGeneric.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return &ClassifiedError{Op: op, Kind: KindGeneric, Err: err}
	}
	code := sqliteErr.Code()
	xcode := sqliteErr.ExtendedCode()
	return &ClassifiedError{
		Op:      op,
		Kind:    classifyCode(code),
		Code:    int(code),
		ExtCode: int(xcode),
		Err:     err,
	}
}

// classifyCode mirrors the primary-result-code switch used by the
// original implementation's error classifier.
func classifyCode(code sqlite3.ErrorCode) ErrKind {
	switch code {
	case sqlite3.BUSY, sqlite3.LOCKED:
		return KindBusyOrLocked
	case sqlite3.CONSTRAINT:
		return KindConstraint
	case sqlite3.READONLY:
		return KindReadonly
	case sqlite3.IOERR:
		return KindIO
	case sqlite3.CANTOPEN:
		return KindCantOpen
	case sqlite3.FULL:
		return KindFull
	case sqlite3.ERROR, sqlite3.SCHEMA:
		return KindSchema
	default:
		return KindGeneric
	}
}

// IsKind reports whether err was classified as kind, unwrapping through
// any wrapping with %w along the way.
func IsKind(err error, kind ErrKind) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// ErrNotFound is returned by lookups that find nothing, distinct from a
// storage failure: callers surface it to the caller without logging it
// as an operational failure.
var ErrNotFound = errors.New("not found")

// ErrShuttingDown names the shutting-down condition for this package.
// Pool acquisition after shutdown fails with dbpool.ErrShuttingDown,
// a distinct value; nothing in this package returns this one.
var ErrShuttingDown = errors.New("connection pool is shutting down")

// ErrWrongDimension flags a vector whose length doesn't match
// core.VectorDim.
var ErrWrongDimension = errors.New("vector has wrong dimension")
