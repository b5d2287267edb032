package models

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every error produced by the pipeline matches exactly one of
// these through errors.Is.
var (
	ErrDocumentUnreadable = errors.New("document unreadable")
	ErrEmbeddingService   = errors.New("embedding service error")
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrLengthMismatch     = errors.New("length mismatch")
	ErrPersistence        = errors.New("persistence error")
	ErrIndexNotFound      = errors.New("index not found")
	ErrIndexCorrupt       = errors.New("index corrupt")
	ErrGeneration         = errors.New("generation error")
	ErrModelMismatch      = errors.New("embedding model mismatch")
	ErrIngestionBusy      = errors.New("ingestion already in progress")
	ErrInvalidInput       = errors.New("invalid input")
)

var retryable = map[error]bool{
	ErrEmbeddingService: true,
	ErrGeneration:       true,
	ErrIngestionBusy:    true,
}

var kinds = []error{
	ErrDocumentUnreadable,
	ErrEmbeddingService,
	ErrDimensionMismatch,
	ErrLengthMismatch,
	ErrPersistence,
	ErrIndexNotFound,
	ErrIndexCorrupt,
	ErrGeneration,
	ErrModelMismatch,
	ErrIngestionBusy,
	ErrInvalidInput,
}

// Error carries a kind, the operation that failed and the underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// E builds an *Error. Err may be nil.
func E(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds an *Error with a formatted cause.
func Ef(kind error, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the sentinel kind of err, or nil for foreign errors.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsRetryable reports whether a caller may retry the failed operation with
// backoff.
func IsRetryable(err error) bool {
	return retryable[KindOf(err)]
}
