// Package engine holds the cross-cutting engine surface: the error taxonomy
// callers receive and the cached scoring configuration.
package engine

import (
	"errors"
	"fmt"
)

// Category buckets an engine error for caller dispatch.
type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryNotFound    Category = "not_found"
	CategoryConcurrency Category = "concurrency"
	CategoryStore       Category = "store"
	CategoryExtraction  Category = "extraction"
)

// Error is a structured engine error: a category, a stable machine code, and
// a wrapped cause. Callers never receive partial results alongside one.
type Error struct {
	Category Category
	Code     string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on category+code so sentinel comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// Validation constructs a validation error (closed-set violation).
func Validation(code, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound constructs a not-found error.
func NotFound(code, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Concurrency constructs an optimistic-lock rejection; the caller retries
// the whole mutation.
func Concurrency(code, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryConcurrency, Code: code, Message: fmt.Sprintf(format, args...)}
}

// StoreFailure wraps an I/O failure from the data store.
func StoreFailure(cause error) *Error {
	return &Error{Category: CategoryStore, Code: "store_failure", Message: "store operation failed", Cause: cause}
}

// Extraction wraps an extractor failure. submitEvidence survives these; the
// artifact is persisted with a null extraction.
func Extraction(cause error) *Error {
	return &Error{Category: CategoryExtraction, Code: "extraction_failed", Message: "evidence extraction failed", Cause: cause}
}

// CategoryOf returns the category of err when it is an engine error.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return "", false
}
