// Package ixdb implements an embedded, transactional key/value storage
// engine that presents named ordered collections ("trees") of byte-string
// keys to byte-string values, with user-defined secondary indexes that are
// maintained automatically and atomically on every mutation.
//
// ixdb is built on top of go.etcd.io/bbolt, a memory-mapped, copy-on-write
// B+-tree store providing ACID single-writer/multi-reader transactions.
// The hard part, and the package's focus, is the index-maintenance layer:
// every Insert, Update, Upsert and Delete (and their batched forms) keeps
// the set of index entries equal, pointwise, to the image of the main
// tree's entries under each registered extractor.
package ixdb

import (
	"errors"
	"fmt"
)

// Code is a uniform error kind shared by every public operation.
type Code int

const (
	// CodeOK is not normally surfaced as an error; it exists so Code's
	// zero value is meaningful.
	CodeOK Code = iota
	CodeGeneric
	CodeInvalidArg
	CodeOutOfMemory
	CodeKeyExists
	CodeNotFound
	CodeMapFull
	CodeTxnFull
	CodeIndexError
	CodeCanceled
)

// Recoverable reports whether the correct handling of an error with this
// code is to abort the enclosing transaction, take corrective action, and
// retry: true for CodeMapFull (resize and retry) and CodeTxnFull (split
// into smaller batches). All other codes are expected business outcomes or
// programmer/internal errors, not conditions a caller retries blindly.
func (c Code) Recoverable() bool {
	return c == CodeMapFull || c == CodeTxnFull
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeGeneric:
		return "generic"
	case CodeInvalidArg:
		return "invalid argument"
	case CodeOutOfMemory:
		return "out of memory"
	case CodeKeyExists:
		return "key exists"
	case CodeNotFound:
		return "not found"
	case CodeMapFull:
		return "map full"
	case CodeTxnFull:
		return "txn full"
	case CodeIndexError:
		return "index error"
	case CodeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is the uniform error carrier every public operation fills on
// failure. Lib names the subsystem that produced the error ("tree",
// "index", "cursor", "backend", ...); Msg is a human-readable message meant
// for logs, never for control flow — callers branch on Code (or on the
// sentinel Err* values via errors.Is).
type Error struct {
	Code  Code
	Lib   string
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Lib, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Lib, e.Code, e.Msg)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is reports code-level equivalence so errors.Is(err, ErrNotFound) works
// regardless of which Lib/Msg produced the *Error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func newError(lib string, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Lib: lib, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(lib string, code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Lib: lib, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// Sentinel errors usable with errors.Is. They carry no Lib/Msg context;
// operations that fail return a fully populated *Error whose Code matches
// one of these, never these values directly, except when no more specific
// context is available.
var (
	ErrGeneric      error = &Error{Code: CodeGeneric}
	ErrInvalidArg   error = &Error{Code: CodeInvalidArg}
	ErrOutOfMemory  error = &Error{Code: CodeOutOfMemory}
	ErrKeyExists    error = &Error{Code: CodeKeyExists}
	ErrNotFound     error = &Error{Code: CodeNotFound}
	ErrMapFull      error = &Error{Code: CodeMapFull}
	ErrTxnFull      error = &Error{Code: CodeTxnFull}
	ErrIndexError   error = &Error{Code: CodeIndexError}
	ErrCanceled     error = &Error{Code: CodeCanceled}
)

// CodeOf extracts the Code from err, defaulting to CodeGeneric for errors
// not produced by this package.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeGeneric
}
