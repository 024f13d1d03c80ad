// Package qerr defines the error taxonomy shared by every layer of the
// provenance query engine.
//
// Every failure surfaced to a caller carries one of four codes:
//
//   - UNKNOWN_SYMBOL: a user-facing name has no binding in its namespace
//   - INVALID_INSTRUCTION: an instruction is malformed or references an illegal graph
//   - BACKEND_FAILURE: the graph store rejected or failed a statement
//   - SYMBOL_TABLE_CORRUPTION: the persisted symbol record cannot be parsed
//
// Callers test for a code with errors.Is against the package sentinels:
//
//	if errors.Is(err, qerr.ErrUnknownSymbol) {
//		// report the missing name
//	}
package qerr

import (
	"errors"
	"fmt"
)

// Code identifies the category of a query engine failure.
type Code string

const (
	UnknownSymbol         Code = "UNKNOWN_SYMBOL"
	InvalidInstruction    Code = "INVALID_INSTRUCTION"
	BackendFailure        Code = "BACKEND_FAILURE"
	SymbolTableCorruption Code = "SYMBOL_TABLE_CORRUPTION"
)

// Sentinels for errors.Is comparisons.
var (
	ErrUnknownSymbol         = &Error{Code: UnknownSymbol}
	ErrInvalidInstruction    = &Error{Code: InvalidInstruction}
	ErrBackendFailure        = &Error{Code: BackendFailure}
	ErrSymbolTableCorruption = &Error{Code: SymbolTableCorruption}
)

// Error is a categorized failure. Op names the operation that failed
// (an instruction kind, a symbol table operation, a statement name).
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel (or any *Error) with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Op == "" || t.Op == e.Op)
}

// New creates a categorized error with a formatted message.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a code to err. An err that already carries a code keeps it.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Unknown reports a missing binding for name.
func Unknown(op, name string) *Error {
	return New(UnknownSymbol, op, "no binding for %q", name)
}

// Invalid reports a malformed instruction.
func Invalid(op, format string, args ...any) *Error {
	return New(InvalidInstruction, op, format, args...)
}

// Corrupt reports an unparseable symbol table.
func Corrupt(op, format string, args ...any) *Error {
	return New(SymbolTableCorruption, op, format, args...)
}

// Backend wraps a store failure.
func Backend(op string, err error) error {
	return Wrap(BackendFailure, op, err)
}

// CodeOf returns the code carried by err, or "" when err is uncategorized.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
