// Package kerr defines the closed error taxonomy shared by every kernel
// subsystem. Every fallible core operation returns a *kerr.Error (or nil)
// rather than an ad-hoc error string, so callers can switch on Code.
package kerr

import (
	"errors"
	"fmt"
)

// Code is one of the fixed kernel error kinds.
type Code int

const (
	// Ok means the operation succeeded. Functions that can fail still
	// return *Error, using Ok only to satisfy code that range over Code
	// values; a nil *Error is the normal "no error" return.
	Ok Code = iota
	Unknown
	SyscallInvalidIdx
	NotFound
	WrongType
	AlreadyExists
	InvalidName
	InvalidParam
	InvalidOp
	DeviceFailed
	StorageError
	SyncMsgIncomplete
	SyncMsgNotAccepted
	SyncMsgQueueEmpty
	SyncMsgMismatch
	OutOfResource
	Unrecognised
	TransferTooLarge
)

var codeNames = [...]string{
	Ok:                 "ok",
	Unknown:            "unknown",
	SyscallInvalidIdx:  "syscall-invalid-idx",
	NotFound:           "not-found",
	WrongType:          "wrong-type",
	AlreadyExists:      "already-exists",
	InvalidName:        "invalid-name",
	InvalidParam:       "invalid-param",
	InvalidOp:          "invalid-op",
	DeviceFailed:       "device-failed",
	StorageError:       "storage-error",
	SyncMsgIncomplete:  "sync-msg-incomplete",
	SyncMsgNotAccepted: "sync-msg-not-accepted",
	SyncMsgQueueEmpty:  "sync-msg-queue-empty",
	SyncMsgMismatch:    "sync-msg-mismatch",
	OutOfResource:      "out-of-resource",
	Unrecognised:       "unrecognised",
	TransferTooLarge:   "transfer-too-large",
}

func (c Code) String() string {
	if int(c) < 0 || int(c) >= len(codeNames) || codeNames[c] == "" {
		return "unknown"
	}
	return codeNames[c]
}

// Error wraps a Code with the operation that produced it and, optionally,
// an underlying cause. Op is a short "package.Func" style label used for
// diagnostics only; callers should switch on Code, never parse Op or
// Error().
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no underlying cause.
func New(op string, code Code) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap builds an *Error that carries an underlying cause.
func Wrap(op string, code Code, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// OnPanic, if non-nil, is invoked by Panic before it unwinds, so that
// callers higher up the stack (the boot package) get a chance to signal
// every other simulated CPU to halt. kerr itself has no notion of CPUs;
// this is the seam boot.Init wires itself into.
var OnPanic func(reason string)

// Panic reports an unrecoverable kernel invariant violation (mutex
// release from a non-owner when checked, PML4 desync, a page table
// entry already present on map) and stops all CPUs. A single Go
// process can't literally halt other cores; OnPanic is how the boot
// package's per-CPU supervisor approximates that.
func Panic(reason string, args ...any) {
	msg := fmt.Sprintf(reason, args...)
	if OnPanic != nil {
		OnPanic(msg)
	}
	panic(msg)
}

// CodeOf extracts the Code from err, or Unknown if err does not wrap a
// *Error. A nil err reports Ok.
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
