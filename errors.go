// Package fuserescue implements an on-demand, ddrescue-compatible data
// recovery filesystem: a damaged block device is exposed read-only through
// FUSE, with bytes recovered lazily as they are read and tracked in a
// ddrescue-format mapfile.
package fuserescue

import (
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"
)

// RescueErrorCode categorizes a fatal error to one of the exit codes in
// spec.md §6.
type RescueErrorCode string

const (
	ErrCodeStartup       RescueErrorCode = "startup failure"
	ErrCodeOutfileIO     RescueErrorCode = "outfile I/O failure"
	ErrCodeInfileSeek    RescueErrorCode = "infile seek failure"
	ErrCodeMapMutation   RescueErrorCode = "map mutation failure"
	ErrCodeMapSave       RescueErrorCode = "map save or corruption failure"
	ErrCodeUnrecoverable RescueErrorCode = "unrecoverable byte range"
)

// exitCodes maps a RescueErrorCode to the process exit status from §6.
// ErrCodeUnrecoverable has no process-exit analog; it is a per-read error,
// never passed to FatalExit.
var exitCodes = map[RescueErrorCode]int{
	ErrCodeStartup:     1,
	ErrCodeOutfileIO:   2,
	ErrCodeInfileSeek:  3,
	ErrCodeMapMutation: 4,
	ErrCodeMapSave:     5,
}

// Error is a structured error carrying the operation, byte range, and
// category of a recovery failure, adapted from the teacher's errno-mapping
// error type to this domain's exit-code and byte-range context.
type Error struct {
	Op     string          // operation that failed, e.g. "infile.read", "outfile.write"
	Offset uint64          // byte offset involved, if any
	Size   uint64          // byte count involved, if any
	Code   RescueErrorCode // high-level category
	Errno  syscall.Errno   // kernel errno, 0 if not applicable
	Msg    string          // human-readable message
	Inner  error           // wrapped error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Size != 0 {
		return fmt.Sprintf("fuserescue: %s: %s (offset=%#x size=%#x)", e.Op, msg, e.Offset, e.Size)
	}
	if e.Errno != 0 {
		return fmt.Sprintf("fuserescue: %s: %s (errno=%d)", e.Op, msg, e.Errno)
	}
	return fmt.Sprintf("fuserescue: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ExitCode returns the process exit status for a fatal error of this
// category (spec.md §6). It returns false for categories with no process
// exit, i.e. ErrCodeUnrecoverable.
func (e *Error) ExitCode() (int, bool) {
	code, ok := exitCodes[e.Code]
	return code, ok
}

// NewError builds a structured error for op/code with a plain message.
func NewError(op string, code RescueErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewRangeError builds a structured error scoped to a byte range, used for
// the per-read "unrecoverable" and outfile/infile I/O failures that carry
// an offset and size (spec.md §4.4, §7).
func NewRangeError(op string, offset, size uint64, code RescueErrorCode, msg string) *Error {
	return &Error{Op: op, Offset: offset, Size: size, Code: code, Msg: msg}
}

// WrapErrno wraps a syscall errno with operation and category context.
func WrapErrno(op string, code RescueErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error(), Inner: errno}
}

// WrapError wraps an arbitrary error with operation and category context,
// classifying a bare syscall.Errno via mapErrnoToCode when the caller does
// not already know the right category.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if re, ok := inner.(*Error); ok {
		return &Error{Op: op, Offset: re.Offset, Size: re.Size, Code: re.Code, Errno: re.Errno, Msg: re.Msg, Inner: re.Inner}
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrCodeStartup, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode classifies a kernel errno into a RescueErrorCode. Only
// used when the call site has no more specific category in hand.
func mapErrnoToCode(errno syscall.Errno) RescueErrorCode {
	switch errno {
	case syscall.ENOSPC, syscall.EIO:
		return ErrCodeOutfileIO
	case syscall.ESPIPE:
		return ErrCodeInfileSeek
	default:
		return ErrCodeStartup
	}
}

// IsCode reports whether err is a *Error with the given category.
func IsCode(err error, code RescueErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// FatalExit logs err and terminates the process with the exit code for
// err's category (spec.md §6, §7: "any unexpected errno from the infile...
// any outfile error, any map structural violation, any save failure" all
// terminate the process). Non-*Error values exit 1 (startup/unclassified).
func FatalExit(err error) {
	var e *Error
	if errors.As(err, &e) {
		log.Printf("fatal: %v", e)
		if code, ok := e.ExitCode(); ok {
			os.Exit(code)
		}
		os.Exit(1)
	}
	log.Printf("fatal: %v", err)
	os.Exit(1)
}
