package fuserescue

import (
	"errors"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("startup", ErrCodeStartup, "mountpoint is not a regular file")

	if err.Op != "startup" {
		t.Errorf("Op = %q, want %q", err.Op, "startup")
	}
	if err.Code != ErrCodeStartup {
		t.Errorf("Code = %s, want %s", err.Code, ErrCodeStartup)
	}

	expected := "fuserescue: startup: mountpoint is not a regular file"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestRangeError(t *testing.T) {
	err := NewRangeError("recovery.read", 0x1000, 0x200, ErrCodeUnrecoverable, "policy refused")

	if err.Offset != 0x1000 || err.Size != 0x200 {
		t.Errorf("Offset/Size = %#x/%#x, want 0x1000/0x200", err.Offset, err.Size)
	}

	expected := "fuserescue: recovery.read: policy refused (offset=0x1000 size=0x200)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestWrapErrno(t *testing.T) {
	err := WrapErrno("infile.read", ErrCodeStartup, syscall.EIO)

	if err.Errno != syscall.EIO {
		t.Errorf("Errno = %v, want EIO", err.Errno)
	}
	if !errors.Is(err, syscall.EIO) {
		t.Error("expected errors.Is to match the wrapped EIO")
	}
}

func TestWrapErrorClassifiesErrno(t *testing.T) {
	err := WrapError("outfile.write", syscall.ENOSPC)

	if err.Code != ErrCodeOutfileIO {
		t.Errorf("Code = %s, want %s", err.Code, ErrCodeOutfileIO)
	}
	if err.Errno != syscall.ENOSPC {
		t.Errorf("Errno = %v, want ENOSPC", err.Errno)
	}
}

func TestWrapErrorPreservesStructuredError(t *testing.T) {
	inner := NewRangeError("recovery.read", 0, 10, ErrCodeUnrecoverable, "policy refused")
	wrapped := WrapError("fsadapter.read", inner)

	if wrapped.Code != ErrCodeUnrecoverable {
		t.Errorf("Code = %s, want %s", wrapped.Code, ErrCodeUnrecoverable)
	}
	if wrapped.Offset != 0 || wrapped.Size != 10 {
		t.Errorf("Offset/Size not preserved: %#x/%#x", wrapped.Offset, wrapped.Size)
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Error("WrapError(nil) should return nil")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("map.save", ErrCodeMapSave, "normalize failed")

	if !IsCode(err, ErrCodeMapSave) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeStartup) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeMapSave) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		code RescueErrorCode
		want int
		ok   bool
	}{
		{ErrCodeStartup, 1, true},
		{ErrCodeOutfileIO, 2, true},
		{ErrCodeInfileSeek, 3, true},
		{ErrCodeMapMutation, 4, true},
		{ErrCodeMapSave, 5, true},
		{ErrCodeUnrecoverable, 0, false},
	}
	for _, c := range cases {
		err := &Error{Code: c.code}
		got, ok := err.ExitCode()
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("ExitCode() for %s = (%d, %v), want (%d, %v)", c.code, got, ok, c.want, c.ok)
		}
	}
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		want  RescueErrorCode
	}{
		{syscall.EIO, ErrCodeOutfileIO},
		{syscall.ENOSPC, ErrCodeOutfileIO},
		{syscall.ESPIPE, ErrCodeInfileSeek},
		{syscall.EPERM, ErrCodeStartup},
	}
	for _, c := range cases {
		if got := mapErrnoToCode(c.errno); got != c.want {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", c.errno, got, c.want)
		}
	}
}
