// Package blockdev opens the infile and outfile descriptors the recovery
// engine reads from and writes to, and provides the page-aligned scratch
// buffer direct I/O requires.
package blockdev

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DirectIOBufferSize caps the block size used for direct I/O, mirroring
// the original's DIRECTIO_BUFFER_SIZE.
const DirectIOBufferSize = 10240

// defaultSectorSize is used when BLKSSZGET is unavailable or fails, e.g.
// when the infile is a regular file rather than a block device.
const defaultSectorSize = 512

// OpenInfile opens path read-only, requesting O_DIRECT when the underlying
// filesystem supports it. The infile must be seekable (spec.md §6); an
// unseekable stream such as a pipe fails here.
func OpenInfile(path string) (*os.File, error) {
	f, err := openWithDirectIO(path, os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open infile %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekCurrent); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: infile %s is not seekable: %w", path, err)
	}
	return f, nil
}

// OpenOutfile opens path read-write with synchronous writes, creating it
// with mode 0660 if missing, per spec.md §6. Callers must separately
// truncate it up to the recovery size with EnsureSize.
func OpenOutfile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_SYNC, 0660)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open outfile %s: %w", path, err)
	}
	return f, nil
}

// EnsureSize truncates f up to at least size bytes, growing a short or
// freshly-created outfile without touching any existing content.
func EnsureSize(f *os.File, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("blockdev: stat outfile: %w", err)
	}
	if info.Size() >= size {
		return nil
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("blockdev: truncate outfile to %d: %w", size, err)
	}
	return nil
}

// openWithDirectIO tries O_DIRECT first and silently falls back to a
// plain open when the filesystem rejects it (common for tmpfs and for
// regular files used to stand in for a device in tests).
func openWithDirectIO(path string, flag int) (*os.File, error) {
	f, err := os.OpenFile(path, flag|unix.O_DIRECT, 0)
	if err == nil {
		return f, nil
	}
	return os.OpenFile(path, flag, 0)
}

// SectorSize reports the logical sector size of the file backing fd via
// the BLKSSZGET ioctl, falling back to 512 when fd is not a block device
// or the ioctl is unsupported.
func SectorSize(fd uintptr) int {
	n, err := unix.IoctlGetInt(int(fd), unix.BLKSSZGET)
	if err != nil || n <= 0 {
		return defaultSectorSize
	}
	return n
}

// BlockSize picks the recovery chunk size: the device's logical sector
// size, capped at DirectIOBufferSize (spec.md §6).
func BlockSize(fd uintptr) int {
	n := SectorSize(fd)
	if n > DirectIOBufferSize {
		return DirectIOBufferSize
	}
	return n
}

// AlignedBuffer returns a byte slice of the given size whose start address
// is aligned to the system page size, as O_DIRECT I/O requires. The
// backing allocation is oversized and sliced forward to the alignment
// boundary; callers keep a reference to the returned slice only, not the
// backing array.
func AlignedBuffer(size int) []byte {
	pageSize := os.Getpagesize()
	buf := make([]byte, size+pageSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if rem := addr % uintptr(pageSize); rem != 0 {
		offset = pageSize - int(rem)
	}
	return buf[offset : offset+size : offset+size]
}
