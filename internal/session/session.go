// Package session holds the single mutex-guarded state a recovery job
// shares between its two long-lived threads, the filesystem adapter and
// the control shell (spec.md §5): the interval map, the infile/outfile
// descriptors, and the small set of policy fields the shell can mutate
// mid-read.
package session

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dabrecht/fuserescue-go/internal/blockdev"
	"github.com/dabrecht/fuserescue-go/internal/rescuemap"
)

// LogLevel selects whether the two Info-level recovery-engine log lines
// are emitted (spec.md §4.4): served-outfile-range and recovery-attempt.
// LogInfo emits both; LogDefault emits neither.
type LogLevel int

const (
	LogDefault LogLevel = iota
	LogInfo
)

// Session is the one mutex-guarded struct a rescue job's two threads
// share. Every field below is read or written only while holding mu,
// except the descriptors themselves: infile/outfile reads and writes run
// lock-free, guarded instead by the single-threaded FUSE dispatch and by
// Reopen's descriptor-preserving dup2 (spec.md §5).
type Session struct {
	mu sync.Mutex

	Map *rescuemap.Map

	infile      *os.File
	outfile     *os.File
	infilePath  string
	mapfilePath string

	offset    uint64
	size      uint64
	blockSize int

	recoverStates rescuemap.StateMask
	allowed       bool
	unsaved       bool
	logLevel      LogLevel
}

// New builds a Session over an already-opened infile/outfile pair.
func New(infile, outfile *os.File, infilePath, mapfilePath string, offset, size uint64, blockSize int, m *rescuemap.Map) *Session {
	return &Session{
		Map:         m,
		infile:      infile,
		outfile:     outfile,
		infilePath:  infilePath,
		mapfilePath: mapfilePath,
		offset:      offset,
		size:        size,
		blockSize:   blockSize,
		allowed:     true,
	}
}

// Lock acquires the session mutex. Callers use this for planning passes
// and narrow state transitions (spec.md §5); it must never be held across
// blocking infile/outfile I/O.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session mutex.
func (s *Session) Unlock() { s.mu.Unlock() }

// Size returns the recovery range's byte size. Safe without the lock:
// size is fixed for the session's lifetime.
func (s *Session) Size() uint64 { return s.size }

// Offset returns the fixed base offset into the infile. Safe without the
// lock for the same reason as Size.
func (s *Session) Offset() uint64 { return s.offset }

// Snapshot captures the fields Phase 1 needs under the lock and that
// Phase 2 uses lock-free (spec.md §4.4: "Snapshot allowed and blocksize,
// release the lock").
type Snapshot struct {
	Allowed       bool
	BlockSize     int
	RecoverStates rescuemap.StateMask
}

// SnapshotPolicy returns the current allowed/blockSize/recoverStates
// under the lock, for the recovery engine to use after releasing it.
func (s *Session) SnapshotPolicy() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Allowed: s.allowed, BlockSize: s.blockSize, RecoverStates: s.recoverStates}
}

// SetAllowed sets whether on-demand recovery may proceed at all.
func (s *Session) SetAllowed(allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed = allowed
}

// Allowed reports whether recovery is currently permitted.
func (s *Session) Allowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed
}

// SetRecoverStates replaces the policy bitmask controlling which
// non-finished states are eligible for on-demand recovery.
func (s *Session) SetRecoverStates(mask rescuemap.StateMask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoverStates = mask
}

// RecoverStates returns the current recovery policy bitmask.
func (s *Session) RecoverStates() rescuemap.StateMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverStates
}

// SetBlockSize sets the chunk size recovery reads the infile in. A zero or
// negative value is rejected by the caller (the shell), not here.
func (s *Session) SetBlockSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockSize = n
}

// BlockSize returns the current recovery chunk size.
func (s *Session) BlockSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockSize
}

// SetLogLevel sets the recovery engine's log verbosity.
func (s *Session) SetLogLevel(l LogLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logLevel = l
}

// LogLevel returns the recovery engine's current log verbosity.
func (s *Session) LogLevel() LogLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLevel
}

// MarkUnsaved flags the map as having unsaved changes. It takes the lock
// itself; the recovery engine calls it right after releasing the lock it
// held to commit a map update.
func (s *Session) MarkUnsaved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsaved = true
}

// Unsaved reports whether the map has changes not yet written to the
// mapfile.
func (s *Session) Unsaved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsaved
}

// ClearUnsaved resets the unsaved flag after a successful save.
func (s *Session) ClearUnsaved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsaved = false
}

// MapfilePath returns the path the map is saved to and loaded from.
func (s *Session) MapfilePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapfilePath
}

// SetMapfilePath changes where the next save writes to (the shell's
// "save [path]" command).
func (s *Session) SetMapfilePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapfilePath = path
}

// InfilePath returns the path currently backing the infile descriptor.
func (s *Session) InfilePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infilePath
}

// Infile returns the infile descriptor for I/O. The returned *os.File is
// stable across Reopen: Reopen preserves its descriptor number via dup2,
// so a reference taken before a concurrent Reopen still reads correctly
// (either the old or the new file, per spec.md §5).
func (s *Session) Infile() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infile
}

// Outfile returns the outfile descriptor for I/O.
func (s *Session) Outfile() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outfile
}

// Reopen replaces the infile with the file at path, preserving the
// existing descriptor's number via dup2 so that a read already in flight
// on the old descriptor observes either the old file or the new one
// atomically, never a torn or invalid descriptor (spec.md §5, and the
// original's cmd_reopen).
func (s *Session) Reopen(path string) error {
	next, err := blockdev.OpenInfile(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldFd := int(s.infile.Fd())
	if err := unix.Dup2(int(next.Fd()), oldFd); err != nil {
		next.Close()
		return err
	}
	next.Close()
	s.infilePath = path
	return nil
}
