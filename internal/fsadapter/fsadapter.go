// Package fsadapter is C5: it exposes a recovery session as a single
// virtual regular file at a FUSE mount point, delegating every read to
// the recovery engine (spec.md §4.4) instead of a real filesystem tree.
package fsadapter

import (
	"errors"
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"

	"github.com/dabrecht/fuserescue-go/internal/recovery"
	"github.com/dabrecht/fuserescue-go/internal/session"
)

// rootName is the only path pathfs ever hands this filesystem for a real
// lookup: it strips the leading slash, so the mount point itself is "".
const rootName = ""

// fileSystem implements pathfs.FileSystem over a single file: the mount
// point behaves as the recovered device itself, mirroring the original's
// fuse_operations table keyed on strcmp(path, "/") (spec.md §4.5).
type fileSystem struct {
	pathfs.FileSystem
	sess    *session.Session
	engine  *recovery.Engine
	onFatal func(error)
}

func newFileSystem(sess *session.Session, engine *recovery.Engine, onFatal func(error)) *fileSystem {
	if onFatal == nil {
		onFatal = defaultFatal
	}
	return &fileSystem{
		FileSystem: pathfs.NewDefaultFileSystem(),
		sess:       sess,
		engine:     engine,
		onFatal:    onFatal,
	}
}

func (fs *fileSystem) String() string { return "fuserescue" }

// GetAttr reports the mount-point file's metadata: mode 0440, one link,
// size session.size, regular file. Anything other than the root yields
// ENOENT (spec.md §4.5: "Only path / is valid").
func (fs *fileSystem) GetAttr(name string, context *fuse.Context) (*fuse.Attr, fuse.Status) {
	if name != rootName {
		return nil, fuse.ENOENT
	}
	return &fuse.Attr{
		Mode:  fuse.S_IFREG | 0440,
		Size:  fs.sess.Size(),
		Nlink: 1,
	}, fuse.OK
}

// Open accepts any flags for the root file and rejects every other path.
func (fs *fileSystem) Open(name string, flags uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	if name != rootName {
		return nil, fuse.ENOENT
	}
	return &file{File: nodefs.NewDefaultFile(), fs: fs}, fuse.OK
}

// file is the nodefs.File handle returned by Open; everything but Read
// falls through to nodefs.NewDefaultFile's read-only defaults.
type file struct {
	nodefs.File
	fs *fileSystem
}

// Read services one kernel read request by delegating to the recovery
// engine. A partial recovery (recovery.ErrPartial) surfaces as -EIO for
// this read only; the mount stays up so later reads can retry or recover
// different bytes. Any other error is process-fatal (spec.md §4.4 Phase
// 3: outfile corruption or a failed map save cannot be serviced locally).
func (f *file) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	data, err := f.fs.engine.Read(uint64(off), uint64(len(dest)))
	switch {
	case err == nil:
		return fuse.ReadResultData(data), fuse.OK
	case errors.Is(err, recovery.ErrPartial):
		return fuse.ReadResultData(data), fuse.EIO
	default:
		f.fs.fatal(err)
		return fuse.ReadResultData(data), fuse.EIO
	}
}

// defaultFatal is used when Mount is given a nil onFatal handler; real
// callers (cmd/fuserescue) wire this to fuserescue.FatalExit so a
// corrupted outfile or failed map save terminates the process with the
// correct exit code instead of merely failing one read.
var defaultFatal = func(err error) {
	panic(fmt.Sprintf("fuserescue: fatal recovery error: %v", err))
}

func (fs *fileSystem) fatal(err error) { fs.onFatal(err) }

// Mount attaches the recovery session as a single read-only file at
// mountpoint and returns the running *fuse.Server. Callers drive it with
// Serve() (blocking) or go Serve() + WaitMount(); Unmount() tears it down.
//
// onFatal is invoked (instead of crashing the FUSE dispatch goroutine) the
// one time a read hits a process-fatal error per spec.md §4.4 Phase 3; a
// nil onFatal panics, which is only acceptable in tests.
//
// The mount is configured per spec.md §4.5: single-threaded cooperative
// dispatch, read-only, auto-unmount, no readahead, synchronous and direct
// I/O, and hard (non-lazy) removal semantics. go-fuse's MountOptions has
// no typed field for several of these (auto-unmount, sync/direct I/O); they
// are passed through as raw "-o" strings the same way fusermount(1)
// options are, per the rclone-vendored fuse.MountOptions doc comment
// ("Options are passed as -o string to fusermount").
func Mount(mountpoint string, sess *session.Session, engine *recovery.Engine, onFatal func(error)) (*fuse.Server, error) {
	impl := newFileSystem(sess, engine, onFatal)
	nfs := pathfs.NewPathNodeFs(pathfs.NewReadOnlyFileSystem(impl), nil)

	conn := nodefs.NewFileSystemConnector(nfs.Root(), nodefs.NewOptions())

	mountOpts := &fuse.MountOptions{
		SingleThreaded: true,
		Options:        []string{"ro", "auto_unmount", "sync_read", "direct_io"},
		MaxReadAhead:   0,
		FsName:         sess.InfilePath(),
		Name:           "fuserescue",
	}

	server, err := fuse.NewServer(conn.RawFS(), mountpoint, mountOpts)
	if err != nil {
		return nil, fmt.Errorf("fuserescue: mount %s: %w", mountpoint, err)
	}
	return server, nil
}
