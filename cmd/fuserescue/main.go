// Command fuserescue mounts a failing block device as a single read-only
// FUSE file, recovering bytes on demand as they are read and tracking
// progress in a ddrescue-compatible mapfile (spec.md §6).
package main

import (
	"fmt"
	"io"
	"os"

	fuserescue "github.com/dabrecht/fuserescue-go"
	"github.com/dabrecht/fuserescue-go/internal/blockdev"
	"github.com/dabrecht/fuserescue-go/internal/fsadapter"
	"github.com/dabrecht/fuserescue-go/internal/numeric"
	"github.com/dabrecht/fuserescue-go/internal/recovery"
	"github.com/dabrecht/fuserescue-go/internal/rescuemap"
	"github.com/dabrecht/fuserescue-go/internal/session"
	"github.com/dabrecht/fuserescue-go/internal/shell"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fuserescue.FatalExit(err)
	}
}

// run is main's body, factored out so argument handling can be reasoned
// about (and, when the toolchain is available, tested) without exec'ing a
// subprocess per case.
func run(args []string) error {
	cfg, err := parseArgs(args)
	if err != nil {
		usage()
		return fuserescue.NewError("args", fuserescue.ErrCodeStartup, err.Error())
	}

	infile, err := blockdev.OpenInfile(cfg.infilePath)
	if err != nil {
		return fuserescue.WrapError("infile.open", err)
	}
	defer infile.Close()

	infileLen, err := infile.Seek(0, io.SeekEnd)
	if err != nil {
		return fuserescue.WrapError("infile.seek", err)
	}
	if cfg.offset >= uint64(infileLen) {
		return fuserescue.NewError("args", fuserescue.ErrCodeStartup, "offset must be strictly less than the infile's seekable length")
	}
	size := cfg.size
	if size == 0 || cfg.offset+size > uint64(infileLen) {
		size = uint64(infileLen) - cfg.offset
	}

	outfile, err := blockdev.OpenOutfile(cfg.outfilePath)
	if err != nil {
		return fuserescue.WrapError("outfile.open", err)
	}
	defer outfile.Close()
	if err := blockdev.EnsureSize(outfile, int64(size)); err != nil {
		return fuserescue.WrapError("outfile.ensuresize", err)
	}

	m, err := rescuemap.Load(cfg.mapfilePath, size)
	if err != nil {
		return fuserescue.NewError("mapfile.load", fuserescue.ErrCodeStartup, err.Error())
	}

	if info, err := os.Stat(cfg.mountpoint); err != nil {
		return fuserescue.WrapError("mountpoint.stat", err)
	} else if !info.Mode().IsRegular() {
		return fuserescue.NewError("mountpoint.stat", fuserescue.ErrCodeStartup, "mountpoint must be a regular file")
	}

	blockSize := blockdev.BlockSize(infile.Fd())
	sess := session.New(infile, outfile, cfg.infilePath, cfg.mapfilePath, cfg.offset, size, blockSize, m)
	// NonScraped is deliberately excluded from the default: scraping bytes
	// already known to be bad sectors is not attempted automatically on
	// every read.
	sess.SetRecoverStates(rescuemap.StateMask(0).
		Set(rescuemap.NonTried).
		Set(rescuemap.NonTrimmed))

	metrics := fuserescue.NewMetrics()
	engine := recovery.New(sess, infile, outfile, fuserescue.NewMetricsObserver(metrics), nil)

	fatalCh := make(chan error, 1)
	server, err := fsadapter.Mount(cfg.mountpoint, sess, engine, func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	})
	if err != nil {
		return fuserescue.NewError("mount", fuserescue.ErrCodeStartup, err.Error())
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return fuserescue.NewError("mount", fuserescue.ErrCodeStartup, err.Error())
	}

	sh := shell.New(sess, os.Stdin, os.Stdout, os.Stderr, func() {
		server.Unmount()
	})

	done := make(chan struct{})
	go func() {
		sh.Run()
		server.Unmount()
		close(done)
	}()

	select {
	case err := <-fatalCh:
		server.Unmount()
		return err
	case <-done:
	}

	server.Wait()

	if sess.Unsaved() {
		sess.Lock()
		err := rescuemap.Save(sess.MapfilePath(), sess.Map)
		sess.Unlock()
		if err != nil {
			return fuserescue.NewError("mapfile.save", fuserescue.ErrCodeMapSave, err.Error())
		}
		sess.ClearUnsaved()
	}

	return nil
}

type config struct {
	infilePath  string
	outfilePath string
	mapfilePath string
	mountpoint  string
	offset      uint64
	size        uint64
}

// parseArgs parses "infile outfile mapfile mountpoint [offset] [size]"
// using parse_u64 semantics for the two trailing numeric arguments
// (spec.md §6).
func parseArgs(args []string) (config, error) {
	if len(args) < 4 || len(args) > 6 {
		return config{}, fmt.Errorf("expected 4 to 6 arguments, got %d", len(args))
	}

	cfg := config{
		infilePath:  args[0],
		outfilePath: args[1],
		mapfilePath: args[2],
		mountpoint:  args[3],
	}

	if len(args) >= 5 {
		v, err := numeric.ParseU64(args[4])
		if err != nil {
			return config{}, fmt.Errorf("bad offset %q: %w", args[4], err)
		}
		cfg.offset = v
	}
	if len(args) == 6 {
		v, err := numeric.ParseU64(args[5])
		if err != nil {
			return config{}, fmt.Errorf("bad size %q: %w", args[5], err)
		}
		cfg.size = v
	}

	return cfg, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fuserescue infile outfile mapfile mountpoint [offset] [size]")
}
