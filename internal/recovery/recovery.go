// Package recovery implements the read-path recovery engine (spec.md
// §4.4): it turns a user read into a minimum set of outfile copies plus
// bidirectional infile recovery attempts, updating the session's map as
// it goes.
package recovery

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/dabrecht/fuserescue-go"
	"github.com/dabrecht/fuserescue-go/internal/logging"
	"github.com/dabrecht/fuserescue-go/internal/rescuemap"
	"github.com/dabrecht/fuserescue-go/internal/session"
)

// maxSlices caps the planning phase's fragment count, mirroring the
// original's static to_recover array bound.
const maxSlices = 1024 * 1024

// Source is the infile side of the engine: a seekable, already-opened
// device or file. *os.File satisfies this; tests use *blockdev.FakeDevice.
type Source interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Sink is the outfile side: recovered bytes are written here, and bytes
// already Finished are read back from here.
type Sink interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// ErrPartial reports that some bytes in a read could not be served: the
// recovery policy refused them, or every recovery attempt over them
// failed. The caller (the filesystem adapter) turns this into -EIO for
// that one read; the process keeps running.
var ErrPartial = errors.New("fuserescue: read partially unrecoverable")

// Engine is C4.
type Engine struct {
	sess    *session.Session
	infile  Source
	outfile Sink
	obs     fuserescue.Observer
	log     *logging.Logger
}

// New builds a recovery engine over sess, reading infile and read/writing
// outfile. obs and logger may be nil, defaulting to a no-op observer and
// the package default logger respectively.
func New(sess *session.Session, infile Source, outfile Sink, obs fuserescue.Observer, logger *logging.Logger) *Engine {
	if obs == nil {
		obs = fuserescue.NoOpObserver{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{sess: sess, infile: infile, outfile: outfile, obs: obs, log: logger}
}

// span is a half-open byte range still awaiting recovery.
type span struct {
	start, end uint64
}

func (s span) empty() bool { return s.start >= s.end }

// Read serves [userOffset, userOffset+userSize), clamped to the session
// size. It always returns a full-length buffer, zero wherever bytes
// couldn't be served. err is nil on full success, ErrPartial if any
// subrange was refused or unrecoverable, or a *fuserescue.Error for a
// process-fatal condition (outfile corruption, an unexpected infile
// errno, or a failed map save).
func (e *Engine) Read(userOffset, userSize uint64) ([]byte, error) {
	total := e.sess.Size()
	if userOffset >= total {
		return nil, nil
	}
	if total-userOffset < userSize {
		userSize = total - userOffset
	}
	buf := make([]byte, userSize)
	if userSize == 0 {
		return buf, nil
	}
	userEnd := userOffset + userSize

	partial := false
	mask := e.sess.RecoverStates()
	toRecover, err := e.plan(userOffset, userEnd, buf, mask, &partial)
	if err != nil {
		return buf, err
	}
	snap := e.sess.SnapshotPolicy()

	if len(toRecover) > 0 {
		if !snap.Allowed {
			partial = true
			e.obs.ObserveRefused(sumSpans(toRecover))
		} else if err := e.recoverAll(toRecover, snap.BlockSize, userOffset, buf, &partial); err != nil {
			return buf, err
		}
	}

	if e.sess.Unsaved() {
		mapfilePath := e.sess.MapfilePath()
		e.sess.Lock()
		saveErr := rescuemap.Save(mapfilePath, e.sess.Map)
		e.sess.Unlock()
		e.obs.ObserveMapSave(saveErr == nil)
		if saveErr != nil {
			return buf, &fuserescue.Error{Op: "map.save", Code: fuserescue.ErrCodeMapSave, Msg: saveErr.Error(), Inner: saveErr}
		}
		e.sess.ClearUnsaved()
	}

	if partial {
		return buf, ErrPartial
	}
	return buf, nil
}

// plan is Phase 1: build the to_recover plan under the session lock,
// serving Finished overlaps from the outfile and flagging policy-refused
// ones as errors along the way (spec.md §4.4).
func (e *Engine) plan(userOffset, userEnd uint64, buf []byte, mask rescuemap.StateMask, partial *bool) ([]span, error) {
	verbosity := e.sess.LogLevel()

	e.sess.Lock()
	defer e.sess.Unlock()

	toRecover := []span{{userOffset, userEnd}}
	idx := 0

	for _, ent := range e.sess.Map.Entries {
		if idx >= len(toRecover) {
			break
		}
		if mask.Has(ent.State) {
			// eligible non-finished state: leave it part of to_recover.
			continue
		}

		entStart, entEnd := ent.Offset, ent.End()
		overlapStart := maxU64(userOffset, entStart)
		overlapEnd := minU64(userEnd, entEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		if ent.State == rescuemap.Finished {
			dst := buf[overlapStart-userOffset : overlapEnd-userOffset]
			if err := readFullAt(e.outfile, dst, int64(overlapStart)); err != nil {
				return nil, &fuserescue.Error{Op: "outfile.read", Code: fuserescue.ErrCodeOutfileIO, Msg: err.Error(), Inner: err}
			}
			e.obs.ObserveServedRead(overlapEnd - overlapStart)
			e.log.LogRecoveryRead(verbosity, overlapStart, overlapEnd)
		} else {
			*partial = true
			e.obs.ObserveRefused(overlapEnd - overlapStart)
		}

		cur := toRecover[idx]
		switch {
		case overlapStart == cur.start && overlapEnd == cur.end:
			toRecover = append(toRecover[:idx], toRecover[idx+1:]...)
		case overlapStart == cur.start:
			toRecover[idx].start = overlapEnd
		case overlapEnd == cur.end:
			toRecover[idx].end = overlapStart
		default:
			if len(toRecover)+1 > maxSlices {
				*partial = true
				return toRecover, nil
			}
			tail := span{overlapEnd, cur.end}
			toRecover[idx].end = overlapStart
			toRecover = append(toRecover, span{})
			copy(toRecover[idx+2:], toRecover[idx+1:])
			toRecover[idx+1] = tail
			idx++
		}
	}

	return toRecover, nil
}

// recoverAll is Phase 2: two cursors walk the plan, i forward from the
// front, j backward from the back, flipping direction on EIO without
// advancing the cursor that just failed (spec.md §8 scenario 4). A
// defensive final pass closes out any range the cursor bookkeeping left
// non-empty (spec.md §9's flagged "can skip the final range" concern).
func (e *Engine) recoverAll(toRecover []span, blockSize int, userOffset uint64, buf []byte, partial *bool) error {
	if blockSize <= 0 {
		blockSize = 512
	}
	scratch := make([]byte, blockSize)

	const forward, backward = 0, 1
	direction := forward
	i, j := 0, len(toRecover)-1
	for i <= j {
		if direction == forward {
			flip, err := e.recoverForward(&toRecover[i], blockSize, userOffset, buf, scratch, partial)
			if err != nil {
				return err
			}
			if flip {
				direction = backward
			} else {
				i++
			}
		} else {
			flip, err := e.recoverBackward(&toRecover[j], blockSize, userOffset, buf, scratch, partial)
			if err != nil {
				return err
			}
			if flip {
				direction = forward
			} else {
				j--
			}
		}
	}

	for k := range toRecover {
		for !toRecover[k].empty() {
			if _, err := e.recoverForward(&toRecover[k], blockSize, userOffset, buf, scratch, partial); err != nil {
				return err
			}
		}
	}
	return nil
}

// recoverForward attempts sp in blockSize-sized chunks from sp.start
// upward. On EIO it marks the attempted chunk NonScraped and the rest of
// sp NonTried, shrinks sp to just that remainder, and reports flip=true
// without otherwise advancing.
func (e *Engine) recoverForward(sp *span, blockSize int, userOffset uint64, buf []byte, scratch []byte, partial *bool) (flip bool, err error) {
	s, end := sp.start, sp.end
	for s < end {
		m := uint64(blockSize)
		if m > end-s {
			m = end - s
		}
		chunk := scratch[:m]
		e.log.LogRecoveryAttempt(e.sess.LogLevel(), e.sess.Offset(), s, s+m)

		t0 := time.Now()
		n, rerr := e.infile.ReadAt(chunk, int64(e.sess.Offset()+s))
		lat := uint64(time.Since(t0).Nanoseconds())

		if rerr != nil {
			if !errors.Is(rerr, syscall.EIO) {
				return false, fuserescue.WrapError("infile.read", rerr)
			}
			e.obs.ObserveRecovery(m, lat, false)
			e.sess.Lock()
			e.sess.Map.Update(s, s+m, rescuemap.NonScraped)
			e.sess.Map.Update(s+m, end, rescuemap.NonTried)
			e.sess.Unlock()
			e.sess.MarkUnsaved()
			*partial = true
			sp.start = s + m
			return true, nil
		}

		got := uint64(n)
		if got == 0 {
			return false, fuserescue.NewRangeError("infile.read", e.sess.Offset()+s, m, fuserescue.ErrCodeInfileSeek, "zero-byte read without error")
		}
		e.obs.ObserveRecovery(got, lat, true)
		if _, werr := e.outfile.WriteAt(chunk[:got], int64(s)); werr != nil {
			return false, &fuserescue.Error{Op: "outfile.write", Code: fuserescue.ErrCodeOutfileIO, Msg: werr.Error(), Inner: werr}
		}
		copy(buf[s-userOffset:], chunk[:got])

		e.sess.Lock()
		e.sess.Map.Update(s, s+got, rescuemap.Finished)
		e.sess.Unlock()
		e.sess.MarkUnsaved()
		s += got
	}
	sp.start = s
	return false, nil
}

// recoverBackward is the mirror of recoverForward: it reads sp's tail
// chunk-by-chunk from the high end downward. On EIO it marks the
// attempted tail chunk NonScraped and the rest NonTried, shrinks sp's end
// to exclude the attempted chunk, and reports flip=true.
func (e *Engine) recoverBackward(sp *span, blockSize int, userOffset uint64, buf []byte, scratch []byte, partial *bool) (flip bool, err error) {
	s, end := sp.start, sp.end
	for s < end {
		m := uint64(blockSize)
		if m > end-s {
			m = end - s
		}
		readStart := end - m
		chunk := scratch[:m]
		e.log.LogRecoveryAttempt(e.sess.LogLevel(), e.sess.Offset(), s, end)

		t0 := time.Now()
		n, rerr := e.infile.ReadAt(chunk, int64(e.sess.Offset()+readStart))
		lat := uint64(time.Since(t0).Nanoseconds())

		if rerr != nil {
			if !errors.Is(rerr, syscall.EIO) {
				return false, fuserescue.WrapError("infile.read", rerr)
			}
			e.obs.ObserveRecovery(m, lat, false)
			e.sess.Lock()
			e.sess.Map.Update(readStart, end, rescuemap.NonScraped)
			e.sess.Map.Update(s, readStart, rescuemap.NonTried)
			e.sess.Unlock()
			e.sess.MarkUnsaved()
			*partial = true
			sp.end = readStart
			return true, nil
		}

		got := uint64(n)
		if got == 0 {
			return false, fuserescue.NewRangeError("infile.read", e.sess.Offset()+readStart, m, fuserescue.ErrCodeInfileSeek, "zero-byte read without error")
		}
		recoveredStart := end - got
		e.obs.ObserveRecovery(got, lat, true)
		if _, werr := e.outfile.WriteAt(chunk[m-got:], int64(recoveredStart)); werr != nil {
			return false, &fuserescue.Error{Op: "outfile.write", Code: fuserescue.ErrCodeOutfileIO, Msg: werr.Error(), Inner: werr}
		}
		copy(buf[recoveredStart-userOffset:], chunk[m-got:])

		e.sess.Lock()
		e.sess.Map.Update(recoveredStart, end, rescuemap.Finished)
		e.sess.Unlock()
		e.sess.MarkUnsaved()
		end = recoveredStart
	}
	sp.end = end
	return false, nil
}

// readFullAt fills buf entirely from r starting at off, treating a
// zero-byte result (whether via io.EOF or a bare nil error) as fatal
// outfile corruption rather than looping forever (spec.md §9).
func readFullAt(r io.ReaderAt, buf []byte, off int64) error {
	read := 0
	for read < len(buf) {
		n, err := r.ReadAt(buf[read:], off+int64(read))
		if n == 0 {
			return fmt.Errorf("outfile read returned 0 bytes at offset %#x: corrupt or truncated outfile", off+int64(read))
		}
		read += n
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if errors.Is(err, io.EOF) && read < len(buf) {
			return fmt.Errorf("outfile hit EOF at offset %#x before filling %d bytes: corrupt or truncated outfile", off, len(buf))
		}
	}
	return nil
}

func sumSpans(spans []span) uint64 {
	var total uint64
	for _, s := range spans {
		total += s.end - s.start
	}
	return total
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
