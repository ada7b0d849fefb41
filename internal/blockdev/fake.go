package blockdev

import (
	"sync"
	"syscall"
)

// shardSize is the granularity of the fake device's internal locking,
// carried over from the teacher's sharded memory backend: fine enough to
// let concurrent ReadAt/WriteAt calls over disjoint regions proceed without
// contending on a single mutex.
const shardSize = 64 * 1024

// fault records an injected failure over a byte range of a FakeDevice.
type fault struct {
	offset, end int64
	errno       syscall.Errno
	uses        int // remaining hits before the fault clears itself, -1 = unlimited
}

// FakeDevice is an in-memory ReaderAt/WriterAt standing in for a real
// infile or outfile in tests, with the ability to inject an EIO (or any
// other errno) over a chosen byte range — the harness spec.md §8's
// end-to-end scenarios need to drive the recovery engine's trim loop.
type FakeDevice struct {
	mu     sync.RWMutex
	data   []byte
	size   int64
	shards []sync.RWMutex
	faults []fault
}

// NewFakeDevice returns a zero-filled fake device of the given size.
func NewFakeDevice(size int64) *FakeDevice {
	numShards := (size + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &FakeDevice{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// Seed writes b at offset without going through fault injection, to set up
// a test's starting content.
func (d *FakeDevice) Seed(offset int64, b []byte) {
	copy(d.data[offset:], b)
}

// FailAt injects errno for every ReadAt whose range overlaps
// [offset, offset+size) until it has fired uses times (-1 for unlimited).
func (d *FakeDevice) FailAt(offset, size int64, errno syscall.Errno, uses int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = append(d.faults, fault{offset: offset, end: offset + size, errno: errno, uses: uses})
}

// ClearFaults removes all injected faults.
func (d *FakeDevice) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = nil
}

func (d *FakeDevice) matchFault(offset int64, n int) syscall.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	end := offset + int64(n)
	for i := range d.faults {
		f := &d.faults[i]
		if f.uses == 0 {
			continue
		}
		if offset < f.end && end > f.offset {
			if f.uses > 0 {
				f.uses--
			}
			return f.errno
		}
	}
	return 0
}

// ReadAt implements io.ReaderAt, honoring any injected fault over the
// requested range before falling through to the backing buffer.
func (d *FakeDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= d.size {
		return 0, nil
	}
	available := d.size - off
	n := len(p)
	if int64(n) > available {
		n = int(available)
	}
	if errno := d.matchFault(off, n); errno != 0 {
		return 0, errno
	}

	startShard, endShard := d.shardRange(off, int64(n))
	for i := startShard; i <= endShard; i++ {
		d.shards[i].RLock()
	}
	copied := copy(p[:n], d.data[off:off+int64(n)])
	for i := startShard; i <= endShard; i++ {
		d.shards[i].RUnlock()
	}
	return copied, nil
}

// WriteAt implements io.WriterAt; writes are never faulted, matching the
// outfile's role as the always-reliable recovery destination in tests.
func (d *FakeDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= d.size {
		return 0, syscall.ENOSPC
	}
	available := d.size - off
	n := len(p)
	if int64(n) > available {
		n = int(available)
	}

	startShard, endShard := d.shardRange(off, int64(n))
	for i := startShard; i <= endShard; i++ {
		d.shards[i].Lock()
	}
	copied := copy(d.data[off:off+int64(n)], p[:n])
	for i := startShard; i <= endShard; i++ {
		d.shards[i].Unlock()
	}
	return copied, nil
}

func (d *FakeDevice) Size() int64 { return d.size }

// Bytes returns a copy of the device's current content, for assertions.
func (d *FakeDevice) Bytes() []byte {
	out := make([]byte, len(d.data))
	copy(out, d.data)
	return out
}

func (d *FakeDevice) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(d.shards) {
		end = len(d.shards) - 1
	}
	if end < start {
		end = start
	}
	return start, end
}
