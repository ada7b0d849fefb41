package fsadapter

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dabrecht/fuserescue-go/internal/blockdev"
	"github.com/dabrecht/fuserescue-go/internal/recovery"
	"github.com/dabrecht/fuserescue-go/internal/rescuemap"
	"github.com/dabrecht/fuserescue-go/internal/session"
)

func newTestFileSystem(t *testing.T, total uint64) (*fileSystem, *blockdev.FakeDevice) {
	t.Helper()
	dir := t.TempDir()

	infileStub, err := os.CreateTemp(dir, "infile")
	if err != nil {
		t.Fatalf("CreateTemp infile stub: %v", err)
	}
	outfileStub, err := os.CreateTemp(dir, "outfile")
	if err != nil {
		t.Fatalf("CreateTemp outfile stub: %v", err)
	}

	m := rescuemap.New(total)
	sess := session.New(infileStub, outfileStub, infileStub.Name(), filepath.Join(dir, "test.map"), 0, total, 4096, m)

	infile := blockdev.NewFakeDevice(int64(total))
	outfile := blockdev.NewFakeDevice(int64(total))
	engine := recovery.New(sess, infile, outfile, nil, nil)

	return newFileSystem(sess, engine, func(error) {}), infile
}

func TestGetAttrRootReportsDeviceSize(t *testing.T) {
	fs, _ := newTestFileSystem(t, 1<<20)

	attr, status := fs.GetAttr(rootName, nil)
	if status != fuse.OK {
		t.Fatalf("GetAttr(root) status = %v, want OK", status)
	}
	if attr.Size != 1<<20 {
		t.Errorf("attr.Size = %d, want %d", attr.Size, 1<<20)
	}
	if attr.Mode != fuse.S_IFREG|0440 {
		t.Errorf("attr.Mode = %#o, want %#o", attr.Mode, fuse.S_IFREG|0440)
	}
	if attr.Nlink != 1 {
		t.Errorf("attr.Nlink = %d, want 1", attr.Nlink)
	}
}

func TestGetAttrOtherPathIsNoEntry(t *testing.T) {
	fs, _ := newTestFileSystem(t, 1<<20)

	if _, status := fs.GetAttr("subdir", nil); status != fuse.ENOENT {
		t.Errorf("GetAttr(\"subdir\") status = %v, want ENOENT", status)
	}
}

func TestOpenRootAcceptsAnyFlags(t *testing.T) {
	fs, _ := newTestFileSystem(t, 1<<20)

	f, status := fs.Open(rootName, 0x12345, nil)
	if status != fuse.OK || f == nil {
		t.Fatalf("Open(root) = (%v, %v), want a file and OK", f, status)
	}
}

func TestOpenOtherPathIsNoEntry(t *testing.T) {
	fs, _ := newTestFileSystem(t, 1<<20)

	if _, status := fs.Open("nope", 0, nil); status != fuse.ENOENT {
		t.Errorf("Open(\"nope\") status = %v, want ENOENT", status)
	}
}

func TestFileReadRecoversBytesFromInfile(t *testing.T) {
	fs, infile := newTestFileSystem(t, 1<<20)
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	infile.Seed(0, data)

	h, status := fs.Open(rootName, 0, nil)
	if status != fuse.OK {
		t.Fatalf("Open: %v", status)
	}
	f := h.(*file)

	dest := make([]byte, 4096)
	result, status := f.Read(dest, 0)
	if status != fuse.OK {
		t.Fatalf("Read status = %v, want OK", status)
	}
	got, rstatus := result.Bytes(dest)
	if rstatus != fuse.OK {
		t.Fatalf("ReadResult.Bytes status = %v, want OK", rstatus)
	}
	if string(got) != string(data) {
		t.Errorf("read content mismatch")
	}
}

func TestFileReadUnrecoverableReturnsEIOWithoutCrashing(t *testing.T) {
	fs, infile := newTestFileSystem(t, 1<<20)
	infile.FailAt(0, 4096, syscall.EIO, -1)

	h, status := fs.Open(rootName, 0, nil)
	if status != fuse.OK {
		t.Fatalf("Open: %v", status)
	}
	f := h.(*file)

	dest := make([]byte, 4096)
	_, status = f.Read(dest, 0)
	if status != fuse.EIO {
		t.Errorf("Read status = %v, want EIO", status)
	}
}
