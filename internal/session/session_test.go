package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dabrecht/fuserescue-go/internal/rescuemap"
)

func newTestSession(t *testing.T) (*Session, string) {
	t.Helper()
	dir := t.TempDir()
	infilePath := filepath.Join(dir, "infile")
	if err := os.WriteFile(infilePath, []byte("0123456789"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	infile, err := os.Open(infilePath)
	if err != nil {
		t.Fatalf("Open infile: %v", err)
	}
	outfile, err := os.CreateTemp(dir, "outfile")
	if err != nil {
		t.Fatalf("CreateTemp outfile: %v", err)
	}
	m := rescuemap.New(10)
	s := New(infile, outfile, infilePath, filepath.Join(dir, "map"), 0, 10, 512, m)
	return s, dir
}

func TestSessionPolicyFields(t *testing.T) {
	s, _ := newTestSession(t)

	if !s.Allowed() {
		t.Error("new session should default to allowed")
	}
	s.SetAllowed(false)
	if s.Allowed() {
		t.Error("SetAllowed(false) did not take effect")
	}

	s.SetBlockSize(4096)
	if got := s.BlockSize(); got != 4096 {
		t.Errorf("BlockSize() = %d, want 4096", got)
	}

	mask := rescuemap.StateMask(0).Set(rescuemap.NonTried)
	s.SetRecoverStates(mask)
	if got := s.RecoverStates(); got != mask {
		t.Errorf("RecoverStates() = %v, want %v", got, mask)
	}

	s.SetLogLevel(LogInfo)
	if got := s.LogLevel(); got != LogInfo {
		t.Errorf("LogLevel() = %v, want LogInfo", got)
	}
}

func TestSessionSnapshotPolicy(t *testing.T) {
	s, _ := newTestSession(t)
	s.SetAllowed(true)
	s.SetBlockSize(2048)
	mask := rescuemap.StateMask(0).Set(rescuemap.NonScraped)
	s.SetRecoverStates(mask)

	snap := s.SnapshotPolicy()
	if !snap.Allowed || snap.BlockSize != 2048 || snap.RecoverStates != mask {
		t.Errorf("SnapshotPolicy() = %+v, want Allowed=true BlockSize=2048 RecoverStates=%v", snap, mask)
	}
}

func TestSessionUnsavedFlag(t *testing.T) {
	s, _ := newTestSession(t)
	if s.Unsaved() {
		t.Error("new session should not be unsaved")
	}
	s.MarkUnsaved()
	if !s.Unsaved() {
		t.Error("MarkUnsaved should set Unsaved()")
	}
	s.ClearUnsaved()
	if s.Unsaved() {
		t.Error("ClearUnsaved should clear Unsaved()")
	}
}

func TestSessionReopenPreservesDescriptorNumber(t *testing.T) {
	s, dir := newTestSession(t)
	oldFd := s.Infile().Fd()

	newPath := filepath.Join(dir, "infile2")
	if err := os.WriteFile(newPath, []byte("abcdefghij"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := s.Reopen(newPath); err != nil {
		t.Fatalf("Reopen: %v", err)
	}

	if s.Infile().Fd() != oldFd {
		t.Errorf("Reopen changed descriptor number: got %d, want %d", s.Infile().Fd(), oldFd)
	}
	if got := s.InfilePath(); got != newPath {
		t.Errorf("InfilePath() = %q, want %q", got, newPath)
	}

	buf := make([]byte, 10)
	n, err := s.Infile().ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt after reopen: %v", err)
	}
	if string(buf[:n]) != "abcdefghij" {
		t.Errorf("content after reopen = %q, want %q", buf[:n], "abcdefghij")
	}
}

func TestSessionMapfilePath(t *testing.T) {
	s, dir := newTestSession(t)
	newPath := filepath.Join(dir, "other.map")
	s.SetMapfilePath(newPath)
	if got := s.MapfilePath(); got != newPath {
		t.Errorf("MapfilePath() = %q, want %q", got, newPath)
	}
}
