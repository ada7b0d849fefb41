package rescuemap

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileIsEmptyMap(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(filepath.Join(dir, "nonexistent.map"), 1000)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Total != 1000 || m.Count() != 0 || m.Header != HeaderNonTried {
		t.Fatalf("Load(missing) = %+v, want empty map over 1000", m)
	}
}

func TestLoadParsesStatusAndEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.map")
	content := "# Mapfile. Created by fuserescue-go\n" +
		"#\n" +
		"# current_pos  current_status\n" +
		"0  +\n" +
		"#      pos        size  status\n" +
		"0x0  0x64  +\n" +
		"0x64  0x64  ?\n"
	if err := os.WriteFile(path, []byte(content), 0660); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := Load(path, 200)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Header != HeaderFinished {
		t.Errorf("Header = %v, want HeaderFinished", m.Header)
	}
	segsEqual(t, m.Entries, []Segment{
		{0, 0x64, Finished},
		{0x64, 0x64, NonTried},
	})
}

func TestLoadSkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.map")
	content := "\n# a comment\n\n0  +\n\n# another\n0x0  0x10  +\n\n"
	if err := os.WriteFile(path, []byte(content), 0660); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := Load(path, 0x10)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{{0, 0x10, Finished}})
}

func TestLoadRejectsOverlongLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.map")
	content := "0  +\n" + strings.Repeat("0", 300) + "\n"
	if err := os.WriteFile(path, []byte(content), 0660); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path, 100); err == nil {
		t.Fatalf("expected error for overlong line")
	}
}

func TestLoadRejectsOverlappingEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.map")
	content := "0  +\n0x0  0x100  +\n0x50  0x100  ?\n"
	if err := os.WriteFile(path, []byte(content), 0660); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path, 0x200); err == nil {
		t.Fatalf("expected error for overlapping entries")
	}
}

func TestSaveWritesExpectedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.map")
	m := New(0x200)
	m.Entries = []Segment{
		{0, 0x100, Finished},
		{0x100, 0x100, NonTried},
	}
	if err := Save(path, m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "# Mapfile. Created by fuserescue-go\n" +
		"#\n" +
		"# current_pos  current_status\n" +
		"0  +\n" +
		"#      pos        size  status\n" +
		"0x0  0x100  +\n" +
		"0x100  0x100  ?\n"
	if string(got) != want {
		t.Errorf("Save output:\n%s\nwant:\n%s", got, want)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtrip.map")
	m := New(1000)
	m.Entries = []Segment{
		{0, 100, Finished},
		{100, 50, NonTrimmed},
		{150, 50, BadSector},
		{200, 800, NonTried},
	}
	if err := Save(path, m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path, 1000)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	segsEqual(t, loaded.Entries, m.Entries)
}

func TestDumpMatchesSaveBody(t *testing.T) {
	m := New(10)
	m.Entries = []Segment{{0, 10, Finished}}
	var buf bytes.Buffer
	if err := Dump(&buf, m); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !strings.Contains(buf.String(), "0x0  0xA  +\n") {
		t.Errorf("Dump output missing expected entry line: %q", buf.String())
	}
}
