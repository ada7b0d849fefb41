package rescuemap

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/dabrecht/fuserescue-go/internal/numeric"
)

// maxLineLength bounds a mapfile line; anything longer aborts the load.
const maxLineLength = 256

const header = "# Mapfile. Created by fuserescue-go\n" +
	"#\n" +
	"# current_pos  current_status\n" +
	"0  +\n" +
	"#      pos        size  status\n"

// Load reads a mapfile from path into a new Map. A missing file is treated
// as success with an empty map over the given total size. After loading,
// the map is normalized (§4.3); a normalization failure fails the load.
func Load(path string, total uint64) (*Map, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(total), nil
	}
	if err != nil {
		return nil, fmt.Errorf("rescuemap: open %s: %w", path, err)
	}
	defer f.Close()

	m := New(total)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, maxLineLength), maxLineLength)
	sawStatus := false

	for sc.Scan() {
		line := sc.Text()
		if len(line) > maxLineLength {
			return nil, fmt.Errorf("rescuemap: %s: line exceeds %d bytes", path, maxLineLength)
		}
		trimmed := numeric.SkipSpaces(line)
		if trimmed == "" || trimmed[0] == '#' {
			continue
		}
		if !sawStatus {
			t, err := parseStatusLine(trimmed)
			if err != nil {
				return nil, fmt.Errorf("rescuemap: %s: %w", path, err)
			}
			m.Total, m.Header = t.total, t.header
			sawStatus = true
			continue
		}
		seg, err := parseEntryLine(trimmed)
		if err != nil {
			return nil, fmt.Errorf("rescuemap: %s: %w", path, err)
		}
		m.Entries = append(m.Entries, seg)
	}
	if err := sc.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, fmt.Errorf("rescuemap: %s: line exceeds %d bytes", path, maxLineLength)
		}
		return nil, fmt.Errorf("rescuemap: %s: %w", path, err)
	}

	if err := m.Normalize(); err != nil {
		return nil, fmt.Errorf("rescuemap: %s: %w", path, err)
	}
	return m, nil
}

type statusLine struct {
	total  uint64
	header HeaderState
}

func parseStatusLine(s string) (statusLine, error) {
	cur := numeric.NewCursor(s)
	total, err := cur.ParseU64()
	if err != nil {
		return statusLine{}, fmt.Errorf("bad status line %q: %w", s, err)
	}
	cur.SkipSpaces()
	rest := cur.Remaining()
	if rest == "" {
		return statusLine{}, fmt.Errorf("bad status line %q: missing status character", s)
	}
	h, ok := HeaderStateFromChar(rest[0])
	if !ok {
		return statusLine{}, fmt.Errorf("bad status line %q: unknown status character %q", s, rest[0])
	}
	return statusLine{total: total, header: h}, nil
}

func parseEntryLine(s string) (Segment, error) {
	cur := numeric.NewCursor(s)
	offset, err := cur.ParseU64()
	if err != nil {
		return Segment{}, fmt.Errorf("bad entry %q: offset: %w", s, err)
	}
	cur.SkipSpaces()
	size, err := cur.ParseU64()
	if err != nil {
		return Segment{}, fmt.Errorf("bad entry %q: size: %w", s, err)
	}
	cur.SkipSpaces()
	rest := cur.Remaining()
	if rest == "" {
		return Segment{}, fmt.Errorf("bad entry %q: missing state character", s)
	}
	state, ok := StateFromChar(rest[0])
	if !ok {
		return Segment{}, fmt.Errorf("bad entry %q: unknown state character %q", s, rest[0])
	}
	return Segment{Offset: offset, Size: size, State: state}, nil
}

// Save writes the map to path in ddrescue text format: the fixed header
// comment block, a status line, a column comment, then one entry line per
// segment. Save always begins with a normalization pass; if that fails it
// returns an error without creating or truncating the file. Save neither
// dumps the map nor exits: its callers report the failure as a map-save
// error (exit code 5) and do not dump the map to standard output.
func Save(path string, m *Map) error {
	if err := m.Normalize(); err != nil {
		return fmt.Errorf("rescuemap: normalize before save: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return fmt.Errorf("rescuemap: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeMap(w, m); err != nil {
		return fmt.Errorf("rescuemap: write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("rescuemap: flush %s: %w", path, err)
	}
	return f.Sync()
}

// Dump writes the map to w in the same format as Save, for the shell's
// "show map" command.
func Dump(w io.Writer, m *Map) error {
	return writeMap(w, m)
}

func writeMap(w io.Writer, m *Map) error {
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	for _, e := range m.Entries {
		if _, err := fmt.Fprintf(w, "%s  %s  %c\n",
			numeric.FormatHexU64(e.Offset), numeric.FormatHexU64(e.Size), e.State.Char()); err != nil {
			return err
		}
	}
	return nil
}
