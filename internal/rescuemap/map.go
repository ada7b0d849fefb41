package rescuemap

import (
	"fmt"
	"sort"
)

// EntriesMax bounds the number of segments a map may hold (spec.md §3,
// invariant 4). Real rescue jobs stay in the hundreds to low thousands of
// fragments; this is a sanity backstop, not a tuning knob.
const EntriesMax = 10 * 1024 * 1024

// Segment is a half-open byte range [Offset, Offset+Size) tagged with a
// recovery State.
type Segment struct {
	Offset uint64
	Size   uint64
	State  State
}

// End returns the exclusive end of the segment.
func (s Segment) End() uint64 {
	return s.Offset + s.Size
}

// Map is an ordered, non-overlapping, state-tagged segmentation of a device
// address space (spec.md §3). Any byte not covered by a segment is
// implicitly NonTried. A Map is not safe for concurrent use; callers
// (internal/session) serialize access with a single lock.
type Map struct {
	Total   uint64
	Header  HeaderState
	Entries []Segment
}

// New returns an empty map over a device of the given total size.
func New(total uint64) *Map {
	return &Map{Total: total, Header: HeaderNonTried}
}

// Count returns the number of segments currently in the map.
func (m *Map) Count() int {
	return len(m.Entries)
}

// move relocates the tail block Entries[i:] by n positions, growing the
// slice for n>0 (opening n empty slots at i for the caller to fill) or
// shrinking it for n<0 (deleting the -n entries immediately before i).
// This is the Go-slice analog of the original's memmove-based map_move,
// adapted from a fixed ENTRIES_MAX array to a growable slice.
func (m *Map) move(i, n int) error {
	count := len(m.Entries)
	if i > count {
		return fmt.Errorf("rescuemap: move index %d out of range (count=%d)", i, count)
	}
	if n < 0 && i+n < 0 {
		return fmt.Errorf("rescuemap: move would shift before start of map")
	}
	if n > 0 && EntriesMax-count < n {
		return fmt.Errorf("rescuemap: map exceeds %d entries", EntriesMax)
	}

	prefixEnd := i
	if n < 0 {
		prefixEnd = i + n
	}
	newEntries := make([]Segment, count+n)
	copy(newEntries[:prefixEnd], m.Entries[:prefixEnd])
	copy(newEntries[i+n:], m.Entries[i:count])
	m.Entries = newEntries
	return nil
}

// deleteRange removes entries [i, j) from the map.
func (m *Map) deleteRange(i, j int) {
	m.Entries = append(m.Entries[:i], m.Entries[j:]...)
}

// Normalize sorts segments by offset, verifies they are disjoint (invariant
// 2), and coalesces adjacent segments that share a state (invariant 3).
// It fails if any two segments overlap.
func (m *Map) Normalize() error {
	sort.SliceStable(m.Entries, func(i, j int) bool {
		return m.Entries[i].Offset < m.Entries[j].Offset
	})
	out := m.Entries[:0:0]
	for _, e := range m.Entries {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if e.Offset < prev.End() {
				return fmt.Errorf("rescuemap: overlapping entries %#x-%#x and %#x-%#x",
					prev.Offset, prev.End(), e.Offset, e.End())
			}
			if e.Offset == prev.End() && e.State == prev.State {
				prev.Size += e.Size
				continue
			}
		}
		out = append(out, e)
	}
	m.Entries = out
	return nil
}

// Update replaces the state of the half-open range [start, end) with
// newState, preserving the map's invariants (spec.md §4.3). It is the hot
// operation on the read path: the recovery engine calls it once per
// chunk as bytes are recovered or found bad.
//
// The algorithm is structured in the same two phases as the original
// map_update: first locate and rewrite/split the segment(s) intersecting
// the update range (inserting the new segment if none intersected), then
// walk forward absorbing or trimming whatever follows, so the covered
// range ends up as exactly one segment of newState, merged with any
// neighbor that already shares it.
func (m *Map) Update(start, end uint64, newState State) error {
	if end <= start {
		return nil
	}

	i, n := 0, len(m.Entries)
	inserted := false

	for ; i < n; i++ {
		entries := m.Entries
		entryStart := entries[i].Offset
		entryEnd := entries[i].End()

		if entryEnd < start {
			continue
		}
		if entryStart > end {
			break
		}

		if entries[i].State == newState {
			if start < entryStart {
				entries[i].Size += entryStart - start
				entries[i].Offset = start
			}
			if end > entryEnd {
				entries[i].Size += end - entryEnd
			}
			inserted = true
			i++
			break
		}

		switch {
		case start <= entryStart && end >= entryEnd:
			// Update fully covers the existing segment: overwrite it.
			entries[i].Offset = start
			entries[i].Size = end - start
			entries[i].State = newState
			inserted = true
			i++

		case start <= entryStart:
			// Update covers the left edge: shrink from the left, insert before.
			entries[i].Offset = end
			entries[i].Size = entryEnd - end
			if err := m.move(i, 1); err != nil {
				return err
			}
			m.Entries[i] = Segment{Offset: start, Size: end - start, State: newState}
			inserted = true
			i++

		case end >= entryEnd:
			// Update covers the right edge: shrink from the right, insert after.
			entries[i].Size = start - entryStart
			i++
			if err := m.move(i, 1); err != nil {
				return err
			}
			m.Entries[i] = Segment{Offset: start, Size: end - start, State: newState}
			inserted = true
			i++

		default:
			// Update sits strictly inside: split into three pieces.
			oldState := entries[i].State
			entries[i].Size = start - entryStart
			i++
			if err := m.move(i, 2); err != nil {
				return err
			}
			m.Entries[i] = Segment{Offset: start, Size: end - start, State: newState}
			m.Entries[i+1] = Segment{Offset: end, Size: entryEnd - end, State: oldState}
			inserted = true
			i++
		}
		break
	}

	if !inserted {
		if err := m.move(i, 1); err != nil {
			return err
		}
		m.Entries[i] = Segment{Offset: start, Size: end - start, State: newState}
		i++
	}

	// Forward-absorption pass: delete segments fully contained in the
	// update, trim (or merge) the first one that overflows the right edge.
	i--
	j := i + 1
	entries := m.Entries
	coveredEnd := entries[i].End()
	for n = len(entries); j < n; j++ {
		entryStart := entries[j].Offset
		entryEnd := entries[j].End()
		if entryStart > coveredEnd {
			break
		}
		if entryEnd > coveredEnd {
			if entries[j].State == newState {
				entries[i].Size += entryEnd - coveredEnd
				coveredEnd = entryEnd
				j++
			} else {
				entries[j].Offset = coveredEnd
				entries[j].Size = entryEnd - coveredEnd
			}
			break
		}
	}
	if j > i+1 {
		m.deleteRange(i+1, j)
	}

	return nil
}

// StateAt reports the state of the byte at offset, which is NonTried if
// offset is not covered by any segment.
func (m *Map) StateAt(offset uint64) State {
	for _, e := range m.Entries {
		if offset < e.Offset {
			break
		}
		if offset < e.End() {
			return e.State
		}
	}
	return NonTried
}
