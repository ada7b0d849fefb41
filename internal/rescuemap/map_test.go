package rescuemap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func segsEqual(t *testing.T, got []Segment, want []Segment) {
	t.Helper()
	require.Equal(t, want, got)
}

func TestMapUpdateIntoEmpty(t *testing.T) {
	m := New(1000)
	if err := m.Update(0, 1000, NonTried); err != nil {
		t.Fatalf("Update: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{{0, 1000, NonTried}})
}

func TestMapUpdateMergeAdjacentSameState(t *testing.T) {
	// update(100,200,Finished) over [0,100)Finished,[200,300)NonTried
	// should merge into [0,200)Finished,[200,300)NonTried.
	m := New(300)
	m.Entries = []Segment{
		{0, 100, Finished},
		{200, 100, NonTried},
	}
	if err := m.Update(100, 200, Finished); err != nil {
		t.Fatalf("Update: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{
		{0, 200, Finished},
		{200, 100, NonTried},
	})
}

func TestMapUpdateSplitInterior(t *testing.T) {
	m := New(1000)
	m.Entries = []Segment{{0, 1000, NonTried}}
	if err := m.Update(400, 600, Finished); err != nil {
		t.Fatalf("Update: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{
		{0, 400, NonTried},
		{400, 200, Finished},
		{600, 400, NonTried},
	})
}

func TestMapUpdateLeftEdge(t *testing.T) {
	m := New(1000)
	m.Entries = []Segment{{100, 400, NonTried}} // [100,500)
	if err := m.Update(100, 200, Finished); err != nil {
		t.Fatalf("Update: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{
		{100, 100, Finished},
		{200, 300, NonTried},
	})
}

func TestMapUpdateRightEdge(t *testing.T) {
	m := New(1000)
	m.Entries = []Segment{{100, 400, NonTried}} // [100,500)
	if err := m.Update(400, 500, Finished); err != nil {
		t.Fatalf("Update: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{
		{100, 300, NonTried},
		{400, 100, Finished},
	})
}

func TestMapUpdateFullCover(t *testing.T) {
	m := New(1000)
	m.Entries = []Segment{
		{0, 100, NonTried},
		{100, 100, NonTrimmed},
		{200, 100, BadSector},
	}
	if err := m.Update(0, 300, Finished); err != nil {
		t.Fatalf("Update: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{{0, 300, Finished}})
}

func TestMapUpdateSpansMultipleAndOverflows(t *testing.T) {
	m := New(1000)
	m.Entries = []Segment{
		{0, 100, NonTried},   // [0,100)
		{100, 100, BadSector}, // [100,200)
		{200, 100, NonTried},  // [200,300)
		{300, 700, NonTried},  // [300,1000)
	}
	if err := m.Update(50, 250, Finished); err != nil {
		t.Fatalf("Update: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{
		{0, 50, NonTried},
		{50, 200, Finished},
		{250, 50, NonTried},
		{300, 700, NonTried},
	})
}

func TestMapUpdateNoIntersectionAppends(t *testing.T) {
	m := New(1000)
	m.Entries = []Segment{{0, 100, Finished}}
	if err := m.Update(500, 600, BadSector); err != nil {
		t.Fatalf("Update: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{
		{0, 100, Finished},
		{500, 100, BadSector},
	})
}

func TestMapUpdateEmptyRangeNoop(t *testing.T) {
	m := New(1000)
	m.Entries = []Segment{{0, 100, Finished}}
	if err := m.Update(50, 50, BadSector); err != nil {
		t.Fatalf("Update: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{{0, 100, Finished}})
}

func TestMapStateAt(t *testing.T) {
	m := New(1000)
	m.Entries = []Segment{
		{0, 100, Finished},
		{200, 100, BadSector},
	}
	cases := []struct {
		offset uint64
		want   State
	}{
		{0, Finished},
		{99, Finished},
		{100, NonTried},
		{199, NonTried},
		{200, BadSector},
		{299, BadSector},
		{300, NonTried},
	}
	for _, c := range cases {
		if got := m.StateAt(c.offset); got != c.want {
			t.Errorf("StateAt(%d) = %v, want %v", c.offset, got, c.want)
		}
	}
}

func TestNormalizeSortsAndCoalesces(t *testing.T) {
	m := New(300)
	m.Entries = []Segment{
		{200, 100, Finished},
		{0, 100, Finished},
		{100, 100, Finished},
	}
	if err := m.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{{0, 300, Finished}})
}

func TestNormalizeDetectsOverlap(t *testing.T) {
	m := New(300)
	m.Entries = []Segment{
		{0, 150, Finished},
		{100, 100, NonTried},
	}
	if err := m.Normalize(); err == nil {
		t.Fatalf("expected overlap error, got nil")
	}
}

func TestNormalizeKeepsDistinctStatesSeparate(t *testing.T) {
	m := New(200)
	m.Entries = []Segment{
		{100, 100, NonTried},
		{0, 100, Finished},
	}
	if err := m.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	segsEqual(t, m.Entries, []Segment{
		{0, 100, Finished},
		{100, 100, NonTried},
	})
}
