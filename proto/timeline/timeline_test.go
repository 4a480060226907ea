package timeline_test

import (
	"bytes"
	"testing"

	"github.com/BBVA/mercury-reels"
	"github.com/BBVA/mercury-reels/proto/timeline"
)

type fakeCoder map[string]uint64

func (f fakeCoder) Lookup(emitter, description string, weight float64) uint64 {
	return f[emitter+"|"+description]
}

func TestScan_RejectsEmptyActor(t *testing.T) {
	s := timeline.New(nil, "%Y-%m-%d")
	coder := fakeCoder{"e|d": 1}
	if s.Scan("e", "d", 1.0, "", "2020-01-01", coder) {
		t.Fatalf("Scan accepted an empty actor id")
	}
}

func TestScan_RejectsActorOutsideAllowSet(t *testing.T) {
	allow := map[uint64]bool{reels.HashString("alice"): true}
	s := timeline.New(allow, "%Y-%m-%d")
	coder := fakeCoder{"e|d": 1}
	if s.Scan("e", "d", 1.0, "bob", "2020-01-01", coder) {
		t.Fatalf("Scan accepted an actor outside the allow-set")
	}
	if !s.Scan("e", "d", 1.0, "alice", "2020-01-01", coder) {
		t.Fatalf("Scan rejected an actor inside the allow-set")
	}
}

func TestScan_RejectsUnknownTriple(t *testing.T) {
	s := timeline.New(nil, "%Y-%m-%d")
	coder := fakeCoder{}
	if s.Scan("e", "d", 1.0, "alice", "2020-01-01", coder) {
		t.Fatalf("Scan accepted a triple the coder does not know")
	}
}

func TestScan_RejectsUnparsableTimestamp(t *testing.T) {
	s := timeline.New(nil, "%Y-%m-%d")
	coder := fakeCoder{"e|d": 1}
	if s.Scan("e", "d", 1.0, "alice", "not-a-date", coder) {
		t.Fatalf("Scan accepted an unparsable timestamp")
	}
}

func TestScan_OverwritesOnTimestampCollision(t *testing.T) {
	s := timeline.New(nil, "%Y-%m-%d")
	coder := fakeCoder{"e|d": 1, "e|d2": 2}

	if !s.Scan("e", "d", 1.0, "alice", "2020-01-01", coder) {
		t.Fatalf("first Scan rejected")
	}
	if !s.Scan("e", "d2", 1.0, "alice", "2020-01-01", coder) {
		t.Fatalf("second Scan at the same timestamp rejected")
	}

	clip, ok := s.Clip(reels.HashString("alice"))
	if !ok {
		t.Fatalf("expected a clip for alice")
	}
	if clip.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (second event should overwrite the first at the same timestamp)", clip.Len())
	}
	entries := clip.Entries()
	if entries[0].Code != 2 {
		t.Errorf("Code = %d, want 2 (the later Scan call should win)", entries[0].Code)
	}
}

func TestCollapseToStates_DropsConsecutiveDuplicates(t *testing.T) {
	s := timeline.New(nil, "%Y-%m-%d")
	coder := fakeCoder{"e|a": 1, "e|b": 2}

	s.Scan("e", "a", 1.0, "alice", "2020-01-01", coder)
	s.Scan("e", "a", 1.0, "alice", "2020-01-02", coder)
	s.Scan("e", "b", 1.0, "alice", "2020-01-03", coder)
	s.Scan("e", "a", 1.0, "alice", "2020-01-04", coder)

	s.CollapseToStates()

	clip, _ := s.Clip(reels.HashString("alice"))
	entries := clip.Entries()
	if len(entries) != 3 {
		t.Fatalf("Entries() after collapse has %d entries, want 3; got %+v", len(entries), entries)
	}
	want := []uint64{1, 2, 1}
	for i, e := range entries {
		if e.Code != want[i] {
			t.Errorf("entries[%d].Code = %d, want %d", i, e.Code, want[i])
		}
	}
}

func TestRelabel_RewritesStoredCodes(t *testing.T) {
	s := timeline.New(nil, "%Y-%m-%d")
	coder := fakeCoder{"e|a": 1, "e|b": 2}
	s.Scan("e", "a", 1.0, "alice", "2020-01-01", coder)
	s.Scan("e", "b", 1.0, "alice", "2020-01-02", coder)

	s.Relabel(map[uint64]uint64{1: 100})

	clip, _ := s.Clip(reels.HashString("alice"))
	for _, e := range clip.Entries() {
		if e.Code == 1 {
			t.Errorf("code 1 should have been relabeled to 100")
		}
	}
	if clip.Entries()[1].Code != 2 {
		t.Errorf("code 2 (absent from the dict) should be unchanged")
	}
}

func TestClone_IsIndependentOfOriginal(t *testing.T) {
	s := timeline.New(nil, "%Y-%m-%d")
	coder := fakeCoder{"e|a": 1}
	s.Scan("e", "a", 1.0, "alice", "2020-01-01", coder)

	clone, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	clone.Relabel(map[uint64]uint64{1: 999})

	clip, _ := s.Clip(reels.HashString("alice"))
	if clip.Entries()[0].Code != 1 {
		t.Errorf("mutating the clone mutated the original store's clip")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := timeline.New(nil, "%Y-%m-%d")
	coder := fakeCoder{"e|a": 1, "e|b": 2}
	s.Scan("e", "a", 1.0, "alice", "2020-01-01", coder)
	s.Scan("e", "b", 1.0, "alice", "2020-01-02", coder)
	s.Scan("e", "a", 1.0, "bob", "2020-01-03", coder)

	var buf bytes.Buffer
	if err := s.Save(reels.NewWriter(&buf)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := timeline.Load(reels.NewReader(&buf), nil, "%Y-%m-%d")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.NumActors() != s.NumActors() {
		t.Errorf("NumActors() after round-trip = %d, want %d", loaded.NumActors(), s.NumActors())
	}
	if loaded.NumEvents() != s.NumEvents() {
		t.Errorf("NumEvents() after round-trip = %d, want %d", loaded.NumEvents(), s.NumEvents())
	}

	wantClip, _ := s.Clip(reels.HashString("alice"))
	gotClip, ok := loaded.Clip(reels.HashString("alice"))
	if !ok {
		t.Fatalf("loaded store is missing alice's clip")
	}
	if gotClip.Len() != wantClip.Len() {
		t.Errorf("alice's clip length after round-trip = %d, want %d", gotClip.Len(), wantClip.Len())
	}
}
