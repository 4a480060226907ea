package tree_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/BBVA/mercury-reels"
	"github.com/BBVA/mercury-reels/proto/timeline"
	"github.com/BBVA/mercury-reels/proto/tree"
)

type fakeCoder map[string]uint64

func (f fakeCoder) Lookup(emitter, description string, weight float64) uint64 {
	return f[emitter+"|"+description]
}

func buildStore(t *testing.T) *timeline.Store {
	t.Helper()
	s := timeline.New(nil, "%Y-%m-%d")
	coder := fakeCoder{"e|login": 1, "e|view": 2, "e|buy": 3}

	// alice: login -> view -> buy, hits target the day after "buy"
	s.Scan("e", "login", 1.0, "alice", "2020-01-01", coder)
	s.Scan("e", "view", 1.0, "alice", "2020-01-02", coder)
	s.Scan("e", "buy", 1.0, "alice", "2020-01-03", coder)

	// bob: login -> view, never hits target
	s.Scan("e", "login", 1.0, "bob", "2020-01-01", coder)
	s.Scan("e", "view", 1.0, "bob", "2020-01-02", coder)

	return s
}

func TestFit_RejectsSecondCall(t *testing.T) {
	s := buildStore(t)
	targets := tree.NewTargetTable()
	targets.Insert(reels.HashString("alice"), mustParse(t, "2020-01-04"))

	p := tree.New()
	if err := p.Fit(s, targets, tree.Log, tree.Minimax, 0.9, 8, false); err != nil {
		t.Fatalf("first Fit failed: %v", err)
	}
	if err := p.Fit(s, targets, tree.Log, tree.Minimax, 0.9, 8, false); err != tree.ErrAlreadyFitted {
		t.Fatalf("second Fit error = %v, want ErrAlreadyFitted", err)
	}
}

func TestFit_GrowsTreeBeyondRoot(t *testing.T) {
	s := buildStore(t)
	targets := tree.NewTargetTable()
	targets.Insert(reels.HashString("alice"), mustParse(t, "2020-01-04"))

	p := tree.New()
	if err := p.Fit(s, targets, tree.Log, tree.Minimax, 0.9, 8, false); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if p.Size() <= 1 {
		t.Fatalf("Size() = %d, want > 1 after fitting two non-empty clips", p.Size())
	}
	root := p.Node(0)
	if root.NSeen != 2 {
		t.Errorf("root.NSeen = %d, want 2 (one per actor with at least one accepted step)", root.NSeen)
	}
	if root.NTarget != 1 {
		t.Errorf("root.NTarget = %d, want 1 (only alice has a target)", root.NTarget)
	}
}

func TestPredictAll_EmptyWhenNeverFitted(t *testing.T) {
	p := tree.New()
	if got := p.PredictAll(); got != nil {
		t.Errorf("PredictAll() on a never-fitted tree = %v, want nil", got)
	}
}

func TestPredictClip_UnmatchedClipFallsBackToRoot(t *testing.T) {
	s := buildStore(t)
	targets := tree.NewTargetTable()
	targets.Insert(reels.HashString("alice"), mustParse(t, "2020-01-04"))

	p := tree.New()
	if err := p.Fit(s, targets, tree.Log, tree.Minimax, 0.9, 8, false); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	empty := timeline.New(nil, "%Y-%m-%d")
	coder := fakeCoder{"e|unknown": 77}
	empty.Scan("e", "unknown", 1.0, "carol", "2020-01-01", coder)
	clip, _ := empty.Clip(reels.HashString("carol"))

	got := p.PredictClip(clip)
	want := p.PredictTime(p.Node(0))
	if got != want {
		t.Errorf("PredictClip on an unmatched clip = %v, want the root's prediction %v", got, want)
	}
}

func TestAgrestiCoullBounds_AreOrdered(t *testing.T) {
	p := tree.New()
	targets := tree.NewTargetTable()
	if err := p.Fit(timeline.New(nil, ""), targets, tree.Linear, tree.Mean, 0.9, 8, false); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	lower := p.AgrestiCoullLower(7, 10)
	upper := p.AgrestiCoullUpper(7, 10)
	if !(0 <= lower && lower <= upper && upper <= 1) {
		t.Errorf("AgrestiCoull bounds out of order: lower=%v upper=%v", lower, upper)
	}
}

func TestVerbosePredictClip_ReportsObservedTimeAndTargetFlag(t *testing.T) {
	s := buildStore(t)
	targets := tree.NewTargetTable()
	targets.Insert(reels.HashString("alice"), mustParse(t, "2020-01-04"))

	p := tree.New()
	if err := p.Fit(s, targets, tree.Log, tree.Minimax, 0.9, 8, false); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	clip, _ := s.Clip(reels.HashString("alice"))
	v := p.VerbosePredictClip(reels.HashString("alice"), clip, targets)
	if !v.TargetYN {
		t.Errorf("alice has a recorded target; VerbosePredictClip should report TargetYN=true")
	}
	if v.ObsTime != 24*3600 {
		t.Errorf("ObsTime = %d, want 86400 (one day from the last event to the target)", v.ObsTime)
	}

	bobClip, _ := s.Clip(reels.HashString("bob"))
	vb := p.VerbosePredictClip(reels.HashString("bob"), bobClip, targets)
	if vb.TargetYN {
		t.Errorf("bob has no recorded target; VerbosePredictClip should report TargetYN=false")
	}
}

func TestSaveLoad_RoundTripPredictsIdentically(t *testing.T) {
	s := buildStore(t)
	targets := tree.NewTargetTable()
	targets.Insert(reels.HashString("alice"), mustParse(t, "2020-01-04"))

	p := tree.New()
	if err := p.Fit(s, targets, tree.Log, tree.Minimax, 0.9, 8, false); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	want := p.PredictAll()

	var buf bytes.Buffer
	if err := p.Save(reels.NewWriter(&buf)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := tree.Load(reels.NewReader(&buf))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	loaded.AttachStore(s)

	got := loaded.PredictAll()
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("predictions after round-trip mismatch (-want +got):\n%s", diff)
	}
}

func mustParse(t *testing.T, s string) int64 {
	t.Helper()
	ts, err := reels.ParseTime("%Y-%m-%d", s)
	if err != nil {
		t.Fatalf("ParseTime(%q) failed: %v", s, err)
	}
	return ts
}
