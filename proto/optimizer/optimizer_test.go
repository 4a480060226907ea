package optimizer_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/BBVA/mercury-reels"
	"github.com/BBVA/mercury-reels/proto/optimizer"
	"github.com/BBVA/mercury-reels/proto/timeline"
	"github.com/BBVA/mercury-reels/proto/tree"
	"github.com/BBVA/mercury-reels/proto/vocabulary"
)

func buildScenario(t *testing.T) (*vocabulary.Vocabulary, *timeline.Store, *tree.TargetTable) {
	t.Helper()
	vocab := vocabulary.New(100, false)
	store := timeline.New(nil, "%Y-%m-%d")
	targets := tree.NewTargetTable()

	events := []struct{ emitter, description string }{
		{"e", "login"}, {"e", "view"}, {"e", "buy"},
	}
	for i, ev := range events {
		vocab.Define(ev.emitter, ev.description, 1.0, uint64(i+1))
	}

	day := func(d string) string { return d }
	rows := []struct {
		actor, emitter, description, date string
	}{
		{"alice", "e", "login", day("2020-01-01")},
		{"alice", "e", "view", day("2020-01-02")},
		{"alice", "e", "buy", day("2020-01-03")},
		{"bob", "e", "login", day("2020-01-01")},
		{"bob", "e", "view", day("2020-01-02")},
	}
	for _, r := range rows {
		store.Scan(r.emitter, r.description, 1.0, r.actor, r.date, vocab)
	}

	ts, err := reels.ParseTime("%Y-%m-%d", "2020-01-04")
	if err != nil {
		t.Fatalf("ParseTime failed: %v", err)
	}
	targets.Insert(reels.HashString("alice"), ts)

	return vocab, store, targets
}

func defaultFitParams() optimizer.FitParams {
	return optimizer.FitParams{
		Transform: tree.Log,
		Aggregate: tree.Minimax,
		P:         0.9,
		Depth:     8,
	}
}

func defaultParams() optimizer.Params {
	return optimizer.Params{
		NumSteps:         3,
		CodesPerStep:     1,
		Threshold:        0.0,
		ExponentialDecay: 0.1,
		LowerBoundP:      0.05,
	}
}

func TestRun_FailsWhenClipsHaveNoCodes(t *testing.T) {
	vocab := vocabulary.New(10, false)
	store := timeline.New(nil, "%Y-%m-%d")
	targets := tree.NewTargetTable()

	result := optimizer.Run(vocab, store, targets, defaultFitParams(), defaultParams())
	if !strings.HasPrefix(result.Log, "ERROR") {
		t.Fatalf("Log = %q, want it to start with ERROR when clips have no codes", result.Log)
	}
}

func TestRun_SucceedsAndRewritesVocabulary(t *testing.T) {
	vocab, store, targets := buildScenario(t)

	before := vocab.NumEvents()
	result := optimizer.Run(vocab, store, targets, defaultFitParams(), defaultParams())

	if !strings.HasPrefix(result.Log, "SUCCESS") {
		t.Fatalf("Log = %q, want it to start with SUCCESS", result.Log)
	}
	if vocab.NumEvents() != before {
		t.Errorf("NumEvents() after Run = %d, want unchanged %d (Run relabels codes, not triple count)", vocab.NumEvents(), before)
	}
}

func TestRun_NeverMutatesVocabularyOnFailure(t *testing.T) {
	vocab := vocabulary.New(10, false)
	// a code used in clips but never defined in vocab triggers the
	// "codes in clips not defined" failure path.
	store := timeline.New(nil, "%Y-%m-%d")
	undefinedCoder := coderFunc(func(emitter, description string, weight float64) uint64 { return 42 })
	store.Scan("e", "x", 1.0, "alice", "2020-01-01", undefinedCoder)

	targets := tree.NewTargetTable()
	before := vocab.Codes()

	result := optimizer.Run(vocab, store, targets, defaultFitParams(), defaultParams())
	if !strings.HasPrefix(result.Log, "ERROR") {
		t.Fatalf("Log = %q, want ERROR", result.Log)
	}
	if len(vocab.Codes()) != len(before) {
		t.Errorf("vocabulary was mutated despite a failed Run")
	}
}

func TestRun_IsDeterministic(t *testing.T) {
	vocabA, storeA, targetsA := buildScenario(t)
	vocabB, storeB, targetsB := buildScenario(t)

	resultA := optimizer.Run(vocabA, storeA, targetsA, defaultFitParams(), defaultParams())
	resultB := optimizer.Run(vocabB, storeB, targetsB, defaultFitParams(), defaultParams())

	if diff := cmp.Diff(resultA, resultB); diff != "" {
		t.Errorf("Run on two identically-built scenarios diverged (-A +B):\n%s", diff)
	}
}

type coderFunc func(emitter, description string, weight float64) uint64

func (f coderFunc) Lookup(emitter, description string, weight float64) uint64 {
	return f(emitter, description, weight)
}
