// ═══════════════════════════════════════════════════════════════════════════
// Code Optimizer — greedy many-to-one code-reduction search
// ═══════════════════════════════════════════════════════════════════════════
//
// Iteratively relabels vocabulary codes many-to-one, scoring each candidate
// relabeling by refitting a throwaway tree and measuring an F1-plus-
// correlation score against held-out targets. Candidate codes are ranked
// once, by a lift-and-depth heuristic computed from the tree statistics of
// the initial (identity) scoring; each step tries the next few codes of that
// ranking and admits them if they improve the score by at least a threshold.
//
// Structurally this is the same shape as the teacher's out-of-order
// scheduler: a bounded step loop that repeatedly evaluates a pool of
// candidates against a scoring function and commits only the ones that
// clear a bar, discarding the rest without rolling back prior-accepted
// state.
package optimizer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/BBVA/mercury-reels/proto/timeline"
	"github.com/BBVA/mercury-reels/proto/tree"
	"github.com/BBVA/mercury-reels/proto/vocabulary"
)

// FitParams bundles the tree-fitting parameters §4.4 requires, shared
// between the optimizer's repeated throwaway fits and a caller's final
// production fit.
type FitParams struct {
	Transform tree.Transform
	Aggregate tree.Aggregate
	P         float64
	Depth     int
	AsStates  bool
}

// Params bundles the optimizer-specific knobs from §4.5.
type Params struct {
	NumSteps         int
	CodesPerStep     int
	Threshold        float64
	ForceInclude     map[uint64]bool
	ForceExclude     map[uint64]bool
	ExponentialDecay float64
	LowerBoundP      float64
	LogLift          bool
}

// RankedCode is one row of the optional ranking report (§13 of SPEC_FULL.md,
// an additive supplement to the reference's debug-only log dump).
type RankedCode struct {
	Code        uint64
	NSuccSeen   uint64
	NSuccTarget uint64
	NInclSeen   uint64
	NInclTarget uint64
	SumDep      uint64
	NDep        uint64
	EDF         float64
	PropSucc    float64
	PropIncl    float64
	Lift        float64
	Score       float64
}

// Result is the optimizer's outcome: the log transcript (whose first line is
// "SUCCESS" or "ERROR <reason>", per §4.5/§7), the final score, and — on
// success — the full ranking table computed from the initial scoring.
type Result struct {
	Log     string
	Score   float64
	Ranking []RankedCode
}

// Run executes the optimizer against vocab/store/targets. On success it
// rewrites vocab's codes in place via the final dictionary and Result.Log
// begins with "SUCCESS"; on failure vocab is left untouched and Result.Log
// begins with "ERROR".
func Run(vocab *vocabulary.Vocabulary, store *timeline.Store, targets *tree.TargetTable, ft FitParams, op Params) Result {
	var log strings.Builder

	codesUsed := store.CodesUsed()
	if len(codesUsed) == 0 {
		log.WriteString("Preprocessing:\n\n  0 codes found in clips.\n")
		return Result{Log: "ERROR\nno codes found in clips\n" + log.String()}
	}

	var maxCode uint64
	sortedCodes := make([]uint64, 0, len(codesUsed))
	for c := range codesUsed {
		sortedCodes = append(sortedCodes, c)
		if c > maxCode {
			maxCode = c
		}
	}
	sort.Slice(sortedCodes, func(i, j int) bool { return sortedCodes[i] < sortedCodes[j] })

	codeBase := maxCode + 1
	codeNoise := codeBase + 1
	codeNew := codeNoise + 1

	largeDict := make(map[uint64]uint64, len(sortedCodes))
	smallDict := make(map[uint64]uint64, len(sortedCodes))
	for _, c := range sortedCodes {
		largeDict[c] = c
		smallDict[c] = codeNoise
		if op.ForceInclude[c] {
			smallDict[c] = codeNew
			codeNew++
		}
	}

	fmt.Fprintf(&log, "Preprocessing:\n\n  %d codes found in clips.\n", len(sortedCodes))

	present := 0
	for _, c := range sortedCodes {
		if vocab.HasCode(c) {
			present++
		}
	}
	if present != len(sortedCodes) {
		fmt.Fprintf(&log, "  %d codes in clips not defined in internal event map.\n", len(sortedCodes)-present)
		return Result{Log: "ERROR\n" + log.String()}
	}

	removed := 0
	for _, code := range vocab.Codes() {
		if !codesUsed[code] {
			vocab.RemoveCode(code)
			removed++
		}
	}
	fmt.Fprintf(&log, "  %d codes removed from internal event map.\n", removed)

	largeScore, targProp, codesStat, ok := scoreModel(store, targets, largeDict, ft, true)
	if !ok {
		return Result{Log: "ERROR\nscore_model() failed!\n" + log.String()}
	}
	fmt.Fprintf(&log, "  Current score = %.6f\n", largeScore)

	topCodes, ranking := rankCodes(codesStat, targProp, op.ExponentialDecay, op.LowerBoundP, op.LogLift)

	bestScore := -1.0
	topIx := 0

	for step := 0; step < op.NumSteps; step++ {
		fmt.Fprintf(&log, "\nStep %d of %d\n\n", step+1, op.NumSteps)

		dict := make(map[uint64]uint64, len(smallDict))
		for k, v := range smallDict {
			dict[k] = v
		}

		newCodes := 0
		log.WriteString("  Trying:\n")
		for newCodes < op.CodesPerStep {
			if topIx == len(topCodes) {
				break
			}
			codeTry := topCodes[topIx].Code
			topIx++

			if op.ForceExclude[codeTry] {
				fmt.Fprintf(&log, "    Code %d was excluded by the caller\n", codeTry)
				continue
			}

			fmt.Fprintf(&log, "    Code %d as %d\n", codeTry, codeNew-codeBase)
			dict[codeTry] = codeNew
			codeNew++
			newCodes++
		}
		if newCodes == 0 {
			log.WriteString("  -- No more codes --\n")
			break
		}

		newScore, _, _, ok := scoreModel(store, targets, dict, ft, false)
		if !ok {
			return Result{Log: "ERROR\nscore_model() failed!\n" + log.String()}
		}
		fmt.Fprintf(&log, "    ---------------\n    Score = %.6f\n", newScore)

		if newScore-bestScore >= op.Threshold {
			bestScore = newScore
			smallDict = dict
			log.WriteString("    Best score so far.\n")
		} else {
			fmt.Fprintf(&log, "    Threshold (%.6f) not met (diff = %.6f)\n", op.Threshold, newScore-bestScore)
		}
	}

	log.WriteString("\n== F I N A L ==\n\n")
	fmt.Fprintf(&log, "  Final score      = %.6f\n", bestScore)
	log.WriteString("  Final dictionary = {")

	finalCodes := make([]uint64, 0, len(smallDict))
	for c := range smallDict {
		finalCodes = append(finalCodes, c)
	}
	sort.Slice(finalCodes, func(i, j int) bool { return finalCodes[i] < finalCodes[j] })
	for i, c := range finalCodes {
		sep := ", "
		if i == len(finalCodes)-1 {
			sep = "}\n"
		}
		fmt.Fprintf(&log, "%d:%d%s", c, smallDict[c]-codeBase, sep)
	}

	rewriteVocabulary(vocab, smallDict, codeBase)

	return Result{
		Log:     "SUCCESS\n" + log.String(),
		Score:   bestScore,
		Ranking: ranking,
	}
}

// rewriteVocabulary applies dict to every code currently in vocab, rebasing
// it by codeBase so the noise/new/kept trio collapses into small contiguous
// integers, per §4.5's finalization step.
func rewriteVocabulary(vocab *vocabulary.Vocabulary, dict map[uint64]uint64, codeBase uint64) {
	vocab.RewriteCodes(func(code uint64) uint64 {
		if nc, ok := dict[code]; ok {
			return nc - codeBase
		}
		return code
	})
}

// ─── Scoring a candidate relabeling ────────────────────────────────────────

type evalItem struct {
	tHat    float64
	elapsed float64
	length  int
}

// scoreModel clones store, relabels every code via dict, fits a throwaway
// tree against targets, and measures the F1-plus-correlation score of its
// predictions, per §4.5's "Scoring a relabeling". When calcStats is true it
// also walks the fitted tree to populate per-code statistics for ranking.
func scoreModel(store *timeline.Store, targets *tree.TargetTable, dict map[uint64]uint64, ft FitParams, calcStats bool) (score, targProp float64, stats map[uint64]*tree.CodeStats, ok bool) {
	clone, err := store.Clone()
	if err != nil {
		return 0, 0, nil, false
	}
	clone.Relabel(dict)
	if ft.AsStates {
		clone.CollapseToStates()
	}

	predictor := tree.New()
	if err := predictor.Fit(clone, targets, ft.Transform, ft.Aggregate, ft.P, ft.Depth, false); err != nil {
		return 0, 0, nil, false
	}

	root := predictor.Node(0)
	if root.NSeen > 0 {
		targProp = float64(root.NTarget) / float64(root.NSeen)
	}

	actors := clone.Actors()
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	items := make([]evalItem, 0, len(actors))
	for _, a := range actors {
		clip, _ := clone.Clip(a)
		yHat := predictor.PredictClip(clip)

		var elapsed float64
		if ts, hasTarget := targets.Get(a); hasTarget {
			for _, ev := range clip.Reversed() {
				et := ts - ev.Time
				if et > 0 {
					elapsed = float64(et)
					break
				}
			}
			elapsed++
		}

		items = append(items, evalItem{tHat: yHat, elapsed: elapsed, length: clip.Len()})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].tHat != items[j].tHat {
			return items[i].tHat < items[j].tHat
		}
		return items[i].length < items[j].length
	})

	totTarg := targets.Len()
	if totTarg > len(items) {
		totTarg = len(items)
	}

	tp, fp := 0, 0
	for i := 0; i < totTarg; i++ {
		if items[i].elapsed != 0 {
			tp++
		} else {
			fp++
		}
	}

	if tp+fp == 0 {
		score = 0
	} else {
		score = float64(tp) / float64(tp+fp)
	}

	if tp < totTarg && tp > 0 {
		maxDiff := ((float64(tp)+1)/(float64(tp)+1+float64(fp)) - (float64(tp)-1)/(float64(tp)-1+float64(fp))) / 2
		score += maxDiff * linearCorrelation(items)
	}

	if !calcStats {
		return score, targProp, nil, true
	}

	stats = make(map[uint64]*tree.CodeStats, len(dict))
	for code := range dict {
		stats[code] = &tree.CodeStats{}
	}
	predictor.RecurseTreeStats(stats)

	return score, targProp, stats, true
}

// linearCorrelation computes the Pearson correlation between predicted and
// observed times over the items with a nonzero observed elapsed time
// (i.e., the actual target actors), returning 0 when fewer than one such
// item exists or the denominator is degenerate.
func linearCorrelation(items []evalItem) float64 {
	var sH, sO, sHO, sSH, sSO float64
	n := 0
	for _, it := range items {
		if it.elapsed == 0 {
			continue
		}
		sH += it.tHat
		sO += it.elapsed
		sHO += it.tHat * it.elapsed
		sSH += it.tHat * it.tHat
		sSO += it.elapsed * it.elapsed
		n++
	}
	if n == 0 {
		return 0
	}
	nf := float64(n)
	d2 := (nf*sSH - sH*sH) * (nf*sSO - sO*sO)
	if d2 <= 1e-20 {
		return 0
	}
	return (nf*sHO - sH*sO) / math.Sqrt(d2)
}

// ─── Ranking candidate codes ────────────────────────────────────────────────

// rankCodes scores every code in codesStat by the lift-and-depth heuristic
// of §4.5, returning them sorted best-first (ties broken by code, for
// deterministic output) with scores below 5e-7 dropped, plus the full
// ranking table (pre-cutoff) for the optional reporting supplement.
func rankCodes(codesStat map[uint64]*tree.CodeStats, targProp, decay, lowerBoundP float64, logLift bool) ([]RankedCode, []RankedCode) {
	zt := tree.New()
	_ = zt.Fit(emptyStoreFor(), tree.NewTargetTable(), tree.Linear, tree.Mean, lowerBoundP, 10, false)

	out := make([]RankedCode, 0, len(codesStat))
	for code, st := range codesStat {
		var edf float64
		if st.NDep > 0 {
			edf = math.Exp(-decay * float64(st.SumDep) / float64(st.NDep))
		}
		succ := math.Max(0, zt.AgrestiCoullLower(st.NSuccTarget, st.NSuccSeen))
		incl := math.Max(0, zt.AgrestiCoullLower(st.NInclTarget, st.NInclSeen))
		var lift float64
		if succ > 0.001 {
			lift = incl / succ
		}
		if zt.AgrestiCoullUpper(st.NInclTarget, st.NInclSeen) < targProp {
			lift = 0
		} else if logLift {
			lift = math.Log(lift + 1)
		}
		score := edf * incl * lift

		out = append(out, RankedCode{
			Code: code, NSuccSeen: st.NSuccSeen, NSuccTarget: st.NSuccTarget,
			NInclSeen: st.NInclSeen, NInclTarget: st.NInclTarget,
			SumDep: st.SumDep, NDep: st.NDep,
			EDF: edf, PropSucc: succ, PropIncl: incl, Lift: lift, Score: score,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Code < out[j].Code
	})

	full := make([]RankedCode, len(out))
	copy(full, out)

	cut := len(out)
	for i, it := range out {
		if it.Score < 5e-7 {
			cut = i
			break
		}
	}
	return out[:cut], full
}

// emptyStoreFor builds the empty timeline store the reference implementation
// fits a throwaway Targets against purely to derive Agresti-Coull bounds at
// a given confidence level (it never touches any actual clip).
func emptyStoreFor() *timeline.Store {
	return timeline.New(nil, "")
}
