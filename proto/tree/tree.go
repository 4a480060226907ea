// ═══════════════════════════════════════════════════════════════════════════
// Prefix Tree Learner & Predictor ("Targets")
// ═══════════════════════════════════════════════════════════════════════════
//
// Builds a bounded-depth reverse-suffix tree over per-actor timelines: for
// every suffix of every actor's clip, the tree tracks how often the suffix
// was observed, how often it preceded a target event, and an accumulator
// over the transformed time-to-target. Prediction walks a clip backwards
// through the tree and aggregates per-depth estimates with an
// Agresti-Coull-corrected mean.
//
// The tree is a contiguous, append-only arena addressed by index — node 0 is
// the root, created at construction, and every child index strictly exceeds
// its parent's. This mirrors the reference CodeTree exactly and is also the
// shape the teacher's branch-predictor tables use: bounded storage, indices
// instead of pointers, deterministic growth.
package tree

import (
	"errors"
	"math"
	"sort"

	"github.com/BBVA/mercury-reels"
	"github.com/BBVA/mercury-reels/proto/timeline"
)

// PredictMaxTime is the sentinel predicted time (in seconds) returned for a
// node that has never seen a target: a hundred years, meaning "effectively
// never".
const PredictMaxTime = 100 * 365.25 * 24 * 3600

// MaxSeqLenInPredict bounds how many matched depths a single Predict call
// tracks, mirroring the reference's fixed-size stack buffer.
const MaxSeqLenInPredict = 1000

// Transform is the time-to-target transform applied before averaging.
type Transform int

const (
	Linear Transform = iota
	Log
)

// Aggregate is the cross-depth aggregation strategy used by Predict.
type Aggregate int

const (
	Minimax Aggregate = iota
	Mean
	Longest
)

// Sentinel errors for Fit's configuration-time invariants (§7).
var (
	ErrAlreadyFitted = errors.New("tree: already fitted")
)

// Node is one arena entry: a visit count, a target-hit count, an
// accumulator over the transformed time-to-target, and a code→child-index
// map. Fields are exported so tests can assert on tree shape directly, as
// the reference test scenarios do.
type Node struct {
	NSeen    uint64
	NTarget  uint64
	SumTimeD float64
	Children map[uint64]int
}

func newNode() Node {
	return Node{Children: make(map[uint64]int)}
}

// TargetTable maps an actor hash to a single target-event timestamp. A
// second Insert for the same actor is rejected — one target per actor.
type TargetTable struct {
	byActor map[uint64]int64
}

// NewTargetTable creates an empty target table.
func NewTargetTable() *TargetTable {
	return &TargetTable{byActor: make(map[uint64]int64)}
}

// ErrDuplicateTarget is returned by Insert when the actor already has a
// target time recorded.
var ErrDuplicateTarget = errors.New("tree: actor already has a target")

// Insert records actorHash's target time. It fails if the actor already has
// one.
func (t *TargetTable) Insert(actorHash uint64, timestamp int64) error {
	if _, ok := t.byActor[actorHash]; ok {
		return ErrDuplicateTarget
	}
	t.byActor[actorHash] = timestamp
	return nil
}

// Get returns the actor's target time, or (0, false) if it has none.
func (t *TargetTable) Get(actorHash uint64) (int64, bool) {
	ts, ok := t.byActor[actorHash]
	return ts, ok
}

// Len returns the number of actors with a recorded target.
func (t *TargetTable) Len() int { return len(t.byActor) }

// Predictor is the fitted reverse-suffix tree plus the parameters used to
// build and query it ("Targets" in the reference implementation).
type Predictor struct {
	nodes []Node

	transform Transform
	aggregate Aggregate
	depth     int
	p         float64

	z        float64
	zSqr     float64
	zSqrDiv2 float64

	fitted bool
	store  *timeline.Store
}

// New creates a Predictor with only the root node present, matching the
// reference constructor that pushes node 0 immediately.
func New() *Predictor {
	return &Predictor{nodes: []Node{newNode()}}
}

// Size returns the number of nodes in the arena (root included).
func (p *Predictor) Size() int { return len(p.nodes) }

// Node returns the node at idx for inspection (tests, verbose predicts).
func (p *Predictor) Node(idx int) Node { return p.nodes[idx] }

// Transform/Aggregate/Depth/P expose the parameters Fit was called with.
func (p *Predictor) Transform() Transform { return p.transform }
func (p *Predictor) Aggregate() Aggregate { return p.aggregate }
func (p *Predictor) Depth() int           { return p.depth }
func (p *Predictor) P() float64           { return p.p }

// updateNode mirrors the reference's inline update_node: when idx_parent is
// the root, the root absorbs one "zero-length clip" observation (this is
// how every actor contributes to the root's aggregate exactly once, and
// only actors with at least one accepted step contribute at all). It then
// looks up or creates the child for code and applies the same update there,
// returning the child's index as the new parent for the next step.
func (p *Predictor) updateNode(idxParent int, code uint64, target bool, timeD float64) int {
	if idxParent == 0 {
		p.nodes[0].NSeen++
		if target {
			p.nodes[0].NTarget++
			p.nodes[0].SumTimeD += timeD
		}
	}

	if idx, ok := p.nodes[idxParent].Children[code]; ok {
		p.nodes[idx].NSeen++
		if target {
			p.nodes[idx].NTarget++
			p.nodes[idx].SumTimeD += timeD
		}
		return idx
	}

	n := newNode()
	n.NSeen = 1
	if target {
		n.NTarget = 1
		n.SumTimeD = timeD
	}
	p.nodes = append(p.nodes, n)
	idx := len(p.nodes) - 1
	p.nodes[idxParent].Children[code] = idx
	return idx
}

// Fit builds the tree over store's timelines against targets, one-shot: a
// call on a tree that already has nodes beyond the root fails. A fit over a
// store with no events leaves only the root, so such a tree can be fitted
// again. p and depth
// are silently clamped to their valid ranges rather than rejected, per §7.
func (p *Predictor) Fit(store *timeline.Store, targets *TargetTable, transform Transform, aggregate Aggregate, confidence float64, depth int, asStates bool) error {
	if len(p.nodes) != 1 {
		return ErrAlreadyFitted
	}

	p.transform = transform
	p.aggregate = aggregate
	p.depth = clampInt(depth, 1, MaxSeqLenInPredict)
	p.p = clampFloat(confidence, 0, 0.9999)

	if asStates {
		collapsed, err := store.Clone()
		if err != nil {
			return err
		}
		collapsed.CollapseToStates()
		store = collapsed
	}
	p.store = store

	p.z = bisectBinomialZ(p.p)
	p.zSqr = p.z * p.z
	p.zSqrDiv2 = p.zSqr / 2

	for _, actorHash := range store.Actors() {
		clip, ok := store.Clip(actorHash)
		if !ok {
			continue
		}
		targetTime, hasTarget := targets.Get(actorHash)
		if !hasTarget {
			targetTime = 0
		}

		n := 0
		parentIdx := 0
		var timeD float64
		haveTimeD := false

		for _, ev := range clip.Reversed() {
			if targetTime == 0 {
				parentIdx = p.updateNode(parentIdx, ev.Code, false, 0)
				n++
				if n == p.depth {
					break
				}
				continue
			}

			elapsed := targetTime - ev.Time
			if elapsed <= 0 {
				continue
			}
			if !haveTimeD {
				if transform == Linear {
					timeD = float64(elapsed)
				} else {
					timeD = math.Log(float64(elapsed))
				}
				haveTimeD = true
			}
			parentIdx = p.updateNode(parentIdx, ev.Code, true, timeD)
			n++
			if n == p.depth {
				break
			}
		}
	}

	p.fitted = true
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// bisectBinomialZ finds z such that normalCDF(z) = p/2 + 0.5 by bisection
// over [-5, 5], matching the reference's fixed 1e-6 convergence tolerance.
func bisectBinomialZ(p float64) float64 {
	x0, x1 := -5.0, 5.0
	cumP := p/2 + 0.5
	z := 0.0
	for x1-x0 > 1e-6 {
		z = (x0 + x1) / 2
		if normalCDF(z) < cumP {
			x0 = z
		} else {
			x1 = z
		}
	}
	return z
}

const invSqrt2Pi = 0.3989422804014327
const sqrtHalf = 0.7071067811865476

func normalPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) * invSqrt2Pi
}

func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x*sqrtHalf)
}

// AgrestiCoullUpper and AgrestiCoullLower compute the Agresti-Coull
// confidence interval bounds for a binomial proportion of nHits out of
// nTotal, using the z parameters Fit derived from the confidence level. They
// satisfy 0 ≤ lower ≤ p̃ ≤ upper ≤ 1 for any nTotal ≥ 1.
func (p *Predictor) AgrestiCoullUpper(nHits, nTotal uint64) float64 {
	pTilde, a := p.agrestiCoull(nHits, nTotal)
	return math.Min(1, pTilde+a)
}

func (p *Predictor) AgrestiCoullLower(nHits, nTotal uint64) float64 {
	pTilde, a := p.agrestiCoull(nHits, nTotal)
	return math.Max(0, pTilde-a)
}

func (p *Predictor) agrestiCoull(nHits, nTotal uint64) (pTilde, a float64) {
	nTilde := float64(nTotal) + p.zSqr
	pTilde = (float64(nHits) + p.zSqrDiv2) / nTilde
	a = p.z * math.Sqrt(pTilde*(1-pTilde)/nTilde)
	return pTilde, a
}

// predictTime is the one inline numeric policy worth inlining, per §9: a
// node with no target hits predicts the sentinel PredictMaxTime; otherwise
// it extrapolates the observed mean time-to-target by the Agresti-Coull
// lower bound of the target rate, deliberately biasing toward urgency under
// thin evidence (see §4.4's rationale).
func (p *Predictor) predictTime(node Node) float64 {
	if node.NTarget == 0 {
		return PredictMaxTime
	}
	lb := math.Max(1e-4, p.AgrestiCoullLower(node.NTarget, node.NSeen))
	var muHat float64
	if p.transform == Linear {
		muHat = node.SumTimeD / float64(node.NTarget)
	} else {
		muHat = math.Exp(node.SumTimeD / float64(node.NTarget))
	}
	return muHat / lb
}

// PredictTime exposes predictTime for callers (e.g. the optimizer's ranking
// report) that need a node's raw predicted time outside of a full clip walk.
func (p *Predictor) PredictTime(node Node) float64 { return p.predictTime(node) }

// predictClip walks clip in reverse through the tree, matching as many
// depths as possible, and aggregates the per-depth predicted times
// according to p.aggregate.
func (p *Predictor) predictClip(clip *timeline.Clip) float64 {
	idx := 0
	var t [MaxSeqLenInPredict]float64
	n := 0

	for _, ev := range clip.Reversed() {
		child, ok := p.nodes[idx].Children[ev.Code]
		if !ok {
			break
		}
		idx = child
		if n < MaxSeqLenInPredict {
			t[n] = p.predictTime(p.nodes[idx])
		}
		n++
		if n == MaxSeqLenInPredict {
			break
		}
	}

	if n == 0 {
		return p.predictTime(p.nodes[0])
	}

	switch p.aggregate {
	case Longest:
		return t[n-1]
	case Mean:
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += t[i]
		}
		return sum / float64(n)
	default: // Minimax
		min := t[0]
		for i := 1; i < n; i++ {
			if t[i] < min {
				min = t[i]
			}
		}
		return min
	}
}

// PredictClip is the exported form of predictClip, usable by the optimizer
// when scoring a candidate relabeling's throwaway tree.
func (p *Predictor) PredictClip(clip *timeline.Clip) float64 { return p.predictClip(clip) }

// PredictAll predicts every actor present in the store Fit was called with.
// Per §9's documented brittleness, it returns an empty slice whenever the
// tree has only the root (nothing was ever fitted, or the store was empty)
// rather than a sentinel-filled slice — callers distinguish "no data" from
// "the fitted tree has data but this clip never matched" by slice length.
func (p *Predictor) PredictAll() []float64 {
	if len(p.nodes) <= 1 || p.nodes[0].NSeen == 0 {
		return nil
	}
	actors := p.store.Actors()
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	out := make([]float64, 0, len(actors))
	for _, a := range actors {
		clip, _ := p.store.Clip(a)
		out = append(out, p.predictClip(clip))
	}
	return out
}

// Predict returns predictions for actorHashes in order; an actor with no
// clip in the fit-time store gets the root's prediction (the fallback for
// "never seen").
func (p *Predictor) Predict(actorHashes []uint64) []float64 {
	if len(p.nodes) <= 1 || p.nodes[0].NSeen == 0 {
		return nil
	}
	tNotFound := p.predictTime(p.nodes[0])
	out := make([]float64, 0, len(actorHashes))
	for _, a := range actorHashes {
		clip, ok := p.store.Clip(a)
		if !ok {
			out = append(out, tNotFound)
			continue
		}
		out = append(out, p.predictClip(clip))
	}
	return out
}

// PredictStore predicts every actor in a foreign timeline store (not the
// one Fit was called with); there is no root fallback, matching the
// reference's pClipMap overload.
func (p *Predictor) PredictStore(store *timeline.Store) []float64 {
	if len(p.nodes) <= 1 || p.nodes[0].NSeen == 0 {
		return nil
	}
	actors := store.Actors()
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	out := make([]float64, 0, len(actors))
	for _, a := range actors {
		clip, _ := store.Clip(a)
		out = append(out, p.predictClip(clip))
	}
	return out
}

// VerboseResult is the detailed per-actor prediction returned by
// VerbosePredictClip.
type VerboseResult struct {
	ObsTime    int64
	TargetYN   bool
	LongestSeq int
	NVisits    uint64
	NTargets   uint64
	TargMeanT  float64
}

// VerbosePredictClip walks clip backwards through the tree as predictClip
// does, except that for an actor with a target it skips events later than
// the target time. It reports the observed elapsed time to target (if any), whether the actor
// has a target at all, the longest matched suffix length, and the matched
// node's raw visit/target counts and back-transformed mean time.
func (p *Predictor) VerbosePredictClip(actorHash uint64, clip *timeline.Clip, targets *TargetTable) VerboseResult {
	var res VerboseResult

	targetTime, hasTarget := targets.Get(actorHash)
	res.TargetYN = hasTarget
	if !hasTarget {
		targetTime = 0
	}

	idx := 0
	for _, ev := range clip.Reversed() {
		if res.TargetYN {
			t := targetTime - ev.Time
			if t < 0 {
				continue
			}
			if res.LongestSeq == 0 {
				res.ObsTime = t
			}
		}
		child, ok := p.nodes[idx].Children[ev.Code]
		if !ok {
			break
		}
		res.LongestSeq++
		idx = child
	}

	res.NVisits = p.nodes[idx].NSeen
	res.NTargets = p.nodes[idx].NTarget
	if res.NTargets > 0 {
		if p.transform == Linear {
			res.TargMeanT = p.nodes[idx].SumTimeD / float64(res.NTargets)
		} else {
			res.TargMeanT = math.Exp(p.nodes[idx].SumTimeD / float64(res.NTargets))
		}
	}
	return res
}

// CodeStats accumulates the per-code tree statistics the optimizer ranks
// candidate codes by.
type CodeStats struct {
	NInclSeen   uint64
	NInclTarget uint64
	NSuccSeen   uint64
	NSuccTarget uint64
	SumDep      uint64
	NDep        uint64
}

// RecurseTreeStats walks the whole tree, accumulating into codesStat (keyed
// by the code entering each node from its parent) the statistics the
// optimizer's ranking heuristic consumes: "incl" is the node reached after
// observing the code, "succ" is its parent (the condition without the
// code). The root contributes nothing, since it has no entering code.
func (p *Predictor) RecurseTreeStats(codesStat map[uint64]*CodeStats) {
	p.recurse(0, 0, -1, 0, codesStat)
}

func (p *Predictor) recurse(depth, idx, parentIdx int, code uint64, codesStat map[uint64]*CodeStats) {
	if parentIdx >= 0 {
		st, ok := codesStat[code]
		if !ok {
			st = &CodeStats{}
			codesStat[code] = st
		}
		incl := p.nodes[idx]
		succ := p.nodes[parentIdx]
		st.NInclSeen += incl.NSeen
		st.NInclTarget += incl.NTarget
		st.NSuccSeen += succ.NSeen
		st.NSuccTarget += succ.NTarget
		st.SumDep += uint64(depth)
		st.NDep++
	}

	children := make([]uint64, 0, len(p.nodes[idx].Children))
	for c := range p.nodes[idx].Children {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, c := range children {
		p.recurse(depth+1, p.nodes[idx].Children[c], idx, c, codesStat)
	}
}

// ─── Save / Load ────────────────────────────────────────────────────────────

// Save writes the arena as a "tree" section containing one node per entry,
// each followed by its children, then the fit parameters.
func (p *Predictor) Save(sw *reels.Writer) error {
	sw.Section(reels.SectionTree)
	sw.Uint64(uint64(len(p.nodes)))
	for _, n := range p.nodes {
		sw.Uint64(n.NSeen)
		sw.Uint64(n.NTarget)
		sw.Float64(n.SumTimeD)
		sw.Uint64(uint64(len(n.Children)))
		for code, idx := range n.Children {
			sw.Uint64(code)
			sw.Uint64(uint64(idx))
		}
	}
	sw.Uint64(uint64(p.transform))
	sw.Uint64(uint64(p.aggregate))
	sw.Int64(int64(p.depth))
	sw.Float64(p.p)
	sw.Float64(p.z)
	sw.Bool(p.fitted)
	return sw.End()
}

// Load populates a fresh Predictor from a stream written by Save. The
// returned predictor has no backing timeline store — PredictAll and Predict
// are unavailable until one is attached via AttachStore; PredictStore works
// immediately.
func Load(sr *reels.Reader) (*Predictor, error) {
	p := &Predictor{}

	if err := sr.Section(reels.SectionTree); err != nil {
		return nil, err
	}
	n, err := sr.Uint64()
	if err != nil {
		return nil, err
	}
	p.nodes = make([]Node, n)
	for i := uint64(0); i < n; i++ {
		nd := newNode()
		if nd.NSeen, err = sr.Uint64(); err != nil {
			return nil, err
		}
		if nd.NTarget, err = sr.Uint64(); err != nil {
			return nil, err
		}
		if nd.SumTimeD, err = sr.Float64(); err != nil {
			return nil, err
		}
		nc, err := sr.Uint64()
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < nc; j++ {
			code, err := sr.Uint64()
			if err != nil {
				return nil, err
			}
			idx, err := sr.Uint64()
			if err != nil {
				return nil, err
			}
			nd.Children[code] = int(idx)
		}
		p.nodes[i] = nd
	}

	tr, err := sr.Uint64()
	if err != nil {
		return nil, err
	}
	p.transform = Transform(tr)

	ag, err := sr.Uint64()
	if err != nil {
		return nil, err
	}
	p.aggregate = Aggregate(ag)

	depth, err := sr.Int64()
	if err != nil {
		return nil, err
	}
	p.depth = int(depth)

	if p.p, err = sr.Float64(); err != nil {
		return nil, err
	}
	if p.z, err = sr.Float64(); err != nil {
		return nil, err
	}
	p.zSqr = p.z * p.z
	p.zSqrDiv2 = p.zSqr / 2

	if p.fitted, err = sr.Bool(); err != nil {
		return nil, err
	}

	if err := sr.End(); err != nil {
		return nil, err
	}
	return p, nil
}

// AttachStore associates a timeline store with a loaded predictor so
// the PredictAll/Predict per-fit-actor queries work after Load.
func (p *Predictor) AttachStore(store *timeline.Store) { p.store = store }
