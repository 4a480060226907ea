// ═══════════════════════════════════════════════════════════════════════════
// Output directory writer
// ═══════════════════════════════════════════════════════════════════════════
//
// Writes the run's output directory exactly as reels_main.cpp's do_all does:
// a RESULTS.md with run parameters / elapsed-per-stage / object sizes /
// a PREDICTIONS.tsv legend, and a PREDICTIONS.tsv with one row per predicted
// actor. Additive to that contract (per SPEC_FULL.md §12/§13): a plain-text
// metrics.prom dump of the prometheus registry, and an optional code_ranking.tsv when the
// optimizer ran with --verbose_optimizer.
package reelsio

import (
	"fmt"
	"os"
	"path/filepath"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BBVA/mercury-reels/internal/config"
	"github.com/BBVA/mercury-reels/proto/optimizer"
)

// StageTimings holds the elapsed seconds for each named pipeline stage, in
// the order reels_main.cpp reports them.
type StageTimings struct {
	BuildingEvents    float64
	LoadingClients    float64
	BuildingClips     float64
	BuildingTargetMap float64
	FittingTree       float64
	PredictingTimes   float64
	Total             float64
}

// ObjectSizes holds the object-size figures RESULTS.md reports.
type ObjectSizes struct {
	NumTransactions uint64
	NumEvents       int
	NumClients      int
	NumClips        int
	NumClipEvents   int
	NumTestClips    int
	NumTestEvents   int
	NumTargets      int
	TreeSize        int
	NumPredictions  int
}

// PredictionRow is one row of PREDICTIONS.tsv.
type PredictionRow struct {
	ClientID   uint64
	ObsTime    int64
	TargetYN   bool
	PredTime   float64
	LongestSeq int
	NVisits    uint64
	NTargets   uint64
	TargMeanT  float64
}

// WriteResults creates cfg.Output and writes RESULTS.md into it, per
// reels_main.cpp's exact section order and field set.
func WriteResults(cfg *config.Config, timings StageTimings, sizes ObjectSizes) error {
	if err := os.MkdirAll(cfg.Output, 0o700); err != nil {
		return fmt.Errorf("reelsio: create output dir %q: %w", cfg.Output, err)
	}

	f, err := os.Create(filepath.Join(cfg.Output, "RESULTS.md"))
	if err != nil {
		return fmt.Errorf("reelsio: create RESULTS.md: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "REELS\n-----\n\nCommand line arguments given:\n\n")
	fmt.Fprintf(f, "  transactions : %s\n", cfg.Transactions)
	fmt.Fprintf(f, "  max_events   : %d\n", cfg.MaxEvents)
	fmt.Fprintf(f, "  events       : %s\n", cfg.Events)
	fmt.Fprintf(f, "  clients      : %s\n", cfg.Clients)
	fmt.Fprintf(f, "  targets      : %s\n", cfg.Targets)
	fmt.Fprintf(f, "  train        : %s\n", cfg.Train)
	fmt.Fprintf(f, "  test         : %s\n", cfg.Test)
	fmt.Fprintf(f, "  output       : %s\n", cfg.Output)
	fmt.Fprintf(f, "  transform    : %s\n", cfg.Transform)
	fmt.Fprintf(f, "  aggregate    : %s\n", cfg.Aggregate)
	fmt.Fprintf(f, "  fit_p        : %0.3f\n", cfg.FitP)
	fmt.Fprintf(f, "  tree_depth   : %d\n", cfg.TreeDepth)
	fmt.Fprintf(f, "  as_states    : %v\n\n", cfg.AsStates)

	fmt.Fprintf(f, "Running times (sec):\n\n")
	fmt.Fprintf(f, "  building events     : %0.3f\n", timings.BuildingEvents)
	fmt.Fprintf(f, "  loading clients     : %0.3f\n", timings.LoadingClients)
	fmt.Fprintf(f, "  building clips      : %0.3f\n", timings.BuildingClips)
	fmt.Fprintf(f, "  building target map : %0.3f\n", timings.BuildingTargetMap)
	fmt.Fprintf(f, "  fitting tree        : %0.3f\n", timings.FittingTree)
	fmt.Fprintf(f, "  predicting times    : %0.3f\n\n", timings.PredictingTimes)
	fmt.Fprintf(f, "  total               : %0.3f\n\n", timings.Total)

	fmt.Fprintf(f, "Object sizes:\n\n")
	fmt.Fprintf(f, "  transactions.num_rows : %d\n", sizes.NumTransactions)
	fmt.Fprintf(f, "  events.num_events     : %d\n", sizes.NumEvents)
	fmt.Fprintf(f, "  clients.num_clients   : %d\n", sizes.NumClients)
	fmt.Fprintf(f, "  clips.num_clips       : %d\n", sizes.NumClips)
	fmt.Fprintf(f, "  clips.num_events      : %d\n", sizes.NumClipEvents)
	fmt.Fprintf(f, "  clips_test.num_clips  : %d\n", sizes.NumTestClips)
	fmt.Fprintf(f, "  clips_test.num_events : %d\n", sizes.NumTestEvents)
	fmt.Fprintf(f, "  targets.num_targets   : %d\n", sizes.NumTargets)
	fmt.Fprintf(f, "  targets.tree_size     : %d\n", sizes.TreeSize)
	fmt.Fprintf(f, "  pred_time.size()      : %d\n\n", sizes.NumPredictions)

	fmt.Fprintf(f, "Legend of PREDICTIONS.tsv:\n\n")
	fmt.Fprintf(f, "  client_id   : The id of the client predicted (test or transactions).\n")
	fmt.Fprintf(f, "  obs_time    : Time from last event to target (observed).\n")
	fmt.Fprintf(f, "  target_yn   : The client hit the target (yes/no).\n")
	fmt.Fprintf(f, "  pred_time   : Time from last event to target (predicted).\n")
	fmt.Fprintf(f, "  longest_seq : Longest event sequence in the tree.\n")
	fmt.Fprintf(f, "  n_visits    : # of visits for the longest sequence.\n")
	fmt.Fprintf(f, "  n_targets   : # of clients who hit the target for the longest sequence.\n")
	fmt.Fprintf(f, "  targ_mean_t : Mean observed time for those who hit (also longest seq).\n")

	return nil
}

// WritePredictions writes PREDICTIONS.tsv into cfg.Output, one row per
// predicted actor, in the exact column order and numeric formatting
// spec.md §6 specifies (pred_time/targ_mean_t to one decimal, counts as
// plain integers).
func WritePredictions(outputDir string, rows []PredictionRow) error {
	f, err := os.Create(filepath.Join(outputDir, "PREDICTIONS.tsv"))
	if err != nil {
		return fmt.Errorf("reelsio: create PREDICTIONS.tsv: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "client_id\tobs_time\ttarget_yn\tpred_time\tlongest_seq\tn_visits\tn_targets\ttarg_mean_t\n")
	for _, r := range rows {
		yn := 0
		if r.TargetYN {
			yn = 1
		}
		fmt.Fprintf(f, "%d\t%d\t%d\t%0.1f\t%d\t%d\t%d\t%0.1f\n",
			r.ClientID, r.ObsTime, yn, r.PredTime, r.LongestSeq, r.NVisits, r.NTargets, r.TargMeanT)
	}
	return nil
}

// WriteRankingReport writes code_ranking.tsv, the optional §13 diagnostic
// dump of the optimizer's per-code ranking table: the code first, then the
// remaining columns in the order the original's #ifdef DEBUG file log used.
func WriteRankingReport(outputDir string, ranking []optimizer.RankedCode) error {
	f, err := os.Create(filepath.Join(outputDir, "code_ranking.tsv"))
	if err != nil {
		return fmt.Errorf("reelsio: create code_ranking.tsv: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "code\tn_succ_seen\tn_succ_target\tn_incl_seen\tn_incl_target\tsum_dep\tn_dep\tedf\tprop_succ\tprop_incl\tlift\tscore\n")
	for _, r := range ranking {
		fmt.Fprintf(f, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%0.6f\t%0.6f\t%0.6f\t%0.6f\t%0.6f\n",
			r.Code, r.NSuccSeen, r.NSuccTarget, r.NInclSeen, r.NInclTarget, r.SumDep, r.NDep,
			r.EDF, r.PropSucc, r.PropIncl, r.Lift, r.Score)
	}
	return nil
}

// Metrics bundles the prometheus collectors cmd/reels registers for a run,
// per SPEC_FULL.md §12.
type Metrics struct {
	Registry       *prometheus.Registry
	RowsRead       prometheus.Counter
	RowsRejected   prometheus.Counter
	CodesEvicted   prometheus.Counter
	StageDurations *prometheus.HistogramVec
}

// NewMetrics builds a fresh, unregistered-elsewhere prometheus registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reels_rows_read_total",
			Help: "Total input rows read across transactions/train/test files.",
		}),
		RowsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reels_rows_rejected_total",
			Help: "Total input rows rejected by Scan (unknown actor/triple/timestamp).",
		}),
		CodesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reels_codes_evicted_total",
			Help: "Total vocabulary codes evicted under discovery-mode capacity pressure.",
		}),
		StageDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "reels_stage_duration_seconds",
			Help: "Per-stage wall-clock duration of a Mercury Reels run.",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.RowsRead, m.RowsRejected, m.CodesEvicted, m.StageDurations)
	return m
}

// WriteMetricsFile writes a plain-text dump of the registry to
// <outputDir>/metrics.prom: a "# HELP" line per metric family, then each
// counter's value and each histogram series' _sum and _count. TYPE lines,
// label sets and histogram buckets are not written, so the per-stage
// duration series appear as unlabeled lines under one name.
func (m *Metrics) WriteMetricsFile(outputDir string) error {
	mfs, err := m.Registry.Gather()
	if err != nil {
		return fmt.Errorf("reelsio: gather metrics: %w", err)
	}

	f, err := os.Create(filepath.Join(outputDir, "metrics.prom"))
	if err != nil {
		return fmt.Errorf("reelsio: create metrics.prom: %w", err)
	}
	defer f.Close()

	for _, mf := range mfs {
		if _, err := fmt.Fprintf(f, "# HELP %s %s\n", mf.GetName(), mf.GetHelp()); err != nil {
			return err
		}
		for _, metric := range mf.GetMetric() {
			writeMetricLine(f, mf.GetName(), metric)
		}
	}
	return nil
}

func writeMetricLine(f *os.File, name string, metric *dto.Metric) {
	switch {
	case metric.Counter != nil:
		fmt.Fprintf(f, "%s %v\n", name, metric.Counter.GetValue())
	case metric.Histogram != nil:
		fmt.Fprintf(f, "%s_sum %v\n", name, metric.Histogram.GetSampleSum())
		fmt.Fprintf(f, "%s_count %v\n", name, metric.Histogram.GetSampleCount())
	}
}
