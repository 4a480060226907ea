// ═══════════════════════════════════════════════════════════════════════════
// Mercury Reels CLI driver
// ═══════════════════════════════════════════════════════════════════════════
//
// One root cobra command carrying every flag from spec.md §6, following
// opal-lang-opal's runtime/cli/harness.go shape (a single *cobra.Command,
// flags bound with *Var methods, RunE returning a typed error the caller
// turns into an exit code) rather than a multi-subcommand tree — Mercury
// Reels runs one batch job per invocation.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BBVA/mercury-reels/internal/config"
	"github.com/BBVA/mercury-reels/internal/reelslog"
	"github.com/BBVA/mercury-reels/internal/reelsio"
	"github.com/BBVA/mercury-reels/proto/optimizer"
	"github.com/BBVA/mercury-reels/proto/timeline"
	"github.com/BBVA/mercury-reels/proto/tree"
	"github.com/BBVA/mercury-reels/proto/vocabulary"
)

func main() {
	os.Exit(run())
}

func run() int {
	fmt.Println("-- Reels command line interface --")
	fmt.Println()

	var cfg config.Config
	var configFile string

	root := &cobra.Command{
		Use:          "reels",
		Short:        "Learn per-actor time-to-target from a transaction stream",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.LoadFile(configFile, cmd.Flags(), &cfg); err != nil {
					return err
				}
			}
			if configFile == "" && cmd.Flags().NFlag() == 0 {
				cmd.Help()
				return fmt.Errorf("no arguments given")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return doAll(&cfg)
		},
	}

	fs := root.Flags()
	config.BindFlags(fs, &cfg)
	fs.StringVar(&configFile, "config", "", "optional YAML file supplying defaults for any flag not given on the command line")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n\n", err)
		return 1
	}
	return 0
}

// doAll runs the full pipeline: load vocabulary, load clients, build clips,
// build the target map, optionally run the optimizer, fit the tree,
// predict, and write the output directory. Mirrors reels_main.cpp's
// do_all exactly in stage order and in the RESULTS.md fields it reports.
func doAll(cfg *config.Config) error {
	log := reelslog.New(logrus.InfoLevel)
	metrics := reelsio.NewMetrics()

	// timeStage wraps log.Stage so every stage's elapsed time also lands in
	// the StageDurations histogram the run's metrics.prom reports.
	timeStage := func(name string) func() float64 {
		stop := log.Stage(name)
		return func() float64 {
			elapsed := stop()
			metrics.StageDurations.WithLabelValues(name).Observe(elapsed)
			return elapsed
		}
	}

	var timings reelsio.StageTimings
	totalStop := timeStage("Processing")

	// ─── Events ─────────────────────────────────────────────────────────
	stop := timeStage("building events")
	vocab := vocabulary.New(cfg.MaxEvents, false)
	var numTransactions uint64

	if cfg.Events != "" {
		if cfg.MaxEvents > 0 {
			log.Warn("'max_events' is defined and ignored because 'events' is given")
		}
		if err := reelsio.ReadEvents(cfg.Events, vocab); err != nil {
			return err
		}
	} else {
		if cfg.MaxEvents <= 0 {
			return fmt.Errorf("'max_events' is required when 'events' is not given")
		}
		counts, err := reelsio.ScanTransactions(cfg.Transactions, timeline.New(nil, cfg.TimeFormat), discoveryCoder{vocab}, cfg.TimeFormat)
		if err != nil {
			return err
		}
		numTransactions = counts.Rows
	}
	timings.BuildingEvents = stop()
	metrics.CodesEvicted.Add(float64(vocab.EvictedCount()))
	log.Infof("Events vocabulary is loaded (%d codes).", vocab.NumEvents())

	// ─── Clients ────────────────────────────────────────────────────────
	stop = timeStage("loading clients")
	var allowSet map[uint64]bool
	if cfg.Clients != "" {
		var err error
		allowSet, err = reelsio.ReadActors(cfg.Clients)
		if err != nil {
			return err
		}
	}
	timings.LoadingClients = stop()
	log.Info("Clients loaded.")

	// ─── Clips ──────────────────────────────────────────────────────────
	stop = timeStage("building clips")
	clipsPath := cfg.Train
	if clipsPath == "" {
		clipsPath = cfg.Transactions
	}
	if clipsPath == "" {
		return fmt.Errorf("no 'train' or 'transactions' file given")
	}

	store := timeline.New(allowSet, cfg.TimeFormat)
	clipCounts, err := reelsio.ScanTransactions(clipsPath, store, vocab, cfg.TimeFormat)
	if err != nil {
		return err
	}
	if numTransactions == 0 {
		numTransactions = clipCounts.Rows
	}
	metrics.RowsRead.Add(float64(clipCounts.Rows))
	metrics.RowsRejected.Add(float64(clipCounts.Rows - clipCounts.Accepted))
	timings.BuildingClips = stop()
	log.Info("Clips loaded.")

	// ─── Target map ─────────────────────────────────────────────────────
	stop = timeStage("building target map")
	if cfg.Targets == "" {
		return fmt.Errorf("no 'targets' file given")
	}
	targets, err := reelsio.ReadTargets(cfg.Targets, cfg.TimeFormat)
	if err != nil {
		return err
	}
	timings.BuildingTargetMap = stop()
	log.Info("Target map loaded.")

	transform, aggregate, err := parseFitParams(cfg)
	if err != nil {
		return err
	}

	if cfg.Optimize {
		result := optimizer.Run(vocab, store, targets, optimizer.FitParams{
			Transform: transform,
			Aggregate: aggregate,
			P:         cfg.FitP,
			Depth:     cfg.TreeDepth,
			AsStates:  cfg.AsStates,
		}, optimizer.Params{
			NumSteps:         cfg.NumSteps,
			CodesPerStep:     cfg.CodesPerStep,
			Threshold:        cfg.Threshold,
			ExponentialDecay: cfg.ExponentialDecay,
			LowerBoundP:      cfg.LowerBoundP,
			LogLift:          cfg.LogLift,
		})
		log.Info(result.Log)
		if cfg.VerboseOptimizer && result.Ranking != nil {
			defer writeRankingIfPossible(cfg.Output, result.Ranking)
		}
	}

	// ─── Fit ────────────────────────────────────────────────────────────
	stop = timeStage("fitting tree")
	predictor := tree.New()
	if err := predictor.Fit(store, targets, transform, aggregate, cfg.FitP, cfg.TreeDepth, cfg.AsStates); err != nil {
		return fmt.Errorf("targets.fit() failed: %w", err)
	}
	predictor.AttachStore(store)
	timings.FittingTree = stop()
	log.Info("Tree fitted.")

	// ─── Predict ────────────────────────────────────────────────────────
	stop = timeStage("predicting times")
	var testStore *timeline.Store
	var numTestEvents int
	if cfg.Test != "" {
		testStore = timeline.New(allowSet, cfg.TimeFormat)
		testCounts, err := reelsio.ScanTransactions(cfg.Test, testStore, vocab, cfg.TimeFormat)
		if err != nil {
			return err
		}
		metrics.RowsRead.Add(float64(testCounts.Rows))
		metrics.RowsRejected.Add(float64(testCounts.Rows - testCounts.Accepted))
		numTestEvents = testStore.NumEvents()
		log.Info("Test clips loaded.")
	}

	predictStore := store
	if testStore != nil {
		predictStore = testStore
	}

	actors := predictStore.Actors()
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	var predTimes []float64
	if testStore != nil {
		predTimes = predictor.PredictStore(testStore)
	} else {
		predTimes = predictor.PredictAll()
	}
	timings.PredictingTimes = stop()
	timings.Total = totalStop()
	log.Info("Predictions computed.")

	// ─── Output ─────────────────────────────────────────────────────────
	rows := make([]reelsio.PredictionRow, 0, len(actors))
	for i, actorHash := range actors {
		clip, _ := predictStore.Clip(actorHash)
		verbose := predictor.VerbosePredictClip(actorHash, clip, targets)

		var predTime float64
		if i < len(predTimes) {
			predTime = predTimes[i]
		}

		rows = append(rows, reelsio.PredictionRow{
			ClientID:   actorHash,
			ObsTime:    verbose.ObsTime,
			TargetYN:   verbose.TargetYN,
			PredTime:   predTime,
			LongestSeq: verbose.LongestSeq,
			NVisits:    verbose.NVisits,
			NTargets:   verbose.NTargets,
			TargMeanT:  verbose.TargMeanT,
		})
	}

	sizes := reelsio.ObjectSizes{
		NumTransactions: numTransactions,
		NumEvents:       vocab.NumEvents(),
		NumClients:      len(allowSet),
		NumClips:        store.NumActors(),
		NumClipEvents:   store.NumEvents(),
		NumTargets:      targets.Len(),
		TreeSize:        predictor.Size(),
		NumPredictions:  len(predTimes),
	}
	if testStore != nil {
		sizes.NumTestClips = testStore.NumActors()
		sizes.NumTestEvents = numTestEvents
	}

	fmt.Println("Writing output ...")
	if err := reelsio.WriteResults(cfg, timings, sizes); err != nil {
		return err
	}
	if err := reelsio.WritePredictions(cfg.Output, rows); err != nil {
		return err
	}
	if err := metrics.WriteMetricsFile(cfg.Output); err != nil {
		return err
	}
	fmt.Println(" Ok.")
	fmt.Println()
	fmt.Println("Done.")

	return nil
}

func writeRankingIfPossible(outputDir string, ranking []optimizer.RankedCode) {
	_ = reelsio.WriteRankingReport(outputDir, ranking)
}

func parseFitParams(cfg *config.Config) (tree.Transform, tree.Aggregate, error) {
	var transform tree.Transform
	switch cfg.Transform {
	case config.TransformLog:
		transform = tree.Log
	case config.TransformLinear:
		transform = tree.Linear
	default:
		return 0, 0, fmt.Errorf("unknown 'transform' %q (use linear or leave the default)", cfg.Transform)
	}

	var aggregate tree.Aggregate
	switch cfg.Aggregate {
	case config.AggregateMinimax:
		aggregate = tree.Minimax
	case config.AggregateMean:
		aggregate = tree.Mean
	case config.AggregateLongest:
		aggregate = tree.Longest
	default:
		return 0, 0, fmt.Errorf("unknown 'aggregate' %q (use mean, longest or leave the default)", cfg.Aggregate)
	}

	return transform, aggregate, nil
}

// discoveryCoder adapts *vocabulary.Vocabulary's discovery-mode Insert to
// the timeline.Coder interface Scan needs, used only for the max_events
// auto-discovery pass over the transactions file (reels_main.cpp's
// events.insert_row loop, which never touches Clips at all).
type discoveryCoder struct {
	vocab *vocabulary.Vocabulary
}

func (d discoveryCoder) Lookup(emitter, description string, weight float64) uint64 {
	return d.vocab.Insert(emitter, description, weight)
}
