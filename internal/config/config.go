// ═══════════════════════════════════════════════════════════════════════════
// Typed run configuration
// ═══════════════════════════════════════════════════════════════════════════
//
// Config is a flat struct bound from cobra/pflag flags, following
// distribution-distribution's Configuration pattern but without that
// repo's versioned-parser machinery: Mercury Reels has one job and one
// flat set of knobs, so a plain yaml.v2 decode is enough. An optional
// --config file is decoded first; any flag the caller explicitly passed
// on the command line then overrides the corresponding field, matching
// the decode-then-default-then-flag-override sequencing the teacher's
// neighbor repo uses for its own configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

// Transform/Aggregate string constants, as accepted on the command line.
const (
	TransformLog    = "log"
	TransformLinear = "linear"

	AggregateMinimax = "minimax"
	AggregateMean    = "mean"
	AggregateLongest = "longest"
)

// Config is the full set of knobs a Mercury Reels run needs, per spec.md §6
// plus the supplemented §13 fields (TimeFormat, VerboseOptimizer).
type Config struct {
	Transactions string  `yaml:"transactions,omitempty"`
	MaxEvents    int     `yaml:"max_events,omitempty"`
	Events       string  `yaml:"events,omitempty"`
	Clients      string  `yaml:"clients,omitempty"`
	Targets      string  `yaml:"targets,omitempty"`
	Train        string  `yaml:"train,omitempty"`
	Test         string  `yaml:"test,omitempty"`
	Output       string  `yaml:"output,omitempty"`
	Transform    string  `yaml:"transform,omitempty"`
	Aggregate    string  `yaml:"aggregate,omitempty"`
	FitP         float64 `yaml:"fit_p,omitempty"`
	TreeDepth    int     `yaml:"tree_depth,omitempty"`
	AsStates     bool    `yaml:"as_states,omitempty"`

	TimeFormat       string `yaml:"time_format,omitempty"`
	VerboseOptimizer bool   `yaml:"verbose_optimizer,omitempty"`

	// Optimizer knobs, not present in the original CLI (the original never
	// exposed optimize_events over the command line) but needed by any
	// caller that wants the CLI to drive §4.5 instead of only §4.4.
	Optimize         bool    `yaml:"optimize,omitempty"`
	NumSteps         int     `yaml:"num_steps,omitempty"`
	CodesPerStep     int     `yaml:"codes_per_step,omitempty"`
	Threshold        float64 `yaml:"threshold,omitempty"`
	ExponentialDecay float64 `yaml:"exponential_decay,omitempty"`
	LowerBoundP      float64 `yaml:"lower_bound_p,omitempty"`
	LogLift          bool    `yaml:"log_lift,omitempty"`
}

// Defaults returns a Config populated with spec.md §6's documented defaults.
func Defaults() Config {
	return Config{
		MaxEvents:        -1,
		Transform:        TransformLog,
		Aggregate:        AggregateMinimax,
		FitP:             0.9,
		TreeDepth:        8,
		TimeFormat:       "%Y-%m-%d %H:%M:%S",
		NumSteps:         10,
		CodesPerStep:     1,
		Threshold:        0.0,
		ExponentialDecay: 0.1,
		LowerBoundP:      0.05,
	}
}

// BindFlags registers every Config field as a flag on fs, seeded with
// Defaults(). Call LoadFile after fs.Parse to fold in an optional --config
// file, then Validate to check the result.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	d := Defaults()
	*cfg = d

	fs.StringVar(&cfg.Transactions, "transactions", d.Transactions, "tab-separated (emitter, description, weight, actor, timestamp) file")
	fs.IntVar(&cfg.MaxEvents, "max_events", d.MaxEvents, "maximum auto-discovered vocabulary size when --events is not given")
	fs.StringVar(&cfg.Events, "events", d.Events, "optional explicit (emitter, description, weight, code) vocabulary file")
	fs.StringVar(&cfg.Clients, "clients", d.Clients, "optional actor allow-list file, one actor id per line")
	fs.StringVar(&cfg.Targets, "targets", d.Targets, "tab-separated (actor, timestamp) target file")
	fs.StringVar(&cfg.Train, "train", d.Train, "alternative to --transactions for fitting")
	fs.StringVar(&cfg.Test, "test", d.Test, "alternative to --transactions for prediction")
	fs.StringVar(&cfg.Output, "output", d.Output, "output directory; must not already exist")
	fs.StringVar(&cfg.Transform, "transform", d.Transform, "time-to-target transform: log or linear")
	fs.StringVar(&cfg.Aggregate, "aggregate", d.Aggregate, "cross-depth aggregation: minimax, mean or longest")
	fs.Float64Var(&cfg.FitP, "fit_p", d.FitP, "binomial confidence level for the Agresti-Coull bound")
	fs.IntVar(&cfg.TreeDepth, "tree_depth", d.TreeDepth, "maximum learned/matched sequence length")
	fs.BoolVar(&cfg.AsStates, "as_states", d.AsStates, "collapse consecutive repeated codes before fitting")
	fs.StringVar(&cfg.TimeFormat, "time_format", d.TimeFormat, "strftime-style timestamp layout")
	fs.BoolVar(&cfg.VerboseOptimizer, "verbose_optimizer", d.VerboseOptimizer, "write code_ranking.tsv alongside the usual output")

	fs.BoolVar(&cfg.Optimize, "optimize", d.Optimize, "run the code optimizer before the final fit")
	fs.IntVar(&cfg.NumSteps, "num_steps", d.NumSteps, "optimizer: maximum number of admission steps")
	fs.IntVar(&cfg.CodesPerStep, "codes_per_step", d.CodesPerStep, "optimizer: candidate codes admitted per step")
	fs.Float64Var(&cfg.Threshold, "threshold", d.Threshold, "optimizer: minimum score improvement to admit a step")
	fs.Float64Var(&cfg.ExponentialDecay, "exponential_decay", d.ExponentialDecay, "optimizer: depth decay applied to a code's ranking score")
	fs.Float64Var(&cfg.LowerBoundP, "lower_bound_p", d.LowerBoundP, "optimizer: confidence level used for ranking-time bounds")
	fs.BoolVar(&cfg.LogLift, "log_lift", d.LogLift, "optimizer: apply a log transform to the lift term")
}

// LoadFile decodes path as a YAML Config document and copies each non-zero
// field of it into cfg, replacing built-in defaults, except where the flag
// set already changed that field (fs.Changed): those are left as the
// command line set them, so a --config file supplies defaults the command
// line may still override, not the reverse.
func LoadFile(path string, fs *pflag.FlagSet, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}

	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}

	merge(cfg, &fromFile, fs)
	return nil
}

// merge copies every non-zero field of src into dst, but only for flags the
// caller has not explicitly set on the command line.
func merge(dst, src *Config, fs *pflag.FlagSet) {
	set := func(name string) bool { return fs != nil && fs.Changed(name) }

	if src.Transactions != "" && !set("transactions") {
		dst.Transactions = src.Transactions
	}
	if src.MaxEvents != 0 && !set("max_events") {
		dst.MaxEvents = src.MaxEvents
	}
	if src.Events != "" && !set("events") {
		dst.Events = src.Events
	}
	if src.Clients != "" && !set("clients") {
		dst.Clients = src.Clients
	}
	if src.Targets != "" && !set("targets") {
		dst.Targets = src.Targets
	}
	if src.Train != "" && !set("train") {
		dst.Train = src.Train
	}
	if src.Test != "" && !set("test") {
		dst.Test = src.Test
	}
	if src.Output != "" && !set("output") {
		dst.Output = src.Output
	}
	if src.Transform != "" && !set("transform") {
		dst.Transform = src.Transform
	}
	if src.Aggregate != "" && !set("aggregate") {
		dst.Aggregate = src.Aggregate
	}
	if src.FitP != 0 && !set("fit_p") {
		dst.FitP = src.FitP
	}
	if src.TreeDepth != 0 && !set("tree_depth") {
		dst.TreeDepth = src.TreeDepth
	}
	if src.AsStates && !set("as_states") {
		dst.AsStates = src.AsStates
	}
	if src.TimeFormat != "" && !set("time_format") {
		dst.TimeFormat = src.TimeFormat
	}
	if src.VerboseOptimizer && !set("verbose_optimizer") {
		dst.VerboseOptimizer = src.VerboseOptimizer
	}
	if src.Optimize && !set("optimize") {
		dst.Optimize = src.Optimize
	}
	if src.NumSteps != 0 && !set("num_steps") {
		dst.NumSteps = src.NumSteps
	}
	if src.CodesPerStep != 0 && !set("codes_per_step") {
		dst.CodesPerStep = src.CodesPerStep
	}
	if src.Threshold != 0 && !set("threshold") {
		dst.Threshold = src.Threshold
	}
	if src.ExponentialDecay != 0 && !set("exponential_decay") {
		dst.ExponentialDecay = src.ExponentialDecay
	}
	if src.LowerBoundP != 0 && !set("lower_bound_p") {
		dst.LowerBoundP = src.LowerBoundP
	}
	if src.LogLift && !set("log_lift") {
		dst.LogLift = src.LogLift
	}
}

// Validate checks the cross-field invariants spec.md §6/§7 requires beyond
// what a flag's own type enforces.
func (c *Config) Validate() error {
	if c.Transactions == "" && c.Train == "" {
		return fmt.Errorf("config: one of --transactions or --train is required")
	}
	if c.Targets == "" {
		return fmt.Errorf("config: --targets is required")
	}
	if c.Output == "" {
		return fmt.Errorf("config: --output is required")
	}
	if c.Events == "" && c.MaxEvents <= 0 {
		return fmt.Errorf("config: --max_events is required when --events is not given")
	}
	switch c.Transform {
	case TransformLog, TransformLinear:
	default:
		return fmt.Errorf("config: unknown --transform %q (use log or linear)", c.Transform)
	}
	switch c.Aggregate {
	case AggregateMinimax, AggregateMean, AggregateLongest:
	default:
		return fmt.Errorf("config: unknown --aggregate %q (use minimax, mean or longest)", c.Aggregate)
	}
	if _, err := os.Stat(c.Output); err == nil {
		return fmt.Errorf("config: output directory %q already exists", c.Output)
	}
	return nil
}
