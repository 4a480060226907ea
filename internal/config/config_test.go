package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestConfig_DefaultsMatchSpec(t *testing.T) {
	d := Defaults()

	if d.Transform != TransformLog {
		t.Errorf("default transform = %q, want %q", d.Transform, TransformLog)
	}
	if d.Aggregate != AggregateMinimax {
		t.Errorf("default aggregate = %q, want %q", d.Aggregate, AggregateMinimax)
	}
	if d.FitP != 0.9 {
		t.Errorf("default fit_p = %v, want 0.9", d.FitP)
	}
	if d.TreeDepth != 8 {
		t.Errorf("default tree_depth = %v, want 8", d.TreeDepth)
	}
	if d.AsStates {
		t.Errorf("default as_states = true, want false")
	}
}

func TestConfig_ValidateRequiresTargetsAndOutput(t *testing.T) {
	cfg := Defaults()
	cfg.Transactions = "in.tsv"
	cfg.MaxEvents = 100

	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for missing --targets/--output")
	}

	cfg.Targets = "targets.tsv"
	cfg.Output = filepath.Join(t.TempDir(), "out")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestConfig_ValidateRejectsExistingOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "exists")
	if err := os.Mkdir(out, 0o700); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	cfg.Transactions = "in.tsv"
	cfg.MaxEvents = 100
	cfg.Targets = "targets.tsv"
	cfg.Output = out

	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for pre-existing output directory")
	}
}

func TestConfig_ValidateRejectsUnknownTransform(t *testing.T) {
	cfg := Defaults()
	cfg.Transactions = "in.tsv"
	cfg.MaxEvents = 100
	cfg.Targets = "targets.tsv"
	cfg.Output = filepath.Join(t.TempDir(), "out")
	cfg.Transform = "exponential"

	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for unknown transform")
	}
}

func TestConfig_LoadFileFillsOnlyUnsetFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reels.yaml")
	yamlDoc := "transform: linear\naggregate: mean\nfit_p: 0.75\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	fs := pflag.NewFlagSet("reels", pflag.ContinueOnError)
	var cfg Config
	BindFlags(fs, &cfg)

	if err := fs.Parse([]string{"--aggregate=longest"}); err != nil {
		t.Fatal(err)
	}

	if err := LoadFile(path, fs, &cfg); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Transform != "linear" {
		t.Errorf("transform = %q, want %q (from file, unset on cmdline)", cfg.Transform, "linear")
	}
	if cfg.Aggregate != "longest" {
		t.Errorf("aggregate = %q, want %q (cmdline wins over file)", cfg.Aggregate, "longest")
	}
	if cfg.FitP != 0.75 {
		t.Errorf("fit_p = %v, want 0.75 (from file)", cfg.FitP)
	}
}
