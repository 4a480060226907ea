package reelsio_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BBVA/mercury-reels/internal/config"
	"github.com/BBVA/mercury-reels/internal/reelsio"
)

func TestWriteResults_CreatesOutputDirAndFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	cfg := config.Defaults()
	cfg.Output = dir
	cfg.Transactions = "transactions.tsv"
	cfg.Targets = "targets.tsv"

	if err := reelsio.WriteResults(&cfg, reelsio.StageTimings{Total: 1.5}, reelsio.ObjectSizes{NumEvents: 3}); err != nil {
		t.Fatalf("WriteResults failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "RESULTS.md"))
	if err != nil {
		t.Fatalf("reading RESULTS.md failed: %v", err)
	}
	if !strings.Contains(string(data), "transactions.tsv") {
		t.Errorf("RESULTS.md does not echo the transactions path given")
	}
	if !strings.Contains(string(data), "events.num_events     : 3") {
		t.Errorf("RESULTS.md does not report the object sizes given")
	}
}

func TestWritePredictions_FormatsRowsPerSpec(t *testing.T) {
	dir := t.TempDir()
	rows := []reelsio.PredictionRow{
		{ClientID: 42, ObsTime: 100, TargetYN: true, PredTime: 12.34, LongestSeq: 2, NVisits: 5, NTargets: 1, TargMeanT: 99.95},
	}
	if err := reelsio.WritePredictions(dir, rows); err != nil {
		t.Fatalf("WritePredictions failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "PREDICTIONS.tsv"))
	if err != nil {
		t.Fatalf("reading PREDICTIONS.tsv failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("PREDICTIONS.tsv has %d lines, want 2 (header + one row)", len(lines))
	}
	want := "42\t100\t1\t12.3\t2\t5\t1\t100.0" // 99.95 rounds to 100.0 under %0.1f
	if lines[1] != want {
		t.Errorf("row = %q, want %q", lines[1], want)
	}
}

func TestMetrics_WriteMetricsFileGathersCounters(t *testing.T) {
	dir := t.TempDir()
	m := reelsio.NewMetrics()
	m.RowsRead.Add(10)
	m.RowsRejected.Add(2)

	if err := m.WriteMetricsFile(dir); err != nil {
		t.Fatalf("WriteMetricsFile failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "metrics.prom"))
	if err != nil {
		t.Fatalf("reading metrics.prom failed: %v", err)
	}
	if !strings.Contains(string(data), "reels_rows_read_total 10") {
		t.Errorf("metrics.prom missing the rows-read counter value; got:\n%s", data)
	}
}
