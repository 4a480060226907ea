package reelsio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BBVA/mercury-reels"
	"github.com/BBVA/mercury-reels/internal/reelsio"
	"github.com/BBVA/mercury-reels/proto/timeline"
	"github.com/BBVA/mercury-reels/proto/vocabulary"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", path, err)
	}
	return path
}

func TestScanTransactions_AcceptsAndRejectsRows(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "transactions.tsv", ""+
		"e\tlogin\t1.0\talice\t2020-01-01 00:00:00\n"+
		"e\tlogin\t1.0\t\t2020-01-01 00:00:00\n"+ // missing actor, rejected
		"not enough fields\n", // malformed, skipped
	)

	vocab := vocabulary.New(10, false)
	vocab.Define("e", "login", 1.0, 1)
	store := timeline.New(nil, reels.DefaultTimeFormat)

	counts, err := reelsio.ScanTransactions(path, store, vocab, reels.DefaultTimeFormat)
	if err != nil {
		t.Fatalf("ScanTransactions failed: %v", err)
	}
	if counts.Rows != 2 {
		t.Errorf("Rows = %d, want 2 (the malformed line has too few fields to count)", counts.Rows)
	}
	if counts.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", counts.Accepted)
	}
	if store.NumActors() != 1 {
		t.Errorf("NumActors() = %d, want 1", store.NumActors())
	}
}

func TestReadEvents_DefinesEachRow(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "events.tsv", ""+
		"e\tlogin\t1.0\t1\n"+
		"e\tview\t1.0\t2\n",
	)

	vocab := vocabulary.New(10, false)
	if err := reelsio.ReadEvents(path, vocab); err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if vocab.NumEvents() != 2 {
		t.Fatalf("NumEvents() = %d, want 2", vocab.NumEvents())
	}
	if vocab.Lookup("e", "login", 1.0) != 1 {
		t.Errorf("Lookup(e, login, 1.0) did not return the defined code 1")
	}
}

func TestReadActors_HashesEachLine(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "actors.tsv", "alice\nbob\n\n")

	allow, err := reelsio.ReadActors(path)
	if err != nil {
		t.Fatalf("ReadActors failed: %v", err)
	}
	if len(allow) != 2 {
		t.Fatalf("len(allow) = %d, want 2", len(allow))
	}
	if !allow[reels.HashString("alice")] {
		t.Errorf("alice should be present in the allow-set")
	}
}

func TestReadTargets_InsertsParsedTimestamps(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "targets.tsv", "alice\t2020-01-04 00:00:00\n")

	targets, err := reelsio.ReadTargets(path, reels.DefaultTimeFormat)
	if err != nil {
		t.Fatalf("ReadTargets failed: %v", err)
	}
	if targets.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", targets.Len())
	}
	if _, ok := targets.Get(reels.HashString("alice")); !ok {
		t.Errorf("expected a target recorded for alice")
	}
}
