// ═══════════════════════════════════════════════════════════════════════════
// TSV input readers
// ═══════════════════════════════════════════════════════════════════════════
//
// Mirrors reels_main.cpp's line-at-a-time getline(fh, field, '\t') reading,
// one reader per input shape from spec.md §6: transactions/train/test rows
// (emitter, description, weight, actor, timestamp), explicit events
// (emitter, description, weight, code), an actor allow-list (one id per
// line), and targets (actor, timestamp). A small LRU cache sits in front of
// timestamp parsing, since a batch window repeats the same handful of
// second-resolution timestamps across millions of rows.
package reelsio

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BBVA/mercury-reels"
	"github.com/BBVA/mercury-reels/proto/timeline"
	"github.com/BBVA/mercury-reels/proto/tree"
	"github.com/BBVA/mercury-reels/proto/vocabulary"
)

// timestampCacheSize bounds the parsed-timestamp LRU; a batch window rarely
// has more distinct second-resolution values than this.
const timestampCacheSize = 4096

// TimeParser wraps reels.ParseTime with an LRU cache of recently parsed
// timestamp strings, since transaction files repeat timestamps heavily.
type TimeParser struct {
	format string
	cache  *lru.Cache[string, int64]
}

// NewTimeParser builds a TimeParser for the given strftime-style format.
func NewTimeParser(format string) *TimeParser {
	c, _ := lru.New[string, int64](timestampCacheSize)
	return &TimeParser{format: format, cache: c}
}

// Parse returns the parsed Unix-second timestamp, consulting the cache
// first.
func (p *TimeParser) Parse(value string) (int64, error) {
	if t, ok := p.cache.Get(value); ok {
		return t, nil
	}
	t, err := reels.ParseTime(p.format, value)
	if err != nil {
		return 0, err
	}
	p.cache.Add(value, t)
	return t, nil
}

// TransactionCounts reports how many rows a scan accepted/rejected, for the
// RESULTS.md object-size section and the optional prometheus counters.
type TransactionCounts struct {
	Rows     uint64
	Accepted uint64
}

// ScanTransactions reads emitter/description/weight/actor/timestamp rows
// from path and feeds each into store.Scan against coder, per spec.md §6's
// transactions/train/test format.
func ScanTransactions(path string, store *timeline.Store, coder timeline.Coder, timeFormat string) (TransactionCounts, error) {
	f, err := os.Open(path)
	if err != nil {
		return TransactionCounts{}, fmt.Errorf("reelsio: open %q: %w", path, err)
	}
	defer f.Close()

	parser := NewTimeParser(timeFormat)
	var counts TransactionCounts

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		weight, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			continue
		}
		counts.Rows++
		if store.ScanParsed(fields[0], fields[1], weight, fields[3], fields[4], coder, parser.Parse) {
			counts.Accepted++
		}
	}
	if err := sc.Err(); err != nil {
		return counts, fmt.Errorf("reelsio: read %q: %w", path, err)
	}
	return counts, nil
}

// ReadEvents reads an explicit (emitter, description, weight, code)
// vocabulary file and Defines every row against vocab.
func ReadEvents(path string, vocab *vocabulary.Vocabulary) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reelsio: open %q: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			continue
		}
		weight, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			continue
		}
		code, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			continue
		}
		if err := vocab.Define(fields[0], fields[1], weight, code); err != nil {
			return fmt.Errorf("reelsio: %q: %w", path, err)
		}
	}
	return sc.Err()
}

// ReadActors reads an allow-list file, one actor id per line, returning the
// set of its stable hashes as timeline.New expects.
func ReadActors(path string) (map[uint64]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reelsio: open %q: %w", path, err)
	}
	defer f.Close()

	out := make(map[uint64]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		out[reels.HashString(line)] = true
	}
	return out, sc.Err()
}

// ReadTargets reads a (actor, timestamp) target file into a fresh
// tree.TargetTable.
func ReadTargets(path string, timeFormat string) (*tree.TargetTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reelsio: open %q: %w", path, err)
	}
	defer f.Close()

	parser := NewTimeParser(timeFormat)
	targets := tree.NewTargetTable()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		ts, err := parser.Parse(fields[1])
		if err != nil {
			continue
		}
		actorHash := reels.HashString(fields[0])
		if err := targets.Insert(actorHash, ts); err != nil && err != tree.ErrDuplicateTarget {
			return nil, fmt.Errorf("reelsio: %q: %w", path, err)
		}
	}
	return targets, sc.Err()
}
