// ═══════════════════════════════════════════════════════════════════════════
// Actor & Timeline store ("Clips")
// ═══════════════════════════════════════════════════════════════════════════
//
// Ingests (emitter, description, weight, actor, timestamp) records against a
// Vocabulary, keeping one ordered (timestamp → code) sequence per actor,
// keyed by a stable hash of the actor identifier. Mirrors the reference
// Clips/ClipMap pair: a Clip is one actor's ordered event sequence, a Store
// is the map of actor hash to Clip.
package timeline

import (
	"bytes"
	"sort"

	"github.com/BBVA/mercury-reels"
)

// Coder is the subset of vocabulary.Vocabulary that Scan needs: a lookup
// from triple to code, returning 0 for unknown triples. Depending on an
// interface here (rather than importing the vocabulary package directly)
// keeps the timeline store usable against any code source, including the
// optimizer's throwaway relabeled vocabularies.
type Coder interface {
	Lookup(emitter, description string, weight float64) uint64
}

// Event is one (timestamp, code) observation.
type Event struct {
	Time int64
	Code uint64
}

// Clip is one actor's ordered timeline. Entries are kept in a map for O(1)
// overwrite-on-collision semantics; Entries() produces the chronological
// view callers actually need for collapsing and fitting.
type Clip struct {
	byTime map[int64]uint64
}

func newClip() *Clip {
	return &Clip{byTime: make(map[int64]uint64)}
}

func (c *Clip) insert(t int64, code uint64) {
	c.byTime[t] = code
}

// Len returns the number of distinct timestamps recorded.
func (c *Clip) Len() int { return len(c.byTime) }

// Entries returns the clip's (timestamp, code) pairs in ascending
// chronological order.
func (c *Clip) Entries() []Event {
	out := make([]Event, 0, len(c.byTime))
	for t, code := range c.byTime {
		out = append(out, Event{Time: t, Code: code})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

// Reversed returns the clip's entries in descending (most recent first)
// chronological order, the walk direction Fit and Predict use.
func (c *Clip) Reversed() []Event {
	e := c.Entries()
	for i, j := 0, len(e)-1; i < j; i, j = i+1, j-1 {
		e[i], e[j] = e[j], e[i]
	}
	return e
}

// Store is the per-actor timeline collection ("Clips" in the reference
// implementation).
type Store struct {
	timeFormat string
	allowSet   map[uint64]bool
	clips      map[uint64]*Clip
}

// New creates an empty timeline store. allowSet may be nil or empty, meaning
// no actor restriction; timeFormat defaults to reels.DefaultTimeFormat when
// empty.
func New(allowSet map[uint64]bool, timeFormat string) *Store {
	if timeFormat == "" {
		timeFormat = reels.DefaultTimeFormat
	}
	return &Store{
		timeFormat: timeFormat,
		allowSet:   allowSet,
		clips:      make(map[uint64]*Clip),
	}
}

// TimeFormat returns the configured strftime-like timestamp layout.
func (s *Store) TimeFormat() string { return s.timeFormat }

// NumActors returns the number of actors with at least one stored event.
func (s *Store) NumActors() int { return len(s.clips) }

// NumEvents returns the total number of (timestamp, code) observations
// across every actor.
func (s *Store) NumEvents() int {
	n := 0
	for _, c := range s.clips {
		n += c.Len()
	}
	return n
}

// Actors returns every actor hash with a non-empty clip.
func (s *Store) Actors() []uint64 {
	out := make([]uint64, 0, len(s.clips))
	for h := range s.clips {
		out = append(out, h)
	}
	return out
}

// Clip returns the actor's timeline, if any.
func (s *Store) Clip(actorHash uint64) (*Clip, bool) {
	c, ok := s.clips[actorHash]
	return c, ok
}

// Scan ingests one transaction row, per §4.3:
//  1. an empty actor id is rejected;
//  2. if an allow-set is configured, an actor outside it is rejected;
//  3. the triple must already be known to coder (vocabulary lookup);
//  4. the timestamp must parse under the configured format to a
//     non-negative second count;
//  5. the (timestamp, code) pair is inserted into the actor's clip,
//     overwriting any existing entry at that exact timestamp.
//
// Scan never panics on bad input: malformed rows simply return false so a
// batch of millions of transactions survives the occasional bad line.
func (s *Store) Scan(emitter, description string, weight float64, actor, timestamp string, coder Coder) bool {
	return s.ScanParsed(emitter, description, weight, actor, timestamp, coder, func(v string) (int64, error) {
		return reels.ParseTime(s.timeFormat, v)
	})
}

// ScanParsed is Scan with the timestamp-parsing step supplied by the
// caller, letting a reader front reels.ParseTime with its own cache (as
// internal/reelsio's TimeParser does) without duplicating the other four
// ingestion steps.
func (s *Store) ScanParsed(emitter, description string, weight float64, actor, timestamp string, coder Coder, parseTime func(string) (int64, error)) bool {
	if actor == "" {
		return false
	}
	actorHash := reels.HashString(actor)
	if len(s.allowSet) > 0 && !s.allowSet[actorHash] {
		return false
	}
	code := coder.Lookup(emitter, description, weight)
	if code == 0 {
		return false
	}
	t, err := parseTime(timestamp)
	if err != nil || t < 0 {
		return false
	}
	clip, ok := s.clips[actorHash]
	if !ok {
		clip = newClip()
		s.clips[actorHash] = clip
	}
	clip.insert(t, code)
	return true
}

// CollapseToStates walks every clip in chronological order and drops any
// entry whose code equals the immediately preceding kept entry's code,
// retaining the earlier timestamp. It is idempotent: collapsing an
// already-collapsed store is a no-op.
func (s *Store) CollapseToStates() {
	for h, c := range s.clips {
		entries := c.Entries()
		collapsed := newClip()
		var havePrev bool
		var prevCode uint64
		for _, e := range entries {
			if havePrev && e.Code == prevCode {
				continue
			}
			collapsed.insert(e.Time, e.Code)
			prevCode, havePrev = e.Code, true
		}
		s.clips[h] = collapsed
	}
}

// Relabel rewrites every stored code in place via dict, as used by the code
// optimizer when scoring a candidate many-to-one code relabeling. Codes with
// no entry in dict are left unchanged.
func (s *Store) Relabel(dict map[uint64]uint64) {
	for _, c := range s.clips {
		for t, code := range c.byTime {
			if nc, ok := dict[code]; ok {
				c.byTime[t] = nc
			}
		}
	}
}

// CodesUsed returns the set of distinct codes appearing in any clip.
func (s *Store) CodesUsed() map[uint64]bool {
	out := make(map[uint64]bool)
	for _, c := range s.clips {
		for _, code := range c.byTime {
			out[code] = true
		}
	}
	return out
}

// Clone performs a deep copy of the store by a save/load round-trip through
// the section-framed stream, matching the reference implementation's
// documented copy-construction semantics exactly.
func (s *Store) Clone() (*Store, error) {
	buf := &bytes.Buffer{}
	w := reels.NewWriter(buf)
	if err := s.Save(w); err != nil {
		return nil, err
	}
	r := reels.NewReader(buf)
	return Load(r, s.allowSet, s.timeFormat)
}

// ─── Save / Load ────────────────────────────────────────────────────────────

// Save writes the store as a "clients" section (the actor hash set) followed
// by a "clips" section containing one "clip_map" entry per actor.
func (s *Store) Save(sw *reels.Writer) error {
	sw.Section(reels.SectionClients)
	sw.Uint64(uint64(len(s.clips)))
	for h := range s.clips {
		sw.Uint64(h)
	}

	sw.Section(reels.SectionClips)
	sw.Uint64(uint64(len(s.clips)))
	for h, c := range s.clips {
		sw.Section(reels.SectionClipMap)
		sw.Uint64(h)
		sw.Uint64(uint64(len(c.byTime)))
		for t, code := range c.byTime {
			sw.Int64(t)
			sw.Uint64(code)
		}
	}

	return sw.End()
}

// Load populates a fresh Store from a stream written by Save.
func Load(sr *reels.Reader, allowSet map[uint64]bool, timeFormat string) (*Store, error) {
	s := New(allowSet, timeFormat)

	if err := sr.Section(reels.SectionClients); err != nil {
		return nil, err
	}
	nActors, err := sr.Uint64()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < nActors; i++ {
		if _, err := sr.Uint64(); err != nil {
			return nil, err
		}
	}

	if err := sr.Section(reels.SectionClips); err != nil {
		return nil, err
	}
	nClips, err := sr.Uint64()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < nClips; i++ {
		if err := sr.Section(reels.SectionClipMap); err != nil {
			return nil, err
		}
		h, err := sr.Uint64()
		if err != nil {
			return nil, err
		}
		n, err := sr.Uint64()
		if err != nil {
			return nil, err
		}
		c := newClip()
		for j := uint64(0); j < n; j++ {
			t, err := sr.Int64()
			if err != nil {
				return nil, err
			}
			code, err := sr.Uint64()
			if err != nil {
				return nil, err
			}
			c.insert(t, code)
		}
		s.clips[h] = c
	}

	if err := sr.End(); err != nil {
		return nil, err
	}
	return s, nil
}
