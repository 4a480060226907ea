// ═══════════════════════════════════════════════════════════════════════════
// Event Vocabulary — bounded (emitter, description, weight) → code mapping
// ═══════════════════════════════════════════════════════════════════════════
//
// Two mutually exclusive construction modes, matching the reference
// implementation's EventMap/PriorityMap pair:
//
//   - Discovery (Insert): codes are assigned automatically, oldest/least-seen
//     entries are evicted once the vocabulary is at capacity.
//   - Explicit (Define): codes are supplied by the caller; Define after any
//     Insert is rejected. Insert never fails, so an Insert after Define is
//     accepted, and from then on Define is rejected.
//
// The priority index used for discovery-mode eviction is kept as a plain map
// from priority to key, with the minimum found by linear scan on eviction.
// Vocabulary capacity defaults to 1000 and eviction is a rare, batch-time
// event, so this trades a little eviction-time work for a much simpler,
// more obviously correct implementation than a synced heap.
package vocabulary

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/BBVA/mercury-reels"
)

// PrioritySeenFactor weights "times seen" far more heavily than insertion
// recency when computing eviction priority, so a heavily observed entry is
// never evicted ahead of a barely-seen one, regardless of age.
const PrioritySeenFactor = 2_000_000_000

// WeightPrecision is the quantization factor applied to floating weights so
// that key equality and ordering are platform-independent.
const WeightPrecision = 10000

// DefaultCapacity is the vocabulary size used when none is configured.
const DefaultCapacity = 1000

// Key identifies an event class: a hashed emitter, a hashed description, and
// a quantized weight. Equality and ordering are lexicographic over the three
// fields as they appear below.
type Key struct {
	Emitter     uint64
	Description uint64
	WeightQ     int64
}

// Less reports whether k sorts before other under the lexicographic order
// (Emitter, Description, WeightQ).
func (k Key) Less(other Key) bool {
	if k.Emitter != other.Emitter {
		return k.Emitter < other.Emitter
	}
	if k.Description != other.Description {
		return k.Description < other.Description
	}
	return k.WeightQ < other.WeightQ
}

// MakeKey hashes emitter/description and quantizes weight into a Key.
func MakeKey(emitter, description string, weight float64) Key {
	return Key{
		Emitter:     reels.HashString(emitter),
		Description: reels.HashString(description),
		WeightQ:     int64(math.Round(weight * WeightPrecision)),
	}
}

type entry struct {
	seen     uint64
	code     uint64
	priority uint64
}

type strUsage struct {
	value string
	refs  uint64
}

// Sentinel errors for configuration-time invariant violations (§7).
var (
	ErrModeMixing      = errors.New("vocabulary: discovery and explicit modes cannot mix")
	ErrDuplicateDefine = errors.New("vocabulary: triple already defined")
)

// Vocabulary maps (emitter, description, weight) triples to small positive
// integer codes, either discovering them under a bounded-capacity priority
// eviction policy or accepting explicit caller-assigned codes.
type Vocabulary struct {
	capacity int
	counter  uint64
	nextCode uint64

	events   map[Key]*entry
	codeToKey map[uint64]Key
	priority map[uint64]Key

	discoveryUsed bool
	explicitUsed  bool

	storeStrings bool
	strings      map[uint64]*strUsage

	// evicted is a run-time observability counter, not part of the
	// vocabulary's persisted state, so Save/Load intentionally skip it.
	evicted uint64
}

// New creates an empty vocabulary with the given capacity (discovery mode
// only; explicit mode ignores capacity) and string-table behavior.
func New(capacity int, storeStrings bool) *Vocabulary {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	v := &Vocabulary{
		capacity:  capacity,
		events:    make(map[Key]*entry),
		codeToKey: make(map[uint64]Key),
		priority:  make(map[uint64]Key),
		storeStrings: storeStrings,
	}
	if storeStrings {
		v.strings = make(map[uint64]*strUsage)
	}
	return v
}

// NumEvents returns the number of distinct triples currently held.
func (v *Vocabulary) NumEvents() int { return len(v.events) }

// EvictedCount returns how many triples have been evicted by discovery-mode
// capacity pressure over this vocabulary's lifetime.
func (v *Vocabulary) EvictedCount() uint64 { return v.evicted }

// Capacity returns the configured discovery-mode capacity.
func (v *Vocabulary) Capacity() int { return v.capacity }

// SetCapacity reconfigures the discovery-mode capacity. It does not evict
// retroactively; it only affects future Insert calls.
func (v *Vocabulary) SetCapacity(n int) {
	if n > 0 {
		v.capacity = n
	}
}

// Codes returns the set of codes currently assigned, in ascending order.
func (v *Vocabulary) Codes() []uint64 {
	out := make([]uint64, 0, len(v.codeToKey))
	for c := range v.codeToKey {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (v *Vocabulary) retain(h uint64, s string) {
	if !v.storeStrings {
		return
	}
	if u, ok := v.strings[h]; ok {
		u.refs++
		return
	}
	v.strings[h] = &strUsage{value: s, refs: 1}
}

func (v *Vocabulary) release(h uint64) {
	if !v.storeStrings {
		return
	}
	if u, ok := v.strings[h]; ok {
		u.refs--
		if u.refs == 0 {
			delete(v.strings, h)
		}
	}
}

// GetString returns the original string for a hash, if the string table is
// enabled and the hash is known.
func (v *Vocabulary) GetString(hash uint64) (string, bool) {
	if !v.storeStrings {
		return "", false
	}
	u, ok := v.strings[hash]
	if !ok {
		return "", false
	}
	return u.value, true
}

// Lookup returns the code assigned to (emitter, description, weight), or 0
// (the sentinel for "unknown") if no such triple has been inserted/defined.
func (v *Vocabulary) Lookup(emitter, description string, weight float64) uint64 {
	e, ok := v.events[MakeKey(emitter, description, weight)]
	if !ok {
		return 0
	}
	return e.code
}

// Insert runs discovery-mode ingestion: a known triple bumps its seen count
// and priority; an unknown triple is assigned a fresh code if there is
// capacity, otherwise the lowest-priority entry is evicted first. Insert
// never fails — it is called on a transaction firehose.
func (v *Vocabulary) Insert(emitter, description string, weight float64) uint64 {
	v.discoveryUsed = true
	key := MakeKey(emitter, description, weight)

	if e, ok := v.events[key]; ok {
		delete(v.priority, e.priority)
		e.seen++
		v.counter++
		e.priority = v.counter + PrioritySeenFactor*e.seen
		v.priority[e.priority] = key
		return e.code
	}

	if len(v.events) >= v.capacity {
		v.evictOne()
	}

	v.nextCode++
	v.counter++
	e := &entry{
		seen:     1,
		code:     v.nextCode,
		priority: v.counter + PrioritySeenFactor,
	}
	v.events[key] = e
	v.codeToKey[e.code] = key
	v.priority[e.priority] = key
	v.retain(key.Emitter, emitter)
	v.retain(key.Description, description)

	return e.code
}

func (v *Vocabulary) evictOne() {
	if len(v.priority) == 0 {
		return
	}
	var minP uint64
	first := true
	for p := range v.priority {
		if first || p < minP {
			minP, first = p, false
		}
	}
	key := v.priority[minP]
	e := v.events[key]
	delete(v.priority, minP)
	delete(v.events, key)
	delete(v.codeToKey, e.code)
	v.release(key.Emitter)
	v.release(key.Description)
	v.evicted++
}

// Define runs explicit-mode ingestion: the caller supplies the code. It
// fails if the triple already exists (discovered or defined) or if
// discovery has already been used on this vocabulary (the priority index is
// non-empty) — the two modes never mix.
func (v *Vocabulary) Define(emitter, description string, weight float64, code uint64) error {
	if v.discoveryUsed || len(v.priority) > 0 {
		return ErrModeMixing
	}
	key := MakeKey(emitter, description, weight)
	if _, ok := v.events[key]; ok {
		return fmt.Errorf("%w: (%s, %s, %g)", ErrDuplicateDefine, emitter, description, weight)
	}
	v.explicitUsed = true
	v.events[key] = &entry{seen: 1, code: code}
	v.codeToKey[code] = key
	v.retain(key.Emitter, emitter)
	v.retain(key.Description, description)
	if code >= v.nextCode {
		v.nextCode = code
	}
	return nil
}

// RemoveCode deletes the triple assigned to code, if any, releasing its
// string references. It reports whether a triple was removed. Used by the
// optimizer to drop vocabulary entries for codes that never appear in any
// timeline.
func (v *Vocabulary) RemoveCode(code uint64) bool {
	key, ok := v.codeToKey[code]
	if !ok {
		return false
	}
	e := v.events[key]
	delete(v.codeToKey, code)
	delete(v.events, key)
	delete(v.priority, e.priority)
	v.release(key.Emitter)
	v.release(key.Description)
	return true
}

// HasCode reports whether code is currently assigned to some triple.
func (v *Vocabulary) HasCode(code uint64) bool {
	_, ok := v.codeToKey[code]
	return ok
}

// RewriteCodes replaces every currently assigned code with remap(code), used
// by the optimizer to commit its final many-to-one dictionary. remap's
// outputs may collide: several old codes mapping to the same new code still
// each keep their own triple, but codeToKey retains only one of them per
// code (the others remain reachable only through Lookup).
func (v *Vocabulary) RewriteCodes(remap func(code uint64) uint64) {
	type pair struct {
		key Key
		e   *entry
	}
	old := make([]pair, 0, len(v.events))
	for key, e := range v.events {
		old = append(old, pair{key, e})
	}

	v.codeToKey = make(map[uint64]Key, len(old))
	for _, pr := range old {
		pr.e.code = remap(pr.e.code)
		v.codeToKey[pr.e.code] = pr.key
		if pr.e.code >= v.nextCode {
			v.nextCode = pr.e.code
		}
	}
}

// ─── Save / Load ────────────────────────────────────────────────────────────

// Save writes the vocabulary in the section-framed stream format: an
// "events" section enumerating every (key, seen, code, priority) tuple, an
// optional "names_map" section with the string table, and a terminating
// "end" section.
func (v *Vocabulary) Save(sw *reels.Writer) error {
	sw.Section(reels.SectionEvents)
	sw.Uint64(uint64(len(v.events)))
	sw.Uint64(v.counter)
	sw.Uint64(v.nextCode)
	sw.Bool(v.storeStrings)
	sw.Bool(v.discoveryUsed)
	sw.Bool(v.explicitUsed)

	for key, e := range v.events {
		sw.Section(reels.SectionEvent)
		sw.Uint64(key.Emitter)
		sw.Uint64(key.Description)
		sw.Int64(key.WeightQ)
		sw.Uint64(e.seen)
		sw.Uint64(e.code)
		sw.Uint64(e.priority)
	}

	sw.Uint64(uint64(len(v.priority)))
	for p, key := range v.priority {
		sw.Section(reels.SectionPriority)
		sw.Uint64(p)
		sw.Uint64(key.Emitter)
		sw.Uint64(key.Description)
		sw.Int64(key.WeightQ)
	}

	if v.storeStrings {
		sw.Section(reels.SectionNamesMap)
		sw.Uint64(uint64(len(v.strings)))
		for h, u := range v.strings {
			sw.Uint64(h)
			sw.String(u.value)
			sw.Uint64(u.refs)
		}
	}

	return sw.End()
}

// Load builds a fresh vocabulary from a stream previously produced by Save.
// The capacity is not part of the stream; the loaded vocabulary has
// DefaultCapacity.
func Load(sr *reels.Reader) (*Vocabulary, error) {
	v := New(DefaultCapacity, false)

	if err := sr.Section(reels.SectionEvents); err != nil {
		return nil, err
	}
	n, err := sr.Uint64()
	if err != nil {
		return nil, err
	}
	if v.counter, err = sr.Uint64(); err != nil {
		return nil, err
	}
	if v.nextCode, err = sr.Uint64(); err != nil {
		return nil, err
	}
	if v.storeStrings, err = sr.Bool(); err != nil {
		return nil, err
	}
	if v.discoveryUsed, err = sr.Bool(); err != nil {
		return nil, err
	}
	if v.explicitUsed, err = sr.Bool(); err != nil {
		return nil, err
	}
	if v.storeStrings {
		v.strings = make(map[uint64]*strUsage)
	}

	for i := uint64(0); i < n; i++ {
		if err := sr.Section(reels.SectionEvent); err != nil {
			return nil, err
		}
		var key Key
		if key.Emitter, err = sr.Uint64(); err != nil {
			return nil, err
		}
		if key.Description, err = sr.Uint64(); err != nil {
			return nil, err
		}
		if key.WeightQ, err = sr.Int64(); err != nil {
			return nil, err
		}
		e := &entry{}
		if e.seen, err = sr.Uint64(); err != nil {
			return nil, err
		}
		if e.code, err = sr.Uint64(); err != nil {
			return nil, err
		}
		if e.priority, err = sr.Uint64(); err != nil {
			return nil, err
		}
		v.events[key] = e
		v.codeToKey[e.code] = key
	}

	np, err := sr.Uint64()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < np; i++ {
		if err := sr.Section(reels.SectionPriority); err != nil {
			return nil, err
		}
		p, err := sr.Uint64()
		if err != nil {
			return nil, err
		}
		var key Key
		if key.Emitter, err = sr.Uint64(); err != nil {
			return nil, err
		}
		if key.Description, err = sr.Uint64(); err != nil {
			return nil, err
		}
		if key.WeightQ, err = sr.Int64(); err != nil {
			return nil, err
		}
		v.priority[p] = key
	}

	if v.storeStrings {
		if err := sr.Section(reels.SectionNamesMap); err != nil {
			return nil, err
		}
		ns, err := sr.Uint64()
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < ns; i++ {
			h, err := sr.Uint64()
			if err != nil {
				return nil, err
			}
			s, err := sr.String()
			if err != nil {
				return nil, err
			}
			refs, err := sr.Uint64()
			if err != nil {
				return nil, err
			}
			v.strings[h] = &strUsage{value: s, refs: refs}
		}
	}

	if err := sr.End(); err != nil {
		return nil, err
	}
	return v, nil
}
