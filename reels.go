// ═══════════════════════════════════════════════════════════════════════════
// Mercury Reels — core hashing and binary stream primitives
// ═══════════════════════════════════════════════════════════════════════════
//
// This file plays the role the reference C++ header's low-level utilities
// play for every subsystem above it: a single stable 64-bit hash used for
// every identifier (emitter, description, actor, section name), and the
// section-framed binary stream that Vocabulary, Timelines and the Tree all
// save/load through.
//
// The stream is a plain sequence of little-endian values, not split into
// fixed-size blocks: each logical "section" (events, names_map, clients,
// clips, targets, tree, ...) is opened by the 64-bit hash of its ASCII name,
// followed by typed length-prefixed content, and the object ends with a
// section named "end". Load is strict: a name-hash mismatch, a truncated
// stream, or a failed blob checksum all fail the whole load. Every Load in
// this module builds a fresh value, so there is no populated destination to
// reject.
package reels

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ─── Hashing ────────────────────────────────────────────────────────────────

// murmurSeed is the fixed seed the reference implementation mixes into every
// hash; changing it would silently break compatibility with any persisted
// state, so it is never made configurable.
const murmurSeed = 76493

const murmurMultiplier = 0xc6a4a7935bd1e995

// Hash64 computes the MurmurHash2 64-bit ("MurmurHash64A") digest of data,
// using the fixed seed and multiplier the whole system relies on for stable,
// platform-independent hashing of emitters, descriptions, actor ids and
// section names. This exact bit pattern is part of the persisted-state
// contract; it must never change.
func Hash64(data []byte) uint64 {
	const r = 47

	seed := uint64(murmurSeed) ^ (uint64(len(data)) * murmurMultiplier)
	h := seed

	n := len(data) - len(data)%8
	for i := 0; i < n; i += 8 {
		k := binary.LittleEndian.Uint64(data[i : i+8])
		k *= murmurMultiplier
		k ^= k >> r
		k *= murmurMultiplier

		h ^= k
		h *= murmurMultiplier
	}

	tail := data[n:]
	switch len(tail) {
	case 7:
		h ^= uint64(tail[6]) << 48
		fallthrough
	case 6:
		h ^= uint64(tail[5]) << 40
		fallthrough
	case 5:
		h ^= uint64(tail[4]) << 32
		fallthrough
	case 4:
		h ^= uint64(tail[3]) << 24
		fallthrough
	case 3:
		h ^= uint64(tail[2]) << 16
		fallthrough
	case 2:
		h ^= uint64(tail[1]) << 8
		fallthrough
	case 1:
		h ^= uint64(tail[0])
		h *= murmurMultiplier
	}

	h ^= h >> r
	h *= murmurMultiplier
	h ^= h >> r

	return h
}

// HashString is Hash64 over a string's bytes.
func HashString(s string) uint64 {
	return Hash64([]byte(s))
}

// ─── Section-framed binary stream ──────────────────────────────────────────

// Well-known section names. The exact ASCII spelling matters: its hash is
// what identifies the section on load, so these strings are part of the
// on-disk format and must never be renamed.
const (
	SectionEvents    = "events"
	SectionNamesMap  = "names_map"
	SectionEvent     = "event"
	SectionPriority  = "priority"
	SectionClients   = "clients"
	SectionClips     = "clips"
	SectionClipMap   = "clip_map"
	SectionTargets   = "targets"
	SectionTarget    = "target"
	SectionTree      = "tree"
	SectionEnd       = "end"
)

// ErrSectionMismatch is returned when a section's name hash does not match
// what the reader expected next in the stream.
var ErrSectionMismatch = errors.New("reels: section hash mismatch")

// ErrTruncatedStream is returned when the stream ends before a block's
// declared content has been fully read.
var ErrTruncatedStream = errors.New("reels: truncated stream")

// ErrChecksumMismatch is returned when a block's trailing xxhash checksum
// does not match its content. This is a supplementary integrity layer the
// reference format does not have; it never changes the documented
// section-hash semantics, it only catches corruption earlier.
var ErrChecksumMismatch = errors.New("reels: block checksum mismatch")

// ErrNotEmpty reports an attempt to populate an already-populated
// destination. No Load in this module returns it, since each one builds a
// fresh value.
var ErrNotEmpty = errors.New("reels: destination is not empty")

// Writer appends section-framed content to an underlying io.Writer. It is
// the append-only counterpart of the reference ImageBlock stream: fixed-width
// values are written as they are, and only Bytes/String blobs carry a
// length prefix and a trailing checksum.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter wraps w for section-framed writing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Section opens a named section: it writes the section name's hash, marking
// the start of a new logical block in the stream.
func (sw *Writer) Section(name string) {
	sw.writeUint64(Hash64([]byte(name)))
}

// End closes the object by writing the terminating "end" section.
func (sw *Writer) End() error {
	sw.Section(SectionEnd)
	if sw.err != nil {
		return sw.err
	}
	return sw.w.Flush()
}

// Uint64 writes a single length-implicit uint64 value.
func (sw *Writer) Uint64(v uint64) { sw.writeUint64(v) }

// Int64 writes a single length-implicit int64 value.
func (sw *Writer) Int64(v int64) { sw.writeUint64(uint64(v)) }

// Float64 writes a single length-implicit float64 value.
func (sw *Writer) Float64(v float64) { sw.writeUint64(math.Float64bits(v)) }

// Bool writes a single byte boolean.
func (sw *Writer) Bool(v bool) {
	var b [1]byte
	if v {
		b[0] = 1
	}
	sw.write(b[:])
}

// Bytes writes a length-prefixed, checksummed byte blob: a uint64 length,
// the payload, and a trailing xxhash64 checksum of the payload.
func (sw *Writer) Bytes(b []byte) {
	sw.writeUint64(uint64(len(b)))
	sw.write(b)
	sw.writeUint64(xxhash.Sum64(b))
}

// String writes a length-prefixed, checksummed string.
func (sw *Writer) String(s string) { sw.Bytes([]byte(s)) }

func (sw *Writer) writeUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	sw.write(b[:])
}

func (sw *Writer) write(b []byte) {
	if sw.err != nil {
		return
	}
	_, sw.err = sw.w.Write(b)
}

// Err returns the first error encountered while writing, if any.
func (sw *Writer) Err() error { return sw.err }

// Reader reads section-framed content written by Writer, enforcing the
// strict load semantics the reference implementation documents: a mismatched
// section hash or a failed checksum both abort the read.
type Reader struct {
	r   *bufio.Reader
	err error
}

// NewReader wraps r for section-framed reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Section reads the next section hash and verifies it equals the hash of
// name, failing with ErrSectionMismatch otherwise.
func (sr *Reader) Section(name string) error {
	got, err := sr.readUint64()
	if err != nil {
		return err
	}
	want := Hash64([]byte(name))
	if got != want {
		return fmt.Errorf("%w: expected %q", ErrSectionMismatch, name)
	}
	return nil
}

// End reads the terminating "end" section.
func (sr *Reader) End() error { return sr.Section(SectionEnd) }

// Uint64 reads a single length-implicit uint64 value.
func (sr *Reader) Uint64() (uint64, error) { return sr.readUint64() }

// Int64 reads a single length-implicit int64 value.
func (sr *Reader) Int64() (int64, error) {
	v, err := sr.readUint64()
	return int64(v), err
}

// Float64 reads a single length-implicit float64 value.
func (sr *Reader) Float64() (float64, error) {
	v, err := sr.readUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// Bool reads a single byte boolean.
func (sr *Reader) Bool() (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(sr.r, b[:]); err != nil {
		return false, ErrTruncatedStream
	}
	return b[0] != 0, nil
}

// Bytes reads a length-prefixed, checksummed byte blob, verifying its
// trailing xxhash64 checksum.
func (sr *Reader) Bytes() ([]byte, error) {
	n, err := sr.readUint64()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(sr.r, buf); err != nil {
		return nil, ErrTruncatedStream
	}
	sum, err := sr.readUint64()
	if err != nil {
		return nil, err
	}
	if sum != xxhash.Sum64(buf) {
		return nil, ErrChecksumMismatch
	}
	return buf, nil
}

// String reads a length-prefixed, checksummed string.
func (sr *Reader) String() (string, error) {
	b, err := sr.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (sr *Reader) readUint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(sr.r, b[:]); err != nil {
		return 0, ErrTruncatedStream
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ─── Shared time handling ───────────────────────────────────────────────────
//
// The reference implementation's TimeUtil base class is shared by Clips and
// Targets; here it is a couple of package-level functions rather than an
// embedded base, since Go favors composition over inheritance for this kind
// of shared-but-stateless behavior.

// DefaultTimeFormat is the strftime-like layout used when a session does not
// configure one explicitly.
const DefaultTimeFormat = "%Y-%m-%d %H:%M:%S"

var strftimeToGo = map[byte]string{
	'Y': "2006",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
}

// GoTimeLayout translates the small strftime-verb subset this system needs
// (%Y %m %d %H %M %S) into a Go reference-time layout string.
func GoTimeLayout(format string) string {
	var b []byte
	for i := 0; i < len(format); i++ {
		if format[i] == '%' && i+1 < len(format) {
			if layout, ok := strftimeToGo[format[i+1]]; ok {
				b = append(b, layout...)
				i++
				continue
			}
		}
		b = append(b, format[i])
	}
	return string(b)
}

// ParseTime parses value under the strftime-like format into whole seconds
// since the Unix epoch, UTC (the C++ original's timegm semantics — no local
// time zone is ever consulted).
func ParseTime(format, value string) (int64, error) {
	t, err := time.Parse(GoTimeLayout(format), value)
	if err != nil {
		return 0, fmt.Errorf("reels: parse time %q: %w", value, err)
	}
	return t.Unix(), nil
}

// FormatTime is the inverse of ParseTime, used by verbose output paths.
func FormatTime(format string, sec int64) string {
	return time.Unix(sec, 0).UTC().Format(GoTimeLayout(format))
}
