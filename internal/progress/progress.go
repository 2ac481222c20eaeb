// Package progress implements the compact completed-job-number set described
// by the dispatcher: a prefix floor plus a sparse set of numbers above it.
package progress

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// JobNumber identifies a single unit of work.
type JobNumber = uint64

// Store tracks which JobNumbers have been completed. The zero value is not
// usable; construct one with New or Parse.
//
// floor is the largest number such that every number from the store's
// start point through floor is complete. above holds completed numbers
// strictly greater than floor. Both fields are protected by mu so Store can
// be shared between the dispatcher and every worker session.
type Store struct {
	mu    sync.Mutex
	floor int64 // may be -1 to represent "nothing complete yet"
	above map[uint64]struct{}

	saveMu sync.Mutex // serializes SaveAtomic calls
}

// New returns a Store whose floor is startAt-1, i.e. nothing in
// [startAt, ...) is yet complete.
func New(startAt JobNumber) *Store {
	return &Store{floor: int64(startAt) - 1, above: make(map[uint64]struct{})}
}

// Floor returns the current floor value.
func (s *Store) Floor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.floor
}

// Contains reports whether n has been recorded complete.
func (s *Store) Contains(n JobNumber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contains(n)
}

func (s *Store) contains(n JobNumber) bool {
	if int64(n) <= s.floor {
		return true
	}
	_, ok := s.above[n]
	return ok
}

// ContainsSigned is like Contains but accepts a signed cursor value, which
// may be negative (below the store's start point) while the dispatcher's
// cursor is still catching up from Store.Floor()'s initial value. Negative
// values are always considered contained, matching Contains' "n <= floor"
// rule for the floor's initial -1 sentinel when start_at is 0.
func (s *Store) ContainsSigned(n int64) bool {
	if n < 0 {
		return true
	}
	return s.Contains(JobNumber(n))
}

// Add records n as complete. Idempotent.
func (s *Store) Add(n JobNumber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(n) <= s.floor {
		return
	}
	s.above[n] = struct{}{}
	s.normalize()
}

// normalize absorbs any contiguous run starting at floor+1 into floor, and
// drops any entries that have fallen at or below the new floor. Callers
// must hold mu.
func (s *Store) normalize() {
	for {
		next := uint64(s.floor + 1)
		if _, ok := s.above[next]; !ok {
			break
		}
		delete(s.above, next)
		s.floor++
	}
	// Add never stores an entry <= floor, but a Store built by Parse (or
	// directly from fields) can hold some; prune them.
	for n := range s.above {
		if int64(n) <= s.floor {
			delete(s.above, n)
		}
	}
}

// Missing returns, after normalization, the numbers strictly between floor
// and the smallest element of above. If above is empty, there is no known
// gap and Missing returns nil.
func (s *Store) Missing() []JobNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.normalize()
	if len(s.above) == 0 {
		return nil
	}
	min := s.sortedAboveLocked()[0]
	if int64(min) <= s.floor {
		return nil
	}
	out := make([]JobNumber, 0, int64(min)-s.floor-1)
	for i := s.floor + 1; uint64(i) < min; i++ {
		out = append(out, JobNumber(i))
	}
	return out
}

func (s *Store) sortedAboveLocked() []uint64 {
	vals := make([]uint64, 0, len(s.above))
	for n := range s.above {
		vals = append(vals, n)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals
}

// Serialize returns the canonical "<floor>&<csv>" representation, described
// in the wire/file format, with above sorted ascending.
func (s *Store) Serialize() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.normalize()
	vals := s.sortedAboveLocked()
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatUint(v, 10)
	}
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatInt(s.floor, 10))
	buf.WriteByte('&')
	buf.WriteString(strings.Join(parts, ","))
	return buf.Bytes()
}

// Parse reads the "<floor>&<csv>" format. Empty segments in the csv are
// skipped, per the reader rule in the wire format.
func Parse(data []byte) (*Store, error) {
	s := strings.SplitN(string(data), "&", 2)
	if len(s) != 2 {
		return nil, fmt.Errorf("progress: malformed data, missing '&'")
	}
	floor, err := strconv.ParseInt(strings.TrimSpace(s[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("progress: parse floor: %w", err)
	}
	st := &Store{floor: floor, above: make(map[uint64]struct{})}
	for _, tok := range strings.Split(s[1], ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("progress: parse above entry %q: %w", tok, err)
		}
		st.above[n] = struct{}{}
	}
	st.normalize()
	return st, nil
}

// Load reads and parses a Store from path. If the file does not exist, a
// fresh Store with floor = startAt-1 is returned. If strict is true, any
// other read or parse error is returned instead of silently producing an
// empty store, and a successfully parsed Store whose floor is below
// startAt-1 is rejected — this is the setup-time discipline described for
// the dispatcher's strict loading path.
func Load(path string, startAt JobNumber, strict bool) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(startAt), nil
		}
		if strict {
			return nil, fmt.Errorf("progress: read %s: %w", path, err)
		}
		return New(startAt), nil
	}
	st, err := Parse(data)
	if err != nil {
		if strict {
			return nil, err
		}
		return New(startAt), nil
	}
	if strict && st.floor < int64(startAt)-1 {
		return nil, fmt.Errorf("progress: loaded floor %d is below start_at-1 (%d)", st.floor, int64(startAt)-1)
	}
	return st, nil
}

// SaveAtomic writes the store to path via write-to-temp-then-rename, so
// concurrent readers never observe a partially written file. Concurrent
// SaveAtomic calls on one Store run one at a time, so the file ends up
// holding the snapshot taken by the last of them.
func (s *Store) SaveAtomic(path string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	data := s.Serialize()
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("progress: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("progress: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("progress: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("progress: rename temp file: %w", err)
	}
	return nil
}
