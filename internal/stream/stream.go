package stream

import (
	"math"
	"sync"
	"time"

	"github.com/google/btree"
)

// degree of the per-stream B-tree. Entries are appended in key order, so a
// moderately wide node keeps the tree shallow without much copying.
const degree = 32

// Field is one name/value pair of an entry. Order is preserved as given.
type Field struct {
	Name  string
	Value string
}

// Entry is an immutable stream record.
type Entry struct {
	ID     ID
	Fields []Field
}

func entryLess(a, b Entry) bool {
	return a.ID.Less(b.ID)
}

// Stream is an append-only log of entries ordered by ID. Every entry ID is
// greater than 0-0 and strictly greater than the one before it.
type Stream struct {
	mu      sync.RWMutex
	entries *btree.BTreeG[Entry]
	last    ID
}

// New returns an empty stream.
func New() *Stream {
	return &Stream{
		entries: btree.NewG(degree, entryLess),
	}
}

// Add appends an entry. idArg is an explicit "<ms>-<seq>", "<ms>-*" or "*".
// On error the stream is left untouched.
func (s *Stream) Add(idArg string, fields []Field, now time.Time) (ID, error) {
	spec, err := parseIDSpec(idArg)
	if err != nil {
		return ID{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.resolve(spec, now)
	if err != nil {
		return ID{}, err
	}

	s.entries.ReplaceOrInsert(Entry{ID: id, Fields: fields})
	s.last = id
	return id, nil
}

// resolve turns an XADD id argument into a concrete ID that is valid to
// append. Caller holds s.mu.
func (s *Stream) resolve(spec idSpec, now time.Time) (ID, error) {
	empty := s.entries.Len() == 0
	id := spec.id

	if spec.autoMs {
		id.Ms = uint64(now.UnixMilli())
		// Never move backwards if the clock did.
		if !empty && id.Ms < s.last.Ms {
			id.Ms = s.last.Ms
		}
	}

	if spec.autoSeq {
		switch {
		case !empty && id.Ms == s.last.Ms:
			if s.last.Seq == math.MaxUint64 {
				return ID{}, ErrIDTooSmall
			}
			id.Seq = s.last.Seq + 1
		case id.Ms == 0:
			id.Seq = 1
		default:
			id.Seq = 0
		}
	}

	if id.IsZero() {
		return ID{}, ErrIDZero
	}
	if !empty && !s.last.Less(id) {
		return ID{}, ErrIDTooSmall
	}
	return id, nil
}

// Range returns entries with start <= ID <= end in ascending order. A
// count <= 0 means no limit.
func (s *Stream) Range(start, end ID, count int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Entry{}
	if end.Less(start) {
		return out
	}
	s.entries.AscendGreaterOrEqual(Entry{ID: start}, func(e Entry) bool {
		if end.Less(e.ID) {
			return false
		}
		out = append(out, e)
		return count <= 0 || len(out) < count
	})
	return out
}

// After returns entries with ID strictly greater than id.
func (s *Stream) After(id ID, count int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Entry{}
	s.entries.AscendGreaterOrEqual(Entry{ID: id}, func(e Entry) bool {
		if e.ID == id {
			return true
		}
		out = append(out, e)
		return count <= 0 || len(out) < count
	})
	return out
}

// LastID returns the top item's ID, or 0-0 for an empty stream.
func (s *Stream) LastID() ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Len()
}
