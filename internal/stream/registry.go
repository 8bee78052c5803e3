package stream

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry maps keys to streams. Streams are created by the first
// successful XADD and never removed except by Delete.
type Registry struct {
	streams *xsync.MapOf[string, *Stream]
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streams: xsync.NewMapOf[string, *Stream](),
		now:     time.Now,
	}
}

// Get returns the stream stored at key.
func (r *Registry) Get(key string) (*Stream, bool) {
	return r.streams.Load(key)
}

// Exists reports whether key holds a stream.
func (r *Registry) Exists(key string) bool {
	_, ok := r.streams.Load(key)
	return ok
}

// Add appends an entry to the stream at key, creating the stream if this is
// its first entry. A rejected ID never creates an empty stream.
func (r *Registry) Add(key, idArg string, fields []Field) (ID, error) {
	now := r.now()
	if s, ok := r.streams.Load(key); ok {
		return s.Add(idArg, fields, now)
	}

	fresh := New()
	id, err := fresh.Add(idArg, fields, now)
	if err != nil {
		return ID{}, err
	}
	if actual, loaded := r.streams.LoadOrStore(key, fresh); loaded {
		// Lost a race with another first XADD; append to the winner.
		return actual.Add(idArg, fields, now)
	}
	return id, nil
}

// Delete removes the stream at key, used when a SET overwrites it.
func (r *Registry) Delete(key string) bool {
	_, ok := r.streams.LoadAndDelete(key)
	return ok
}

// Keys returns the key of every stream, in no particular order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, r.streams.Size())
	r.streams.Range(func(key string, _ *Stream) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Len returns the number of streams.
func (r *Registry) Len() int {
	return r.streams.Size()
}
