package store

import (
	"math"
	"time"
)

// Entry is a string value with an optional expiry deadline.
type Entry struct {
	Value []byte

	// ExpiresAt is the Unix nanosecond timestamp when this entry expires.
	// A value <= 0 means no expiration.
	ExpiresAt int64
}

// NewEntry creates an entry that never expires.
func NewEntry(value []byte) *Entry {
	return &Entry{Value: value}
}

// NewEntryWithTTL creates an entry that expires ttl from now. A zero or
// negative ttl gives an entry that is already due.
func NewEntryWithTTL(value []byte, ttl time.Duration) *Entry {
	e := NewEntry(value)
	now := time.Now().UnixNano()
	at := now + int64(ttl)
	switch {
	case ttl > 0 && at < now:
		at = math.MaxInt64
	case at <= 0:
		// 0 would read as "no expiry"
		at = 1
	}
	e.ExpiresAt = at
	return e
}

// NewEntryWithExpireAt creates an entry that expires at a fixed instant.
// The zero time means no expiry.
func NewEntryWithExpireAt(value []byte, expireAt time.Time) *Entry {
	e := NewEntry(value)
	if !expireAt.IsZero() {
		e.ExpiresAt = expireAt.UnixNano()
	}
	return e
}

// IsExpired reports whether the deadline is strictly in the past.
// Lazy expiration check - called on access.
func (e *Entry) IsExpired() bool {
	return e.expiredAt(time.Now().UnixNano())
}

func (e *Entry) expiredAt(now int64) bool {
	return e.ExpiresAt > 0 && now > e.ExpiresAt
}
