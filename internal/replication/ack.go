package replication

import (
	"context"
	"sync"
	"time"
)

// ackRecord counts the distinct links that have acknowledged a checkpoint.
type ackRecord struct {
	count int
	seen  map[uint64]struct{}
	refs  int // concurrent WAITs sharing this checkpoint
}

// AckTable is the monitor WAIT blocks on. Each open checkpoint is an
// offset some WAIT is interested in; an ACK for offset o from link L counts
// once toward every open checkpoint c <= o that L has not yet been
// counted for.
type AckTable struct {
	mu      sync.Mutex
	cond    *sync.Cond
	records map[int64]*ackRecord
}

// NewAckTable returns an empty table.
func NewAckTable() *AckTable {
	t := &AckTable{records: make(map[int64]*ackRecord)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Open registers interest in checkpoint. caughtUp lists links already
// known to be at or beyond it; they are counted immediately. Every Open
// must be paired with a Release.
func (t *AckTable) Open(checkpoint int64, caughtUp []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[checkpoint]
	if !ok {
		rec = &ackRecord{seen: make(map[uint64]struct{})}
		t.records[checkpoint] = rec
	}
	rec.refs++
	for _, id := range caughtUp {
		if _, dup := rec.seen[id]; !dup {
			rec.seen[id] = struct{}{}
			rec.count++
		}
	}
}

// Release drops interest in checkpoint, deleting it once no WAIT uses it.
func (t *AckTable) Release(checkpoint int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[checkpoint]
	if !ok {
		return
	}
	rec.refs--
	if rec.refs <= 0 {
		delete(t.records, checkpoint)
	}
}

// Ack records that link has processed everything up to offset and wakes
// all waiters.
func (t *AckTable) Ack(link uint64, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for cp, rec := range t.records {
		if offset < cp {
			continue
		}
		if _, dup := rec.seen[link]; dup {
			continue
		}
		rec.seen[link] = struct{}{}
		rec.count++
		changed = true
	}
	if changed {
		t.cond.Broadcast()
	}
}

// Count returns how many links have acknowledged checkpoint.
func (t *AckTable) Count(checkpoint int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[checkpoint]; ok {
		return rec.count
	}
	return 0
}

// WaitFor blocks until checkpoint has at least want acknowledgments, the
// deadline passes or ctx is done, and returns the count at that moment.
// A zero deadline waits without limit. The checkpoint must be open.
func (t *AckTable) WaitFor(ctx context.Context, checkpoint int64, want int, deadline time.Time) int {
	wake := func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	}

	if !deadline.IsZero() {
		timer := time.AfterFunc(time.Until(deadline), wake)
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, wake)
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		count := 0
		if rec, ok := t.records[checkpoint]; ok {
			count = rec.count
		}
		if count >= want {
			return count
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return count
		}
		if ctx.Err() != nil {
			return count
		}
		t.cond.Wait()
	}
}
