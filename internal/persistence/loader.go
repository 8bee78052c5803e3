package persistence

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aravinth/rkv/internal/store"
)

// LoadStats reports what a startup load did.
type LoadStats struct {
	Loaded  int
	Expired int
	Result  DecodeResult
}

// Loader bootstraps a store from the snapshot file before the server starts
// accepting connections.
type Loader struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

// NewLoader creates a loader that fills st from cfg.Path().
func NewLoader(st store.Store, cfg Config) *Loader {
	return &Loader{store: st, cfg: cfg, now: time.Now}
}

// Load reads the snapshot into the store. A missing file is not an error.
// Keys whose deadline has already passed are skipped. When decoding fails
// part way, every key read before the failure stays in the store and the
// error is returned alongside the stats.
func (l *Loader) Load() (LoadStats, error) {
	var stats LoadStats
	path := l.cfg.Path()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("snapshot: no file at %s, starting with an empty dataset", path)
			return stats, nil
		}
		return stats, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	start := time.Now()
	now := l.now()

	res, err := NewDecoder(f).Decode(func(rec Record) error {
		if !rec.ExpireAt.IsZero() && rec.ExpireAt.Before(now) {
			stats.Expired++
			return nil
		}
		l.store.Set(rec.Key, store.NewEntryWithExpireAt(rec.Value, rec.ExpireAt))
		stats.Loaded++
		return nil
	})
	stats.Result = res

	if res.Stopped {
		log.Printf("snapshot: unknown opcode 0x%02X, stopped after %d keys", res.StopByte, stats.Loaded)
	}
	if err != nil {
		return stats, fmt.Errorf("loading %s: %w", path, err)
	}

	log.Printf("snapshot: loaded %d keys (%d already expired) from %s in %v",
		stats.Loaded, stats.Expired, path, time.Since(start))
	return stats, nil
}
