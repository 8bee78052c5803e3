package persistence

import "path/filepath"

// Config locates the snapshot file loaded at startup. Both values are
// also reported verbatim by CONFIG GET.
type Config struct {
	Dir        string
	DBFilename string
}

// DefaultConfig returns the stock snapshot location.
func DefaultConfig() Config {
	return Config{
		Dir:        "/tmp/redis-files",
		DBFilename: "dump.rdb",
	}
}

// Path returns the full path of the snapshot file.
func (c Config) Path() string {
	return filepath.Join(c.Dir, c.DBFilename)
}
