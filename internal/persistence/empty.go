package persistence

import "encoding/base64"

// emptySnapshotB64 is a version 11 snapshot holding no keys, only the aux
// fields a stock server writes (redis-ver, redis-bits, ctime, used-mem,
// aof-base).
const emptySnapshotB64 = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="

var emptySnapshot = mustDecode(emptySnapshotB64)

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// EmptySnapshot returns a copy of the snapshot a primary sends after
// +FULLRESYNC.
func EmptySnapshot() []byte {
	out := make([]byte, len(emptySnapshot))
	copy(out, emptySnapshot)
	return out
}
