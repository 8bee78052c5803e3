package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/aravinth/rkv/internal/store"
)

// rdbBuilder assembles snapshot files byte by byte for tests.
type rdbBuilder struct {
	bytes.Buffer
}

func newRDB() *rdbBuilder {
	b := &rdbBuilder{}
	b.WriteString("REDIS0011")
	return b
}

func (b *rdbBuilder) str(s string) *rdbBuilder {
	switch n := len(s); {
	case n < 1<<6:
		b.WriteByte(byte(n))
	case n < 1<<14:
		b.WriteByte(0x40 | byte(n>>8))
		b.WriteByte(byte(n))
	default:
		b.WriteByte(0x80)
		binary.Write(b, binary.BigEndian, uint32(n))
	}
	b.WriteString(s)
	return b
}

func (b *rdbBuilder) aux(name, value string) *rdbBuilder {
	b.WriteByte(opAux)
	return b.str(name).str(value)
}

func (b *rdbBuilder) db(index, size, expires byte) *rdbBuilder {
	b.Write([]byte{opSelectDB, index, opResizeDB, size, expires})
	return b
}

func (b *rdbBuilder) kv(key, value string) *rdbBuilder {
	b.WriteByte(typeString)
	return b.str(key).str(value)
}

func (b *rdbBuilder) kvExpireMs(key, value string, at time.Time) *rdbBuilder {
	b.WriteByte(opExpiryMs)
	binary.Write(b, binary.LittleEndian, uint64(at.UnixMilli()))
	return b.kv(key, value)
}

func (b *rdbBuilder) kvExpireSec(key, value string, at time.Time) *rdbBuilder {
	b.WriteByte(opExpiry)
	binary.Write(b, binary.LittleEndian, uint32(at.Unix()))
	return b.kv(key, value)
}

func (b *rdbBuilder) eof() *rdbBuilder {
	b.WriteByte(opEOF)
	b.Write(make([]byte, checksumLen))
	return b
}

func decodeAll(t *testing.T, data []byte) ([]Record, DecodeResult, error) {
	t.Helper()
	var recs []Record
	res, err := NewDecoder(bytes.NewReader(data)).Decode(func(r Record) error {
		recs = append(recs, r)
		return nil
	})
	return recs, res, err
}

func TestDecode_EmptySnapshot(t *testing.T) {
	recs, res, err := decodeAll(t, EmptySnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records, got %d", len(recs))
	}
	if res.Version != 11 {
		t.Errorf("expected version 11, got %d", res.Version)
	}

	want := map[string]string{
		"redis-ver":  "7.2.0",
		"redis-bits": "64",
		"ctime":      "1706821741",
		"used-mem":   "1098928",
		"aof-base":   "0",
	}
	for k, v := range want {
		if res.Aux[k] != v {
			t.Errorf("aux %s: expected %q, got %q", k, v, res.Aux[k])
		}
	}
}

func TestEmptySnapshot_ReturnsCopy(t *testing.T) {
	a := EmptySnapshot()
	a[0] = 'X'
	if EmptySnapshot()[0] != 'R' {
		t.Error("EmptySnapshot must not expose shared state")
	}
	if len(a) != 88 {
		t.Errorf("expected 88 bytes, got %d", len(a))
	}
}

func TestDecode_StringsAndExpiry(t *testing.T) {
	future := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	futureSec := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	data := newRDB().
		aux("redis-ver", "7.2.0").
		db(0, 3, 2).
		kv("plain", "v1").
		kvExpireMs("ms", "v2", future).
		kvExpireSec("sec", "v3", futureSec).
		eof().Bytes()

	recs, res, err := decodeAll(t, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Records != 3 || len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}

	if !recs[0].ExpireAt.IsZero() {
		t.Errorf("plain key should have no expiry, got %v", recs[0].ExpireAt)
	}
	if !recs[1].ExpireAt.Equal(future) {
		t.Errorf("expected ms expiry %v, got %v", future, recs[1].ExpireAt)
	}
	if !recs[2].ExpireAt.Equal(futureSec) {
		t.Errorf("expected sec expiry %v, got %v", futureSec, recs[2].ExpireAt)
	}
}

func TestDecode_IntegerEncodedStrings(t *testing.T) {
	b := newRDB()
	b.WriteByte(typeString)
	b.str("i8")
	b.Write([]byte{0xC0, 0x7B}) // 123
	b.WriteByte(typeString)
	b.str("i16")
	b.Write([]byte{0xC1, 0x39, 0x30}) // 12345
	b.WriteByte(typeString)
	b.str("i32")
	b.Write([]byte{0xC2, 0x87, 0xD6, 0x12, 0x00}) // 1234567
	b.eof()

	recs, _, err := decodeAll(t, b.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"123", "12345", "1234567"}
	for i, w := range want {
		if string(recs[i].Value) != w {
			t.Errorf("%s: expected %s, got %s", recs[i].Key, w, recs[i].Value)
		}
	}
}

func TestDecode_LongLengths(t *testing.T) {
	medium := string(bytes.Repeat([]byte("m"), 300))
	long := string(bytes.Repeat([]byte("l"), 20000))

	recs, _, err := decodeAll(t, newRDB().kv("medium", medium).kv("long", long).eof().Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs[0].Value) != 300 || len(recs[1].Value) != 20000 {
		t.Errorf("unexpected lengths %d and %d", len(recs[0].Value), len(recs[1].Value))
	}
}

func TestDecode_UnknownOpcodeStops(t *testing.T) {
	b := newRDB().kv("a", "1").kv("b", "2")
	b.WriteByte(0x0E) // a list encoding this loader does not read
	b.str("ignored")

	recs, res, err := decodeAll(t, b.Bytes())
	if err != nil {
		t.Fatalf("unknown opcode should not be an error, got %v", err)
	}
	if !res.Stopped || res.StopByte != 0x0E {
		t.Errorf("expected stop at 0x0E, got %+v", res)
	}
	if len(recs) != 2 {
		t.Errorf("expected the 2 keys before the stop, got %d", len(recs))
	}
}

func TestDecode_BadHeader(t *testing.T) {
	for _, data := range [][]byte{[]byte("RUBIS0011\xff"), []byte("RED"), []byte("REDISabcd")} {
		_, _, err := decodeAll(t, data)
		if !errors.Is(err, ErrBadHeader) {
			t.Errorf("%q: expected ErrBadHeader, got %v", data, err)
		}
	}
}

func TestDecode_MissingChecksum(t *testing.T) {
	b := newRDB().kv("a", "1")
	b.WriteByte(opEOF)
	b.Write([]byte{1, 2, 3})

	recs, _, err := decodeAll(t, b.Bytes())
	if !errors.Is(err, ErrMissingChecksum) {
		t.Fatalf("expected ErrMissingChecksum, got %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected key before EOF marker to be delivered, got %d", len(recs))
	}
}

func TestDecode_Truncated(t *testing.T) {
	data := newRDB().kv("a", "1").Bytes()
	data = append(data, typeString, 5, 'h', 'e')

	_, _, err := decodeAll(t, data)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecode_LZFUnsupported(t *testing.T) {
	b := newRDB()
	b.WriteByte(typeString)
	b.Write([]byte{0xC3, 0x01, 0x01, 'x'})

	_, _, err := decodeAll(t, b.Bytes())
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func writeSnapshot(t *testing.T, data []byte) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{Dir: dir, DBFilename: "dump.rdb"}
	if err := os.WriteFile(filepath.Join(dir, "dump.rdb"), data, 0o644); err != nil {
		t.Fatalf("writing snapshot: %v", err)
	}
	return cfg
}

func TestLoader_LoadsExactlyTheKeys(t *testing.T) {
	cfg := writeSnapshot(t, newRDB().
		aux("redis-ver", "7.2.0").
		db(0, 3, 0).
		kv("apple", "red").
		kv("banana", "yellow").
		kv("grape", "purple").
		eof().Bytes())

	sm := store.NewShardedMap()
	stats, err := NewLoader(sm, cfg).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Loaded != 3 {
		t.Errorf("expected 3 keys loaded, got %d", stats.Loaded)
	}

	keys := sm.ScanKeys()
	sort.Strings(keys)
	if len(keys) != 3 || keys[0] != "apple" || keys[2] != "grape" {
		t.Errorf("unexpected keys %v", keys)
	}

	e, ok := sm.Get("banana")
	if !ok || string(e.Value) != "yellow" {
		t.Errorf("expected banana=yellow, got %v", e)
	}
	if e.ExpiresAt != 0 {
		t.Errorf("expected no expiry, got %d", e.ExpiresAt)
	}
}

func TestLoader_SkipsExpiredKeys(t *testing.T) {
	cfg := writeSnapshot(t, newRDB().
		kvExpireMs("old", "x", time.Now().Add(-time.Minute)).
		kvExpireMs("fresh", "y", time.Now().Add(time.Minute)).
		eof().Bytes())

	sm := store.NewShardedMap()
	stats, err := NewLoader(sm, cfg).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Loaded != 1 || stats.Expired != 1 {
		t.Errorf("expected 1 loaded and 1 expired, got %+v", stats)
	}
	if _, ok := sm.Get("old"); ok {
		t.Error("expired key must not be loaded")
	}
	e, ok := sm.Get("fresh")
	if !ok || e.ExpiresAt == 0 {
		t.Error("expected fresh key with its deadline")
	}
}

func TestLoader_MissingFile(t *testing.T) {
	sm := store.NewShardedMap()
	stats, err := NewLoader(sm, Config{Dir: t.TempDir(), DBFilename: "absent.rdb"}).Load()
	if err != nil {
		t.Fatalf("missing file should not be an error, got %v", err)
	}
	if stats.Loaded != 0 || sm.Len() != 0 {
		t.Error("expected empty store")
	}
}

func TestLoader_KeepsKeysBeforeFailure(t *testing.T) {
	b := newRDB().kv("a", "1").kv("b", "2")
	b.WriteByte(opEOF)
	cfg := writeSnapshot(t, b.Bytes())

	sm := store.NewShardedMap()
	stats, err := NewLoader(sm, cfg).Load()
	if !errors.Is(err, ErrMissingChecksum) {
		t.Fatalf("expected ErrMissingChecksum, got %v", err)
	}
	if stats.Loaded != 2 || sm.Len() != 2 {
		t.Errorf("expected 2 keys kept, got %d", sm.Len())
	}
}

func TestConfig_Path(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Path() != "/tmp/redis-files/dump.rdb" {
		t.Errorf("unexpected default path %s", cfg.Path())
	}
}
