package stream_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aravinth/rkv/internal/stream"
)

var fields = []stream.Field{{Name: "temperature", Value: "36"}}

func ids(entries []stream.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID.String()
	}
	return out
}

func TestStream_ExplicitIDs(t *testing.T) {
	s := stream.New()
	now := time.Now()

	if _, err := s.Add("0-0", fields, now); !errors.Is(err, stream.ErrIDZero) {
		t.Fatalf("expected ErrIDZero, got %v", err)
	}

	id, err := s.Add("1-1", fields, now)
	if err != nil || id.String() != "1-1" {
		t.Fatalf("expected 1-1, got %v %v", id, err)
	}

	for _, arg := range []string{"1-1", "1-0", "0-5"} {
		if _, err := s.Add(arg, fields, now); !errors.Is(err, stream.ErrIDTooSmall) {
			t.Errorf("%s: expected ErrIDTooSmall, got %v", arg, err)
		}
	}

	// Rejections must not mutate the stream
	if s.Len() != 1 || s.LastID().String() != "1-1" {
		t.Errorf("stream mutated by rejected IDs: len=%d last=%s", s.Len(), s.LastID())
	}

	if _, err := s.Add("1-2", fields, now); err != nil {
		t.Errorf("unexpected error for 1-2: %v", err)
	}
}

func TestStream_AutoSequence(t *testing.T) {
	s := stream.New()
	now := time.Now()

	tests := []struct {
		arg  string
		want string
	}{
		{"5-*", "5-0"},
		{"5-*", "5-1"},
		{"6-*", "6-0"},
		{"6-*", "6-1"},
	}
	for _, tt := range tests {
		id, err := s.Add(tt.arg, fields, now)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tt.arg, err)
		}
		if id.String() != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.arg, tt.want, id)
		}
	}

	if _, err := s.Add("4-*", fields, now); !errors.Is(err, stream.ErrIDTooSmall) {
		t.Errorf("expected ErrIDTooSmall for an older millisecond, got %v", err)
	}
}

func TestStream_AutoSequenceZeroMs(t *testing.T) {
	s := stream.New()

	id, err := s.Add("0-*", fields, time.Now())
	if err != nil || id.String() != "0-1" {
		t.Fatalf("expected 0-1 on empty stream, got %v %v", id, err)
	}
	id, _ = s.Add("0-*", fields, time.Now())
	if id.String() != "0-2" {
		t.Errorf("expected 0-2, got %s", id)
	}
}

func TestStream_FullyAutoID(t *testing.T) {
	s := stream.New()
	now := time.UnixMilli(1700000000000)

	first, err := s.Add("*", fields, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Ms != 1700000000000 || first.Seq != 0 {
		t.Errorf("expected 1700000000000-0, got %s", first)
	}

	second, _ := s.Add("*", fields, now)
	if second.String() != "1700000000000-1" {
		t.Errorf("expected sequence bump within the same ms, got %s", second)
	}

	// A clock that moved backwards must not produce a smaller ID
	third, err := s.Add("*", fields, now.Add(-time.Second))
	if err != nil || !second.Less(third) {
		t.Errorf("expected monotonic ID after clock skew, got %s %v", third, err)
	}
}

func TestStream_InvalidIDSyntax(t *testing.T) {
	s := stream.New()
	for _, arg := range []string{"abc", "1-x", "-1", "1", ""} {
		if _, err := s.Add(arg, fields, time.Now()); !errors.Is(err, stream.ErrInvalidID) {
			t.Errorf("%q: expected ErrInvalidID, got %v", arg, err)
		}
	}
}

func TestStream_Range(t *testing.T) {
	s := stream.New()
	for _, arg := range []string{"1-0", "1-1", "2-0", "2-5", "3-0"} {
		if _, err := s.Add(arg, fields, time.Now()); err != nil {
			t.Fatalf("%s: %v", arg, err)
		}
	}

	parse := func(start, end string) (stream.ID, stream.ID) {
		a, err := stream.ParseRangeStart(start)
		if err != nil {
			t.Fatalf("start %q: %v", start, err)
		}
		b, err := stream.ParseRangeEnd(end)
		if err != nil {
			t.Fatalf("end %q: %v", end, err)
		}
		return a, b
	}

	tests := []struct {
		start, end string
		count      int
		want       string
	}{
		{"-", "+", 0, "[1-0 1-1 2-0 2-5 3-0]"},
		{"2", "2", 0, "[2-0 2-5]"},
		{"1-1", "2-0", 0, "[1-1 2-0]"},
		{"2-1", "+", 0, "[2-5 3-0]"},
		{"-", "+", 2, "[1-0 1-1]"},
		{"4", "+", 0, "[]"},
		{"3", "1", 0, "[]"},
	}
	for _, tt := range tests {
		a, b := parse(tt.start, tt.end)
		got := fmt.Sprint(ids(s.Range(a, b, tt.count)))
		if got != tt.want {
			t.Errorf("XRANGE %s %s COUNT %d: expected %s, got %s", tt.start, tt.end, tt.count, tt.want, got)
		}
	}
}

func TestStream_After(t *testing.T) {
	s := stream.New()
	for _, arg := range []string{"1-0", "1-1", "2-0"} {
		s.Add(arg, fields, time.Now())
	}

	got := fmt.Sprint(ids(s.After(stream.ID{Ms: 1, Seq: 0}, 0)))
	if got != "[1-1 2-0]" {
		t.Errorf("expected exclusive lower bound, got %s", got)
	}
	got = fmt.Sprint(ids(s.After(stream.ID{Ms: 0, Seq: 0}, 1)))
	if got != "[1-0]" {
		t.Errorf("expected COUNT to limit results, got %s", got)
	}
	if n := len(s.After(stream.ID{Ms: 2}, 0)); n != 0 {
		t.Errorf("expected no entries after the top item, got %d", n)
	}
}

func TestStream_FieldOrderPreserved(t *testing.T) {
	s := stream.New()
	in := []stream.Field{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}}
	s.Add("1-1", in, time.Now())

	got := s.Range(stream.MinID, stream.MaxID, 0)[0].Fields
	if got[0].Name != "b" || got[1].Name != "a" {
		t.Errorf("field order changed: %v", got)
	}
}

func TestRegistry_RejectedFirstAddDoesNotCreate(t *testing.T) {
	r := stream.NewRegistry()

	if _, err := r.Add("s", "0-0", fields); !errors.Is(err, stream.ErrIDZero) {
		t.Fatalf("expected ErrIDZero, got %v", err)
	}
	if r.Exists("s") {
		t.Error("rejected XADD must not create the stream")
	}

	if _, err := r.Add("s", "1-1", fields); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Exists("s") || r.Len() != 1 {
		t.Error("expected stream to exist after first accepted XADD")
	}

	if !r.Delete("s") || r.Exists("s") {
		t.Error("expected Delete to remove the stream")
	}
}

func TestRegistry_ConcurrentAdds(t *testing.T) {
	r := stream.NewRegistry()

	const writers = 20
	const perWriter = 100

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := r.Add("events", "*", fields); err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	s, ok := r.Get("events")
	if !ok {
		t.Fatal("expected stream to exist")
	}
	entries := s.Range(stream.MinID, stream.MaxID, 0)
	if len(entries) != writers*perWriter {
		t.Fatalf("expected %d entries, got %d", writers*perWriter, len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i-1].ID.Less(entries[i].ID) {
			t.Fatalf("IDs not strictly increasing at %d: %s then %s", i, entries[i-1].ID, entries[i].ID)
		}
	}
}
