package stream

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var (
	ErrInvalidID  = errors.New("ERR Invalid stream ID specified as stream command argument")
	ErrIDZero     = errors.New("ERR The ID specified in XADD must be greater than 0-0")
	ErrIDTooSmall = errors.New("ERR The ID specified in XADD is equal or smaller than the target stream top item")
)

// ID identifies a stream entry. IDs order numerically by Ms, then Seq.
type ID struct {
	Ms  uint64
	Seq uint64
}

var (
	MinID = ID{}
	MaxID = ID{Ms: math.MaxUint64, Seq: math.MaxUint64}
)

func (id ID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

func (id ID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// ParseID parses "<ms>-<seq>". A bare "<ms>" takes defaultSeq.
func ParseID(s string, defaultSeq uint64) (ID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return ID{}, ErrInvalidID
	}
	if !hasSeq {
		return ID{Ms: ms, Seq: defaultSeq}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return ID{}, ErrInvalidID
	}
	return ID{Ms: ms, Seq: seq}, nil
}

// ParseRangeStart parses the lower bound of XRANGE. "-" is the smallest
// possible ID and a bare millisecond value starts at sequence 0.
func ParseRangeStart(s string) (ID, error) {
	if s == "-" {
		return MinID, nil
	}
	return ParseID(s, 0)
}

// ParseRangeEnd parses the upper bound of XRANGE. "+" is the largest
// possible ID and a bare millisecond value covers every sequence number.
func ParseRangeEnd(s string) (ID, error) {
	if s == "+" {
		return MaxID, nil
	}
	return ParseID(s, math.MaxUint64)
}

// idSpec is the parsed ID argument of XADD.
type idSpec struct {
	id      ID
	autoMs  bool // "*"
	autoSeq bool // "<ms>-*" or "*"
}

func parseIDSpec(s string) (idSpec, error) {
	if s == "*" {
		return idSpec{autoMs: true, autoSeq: true}, nil
	}
	msPart, seqPart, ok := strings.Cut(s, "-")
	if !ok {
		return idSpec{}, ErrInvalidID
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return idSpec{}, ErrInvalidID
	}
	if seqPart == "*" {
		return idSpec{id: ID{Ms: ms}, autoSeq: true}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return idSpec{}, ErrInvalidID
	}
	return idSpec{id: ID{Ms: ms, Seq: seq}}, nil
}
