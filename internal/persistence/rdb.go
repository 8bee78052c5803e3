package persistence

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Snapshot opcodes and value types
const (
	opAux      = 0xFA
	opResizeDB = 0xFB
	opExpiryMs = 0xFC
	opExpiry   = 0xFD
	opSelectDB = 0xFE
	opEOF      = 0xFF

	typeString = 0x00
)

const (
	headerLen   = 9
	magic       = "REDIS"
	checksumLen = 8
)

var (
	ErrBadHeader       = errors.New("snapshot: bad header")
	ErrMissingChecksum = errors.New("snapshot: missing checksum after EOF marker")
	ErrUnsupported     = errors.New("snapshot: unsupported string encoding")
)

// Record is one string key decoded from a snapshot. ExpireAt is the zero
// time for keys without an expiry.
type Record struct {
	Key      string
	Value    []byte
	ExpireAt time.Time
	DB       uint64
}

// DecodeResult summarises a decode pass.
type DecodeResult struct {
	Version int
	Aux     map[string]string
	Records int

	// Stopped is set when an unrecognised opcode ended parsing early.
	Stopped  bool
	StopByte byte
}

// Decoder reads the binary snapshot format: a 9-byte header, then a
// sequence of opcode-tagged sections up to an EOF marker and checksum.
type Decoder struct {
	br *bufio.Reader
	db uint64
}

// NewDecoder wraps r in a buffered decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{br: bufio.NewReaderSize(r, 64*1024)}
}

// Decode calls fn for every string record in file order. Parsing stops
// early, without error, at an opcode it does not recognise; records already
// handed to fn stay handed. The checksum's presence is verified but its
// value is not.
func (d *Decoder) Decode(fn func(Record) error) (DecodeResult, error) {
	res := DecodeResult{Aux: make(map[string]string)}

	version, err := d.readHeader()
	if err != nil {
		return res, err
	}
	res.Version = version

	var expireAt time.Time
	for {
		op, err := d.br.ReadByte()
		if err != nil {
			return res, fmt.Errorf("snapshot: reading opcode: %w", unexpected(err))
		}

		switch op {
		case opAux:
			name, err := d.readString()
			if err != nil {
				return res, fmt.Errorf("snapshot: aux name: %w", err)
			}
			value, err := d.readString()
			if err != nil {
				return res, fmt.Errorf("snapshot: aux %q: %w", name, err)
			}
			res.Aux[string(name)] = string(value)

		case opSelectDB:
			db, _, err := d.readLength()
			if err != nil {
				return res, fmt.Errorf("snapshot: db selector: %w", err)
			}
			d.db = db

		case opResizeDB:
			// Hash table size, then expires table size. Both are hints only.
			for i := 0; i < 2; i++ {
				if _, _, err := d.readLength(); err != nil {
					return res, fmt.Errorf("snapshot: resize hint: %w", err)
				}
			}

		case opExpiry:
			var secs uint32
			if err := binary.Read(d.br, binary.LittleEndian, &secs); err != nil {
				return res, fmt.Errorf("snapshot: expiry seconds: %w", unexpected(err))
			}
			expireAt = time.Unix(int64(secs), 0)

		case opExpiryMs:
			var ms uint64
			if err := binary.Read(d.br, binary.LittleEndian, &ms); err != nil {
				return res, fmt.Errorf("snapshot: expiry millis: %w", unexpected(err))
			}
			expireAt = time.UnixMilli(int64(ms))

		case typeString:
			key, err := d.readString()
			if err != nil {
				return res, fmt.Errorf("snapshot: key: %w", err)
			}
			value, err := d.readString()
			if err != nil {
				return res, fmt.Errorf("snapshot: value of %q: %w", key, err)
			}
			rec := Record{Key: string(key), Value: value, ExpireAt: expireAt, DB: d.db}
			expireAt = time.Time{}
			if err := fn(rec); err != nil {
				return res, err
			}
			res.Records++

		case opEOF:
			var sum [checksumLen]byte
			if _, err := io.ReadFull(d.br, sum[:]); err != nil {
				return res, ErrMissingChecksum
			}
			return res, nil

		default:
			res.Stopped = true
			res.StopByte = op
			return res, nil
		}
	}
}

// readHeader validates "REDIS" followed by a four digit version.
func (d *Decoder) readHeader() (int, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(d.br, header[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadHeader, unexpected(err))
	}
	if string(header[:len(magic)]) != magic {
		return 0, fmt.Errorf("%w: magic %q", ErrBadHeader, header[:len(magic)])
	}
	version, err := strconv.Atoi(string(header[len(magic):]))
	if err != nil {
		return 0, fmt.Errorf("%w: version %q", ErrBadHeader, header[len(magic):])
	}
	return version, nil
}

// readLength decodes a size-encoded value. The top two bits of the first
// byte select the form: 00 is a 6-bit length, 01 a 14-bit length, 10 a
// 32-bit big-endian length in the next four bytes. 11 marks a special
// string encoding; its 6-bit format tag is returned with special=true.
func (d *Decoder) readLength() (n uint64, special bool, err error) {
	b, err := d.br.ReadByte()
	if err != nil {
		return 0, false, unexpected(err)
	}

	switch (b & 0xC0) >> 6 {
	case 0:
		return uint64(b & 0x3F), false, nil

	case 1:
		b2, err := d.br.ReadByte()
		if err != nil {
			return 0, false, unexpected(err)
		}
		return uint64(b&0x3F)<<8 | uint64(b2), false, nil

	case 2:
		var length uint32
		if err := binary.Read(d.br, binary.BigEndian, &length); err != nil {
			return 0, false, unexpected(err)
		}
		return uint64(length), false, nil

	default:
		return uint64(b & 0x3F), true, nil
	}
}

// readString decodes a length-prefixed string or one of the integer
// encodings C0 (8-bit), C1 (16-bit) and C2 (32-bit), all little-endian
// and rendered as decimal text.
func (d *Decoder) readString() ([]byte, error) {
	n, special, err := d.readLength()
	if err != nil {
		return nil, err
	}

	if special {
		var v int64
		switch n {
		case 0:
			var i int8
			err = binary.Read(d.br, binary.LittleEndian, &i)
			v = int64(i)
		case 1:
			var i int16
			err = binary.Read(d.br, binary.LittleEndian, &i)
			v = int64(i)
		case 2:
			var i int32
			err = binary.Read(d.br, binary.LittleEndian, &i)
			v = int64(i)
		default:
			return nil, fmt.Errorf("%w: format %d", ErrUnsupported, n)
		}
		if err != nil {
			return nil, unexpected(err)
		}
		return strconv.AppendInt(nil, v, 10), nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(d.br, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

// unexpected turns a bare io.EOF in the middle of a structure into
// io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
