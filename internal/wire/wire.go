// Package wire defines the on-the-wire layout of a dispatch queue slot
// (spec §3 "MeasurementEvent") and the encode/decode routines for it.
//
// A slot is a fixed-size byte buffer reused for the lifetime of the queue
// (spec §5: "no per-event allocation"). Data events pack a timestamp plus a
// sequence of entities; each entity carries either a resolved column
// reference or an unresolved column name to be created on first sight.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// ThreadID is the discriminant carried by every slot (spec §3).
//
// Non-negative values identify a writer thread and mark a data event.
// The three sentinel values below never identify a real writer thread.
type ThreadID int32

const (
	// Incomplete marks a slot that has been reserved by a publisher but not
	// yet filled in; consumers must never observe this value (spec §3 invariant).
	Incomplete ThreadID = -1
	// Rebalance marks a control event that migrates a table between writers.
	Rebalance ThreadID = -2
	// ReleaseWriter marks a control event asking the owning writer to close
	// an idle table's writer handle.
	ReleaseWriter ThreadID = -3
)

// IsControl reports whether id is a control-event discriminant rather than a
// writer-thread id.
func (id ThreadID) IsControl() bool {
	return id == Rebalance || id == ReleaseWriter
}

// EntityType is the wire type tag for one field/tag value (parser contract, spec §6).
type EntityType int8

const (
	Tag EntityType = iota
	Float
	Integer
	String
	Boolean
	Long256
	CachedTag
)

func (t EntityType) String() string {
	switch t {
	case Tag:
		return "TAG"
	case Float:
		return "FLOAT"
	case Integer:
		return "INTEGER"
	case String:
		return "STRING"
	case Boolean:
		return "BOOLEAN"
	case Long256:
		return "LONG256"
	case CachedTag:
		return "CACHED_TAG"
	default:
		return fmt.Sprintf("EntityType(%d)", int8(t))
	}
}

// ColumnType is the destination column's storage type.
type ColumnType int8

const (
	ColSymbol ColumnType = iota
	ColString
	ColBoolean
	ColByte
	ColShort
	ColChar
	ColInt
	ColFloat
	ColLong
	ColDate
	ColTimestamp
	ColDouble
	ColLong256
	ColBinary
)

func (t ColumnType) String() string {
	names := [...]string{
		"SYMBOL", "STRING", "BOOLEAN", "BYTE", "SHORT", "CHAR", "INT", "FLOAT",
		"LONG", "DATE", "TIMESTAMP", "DOUBLE", "LONG256", "BINARY",
	}
	if int(t) < 0 || int(t) >= len(names) {
		return fmt.Sprintf("ColumnType(%d)", int8(t))
	}
	return names[t]
}

// FixedWidth reports the on-disk element size in bytes for fixed-width column
// types, and ok=false for STRING/BINARY (variable width, see <col>.i).
func (t ColumnType) FixedWidth() (size int, ok bool) {
	switch t {
	case ColBoolean, ColByte:
		return 1, true
	case ColShort, ColChar:
		return 2, true
	case ColInt, ColFloat, ColSymbol:
		return 4, true
	case ColLong, ColDate, ColTimestamp, ColDouble:
		return 8, true
	case ColLong256:
		return 32, true
	case ColString, ColBinary:
		return 0, false
	default:
		return 0, false
	}
}

// DefaultColumnType maps a parser entity type to the column type used when a
// column is auto-created on first sight (spec §4.4 "Column auto-create").
func DefaultColumnType(t EntityType) (ColumnType, bool) {
	switch t {
	case Tag, CachedTag:
		return ColSymbol, true
	case Float:
		return ColDouble, true
	case Integer:
		return ColLong, true
	case String:
		return ColString, true
	case Boolean:
		return ColBoolean, true
	case Long256:
		return ColLong256, true
	default:
		return 0, false
	}
}

// NullTimestamp is the parser's sentinel for "no explicit timestamp; use the
// receiver clock" (spec §6 Parser contract).
const NullTimestamp int64 = -1

// ErrTruncated indicates a slot buffer ended before a full record was decoded.
var ErrTruncated = errors.New("wire: truncated slot")

// ErrEntityCount indicates a slot declared more entities than fit in its buffer.
var ErrEntityCount = errors.New("wire: entity count overflow")

// Entity is a decoded (or about-to-be-encoded) field/tag value.
//
// Exactly one of the payload fields is meaningful, selected by Type. ColRef
// is the resolved column index, or <0 if Name must be resolved/created first
// (spec §3: "a negative col_ref of value -len means unresolved").
type Entity struct {
	ColRef int32
	Name   []byte // only set when ColRef < 0
	Type   EntityType

	I64  int64   // Integer, CachedTag (symbol index), Boolean (0/1)
	F64  float64 // Float
	Str  []byte  // Tag, String, Long256 (decoded UTF-8 payload)
}

// Unresolved reports whether this entity still needs column-name resolution.
func (e Entity) Unresolved() bool { return e.ColRef < 0 }

// Row is the decoded body of a data-event slot.
type Row struct {
	TimestampMicros int64
	Entities        []Entity
}

// EncodedSize returns the number of bytes Encode would write for row.
func (r Row) EncodedSize() int {
	n := 8 + 4 // timestamp + entity count
	for _, e := range r.Entities {
		n += 4 + 1 // colRef + type
		if e.ColRef < 0 {
			n += len(e.Name)
		}
		switch e.Type {
		case Tag, String, Long256:
			n += 4 + len(e.Str)
		case CachedTag, Integer:
			n += 8
		case Float:
			n += 8
		case Boolean:
			n += 1
		}
	}
	return n
}

// Encode writes row into buf, which must be at least r.EncodedSize() bytes.
// Returns the number of bytes written.
func Encode(buf []byte, r Row) (int, error) {
	need := r.EncodedSize()
	if len(buf) < need {
		return 0, fmt.Errorf("wire: encode: buffer too small: have %d need %d", len(buf), need)
	}

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.TimestampMicros))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Entities)))
	off += 4

	for _, e := range r.Entities {
		binary.LittleEndian.PutUint32(buf[off:], uint32(e.ColRef))
		off += 4

		if e.ColRef < 0 {
			copy(buf[off:], e.Name)
			off += len(e.Name)
		}

		buf[off] = byte(e.Type)
		off++

		switch e.Type {
		case Tag, String, Long256:
			binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Str)))
			off += 4
			copy(buf[off:], e.Str)
			off += len(e.Str)
		case CachedTag, Integer:
			binary.LittleEndian.PutUint64(buf[off:], uint64(e.I64))
			off += 8
		case Float:
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(e.F64))
			off += 8
		case Boolean:
			if e.I64 != 0 {
				buf[off] = 1
			} else {
				buf[off] = 0
			}
			off++
		default:
			return 0, fmt.Errorf("wire: encode: unknown entity type %v", e.Type)
		}
	}

	return off, nil
}

// Decode reads a Row from buf (as written by Encode). The returned Entity
// Name/Str slices alias buf and must not be retained past the slot's reuse.
func Decode(buf []byte) (Row, error) {
	if len(buf) < 12 {
		return Row{}, ErrTruncated
	}

	off := 0
	ts := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	n := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if n > uint32(len(buf)) {
		return Row{}, ErrEntityCount
	}

	entities := make([]Entity, 0, n)

	for range n {
		e, adv, err := decodeEntity(buf[off:])
		if err != nil {
			return Row{}, err
		}
		off += adv
		entities = append(entities, e)
	}

	return Row{TimestampMicros: ts, Entities: entities}, nil
}

func decodeEntity(buf []byte) (Entity, int, error) {
	if len(buf) < 5 {
		return Entity{}, 0, ErrTruncated
	}

	off := 0
	colRef := int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	var name []byte
	if colRef < 0 {
		nameLen := int(-colRef)
		if len(buf) < off+nameLen+1 {
			return Entity{}, 0, ErrTruncated
		}
		name = buf[off : off+nameLen]
		if !utf8.Valid(name) {
			return Entity{}, 0, fmt.Errorf("wire: decode: invalid utf8 column name")
		}
		off += nameLen
	}

	if len(buf) < off+1 {
		return Entity{}, 0, ErrTruncated
	}
	typ := EntityType(buf[off])
	off++

	e := Entity{ColRef: colRef, Name: name, Type: typ}

	switch typ {
	case Tag, String, Long256:
		if len(buf) < off+4 {
			return Entity{}, 0, ErrTruncated
		}
		slen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if len(buf) < off+slen {
			return Entity{}, 0, ErrTruncated
		}
		e.Str = buf[off : off+slen]
		off += slen
	case CachedTag, Integer:
		if len(buf) < off+8 {
			return Entity{}, 0, ErrTruncated
		}
		e.I64 = int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	case Float:
		if len(buf) < off+8 {
			return Entity{}, 0, ErrTruncated
		}
		e.F64 = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	case Boolean:
		if len(buf) < off+1 {
			return Entity{}, 0, ErrTruncated
		}
		e.I64 = int64(buf[off])
		off++
	default:
		return Entity{}, 0, fmt.Errorf("wire: decode: unknown entity type %d", typ)
	}

	return e, off, nil
}
