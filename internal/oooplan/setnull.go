package oooplan

import (
	"encoding/binary"
	"math"

	"github.com/calvinalkan/qdbingest/internal/wire"
)

// intNaN and longNaN are the sentinel values QuestDB-style column types use
// for "no value" instead of a dedicated null bitmap (spec §4.5 setNull).
var (
	intNaN  int32 = -2147483648
	longNaN int64 = -9223372036854775808
)

// SetNull fills buf, interpreted as a packed array of fixed-width elements
// of colType, with that type's null sentinel (spec §4.5 "setNull per
// column type"). buf's length must be a multiple of the column's fixed
// width; variable-width types are not valid inputs (callers fill their
// null region with the var-column null encoding instead, see
// NullVarIndexEntry).
func SetNull(colType wire.ColumnType, buf []byte) {
	width, ok := colType.FixedWidth()
	if !ok || width == 0 {
		return
	}

	for off := 0; off+width <= len(buf); off += width {
		elem := buf[off : off+width]
		switch colType {
		case wire.ColInt:
			binary.LittleEndian.PutUint32(elem, uint32(intNaN))
		case wire.ColFloat:
			binary.LittleEndian.PutUint32(elem, math.Float32bits(float32(math.NaN())))
		case wire.ColDouble:
			binary.LittleEndian.PutUint64(elem, math.Float64bits(math.NaN()))
		case wire.ColLong, wire.ColDate, wire.ColTimestamp:
			binary.LittleEndian.PutUint64(elem, uint64(longNaN))
		case wire.ColSymbol:
			binary.LittleEndian.PutUint32(elem, math.MaxUint32)
		case wire.ColBoolean, wire.ColByte:
			elem[0] = 0
		case wire.ColShort, wire.ColChar:
			elem[0], elem[1] = 0, 0
		case wire.ColLong256:
			for i := range elem {
				elem[i] = 0
			}
		}
	}
}

// NullVarIndexEntry is the sentinel offset written into a STRING/BINARY
// column's `.i` index for a null row: -1, matching the fixed-column
// SYMBOL null convention (spec §4.5: "fills the new data-region bytes
// with null (-1) string/binary sentinels").
var NullVarIndexEntry int64 = -1
