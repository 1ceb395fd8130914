// Package lineproto is a minimal InfluxDB-style line-protocol parser
// satisfying facade.Parser (spec section 6 "Parser contract").
//
// Grammar, one measurement per line:
//
//	measurement[,tag_key=tag_value...] field_key=field_value[,field_key=field_value...] [timestamp]
//
// Field values are typed by suffix/prefix: a trailing "i" marks a signed
// integer, a leading "0x" with a trailing "i" marks a LONG256 hex literal,
// "t"/"T"/"true"/"TRUE" and their false counterparts mark a boolean, a
// double-quoted value marks a string, and anything else is parsed as a
// float. Tag values are always unquoted strings. The timestamp is optional
// nanoseconds since epoch; when absent the measurement's TimestampMicros is
// wire.NullTimestamp, the receiver-clock sentinel.
//
// All entity names and string-typed values alias the input buffer where
// possible; quoted and escaped values are unescaped into a fresh allocation.
// Nothing this package returns is ever produced as wire.CachedTag — that
// entity type is a resolved-index optimization applied downstream by the
// writer thread's symbol cache, not something raw text can express.
package lineproto

import (
	"bytes"
	"fmt"

	"github.com/calvinalkan/qdbingest/internal/facade"
	"github.com/calvinalkan/qdbingest/internal/wire"
)

// Parser implements facade.Parser against InfluxDB-style line protocol text.
type Parser struct{}

// New returns a ready Parser. Parser carries no state between calls and is
// safe for concurrent use by multiple goroutines, each with its own buffer.
func New() *Parser { return &Parser{} }

// Next scans buf for one complete, newline-terminated measurement line,
// parses it, and returns the number of bytes consumed (including the
// newline). ok is false with a nil error when buf holds no complete line
// yet (consumed is 0; the caller should read more bytes and retry) or when
// the line is blank (consumed covers the skipped line); ok is false with a
// non-nil error when the available line is malformed.
func (p *Parser) Next(buf []byte) (facade.Measurement, int, bool, error) {
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		return facade.Measurement{}, 0, false, nil
	}

	line := trimCR(buf[:nl])
	consumed := nl + 1

	if len(bytes.TrimSpace(line)) == 0 {
		return facade.Measurement{}, consumed, false, nil
	}

	m, err := parseLine(line)
	if err != nil {
		return facade.Measurement{}, consumed, false, err
	}

	return m, consumed, true, nil
}

var _ facade.Parser = (*Parser)(nil)

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}

func parseLine(line []byte) (facade.Measurement, error) {
	identAndTags, rest, ok := cutUnescapedSpace(line)
	if !ok {
		return facade.Measurement{}, fmt.Errorf("lineproto: missing field set")
	}

	fieldSet, tsRaw, hasTs := cutFieldSetSpace(rest)
	if !hasTs {
		fieldSet = rest
	}

	name, tagEntities, err := parseIdentAndTags(identAndTags)
	if err != nil {
		return facade.Measurement{}, err
	}
	if len(name) == 0 {
		return facade.Measurement{}, fmt.Errorf("lineproto: empty measurement name")
	}

	fieldEntities, err := parseFieldSet(fieldSet)
	if err != nil {
		return facade.Measurement{}, err
	}
	if len(fieldEntities) == 0 {
		return facade.Measurement{}, fmt.Errorf("lineproto: measurement %q has no fields", name)
	}

	tsMicros := wire.NullTimestamp
	if hasTs {
		tsRaw = bytes.TrimSpace(tsRaw)
		if len(tsRaw) > 0 {
			nanos, ok := parseInt(tsRaw)
			if !ok {
				return facade.Measurement{}, fmt.Errorf("lineproto: invalid timestamp %q", tsRaw)
			}
			tsMicros = nanos / 1000
		}
	}

	entities := make([]wire.Entity, 0, len(tagEntities)+len(fieldEntities))
	entities = append(entities, tagEntities...)
	entities = append(entities, fieldEntities...)

	return facade.Measurement{
		Name:            string(name),
		TimestampMicros: tsMicros,
		Entities:        entities,
	}, nil
}

// cutUnescapedSpace splits line at its first unescaped space, mirroring
// bytes.Cut. ok is false when no unescaped space is present.
func cutUnescapedSpace(line []byte) (before, after []byte, ok bool) {
	i := indexUnescaped(line, ' ')
	if i < 0 {
		return line, nil, false
	}
	return line[:i], line[i+1:], true
}

// cutFieldSetSpace splits rest at the space separating the field set from
// the optional trailing timestamp. Unlike cutUnescapedSpace, it treats
// bytes inside a double-quoted string field value as opaque, since a
// string field may contain a literal, unescaped space.
func cutFieldSetSpace(rest []byte) (before, after []byte, ok bool) {
	inQuotes := false
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '\\':
			i++
		case '"':
			inQuotes = !inQuotes
		case ' ':
			if !inQuotes {
				return rest[:i], rest[i+1:], true
			}
		}
	}
	return rest, nil, false
}

// indexUnescaped returns the index of the first unescaped occurrence of sep
// in b, or -1. A byte is "escaped" when immediately preceded by a backslash
// that is itself not escaped.
func indexUnescaped(b []byte, sep byte) int {
	for i := 0; i < len(b); i++ {
		if b[i] == '\\' {
			i++
			continue
		}
		if b[i] == sep {
			return i
		}
	}
	return -1
}

func parseIdentAndTags(b []byte) (name []byte, tags []wire.Entity, err error) {
	first, restTags := splitUnescapedComma(b)
	name = unescapeIdent(first)

	for len(restTags) > 0 {
		var tok []byte
		tok, restTags = splitUnescapedComma(restTags)
		if len(tok) == 0 {
			continue
		}

		key, val, ok := bytes.Cut(tok, []byte{'='})
		if !ok {
			return nil, nil, fmt.Errorf("lineproto: tag %q missing '='", tok)
		}
		if len(key) == 0 {
			return nil, nil, fmt.Errorf("lineproto: empty tag key")
		}

		keyBytes := unescapeIdent(key)
		valBytes := unescapeIdent(val)
		tags = append(tags, wire.Entity{
			ColRef: -int32(len(keyBytes)),
			Name:   keyBytes,
			Type:   wire.Tag,
			Str:    valBytes,
		})
	}

	return name, tags, nil
}

// splitUnescapedComma pops the first unescaped-comma-delimited token off b,
// returning the remainder. When b contains no unescaped comma, the whole of
// b is the token and the remainder is nil.
func splitUnescapedComma(b []byte) (tok, rest []byte) {
	i := indexUnescaped(b, ',')
	if i < 0 {
		return b, nil
	}
	return b[:i], b[i+1:]
}

// unescapeIdent removes the backslash from backslash-comma, backslash-space,
// and backslash-equals escape sequences, matching line protocol's
// measurement/tag-key/tag-value escaping rules. Returns a subslice of b
// (zero-copy) when no escape sequence is present.
func unescapeIdent(b []byte) []byte {
	if bytes.IndexByte(b, '\\') < 0 {
		return b
	}

	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == '\\' && i+1 < len(b) {
			switch b[i+1] {
			case ',', ' ', '=', '\\':
				out = append(out, b[i+1])
				i++
				continue
			}
		}
		out = append(out, b[i])
	}
	return out
}

func parseFieldSet(b []byte) ([]wire.Entity, error) {
	var entities []wire.Entity

	for len(b) > 0 {
		var tok []byte
		tok, b = splitFieldToken(b)
		if len(tok) == 0 {
			continue
		}

		key, val, ok := bytes.Cut(tok, []byte{'='})
		if !ok {
			return nil, fmt.Errorf("lineproto: field %q missing '='", tok)
		}
		if len(key) == 0 {
			return nil, fmt.Errorf("lineproto: empty field key")
		}

		e, err := parseFieldValue(val)
		if err != nil {
			return nil, fmt.Errorf("lineproto: field %q: %w", key, err)
		}

		keyBytes := unescapeIdent(key)
		e.ColRef = -int32(len(keyBytes))
		e.Name = keyBytes
		entities = append(entities, e)
	}

	return entities, nil
}

// splitFieldToken pops the first field-set token off b at an unescaped
// comma, treating bytes inside a double-quoted string value as opaque so a
// comma in a quoted string field doesn't split the token.
func splitFieldToken(b []byte) (tok, rest []byte) {
	inQuotes := false
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				return b[:i], b[i+1:]
			}
		}
	}
	return b, nil
}

func parseFieldValue(val []byte) (wire.Entity, error) {
	if len(val) == 0 {
		return wire.Entity{}, fmt.Errorf("empty value")
	}

	if val[0] == '"' {
		s, err := unquoteString(val)
		if err != nil {
			return wire.Entity{}, err
		}
		return wire.Entity{Type: wire.String, Str: s}, nil
	}

	if len(val) >= 3 && val[0] == '0' && val[1] == 'x' && val[len(val)-1] == 'i' {
		return wire.Entity{Type: wire.Long256, Str: val[2 : len(val)-1]}, nil
	}

	if val[len(val)-1] == 'i' {
		n, ok := parseInt(val[:len(val)-1])
		if !ok {
			return wire.Entity{}, fmt.Errorf("invalid integer %q", val)
		}
		return wire.Entity{Type: wire.Integer, I64: n}, nil
	}

	if b, ok := parseBool(val); ok {
		i64 := int64(0)
		if b {
			i64 = 1
		}
		return wire.Entity{Type: wire.Boolean, I64: i64}, nil
	}

	f, ok := parseFloat(val)
	if !ok {
		return wire.Entity{}, fmt.Errorf("invalid field value %q", val)
	}
	return wire.Entity{Type: wire.Float, F64: f}, nil
}

func parseBool(val []byte) (b, ok bool) {
	switch string(val) {
	case "t", "T", "true", "True", "TRUE":
		return true, true
	case "f", "F", "false", "False", "FALSE":
		return false, true
	default:
		return false, false
	}
}

// unquoteString strips the surrounding double quotes and unescapes \" and
// \\, matching line protocol's string field escaping.
func unquoteString(val []byte) ([]byte, error) {
	if len(val) < 2 || val[len(val)-1] != '"' {
		return nil, fmt.Errorf("unterminated quoted string %q", val)
	}
	inner := val[1 : len(val)-1]

	if bytes.IndexByte(inner, '\\') < 0 {
		return inner, nil
	}

	out := make([]byte, 0, len(inner))
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) && (inner[i+1] == '"' || inner[i+1] == '\\') {
			out = append(out, inner[i+1])
			i++
			continue
		}
		out = append(out, inner[i])
	}
	return out, nil
}
