package lineproto

import "strconv"

// parseInt parses a signed base-10 integer without the allocation
// strconv.ParseInt incurs for a []byte input, matching
// pkg/mddb/frontmatter/parser.go's parseInt.
func parseInt(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}

	neg := false
	i := 0
	if b[0] == '-' || b[0] == '+' {
		neg = b[0] == '-'
		i++
		if i == len(b) {
			return 0, false
		}
	}

	var n int64
	for ; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		digit := int64(c - '0')
		if n > (int64(^uint64(0)>>1)-digit)/10 {
			return 0, false
		}
		n = n*10 + digit
	}

	if neg {
		n = -n
	}
	return n, true
}

// parseFloat parses a field value's float form. Floats aren't on the same
// zero-allocation hot path as tags/integers (they're rarer in practice), so
// this goes through strconv.ParseFloat directly.
func parseFloat(b []byte) (float64, bool) {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
