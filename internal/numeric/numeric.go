// Package numeric implements the small integer parsing and formatting
// primitives the mapfile codec and command shell build on: base-prefixed
// unsigned 64-bit parsing, hex formatting, and whitespace skipping.
package numeric

import (
	"errors"
	"math/bits"
	"strings"
)

// ErrEmpty is returned when ParseU64 is called with no digits to consume.
var ErrEmpty = errors.New("numeric: no digits to parse")

// ErrOverflow is returned when the parsed value would exceed 64 bits.
var ErrOverflow = errors.New("numeric: value overflows uint64")

// Cursor walks a string left to right, consuming prefixes as it parses.
// It mirrors the `const char**` cursor idiom of the original C source:
// every Parse/Skip call advances the cursor past whatever it consumed.
type Cursor struct {
	s string
}

// NewCursor returns a cursor positioned at the start of s.
func NewCursor(s string) *Cursor {
	return &Cursor{s: s}
}

// Remaining returns the not-yet-consumed suffix of the cursor's string.
func (c *Cursor) Remaining() string {
	return c.s
}

// SkipSpaces advances the cursor past any leading ASCII whitespace.
func (c *Cursor) SkipSpaces() {
	c.s = strings.TrimLeft(c.s, " \t\n\r\v\f")
}

// ParseU64 parses an unsigned 64-bit integer starting at the cursor and
// advances the cursor past the digits consumed. The base is inferred from
// the prefix: a leading "0x" (lowercase x only) selects hex, a leading "0"
// selects octal, anything else is decimal.
//
// A bare "0" followed by a character outside the chosen base simply
// terminates parsing at that point (not an error) - this matches the
// original parser: "010x" parses as octal 8, leaving "x" on the cursor,
// "0x" with nothing after it parses as 0 with an empty cursor, and "0XFF"
// (uppercase X) is not recognized as a hex prefix at all: it parses as
// octal, the digit 'X' terminates parsing immediately, leaving "XFF" on
// the cursor and a value of 0.
func (c *Cursor) ParseU64() (uint64, error) {
	s := c.s
	var res uint64
	base := uint64(10)
	i := 0
	for i < len(s) {
		ch := s[i]
		if i == 0 && ch == '0' {
			base = 8
		}
		if i == 1 && res == 0 && base == 8 && ch == 'x' {
			base = 16
			i++
			continue
		}
		digit, ok := digitValue(ch)
		if !ok || uint64(digit) >= base {
			break
		}
		hi, lo := bits.Mul64(res, base)
		sum, carry := bits.Add64(lo, uint64(digit), 0)
		if hi != 0 || carry != 0 {
			return 0, ErrOverflow
		}
		res = sum
		i++
	}
	if i == 0 {
		return 0, ErrEmpty
	}
	c.s = s[i:]
	return res, nil
}

func digitValue(ch byte) (int, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch - '0'), true
	case ch >= 'a' && ch <= 'z':
		return int(ch-'a') + 10, true
	case ch >= 'A' && ch <= 'Z':
		return int(ch-'A') + 10, true
	default:
		return 0, false
	}
}

// ParseU64 is a convenience wrapper that parses the leading number of s.
// Anything after the consumed digits is ignored and not reported; callers
// that need the trailing cursor position should use Cursor directly.
func ParseU64(s string) (uint64, error) {
	cur := NewCursor(s)
	return cur.ParseU64()
}

const hexDigits = "0123456789ABCDEF"

// FormatHexU64 renders v as "0x" followed by the shortest uppercase hex
// representation, e.g. 0 -> "0x0", 255 -> "0xFF".
func FormatHexU64(v uint64) string {
	if v == 0 {
		return "0x0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return "0x" + string(buf[i:])
}

// SkipSpaces advances past ASCII whitespace in s and returns the remainder.
func SkipSpaces(s string) string {
	return strings.TrimLeft(s, " \t\n\r\v\f")
}
