// Package bigseq implements the unbounded, total-order sequence counter
// attached to every master mutation.
//
// A Seq is a digit vector, most significant digit first, stored as
// 64-bit unsigned words. It never shrinks on its own and is never empty;
// the zero value of a freshly minted store is the single digit 0.
// Ordering is length-first: a shorter vector is always less than a longer
// one, and equal-length vectors compare lexicographically. This gives an
// amortized O(1) increment with no fixed-width overflow.
package bigseq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Seq is a big-endian digit vector. The zero value is not valid; use Zero().
type Seq []uint64

// Zero returns the initial sequence value for a freshly spawned master.
func Zero() Seq {
	return Seq{0}
}

// Normalize returns s if it is a valid (non-empty) vector, or Zero() if s
// is nil/empty. Decoders should call this on untrusted input rather than
// operate on an empty vector directly.
func Normalize(s Seq) Seq {
	if len(s) == 0 {
		return Zero()
	}
	return s
}

// Clone returns an independent copy of s.
func (s Seq) Clone() Seq {
	out := make(Seq, len(s))
	copy(out, s)
	return out
}

// Next returns the successor of s without mutating it.
//
// Incrementing adds one to the least-significant digit; on wrap (the digit
// becomes 0 again), the carry propagates to the next digit. If the carry
// propagates past the most-significant digit, a new leading digit 1 is
// prepended and every other digit is 0.
func (s Seq) Next() Seq {
	s = Normalize(s)
	out := s.Clone()
	i := len(out) - 1
	for {
		out[i]++
		if out[i] != 0 {
			return out
		}
		if i == 0 {
			grown := make(Seq, len(out)+1)
			grown[0] = 1
			copy(grown[1:], out)
			return grown
		}
		i--
	}
}

// Increment advances s in place to its successor.
func (s *Seq) Increment() {
	if s == nil {
		return
	}
	*s = (*s).Next()
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b,
// under the length-first, then lexicographic ordering.
func Compare(a, b Seq) int {
	a = Normalize(a)
	b = Normalize(b)
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether a orders strictly before b.
func Less(a, b Seq) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b represent the same sequence value.
func Equal(a, b Seq) bool { return Compare(a, b) == 0 }

// String renders the digit vector as a bracketed, comma-separated list,
// e.g. "[1, 0, 0]".
func (s Seq) String() string {
	s = Normalize(s)
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, digit := range s {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(strconv.FormatUint(digit, 10))
	}
	buf.WriteByte(']')
	return buf.String()
}

// Digits renders each digit as a decimal string, suitable for JSON or
// protobuf transport where a raw uint64 risks precision loss.
func (s Seq) Digits() []string {
	s = Normalize(s)
	out := make([]string, len(s))
	for i, digit := range s {
		out[i] = strconv.FormatUint(digit, 10)
	}
	return out
}

// FromDigits parses the decimal-string representation produced by Digits.
func FromDigits(digits []string) (Seq, error) {
	if len(digits) == 0 {
		return Zero(), nil
	}
	out := make(Seq, len(digits))
	for i, d := range digits {
		v, err := strconv.ParseUint(strings.TrimSpace(d), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bigseq: invalid digit %q at position %d: %w", d, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// MarshalJSON encodes the sequence as a JSON array of decimal-string digits
// so that values near or beyond 2^53 survive round-trips through JSON
// numbers in other languages.
func (s Seq) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Digits())
}

// UnmarshalJSON decodes the representation produced by MarshalJSON.
func (s *Seq) UnmarshalJSON(data []byte) error {
	var digits []string
	if err := json.Unmarshal(data, &digits); err != nil {
		return err
	}
	seq, err := FromDigits(digits)
	if err != nil {
		return err
	}
	*s = seq
	return nil
}
