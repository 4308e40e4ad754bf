// Package signature compiles hex/wildcard byte patterns and finds them in
// a byte range.
//
// A signature is written as whitespace separated tokens. Each token is either
// two hex digits, which match one fixed byte, or a wildcard ("?" or "??"),
// which matches any byte:
//
//	? ? ? D1 ? ? ? A9 FD 7B ?? 91
package signature

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformed is returned by Compile for text that is not a valid
// signature. It is a caller bug and retrying the same text never helps.
var ErrMalformed = errors.New("malformed signature")

// Signature is a compiled byte pattern. It is immutable and safe for
// concurrent use.
type Signature struct {
	pattern []byte
	// fixed[i] is false where pattern[i] is a wildcard.
	fixed []bool
	// anchor is the position of the first fixed byte, -1 if there is none.
	anchor int
}

// Compile parses text into a Signature.
func Compile(text string) (*Signature, error) {
	s := &Signature{anchor: -1}
	for _, tok := range strings.Fields(text) {
		if tok == "?" || tok == "??" {
			s.pattern = append(s.pattern, 0)
			s.fixed = append(s.fixed, false)
			continue
		}
		if len(tok) != 2 {
			return nil, errors.Wrapf(ErrMalformed, "bad token %q in %q", tok, text)
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "bad hex %q in %q", tok, text)
		}
		if s.anchor < 0 {
			s.anchor = len(s.pattern)
		}
		s.pattern = append(s.pattern, byte(v))
		s.fixed = append(s.fixed, true)
	}
	return s, nil
}

// MustCompile is like Compile but panics on malformed text. It is meant for
// signatures written as package level literals.
func MustCompile(text string) *Signature {
	s, err := Compile(text)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of pattern positions, wildcards included.
func (s *Signature) Len() int {
	return len(s.pattern)
}

// Index returns the offset of the first match in data, or -1. An empty
// signature matches at offset 0.
func (s *Signature) Index(data []byte) int {
	n := len(s.pattern)
	if n == 0 {
		return 0
	}
	if n > len(data) {
		return -1
	}
	if s.anchor < 0 {
		// all wildcards
		return 0
	}

	last := len(data) - n
	first := s.pattern[s.anchor]
	for i := 0; i <= last; i++ {
		// skip ahead to the next candidate whose anchor byte matches
		j := bytes.IndexByte(data[i+s.anchor:last+s.anchor+1], first)
		if j < 0 {
			return -1
		}
		i += j
		if s.matchAt(data, i) {
			return i
		}
	}
	return -1
}

func (s *Signature) matchAt(data []byte, off int) bool {
	for i, b := range s.pattern {
		if s.fixed[i] && data[off+i] != b {
			return false
		}
	}
	return true
}

// Find scans data, which is the content of memory starting at base, and
// returns the address of the lowest match.
func (s *Signature) Find(base uintptr, data []byte) (uintptr, bool) {
	off := s.Index(data)
	if off < 0 {
		return 0, false
	}
	return base + uintptr(off), true
}

// Equal reports whether both signatures match exactly the same byte
// sequences.
func (s *Signature) Equal(o *Signature) bool {
	if len(s.pattern) != len(o.pattern) {
		return false
	}
	for i := range s.pattern {
		if s.fixed[i] != o.fixed[i] {
			return false
		}
		if s.fixed[i] && s.pattern[i] != o.pattern[i] {
			return false
		}
	}
	return true
}

// String renders the normalized form, wildcards as "??".
func (s *Signature) String() string {
	parts := make([]string, len(s.pattern))
	for i, b := range s.pattern {
		if s.fixed[i] {
			parts[i] = fmt.Sprintf("%02X", b)
		} else {
			parts[i] = "??"
		}
	}
	return strings.Join(parts, " ")
}
