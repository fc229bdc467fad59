// Package contenthash computes short content hashes that are used as cache
// key discriminators.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5"

	"github.com/simplesurance/stewardaction/internal/fsutils"
)

// Length is the number of hex characters returned by Text and File.
const Length = 8

// Text returns the first Length lowercase hex characters of the SHA-256
// digest of s.
// s is decoded as UTF-8 first, invalid byte sequences are replaced by the
// Unicode replacement character, one per maximal invalid subpart as
// WHATWG UTF-8 decoders do.
func Text(s string) string {
	sum := sha256.Sum256([]byte(toValidUTF8(s)))
	return hex.EncodeToString(sum[:])[:Length]
}

func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))

	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != utf8.RuneError || size > 1 {
			sb.WriteString(s[i : i+size])
			i += size
			continue
		}

		sb.WriteRune(utf8.RuneError)
		i += invalidSubpartLen(s[i:])
	}

	return sb.String()
}

// invalidSubpartLen returns the length of the maximal subpart of an
// ill-formed sequence at the start of s: a lead byte followed by the
// continuation bytes that are valid for it.
func invalidSubpartLen(s string) int {
	var need int
	lo, hi := byte(0x80), byte(0xBF)

	switch b := s[0]; {
	case b >= 0xC2 && b <= 0xDF:
		need = 1
	case b == 0xE0:
		need, lo = 2, 0xA0
	case b == 0xED:
		need, hi = 2, 0x9F
	case b >= 0xE1 && b <= 0xEF:
		need = 2
	case b == 0xF0:
		need, lo = 3, 0x90
	case b == 0xF4:
		need, hi = 3, 0x8F
	case b >= 0xF1 && b <= 0xF3:
		need = 3
	default:
		return 1
	}

	n := 1
	for ; n <= need && n < len(s); n++ {
		if s[n] < lo || s[n] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}

	return n
}

// File returns the Text hash of the content of the file at path.
func File(fsys billy.Basic, path string) (string, error) {
	data, err := fsutils.ReadFile(fsys, path)
	if err != nil {
		return "", fmt.Errorf("reading %s failed: %w", path, err)
	}

	return Text(string(data)), nil
}
