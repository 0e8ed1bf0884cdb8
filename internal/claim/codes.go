package claim

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// codeAlphabet excludes visually ambiguous characters (0/O, 1/I/L) so a
// code read over the phone or typed from a TV screen survives transcription.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// DefaultCodeLength is the number of characters in a generated claim code.
const DefaultCodeLength = 6

// GenerateCode returns a random claim code of the given length drawn from
// the unambiguous alphabet. A length of zero selects DefaultCodeLength.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate claim code: %w", err)
	}

	code := make([]byte, length)
	for i, b := range raw {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	return string(code), nil
}

// Normalize canonicalizes a caller-supplied code: uppercase, with separators
// and whitespace stripped, so human-entered codes like "ab-23 cd" still
// resolve. Internally generated codes are already canonical and are never
// normalized again.
func Normalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		switch r {
		case '-', '_', ' ', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LogPrefix returns the loggable form of a code: the first 2 characters
// only. Full codes never reach logs.
func LogPrefix(code string) string {
	if len(code) <= 2 {
		return code
	}
	return code[:2]
}
