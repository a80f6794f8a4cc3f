package game

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// Trim normalises an input line.
func Trim(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r", ""))
}

// normalizeName folds equivalent Unicode spellings of a name together.
func normalizeName(name string) string {
	return norm.NFC.String(Trim(name))
}

// decodeLine interprets raw line bytes as UTF-8, falling back to Latin-1 for
// clients that send legacy 8-bit text.
func decodeLine(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "")
	}
	return string(decoded)
}

// SanitizeInput drops control and format characters and flattens other
// whitespace to plain spaces.
func SanitizeInput(s string) string {
	if s == "" {
		return ""
	}
	var builder strings.Builder
	builder.Grow(len(s))
	changed := false
	for _, r := range s {
		sanitized, ok := sanitizeRune(r)
		if !ok || sanitized != r {
			changed = true
		}
		if ok {
			builder.WriteRune(sanitized)
		}
	}
	if !changed {
		return s
	}
	return builder.String()
}

func sanitizeRune(r rune) (rune, bool) {
	switch {
	case r == '\r':
		return 0, false
	case unicode.IsSpace(r):
		return ' ', true
	case r < 0x20 || r == 0x7f:
		return 0, false
	case unicode.Is(unicode.Cf, r):
		return 0, false
	case unicode.IsControl(r):
		return 0, false
	case !unicode.IsPrint(r):
		return 0, false
	default:
		return r, true
	}
}
