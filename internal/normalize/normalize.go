// Package normalize canonicalizes recognizer text into a comparable form.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Alphabet selects which characters survive normalization.
type Alphabet string

const (
	// Latin keeps a-z only; everything else becomes a word break.
	Latin Alphabet = "latin"
	// Passthrough keeps letters, digits and marks of any script (CJK and friends).
	Passthrough Alphabet = "passthrough"
)

// combiningDiacritics covers the Unicode blocks of combining diacritical marks.
var combiningDiacritics = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x0300, Hi: 0x036f, Stride: 1},
		{Lo: 0x1ab0, Hi: 0x1aff, Stride: 1},
		{Lo: 0x1dc0, Hi: 0x1dff, Stride: 1},
		{Lo: 0x20d0, Hi: 0x20ff, Stride: 1},
		{Lo: 0xfe20, Hi: 0xfe2f, Stride: 1},
	},
}

// Normalize lowercases raw, strips diacritics, maps characters outside the alphabet
// to spaces and collapses whitespace. It is idempotent.
func Normalize(raw string, alphabet Alphabet) string {
	if raw == "" {
		return ""
	}

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(combiningDiacritics)))
	decomposed, _, err := transform.String(t, strings.ToLower(raw))
	if err != nil {
		decomposed = strings.ToLower(raw)
	}

	var mapped string
	switch alphabet {
	case Passthrough:
		mapped = norm.NFC.String(strings.Map(passthroughRune, decomposed))
	default:
		mapped = strings.Map(latinRune, decomposed)
	}
	return strings.Join(strings.Fields(mapped), " ")
}

// Collapse removes all whitespace from s.
func Collapse(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func latinRune(r rune) rune {
	if (r >= 'a' && r <= 'z') || unicode.IsSpace(r) {
		return r
	}
	return ' '
}

func passthroughRune(r rune) rune {
	switch {
	case unicode.IsSpace(r), unicode.IsControl(r), unicode.IsPunct(r), unicode.IsSymbol(r):
		return ' '
	case unicode.In(r, unicode.Cf):
		return ' '
	}
	return r
}
