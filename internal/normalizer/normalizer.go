// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package normalizer canonicalizes raw message text and computes content
// fingerprints. Normalization is deterministic: identical input bytes
// always produce identical output, and normalizing already-normalized text
// is a no-op. The fingerprint is the full SHA-1 digest (160 bits) of the
// normalized text, so textually equivalent reports dedup to one row.
package normalizer

import (
	"crypto/sha1" //nolint:gosec // content fingerprint, not authentication
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"github.com/tomtom215/trendwire/internal/models"
)

// Normalization steps, applied in order:
//  1. strip bidirectional control marks
//  2. strip combining diacritics of the RTL scripts in the source corpus
//     (Arabic tashkeel, Hebrew niqqud and cantillation)
//  3. collapse whitespace runs to a single space
//  4. strip recognized channel-signature trailers
//  5. strip terminal punctuation runs
//  6. lowercase Latin letters

// isBidiMark reports whether r is a bidirectional control character
// (LRM, RLM, ALM, the embedding/override marks, or the isolate marks).
func isBidiMark(r rune) bool {
	switch r {
	case 0x200E, 0x200F, 0x061C:
		return true
	}
	return (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069)
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// terminalPunct is the trailing punctuation stripped during
// canonicalization: Latin and Arabic sentence-final marks. Reposts often
// differ only in trailing exclamation runs.
const terminalPunct = "!?.,;:…~،؛؟"

// Normalizer canonicalizes raw messages. TrailerPatterns is a small list of
// bracketed channel-signature suffixes to strip, e.g. `[قناة المصدر]`.
type Normalizer struct {
	trailers []*regexp.Regexp
}

// New builds a Normalizer. Each trailer pattern matches literally against a
// bracketed suffix at the end of the message.
func New(trailerPatterns []string) *Normalizer {
	n := &Normalizer{}
	for _, p := range trailerPatterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		// Trailer match is anchored to the end, any surrounding whitespace.
		n.trailers = append(n.trailers, regexp.MustCompile(`\s*`+regexp.QuoteMeta(p)+`\s*$`))
	}
	return n
}

// Normalize canonicalizes a raw message and computes its fingerprint.
// An empty normalized text sets Empty=true; the pipeline drops those.
func (n *Normalizer) Normalize(raw models.RawMessage) models.NormalizedMessage {
	text := stripMarks(raw.Text)
	text = whitespaceRE.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	for _, re := range n.trailers {
		text = re.ReplaceAllString(text, "")
	}
	text = strings.TrimSpace(strings.TrimRight(text, terminalPunct))
	text = lowercaseLatin(text)

	sum := sha1.Sum([]byte(text)) //nolint:gosec // fingerprint only

	return models.NormalizedMessage{
		Raw:       raw,
		TextNorm:  text,
		Hash:      hex.EncodeToString(sum[:]),
		LangGuess: guessLang(text),
		Empty:     text == "",
	}
}

// stripMarks removes bidi controls and RTL combining diacritics in one pass.
func stripMarks(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isBidiMark(r) {
			continue
		}
		if isRTLDiacritic(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isRTLDiacritic reports whether r is an Arabic tashkeel mark or a Hebrew
// niqqud/cantillation mark. Latin combining marks are left alone; the
// source corpus is Arabic and Hebrew and over-stripping would merge
// distinct Latin words.
func isRTLDiacritic(r rune) bool {
	switch {
	case r >= 0x0610 && r <= 0x061A: // Arabic signs
		return true
	case r >= 0x064B && r <= 0x065F: // Arabic tashkeel
		return true
	case r == 0x0670: // superscript alef
		return true
	case r >= 0x0591 && r <= 0x05C7: // Hebrew points and accents
		return true
	}
	return false
}

// lowercaseLatin lowercases only Latin letters, leaving RTL text intact.
func lowercaseLatin(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		if r > 127 && unicode.IsUpper(r) && unicode.Is(unicode.Latin, r) {
			return unicode.ToLower(r)
		}
		return r
	}, s)
}

// guessLang classifies by dominant script: "ar", "he", "en", or "und".
func guessLang(s string) string {
	var arabic, hebrew, latin int
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Arabic, r):
			arabic++
		case unicode.Is(unicode.Hebrew, r):
			hebrew++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	switch {
	case arabic >= hebrew && arabic >= latin && arabic > 0:
		return "ar"
	case hebrew >= latin && hebrew > 0:
		return "he"
	case latin > 0:
		return "en"
	}
	return "und"
}
