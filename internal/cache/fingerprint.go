package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// KeyPrefix marks query fingerprints.
const KeyPrefix = "q:"

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "of": true, "to": true, "in": true, "on": true,
	"at": true, "for": true, "and": true, "or": true, "please": true, "me": true,
	"my": true, "i": true, "you": true, "can": true, "could": true, "would": true,
}

// Normalize lowercases text, drops punctuation and stop-words and collapses
// whitespace. Near-duplicate queries normalize to the same string.
func Normalize(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)

	words := strings.Fields(cleaned)
	kept := words[:0]
	for _, w := range words {
		if !stopWords[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// Fingerprint returns the cache key for a query under a persona.
func Fingerprint(text, persona string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(persona)) + "\x00" + Normalize(text)))
	return KeyPrefix + hex.EncodeToString(sum[:])[:32]
}
