package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizeText lowercases the text and drops every rune that is not a letter or digit.
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Fingerprint hashes normalized title and body content.
func Fingerprint(title, body string) string {
	sum := sha256.Sum256([]byte(NormalizeText(title + " " + body)))
	return hex.EncodeToString(sum[:])
}
