package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldDiacritics decomposes to NFKD and strips combining marks, so that
// "José" and "Jose" derive the same username.
var foldDiacritics = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// DeriveUsername builds a forum-safe username from a display name:
// diacritics folded, lower-cased, runs of non-alphanumerics collapsed to a
// single underscore, leading and trailing underscores trimmed.
func DeriveUsername(displayName string) (string, error) {
	folded, _, err := transform.String(foldDiacritics, displayName)
	if err != nil {
		return "", fmt.Errorf("fold display name: %w", err)
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	username := strings.Trim(b.String(), "_")
	if username == "" {
		return "", &ValidationError{Field: "name", Reason: "produces an empty username"}
	}
	return username, nil
}

// DisambiguateUsername appends a short random suffix for collision handling.
func DisambiguateUsername(username string) (string, error) {
	var suffix [2]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("generate username suffix: %w", err)
	}
	return username + "_" + hex.EncodeToString(suffix[:]), nil
}
