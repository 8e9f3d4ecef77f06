package domain

import (
	"strings"
	"unicode"

	"golang.org/x/text/transform"
)

// Candidate is one side of a first-time migration link: an entity with no
// known cross-system counterpart.
type Candidate struct {
	ID     string
	Name   string
	Fields []string
}

// LinkConfig tunes similarity-based auto-linking.
type LinkConfig struct {
	// Threshold is the minimum score for an automatic link.
	Threshold float64
	// ReviewFloor is the minimum score to flag a pair for manual review
	// instead of discarding it. Pairs scoring in [ReviewFloor, Threshold)
	// are never linked silently.
	ReviewFloor float64
	// NameWeight scales the normalized name similarity term.
	NameWeight float64
	// FieldWeight scales the shared-field overlap term.
	FieldWeight float64
}

// DefaultLinkConfig returns the tuning used for first-time migrations.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Threshold:   0.85,
		ReviewFloor: 0.65,
		NameWeight:  0.7,
		FieldWeight: 0.3,
	}
}

// Similarity scores a candidate pair in [0, 1]:
//
//	NameWeight * nameSimilarity + FieldWeight * (2*|shared| / (|a|+|b|))
//
// Name similarity is 1 minus the normalized edit distance over case- and
// diacritic-folded names.
func Similarity(a, b Candidate, cfg LinkConfig) float64 {
	return cfg.NameWeight*nameSimilarity(a.Name, b.Name) + cfg.FieldWeight*fieldOverlap(a.Fields, b.Fields)
}

func nameSimilarity(a, b string) float64 {
	a = foldName(a)
	b = foldName(b)
	if a == b {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 0
	}
	return 1 - float64(editDistance(a, b))/float64(longest)
}

func foldName(name string) string {
	folded, _, err := transform.String(foldDiacritics, name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

func fieldOverlap(a, b []string) float64 {
	if len(a)+len(b) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(a))
	for _, field := range a {
		seen[strings.ToLower(strings.TrimSpace(field))] = true
	}
	shared := 0
	for _, field := range b {
		if seen[strings.ToLower(strings.TrimSpace(field))] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}

// editDistance is the Levenshtein distance over runes with a two-row table.
func editDistance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
