package mention

import (
	"strings"
	"unicode"

	"github.com/coregx/ahocorasick"
)

// anyTermPresent reports whether at least one term occurs in text under
// simple case folding, ignoring word boundaries. A false result lets Detect
// skip the per-term regex scan.
func anyTermPresent(terms []term, text string) (bool, error) {
	seen := make(map[string]bool, len(terms))
	patterns := make([]string, 0, len(terms))
	for _, t := range terms {
		p := foldString(t.text)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		patterns = append(patterns, p)
	}
	if len(patterns) == 0 {
		return false, nil
	}

	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return false, err
	}
	return len(ac.FindAllOverlapping([]byte(foldString(text)))) > 0, nil
}

// foldString maps every rune to the smallest member of its simple case
// folding orbit, so two strings that match under (?i) fold to the same text.
func foldString(s string) string {
	return strings.Map(foldRune, s)
}

func foldRune(r rune) rune {
	least := r
	for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
		if f < least {
			least = f
		}
	}
	return least
}
