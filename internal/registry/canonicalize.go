package registry

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

var articles = []string{"the ", "a ", "an "}

// Canonicalize turns a display name into the registry identity key:
// NFKC-normalized, lower-cased, whitespace-collapsed, with a single leading
// English article removed ("The Hunter" -> "hunter"). A name that is only an
// article keeps it.
func Canonicalize(name string) string {
	s := normalizeAlias(name)
	for _, a := range articles {
		if rest, ok := strings.CutPrefix(s, a); ok && rest != "" {
			return rest
		}
	}
	return s
}

// normalizeAlias lower-cases and collapses whitespace without stripping
// articles; aliases keep their literal wording.
func normalizeAlias(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
