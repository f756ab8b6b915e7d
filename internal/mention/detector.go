// Package mention finds exact occurrences of already-known entities in
// chapter text. Zero LLM cost: an Aho-Corasick presence check, then bounded
// regex scanning.
package mention

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/orsinium-labs/stopwords"

	"github.com/sells-group/loregraph/internal/grounding"
	"github.com/sells-group/loregraph/internal/model"
)

// PassName is the pass label on grounded entities produced by detection.
const PassName = "mention_detection"

// MinTermLength is the shortest search term (in characters) considered.
const MinTermLength = 2

type term struct {
	text          string
	runeLen       int
	canonicalName string
	entityType    string
	kind          model.MentionType
}

type span struct{ start, end int }

// Option configures a Detector.
type Option func(*Detector)

// WithStopwordFilter drops alias terms that are common English stopwords
// ("he", "she", "it") which would otherwise flood the output.
func WithStopwordFilter() Option {
	return func(d *Detector) {
		d.stopwords = stopwords.MustGet("en")
	}
}

// Detector scans chapter text for known-entity names and aliases.
type Detector struct {
	stopwords *stopwords.Stopwords
}

// NewDetector creates a Detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{}
	for _, o := range opts {
		o(d)
	}
	return d
}

var defaultDetector = NewDetector()

// Detect runs the default detector.
func Detect(text string, entities []model.KnownEntity) ([]model.GroundedEntity, error) {
	return defaultDetector.Detect(text, entities)
}

// Detect returns one grounded entity per accepted match, ordered by position.
// Longer terms claim spans first; a shorter term is never reported over a
// span that overlaps one already claimed.
func (d *Detector) Detect(text string, entities []model.KnownEntity) ([]model.GroundedEntity, error) {
	for i, e := range entities {
		if err := model.Validate(e); err != nil {
			return nil, err
		}
		if strings.TrimSpace(e.CanonicalName) == "" {
			return nil, model.NewValidationError("entities", "canonical_name must not be blank at position "+strconv.Itoa(i))
		}
	}

	terms := d.buildTerms(entities)
	if len(terms) == 0 || text == "" {
		return []model.GroundedEntity{}, nil
	}

	// A failed automaton build only loses the shortcut.
	if present, err := anyTermPresent(terms, text); err == nil && !present {
		return []model.GroundedEntity{}, nil
	}

	idx := grounding.NewTextIndex(text)
	var claimed []span
	out := []model.GroundedEntity{}

	for _, t := range terms {
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(t.text))
		if err != nil {
			continue
		}
		for _, loc := range findBounded(re, text, t.text) {
			s := span{start: idx.RuneOffset(loc[0]), end: idx.RuneOffset(loc[1])}
			if overlaps(claimed, s) {
				continue
			}
			claimed = append(claimed, s)
			out = append(out, model.GroundedEntity{
				EntityType:      t.entityType,
				EntityName:      t.canonicalName,
				ExtractionText:  text[loc[0]:loc[1]],
				CharStart:       s.start,
				CharEnd:         s.end,
				PassName:        PassName,
				AlignmentStatus: model.AlignmentExact,
				Confidence:      1.0,
				MentionType:     t.kind,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CharStart < out[j].CharStart })
	return out, nil
}

// buildTerms flattens entities into search terms, longest first. Ties keep
// entity order, then name, canonical, alias order.
func (d *Detector) buildTerms(entities []model.KnownEntity) []term {
	var terms []term
	add := func(text, canonical, typ string, kind model.MentionType) {
		text = strings.TrimSpace(text)
		n := utf8.RuneCountInString(text)
		if n < MinTermLength {
			return
		}
		if kind == model.MentionAlias && d.stopwords != nil && d.stopwords.Contains(strings.ToLower(text)) {
			return
		}
		terms = append(terms, term{text: text, runeLen: n, canonicalName: canonical, entityType: typ, kind: kind})
	}

	for _, e := range entities {
		add(e.Name, e.CanonicalName, e.EntityType, model.MentionDirectName)
		if !strings.EqualFold(strings.TrimSpace(e.CanonicalName), strings.TrimSpace(e.Name)) {
			add(e.CanonicalName, e.CanonicalName, e.EntityType, model.MentionDirectName)
		}
		for _, a := range e.Aliases {
			add(a, e.CanonicalName, e.EntityType, model.MentionAlias)
		}
	}

	sort.SliceStable(terms, func(i, j int) bool { return terms[i].runeLen > terms[j].runeLen })
	return terms
}

// findBounded returns byte locations of case-insensitive matches of re that
// sit on word boundaries. Boundaries are only enforced on the sides of the
// term that begin or end with a word character.
func findBounded(re *regexp.Regexp, text, termText string) [][]int {
	first, _ := utf8.DecodeRuneInString(termText)
	last, _ := utf8.DecodeLastRuneInString(termText)
	needLeft, needRight := isWordRune(first), isWordRune(last)

	var out [][]int
	pos := 0
	for pos <= len(text) {
		loc := re.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := loc[0]+pos, loc[1]+pos
		ok := true
		if needLeft && start > 0 {
			r, _ := utf8.DecodeLastRuneInString(text[:start])
			ok = !isWordRune(r)
		}
		if ok && needRight && end < len(text) {
			r, _ := utf8.DecodeRuneInString(text[end:])
			ok = !isWordRune(r)
		}
		if ok {
			out = append(out, []int{start, end})
			pos = end
			continue
		}
		// Retry one character further so an overlapping bounded match is
		// not skipped.
		_, w := utf8.DecodeRuneInString(text[start:])
		if w == 0 {
			break
		}
		pos = start + w
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func overlaps(claimed []span, s span) bool {
	for _, c := range claimed {
		if s.start < c.end && s.end > c.start {
			return true
		}
	}
	return false
}
