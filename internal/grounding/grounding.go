package grounding

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/loregraph/internal/model"
)

// Stats counts what happened to a batch of extractions during grounding.
type Stats struct {
	Total      int `json:"total"`
	Grounded   int `json:"grounded"`
	Unaligned  int `json:"unaligned"`
	Relocated  int `json:"relocated"`
	Unanchored int `json:"unanchored"`
	Duplicates int `json:"duplicates"`
}

type span struct{ start, end int }

// Ground converts raw extractions from one pass into grounded entities.
// Extractions labelled unaligned are skipped. Offsets supplied by the model
// are kept only when they reproduce the extraction text; otherwise the text is
// searched for (exact first, then case-insensitive) and the first occurrence
// not already emitted by this pass wins. Extractions that cannot be anchored
// are dropped, as are repeats whose every occurrence is taken, so every
// emitted span satisfies text[start:end] == ExtractionText in characters.
// Output is ordered by CharStart.
func Ground(text, pass string, extractions []model.Extraction) ([]model.GroundedEntity, Stats) {
	idx := NewTextIndex(text)
	stats := Stats{Total: len(extractions)}
	out := make([]model.GroundedEntity, 0, len(extractions))
	claimed := make(map[span]bool, len(extractions))

	for _, ex := range extractions {
		skip, conf := ValidateAlignment(ex.Alignment)
		if skip {
			stats.Unaligned++
			continue
		}
		if ex.Text == "" {
			stats.Unanchored++
			continue
		}

		start, end, moved, seen := anchor(idx, text, ex, claimed)
		if start < 0 {
			if seen {
				stats.Duplicates++
			} else {
				stats.Unanchored++
			}
			continue
		}
		claimed[span{start, end}] = true
		if moved {
			stats.Relocated++
		}
		extracted, _ := idx.Slice(start, end)

		status := model.AlignmentExact
		if conf < ExactConfidence {
			status = model.AlignmentFuzzy
		}
		name := ex.Name
		if name == "" {
			name = ex.Text
		}
		out = append(out, model.GroundedEntity{
			EntityType:      ex.EntityType,
			EntityName:      name,
			ExtractionText:  extracted,
			CharStart:       start,
			CharEnd:         end,
			PassName:        pass,
			AlignmentStatus: status,
			Confidence:      conf,
			Attributes:      ex.Attributes,
		})
		stats.Grounded++
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CharStart < out[j].CharStart })
	return out, stats
}

// anchor returns start -1 when no unclaimed span exists; seen reports whether
// the text occurs at all.
func anchor(idx *TextIndex, text string, ex model.Extraction, claimed map[span]bool) (start, end int, moved, seen bool) {
	if ex.CharStart != nil && ex.CharEnd != nil {
		if sub, ok := idx.Slice(*ex.CharStart, *ex.CharEnd); ok && sub == ex.Text {
			if !claimed[span{*ex.CharStart, *ex.CharEnd}] {
				return *ex.CharStart, *ex.CharEnd, false, true
			}
			seen = true
		}
	}

	n := utf8.RuneCountInString(ex.Text)
	for from := 0; from < len(text); {
		b := strings.Index(text[from:], ex.Text)
		if b < 0 {
			break
		}
		b += from
		seen = true
		s := idx.RuneOffset(b)
		if !claimed[span{s, s + n}] {
			return s, s + n, true, true
		}
		_, w := utf8.DecodeRuneInString(text[b:])
		from = b + w
	}

	s, e, found, hit := indexFold(idx, ex.Text, claimed)
	if found {
		return s, e, true, true
	}
	return -1, -1, false, seen || hit
}

// indexFold finds the first case-insensitive occurrence of needle whose span
// is not claimed. Lengths may differ from needle under case folding, so the
// match is taken from the source text itself.
func indexFold(idx *TextIndex, needle string, claimed map[span]bool) (start, end int, ok, seen bool) {
	n := utf8.RuneCountInString(needle)
	total := idx.Len()
	for s := 0; s+n <= total; s++ {
		sub, _ := idx.Slice(s, s+n)
		if !strings.EqualFold(sub, needle) {
			continue
		}
		seen = true
		if !claimed[span{s, s + n}] {
			return s, s + n, true, true
		}
	}
	return 0, 0, false, seen
}
