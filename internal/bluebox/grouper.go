// Package bluebox merges adjacent structured-notification paragraphs into
// coherent blocks before any extraction pass consumes them.
package bluebox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sells-group/loregraph/internal/model"
)

// MaxGap is the number of non-notification paragraphs that may separate two
// notification paragraphs inside the same block.
const MaxGap = 1

var (
	levelPattern = regexp.MustCompile(`(?i)\blevel(?:ed)?\s*(?:up\b|\d+|increased|reached)|\blv\.?\s*\d+`)
	skillPattern = regexp.MustCompile(`(?i)\bnew skill\b|\bskill\b[^\n]{0,80}?\b(?:acquired|learned|gained|obtained|unlocked)\b|\b(?:acquired|learned|gained|obtained|unlocked)\s+(?:the\s+)?skill\b`)
	titlePattern = regexp.MustCompile(`(?i)\btitle\b[^\n]{0,80}?\b(?:earned|acquired|obtained|gained|granted|unlocked|awarded)\b|\b(?:earned|acquired|obtained|gained|granted|unlocked|awarded)\s+(?:the\s+)?title\b`)
	statPattern  = regexp.MustCompile(`(?i)\b(?:strength|str|agility|agi|dexterity|dex|constitution|con|intelligence|int|wisdom|wis|endurance|end|vitality|vit|perception|per|charisma|cha|luck|luk)\b\s*:?\s*[+-]\s*\d+|[+-]\d+\s+(?:to\s+)?(?:strength|agility|dexterity|constitution|intelligence|wisdom|endurance|vitality|perception|charisma|luck)\b`)
)

// Group collects the notification paragraphs, merges those whose indexes are
// at most MaxGap paragraphs apart, and classifies each merged block. Returns
// an empty slice when no notification paragraphs exist.
func Group(paragraphs []model.Paragraph) ([]model.BlueBoxGroup, error) {
	seen := make(map[int]bool, len(paragraphs))
	var notes []model.Paragraph
	for _, p := range paragraphs {
		if p.Index < 0 {
			return nil, model.NewValidationError("paragraphs", fmt.Sprintf("index %d must be non-negative", p.Index))
		}
		if seen[p.Index] {
			return nil, model.NewValidationError("paragraphs", fmt.Sprintf("duplicate index %d", p.Index))
		}
		seen[p.Index] = true
		if p.Type.IsNotification() {
			notes = append(notes, p)
		}
	}

	groups := []model.BlueBoxGroup{}
	if len(notes) == 0 {
		return groups, nil
	}
	sort.SliceStable(notes, func(i, j int) bool { return notes[i].Index < notes[j].Index })

	run := []model.Paragraph{notes[0]}
	for _, p := range notes[1:] {
		prev := run[len(run)-1]
		if p.Index-prev.Index-1 <= MaxGap {
			run = append(run, p)
			continue
		}
		groups = append(groups, build(run))
		run = []model.Paragraph{p}
	}
	groups = append(groups, build(run))
	return groups, nil
}

func build(run []model.Paragraph) model.BlueBoxGroup {
	texts := make([]string, len(run))
	idx := make([]int, len(run))
	for i, p := range run {
		texts[i] = p.Text
		idx[i] = p.Index
	}
	text := strings.Join(texts, "\n")
	return model.BlueBoxGroup{
		StartIndex:       run[0].Index,
		EndIndex:         run[len(run)-1].Index,
		Text:             text,
		BoxType:          Classify(text),
		ParagraphIndexes: idx,
	}
}

// Classify labels a block by testing the level, skill and title patterns
// independently. More than one hit is "mixed"; no hit falls back to
// "stat_block" when a stat delta is present, otherwise "mixed".
func Classify(text string) model.BoxType {
	var hits []model.BoxType
	if levelPattern.MatchString(text) {
		hits = append(hits, model.BoxLevelUp)
	}
	if skillPattern.MatchString(text) {
		hits = append(hits, model.BoxSkillAcquisition)
	}
	if titlePattern.MatchString(text) {
		hits = append(hits, model.BoxTitle)
	}

	switch {
	case len(hits) > 1:
		return model.BoxMixed
	case len(hits) == 1:
		return hits[0]
	case statPattern.MatchString(text):
		return model.BoxStatBlock
	default:
		return model.BoxMixed
	}
}
