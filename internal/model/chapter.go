package model

import (
	"bytes"
	"encoding/json"
)

// ParagraphType tags a paragraph produced by upstream structural parsing.
type ParagraphType string

const (
	ParagraphNarrative          ParagraphType = "narrative"
	ParagraphDialogue           ParagraphType = "dialogue"
	ParagraphBlueBox            ParagraphType = "blue_box"
	ParagraphSystemNotification ParagraphType = "system_notification"
	ParagraphSceneBreak         ParagraphType = "scene_break"
)

// IsNotification reports whether the paragraph type is a structured
// in-text notification (a "blue box").
func (t ParagraphType) IsNotification() bool {
	return t == ParagraphBlueBox || t == ParagraphSystemNotification
}

// Paragraph is one ordered paragraph record of a chapter.
type Paragraph struct {
	Index int           `json:"index" yaml:"index" validate:"gte=0"`
	Type  ParagraphType `json:"type" yaml:"type" validate:"required"`
	Text  string        `json:"text" yaml:"text"`
}

// Book is the unit of work for one background extraction job.
type Book struct {
	ID         string    `json:"book_id" yaml:"book_id" validate:"required"`
	Title      string    `json:"title,omitempty" yaml:"title"`
	SeriesName string    `json:"series_name,omitempty" yaml:"series_name"`
	Genre      string    `json:"genre,omitempty" yaml:"genre"`
	Chapters   []Chapter `json:"chapters" yaml:"chapters"`
}

// Chapter is the input of a single chapter-level extraction.
type Chapter struct {
	BookID     string   `json:"book_id" yaml:"book_id" validate:"required"`
	Number     int      `json:"chapter_number" yaml:"chapter_number" validate:"gte=0"`
	Title      string   `json:"title,omitempty" yaml:"title"`
	Text       string   `json:"chapter_text" yaml:"chapter_text"`
	Chunks     []string `json:"chunks,omitempty" yaml:"chunks"`
	Genre      string   `json:"genre,omitempty" yaml:"genre"`
	SeriesName string   `json:"series_name,omitempty" yaml:"series_name"`

	// RegexMatches is the JSON blob of pre-extracted regex hints.
	RegexMatches json.RawMessage `json:"regex_matches,omitempty" yaml:"-"`
	// RegexMatchesYAML lets book files carry hints as a plain string.
	RegexMatchesYAML string `json:"-" yaml:"regex_matches"`

	Paragraphs []Paragraph `json:"paragraphs,omitempty" yaml:"paragraphs" validate:"dive"`
}

// Hints returns the regex-match blob, preferring the JSON field.
func (c Chapter) Hints() []byte {
	if len(bytes.TrimSpace(c.RegexMatches)) > 0 {
		return c.RegexMatches
	}
	return []byte(c.RegexMatchesYAML)
}

// KnownEntity is an entity already known before scanning a chapter.
type KnownEntity struct {
	CanonicalName string   `json:"canonical_name" validate:"required"`
	EntityType    string   `json:"entity_type"`
	Name          string   `json:"name"`
	Aliases       []string `json:"aliases,omitempty"`
}
