package model

// AlignmentStatus describes how closely an extracted span matches source text.
type AlignmentStatus string

const (
	AlignmentExact     AlignmentStatus = "exact"
	AlignmentFuzzy     AlignmentStatus = "fuzzy"
	AlignmentUnaligned AlignmentStatus = "unaligned"
)

// MentionType tags grounded entities produced by mention detection.
type MentionType string

const (
	MentionDirectName MentionType = "direct_name"
	MentionAlias      MentionType = "alias"
)

// GroundedEntity is a span-anchored extraction result. CharStart and CharEnd
// are character (code point) offsets into the original chapter text.
type GroundedEntity struct {
	EntityType      string          `json:"entity_type"`
	EntityName      string          `json:"entity_name"`
	ExtractionText  string          `json:"extraction_text"`
	CharStart       int             `json:"char_start"`
	CharEnd         int             `json:"char_end"`
	PassName        string          `json:"pass_name"`
	AlignmentStatus AlignmentStatus `json:"alignment_status"`
	Confidence      float64         `json:"confidence"`
	Attributes      map[string]any  `json:"attributes,omitempty"`
	MentionType     MentionType     `json:"mention_type,omitempty"`
}

// Extraction is one raw entity produced by an LLM extraction pass, before
// grounding.
type Extraction struct {
	EntityType string         `json:"entity_type"`
	Name       string         `json:"name"`
	Text       string         `json:"text"`
	CharStart  *int           `json:"char_start,omitempty"`
	CharEnd    *int           `json:"char_end,omitempty"`
	Alignment  string         `json:"alignment_status,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EntityUpdate is a registry upsert proposed by a pass.
type EntityUpdate struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entity_type"`
	Aliases      []string `json:"aliases,omitempty"`
	Significance string   `json:"significance,omitempty"`
}

// BoxType classifies a group of blue-box paragraphs.
type BoxType string

const (
	BoxLevelUp          BoxType = "level_up"
	BoxSkillAcquisition BoxType = "skill_acquisition"
	BoxTitle            BoxType = "title"
	BoxStatBlock        BoxType = "stat_block"
	BoxMixed            BoxType = "mixed"
)

// BlueBoxGroup is a contiguous run of structured-notification paragraphs.
type BlueBoxGroup struct {
	StartIndex       int     `json:"start_index"`
	EndIndex         int     `json:"end_index"`
	Text             string  `json:"text"`
	BoxType          BoxType `json:"box_type"`
	ParagraphIndexes []int   `json:"paragraph_indexes"`
}
