package grounding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loregraph/internal/model"
)

func intPtr(i int) *int { return &i }

func TestValidateAlignment(t *testing.T) {
	tests := []struct {
		label    string
		wantSkip bool
		wantConf float64
	}{
		{"", false, 1.0},
		{"exact", false, 1.0},
		{"match_exact", false, 1.0},
		{"fuzzy", false, 0.7},
		{"MATCH_FUZZY", false, 0.7},
		{"unaligned", true, 0},
		{"Unaligned", true, 0},
		{"something_else", false, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			skip, conf := ValidateAlignment(tt.label)
			assert.Equal(t, tt.wantSkip, skip)
			assert.InDelta(t, tt.wantConf, conf, 1e-9)
		})
	}
}

func TestGround_KeepsValidOffsets(t *testing.T) {
	text := "Elara drew her blade. Elara ran."
	got, stats := Ground(text, "characters", []model.Extraction{
		{EntityType: "character", Name: "Elara", Text: "Elara", CharStart: intPtr(22), CharEnd: intPtr(27)},
	})
	require.Len(t, got, 1)
	assert.Equal(t, 22, got[0].CharStart)
	assert.Equal(t, 27, got[0].CharEnd)
	assert.Equal(t, "characters", got[0].PassName)
	assert.Equal(t, model.AlignmentExact, got[0].AlignmentStatus)
	assert.Equal(t, 0, stats.Relocated)
	assert.Equal(t, 1, stats.Grounded)
}

func TestGround_RelocatesBadOffsets(t *testing.T) {
	text := "Elara drew her blade. The blade broke."
	got, stats := Ground(text, "characters", []model.Extraction{
		{EntityType: "item", Name: "blade", Text: "blade", CharStart: intPtr(0), CharEnd: intPtr(5)},
		{EntityType: "item", Name: "blade", Text: "BLADE"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, 15, got[0].CharStart)
	assert.Equal(t, 20, got[0].CharEnd)
	assert.Equal(t, 26, got[1].CharStart)
	assert.Equal(t, "blade", got[1].ExtractionText)
	assert.Equal(t, 2, stats.Relocated)
}

func TestGround_RepeatedTextTakesNextOccurrence(t *testing.T) {
	text := "Elara drew her blade. Elara ran."
	got, stats := Ground(text, "characters", []model.Extraction{
		{EntityType: "character", Name: "Elara", Text: "Elara", CharStart: intPtr(3), CharEnd: intPtr(9)},
		{EntityType: "character", Name: "Elara", Text: "Elara"},
		{EntityType: "character", Name: "Elara", Text: "elara"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, [2]int{0, 5}, [2]int{got[0].CharStart, got[0].CharEnd})
	assert.Equal(t, [2]int{22, 27}, [2]int{got[1].CharStart, got[1].CharEnd})
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 0, stats.Unanchored)
	assert.Equal(t, 2, stats.Grounded)
}

func TestGround_RepeatedValidOffsetsRelocate(t *testing.T) {
	text := "Elara drew her blade. Elara ran."
	got, stats := Ground(text, "characters", []model.Extraction{
		{EntityType: "character", Name: "Elara", Text: "Elara", CharStart: intPtr(0), CharEnd: intPtr(5)},
		{EntityType: "character", Name: "Elara", Text: "Elara", CharStart: intPtr(0), CharEnd: intPtr(5)},
	})
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].CharStart)
	assert.Equal(t, 22, got[1].CharStart)
	assert.Equal(t, 1, stats.Relocated)
}

func TestGround_OrdersBySourcePosition(t *testing.T) {
	text := "Elara met Marcus at the gate."
	got, _ := Ground(text, "characters", []model.Extraction{
		{EntityType: "character", Name: "Marcus", Text: "Marcus"},
		{EntityType: "character", Name: "Elara", Text: "Elara"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "Elara", got[0].EntityName)
	assert.Equal(t, [2]int{0, 5}, [2]int{got[0].CharStart, got[0].CharEnd})
	assert.Equal(t, "Marcus", got[1].EntityName)
	assert.Equal(t, [2]int{10, 16}, [2]int{got[1].CharStart, got[1].CharEnd})
}

func TestGround_DropsUnalignedAndUnanchored(t *testing.T) {
	text := "The tower fell."
	got, stats := Ground(text, "events", []model.Extraction{
		{EntityType: "event", Name: "fall", Text: "The tower fell", Alignment: "unaligned"},
		{EntityType: "event", Name: "ghost", Text: "a ghost appeared"},
		{EntityType: "event", Name: "empty"},
		{EntityType: "event", Name: "fall", Text: "tower fell", Alignment: "fuzzy"},
	})
	require.Len(t, got, 1)
	assert.Equal(t, model.AlignmentFuzzy, got[0].AlignmentStatus)
	assert.InDelta(t, 0.7, got[0].Confidence, 1e-9)
	assert.Equal(t, Stats{Total: 4, Grounded: 1, Unaligned: 1, Relocated: 1, Unanchored: 2}, stats)
}

func TestGround_SpansReproduceTextWithMultibyte(t *testing.T) {
	text := "Ñandú met Zoë at the café. The café burned."
	got, _ := Ground(text, "lore", []model.Extraction{
		{EntityType: "location", Name: "café", Text: "café"},
		{EntityType: "character", Name: "Zoë", Text: "zoë"},
		{EntityType: "location", Name: "café", Text: "The café", CharStart: intPtr(27), CharEnd: intPtr(35)},
	})
	require.Len(t, got, 3)
	idx := NewTextIndex(text)
	for _, g := range got {
		sub, ok := idx.Slice(g.CharStart, g.CharEnd)
		require.True(t, ok)
		assert.Equal(t, g.ExtractionText, sub)
	}
	assert.Equal(t, 10, got[0].CharStart)
	assert.Equal(t, 21, got[1].CharStart)
	assert.Equal(t, 27, got[2].CharStart)
}

func TestGround_NameDefaultsToText(t *testing.T) {
	got, _ := Ground("Mana Burn hits.", "systems", []model.Extraction{{EntityType: "skill", Text: "Mana Burn"}})
	require.Len(t, got, 1)
	assert.Equal(t, "Mana Burn", got[0].EntityName)
}
