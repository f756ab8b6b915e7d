package mention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loregraph/internal/grounding"
	"github.com/sells-group/loregraph/internal/model"
)

func hunter() model.KnownEntity {
	return model.KnownEntity{
		CanonicalName: "The Hunter",
		EntityType:    "character",
		Name:          "The Hunter",
		Aliases:       []string{"Hunter"},
	}
}

func TestDetect_LongestTermWins(t *testing.T) {
	text := "The Hunter met the hunter. Hunter ran."
	got, err := Detect(text, []model.KnownEntity{hunter()})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 0, got[0].CharStart)
	assert.Equal(t, 10, got[0].CharEnd)
	assert.Equal(t, "The Hunter", got[0].ExtractionText)
	assert.Equal(t, model.MentionDirectName, got[0].MentionType)

	assert.Equal(t, 15, got[1].CharStart)
	assert.Equal(t, 25, got[1].CharEnd)
	assert.Equal(t, "the hunter", got[1].ExtractionText)
	assert.Equal(t, model.MentionDirectName, got[1].MentionType)

	assert.Equal(t, 27, got[2].CharStart)
	assert.Equal(t, 33, got[2].CharEnd)
	assert.Equal(t, model.MentionAlias, got[2].MentionType)

	for _, g := range got {
		assert.Equal(t, "The Hunter", g.EntityName)
		assert.Equal(t, "character", g.EntityType)
		assert.Equal(t, PassName, g.PassName)
		assert.Equal(t, model.AlignmentExact, g.AlignmentStatus)
		assert.InDelta(t, 1.0, g.Confidence, 1e-9)
	}
}

func TestDetect_SpansReproduceText(t *testing.T) {
	text := "Ñora whispered to Zoë. Later, zoë answered Ñora."
	entities := []model.KnownEntity{
		{CanonicalName: "Zoë", EntityType: "character", Name: "Zoë"},
		{CanonicalName: "Ñora", EntityType: "character", Name: "Ñora"},
	}
	got, err := Detect(text, entities)
	require.NoError(t, err)
	require.Len(t, got, 4)

	idx := grounding.NewTextIndex(text)
	for _, g := range got {
		require.GreaterOrEqual(t, g.CharStart, 0)
		require.LessOrEqual(t, g.CharEnd, idx.Len())
		sub, ok := idx.Slice(g.CharStart, g.CharEnd)
		require.True(t, ok)
		assert.Equal(t, g.ExtractionText, sub)
	}
	assert.Equal(t, "Ñora", got[0].EntityName)
	assert.Equal(t, 0, got[0].CharStart)
	assert.Equal(t, 4, got[0].CharEnd)
	assert.Equal(t, "Zoë", got[1].EntityName)
	assert.Equal(t, 18, got[1].CharStart)
}

func TestDetect_WordBoundaries(t *testing.T) {
	entities := []model.KnownEntity{{CanonicalName: "Kai", EntityType: "character", Name: "Kai"}}
	got, err := Detect("Kaiser and Makai met Kai.", entities)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 21, got[0].CharStart)
}

func TestDetect_NonOverlappingAcrossEntities(t *testing.T) {
	entities := []model.KnownEntity{
		{CanonicalName: "Iron Guard", EntityType: "faction", Name: "Iron Guard"},
		{CanonicalName: "Iron", EntityType: "item", Name: "Iron"},
	}
	got, err := Detect("The Iron Guard sold iron.", entities)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Iron Guard", got[0].EntityName)
	assert.Equal(t, "Iron", got[1].EntityName)
	assert.Equal(t, 20, got[1].CharStart)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].CharStart, got[i-1].CharEnd)
	}
}

func TestDetect_CanonicalDistinctFromName(t *testing.T) {
	entities := []model.KnownEntity{{CanonicalName: "Elara Voss", EntityType: "character", Name: "Elara"}}
	got, err := Detect("Elara Voss drew. Elara smiled.", entities)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Elara Voss", got[0].ExtractionText)
	assert.Equal(t, "Elara", got[1].ExtractionText)
	assert.Equal(t, model.MentionDirectName, got[0].MentionType)
	assert.Equal(t, model.MentionDirectName, got[1].MentionType)
}

func TestDetect_Deterministic(t *testing.T) {
	text := "The Hunter met the hunter. Hunter ran."
	a, err := Detect(text, []model.KnownEntity{hunter()})
	require.NoError(t, err)
	b, err := Detect(text, []model.KnownEntity{hunter()})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDetect_ShortTermsIgnored(t *testing.T) {
	entities := []model.KnownEntity{{CanonicalName: "Q", EntityType: "character", Name: "Q", Aliases: []string{"q"}}}
	got, err := Detect("Q said hi.", entities)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDetect_EmptyInputs(t *testing.T) {
	got, err := Detect("", []model.KnownEntity{hunter()})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = Detect("anything", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDetect_StopwordFilter(t *testing.T) {
	entities := []model.KnownEntity{{
		CanonicalName: "Marcus",
		EntityType:    "character",
		Name:          "Marcus",
		Aliases:       []string{"he"},
	}}
	text := "Marcus ran. He fell."

	got, err := Detect(text, entities)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = NewDetector(WithStopwordFilter()).Detect(text, entities)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Marcus", got[0].ExtractionText)
}

func TestDetect_RejectsBlankCanonical(t *testing.T) {
	_, err := Detect("text", []model.KnownEntity{{CanonicalName: "", Name: "x"}})
	require.Error(t, err)
	assert.True(t, model.IsValidationError(err))

	_, err = Detect("text", []model.KnownEntity{{CanonicalName: "   ", Name: "x"}})
	require.Error(t, err)
	assert.True(t, model.IsValidationError(err))
}
