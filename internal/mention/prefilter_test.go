package mention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loregraph/internal/model"
)

func TestFoldString(t *testing.T) {
	assert.Equal(t, foldString("KAELEN"), foldString("kaelen"))
	assert.Equal(t, foldString("Ärzte"), foldString("äRZTE"))
	// Kelvin sign and long s fold with their ASCII letters under (?i).
	assert.Equal(t, foldString("k"), foldString("K"))
	assert.Equal(t, foldString("s"), foldString("ſ"))
	assert.NotEqual(t, foldString("a"), foldString("b"))
}

func TestAnyTermPresent(t *testing.T) {
	terms := []term{{text: "Ember Blade"}, {text: "Kael"}}

	ok, err := anyTermPresent(terms, "the KAEL of the north")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = anyTermPresent(terms, "nothing here")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = anyTermPresent(nil, "anything")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDetect_NoTermPresentShortCircuits(t *testing.T) {
	got, err := NewDetector().Detect("A quiet road.", []model.KnownEntity{
		{CanonicalName: "kaelen", Name: "Kaelen", EntityType: "character"},
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}
