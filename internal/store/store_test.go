package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loregraph/internal/config"
	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/registry"
	"github.com/sells-group/loregraph/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every embedded backend under test.
func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": newTestSQLiteStore(t),
		"badger": newTestBadgerStore(t),
	}
}

func TestStores_DLQ(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q := resilience.NewDLQ(s)

			_, err := q.Pop(ctx)
			assert.ErrorIs(t, err, resilience.ErrDLQEmpty)

			for ch := 1; ch <= 3; ch++ {
				require.NoError(t, q.Push(ctx, resilience.DLQEntry{
					BookID:       "book-1",
					Chapter:      ch,
					ErrorType:    resilience.ErrorTypeTransient,
					ErrorMessage: "503",
					Metadata: map[string]any{
						resilience.MetaFailedPasses: []string{"lore"},
					},
				}))
			}
			require.NoError(t, q.Push(ctx, resilience.DLQEntry{BookID: "book-2", Chapter: 1}))

			size, err := q.Size(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, size)

			all, err := q.ListAll(ctx)
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, 1, all[0].Chapter)
			assert.Equal(t, "book-2", all[3].BookID)
			assert.Equal(t, []string{"lore"}, all[0].MetaStrings(resilience.MetaFailedPasses))
			assert.Equal(t, 1, all[0].AttemptCount)

			e, err := q.Pop(ctx)
			require.NoError(t, err)
			assert.Equal(t, all[0].ID, e.ID)
			assert.Equal(t, "503", e.ErrorMessage)

			n, err := q.RemoveByBookChapter(ctx, "book-1", 2)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			rest, err := q.ListAll(ctx)
			require.NoError(t, err)
			require.Len(t, rest, 2)
			assert.Equal(t, 3, rest[0].Chapter)

			n, err = q.Clear(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			size, err = q.Size(ctx)
			require.NoError(t, err)
			assert.Zero(t, size)
		})
	}
}

func TestStores_RegistrySnapshot(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.LoadRegistry(ctx, "book-1")
			assert.ErrorIs(t, err, ErrNotFound)

			reg := registry.New()
			require.NoError(t, reg.Add("Elara Voss", "character", []string{"Elara"}, "protagonist"))
			require.NoError(t, reg.Add("Iron Guard", "faction", nil, ""))
			reg.UpdateLastSeen("Elara", 4)
			require.NoError(t, reg.AddChapterSummary(4, "Elara joins the guard."))

			require.NoError(t, s.SaveRegistry(ctx, "book-1", reg.ToDict()))
			require.NoError(t, reg.Add("Marcus", "character", nil, ""))

			snap, err := s.LoadRegistry(ctx, "book-1")
			require.NoError(t, err)
			restored, err := registry.FromDict(*snap)
			require.NoError(t, err)
			assert.Equal(t, 2, restored.EntityCount())

			e, ok := restored.Lookup("elara")
			require.True(t, ok)
			assert.Equal(t, "elara voss", e.CanonicalName)
			require.NotNil(t, e.LastSeen)
			assert.Equal(t, 4, *e.LastSeen)
			assert.Len(t, restored.ChapterSummaries(), 1)

			require.NoError(t, s.SaveRegistry(ctx, "book-1", reg.ToDict()))
			snap, err = s.LoadRegistry(ctx, "book-1")
			require.NoError(t, err)
			assert.Len(t, snap.Entities, 3)
		})
	}
}

func TestStores_BookStatus(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetBookStatus(ctx, "book-1")
			assert.ErrorIs(t, err, ErrNotFound)

			st := model.BookStatus{BookID: "book-1", Status: model.BookStatusRunning, TotalChapters: 3, UpdatedAt: at}
			require.NoError(t, s.PutBookStatus(ctx, st))

			st.ProcessedChapters = 2
			st.FailedChapters = 1
			st.Finalize()
			require.NoError(t, s.PutBookStatus(ctx, st))

			got, err := s.GetBookStatus(ctx, "book-1")
			require.NoError(t, err)
			assert.Equal(t, model.BookStatusPartial, got.Status)
			assert.Equal(t, 3, got.TotalChapters)
			assert.Equal(t, 2, got.ProcessedChapters)
			assert.Equal(t, 1, got.FailedChapters)
			assert.True(t, at.Equal(got.UpdatedAt))
		})
	}
}

func grounded(pass, name string, start int) model.GroundedEntity {
	return model.GroundedEntity{
		EntityType:      "character",
		EntityName:      name,
		ExtractionText:  name,
		CharStart:       start,
		CharEnd:         start + len(name),
		PassName:        pass,
		AlignmentStatus: model.AlignmentExact,
		Confidence:      1.0,
	}
}

func TestStores_GroundedEntitiesReplacePerPass(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			withAttrs := grounded("characters", "Elara", 10)
			withAttrs.Attributes = map[string]any{"role": "scout"}
			mention := grounded("mention_detection", "Elara", 10)
			mention.MentionType = model.MentionAlias

			n, err := s.SaveGroundedEntities(ctx, "book-1", 1, []model.GroundedEntity{
				withAttrs, grounded("characters", "Marcus", 30), mention,
			})
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			// Re-running characters replaces only that pass.
			n, err = s.SaveGroundedEntities(ctx, "book-1", 1, []model.GroundedEntity{grounded("characters", "Kai", 5)})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = s.SaveGroundedEntities(ctx, "book-1", 2, []model.GroundedEntity{grounded("lore", "Aldmoor", 0)})
			require.NoError(t, err)

			got, err := s.ListGroundedEntities(ctx, "book-1", 1)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "Kai", got[0].EntityName)
			assert.Equal(t, "mention_detection", got[1].PassName)
			assert.Equal(t, model.MentionAlias, got[1].MentionType)
			assert.Equal(t, model.AlignmentExact, got[1].AlignmentStatus)

			n, err = s.SaveGroundedEntities(ctx, "book-1", 1, nil)
			require.NoError(t, err)
			assert.Zero(t, n)

			empty, err := s.ListGroundedEntities(ctx, "book-9", 1)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStores_GroundedAttributesRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			e := grounded("systems", "Mana Burn", 3)
			e.Attributes = map[string]any{"rank": "F"}
			_, err := s.SaveGroundedEntities(ctx, "b", 0, []model.GroundedEntity{e})
			require.NoError(t, err)

			got, err := s.ListGroundedEntities(ctx, "b", 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "F", got[0].Attributes["rank"])
			assert.InDelta(t, 1.0, got[0].Confidence, 1e-9)
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "lg.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, config.StoreConfig{Driver: "badger", Path: filepath.Join(t.TempDir(), "kv")})
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "mongo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")

	_, err = Open(ctx, config.StoreConfig{Driver: "sqlite"})
	require.Error(t, err)
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	q := resilience.NewDLQ(s)
	require.NoError(t, q.Push(ctx, resilience.DLQEntry{BookID: "b", Chapter: 1}))
	require.NoError(t, q.Push(ctx, resilience.DLQEntry{BookID: "b", Chapter: 2}))
	require.NoError(t, s.Close())

	s, err = NewBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	q = resilience.NewDLQ(s)
	require.NoError(t, q.Push(ctx, resilience.DLQEntry{BookID: "b", Chapter: 3}))

	all, err := q.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, i+1, e.Chapter)
	}
}
