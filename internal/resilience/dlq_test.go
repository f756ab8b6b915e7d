package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loregraph/internal/model"
)

func newTestDLQ() *DLQ {
	q := NewDLQ(NewMemoryQueue())
	q.now = func() time.Time { return time.Unix(1700000000, 0) }
	return q
}

func TestDLQ_PushSize(t *testing.T) {
	ctx := context.Background()
	q := newTestDLQ()

	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "b1", Chapter: 1, ErrorType: "permanent", ErrorMessage: "x"}))
	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "b1", Chapter: 2}))

	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := q.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.NotEmpty(t, all[0].ID)
	assert.Equal(t, int64(1700000000), all[0].Timestamp)
	assert.Equal(t, 1, all[0].AttemptCount)

	n, _ = q.Size(ctx)
	assert.Equal(t, 2, n, "ListAll does not remove")
}

func TestDLQ_PushRejectsMalformed(t *testing.T) {
	q := newTestDLQ()
	err := q.Push(context.Background(), DLQEntry{Chapter: 1})
	require.Error(t, err)
	assert.True(t, model.IsValidationError(err))

	err = q.Push(context.Background(), DLQEntry{BookID: "b", Chapter: -1})
	assert.True(t, model.IsValidationError(err))
}

func TestDLQ_PushFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestDLQ()
	e, err := q.PushFailure(ctx, "b1", 4, NewTransientError(errors.New("503 from provider"), 503), 2,
		map[string]any{MetaFailedPasses: []string{"lore"}})
	require.NoError(t, err)
	assert.Equal(t, ErrorTypeTransient, e.ErrorType)
	assert.Equal(t, "503 from provider", e.ErrorMessage)
	assert.Equal(t, 2, e.AttemptCount)
	assert.Equal(t, []string{"lore"}, e.MetaStrings(MetaFailedPasses))

	all, _ := q.ListAll(ctx)
	require.Len(t, all, 1)
	assert.Equal(t, e.ID, all[0].ID)
}

func TestDLQ_PopFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestDLQ()
	for ch := 1; ch <= 3; ch++ {
		require.NoError(t, q.Push(ctx, DLQEntry{BookID: "b", Chapter: ch}))
	}
	for ch := 1; ch <= 3; ch++ {
		e, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, ch, e.Chapter)
	}
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, ErrDLQEmpty)
}

func TestDLQ_RemoveByBookChapter(t *testing.T) {
	ctx := context.Background()
	q := newTestDLQ()
	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "a", Chapter: 1}))
	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "a", Chapter: 2}))
	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "a", Chapter: 1, AttemptCount: 2}))
	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "b", Chapter: 1}))

	n, err := q.RemoveByBookChapter(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, _ := q.ListAll(ctx)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].BookID)
	assert.Equal(t, 2, all[0].Chapter)
	assert.Equal(t, "b", all[1].BookID)

	n, err = q.RemoveByBookChapter(ctx, "zzz", 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDLQ_Clear(t *testing.T) {
	ctx := context.Background()
	q := newTestDLQ()
	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "a", Chapter: 1}))
	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "a", Chapter: 2}))

	n, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	size, _ := q.Size(ctx)
	assert.Zero(t, size)

	n, err = q.Clear(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDLQ_ListByBook(t *testing.T) {
	ctx := context.Background()
	q := newTestDLQ()
	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "a", Chapter: 1}))
	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "b", Chapter: 1}))
	require.NoError(t, q.Push(ctx, DLQEntry{BookID: "a", Chapter: 3}))

	got, err := q.ListByBook(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[1].Chapter)
}

func TestDLQEntry_MetaStrings(t *testing.T) {
	e := DLQEntry{Metadata: map[string]any{
		"typed":   []string{"a"},
		"decoded": []any{"b", 3, "c"},
		"scalar":  "x",
	}}
	assert.Equal(t, []string{"a"}, e.MetaStrings("typed"))
	assert.Equal(t, []string{"b", "c"}, e.MetaStrings("decoded"))
	assert.Nil(t, e.MetaStrings("scalar"))
	assert.Nil(t, e.MetaStrings("missing"))
}
