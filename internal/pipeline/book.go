package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/registry"
	"github.com/sells-group/loregraph/internal/resilience"
	"github.com/sells-group/loregraph/internal/store"
)

// LoadRegistry restores the book's registry snapshot, or returns an empty
// registry when none has been saved.
func (p *Pipeline) LoadRegistry(ctx context.Context, bookID string) (*registry.Registry, error) {
	snap, err := p.store.LoadRegistry(ctx, bookID)
	if errors.Is(err, store.ErrNotFound) {
		return registry.New(), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load registry %s", bookID)
	}
	return registry.FromDict(*snap)
}

// ProcessBook extracts every chapter in order. A chapter that fails is
// pushed to the DLQ and the job moves on; only a missing book or an empty
// chapter list fails the whole job. A nil reg is loaded from the store.
func (p *Pipeline) ProcessBook(ctx context.Context, book *model.Book, reg *registry.Registry) (*model.BookResult, error) {
	if book == nil || strings.TrimSpace(book.ID) == "" {
		return nil, ErrBookMissing
	}
	if len(book.Chapters) == 0 {
		return nil, eris.Wrapf(ErrNoChapters, "book %s", book.ID)
	}
	if reg == nil {
		var err error
		if reg, err = p.LoadRegistry(ctx, book.ID); err != nil {
			return nil, err
		}
	}

	log := zap.L().With(zap.String("book_id", book.ID))
	result := &model.BookResult{Status: model.BookStatus{
		BookID:        book.ID,
		Status:        model.BookStatusRunning,
		TotalChapters: len(book.Chapters),
	}}
	p.putStatus(ctx, &result.Status)
	log.Info("pipeline: book started", zap.Int("chapters", len(book.Chapters)))

	for _, ch := range book.Chapters {
		if err := ctx.Err(); err != nil {
			log.Warn("pipeline: book interrupted", zap.Error(err))
			p.putStatus(ctx, &result.Status)
			return result, eris.Wrap(err, "pipeline: book interrupted")
		}
		ch = chapterDefaults(book, ch)

		res, err := p.ProcessChapter(ctx, ch, reg)
		result.Chapters = append(result.Chapters, res)
		p.record(ctx, &result.Status, res, err, 1, nil)
		if err == nil {
			p.saveRegistry(ctx, book.ID, reg)
		}
		p.putStatus(ctx, &result.Status)
	}

	result.Status.Finalize()
	p.putStatus(ctx, &result.Status)
	log.Info("pipeline: book finished",
		zap.String("status", string(result.Status.Status)),
		zap.Int("processed", result.Status.ProcessedChapters),
		zap.Int("partial", result.Status.PartialChapters),
		zap.Int("failed", result.Status.FailedChapters),
	)
	return result, nil
}

// record updates the counters for one chapter outcome and pushes failures
// to the DLQ. completed carries passes finished by earlier attempts.
func (p *Pipeline) record(ctx context.Context, st *model.BookStatus, res *model.ChapterResult, err error, attempt int, completed []model.Pass) {
	switch {
	case err != nil:
		st.FailedChapters++
		p.pushDLQ(ctx, res, resilience.ErrorTypeOf(err), err.Error(), attempt, res.Routed, completed)
	case res.Partial():
		st.ProcessedChapters++
		st.PartialChapters++
		failed := make([]model.Pass, 0, len(res.Errors))
		for _, e := range res.Errors {
			failed = append(failed, e.Pass)
		}
		first := res.Errors[0]
		p.pushDLQ(ctx, res, first.ErrorType, first.Message, attempt, failed, unionPasses(completed, res.CompletedPasses))
	default:
		st.ProcessedChapters++
	}
}

func (p *Pipeline) pushDLQ(ctx context.Context, res *model.ChapterResult, errType, msg string, attempt int, failed, completed []model.Pass) {
	e := resilience.DLQEntry{
		BookID:       res.BookID,
		Chapter:      res.Chapter,
		ErrorType:    errType,
		ErrorMessage: msg,
		AttemptCount: attempt,
		Metadata: map[string]any{
			resilience.MetaFailedPasses:    passStrings(failed),
			resilience.MetaCompletedPasses: passStrings(completed),
		},
	}
	// The push must land even when the job context was canceled.
	if err := p.dlq.Push(context.WithoutCancel(ctx), e); err != nil {
		zap.L().Error("pipeline: dlq push failed",
			zap.String("book_id", res.BookID),
			zap.Int("chapter", res.Chapter),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) saveRegistry(ctx context.Context, bookID string, reg *registry.Registry) {
	if err := p.store.SaveRegistry(ctx, bookID, reg.ToDict()); err != nil {
		zap.L().Error("pipeline: save registry snapshot", zap.String("book_id", bookID), zap.Error(err))
	}
}

func (p *Pipeline) putStatus(ctx context.Context, st *model.BookStatus) {
	st.UpdatedAt = p.now().UTC()
	if err := p.store.PutBookStatus(context.WithoutCancel(ctx), *st); err != nil {
		zap.L().Warn("pipeline: save book status", zap.String("book_id", st.BookID), zap.Error(err))
	}
}

// chapterDefaults fills book-level fields the chapter record omits.
func chapterDefaults(book *model.Book, ch model.Chapter) model.Chapter {
	if ch.BookID == "" {
		ch.BookID = book.ID
	}
	if ch.Genre == "" {
		ch.Genre = book.Genre
	}
	if ch.SeriesName == "" {
		ch.SeriesName = book.SeriesName
	}
	return ch
}

// unionPasses merges b into a, keeping canonical pass order.
func unionPasses(a, b []model.Pass) []model.Pass {
	seen := make(map[model.Pass]bool, len(a)+len(b))
	for _, p := range a {
		seen[p] = true
	}
	for _, p := range b {
		seen[p] = true
	}
	out := make([]model.Pass, 0, len(seen))
	for _, p := range model.AllPasses {
		if seen[p] {
			out = append(out, p)
		}
	}
	return out
}
