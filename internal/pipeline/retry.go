package pipeline

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/registry"
	"github.com/sells-group/loregraph/internal/resilience"
)

// RetryReport summarizes one RetryDLQ run.
type RetryReport struct {
	Retried   int `json:"retried"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RetryDLQ reprocesses the book's dead-lettered chapters. Only the passes
// recorded as failed are re-run. Entries that reached the attempt limit or
// whose chapter is no longer in the book are left in place.
func (p *Pipeline) RetryDLQ(ctx context.Context, book *model.Book, reg *registry.Registry) (*RetryReport, error) {
	if book == nil || book.ID == "" {
		return nil, ErrBookMissing
	}
	entries, err := p.dlq.ListByBook(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		if reg, err = p.LoadRegistry(ctx, book.ID); err != nil {
			return nil, err
		}
	}

	chapters := make(map[int]model.Chapter, len(book.Chapters))
	for _, ch := range book.Chapters {
		chapters[ch.Number] = chapterDefaults(book, ch)
	}

	log := zap.L().With(zap.String("book_id", book.ID))
	report := &RetryReport{}
	status := p.loadStatus(ctx, book)

	for _, e := range latestPerChapter(entries) {
		if err := ctx.Err(); err != nil {
			return report, eris.Wrap(err, "pipeline: dlq retry interrupted")
		}
		ch, ok := chapters[e.Chapter]
		if !ok || (p.cfg.MaxDLQAttempts > 0 && e.AttemptCount >= p.cfg.MaxDLQAttempts) {
			report.Skipped++
			log.Info("pipeline: dlq entry skipped",
				zap.Int("chapter", e.Chapter),
				zap.Int("attempt", e.AttemptCount),
				zap.Bool("chapter_present", ok),
			)
			continue
		}

		if _, err := p.dlq.RemoveByBookChapter(ctx, book.ID, e.Chapter); err != nil {
			return report, err
		}
		report.Retried++

		only := parsePasses(e.MetaStrings(resilience.MetaFailedPasses))
		completed := parsePasses(e.MetaStrings(resilience.MetaCompletedPasses))
		res, err := p.processChapter(ctx, ch, reg, only)

		// A chapter with no completed passes had failed outright.
		wasFailed := len(completed) == 0
		var scratch model.BookStatus
		p.record(ctx, &scratch, res, err, e.AttemptCount+1, completed)
		if err == nil {
			p.saveRegistry(ctx, book.ID, reg)
		}
		if err != nil || res.Partial() {
			report.Failed++
		} else {
			report.Recovered++
		}
		if status != nil {
			adjustStatus(status, wasFailed, err, res)
		}
	}

	if status != nil {
		status.Finalize()
		p.putStatus(ctx, status)
	}
	log.Info("pipeline: dlq retry finished",
		zap.Int("retried", report.Retried),
		zap.Int("recovered", report.Recovered),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

func (p *Pipeline) loadStatus(ctx context.Context, book *model.Book) *model.BookStatus {
	st, err := p.store.GetBookStatus(ctx, book.ID)
	if err != nil {
		return nil
	}
	return st
}

// adjustStatus moves one chapter between the status counters after a retry.
// wasFailed reports whether the chapter had failed outright before.
func adjustStatus(st *model.BookStatus, wasFailed bool, err error, res *model.ChapterResult) {
	if wasFailed {
		if err != nil {
			return
		}
		st.FailedChapters--
		st.ProcessedChapters++
		if res.Partial() {
			st.PartialChapters++
		}
		return
	}
	if err == nil && !res.Partial() && st.PartialChapters > 0 {
		st.PartialChapters--
	}
}

// latestPerChapter keeps the entry with the highest attempt count per
// chapter, ordered by chapter.
func latestPerChapter(entries []resilience.DLQEntry) []resilience.DLQEntry {
	byChapter := make(map[int]resilience.DLQEntry, len(entries))
	for _, e := range entries {
		if cur, ok := byChapter[e.Chapter]; !ok || e.AttemptCount >= cur.AttemptCount {
			byChapter[e.Chapter] = e
		}
	}
	out := make([]resilience.DLQEntry, 0, len(byChapter))
	for _, e := range byChapter {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chapter < out[j].Chapter })
	return out
}

func parsePasses(names []string) []model.Pass {
	var out []model.Pass
	for _, n := range names {
		if p, ok := model.ParsePass(n); ok {
			out = append(out, p)
		}
	}
	return out
}
