package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/loregraph/internal/bluebox"
	"github.com/sells-group/loregraph/internal/grounding"
	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/registry"
	"github.com/sells-group/loregraph/internal/resilience"
)

// passSlot holds one pass's outcome. Each goroutine writes only its own slot.
type passSlot struct {
	pass     model.Pass
	output   *model.PassOutput
	grounded []model.GroundedEntity
	stats    grounding.Stats
	err      error
}

// ProcessChapter runs every routed pass for ch and merges the results into
// reg. When every pass fails nothing is committed and the error is
// returned alongside the result; when some fail, the successful passes are
// committed and the failures are listed in result.Errors.
func (p *Pipeline) ProcessChapter(ctx context.Context, ch model.Chapter, reg *registry.Registry) (*model.ChapterResult, error) {
	return p.processChapter(ctx, ch, reg, nil)
}

// processChapter restricts the routed passes to only when only is non-empty.
func (p *Pipeline) processChapter(ctx context.Context, ch model.Chapter, reg *registry.Registry, only []model.Pass) (*model.ChapterResult, error) {
	start := p.now()
	res := &model.ChapterResult{BookID: ch.BookID, Chapter: ch.Number}
	if reg == nil {
		return res, model.NewValidationError("registry", "is required")
	}
	if err := model.Validate(ch); err != nil {
		return res, err
	}
	log := zap.L().With(zap.String("book_id", ch.BookID), zap.Int("chapter", ch.Number))

	res.Routed = restrict(p.router.Route(ch.Text, ch.Genre, ch.Hints()).Passes(), only)

	boxes, err := bluebox.Group(ch.Paragraphs)
	if err != nil {
		return res, eris.Wrap(err, "pipeline: group blue boxes")
	}
	res.BlueBoxes = boxes

	mentions, err := p.detector.Detect(ch.Text, reg.KnownEntities())
	if err != nil {
		return res, eris.Wrap(err, "pipeline: detect mentions")
	}

	log.Info("pipeline: chapter routed",
		zap.Strings("passes", passStrings(res.Routed)),
		zap.Int("blue_boxes", len(boxes)),
		zap.Int("mentions", len(mentions)),
	)

	slots := p.runPasses(ctx, ch, reg, res.Routed, boxes)

	// Fan-in: concatenate in fixed pass order.
	grounded := append([]model.GroundedEntity{}, mentions...)
	var (
		updates  []model.EntityUpdate
		summary  string
		firstErr error
	)
	for _, s := range slots {
		if s.err != nil {
			res.Errors = append(res.Errors, model.PassError{
				Pass:      s.pass,
				ErrorType: resilience.ErrorTypeOf(s.err),
				Message:   s.err.Error(),
			})
			if firstErr == nil {
				firstErr = s.err
			}
			log.Warn("pipeline: pass failed", zap.String("pass", string(s.pass)), zap.Error(s.err))
			continue
		}
		res.CompletedPasses = append(res.CompletedPasses, s.pass)
		grounded = append(grounded, s.grounded...)
		updates = append(updates, s.output.Entities...)
		res.Skipped += s.stats.Unaligned + s.stats.Unanchored + s.stats.Duplicates
		if summary == "" {
			summary = s.output.Summary
		}
	}
	res.Duration = p.now().Sub(start)

	if len(res.CompletedPasses) == 0 && len(res.Routed) > 0 {
		return res, eris.Wrapf(firstErr, "pipeline: chapter %d: all passes failed", ch.Number)
	}

	if _, err := p.store.SaveGroundedEntities(ctx, ch.BookID, ch.Number, grounded); err != nil {
		return res, eris.Wrap(err, "pipeline: persist grounded entities")
	}
	res.Grounded = grounded
	p.commit(reg, ch.Number, updates, grounded, summary)

	log.Info("pipeline: chapter committed",
		zap.Int("grounded", len(grounded)),
		zap.Int("entity_updates", len(updates)),
		zap.Int("failed_passes", len(res.Errors)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// runPasses fans the passes out and waits for all of them. A failing pass
// does not cancel its siblings.
func (p *Pipeline) runPasses(ctx context.Context, ch model.Chapter, reg *registry.Registry, passes []model.Pass, boxes []model.BlueBoxGroup) []passSlot {
	base := model.PassRequest{
		Chapter:         ch,
		RegistryContext: reg.ToPromptContext(p.cfg.ContextMaxTokens),
		PriorSummaries:  priorSummaries(reg, ch.Number, p.cfg.SummaryContext),
		BlueBoxes:       boxes,
	}
	wantSummary := !hasSummary(reg, ch.Number)

	lim := p.limiters.Get(p.provider)
	br := p.breakers.Get(p.provider)
	slots := make([]passSlot, len(passes))

	var g errgroup.Group
	for i, pass := range passes {
		req := base
		req.Pass = pass
		req.WantSummary = wantSummary && i == 0
		g.Go(func() error {
			slots[i].pass = pass
			out, err := resilience.CallProvider(ctx, lim, br, p.retry, func(ctx context.Context) (*model.PassOutput, error) {
				return p.extractor.Extract(ctx, req)
			})
			if err == nil && out == nil {
				err = eris.Errorf("pipeline: %s returned no output", pass)
			}
			if err != nil {
				slots[i].err = err
				return nil
			}
			slots[i].output = out
			slots[i].grounded, slots[i].stats = grounding.Ground(ch.Text, string(pass), out.Extractions)
			return nil
		})
	}
	_ = g.Wait()
	return slots
}

// commit is the single registry mutation point for a chapter.
func (p *Pipeline) commit(reg *registry.Registry, chapter int, updates []model.EntityUpdate, grounded []model.GroundedEntity, summary string) {
	reg.Apply(updates)
	for _, e := range grounded {
		reg.UpdateLastSeen(e.EntityName, chapter)
	}
	if summary != "" {
		if err := reg.AddChapterSummary(chapter, summary); err != nil {
			zap.L().Warn("pipeline: dropping chapter summary", zap.Int("chapter", chapter), zap.Error(err))
		}
	}
}

// restrict keeps the routed passes that appear in only. An empty only keeps
// everything.
func restrict(routed, only []model.Pass) []model.Pass {
	if len(only) == 0 {
		return routed
	}
	want := make(map[model.Pass]bool, len(only))
	for _, p := range only {
		want[p] = true
	}
	var out []model.Pass
	for _, p := range routed {
		if want[p] {
			out = append(out, p)
		}
	}
	return out
}

func priorSummaries(reg *registry.Registry, chapter, n int) []string {
	if n <= 0 {
		return nil
	}
	var out []string
	for _, s := range reg.ChapterSummaries() {
		if s.Chapter < chapter {
			out = append(out, s.Text)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func hasSummary(reg *registry.Registry, chapter int) bool {
	for _, s := range reg.ChapterSummaries() {
		if s.Chapter == chapter {
			return true
		}
	}
	return false
}

func passStrings(passes []model.Pass) []string {
	out := make([]string, len(passes))
	for i, p := range passes {
		out[i] = string(p)
	}
	return out
}
