package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/loregraph/internal/extract"
	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/pipeline"
	"github.com/sells-group/loregraph/internal/resilience"
	"github.com/sells-group/loregraph/internal/store"
	"github.com/sells-group/loregraph/pkg/anthropic"
)

// initStore validates the config for mode and opens the configured store.
func initStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// newPipeline wires the Anthropic extractor and resilience settings from cfg.
func newPipeline(st store.Store) *pipeline.Pipeline {
	ex := extract.New(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic)
	return pipeline.New(cfg.Pipeline, ex, resilience.NewDLQ(st), st,
		resilience.LimitersFromConfig(cfg.Providers),
		pipeline.WithProvider(extract.Provider),
		pipeline.WithRetryPolicy(resilience.PolicyFromConfig(cfg.Retry)),
		pipeline.WithBreakers(resilience.NewBreakers(resilience.BreakerConfigFromConfig(cfg.Circuit))),
	)
}

// loadBook reads a book file. Files ending in .json are decoded as JSON,
// everything else as YAML.
func loadBook(path string) (*model.Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read book %s", path)
	}
	var book model.Book
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &book)
	} else {
		err = yaml.Unmarshal(data, &book)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "parse book %s", path)
	}
	return &book, nil
}

// parseChapterList parses "1,3,5-7" into sorted distinct chapter numbers.
func parseChapterList(s string) ([]int, error) {
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, eris.Errorf("invalid chapter %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || b < a {
				return nil, eris.Errorf("invalid chapter range %q", part)
			}
		}
		for n := a; n <= b; n++ {
			seen[n] = true
		}
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// filterChapters keeps the chapters whose number is in want. An empty want
// keeps everything.
func filterChapters(book *model.Book, want []int) []model.Chapter {
	if len(want) == 0 {
		return book.Chapters
	}
	keep := make(map[int]bool, len(want))
	for _, n := range want {
		keep[n] = true
	}
	var out []model.Chapter
	for _, ch := range book.Chapters {
		if keep[ch.Number] {
			out = append(out, ch)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
