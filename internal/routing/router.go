// Package routing decides which extraction passes run for a chapter. Pure Go,
// no API calls.
package routing

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/loregraph/internal/model"
)

const (
	// DefaultShortTextThreshold is the character count below which every
	// pass runs unconditionally.
	DefaultShortTextThreshold = 2000

	// DefaultLoreThreshold is the minimum lore keyword count for the lore pass.
	DefaultLoreThreshold = 3
	// DefaultEventsThreshold is the minimum event keyword count for the events pass.
	DefaultEventsThreshold = 1
	// DefaultSystemsThreshold applies to genres without progression mechanics.
	DefaultSystemsThreshold = 3
	// DefaultProgressionSystemsThreshold applies to progression genres.
	DefaultProgressionSystemsThreshold = 1
)

// Default keyword lists. Matching is case-insensitive substring counting.
var (
	DefaultSystemKeywords = []string{
		"skill", "level up", "leveled up", "class", "title", "stats",
		"status screen", "experience", "mana", "ability", "attribute",
		"notification",
	}
	DefaultEventKeywords = []string{
		"battle", "fight", "attack", "killed", "died", "death", "ambush",
		"duel", "betray", "escape", "discovered", "revealed", "victory",
		"defeat", "arrived",
	}
	DefaultLoreKeywords = []string{
		"history", "ancient", "legend", "kingdom", "empire", "gods",
		"religion", "prophecy", "dungeon", "continent", "realm", "myth",
		"founded", "dynasty",
	}
	DefaultProgressionGenres = []string{"litrpg", "cultivation", "progression_fantasy"}
)

// Decision is the set of passes selected for one chapter. It is ephemeral and
// never persisted.
type Decision struct {
	set map[model.Pass]bool
}

func newDecision() Decision {
	return Decision{set: make(map[model.Pass]bool, len(model.AllPasses))}
}

func (d Decision) add(p model.Pass) { d.set[p] = true }

// Has reports whether the pass was selected.
func (d Decision) Has(p model.Pass) bool { return d.set[p] }

// Len returns the number of selected passes.
func (d Decision) Len() int { return len(d.set) }

// Passes returns the selected passes in canonical order.
func (d Decision) Passes() []model.Pass {
	out := make([]model.Pass, 0, len(d.set))
	for _, p := range model.AllPasses {
		if d.set[p] {
			out = append(out, p)
		}
	}
	return out
}

// Router holds routing thresholds and keyword lists.
type Router struct {
	ShortTextThreshold          int
	SystemsThreshold            int
	ProgressionSystemsThreshold int
	EventsThreshold             int
	LoreThreshold               int

	SystemKeywords    []string
	EventKeywords     []string
	LoreKeywords      []string
	ProgressionGenres []string
}

// NewRouter returns a Router configured with the default policy.
func NewRouter() *Router {
	return &Router{
		ShortTextThreshold:          DefaultShortTextThreshold,
		SystemsThreshold:            DefaultSystemsThreshold,
		ProgressionSystemsThreshold: DefaultProgressionSystemsThreshold,
		EventsThreshold:             DefaultEventsThreshold,
		LoreThreshold:               DefaultLoreThreshold,
		SystemKeywords:              DefaultSystemKeywords,
		EventKeywords:               DefaultEventKeywords,
		LoreKeywords:                DefaultLoreKeywords,
		ProgressionGenres:           DefaultProgressionGenres,
	}
}

var defaultRouter = NewRouter()

// Route applies the default routing policy.
func Route(text, genre string, regexMatches []byte) Decision {
	return defaultRouter.Route(text, genre, regexMatches)
}

// Route returns the passes to execute for a chapter. The characters pass is
// always selected, and short chapters get every pass because keyword
// heuristics are unreliable on small samples.
func (r *Router) Route(text, genre string, regexMatches []byte) Decision {
	d := newDecision()
	d.add(model.PassCharacters)

	if utf8.RuneCountInString(text) < r.ShortTextThreshold {
		for _, p := range model.AllPasses {
			d.add(p)
		}
		return d
	}

	lower := strings.ToLower(text)

	systemsThreshold := r.SystemsThreshold
	if r.IsProgressionGenre(genre) {
		systemsThreshold = r.ProgressionSystemsThreshold
	}
	if HasRegexHints(regexMatches) || CountKeywords(lower, r.SystemKeywords) >= systemsThreshold {
		d.add(model.PassSystems)
	}

	if CountKeywords(lower, r.EventKeywords) >= r.EventsThreshold {
		d.add(model.PassEvents)
	}

	if CountKeywords(lower, r.LoreKeywords) >= r.LoreThreshold {
		d.add(model.PassLore)
	}

	return d
}

// IsProgressionGenre reports whether genre uses the lower systems threshold.
// "Progression Fantasy" and "progression-fantasy" both match progression_fantasy.
func (r *Router) IsProgressionGenre(genre string) bool {
	g := NormalizeGenre(genre)
	for _, pg := range r.ProgressionGenres {
		if g == pg {
			return true
		}
	}
	return false
}

// NormalizeGenre lower-cases genre and maps spaces and hyphens to underscores.
func NormalizeGenre(genre string) string {
	g := strings.ToLower(strings.TrimSpace(genre))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(g)
}

// CountKeywords sums non-overlapping substring occurrences of every keyword
// in lowerText. Every occurrence counts, including repeats.
func CountKeywords(lowerText string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		n += strings.Count(lowerText, strings.ToLower(kw))
	}
	return n
}

// HasRegexHints reports whether the pre-extracted regex blob carries any
// content. Empty JSON containers and null count as empty.
func HasRegexHints(blob []byte) bool {
	b := bytes.TrimSpace(blob)
	switch string(b) {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	return true
}
