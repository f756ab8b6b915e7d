// Package registry holds the growing cross-chapter memory of known entities,
// their aliases and per-chapter narrative summaries. A Registry is owned by a
// single book job and passed explicitly through the call chain.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/loregraph/internal/model"
)

// SnapshotVersion is the current serialized registry format.
const SnapshotVersion = 1

// UnknownType is stored when an entity is added without a type.
const UnknownType = "unknown"

// Entry is one known entity.
type Entry struct {
	CanonicalName string   `json:"canonical_name"`
	Name          string   `json:"name"`
	EntityType    string   `json:"entity_type"`
	Aliases       []string `json:"aliases"`
	Significance  string   `json:"significance,omitempty"`
	LastSeen      *int     `json:"last_seen_chapter,omitempty"`
}

// ChapterSummary is one entry of the append-only summary log.
type ChapterSummary struct {
	Chapter int    `json:"chapter"`
	Text    string `json:"text"`
}

// AliasConflict records an alias that was not attached because it already
// resolves to a different entity.
type AliasConflict struct {
	Alias    string `json:"alias"`
	Owner    string `json:"owner"`
	Rejected string `json:"rejected"`
}

type entry struct {
	canonical    string
	name         string
	entityType   string
	aliases      map[string]struct{}
	significance string
	lastSeen     *int
}

// Registry maps canonical names to entries and aliases to canonical names.
// Alias collisions are resolved first-writer-wins: an alias already owned by
// another entity (or equal to another entity's canonical name) is not
// attached and is recorded as a conflict instead. A canonical name always
// outranks an alias of the same text.
type Registry struct {
	mu        sync.RWMutex
	entities  map[string]*entry
	aliases   map[string]string
	summaries []ChapterSummary
	conflicts []AliasConflict
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entities: make(map[string]*entry),
		aliases:  make(map[string]string),
	}
}

// Add upserts an entity. New entities are created with the given aliases;
// existing ones gain the aliases (never losing any) and take the
// significance when one is provided. A new canonical name that is already
// another entity's alias takes that string over: the alias is removed from
// its owner and a conflict is recorded.
func (r *Registry) Add(name, entityType string, aliases []string, significance string) error {
	key := Canonicalize(name)
	if key == "" {
		return model.NewValidationError("name", "must not be blank")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[key]
	if !ok {
		r.claimCanonical(key)
		typ := strings.TrimSpace(entityType)
		if typ == "" {
			typ = UnknownType
		}
		e = &entry{
			canonical:  key,
			name:       strings.TrimSpace(name),
			entityType: typ,
			aliases:    make(map[string]struct{}),
		}
		r.entities[key] = e
	}
	for _, a := range aliases {
		r.attachAlias(e, a)
	}
	if s := strings.TrimSpace(significance); s != "" {
		e.significance = s
	}
	return nil
}

// attachAlias must be called with r.mu held.
func (r *Registry) attachAlias(e *entry, alias string) {
	a := normalizeAlias(alias)
	if a == "" || a == e.canonical {
		return
	}
	if _, own := r.entities[a]; own && a != e.canonical {
		r.conflict(a, a, e.canonical)
		return
	}
	if owner, ok := r.aliases[a]; ok {
		if owner != e.canonical {
			r.conflict(a, owner, e.canonical)
		}
		return
	}
	r.aliases[a] = e.canonical
	e.aliases[a] = struct{}{}
}

// claimCanonical must be called with r.mu held. Canonical names outrank
// aliases, so an alias equal to key is taken from its previous owner.
func (r *Registry) claimCanonical(key string) {
	owner, ok := r.aliases[key]
	if !ok {
		return
	}
	delete(r.aliases, key)
	if o, ok := r.entities[owner]; ok {
		delete(o.aliases, key)
	}
	r.conflict(key, key, owner)
}

func (r *Registry) conflict(alias, owner, rejected string) {
	r.conflicts = append(r.conflicts, AliasConflict{Alias: alias, Owner: owner, Rejected: rejected})
	zap.L().Warn("registry: alias collision",
		zap.String("alias", alias),
		zap.String("owner", owner),
		zap.String("rejected", rejected),
	)
}

// resolve must be called with r.mu held.
func (r *Registry) resolve(name string) *entry {
	if e, ok := r.entities[Canonicalize(name)]; ok {
		return e
	}
	if owner, ok := r.aliases[normalizeAlias(name)]; ok {
		return r.entities[owner]
	}
	return nil
}

// Lookup resolves a canonical name or alias, case-insensitively. The returned
// Entry is a copy.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.resolve(name)
	if e == nil {
		return nil, false
	}
	out := e.export()
	return &out, true
}

// UpdateLastSeen records the chapter an entity was last seen in. Unknown
// names are ignored and reported with false.
func (r *Registry) UpdateLastSeen(name string, chapter int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.resolve(name)
	if e == nil {
		return false
	}
	ch := chapter
	e.lastSeen = &ch
	return true
}

// AllNames returns every canonical name followed by every alias, each group
// sorted.
func (r *Registry) AllNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entities))
	for k := range r.entities {
		names = append(names, k)
	}
	sort.Strings(names)
	aliases := make([]string, 0, len(r.aliases))
	for a := range r.aliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return append(names, aliases...)
}

// EntityCount returns the number of distinct canonical names.
func (r *Registry) EntityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// AliasCount returns the number of aliases across all entities.
func (r *Registry) AliasCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.aliases)
}

// Conflicts returns the alias collisions seen so far.
func (r *Registry) Conflicts() []AliasConflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AliasConflict(nil), r.conflicts...)
}

// AddChapterSummary appends a narrative summary to the log.
func (r *Registry) AddChapterSummary(chapter int, text string) error {
	if chapter < 0 {
		return model.NewValidationError("chapter", "must be greater than or equal to 0")
	}
	if strings.TrimSpace(text) == "" {
		return model.NewValidationError("summary", "must not be blank")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, ChapterSummary{Chapter: chapter, Text: text})
	return nil
}

// ChapterSummaries returns the summary log in insertion order.
func (r *Registry) ChapterSummaries() []ChapterSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ChapterSummary(nil), r.summaries...)
}

// Entries returns copies of all entries sorted by canonical name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedEntries()
}

func (r *Registry) sortedEntries() []Entry {
	out := make([]Entry, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e.export())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out
}

// KnownEntities returns the registry in the shape mention detection expects.
func (r *Registry) KnownEntities() []model.KnownEntity {
	entries := r.Entries()
	out := make([]model.KnownEntity, len(entries))
	for i, e := range entries {
		out[i] = model.KnownEntity{
			CanonicalName: e.CanonicalName,
			EntityType:    e.EntityType,
			Name:          e.Name,
			Aliases:       e.Aliases,
		}
	}
	return out
}

// Apply upserts a batch of entity updates. Invalid updates are skipped and
// logged; the number applied is returned.
func (r *Registry) Apply(updates []model.EntityUpdate) int {
	n := 0
	for _, u := range updates {
		if err := r.Add(u.Name, u.EntityType, u.Aliases, u.Significance); err != nil {
			zap.L().Warn("registry: skipping entity update", zap.String("name", u.Name), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// ToPromptContext renders one line per entity, most recently seen first,
// keeping whole lines while the estimated token count (characters/4) stays
// within maxTokens.
func (r *Registry) ToPromptContext(maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	entries := r.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].LastSeen, entries[j].LastSeen
		switch {
		case a != nil && b != nil && *a != *b:
			return *a > *b
		case (a == nil) != (b == nil):
			return a != nil
		}
		return entries[i].CanonicalName < entries[j].CanonicalName
	})

	budget := maxTokens * 4
	var b strings.Builder
	for _, e := range entries {
		line := fmt.Sprintf("- %s (%s)", e.CanonicalName, e.EntityType)
		if e.Significance != "" {
			line += " [" + e.Significance + "]"
		}
		line += "\n"
		if b.Len()+len(line) > budget {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (e *entry) export() Entry {
	aliases := make([]string, 0, len(e.aliases))
	for a := range e.aliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	out := Entry{
		CanonicalName: e.canonical,
		Name:          e.name,
		EntityType:    e.entityType,
		Aliases:       aliases,
		Significance:  e.significance,
	}
	if e.lastSeen != nil {
		ls := *e.lastSeen
		out.LastSeen = &ls
	}
	return out
}
