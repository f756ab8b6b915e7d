package registry

import (
	"fmt"
	"slices"

	"github.com/sells-group/loregraph/internal/model"
)

// Snapshot is the serialized, versioned form of a Registry. It is the
// persistence boundary between chapter invocations.
type Snapshot struct {
	Version          int              `json:"version"`
	Entities         []Entry          `json:"entities"`
	ChapterSummaries []ChapterSummary `json:"chapter_summaries"`
	Conflicts        []AliasConflict  `json:"conflicts,omitempty"`
}

// ToDict returns a lossless snapshot of the registry.
func (r *Registry) ToDict() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Version:          SnapshotVersion,
		Entities:         r.sortedEntries(),
		ChapterSummaries: append([]ChapterSummary{}, r.summaries...),
		Conflicts:        append([]AliasConflict(nil), r.conflicts...),
	}
}

// FromDict rebuilds a registry from a snapshot. Canonical names and aliases
// are normalized on the way in. A duplicate canonical name, an alias claimed
// by two entries, or an alias equal to another entry's canonical name is a
// validation error.
func FromDict(s Snapshot) (*Registry, error) {
	if s.Version > SnapshotVersion {
		return nil, model.NewValidationError("version", fmt.Sprintf("unsupported snapshot version %d", s.Version))
	}
	r := New()
	keys := make([]string, len(s.Entities))
	for i, se := range s.Entities {
		key := normalizeAlias(se.CanonicalName)
		if key == "" {
			return nil, model.NewValidationError("entities", fmt.Sprintf("canonical_name must not be blank at position %d", i))
		}
		if _, dup := r.entities[key]; dup {
			return nil, model.NewValidationError("entities", "duplicate canonical_name "+key)
		}
		e := &entry{
			canonical:    key,
			name:         se.Name,
			entityType:   se.EntityType,
			aliases:      make(map[string]struct{}, len(se.Aliases)),
			significance: se.Significance,
		}
		if e.entityType == "" {
			e.entityType = UnknownType
		}
		if se.LastSeen != nil {
			ls := *se.LastSeen
			e.lastSeen = &ls
		}
		r.entities[key] = e
		keys[i] = key
	}

	for i, se := range s.Entities {
		key := keys[i]
		e := r.entities[key]
		for _, raw := range se.Aliases {
			a := normalizeAlias(raw)
			if a == "" || a == key {
				continue
			}
			if _, canonical := r.entities[a]; canonical {
				return nil, model.NewValidationError("entities", fmt.Sprintf("alias %q of %q is the canonical name of another entity", a, key))
			}
			if owner, taken := r.aliases[a]; taken && owner != key {
				return nil, model.NewValidationError("entities", fmt.Sprintf("alias %q claimed by %q and %q", a, owner, key))
			}
			r.aliases[a] = key
			e.aliases[a] = struct{}{}
		}
	}
	r.summaries = append(r.summaries, s.ChapterSummaries...)
	r.conflicts = append(r.conflicts, s.Conflicts...)
	return r, nil
}

// Merge combines registries in the given order into a new registry. Alias
// sets are unioned per canonical name, the latest non-empty significance
// wins, and the highest last-seen chapter is kept. Chapter summaries are
// appended in order, skipping chapters already summarized. Recorded alias
// conflicts are carried over once each. A canonical name in one input that
// is an alias in another keeps its own entity regardless of order.
func Merge(regs ...*Registry) *Registry {
	out := New()
	seenChapters := make(map[int]bool)
	for _, src := range regs {
		if src == nil {
			continue
		}
		snap := src.ToDict()
		for _, se := range snap.Entities {
			out.mergeEntry(se)
		}
		for _, cs := range snap.ChapterSummaries {
			if seenChapters[cs.Chapter] {
				continue
			}
			seenChapters[cs.Chapter] = true
			out.summaries = append(out.summaries, cs)
		}
		for _, c := range snap.Conflicts {
			if !slices.Contains(out.conflicts, c) {
				out.conflicts = append(out.conflicts, c)
			}
		}
	}
	return out
}

func (r *Registry) mergeEntry(se Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := se.CanonicalName
	e, ok := r.entities[key]
	if !ok {
		r.claimCanonical(key)
		e = &entry{
			canonical:  key,
			name:       se.Name,
			entityType: se.EntityType,
			aliases:    make(map[string]struct{}),
		}
		r.entities[key] = e
	}
	for _, a := range se.Aliases {
		r.attachAlias(e, a)
	}
	if se.Significance != "" {
		e.significance = se.Significance
	}
	if se.LastSeen != nil && (e.lastSeen == nil || *se.LastSeen > *e.lastSeen) {
		ls := *se.LastSeen
		e.lastSeen = &ls
	}
}
