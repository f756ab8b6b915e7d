// Package store persists extraction state: the dead letter queue, registry
// snapshots, book progress and grounded entities.
package store

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loregraph/internal/config"
	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/registry"
	"github.com/sells-group/loregraph/internal/resilience"
)

// ErrNotFound is returned when a registry snapshot or book status does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	resilience.DLQBackend

	// Registry snapshots
	SaveRegistry(ctx context.Context, bookID string, snap registry.Snapshot) error
	LoadRegistry(ctx context.Context, bookID string) (*registry.Snapshot, error)

	// Book progress
	PutBookStatus(ctx context.Context, status model.BookStatus) error
	GetBookStatus(ctx context.Context, bookID string) (*model.BookStatus, error)

	// Grounded entities. Saving replaces the rows of every pass present in
	// ents for that chapter, so re-running a pass does not duplicate output.
	SaveGroundedEntities(ctx context.Context, bookID string, chapter int, ents []model.GroundedEntity) (int, error)
	ListGroundedEntities(ctx context.Context, bookID string, chapter int) ([]model.GroundedEntity, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open builds the backend named by cfg.Driver and migrates it.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		s = NewMemory()
	case "sqlite":
		s, err = NewSQLite(cfg.Path)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	case "badger":
		s, err = NewBadger(BadgerOptions{Path: cfg.Path, SyncWrites: true, Logger: zap.L().Named("badger")})
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// passNames returns the distinct pass names in ents, sorted.
func passNames(ents []model.GroundedEntity) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range ents {
		if !seen[e.PassName] {
			seen[e.PassName] = true
			out = append(out, e.PassName)
		}
	}
	sort.Strings(out)
	return out
}

// sortGrounded orders entities by pass name then span start.
func sortGrounded(ents []model.GroundedEntity) {
	sort.SliceStable(ents, func(i, j int) bool {
		if ents[i].PassName != ents[j].PassName {
			return ents[i].PassName < ents[j].PassName
		}
		return ents[i].CharStart < ents[j].CharStart
	})
}
