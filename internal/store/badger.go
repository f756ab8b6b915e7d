package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/registry"
	"github.com/sells-group/loregraph/internal/resilience"
)

// BadgerOptions configures the embedded key-value backend.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's internal logs. Nil disables them.
	Logger *zap.Logger
}

// BadgerStore implements Store on an embedded badger database.
//
// Key layout:
//
//	dlq/<queue>/<seq>                       JSON DLQ entry, seq zero-padded
//	snapshot/<book>                         JSON registry snapshot
//	status/<book>                           JSON book status
//	grounded/<book>\x00<chapter>\x00<pass>  JSON array of grounded entities
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// zapBadgerLogger adapts zap to badger's Logger interface. Badger is chatty
// at info level, so info is demoted to debug.
type zapBadgerLogger struct {
	s *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(strings.TrimSpace(format), args...) }
func (l zapBadgerLogger) Warningf(format string, args ...any) { l.s.Warnf(strings.TrimSpace(format), args...) }
func (l zapBadgerLogger) Infof(format string, args ...any)    { l.s.Debugf(strings.TrimSpace(format), args...) }
func (l zapBadgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(strings.TrimSpace(format), args...) }

// NewBadger opens a badger database at opts.Path, or in memory.
func NewBadger(opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, eris.New("badger: path is required for persistent database")
		}
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, eris.Wrapf(err, "badger: create directory %s", opts.Path)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites).WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(zapBadgerLogger{s: opts.Logger.Sugar()})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	bdb, err := badger.Open(bopts)
	if err != nil {
		return nil, eris.Wrap(err, "badger: open")
	}
	seq, err := bdb.GetSequence([]byte("meta/dlq_seq"), 100)
	if err != nil {
		bdb.Close()
		return nil, eris.Wrap(err, "badger: dlq sequence")
	}
	return &BadgerStore{db: bdb, seq: seq}, nil
}

func (s *BadgerStore) Migrate(context.Context) error { return nil }

func (s *BadgerStore) Close() error {
	relErr := s.seq.Release()
	if err := s.db.Close(); err != nil {
		return eris.Wrap(err, "badger: close")
	}
	return eris.Wrap(relErr, "badger: release sequence")
}

func dlqPrefix(queue string) []byte { return []byte("dlq/" + queue + "/") }

func groundedPrefix(bookID string, chapter int) []byte {
	return []byte(fmt.Sprintf("grounded/%s\x00%010d\x00", bookID, chapter))
}

// Dead letter queue

func (s *BadgerStore) PushDLQ(_ context.Context, queue string, e resilience.DLQEntry) error {
	n, err := s.seq.Next()
	if err != nil {
		return eris.Wrap(err, "badger: next dlq seq")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "badger: marshal dlq entry")
	}
	key := append(dlqPrefix(queue), []byte(fmt.Sprintf("%020d", n))...)
	return eris.Wrap(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}), "badger: push dlq")
}

// scanPrefix calls fn for each key under prefix in key order. Returning
// false from fn stops the scan.
func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key, val []byte) (bool, error)) error {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := fn(item.KeyCopy(nil), val)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) ListDLQ(_ context.Context, queue string) ([]resilience.DLQEntry, error) {
	var out []resilience.DLQEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, dlqPrefix(queue), func(_, val []byte) (bool, error) {
			var e resilience.DLQEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return false, err
			}
			out = append(out, e)
			return true, nil
		})
	})
	return out, eris.Wrap(err, "badger: list dlq")
}

func (s *BadgerStore) PopDLQ(_ context.Context, queue string) (*resilience.DLQEntry, error) {
	var popped *resilience.DLQEntry
	err := s.db.Update(func(txn *badger.Txn) error {
		return scanPrefix(txn, dlqPrefix(queue), func(key, val []byte) (bool, error) {
			var e resilience.DLQEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return false, err
			}
			popped = &e
			return false, txn.Delete(key)
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "badger: pop dlq")
	}
	if popped == nil {
		return nil, resilience.ErrDLQEmpty
	}
	return popped, nil
}

func (s *BadgerStore) DLQSize(ctx context.Context, queue string) (int, error) {
	all, err := s.ListDLQ(ctx, queue)
	return len(all), err
}

// deleteWhere removes every key under prefix whose value satisfies match.
func (s *BadgerStore) deleteWhere(prefix []byte, match func(val []byte) (bool, error)) (int, error) {
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		if err := scanPrefix(txn, prefix, func(key, val []byte) (bool, error) {
			ok, err := match(val)
			if ok {
				keys = append(keys, key)
			}
			return true, err
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	return removed, err
}

func (s *BadgerStore) RemoveDLQ(_ context.Context, queue, bookID string, chapter int) (int, error) {
	n, err := s.deleteWhere(dlqPrefix(queue), func(val []byte) (bool, error) {
		var e resilience.DLQEntry
		if err := json.Unmarshal(val, &e); err != nil {
			return false, err
		}
		return e.BookID == bookID && e.Chapter == chapter, nil
	})
	return n, eris.Wrap(err, "badger: remove dlq")
}

func (s *BadgerStore) ClearDLQ(_ context.Context, queue string) (int, error) {
	n, err := s.deleteWhere(dlqPrefix(queue), func([]byte) (bool, error) { return true, nil })
	return n, eris.Wrap(err, "badger: clear dlq")
}

// JSON documents

func (s *BadgerStore) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *BadgerStore) getJSON(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (s *BadgerStore) SaveRegistry(_ context.Context, bookID string, snap registry.Snapshot) error {
	return eris.Wrapf(s.putJSON("snapshot/"+bookID, snap), "badger: save registry %s", bookID)
}

func (s *BadgerStore) LoadRegistry(_ context.Context, bookID string) (*registry.Snapshot, error) {
	var snap registry.Snapshot
	err := s.getJSON("snapshot/"+bookID, &snap)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "registry snapshot for book %s", bookID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "badger: load registry %s", bookID)
	}
	return &snap, nil
}

func (s *BadgerStore) PutBookStatus(_ context.Context, st model.BookStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	return eris.Wrapf(s.putJSON("status/"+st.BookID, st), "badger: put book status %s", st.BookID)
}

func (s *BadgerStore) GetBookStatus(_ context.Context, bookID string) (*model.BookStatus, error) {
	var st model.BookStatus
	err := s.getJSON("status/"+bookID, &st)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "book status %s", bookID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "badger: get book status %s", bookID)
	}
	return &st, nil
}

// Grounded entities. One key per (book, chapter, pass), so a save replaces
// the pass output wholesale.

func (s *BadgerStore) SaveGroundedEntities(_ context.Context, bookID string, chapter int, ents []model.GroundedEntity) (int, error) {
	if len(ents) == 0 {
		return 0, nil
	}
	byPass := make(map[string][]model.GroundedEntity)
	for _, e := range ents {
		byPass[e.PassName] = append(byPass[e.PassName], e)
	}
	prefix := groundedPrefix(bookID, chapter)
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, pass := range passNames(ents) {
			data, err := json.Marshal(byPass[pass])
			if err != nil {
				return err
			}
			key := append(append([]byte{}, prefix...), pass...)
			if err := txn.Set(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "badger: save grounded entities")
	}
	return len(ents), nil
}

func (s *BadgerStore) ListGroundedEntities(_ context.Context, bookID string, chapter int) ([]model.GroundedEntity, error) {
	var out []model.GroundedEntity
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, groundedPrefix(bookID, chapter), func(_, val []byte) (bool, error) {
			var batch []model.GroundedEntity
			if err := json.Unmarshal(val, &batch); err != nil {
				return false, err
			}
			out = append(out, batch...)
			return true, nil
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "badger: list grounded entities")
	}
	sortGrounded(out)
	return out, nil
}
