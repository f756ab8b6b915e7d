package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/registry"
	"github.com/sells-group/loregraph/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, eris.New("sqlite: path is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS dlq_entries (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	queue         TEXT NOT NULL,
	book_id       TEXT NOT NULL,
	chapter       INTEGER NOT NULL,
	error_type    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	pushed_at     INTEGER NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 1,
	metadata      TEXT
);

CREATE TABLE IF NOT EXISTS registry_snapshots (
	book_id    TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS book_status (
	book_id            TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	total_chapters     INTEGER NOT NULL DEFAULT 0,
	processed_chapters INTEGER NOT NULL DEFAULT 0,
	partial_chapters   INTEGER NOT NULL DEFAULT 0,
	failed_chapters    INTEGER NOT NULL DEFAULT 0,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS grounded_entities (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id          TEXT NOT NULL,
	chapter          INTEGER NOT NULL,
	pass_name        TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	entity_name      TEXT NOT NULL,
	extraction_text  TEXT NOT NULL,
	char_start       INTEGER NOT NULL,
	char_end         INTEGER NOT NULL,
	alignment_status TEXT NOT NULL,
	confidence       REAL NOT NULL,
	mention_type     TEXT NOT NULL DEFAULT '',
	attributes       TEXT
);

CREATE INDEX IF NOT EXISTS idx_dlq_entries_queue ON dlq_entries(queue, seq);
CREATE INDEX IF NOT EXISTS idx_dlq_entries_book ON dlq_entries(queue, book_id, chapter);
CREATE INDEX IF NOT EXISTS idx_grounded_chapter ON grounded_entities(book_id, chapter, pass_name);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Dead letter queue

const sqliteDLQColumns = `id, book_id, chapter, error_type, error_message, pushed_at, attempt_count, metadata`

func (s *SQLiteStore) PushDLQ(ctx context.Context, queue string, e resilience.DLQEntry) error {
	meta, err := marshalMeta(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dlq_entries (queue, `+sqliteDLQColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		queue, e.ID, e.BookID, e.Chapter, e.ErrorType, e.ErrorMessage, e.Timestamp, e.AttemptCount, meta,
	)
	return eris.Wrap(err, "sqlite: insert dlq entry")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, queue string) ([]resilience.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteDLQColumns+` FROM dlq_entries WHERE queue = ? ORDER BY seq`, queue)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) PopDLQ(ctx context.Context, queue string) (*resilience.DLQEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM dlq_entries
		 WHERE seq = (SELECT MIN(seq) FROM dlq_entries WHERE queue = ?)
		 RETURNING `+sqliteDLQColumns, queue)
	e, err := scanDLQ(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resilience.ErrDLQEmpty
	}
	return e, err
}

func (s *SQLiteStore) DLQSize(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq_entries WHERE queue = ?`, queue).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, queue, bookID string, chapter int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dlq_entries WHERE queue = ? AND book_id = ? AND chapter = ?`, queue, bookID, chapter)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: remove dlq")
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) ClearDLQ(ctx context.Context, queue string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dlq_entries WHERE queue = ?`, queue)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: clear dlq")
	}
	return rowsAffected(res)
}

// Registry snapshots

func (s *SQLiteStore) SaveRegistry(ctx context.Context, bookID string, snap registry.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO registry_snapshots (book_id, version, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(book_id) DO UPDATE SET version = excluded.version, data = excluded.data, updated_at = excluded.updated_at`,
		bookID, snap.Version, string(data), time.Now().UTC().UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: save registry %s", bookID)
}

func (s *SQLiteStore) LoadRegistry(ctx context.Context, bookID string) (*registry.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM registry_snapshots WHERE book_id = ?`, bookID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "registry snapshot for book %s", bookID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load registry %s", bookID)
	}
	var snap registry.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal snapshot")
	}
	return &snap, nil
}

// Book progress

func (s *SQLiteStore) PutBookStatus(ctx context.Context, st model.BookStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO book_status (book_id, status, total_chapters, processed_chapters, partial_chapters, failed_chapters, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(book_id) DO UPDATE SET
		   status = excluded.status, total_chapters = excluded.total_chapters,
		   processed_chapters = excluded.processed_chapters, partial_chapters = excluded.partial_chapters,
		   failed_chapters = excluded.failed_chapters, updated_at = excluded.updated_at`,
		st.BookID, string(st.Status), st.TotalChapters, st.ProcessedChapters, st.PartialChapters, st.FailedChapters,
		st.UpdatedAt.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: put book status %s", st.BookID)
}

func (s *SQLiteStore) GetBookStatus(ctx context.Context, bookID string) (*model.BookStatus, error) {
	var (
		st      model.BookStatus
		status  string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT book_id, status, total_chapters, processed_chapters, partial_chapters, failed_chapters, updated_at
		 FROM book_status WHERE book_id = ?`, bookID,
	).Scan(&st.BookID, &status, &st.TotalChapters, &st.ProcessedChapters, &st.PartialChapters, &st.FailedChapters, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "book status %s", bookID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get book status %s", bookID)
	}
	st.Status = model.BookStatusValue(status)
	st.UpdatedAt = time.Unix(0, updated).UTC()
	return &st, nil
}

// Grounded entities

func (s *SQLiteStore) SaveGroundedEntities(ctx context.Context, bookID string, chapter int, ents []model.GroundedEntity) (int, error) {
	if len(ents) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	passes := passNames(ents)
	args := []any{bookID, chapter}
	for _, p := range passes {
		args = append(args, p)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM grounded_entities WHERE book_id = ? AND chapter = ? AND pass_name IN (`+placeholders(len(passes))+`)`,
		args...,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: replace grounded entities")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO grounded_entities
		 (book_id, chapter, pass_name, entity_type, entity_name, extraction_text, char_start, char_end,
		  alignment_status, confidence, mention_type, attributes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare grounded insert")
	}
	defer stmt.Close()

	for _, e := range ents {
		attrs, err := marshalMeta(e.Attributes)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, bookID, chapter, e.PassName, e.EntityType, e.EntityName, e.ExtractionText,
			e.CharStart, e.CharEnd, string(e.AlignmentStatus), e.Confidence, string(e.MentionType), attrs); err != nil {
			return 0, eris.Wrap(err, "sqlite: insert grounded entity")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit grounded entities")
	}
	return len(ents), nil
}

func (s *SQLiteStore) ListGroundedEntities(ctx context.Context, bookID string, chapter int) ([]model.GroundedEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pass_name, entity_type, entity_name, extraction_text, char_start, char_end,
		        alignment_status, confidence, mention_type, attributes
		 FROM grounded_entities WHERE book_id = ? AND chapter = ?
		 ORDER BY pass_name, char_start, id`, bookID, chapter)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list grounded entities")
	}
	defer rows.Close()

	var out []model.GroundedEntity
	for rows.Next() {
		var (
			e         model.GroundedEntity
			alignment string
			mention   string
			attrs     sql.NullString
		)
		if err := rows.Scan(&e.PassName, &e.EntityType, &e.EntityName, &e.ExtractionText, &e.CharStart, &e.CharEnd,
			&alignment, &e.Confidence, &mention, &attrs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan grounded entity")
		}
		e.AlignmentStatus = model.AlignmentStatus(alignment)
		e.MentionType = model.MentionType(mention)
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &e.Attributes); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal attributes")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list grounded iterate")
}

// helpers

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	return int(n), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDLQ(row scannable) (*resilience.DLQEntry, error) {
	var (
		e    resilience.DLQEntry
		meta sql.NullString
	)
	err := row.Scan(&e.ID, &e.BookID, &e.Chapter, &e.ErrorType, &e.ErrorMessage, &e.Timestamp, &e.AttemptCount, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan dlq entry")
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq metadata")
		}
	}
	return &e, nil
}

// marshalMeta encodes a JSON object column; nil maps become NULL.
func marshalMeta(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "marshal metadata")
	}
	return string(data), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
