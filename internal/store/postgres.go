package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/loregraph/internal/db"
	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/registry"
	"github.com/sells-group/loregraph/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS dead_letter_queue (
	seq           BIGSERIAL PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	queue         TEXT NOT NULL,
	book_id       TEXT NOT NULL,
	chapter       INTEGER NOT NULL,
	error_type    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	pushed_at     BIGINT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 1,
	metadata      JSONB
);

CREATE INDEX IF NOT EXISTS idx_dlq_queue_seq ON dead_letter_queue(queue, seq);
CREATE INDEX IF NOT EXISTS idx_dlq_book_chapter ON dead_letter_queue(queue, book_id, chapter);

CREATE TABLE IF NOT EXISTS registry_snapshots (
	book_id    TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS registry_entities (
	book_id           TEXT NOT NULL,
	canonical_name    TEXT NOT NULL,
	name              TEXT NOT NULL,
	entity_type       TEXT NOT NULL,
	aliases           TEXT[] NOT NULL DEFAULT '{}',
	significance      TEXT NOT NULL DEFAULT '',
	last_seen_chapter INTEGER,
	PRIMARY KEY (book_id, canonical_name)
);

CREATE TABLE IF NOT EXISTS book_status (
	book_id            TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	total_chapters     INTEGER NOT NULL DEFAULT 0,
	processed_chapters INTEGER NOT NULL DEFAULT 0,
	partial_chapters   INTEGER NOT NULL DEFAULT 0,
	failed_chapters    INTEGER NOT NULL DEFAULT 0,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS grounded_entities (
	id               BIGSERIAL PRIMARY KEY,
	book_id          TEXT NOT NULL,
	chapter          INTEGER NOT NULL,
	pass_name        TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	entity_name      TEXT NOT NULL,
	extraction_text  TEXT NOT NULL,
	char_start       INTEGER NOT NULL,
	char_end         INTEGER NOT NULL,
	alignment_status TEXT NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	mention_type     TEXT NOT NULL DEFAULT '',
	attributes       JSONB
);

CREATE INDEX IF NOT EXISTS idx_grounded_chapter ON grounded_entities(book_id, chapter, pass_name);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Dead letter queue methods

const pgDLQColumns = `id, book_id, chapter, error_type, error_message, pushed_at, attempt_count, metadata`

func (s *PostgresStore) PushDLQ(ctx context.Context, queue string, e resilience.DLQEntry) error {
	meta, err := jsonOrNil(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (queue, `+pgDLQColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		queue, e.ID, e.BookID, e.Chapter, e.ErrorType, e.ErrorMessage, e.Timestamp, e.AttemptCount, meta,
	)
	return eris.Wrap(err, "postgres: push dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, queue string) ([]resilience.DLQEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgDLQColumns+` FROM dead_letter_queue WHERE queue = $1 ORDER BY seq`, queue)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		e, err := scanPgDLQ(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) PopDLQ(ctx context.Context, queue string) (*resilience.DLQEntry, error) {
	row := s.pool.QueryRow(ctx,
		`DELETE FROM dead_letter_queue
		 WHERE seq = (SELECT seq FROM dead_letter_queue WHERE queue = $1 ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED)
		 RETURNING `+pgDLQColumns, queue)
	e, err := scanPgDLQ(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resilience.ErrDLQEmpty
	}
	return e, err
}

func (s *PostgresStore) DLQSize(ctx context.Context, queue string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue WHERE queue = $1`, queue).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, queue, bookID string, chapter int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dead_letter_queue WHERE queue = $1 AND book_id = $2 AND chapter = $3`, queue, bookID, chapter)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: remove dlq")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ClearDLQ(ctx context.Context, queue string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE queue = $1`, queue)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: clear dlq")
	}
	return int(tag.RowsAffected()), nil
}

// Registry snapshots

var registryEntityColumns = []string{
	"book_id", "canonical_name", "name", "entity_type", "aliases", "significance", "last_seen_chapter",
}

// SaveRegistry stores the snapshot blob and upserts one row per entity so
// downstream consumers can query the registry relationally.
func (s *PostgresStore) SaveRegistry(ctx context.Context, bookID string, snap registry.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal snapshot")
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO registry_snapshots (book_id, version, data, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (book_id) DO UPDATE SET version = EXCLUDED.version, data = EXCLUDED.data, updated_at = now()`,
		bookID, snap.Version, data,
	); err != nil {
		return eris.Wrapf(err, "postgres: save registry %s", bookID)
	}

	rows := make([][]any, 0, len(snap.Entities))
	for _, e := range snap.Entities {
		aliases := e.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		rows = append(rows, []any{bookID, e.CanonicalName, e.Name, e.EntityType, aliases, e.Significance, e.LastSeen})
	}
	_, err = db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "registry_entities",
		Columns:      registryEntityColumns,
		ConflictKeys: []string{"book_id", "canonical_name"},
	}, rows)
	return eris.Wrapf(err, "postgres: upsert registry entities %s", bookID)
}

func (s *PostgresStore) LoadRegistry(ctx context.Context, bookID string) (*registry.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM registry_snapshots WHERE book_id = $1`, bookID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "registry snapshot for book %s", bookID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load registry %s", bookID)
	}
	var snap registry.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal snapshot")
	}
	return &snap, nil
}

// Book progress

func (s *PostgresStore) PutBookStatus(ctx context.Context, st model.BookStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO book_status (book_id, status, total_chapters, processed_chapters, partial_chapters, failed_chapters, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (book_id) DO UPDATE SET
		   status = EXCLUDED.status, total_chapters = EXCLUDED.total_chapters,
		   processed_chapters = EXCLUDED.processed_chapters, partial_chapters = EXCLUDED.partial_chapters,
		   failed_chapters = EXCLUDED.failed_chapters, updated_at = EXCLUDED.updated_at`,
		st.BookID, string(st.Status), st.TotalChapters, st.ProcessedChapters, st.PartialChapters, st.FailedChapters, st.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: put book status %s", st.BookID)
}

func (s *PostgresStore) GetBookStatus(ctx context.Context, bookID string) (*model.BookStatus, error) {
	var (
		st     model.BookStatus
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT book_id, status, total_chapters, processed_chapters, partial_chapters, failed_chapters, updated_at
		 FROM book_status WHERE book_id = $1`, bookID,
	).Scan(&st.BookID, &status, &st.TotalChapters, &st.ProcessedChapters, &st.PartialChapters, &st.FailedChapters, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "book status %s", bookID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get book status %s", bookID)
	}
	st.Status = model.BookStatusValue(status)
	return &st, nil
}

// Grounded entities

var groundedColumns = []string{
	"book_id", "chapter", "pass_name", "entity_type", "entity_name", "extraction_text",
	"char_start", "char_end", "alignment_status", "confidence", "mention_type", "attributes",
}

// SaveGroundedEntities replaces the chapter's rows for each pass in ents and
// COPYs the new rows in.
func (s *PostgresStore) SaveGroundedEntities(ctx context.Context, bookID string, chapter int, ents []model.GroundedEntity) (int, error) {
	if len(ents) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(ents))
	for _, e := range ents {
		attrs, err := jsonOrNil(e.Attributes)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			bookID, chapter, e.PassName, e.EntityType, e.EntityName, e.ExtractionText,
			e.CharStart, e.CharEnd, string(e.AlignmentStatus), e.Confidence, string(e.MentionType), attrs,
		})
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM grounded_entities WHERE book_id = $1 AND chapter = $2 AND pass_name = ANY($3)`,
		bookID, chapter, passNames(ents),
	); err != nil {
		return 0, eris.Wrap(err, "postgres: replace grounded entities")
	}
	n, err := db.CopyFrom(ctx, s.pool, "grounded_entities", groundedColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: copy grounded entities")
	}
	return int(n), nil
}

func (s *PostgresStore) ListGroundedEntities(ctx context.Context, bookID string, chapter int) ([]model.GroundedEntity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pass_name, entity_type, entity_name, extraction_text, char_start, char_end,
		        alignment_status, confidence, mention_type, attributes
		 FROM grounded_entities WHERE book_id = $1 AND chapter = $2
		 ORDER BY pass_name, char_start, id`, bookID, chapter)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list grounded entities")
	}
	defer rows.Close()

	var out []model.GroundedEntity
	for rows.Next() {
		var (
			e         model.GroundedEntity
			alignment string
			mention   string
			attrs     []byte
		)
		if err := rows.Scan(&e.PassName, &e.EntityType, &e.EntityName, &e.ExtractionText, &e.CharStart, &e.CharEnd,
			&alignment, &e.Confidence, &mention, &attrs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan grounded entity")
		}
		e.AlignmentStatus = model.AlignmentStatus(alignment)
		e.MentionType = model.MentionType(mention)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal attributes")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list grounded iterate")
}

func scanPgDLQ(row pgx.Row) (*resilience.DLQEntry, error) {
	var (
		e    resilience.DLQEntry
		meta []byte
	)
	err := row.Scan(&e.ID, &e.BookID, &e.Chapter, &e.ErrorType, &e.ErrorMessage, &e.Timestamp, &e.AttemptCount, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan dlq entry")
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq metadata")
		}
	}
	return &e, nil
}

func jsonOrNil(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal json")
	}
	return data, nil
}
