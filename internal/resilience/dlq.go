package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loregraph/internal/model"
)

// DLQName is the single queue all chapter failures land in.
const DLQName = "extraction_dlq"

// Metadata keys written by the pipeline.
const (
	MetaFailedPasses    = "failed_passes"
	MetaCompletedPasses = "completed_passes"
)

// ErrDLQEmpty is returned by Pop on an empty queue.
var ErrDLQEmpty = eris.New("dead letter queue is empty")

// DLQEntry is one failed chapter-level operation. Entries are never edited;
// a retry that fails again is pushed as a new entry with a higher
// AttemptCount.
type DLQEntry struct {
	ID           string         `json:"id"`
	BookID       string         `json:"book_id" validate:"required"`
	Chapter      int            `json:"chapter" validate:"gte=0"`
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	Timestamp    int64          `json:"timestamp"`
	AttemptCount int            `json:"attempt_count" validate:"gte=1"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MetaStrings reads a string list from Metadata. Lists that went through a
// JSON round trip arrive as []any.
func (e DLQEntry) MetaStrings(key string) []string {
	switch v := e.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// DLQBackend persists queue entries in push order.
type DLQBackend interface {
	PushDLQ(ctx context.Context, queue string, e DLQEntry) error
	ListDLQ(ctx context.Context, queue string) ([]DLQEntry, error)
	// PopDLQ removes the oldest entry, returning ErrDLQEmpty when none.
	PopDLQ(ctx context.Context, queue string) (*DLQEntry, error)
	DLQSize(ctx context.Context, queue string) (int, error)
	RemoveDLQ(ctx context.Context, queue, bookID string, chapter int) (int, error)
	ClearDLQ(ctx context.Context, queue string) (int, error)
}

// DLQ is the dead letter queue for chapter failures.
type DLQ struct {
	backend DLQBackend
	queue   string
	now     func() time.Time
}

// NewDLQ creates a DLQ over backend using the fixed queue name.
func NewDLQ(backend DLQBackend) *DLQ {
	return &DLQ{backend: backend, queue: DLQName, now: time.Now}
}

// Push appends e, filling ID, Timestamp and AttemptCount when unset.
func (q *DLQ) Push(ctx context.Context, e DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = q.now().Unix()
	}
	if e.AttemptCount == 0 {
		e.AttemptCount = 1
	}
	if err := model.Validate(e); err != nil {
		return err
	}
	if err := q.backend.PushDLQ(ctx, q.queue, e); err != nil {
		return eris.Wrap(err, "dlq: push")
	}
	zap.L().Warn("dlq: chapter pushed",
		zap.String("id", e.ID),
		zap.String("book_id", e.BookID),
		zap.Int("chapter", e.Chapter),
		zap.String("error_type", e.ErrorType),
		zap.String("error", e.ErrorMessage),
		zap.Int("attempt", e.AttemptCount),
	)
	return nil
}

// PushFailure builds an entry from cause and pushes it.
func (q *DLQ) PushFailure(ctx context.Context, bookID string, chapter int, cause error, attempt int, metadata map[string]any) (*DLQEntry, error) {
	e := DLQEntry{
		BookID:       bookID,
		Chapter:      chapter,
		ErrorType:    ErrorTypeOf(cause),
		AttemptCount: attempt,
		Metadata:     metadata,
	}
	if cause != nil {
		e.ErrorMessage = cause.Error()
	}
	e.ID = uuid.NewString()
	e.Timestamp = q.now().Unix()
	if e.AttemptCount <= 0 {
		e.AttemptCount = 1
	}
	if err := q.Push(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListAll returns every entry, oldest first, without removing any.
func (q *DLQ) ListAll(ctx context.Context) ([]DLQEntry, error) {
	out, err := q.backend.ListDLQ(ctx, q.queue)
	if err != nil {
		return nil, eris.Wrap(err, "dlq: list")
	}
	return out, nil
}

// ListByBook returns the entries for one book, oldest first.
func (q *DLQ) ListByBook(ctx context.Context, bookID string) ([]DLQEntry, error) {
	all, err := q.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []DLQEntry
	for _, e := range all {
		if e.BookID == bookID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Pop removes and returns the oldest entry, or ErrDLQEmpty.
func (q *DLQ) Pop(ctx context.Context) (*DLQEntry, error) {
	e, err := q.backend.PopDLQ(ctx, q.queue)
	if err != nil {
		if errors.Is(err, ErrDLQEmpty) {
			return nil, ErrDLQEmpty
		}
		return nil, eris.Wrap(err, "dlq: pop")
	}
	return e, nil
}

// Size returns the number of queued entries.
func (q *DLQ) Size(ctx context.Context) (int, error) {
	n, err := q.backend.DLQSize(ctx, q.queue)
	if err != nil {
		return 0, eris.Wrap(err, "dlq: size")
	}
	return n, nil
}

// RemoveByBookChapter removes every entry for the book and chapter and
// returns how many were removed.
func (q *DLQ) RemoveByBookChapter(ctx context.Context, bookID string, chapter int) (int, error) {
	n, err := q.backend.RemoveDLQ(ctx, q.queue, bookID, chapter)
	if err != nil {
		return 0, eris.Wrap(err, "dlq: remove")
	}
	return n, nil
}

// Clear empties the queue and returns the prior size.
func (q *DLQ) Clear(ctx context.Context) (int, error) {
	n, err := q.backend.ClearDLQ(ctx, q.queue)
	if err != nil {
		return 0, eris.Wrap(err, "dlq: clear")
	}
	zap.L().Info("dlq: cleared", zap.Int("removed", n))
	return n, nil
}

// MemoryQueue is an in-process DLQBackend.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]DLQEntry
}

// NewMemoryQueue creates an empty in-process backend.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]DLQEntry)}
}

func (m *MemoryQueue) PushDLQ(_ context.Context, queue string, e DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queue] = append(m.queues[queue], e)
	return nil
}

func (m *MemoryQueue) ListDLQ(_ context.Context, queue string) ([]DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DLQEntry{}, m.queues[queue]...), nil
}

func (m *MemoryQueue) PopDLQ(_ context.Context, queue string) (*DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if len(q) == 0 {
		return nil, ErrDLQEmpty
	}
	e := q[0]
	m.queues[queue] = q[1:]
	return &e, nil
}

func (m *MemoryQueue) DLQSize(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue]), nil
}

func (m *MemoryQueue) RemoveDLQ(_ context.Context, queue, bookID string, chapter int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	kept := q[:0:0]
	for _, e := range q {
		if e.BookID == bookID && e.Chapter == chapter {
			continue
		}
		kept = append(kept, e)
	}
	m.queues[queue] = kept
	return len(q) - len(kept), nil
}

func (m *MemoryQueue) ClearDLQ(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queues[queue])
	delete(m.queues, queue)
	return n, nil
}
