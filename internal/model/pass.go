package model

import "time"

// Pass is one LLM-driven extraction category applied to a chapter.
type Pass string

const (
	PassCharacters Pass = "characters"
	PassSystems    Pass = "systems"
	PassEvents     Pass = "events"
	PassLore       Pass = "lore"
)

// AllPasses lists every pass in canonical execution/merge order.
var AllPasses = []Pass{PassCharacters, PassSystems, PassEvents, PassLore}

// ParsePass returns the Pass named s, or false if s names no pass.
func ParsePass(s string) (Pass, bool) {
	for _, p := range AllPasses {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// PassRequest is the input of one LLM extraction pass.
type PassRequest struct {
	Pass    Pass
	Chapter Chapter
	// RegistryContext is the prompt rendering of known entities.
	RegistryContext string
	// PriorSummaries are the most recent chapter summaries, oldest first.
	PriorSummaries []string
	BlueBoxes      []BlueBoxGroup
	// WantSummary asks the pass to also summarize the chapter.
	WantSummary bool
}

// PassOutput is what one pass returns before grounding.
type PassOutput struct {
	Extractions []Extraction   `json:"extractions"`
	Entities    []EntityUpdate `json:"entities"`
	Summary     string         `json:"summary,omitempty"`
}

// PassError records a pass that failed after retries.
type PassError struct {
	Pass      Pass   `json:"pass"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// ChapterResult is the fan-in of every pass run for one chapter.
type ChapterResult struct {
	BookID          string           `json:"book_id"`
	Chapter         int              `json:"chapter"`
	Routed          []Pass           `json:"routed_passes"`
	CompletedPasses []Pass           `json:"completed_passes"`
	Errors          []PassError      `json:"errors,omitempty"`
	Grounded        []GroundedEntity `json:"grounded_entities"`
	BlueBoxes       []BlueBoxGroup   `json:"blue_boxes,omitempty"`
	Skipped         int              `json:"skipped_extractions"`
	Duration        time.Duration    `json:"duration_ns"`
}

// Partial reports whether at least one routed pass failed.
func (r *ChapterResult) Partial() bool {
	return len(r.Errors) > 0
}

// BookStatusValue is the overall state of a book extraction job.
type BookStatusValue string

const (
	BookStatusRunning   BookStatusValue = "running"
	BookStatusCompleted BookStatusValue = "completed"
	BookStatusPartial   BookStatusValue = "partial"
	BookStatusFailed    BookStatusValue = "failed"
)

// BookStatus reports partial completion of a book job.
type BookStatus struct {
	BookID            string          `json:"book_id"`
	Status            BookStatusValue `json:"status"`
	TotalChapters     int             `json:"total_chapters"`
	ProcessedChapters int             `json:"processed_chapters"`
	PartialChapters   int             `json:"partial_chapters"`
	FailedChapters    int             `json:"failed_chapters"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Finalize derives Status from the chapter counters.
func (s *BookStatus) Finalize() {
	switch {
	case s.ProcessedChapters == 0 && s.FailedChapters > 0:
		s.Status = BookStatusFailed
	case s.FailedChapters > 0 || s.PartialChapters > 0:
		s.Status = BookStatusPartial
	default:
		s.Status = BookStatusCompleted
	}
}

// BookResult is returned by a book-level extraction job.
type BookResult struct {
	Status   BookStatus       `json:"status"`
	Chapters []*ChapterResult `json:"chapters"`
}
