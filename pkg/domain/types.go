package domain

import "time"

// Collection names used by the document store.
const (
	CollectionSubject  = "subject"
	CollectionBook     = "book"
	CollectionLesson   = "lesson"
	CollectionSchedule = "schedule"
	CollectionProgress = "progress"
)

// Collections lists every collection the store knows about.
var Collections = []string{
	CollectionSubject,
	CollectionBook,
	CollectionLesson,
	CollectionSchedule,
	CollectionProgress,
}

type LessonStatus string

const (
	LessonPending    LessonStatus = "pending"
	LessonProcessing LessonStatus = "processing"
	LessonComplete   LessonStatus = "complete"
	LessonError      LessonStatus = "error"
)

// Terminal reports whether no further work is expected for the lesson.
func (s LessonStatus) Terminal() bool {
	return s == LessonComplete || s == LessonError
}

// ParseLessonStatus validates a status reported by the external worker.
func ParseLessonStatus(raw string) (LessonStatus, bool) {
	switch LessonStatus(raw) {
	case LessonPending, LessonProcessing, LessonComplete, LessonError:
		return LessonStatus(raw), true
	default:
		return "", false
	}
}

type SourceMode string

const (
	SourcePageRange SourceMode = "page_range"
	SourceLines     SourceMode = "lines"
	SourceChapter   SourceMode = "chapter"
	SourceCustom    SourceMode = "custom"
)

func (m SourceMode) Valid() bool {
	switch m {
	case SourcePageRange, SourceLines, SourceChapter, SourceCustom:
		return true
	}
	return false
}

type Subject struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Book struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	SubjectID        string    `json:"subject_id"`
	Title            string    `json:"title"`
	OriginalFilename *string   `json:"original_filename"`
	FilePath         *string   `json:"file_path"`
	Pages            []string  `json:"pages"`
	NumPages         *int      `json:"num_pages"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// LessonRequest is what a learner submits to ask for a lesson.
type LessonRequest struct {
	UserID     string     `json:"user_id"`
	SubjectID  string     `json:"subject_id"`
	BookID     string     `json:"book_id"`
	Prompt     string     `json:"prompt"`
	SourceMode SourceMode `json:"source_mode"`
	StartPage  *int       `json:"start_page"`
	EndPage    *int       `json:"end_page"`
	Lines      *int       `json:"lines"`
}

type Lesson struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	SubjectID    string       `json:"subject_id"`
	BookID       string       `json:"book_id"`
	RequestID    *string      `json:"request_id"`
	Prompt       string       `json:"prompt"`
	Status       LessonStatus `json:"status"`
	InputExcerpt *string      `json:"input_excerpt"`
	Explanation  *string      `json:"explanation"`
	Analogies    []string     `json:"analogies"`
	Error        *string      `json:"error"`
	ScheduledAt  *time.Time   `json:"scheduled_at"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// LessonPatch carries the fields an external worker may report.
// Nil fields are left untouched.
type LessonPatch struct {
	Status       *LessonStatus `json:"status"`
	InputExcerpt *string       `json:"input_excerpt"`
	Explanation  *string       `json:"explanation"`
	Analogies    []string      `json:"analogies"`
	Error        *string       `json:"error"`
}

// Empty reports whether the patch would change nothing but the timestamp.
func (p LessonPatch) Empty() bool {
	return p.Status == nil && p.InputExcerpt == nil && p.Explanation == nil && p.Analogies == nil && p.Error == nil
}

type Schedule struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	SubjectID       string    `json:"subject_id"`
	BookID          string    `json:"book_id"`
	Prompt          string    `json:"prompt"`
	ScheduleTimeISO string    `json:"schedule_time_iso"`
	Timezone        *string   `json:"timezone"`
	N8NJobID        *string   `json:"n8n_job_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Progress struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	SubjectID       string    `json:"subject_id"`
	BookID          string    `json:"book_id"`
	LastCoveredPage *int      `json:"last_covered_page"`
	LastCoveredLine *int      `json:"last_covered_line"`
	Notes           *string   `json:"notes"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
