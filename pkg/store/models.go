package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"aitutor/pkg/domain"
)

// GORM models used for persistence. Table names match collection names.
type SubjectModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index"`
	Name        string `gorm:"not null"`
	Description *string
	CreatedAt   time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (SubjectModel) TableName() string { return domain.CollectionSubject }

type BookModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;index:idx_book_user_subject"`
	SubjectID        string `gorm:"not null;index:idx_book_user_subject"`
	Title            string `gorm:"not null"`
	OriginalFilename *string
	FilePath         *string
	Pages            datatypes.JSON `gorm:"type:jsonb"`
	NumPages         *int
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (BookModel) TableName() string { return domain.CollectionBook }

type LessonModel struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index:idx_lesson_user_book"`
	SubjectID    string `gorm:"not null"`
	BookID       string `gorm:"not null;index:idx_lesson_user_book"`
	RequestID    *string
	Prompt       string         `gorm:"type:text;not null"`
	Status       string         `gorm:"not null;index"`
	InputExcerpt *string        `gorm:"type:text"`
	Explanation  *string        `gorm:"type:text"`
	Analogies    datatypes.JSON `gorm:"type:jsonb"`
	Error        *string        `gorm:"type:text"`
	ScheduledAt  *time.Time
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (LessonModel) TableName() string { return domain.CollectionLesson }

type ScheduleModel struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"not null;index"`
	SubjectID       string `gorm:"not null"`
	BookID          string `gorm:"not null"`
	Prompt          string `gorm:"type:text;not null"`
	ScheduleTimeISO string `gorm:"column:schedule_time_iso;not null"`
	Timezone        *string
	N8NJobID        *string   `gorm:"column:n8n_job_id;index"`
	CreatedAt       time.Time `gorm:"not null;index"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (ScheduleModel) TableName() string { return domain.CollectionSchedule }

type ProgressModel struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"not null;uniqueIndex:idx_progress_user_book"`
	SubjectID       string `gorm:"not null"`
	BookID          string `gorm:"not null;uniqueIndex:idx_progress_user_book"`
	LastCoveredPage *int
	LastCoveredLine *int
	Notes           *string   `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (ProgressModel) TableName() string { return domain.CollectionProgress }

func subjectToModel(s domain.Subject) SubjectModel {
	return SubjectModel{
		ID:          s.ID,
		UserID:      s.UserID,
		Name:        s.Name,
		Description: s.Description,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func subjectFromModel(m SubjectModel) domain.Subject {
	return domain.Subject{
		ID:          m.ID,
		UserID:      m.UserID,
		Name:        m.Name,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:               b.ID,
		UserID:           b.UserID,
		SubjectID:        b.SubjectID,
		Title:            b.Title,
		OriginalFilename: b.OriginalFilename,
		FilePath:         b.FilePath,
		Pages:            encodeStrings(b.Pages),
		NumPages:         b.NumPages,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:               m.ID,
		UserID:           m.UserID,
		SubjectID:        m.SubjectID,
		Title:            m.Title,
		OriginalFilename: m.OriginalFilename,
		FilePath:         m.FilePath,
		Pages:            decodeStrings(m.Pages),
		NumPages:         m.NumPages,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func lessonToModel(l domain.Lesson) LessonModel {
	return LessonModel{
		ID:           l.ID,
		UserID:       l.UserID,
		SubjectID:    l.SubjectID,
		BookID:       l.BookID,
		RequestID:    l.RequestID,
		Prompt:       l.Prompt,
		Status:       string(l.Status),
		InputExcerpt: l.InputExcerpt,
		Explanation:  l.Explanation,
		Analogies:    encodeStrings(l.Analogies),
		Error:        l.Error,
		ScheduledAt:  l.ScheduledAt,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
}

func lessonFromModel(m LessonModel) domain.Lesson {
	return domain.Lesson{
		ID:           m.ID,
		UserID:       m.UserID,
		SubjectID:    m.SubjectID,
		BookID:       m.BookID,
		RequestID:    m.RequestID,
		Prompt:       m.Prompt,
		Status:       domain.LessonStatus(m.Status),
		InputExcerpt: m.InputExcerpt,
		Explanation:  m.Explanation,
		Analogies:    decodeStrings(m.Analogies),
		Error:        m.Error,
		ScheduledAt:  m.ScheduledAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func scheduleToModel(s domain.Schedule) ScheduleModel {
	return ScheduleModel{
		ID:              s.ID,
		UserID:          s.UserID,
		SubjectID:       s.SubjectID,
		BookID:          s.BookID,
		Prompt:          s.Prompt,
		ScheduleTimeISO: s.ScheduleTimeISO,
		Timezone:        s.Timezone,
		N8NJobID:        s.N8NJobID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func scheduleFromModel(m ScheduleModel) domain.Schedule {
	return domain.Schedule{
		ID:              m.ID,
		UserID:          m.UserID,
		SubjectID:       m.SubjectID,
		BookID:          m.BookID,
		Prompt:          m.Prompt,
		ScheduleTimeISO: m.ScheduleTimeISO,
		Timezone:        m.Timezone,
		N8NJobID:        m.N8NJobID,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func progressToModel(p domain.Progress) ProgressModel {
	return ProgressModel{
		ID:              p.ID,
		UserID:          p.UserID,
		SubjectID:       p.SubjectID,
		BookID:          p.BookID,
		LastCoveredPage: p.LastCoveredPage,
		LastCoveredLine: p.LastCoveredLine,
		Notes:           p.Notes,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func progressFromModel(m ProgressModel) domain.Progress {
	return domain.Progress{
		ID:              m.ID,
		UserID:          m.UserID,
		SubjectID:       m.SubjectID,
		BookID:          m.BookID,
		LastCoveredPage: m.LastCoveredPage,
		LastCoveredLine: m.LastCoveredLine,
		Notes:           m.Notes,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// encodeStrings keeps nil distinct from an empty list so null fields stay null.
func encodeStrings(values []string) datatypes.JSON {
	if values == nil {
		return nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func decodeStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
