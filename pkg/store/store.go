package store

import (
	"context"
	"errors"

	"aitutor/pkg/domain"
)

var (
	// ErrUnknownCollection is returned for collection names outside domain.Collections.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrDocumentType is returned when a document does not match its collection's shape.
	ErrDocumentType = errors.New("document does not match collection")
	// ErrInvalidFilter is returned when a query filters on a field that is not indexed.
	ErrInvalidFilter = errors.New("invalid filter field")
)

// Store is the document store client shared by every handler.
type Store interface {
	// Create inserts doc into collection, assigning an id and timestamps when
	// missing, and returns the stringified id.
	Create(ctx context.Context, collection string, doc any) (string, error)
	// Query returns all documents of collection whose fields equal filter.
	Query(ctx context.Context, collection string, filter map[string]string) ([]map[string]any, error)

	// lessons
	GetLesson(ctx context.Context, id string) (domain.Lesson, bool, error)
	PatchLesson(ctx context.Context, id string, patch domain.LessonPatch) (domain.Lesson, bool, error)
	// MarkLessonProcessing moves a lesson to processing only while it is
	// still pending. It reports whether the lesson changed.
	MarkLessonProcessing(ctx context.Context, id string) (bool, error)

	// books
	SetBookPages(ctx context.Context, id string, pages []string) (bool, error)

	// progress
	UpsertProgress(ctx context.Context, p domain.Progress) (string, error)

	// diagnostics
	Info(ctx context.Context) (Info, error)
	Ping(ctx context.Context) error
	Close() error
}

// Info describes the backing database for diagnostics.
type Info struct {
	Driver      string
	Name        string
	Collections []string
}
