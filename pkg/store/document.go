package store

import (
	"encoding/json"
	"fmt"
	"time"

	"aitutor/internal/util"
	"aitutor/pkg/domain"
)

// filterFields lists the fields each collection may be queried on.
var filterFields = map[string]map[string]struct{}{
	domain.CollectionSubject:  fieldSet("id", "user_id"),
	domain.CollectionBook:     fieldSet("id", "user_id", "subject_id"),
	domain.CollectionLesson:   fieldSet("id", "user_id", "subject_id", "book_id", "status"),
	domain.CollectionSchedule: fieldSet("id", "user_id", "subject_id", "book_id"),
	domain.CollectionProgress: fieldSet("id", "user_id", "subject_id", "book_id"),
}

func fieldSet(fields ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func validateFilter(collection string, filter map[string]string) error {
	allowed, ok := filterFields[collection]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	for key := range filter {
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("%w: %s.%s", ErrInvalidFilter, collection, key)
		}
	}
	return nil
}

// prepare checks doc against collection and fills id and timestamps.
func prepare(collection string, doc any, now time.Time) (any, error) {
	switch collection {
	case domain.CollectionSubject:
		v, ok := doc.(domain.Subject)
		if !ok {
			return nil, typeError(collection, doc)
		}
		stamp(&v.ID, &v.CreatedAt, &v.UpdatedAt, now)
		return v, nil
	case domain.CollectionBook:
		v, ok := doc.(domain.Book)
		if !ok {
			return nil, typeError(collection, doc)
		}
		stamp(&v.ID, &v.CreatedAt, &v.UpdatedAt, now)
		return v, nil
	case domain.CollectionLesson:
		v, ok := doc.(domain.Lesson)
		if !ok {
			return nil, typeError(collection, doc)
		}
		if v.Status == "" {
			v.Status = domain.LessonPending
		}
		stamp(&v.ID, &v.CreatedAt, &v.UpdatedAt, now)
		return v, nil
	case domain.CollectionSchedule:
		v, ok := doc.(domain.Schedule)
		if !ok {
			return nil, typeError(collection, doc)
		}
		stamp(&v.ID, &v.CreatedAt, &v.UpdatedAt, now)
		return v, nil
	case domain.CollectionProgress:
		v, ok := doc.(domain.Progress)
		if !ok {
			return nil, typeError(collection, doc)
		}
		stamp(&v.ID, &v.CreatedAt, &v.UpdatedAt, now)
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
}

func stamp(id *string, createdAt, updatedAt *time.Time, now time.Time) {
	if *id == "" {
		*id = util.NewID()
	}
	if createdAt.IsZero() {
		*createdAt = now
	}
	*updatedAt = now
}

func typeError(collection string, doc any) error {
	return fmt.Errorf("%w: %s got %T", ErrDocumentType, collection, doc)
}

// toDocument flattens a typed record into the plain mapping returned by Query.
func toDocument(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func toDocuments[T any](items []T) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		doc, err := toDocument(item)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}
