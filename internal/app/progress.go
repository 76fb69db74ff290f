package app

import (
	"context"
	"fmt"

	"aitutor/pkg/domain"
)

// UpsertProgress records how far the user got in a book. There is one
// record per (user, book); a second call overwrites every field.
func (a *App) UpsertProgress(ctx context.Context, userID string, p domain.Progress) (string, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return "", err
	}
	if p.BookID, err = requireField("book_id", p.BookID); err != nil {
		return "", err
	}
	if p.SubjectID, err = requireField("subject_id", p.SubjectID); err != nil {
		return "", err
	}
	if (p.LastCoveredPage != nil && *p.LastCoveredPage < 0) || (p.LastCoveredLine != nil && *p.LastCoveredLine < 0) {
		return "", fmt.Errorf("%w: progress positions must not be negative", ErrInvalidInput)
	}
	p.ID = ""
	p.UserID = userID
	id, err := a.store.UpsertProgress(ctx, p)
	if err != nil {
		return "", fmt.Errorf("upsert progress: %w", err)
	}
	return id, nil
}

// GetProgress returns the user's progress for a book as a list of zero or
// one item.
func (a *App) GetProgress(ctx context.Context, userID, bookID string) ([]domain.Progress, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	bookID, err = requireField("book_id", bookID)
	if err != nil {
		return nil, err
	}
	return query[domain.Progress](ctx, a.store, domain.CollectionProgress, map[string]string{
		"user_id": userID,
		"book_id": bookID,
	})
}
