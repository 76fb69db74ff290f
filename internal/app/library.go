package app

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"aitutor/internal/util"
	"aitutor/pkg/domain"
	"aitutor/pkg/storage"
)

// CreateSubject stores a subject owned by userID.
func (a *App) CreateSubject(ctx context.Context, userID string, subject domain.Subject) (string, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return "", err
	}
	name, err := requireField("name", subject.Name)
	if err != nil {
		return "", err
	}
	subject.ID = ""
	subject.UserID = userID
	subject.Name = name
	id, err := a.store.Create(ctx, domain.CollectionSubject, subject)
	if err != nil {
		return "", fmt.Errorf("create subject: %w", err)
	}
	return id, nil
}

// ListSubjects returns the user's subjects.
func (a *App) ListSubjects(ctx context.Context, userID string) ([]domain.Subject, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	return query[domain.Subject](ctx, a.store, domain.CollectionSubject, map[string]string{"user_id": userID})
}

// UploadBook stores a PDF and records a book for it. Page extraction happens
// out of process and arrives later through SetBookPages.
func (a *App) UploadBook(ctx context.Context, userID, subjectID, filename string, r io.Reader, size int64) (domain.Book, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return domain.Book{}, err
	}
	subjectID, err = requireField("subject_id", subjectID)
	if err != nil {
		return domain.Book{}, err
	}
	filename = strings.TrimSpace(filename)
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return domain.Book{}, ErrUnsupportedFileType
	}

	key := storage.UploadKey(filename)
	contentType := mime.TypeByExtension(".pdf")
	if contentType == "" {
		contentType = "application/pdf"
	}
	path, err := a.files.Put(ctx, key, r, size, contentType)
	if err != nil {
		return domain.Book{}, fmt.Errorf("save file: %w", err)
	}
	original := filepath.Base(filename)
	book := domain.Book{
		UserID:           userID,
		SubjectID:        subjectID,
		Title:            titleFromName(original),
		OriginalFilename: &original,
		FilePath:         &path,
	}
	id, err := a.store.Create(ctx, domain.CollectionBook, book)
	if err != nil {
		if delErr := a.files.Delete(ctx, key); delErr != nil {
			util.LoggerFromContext(ctx).Warn("orphaned upload", "key", key, "err", delErr)
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	book.ID = id
	return book, nil
}

// ListBooks returns the user's books in one subject.
func (a *App) ListBooks(ctx context.Context, userID, subjectID string) ([]domain.Book, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	subjectID, err = requireField("subject_id", subjectID)
	if err != nil {
		return nil, err
	}
	return query[domain.Book](ctx, a.store, domain.CollectionBook, map[string]string{
		"user_id":    userID,
		"subject_id": subjectID,
	})
}

// SetBookPages records the extractor's per-page text for a book.
func (a *App) SetBookPages(ctx context.Context, bookID string, pages []string) error {
	bookID = normalizeID(bookID)
	if bookID == "" {
		return fmt.Errorf("%w: book id is required", ErrInvalidInput)
	}
	if pages == nil {
		return fmt.Errorf("%w: pages is required", ErrInvalidInput)
	}
	ok, err := a.store.SetBookPages(ctx, bookID, pages)
	if err != nil {
		return fmt.Errorf("set book pages: %w", err)
	}
	if !ok {
		return fmt.Errorf("book %s: %w", bookID, ErrNotFound)
	}
	return nil
}

// titleFromName drops a trailing .pdf extension in any case.
func titleFromName(name string) string {
	title := name
	if strings.HasSuffix(strings.ToLower(title), ".pdf") {
		title = title[:len(title)-len(".pdf")]
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "untitled"
	}
	return title
}
