package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"aitutor/internal/util"
	"aitutor/internal/workflow"
	"aitutor/pkg/domain"
	"aitutor/pkg/queue"
)

// CreateLesson records a pending lesson and hands it to the workflow.
// Dispatch failures are logged; the lesson stays pending so the caller
// still gets its id.
func (a *App) CreateLesson(ctx context.Context, userID string, req domain.LessonRequest) (domain.Lesson, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return domain.Lesson{}, err
	}
	if req.SubjectID, err = requireField("subject_id", req.SubjectID); err != nil {
		return domain.Lesson{}, err
	}
	if req.BookID, err = requireField("book_id", req.BookID); err != nil {
		return domain.Lesson{}, err
	}
	if req.Prompt, err = requireField("prompt", req.Prompt); err != nil {
		return domain.Lesson{}, err
	}
	if req.SourceMode == "" {
		req.SourceMode = domain.SourceLines
	}
	if !req.SourceMode.Valid() {
		return domain.Lesson{}, fmt.Errorf("%w: source_mode %q", ErrInvalidInput, req.SourceMode)
	}
	if req.StartPage != nil && req.EndPage != nil && *req.EndPage < *req.StartPage {
		return domain.Lesson{}, fmt.Errorf("%w: end_page before start_page", ErrInvalidInput)
	}
	req.UserID = userID

	requestID := util.RequestIDFromContext(ctx)
	lesson := domain.Lesson{
		UserID:    userID,
		SubjectID: req.SubjectID,
		BookID:    req.BookID,
		Prompt:    req.Prompt,
		Status:    domain.LessonPending,
	}
	if requestID != "" {
		lesson.RequestID = &requestID
	}
	id, err := a.store.Create(ctx, domain.CollectionLesson, lesson)
	if err != nil {
		return domain.Lesson{}, fmt.Errorf("create lesson: %w", err)
	}
	lesson.ID = id

	if err := a.dispatch(ctx, a.lessonJob(id, req)); err != nil {
		util.LoggerFromContext(ctx).Warn("lesson dispatch failed", "lessonId", id, "err", err)
	}
	return lesson, nil
}

// GetLesson returns a lesson owned by userID.
func (a *App) GetLesson(ctx context.Context, userID, lessonID string) (domain.Lesson, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return domain.Lesson{}, err
	}
	lessonID = normalizeID(lessonID)
	lesson, ok, err := a.store.GetLesson(ctx, lessonID)
	if err != nil {
		return domain.Lesson{}, fmt.Errorf("get lesson: %w", err)
	}
	if !ok || lesson.UserID != userID {
		return domain.Lesson{}, fmt.Errorf("lesson %s: %w", lessonID, ErrNotFound)
	}
	return lesson, nil
}

// ListLessons returns the user's lessons, optionally for one book.
func (a *App) ListLessons(ctx context.Context, userID, bookID string) ([]domain.Lesson, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	filter := map[string]string{"user_id": userID}
	if bookID = normalizeID(bookID); bookID != "" {
		filter["book_id"] = bookID
	}
	return query[domain.Lesson](ctx, a.store, domain.CollectionLesson, filter)
}

// PatchLesson applies a worker's partial result. Only fields present in the
// patch are written.
func (a *App) PatchLesson(ctx context.Context, lessonID string, patch domain.LessonPatch) (domain.Lesson, error) {
	lessonID = normalizeID(lessonID)
	if lessonID == "" {
		return domain.Lesson{}, fmt.Errorf("%w: lesson id is required", ErrInvalidInput)
	}
	if patch.Status != nil {
		status, ok := domain.ParseLessonStatus(string(*patch.Status))
		if !ok {
			return domain.Lesson{}, fmt.Errorf("%w: %q", ErrInvalidStatus, *patch.Status)
		}
		patch.Status = &status
	}
	logger := util.LoggerFromContext(ctx)
	if patch.Status != nil {
		current, ok, err := a.store.GetLesson(ctx, lessonID)
		if err == nil && ok && current.Status.Terminal() && current.Status != *patch.Status {
			logger.Warn("lesson leaves terminal state", "lessonId", lessonID, "from", current.Status, "to", *patch.Status)
		}
	}
	lesson, ok, err := a.store.PatchLesson(ctx, lessonID, patch)
	if err != nil {
		return domain.Lesson{}, fmt.Errorf("patch lesson: %w", err)
	}
	if !ok {
		return domain.Lesson{}, fmt.Errorf("lesson %s: %w", lessonID, ErrNotFound)
	}
	return lesson, nil
}

func (a *App) lessonJob(lessonID string, req domain.LessonRequest) workflow.LessonJob {
	job := workflow.LessonJob{
		LessonID:   lessonID,
		UserID:     req.UserID,
		SubjectID:  req.SubjectID,
		BookID:     req.BookID,
		Prompt:     req.Prompt,
		SourceMode: req.SourceMode,
		StartPage:  req.StartPage,
		EndPage:    req.EndPage,
		Lines:      req.Lines,
	}
	if a.workflow != nil {
		job.CallbackURL = a.workflow.CallbackURL(lessonID)
	}
	return job
}

// dispatch enqueues the job when a queue is configured and otherwise calls
// the lesson webhook inline. Without a webhook the lesson stays pending.
func (a *App) dispatch(ctx context.Context, job workflow.LessonJob) error {
	if !a.workflow.LessonsEnabled() {
		return nil
	}
	if a.queue != nil {
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode lesson job: %w", err)
		}
		if _, err := a.queue.Enqueue(ctx, job.LessonID, payload); err != nil {
			return fmt.Errorf("enqueue lesson: %w", err)
		}
		return nil
	}
	if err := a.workflow.TriggerLesson(ctx, job); err != nil {
		return err
	}
	a.markProcessing(ctx, job.LessonID)
	return nil
}

// DispatchLesson is the queue handler: it posts a queued job to the lesson
// webhook.
func (a *App) DispatchLesson(ctx context.Context, job queue.Job) error {
	var payload workflow.LessonJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		// A malformed payload will never succeed; fail the lesson directly.
		a.FailLesson(ctx, job, fmt.Errorf("decode lesson job: %w", err))
		return nil
	}
	if payload.LessonID == "" {
		payload.LessonID = job.LessonID
	}
	if err := a.workflow.TriggerLesson(ctx, payload); err != nil {
		if errors.Is(err, workflow.ErrNotConfigured) {
			return nil
		}
		return err
	}
	a.markProcessing(ctx, payload.LessonID)
	return nil
}

// FailLesson marks a lesson as errored once dispatch has been abandoned.
func (a *App) FailLesson(ctx context.Context, job queue.Job, cause error) {
	status := domain.LessonError
	msg := "dispatch failed"
	if cause != nil {
		msg = cause.Error()
	}
	if _, _, err := a.store.PatchLesson(ctx, job.LessonID, domain.LessonPatch{Status: &status, Error: &msg}); err != nil {
		util.LoggerFromContext(ctx).Error("mark lesson failed", "lessonId", job.LessonID, "err", err)
	}
}

// markProcessing moves a still pending lesson to processing. A worker that
// already reported back wins.
func (a *App) markProcessing(ctx context.Context, lessonID string) {
	if _, err := a.store.MarkLessonProcessing(ctx, lessonID); err != nil {
		util.LoggerFromContext(ctx).Warn("mark lesson processing", "lessonId", lessonID, "err", err)
	}
}
