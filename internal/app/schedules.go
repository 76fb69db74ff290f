package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"aitutor/pkg/domain"
)

// CreateSchedule stores a timed lesson request. When a scheduler webhook is
// configured the workflow's job id is recorded; otherwise a caller supplied
// id is kept or a fresh one generated.
func (a *App) CreateSchedule(ctx context.Context, userID string, s domain.Schedule) (domain.Schedule, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return domain.Schedule{}, err
	}
	if s.SubjectID, err = requireField("subject_id", s.SubjectID); err != nil {
		return domain.Schedule{}, err
	}
	if s.BookID, err = requireField("book_id", s.BookID); err != nil {
		return domain.Schedule{}, err
	}
	if s.Prompt, err = requireField("prompt", s.Prompt); err != nil {
		return domain.Schedule{}, err
	}
	if s.ScheduleTimeISO, err = requireField("schedule_time_iso", s.ScheduleTimeISO); err != nil {
		return domain.Schedule{}, err
	}
	if _, err := time.Parse(time.RFC3339, s.ScheduleTimeISO); err != nil {
		return domain.Schedule{}, fmt.Errorf("%w: schedule_time_iso must be RFC 3339", ErrInvalidInput)
	}
	if s.Timezone != nil {
		tz := strings.TrimSpace(*s.Timezone)
		if tz == "" {
			s.Timezone = nil
		} else if _, err := time.LoadLocation(tz); err != nil {
			return domain.Schedule{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidInput, tz)
		} else {
			s.Timezone = &tz
		}
	}
	s.ID = ""
	s.UserID = userID

	if a.workflow.SchedulesEnabled() {
		jobID, err := a.workflow.RegisterSchedule(ctx, s)
		if err != nil {
			return domain.Schedule{}, fmt.Errorf("register schedule: %w", err)
		}
		s.N8NJobID = &jobID
	} else if s.N8NJobID == nil || strings.TrimSpace(*s.N8NJobID) == "" {
		jobID := uuid.NewString()
		s.N8NJobID = &jobID
	}

	id, err := a.store.Create(ctx, domain.CollectionSchedule, s)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	s.ID = id
	return s, nil
}

// ListSchedules returns the user's schedules.
func (a *App) ListSchedules(ctx context.Context, userID string) ([]domain.Schedule, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	return query[domain.Schedule](ctx, a.store, domain.CollectionSchedule, map[string]string{"user_id": userID})
}
