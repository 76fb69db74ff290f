// Package workflow talks to the n8n webhooks that do the real work:
// excerpt extraction, LLM explanations and timed lesson triggers.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aitutor/pkg/domain"
)

// ErrNotConfigured is returned when the matching webhook URL is empty.
var ErrNotConfigured = errors.New("workflow webhook not configured")

// Config holds webhook endpoints. Empty URLs disable the matching call.
type Config struct {
	LessonWebhookURL   string
	ScheduleWebhookURL string
	Token              string
	CallbackBaseURL    string
	Timeout            time.Duration
}

// LessonJob is posted to the lesson webhook. The workflow answers later by
// PATCHing CallbackURL.
type LessonJob struct {
	LessonID    string            `json:"lesson_id"`
	UserID      string            `json:"user_id"`
	SubjectID   string            `json:"subject_id"`
	BookID      string            `json:"book_id"`
	Prompt      string            `json:"prompt"`
	SourceMode  domain.SourceMode `json:"source_mode"`
	StartPage   *int              `json:"start_page,omitempty"`
	EndPage     *int              `json:"end_page,omitempty"`
	Lines       *int              `json:"lines,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
}

// APIError represents a non-2xx webhook response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("workflow error (%d): %s", e.Status, e.Message)
}

// Client calls the workflow service over HTTP.
type Client struct {
	lessonURL       string
	scheduleURL     string
	token           string
	callbackBaseURL string
	httpClient      *http.Client
}

// NewClient constructs a workflow client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		lessonURL:       strings.TrimSpace(cfg.LessonWebhookURL),
		scheduleURL:     strings.TrimSpace(cfg.ScheduleWebhookURL),
		token:           strings.TrimSpace(cfg.Token),
		callbackBaseURL: strings.TrimRight(strings.TrimSpace(cfg.CallbackBaseURL), "/"),
		httpClient:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) LessonsEnabled() bool   { return c != nil && c.lessonURL != "" }
func (c *Client) SchedulesEnabled() bool { return c != nil && c.scheduleURL != "" }

// CallbackURL returns where the workflow should report results for a lesson.
func (c *Client) CallbackURL(lessonID string) string {
	if c == nil || c.callbackBaseURL == "" {
		return ""
	}
	return c.callbackBaseURL + "/api/lessons/" + lessonID
}

// TriggerLesson asks the workflow to produce the lesson.
func (c *Client) TriggerLesson(ctx context.Context, job LessonJob) error {
	if !c.LessonsEnabled() {
		return ErrNotConfigured
	}
	if job.CallbackURL == "" {
		job.CallbackURL = c.CallbackURL(job.LessonID)
	}
	return c.post(ctx, c.lessonURL, job, nil)
}

// RegisterSchedule registers a timed lesson and returns the workflow's job id.
func (c *Client) RegisterSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	if !c.SchedulesEnabled() {
		return "", ErrNotConfigured
	}
	var resp struct {
		ID    string `json:"id"`
		JobID string `json:"job_id"`
	}
	if err := c.post(ctx, c.scheduleURL, s, &resp); err != nil {
		return "", err
	}
	jobID := strings.TrimSpace(resp.ID)
	if jobID == "" {
		jobID = strings.TrimSpace(resp.JobID)
	}
	if jobID == "" {
		return "", errors.New("workflow response missing job id")
	}
	return jobID, nil
}

func (c *Client) post(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(raw, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode workflow response: %w", err)
	}
	return nil
}
