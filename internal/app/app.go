package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"aitutor/internal/workflow"
	"aitutor/pkg/queue"
	"aitutor/pkg/storage"
	"aitutor/pkg/store"
)

// LessonQueue defers lesson dispatch to background consumers.
type LessonQueue interface {
	Enqueue(ctx context.Context, lessonID string, payload []byte) (queue.Job, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store    store.Store
	Files    storage.ObjectStore
	Workflow *workflow.Client
	// Queue is optional. Without it lessons are triggered inline.
	Queue LessonQueue
	// Now is overridable in tests.
	Now func() time.Time
}

// App holds the tutor's domain operations on top of the document store.
type App struct {
	store    store.Store
	files    storage.ObjectStore
	workflow *workflow.Client
	queue    LessonQueue
	now      func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Files == nil {
		return nil, errors.New("file storage required")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:    cfg.Store,
		files:    cfg.Files,
		workflow: cfg.Workflow,
		queue:    cfg.Queue,
		now:      now,
	}, nil
}

// Store exposes the document store for diagnostics.
func (a *App) Store() store.Store { return a.store }

// Ping checks that the document store is reachable.
func (a *App) Ping(ctx context.Context) error { return a.store.Ping(ctx) }

func requireUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrMissingUserID
	}
	return userID, nil
}

func requireField(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
	}
	return value, nil
}

// normalizeID accepts ids as clients and workflows tend to echo them back:
// padded, quoted or wrapped as ObjectId("...").
func normalizeID(raw string) string {
	id := strings.TrimSpace(raw)
	if strings.HasPrefix(id, "ObjectId(") && strings.HasSuffix(id, ")") {
		id = strings.TrimSpace(id[len("ObjectId(") : len(id)-1])
	}
	id = strings.Trim(id, `"'`)
	return strings.TrimSpace(id)
}

// query runs a collection query and decodes the documents into T.
func query[T any](ctx context.Context, s store.Store, collection string, filter map[string]string) ([]T, error) {
	docs, err := s.Query(ctx, collection, filter)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", collection, err)
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		out = append(out, item)
	}
	return out, nil
}
