package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aitutor/pkg/domain"
)

// MemoryStore keeps documents in-process. It backs tests and local runs
// without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	subjects  map[string]domain.Subject
	books     map[string]domain.Book
	lessons   map[string]domain.Lesson
	schedules map[string]domain.Schedule
	progress  map[string]domain.Progress
	progByKey map[progressKey]string // (user, book) -> progress ID
	orders    map[string][]string    // collection -> IDs in insertion order
}

type progressKey struct {
	userID string
	bookID string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects:  make(map[string]domain.Subject),
		books:     make(map[string]domain.Book),
		lessons:   make(map[string]domain.Lesson),
		schedules: make(map[string]domain.Schedule),
		progress:  make(map[string]domain.Progress),
		progByKey: make(map[progressKey]string),
		orders:    make(map[string][]string),
	}
}

// Create stores a typed document and tracks insertion order.
func (m *MemoryStore) Create(_ context.Context, collection string, doc any) (string, error) {
	prepared, err := prepare(collection, doc, time.Now().UTC())
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var id string
	switch v := prepared.(type) {
	case domain.Subject:
		id = v.ID
		m.subjects[id] = v
	case domain.Book:
		id = v.ID
		m.books[id] = v
	case domain.Lesson:
		id = v.ID
		m.lessons[id] = v
	case domain.Schedule:
		id = v.ID
		m.schedules[id] = v
	case domain.Progress:
		key := progressKey{userID: v.UserID, bookID: v.BookID}
		if _, exists := m.progByKey[key]; exists {
			return "", fmt.Errorf("insert progress: duplicate key (%s, %s)", v.UserID, v.BookID)
		}
		id = v.ID
		m.progress[id] = v
		m.progByKey[key] = id
	}
	m.orders[collection] = append(m.orders[collection], id)
	return id, nil
}

// Query returns documents in insertion order whose fields equal filter.
func (m *MemoryStore) Query(_ context.Context, collection string, filter map[string]string) ([]map[string]any, error) {
	if err := validateFilter(collection, filter); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, 0)
	for _, id := range m.orders[collection] {
		item, ok := m.lookup(collection, id)
		if !ok {
			continue
		}
		doc, err := toDocument(item)
		if err != nil {
			return nil, err
		}
		if matches(doc, filter) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (m *MemoryStore) lookup(collection, id string) (any, bool) {
	var (
		v  any
		ok bool
	)
	switch collection {
	case domain.CollectionSubject:
		v, ok = m.subjects[id]
	case domain.CollectionBook:
		v, ok = m.books[id]
	case domain.CollectionLesson:
		v, ok = m.lessons[id]
	case domain.CollectionSchedule:
		v, ok = m.schedules[id]
	case domain.CollectionProgress:
		v, ok = m.progress[id]
	}
	return v, ok
}

func matches(doc map[string]any, filter map[string]string) bool {
	for key, want := range filter {
		got, ok := doc[key].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// GetLesson retrieves a lesson by ID.
func (m *MemoryStore) GetLesson(_ context.Context, id string) (domain.Lesson, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lessons[id]
	return cloneLesson(l), ok, nil
}

// PatchLesson applies the non-nil patch fields.
func (m *MemoryStore) PatchLesson(_ context.Context, id string, patch domain.LessonPatch) (domain.Lesson, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lessons[id]
	if !ok {
		return domain.Lesson{}, false, nil
	}
	if patch.Status != nil {
		l.Status = *patch.Status
	}
	if patch.InputExcerpt != nil {
		l.InputExcerpt = stringPtr(*patch.InputExcerpt)
	}
	if patch.Explanation != nil {
		l.Explanation = stringPtr(*patch.Explanation)
	}
	if patch.Analogies != nil {
		l.Analogies = append([]string(nil), patch.Analogies...)
	}
	if patch.Error != nil {
		l.Error = stringPtr(*patch.Error)
	}
	l.UpdatedAt = time.Now().UTC()
	m.lessons[id] = l
	return cloneLesson(l), true, nil
}

// MarkLessonProcessing moves a pending lesson to processing under the write lock.
func (m *MemoryStore) MarkLessonProcessing(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lessons[id]
	if !ok || l.Status != domain.LessonPending {
		return false, nil
	}
	l.Status = domain.LessonProcessing
	l.UpdatedAt = time.Now().UTC()
	m.lessons[id] = l
	return true, nil
}

// SetBookPages records extracted page text for a book.
func (m *MemoryStore) SetBookPages(_ context.Context, id string, pages []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return false, nil
	}
	b.Pages = append([]string{}, pages...)
	n := len(b.Pages)
	b.NumPages = &n
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return true, nil
}

// UpsertProgress inserts or overwrites the (user_id, book_id) record while
// holding the write lock, so concurrent callers cannot create duplicates.
func (m *MemoryStore) UpsertProgress(_ context.Context, p domain.Progress) (string, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey{userID: p.UserID, bookID: p.BookID}
	if id, ok := m.progByKey[key]; ok {
		existing := m.progress[id]
		p.ID = id
		p.CreatedAt = existing.CreatedAt
		p.UpdatedAt = now
		m.progress[id] = p
		return id, nil
	}
	p.ID = ""
	prepared, err := prepare(domain.CollectionProgress, p, now)
	if err != nil {
		return "", err
	}
	rec := prepared.(domain.Progress)
	m.progress[rec.ID] = rec
	m.progByKey[key] = rec.ID
	m.orders[domain.CollectionProgress] = append(m.orders[domain.CollectionProgress], rec.ID)
	return rec.ID, nil
}

// Info reports the in-memory collections.
func (m *MemoryStore) Info(context.Context) (Info, error) {
	return Info{
		Driver:      "memory",
		Name:        "memory",
		Collections: append([]string(nil), domain.Collections...),
	}, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func cloneLesson(l domain.Lesson) domain.Lesson {
	if l.Analogies != nil {
		l.Analogies = append([]string(nil), l.Analogies...)
	}
	return l
}

func stringPtr(v string) *string {
	return &v
}
