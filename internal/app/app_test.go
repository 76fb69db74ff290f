package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"aitutor/internal/workflow"
	"aitutor/pkg/domain"
	"aitutor/pkg/queue"
	"aitutor/pkg/storage"
	"aitutor/pkg/store"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, lessonID string, payload []byte) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Job{}, q.err
	}
	job := queue.Job{ID: "job-" + lessonID, LessonID: lessonID, Payload: string(payload), Status: queue.StatusQueued}
	q.jobs = append(q.jobs, job)
	return job, nil
}

type failingStore struct {
	store.Store
}

func (failingStore) Create(context.Context, string, any) (string, error) {
	return "", errors.New("db down")
}

func newTestApp(t *testing.T, cfg Config) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	files, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	cfg.Files = files
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, dir
}

func TestNormalizeID(t *testing.T) {
	cases := map[string]string{
		"abc":                 "abc",
		"  abc  ":             "abc",
		`"abc"`:               "abc",
		`ObjectId("abc")`:     "abc",
		` ObjectId( 'abc' ) `: "abc",
		"":                    "",
	}
	for in, want := range cases {
		if got := normalizeID(in); got != want {
			t.Fatalf("normalizeID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTitleFromName(t *testing.T) {
	cases := map[string]string{
		"notes.pdf":        "notes",
		"Chem 101.PDF":     "Chem 101",
		"my.pdf.notes.pdf": "my.pdf.notes",
		".pdf":             "untitled",
	}
	for in, want := range cases {
		if got := titleFromName(in); got != want {
			t.Fatalf("titleFromName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUploadBookRejectsNonPDF(t *testing.T) {
	a, dir := newTestApp(t, Config{})
	_, err := a.UploadBook(context.Background(), "u1", "s1", "notes.txt", strings.NewReader("x"), 1)
	if !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("expected ErrUnsupportedFileType, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("upload dir should stay empty, has %d entries", len(entries))
	}
}

func TestUploadBookStoresFileAndRecord(t *testing.T) {
	a, dir := newTestApp(t, Config{})
	ctx := context.Background()
	book, err := a.UploadBook(ctx, "u1", "s1", "notes.pdf", strings.NewReader("%PDF"), 4)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if book.Title != "notes" || book.Pages != nil || book.NumPages != nil {
		t.Fatalf("unexpected book: %+v", book)
	}
	if book.FilePath == nil || !strings.HasPrefix(*book.FilePath, dir) || !strings.HasSuffix(*book.FilePath, "-notes.pdf") {
		t.Fatalf("unexpected file path: %v", book.FilePath)
	}
	books, err := a.ListBooks(ctx, "u1", "s1")
	if err != nil || len(books) != 1 || books[0].ID != book.ID {
		t.Fatalf("list books = %+v, %v", books, err)
	}
	if other, _ := a.ListBooks(ctx, "u2", "s1"); len(other) != 0 {
		t.Fatalf("other user sees %d books", len(other))
	}
}

func TestUploadBookRemovesFileWhenInsertFails(t *testing.T) {
	a, dir := newTestApp(t, Config{Store: failingStore{Store: store.NewMemoryStore()}})
	if _, err := a.UploadBook(context.Background(), "u1", "s1", "notes.pdf", strings.NewReader("%PDF"), 4); err == nil {
		t.Fatalf("expected insert failure")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("stored file should be removed, found %d entries", len(entries))
	}
}

func TestCreateSubjectRequiresUser(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	if _, err := a.CreateSubject(context.Background(), " ", domain.Subject{Name: "Chem"}); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
	if _, err := a.CreateSubject(context.Background(), "u1", domain.Subject{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateLessonTriggersWorkflowInline(t *testing.T) {
	var (
		mu  sync.Mutex
		got workflow.LessonJob
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a, _ := newTestApp(t, Config{Workflow: workflow.NewClient(workflow.Config{
		LessonWebhookURL: srv.URL,
		CallbackBaseURL:  "https://tutor.example.com",
	})})
	ctx := context.Background()
	lesson, err := a.CreateLesson(ctx, "u1", domain.LessonRequest{SubjectID: "s1", BookID: "b1", Prompt: "explain ch1"})
	if err != nil {
		t.Fatalf("create lesson: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.LessonID != lesson.ID || got.SourceMode != domain.SourceLines {
		t.Fatalf("workflow got %+v", got)
	}
	if got.CallbackURL != "https://tutor.example.com/api/lessons/"+lesson.ID {
		t.Fatalf("callback url = %q", got.CallbackURL)
	}
	stored, err := a.GetLesson(ctx, "u1", lesson.ID)
	if err != nil {
		t.Fatalf("get lesson: %v", err)
	}
	if stored.Status != domain.LessonProcessing {
		t.Fatalf("status = %q, want processing", stored.Status)
	}
}

func TestCreateLessonKeepsPendingWhenWorkflowFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusBadGateway)
	}))
	defer srv.Close()
	a, _ := newTestApp(t, Config{Workflow: workflow.NewClient(workflow.Config{LessonWebhookURL: srv.URL})})
	lesson, err := a.CreateLesson(context.Background(), "u1", domain.LessonRequest{SubjectID: "s1", BookID: "b1", Prompt: "p"})
	if err != nil {
		t.Fatalf("create lesson should succeed despite dispatch failure: %v", err)
	}
	stored, _ := a.GetLesson(context.Background(), "u1", lesson.ID)
	if stored.Status != domain.LessonPending {
		t.Fatalf("status = %q, want pending", stored.Status)
	}
}

// callbackFirstStore delivers the worker's result just before the service
// marks the lesson processing.
type callbackFirstStore struct {
	store.Store
}

func (s callbackFirstStore) MarkLessonProcessing(ctx context.Context, id string) (bool, error) {
	complete := domain.LessonComplete
	explanation := "done"
	if _, _, err := s.Store.PatchLesson(ctx, id, domain.LessonPatch{Status: &complete, Explanation: &explanation}); err != nil {
		return false, err
	}
	return s.Store.MarkLessonProcessing(ctx, id)
}

func TestCreateLessonKeepsWorkerResultWhenCallbackWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	a, _ := newTestApp(t, Config{
		Store:    callbackFirstStore{Store: store.NewMemoryStore()},
		Workflow: workflow.NewClient(workflow.Config{LessonWebhookURL: srv.URL}),
	})
	ctx := context.Background()
	lesson, err := a.CreateLesson(ctx, "u1", domain.LessonRequest{SubjectID: "s1", BookID: "b1", Prompt: "p"})
	if err != nil {
		t.Fatalf("create lesson: %v", err)
	}
	stored, err := a.GetLesson(ctx, "u1", lesson.ID)
	if err != nil {
		t.Fatalf("get lesson: %v", err)
	}
	if stored.Status != domain.LessonComplete {
		t.Fatalf("status = %q, want complete", stored.Status)
	}
	if stored.Explanation == nil || *stored.Explanation != "done" {
		t.Fatalf("explanation = %v", stored.Explanation)
	}
}

func TestCreateLessonEnqueuesWhenQueueConfigured(t *testing.T) {
	q := &fakeQueue{}
	a, _ := newTestApp(t, Config{
		Workflow: workflow.NewClient(workflow.Config{LessonWebhookURL: "http://127.0.0.1:0/hook"}),
		Queue:    q,
	})
	lesson, err := a.CreateLesson(context.Background(), "u1", domain.LessonRequest{
		SubjectID: "s1", BookID: "b1", Prompt: "p", SourceMode: domain.SourcePageRange,
	})
	if err != nil {
		t.Fatalf("create lesson: %v", err)
	}
	if len(q.jobs) != 1 || q.jobs[0].LessonID != lesson.ID {
		t.Fatalf("queued jobs = %+v", q.jobs)
	}
	var job workflow.LessonJob
	if err := json.Unmarshal([]byte(q.jobs[0].Payload), &job); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if job.SourceMode != domain.SourcePageRange || job.Prompt != "p" {
		t.Fatalf("payload = %+v", job)
	}
}

func TestCreateLessonValidates(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()
	if _, err := a.CreateLesson(ctx, "u1", domain.LessonRequest{SubjectID: "s1", BookID: "b1", Prompt: "p", SourceMode: "poem"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid source mode, got %v", err)
	}
	start, end := 5, 2
	if _, err := a.CreateLesson(ctx, "u1", domain.LessonRequest{SubjectID: "s1", BookID: "b1", Prompt: "p", StartPage: &start, EndPage: &end}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid page range, got %v", err)
	}
}

func TestDispatchLessonAndFailLesson(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	q := &fakeQueue{}
	a, _ := newTestApp(t, Config{Workflow: workflow.NewClient(workflow.Config{LessonWebhookURL: srv.URL}), Queue: q})
	ctx := context.Background()
	lesson, err := a.CreateLesson(ctx, "u1", domain.LessonRequest{SubjectID: "s1", BookID: "b1", Prompt: "p"})
	if err != nil {
		t.Fatalf("create lesson: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("queued lesson should not trigger inline")
	}
	if err := a.DispatchLesson(ctx, q.jobs[0]); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("webhook calls = %d", n)
	}

	a.FailLesson(ctx, q.jobs[0], errors.New("webhook down"))
	stored, _ := a.GetLesson(ctx, "u1", lesson.ID)
	if stored.Status != domain.LessonError || stored.Error == nil || *stored.Error != "webhook down" {
		t.Fatalf("unexpected lesson after give up: %+v", stored)
	}
}

func TestPatchLesson(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()
	lesson, err := a.CreateLesson(ctx, "u1", domain.LessonRequest{SubjectID: "s1", BookID: "b1", Prompt: "p"})
	if err != nil {
		t.Fatalf("create lesson: %v", err)
	}
	explanation := "atoms are lego"
	if _, err := a.PatchLesson(ctx, `ObjectId("`+lesson.ID+`")`, domain.LessonPatch{
		Explanation: &explanation,
		Analogies:   []string{"lego"},
	}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	complete := domain.LessonComplete
	patched, err := a.PatchLesson(ctx, lesson.ID, domain.LessonPatch{Status: &complete})
	if err != nil {
		t.Fatalf("patch status: %v", err)
	}
	if patched.Status != domain.LessonComplete || patched.Explanation == nil || *patched.Explanation != explanation || len(patched.Analogies) != 1 {
		t.Fatalf("status-only patch clobbered fields: %+v", patched)
	}

	bogus := domain.LessonStatus("done")
	if _, err := a.PatchLesson(ctx, lesson.ID, domain.LessonPatch{Status: &bogus}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := a.PatchLesson(ctx, "missing", domain.LessonPatch{Status: &complete}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := a.GetLesson(ctx, "u2", lesson.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other user should not see lesson, got %v", err)
	}
}

func TestUpsertProgressKeepsOneRecord(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()
	page1, page2 := 3, 7
	id1, err := a.UpsertProgress(ctx, "u1", domain.Progress{SubjectID: "s1", BookID: "b1", LastCoveredPage: &page1})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	id2, err := a.UpsertProgress(ctx, "u1", domain.Progress{SubjectID: "s1", BookID: "b1", LastCoveredPage: &page2})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %s vs %s", id1, id2)
	}
	items, err := a.GetProgress(ctx, "u1", "b1")
	if err != nil || len(items) != 1 || *items[0].LastCoveredPage != 7 {
		t.Fatalf("progress = %+v, %v", items, err)
	}
	negative := -1
	if _, err := a.UpsertProgress(ctx, "u1", domain.Progress{SubjectID: "s1", BookID: "b1", LastCoveredLine: &negative}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateSchedule(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()
	tz := "Europe/Paris"
	s, err := a.CreateSchedule(ctx, "u1", domain.Schedule{
		SubjectID: "s1", BookID: "b1", Prompt: "p",
		ScheduleTimeISO: "2026-11-01T09:00:00Z", Timezone: &tz,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if s.N8NJobID == nil || len(*s.N8NJobID) != 36 {
		t.Fatalf("expected generated uuid job id, got %v", s.N8NJobID)
	}

	given := "n8n-42"
	s, err = a.CreateSchedule(ctx, "u1", domain.Schedule{
		SubjectID: "s1", BookID: "b1", Prompt: "p", ScheduleTimeISO: "2026-11-01T09:00:00+02:00", N8NJobID: &given,
	})
	if err != nil || *s.N8NJobID != "n8n-42" {
		t.Fatalf("caller job id not kept: %v %v", s.N8NJobID, err)
	}

	bad := "Mars/Olympus"
	if _, err := a.CreateSchedule(ctx, "u1", domain.Schedule{SubjectID: "s1", BookID: "b1", Prompt: "p", ScheduleTimeISO: "2026-11-01T09:00:00Z", Timezone: &bad}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected bad timezone rejected, got %v", err)
	}
	if _, err := a.CreateSchedule(ctx, "u1", domain.Schedule{SubjectID: "s1", BookID: "b1", Prompt: "p", ScheduleTimeISO: "tomorrow"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected bad time rejected, got %v", err)
	}
	list, err := a.ListSchedules(ctx, "u1")
	if err != nil || len(list) != 2 {
		t.Fatalf("list schedules = %d, %v", len(list), err)
	}
}

func TestCreateScheduleUsesWorkflowJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"wf-7"}`))
	}))
	defer srv.Close()
	a, _ := newTestApp(t, Config{Workflow: workflow.NewClient(workflow.Config{ScheduleWebhookURL: srv.URL})})
	s, err := a.CreateSchedule(context.Background(), "u1", domain.Schedule{
		SubjectID: "s1", BookID: "b1", Prompt: "p", ScheduleTimeISO: "2026-11-01T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if *s.N8NJobID != "wf-7" {
		t.Fatalf("job id = %q", *s.N8NJobID)
	}
}

func TestSetBookPages(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()
	book, err := a.UploadBook(ctx, "u1", "s1", "notes.pdf", strings.NewReader("%PDF"), 4)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := a.SetBookPages(ctx, book.ID, []string{"p1", "p2", "p3"}); err != nil {
		t.Fatalf("set pages: %v", err)
	}
	books, _ := a.ListBooks(ctx, "u1", "s1")
	if books[0].NumPages == nil || *books[0].NumPages != 3 {
		t.Fatalf("num pages = %v", books[0].NumPages)
	}
	if err := a.SetBookPages(ctx, "missing", []string{"x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
