package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"aitutor/pkg/domain"
)

func TestMemoryStoreCreateAndQueryScopesByFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, sub := range []domain.Subject{
		{UserID: "u1", Name: "Chemistry"},
		{UserID: "u2", Name: "Physics"},
		{UserID: "u1", Name: "Biology"},
	} {
		if _, err := s.Create(ctx, domain.CollectionSubject, sub); err != nil {
			t.Fatalf("create subject: %v", err)
		}
	}

	docs, err := s.Query(ctx, domain.CollectionSubject, map[string]string{"user_id": "u1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 subjects for u1, got %d", len(docs))
	}
	if docs[0]["name"] != "Chemistry" || docs[1]["name"] != "Biology" {
		t.Fatalf("unexpected order: %v, %v", docs[0]["name"], docs[1]["name"])
	}
	for _, doc := range docs {
		if doc["user_id"] != "u1" {
			t.Fatalf("query leaked document of %v", doc["user_id"])
		}
		if id, ok := doc["id"].(string); !ok || id == "" {
			t.Fatalf("expected string id, got %#v", doc["id"])
		}
	}
}

func TestMemoryStoreCreateRejectsMismatchedDocument(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Create(context.Background(), domain.CollectionBook, domain.Subject{UserID: "u1"})
	if !errors.Is(err, ErrDocumentType) {
		t.Fatalf("expected ErrDocumentType, got %v", err)
	}
	_, err = s.Create(context.Background(), "users", domain.Subject{UserID: "u1"})
	if !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestMemoryStoreQueryRejectsUnindexedField(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Query(context.Background(), domain.CollectionSubject, map[string]string{"name": "x"})
	if !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestMemoryStorePatchLessonIsSparse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, err := s.Create(ctx, domain.CollectionLesson, domain.Lesson{
		UserID: "u1", SubjectID: "s1", BookID: "b1", Prompt: "explain",
	})
	if err != nil {
		t.Fatalf("create lesson: %v", err)
	}
	created, ok, err := s.GetLesson(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get lesson: ok=%v err=%v", ok, err)
	}
	if created.Status != domain.LessonPending {
		t.Fatalf("new lesson status = %q, want pending", created.Status)
	}

	explanation := "atoms bond"
	if _, ok, err := s.PatchLesson(ctx, id, domain.LessonPatch{
		Explanation: &explanation,
		Analogies:   []string{"like magnets"},
	}); err != nil || !ok {
		t.Fatalf("first patch: ok=%v err=%v", ok, err)
	}
	complete := domain.LessonComplete
	got, ok, err := s.PatchLesson(ctx, id, domain.LessonPatch{Status: &complete})
	if err != nil || !ok {
		t.Fatalf("second patch: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.LessonComplete {
		t.Fatalf("status = %q, want complete", got.Status)
	}
	if got.Explanation == nil || *got.Explanation != explanation {
		t.Fatalf("explanation overwritten: %v", got.Explanation)
	}
	if len(got.Analogies) != 1 || got.Analogies[0] != "like magnets" {
		t.Fatalf("analogies overwritten: %v", got.Analogies)
	}
	if got.Prompt != "explain" {
		t.Fatalf("prompt changed: %q", got.Prompt)
	}
}

func TestMemoryStorePatchLessonUnknownID(t *testing.T) {
	s := NewMemoryStore()
	complete := domain.LessonComplete
	_, ok, err := s.PatchLesson(context.Background(), "missing", domain.LessonPatch{Status: &complete})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if ok {
		t.Fatalf("expected unknown lesson to report not found")
	}
}

func TestMemoryStoreMarkLessonProcessingOnlyFromPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	pendingID, err := s.Create(ctx, domain.CollectionLesson, domain.Lesson{UserID: "u1", Status: domain.LessonPending})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doneID, err := s.Create(ctx, domain.CollectionLesson, domain.Lesson{UserID: "u1", Status: domain.LessonComplete})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if ok, err := s.MarkLessonProcessing(ctx, pendingID); err != nil || !ok {
		t.Fatalf("mark pending: ok=%v err=%v", ok, err)
	}
	if ok, err := s.MarkLessonProcessing(ctx, pendingID); err != nil || ok {
		t.Fatalf("second mark should not apply: ok=%v err=%v", ok, err)
	}
	if ok, err := s.MarkLessonProcessing(ctx, doneID); err != nil || ok {
		t.Fatalf("complete lesson should not change: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.MarkLessonProcessing(ctx, "missing"); ok {
		t.Fatalf("unknown lesson should not change")
	}

	got, _, _ := s.GetLesson(ctx, pendingID)
	if got.Status != domain.LessonProcessing {
		t.Fatalf("status = %q, want processing", got.Status)
	}
	got, _, _ = s.GetLesson(ctx, doneID)
	if got.Status != domain.LessonComplete {
		t.Fatalf("status = %q, want complete", got.Status)
	}
}

func TestMemoryStoreUpsertProgressOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	page1, page2 := 3, 9
	notes := "chapter 1"

	id1, err := s.UpsertProgress(ctx, domain.Progress{UserID: "u1", SubjectID: "s1", BookID: "b1", LastCoveredPage: &page1, Notes: &notes})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	id2, err := s.UpsertProgress(ctx, domain.Progress{UserID: "u1", SubjectID: "s1", BookID: "b1", LastCoveredPage: &page2})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("upsert created a second record: %s vs %s", id1, id2)
	}

	docs, err := s.Query(ctx, domain.CollectionProgress, map[string]string{"user_id": "u1", "book_id": "b1"})
	if err != nil {
		t.Fatalf("query progress: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one progress record, got %d", len(docs))
	}
	if got := docs[0]["last_covered_page"]; got != float64(9) {
		t.Fatalf("last_covered_page = %v, want 9", got)
	}
	if got := docs[0]["notes"]; got != nil {
		t.Fatalf("notes = %v, want overwritten with null", got)
	}
}

func TestMemoryStoreUpsertProgressConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			if _, err := s.UpsertProgress(ctx, domain.Progress{UserID: "u1", SubjectID: "s1", BookID: "b1", LastCoveredPage: &page}); err != nil {
				t.Errorf("upsert: %v", err)
			}
		}(i)
	}
	wg.Wait()

	docs, err := s.Query(ctx, domain.CollectionProgress, map[string]string{"user_id": "u1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("concurrent upserts produced %d records", len(docs))
	}
}

func TestMemoryStoreSetBookPages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, err := s.Create(ctx, domain.CollectionBook, domain.Book{UserID: "u1", SubjectID: "s1", Title: "notes"})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	ok, err := s.SetBookPages(ctx, id, []string{"p1", "p2"})
	if err != nil || !ok {
		t.Fatalf("set pages: ok=%v err=%v", ok, err)
	}
	docs, err := s.Query(ctx, domain.CollectionBook, map[string]string{"id": id})
	if err != nil || len(docs) != 1 {
		t.Fatalf("query book: %d docs err=%v", len(docs), err)
	}
	if got := docs[0]["num_pages"]; got != float64(2) {
		t.Fatalf("num_pages = %v, want 2", got)
	}
	if ok, _ := s.SetBookPages(ctx, "missing", nil); ok {
		t.Fatalf("expected missing book to report not found")
	}
}
