package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"aitutor/pkg/domain"
)

const migrateLockID int64 = 41874187

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&SubjectModel{}, &BookModel{}, &LessonModel{}, &ScheduleModel{}, &ProgressModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Create inserts a typed document into its collection table.
func (s *GormStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	prepared, err := prepare(collection, doc, time.Now().UTC())
	if err != nil {
		return "", err
	}
	var model any
	var id string
	switch v := prepared.(type) {
	case domain.Subject:
		m := subjectToModel(v)
		model, id = &m, v.ID
	case domain.Book:
		m := bookToModel(v)
		model, id = &m, v.ID
	case domain.Lesson:
		m := lessonToModel(v)
		model, id = &m, v.ID
	case domain.Schedule:
		m := scheduleToModel(v)
		model, id = &m, v.ID
	case domain.Progress:
		m := progressToModel(v)
		model, id = &m, v.ID
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return "", fmt.Errorf("insert %s: %w", collection, err)
	}
	return id, nil
}

// Query returns documents matching every filter field, oldest first.
func (s *GormStore) Query(ctx context.Context, collection string, filter map[string]string) ([]map[string]any, error) {
	if err := validateFilter(collection, filter); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Order("created_at ASC")
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		// keys are whitelisted by validateFilter
		q = q.Where(clause.Eq{Column: clause.Column{Name: key}, Value: filter[key]})
	}
	switch collection {
	case domain.CollectionSubject:
		return findDocuments(q, subjectFromModel)
	case domain.CollectionBook:
		return findDocuments(q, bookFromModel)
	case domain.CollectionLesson:
		return findDocuments(q, lessonFromModel)
	case domain.CollectionSchedule:
		return findDocuments(q, scheduleFromModel)
	default:
		return findDocuments(q, progressFromModel)
	}
}

func findDocuments[M any, T any](q *gorm.DB, convert func(M) T) ([]map[string]any, error) {
	var models []M
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]T, 0, len(models))
	for _, m := range models {
		items = append(items, convert(m))
	}
	return toDocuments(items)
}

// GetLesson returns a lesson by ID.
func (s *GormStore) GetLesson(ctx context.Context, id string) (domain.Lesson, bool, error) {
	var model LessonModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Lesson{}, false, nil
		}
		return domain.Lesson{}, false, err
	}
	return lessonFromModel(model), true, nil
}

// PatchLesson writes only the non-nil patch fields.
func (s *GormStore) PatchLesson(ctx context.Context, id string, patch domain.LessonPatch) (domain.Lesson, bool, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.InputExcerpt != nil {
		updates["input_excerpt"] = *patch.InputExcerpt
	}
	if patch.Explanation != nil {
		updates["explanation"] = *patch.Explanation
	}
	if patch.Analogies != nil {
		updates["analogies"] = encodeStrings(patch.Analogies)
	}
	if patch.Error != nil {
		updates["error"] = *patch.Error
	}
	res := s.db.WithContext(ctx).Model(&LessonModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return domain.Lesson{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Lesson{}, false, nil
	}
	return s.GetLesson(ctx, id)
}

// MarkLessonProcessing is a conditional update on status = pending.
func (s *GormStore) MarkLessonProcessing(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&LessonModel{}).
		Where("id = ? AND status = ?", id, string(domain.LessonPending)).
		Updates(map[string]any{
			"status":     string(domain.LessonProcessing),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetBookPages records extracted page text for a book.
func (s *GormStore) SetBookPages(ctx context.Context, id string, pages []string) (bool, error) {
	if pages == nil {
		pages = []string{}
	}
	numPages := len(pages)
	res := s.db.WithContext(ctx).Model(&BookModel{}).Where("id = ?", id).Updates(map[string]any{
		"pages":      encodeStrings(pages),
		"num_pages":  numPages,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpsertProgress inserts or overwrites the (user_id, book_id) record in one statement.
func (s *GormStore) UpsertProgress(ctx context.Context, p domain.Progress) (string, error) {
	p.ID = ""
	prepared, err := prepare(domain.CollectionProgress, p, time.Now().UTC())
	if err != nil {
		return "", err
	}
	model := progressToModel(prepared.(domain.Progress))
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"subject_id", "last_covered_page", "last_covered_line", "notes", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return "", fmt.Errorf("upsert progress: %w", err)
	}
	var stored ProgressModel
	if err := s.db.WithContext(ctx).Select("id").First(&stored, "user_id = ? AND book_id = ?", p.UserID, p.BookID).Error; err != nil {
		return "", fmt.Errorf("load progress id: %w", err)
	}
	return stored.ID, nil
}

// Info reports the database name and its tables.
func (s *GormStore) Info(ctx context.Context) (Info, error) {
	db := s.db.WithContext(ctx)
	tables, err := db.Migrator().GetTables()
	if err != nil {
		return Info{}, fmt.Errorf("list tables: %w", err)
	}
	sort.Strings(tables)
	return Info{
		Driver:      "postgres",
		Name:        db.Migrator().CurrentDatabase(),
		Collections: tables,
	}, nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
