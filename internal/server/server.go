package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"aitutor/internal/app"
	"aitutor/internal/identity"
	"aitutor/internal/ratelimit"
	"aitutor/internal/util"
	"aitutor/pkg/domain"
)

const maxJSONBody = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App       *app.App
	Identity  identity.IdentityVerifier
	Callbacks *identity.CallbackVerifier
	// Limiter throttles uploads and lesson requests. Nil disables it.
	Limiter        ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	MaxUploadBytes int64
	// DatabaseURLSet is reported by the /test diagnostic.
	DatabaseURLSet bool
}

// Server exposes the tutor HTTP API.
type Server struct {
	app            *app.App
	identity       identity.IdentityVerifier
	callbacks      *identity.CallbackVerifier
	limiter        ratelimit.Limiter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	maxUploadBytes int64
	databaseURLSet bool
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	verifier := cfg.Identity
	if verifier == nil {
		verifier = identity.HeaderVerifier{}
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		identity:       verifier,
		callbacks:      cfg.Callbacks,
		limiter:        cfg.Limiter,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		maxUploadBytes: maxUploadBytes,
		databaseURLSet: cfg.DatabaseURLSet,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/test", s.handleDiagnostics)
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/subjects", s.handleSubjects)
	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/books/upload", s.handleUploadBook)
	s.mux.HandleFunc("/api/lessons", s.handleLessons)
	s.mux.HandleFunc("/api/lessons/", s.handleLessonByID)
	s.mux.HandleFunc("/api/progress", s.handleProgress)
	s.mux.HandleFunc("/api/schedules", s.handleSchedules)

	// workflow callbacks
	s.mux.Handle("/internal/books/", s.withCallback(s.handleInternalBook))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "AI Tutor Backend is running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.app.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type diagnosticsResponse struct {
	Backend          string   `json:"backend"`
	Database         string   `json:"database"`
	DatabaseURL      *string  `json:"database_url"`
	DatabaseName     *string  `json:"database_name"`
	ConnectionStatus string   `json:"connection_status"`
	Collections      []string `json:"collections"`
}

// handleDiagnostics reports store connectivity. It always answers 200.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	resp := diagnosticsResponse{
		Backend:          "running",
		Database:         "not available",
		ConnectionStatus: "not connected",
		Collections:      []string{},
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	st := s.app.Store()
	if err := st.Ping(ctx); err != nil {
		resp.Database = "error: " + truncate(err.Error(), 100)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	info, err := st.Info(ctx)
	if err != nil {
		resp.Database = "error: " + truncate(err.Error(), 100)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	urlState := "not set"
	if s.databaseURLSet {
		urlState = "set"
	}
	name := info.Name
	resp.Database = "connected (" + info.Driver + ")"
	resp.DatabaseURL = &urlState
	resp.DatabaseName = &name
	resp.ConnectionStatus = "connected"
	collections := info.Collections
	if len(collections) > 10 {
		collections = collections[:10]
	}
	if collections != nil {
		resp.Collections = collections
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveUser identifies the caller. In header mode a user_id carried in the
// body or form is accepted when the header is absent.
func (s *Server) resolveUser(r *http.Request, bodyUserID string) (string, error) {
	userID, err := s.identity.Identify(r)
	if err == nil {
		return userID, nil
	}
	if errors.Is(err, identity.ErrNoIdentity) && s.identity.TrustsBody() {
		if bodyUserID = strings.TrimSpace(bodyUserID); bodyUserID != "" {
			return bodyUserID, nil
		}
		return "", app.ErrMissingUserID
	}
	if errors.Is(err, identity.ErrNoIdentity) {
		return "", app.ErrMissingUserID
	}
	return "", err
}

// requireUser resolves the caller or writes a 401.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request, bodyUserID string) (string, bool) {
	userID, err := s.resolveUser(r, bodyUserID)
	if err != nil {
		if errors.Is(err, app.ErrMissingUserID) {
			writeError(w, http.StatusUnauthorized, "Missing user id")
		} else {
			writeError(w, http.StatusUnauthorized, "unauthorized")
		}
		return "", false
	}
	return userID, true
}

func (s *Server) withCallback(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.callbacks.Verify(r); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// allow applies the rate limit for action, keyed by user or client address.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, action, userID string) bool {
	if s.limiter == nil {
		return true
	}
	key := userID
	if key == "" {
		key = util.ClientIP(r, s.trustedProxies)
	}
	if s.limiter.Allow(r.Context(), action+":"+key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req domain.Subject
		if !decodeJSON(w, r, &req) {
			return
		}
		userID, ok := s.requireUser(w, r, req.UserID)
		if !ok {
			return
		}
		id, err := s.app.CreateSubject(r.Context(), userID, req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	case http.MethodGet:
		userID, ok := s.requireUser(w, r, "")
		if !ok {
			return
		}
		subjects, err := s.app.ListSubjects(r.Context(), userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, subjects)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, ok := s.requireUser(w, r, "")
	if !ok {
		return
	}
	books, err := s.app.ListBooks(r.Context(), userID, r.URL.Query().Get("subject_id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleUploadBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	userID, ok := s.requireUser(w, r, r.FormValue("user_id"))
	if !ok {
		return
	}
	if !s.allow(w, r, "upload", userID) {
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	book, err := s.app.UploadBook(r.Context(), userID, r.FormValue("subject_id"), header.Filename, file, header.Size)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	filePath := ""
	if book.FilePath != nil {
		filePath = *book.FilePath
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": book.ID, "file_path": filePath})
}

func (s *Server) handleLessons(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req domain.LessonRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		userID, ok := s.requireUser(w, r, req.UserID)
		if !ok {
			return
		}
		if !s.allow(w, r, "lesson", userID) {
			return
		}
		lesson, err := s.app.CreateLesson(r.Context(), userID, req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": lesson.ID, "status": "queued"})
	case http.MethodGet:
		userID, ok := s.requireUser(w, r, "")
		if !ok {
			return
		}
		lessons, err := s.app.ListLessons(r.Context(), userID, r.URL.Query().Get("book_id"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, lessons)
	default:
		methodNotAllowed(w)
	}
}

// /api/lessons/{id}
func (s *Server) handleLessonByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/lessons/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		userID, ok := s.requireUser(w, r, "")
		if !ok {
			return
		}
		lesson, err := s.app.GetLesson(r.Context(), userID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, lesson)
	case http.MethodPatch:
		if err := s.callbacks.Verify(r); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.handlePatchLesson(w, r, id)
	default:
		methodNotAllowed(w)
	}
}

// handlePatchLesson accepts the result either as a JSON body or as query
// parameters; query values fill fields the body left out.
func (s *Server) handlePatchLesson(w http.ResponseWriter, r *http.Request, id string) {
	var patch domain.LessonPatch
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	patchFromQuery(&patch, r.URL.Query())
	if _, err := s.app.PatchLesson(r.Context(), id, patch); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func patchFromQuery(patch *domain.LessonPatch, q map[string][]string) {
	first := func(key string) *string {
		values, ok := q[key]
		if !ok || len(values) == 0 {
			return nil
		}
		v := values[0]
		return &v
	}
	if patch.Status == nil {
		if v := first("status"); v != nil {
			status := domain.LessonStatus(*v)
			patch.Status = &status
		}
	}
	if patch.InputExcerpt == nil {
		patch.InputExcerpt = first("input_excerpt")
	}
	if patch.Explanation == nil {
		patch.Explanation = first("explanation")
	}
	if patch.Error == nil {
		patch.Error = first("error")
	}
	if patch.Analogies == nil {
		if values, ok := q["analogies"]; ok {
			patch.Analogies = append([]string{}, values...)
		}
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID, ok := s.requireUser(w, r, "")
		if !ok {
			return
		}
		items, err := s.app.GetProgress(r.Context(), userID, r.URL.Query().Get("book_id"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var req domain.Progress
		if !decodeJSON(w, r, &req) {
			return
		}
		userID, ok := s.requireUser(w, r, req.UserID)
		if !ok {
			return
		}
		id, err := s.app.UpsertProgress(r.Context(), userID, req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req domain.Schedule
		if !decodeJSON(w, r, &req) {
			return
		}
		userID, ok := s.requireUser(w, r, req.UserID)
		if !ok {
			return
		}
		schedule, err := s.app.CreateSchedule(r.Context(), userID, req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		jobID := ""
		if schedule.N8NJobID != nil {
			jobID = *schedule.N8NJobID
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": schedule.ID, "n8n_job_id": jobID})
	case http.MethodGet:
		userID, ok := s.requireUser(w, r, "")
		if !ok {
			return
		}
		schedules, err := s.app.ListSchedules(r.Context(), userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, schedules)
	default:
		methodNotAllowed(w)
	}
}

// /internal/books/{id}/pages
func (s *Server) handleInternalBook(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/internal/books/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "pages" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Pages []string `json:"pages"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.SetBookPages(r.Context(), parts[0], req.Pages); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
