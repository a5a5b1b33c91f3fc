// Package server is the HTTP boundary. It resolves the caller's Identity
// once per request, hands it to the app layer, and translates the result
// taxonomy into status codes. It holds no authorization logic of its own.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"storynest/internal/app"
	"storynest/internal/ratelimit"
	"storynest/internal/util"
	"storynest/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	RedisAddr                  string
	RedisPassword              string
	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	MaxUploadBytes             int64
}

// Server exposes HTTP endpoints for the reading platform.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	maxUploadBytes  int64
	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "storynest:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 10 * 1024 * 1024
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		maxUploadBytes:  maxUpload,
		registerLimiter: registerLimiter,
		loginLimiter:    loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithSecurityHeaders(util.WithCORS(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)

	// profile
	s.mux.HandleFunc("/api/profile", s.handleProfile)

	// books & pages (reads are public, writes gated inside the app)
	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/books/", s.handleBookByID)

	// progress
	s.mux.HandleFunc("/api/progress", s.handleReportProgress)
	s.mux.HandleFunc("/api/progress/", s.handleReadProgress)

	// children
	s.mux.HandleFunc("/api/children", s.handleChildren)
	s.mux.HandleFunc("/api/children/link", s.handleLinkChild)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// identity resolves the caller once per request. A missing or invalid
// token yields the anonymous identity; gated operations reject it below.
func (s *Server) identity(r *http.Request) domain.Identity {
	token, ok := bearerToken(r)
	if !ok {
		return domain.Identity{}
	}
	user, found := s.app.UserFromToken(token)
	if !found {
		return domain.Identity{}
	}
	return user.Identity()
}

// auth handlers

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Register(req.Email, req.Password, req.Name, req.Role)
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", err.Error())
		writeTagged(w, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail")
		writeTagged(w, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		writeTagged(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// profile handlers

type updateProfileRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	caller := s.identity(r)
	switch r.Method {
	case http.MethodGet:
		user, err := s.app.Profile(caller)
		if err != nil {
			writeTagged(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPut:
		var req updateProfileRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		user, err := s.app.UpdateProfile(caller, req.Name)
		if err != nil {
			writeTagged(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	default:
		methodNotAllowed(w)
	}
}

// book handlers

type createBookRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	AgeGroup    string   `json:"ageGroup"`
	Level       string   `json:"level"`
	Tags        []string `json:"tags"`
}

type appendPageRequest struct {
	Text     string `json:"text"`
	ImageKey string `json:"imageKey"`
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	caller := s.identity(r)
	switch r.Method {
	case http.MethodGet:
		filter := domain.BookFilter{
			Category: strings.TrimSpace(r.URL.Query().Get("category")),
			AgeGroup: strings.TrimSpace(r.URL.Query().Get("age_group")),
			Level:    strings.TrimSpace(r.URL.Query().Get("level")),
		}
		books, err := s.app.ListBooks(caller, filter)
		if err != nil {
			writeTagged(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": books,
			"count": len(books),
		})
	case http.MethodPost:
		var req createBookRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		book, err := s.app.CreateBook(caller, app.CreateBookInput{
			Title:       req.Title,
			Description: req.Description,
			Category:    req.Category,
			AgeGroup:    req.AgeGroup,
			Level:       req.Level,
			Tags:        req.Tags,
		})
		if err != nil {
			s.audit(r, "book.create", "fail", "reason", err.Error())
			writeTagged(w, err)
			return
		}
		s.audit(r, "book.create", "success", "user_id", caller.UserID, "book_id", book.ID)
		writeJSON(w, http.StatusCreated, book)
	default:
		methodNotAllowed(w)
	}
}

// /api/books/{id}, /api/books/{id}/pages, /api/books/{id}/cover
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	caller := s.identity(r)
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if id == "mine" && len(parts) == 1 {
		s.handleMyBooks(w, r, caller)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "pages":
			s.handleBookPages(w, r, caller, id)
		case "cover":
			s.handleBookCover(w, r, caller, id)
		default:
			http.NotFound(w, r)
		}
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	book, err := s.app.GetBook(caller, id)
	if err != nil {
		writeTagged(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleMyBooks(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	books, err := s.app.MyBooks(caller)
	if err != nil {
		writeTagged(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

func (s *Server) handleBookPages(w http.ResponseWriter, r *http.Request, caller domain.Identity, bookID string) {
	switch r.Method {
	case http.MethodGet:
		pages, err := s.app.ListPages(caller, bookID)
		if err != nil {
			writeTagged(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": pages,
			"count": len(pages),
		})
	case http.MethodPost:
		var req appendPageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		page, err := s.app.AppendPage(caller, bookID, req.Text, req.ImageKey)
		if err != nil {
			s.audit(r, "book.page.append", "fail", "reason", err.Error())
			writeTagged(w, err)
			return
		}
		s.audit(r, "book.page.append", "success", "user_id", caller.UserID, "book_id", bookID, "page", page.PageNumber)
		writeJSON(w, http.StatusCreated, page)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBookCover(w http.ResponseWriter, r *http.Request, caller domain.Identity, bookID string) {
	switch r.Method {
	case http.MethodGet:
		url, err := s.app.CoverURL(r.Context(), caller, bookID)
		if err != nil {
			writeTagged(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	case http.MethodPut:
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		file, header, err := r.FormFile("cover")
		if err != nil {
			writeError(w, http.StatusBadRequest, "cover image is required (field: cover)")
			return
		}
		defer file.Close()
		contentType := header.Header.Get("Content-Type")
		book, err := s.app.UploadCover(r.Context(), caller, bookID, file, header.Size, contentType)
		if err != nil {
			writeTagged(w, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	default:
		methodNotAllowed(w)
	}
}

// progress handlers

type reportProgressRequest struct {
	BookID string `json:"bookId"`
	Page   int    `json:"page"`
}

func (s *Server) handleReportProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	caller := s.identity(r)
	var req reportProgressRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BookID == "" {
		writeError(w, http.StatusBadRequest, "bookId is required")
		return
	}
	record, err := s.app.ReportProgress(caller, req.BookID, req.Page)
	if err != nil {
		writeTagged(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleReadProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	caller := s.identity(r)
	readerID := strings.TrimPrefix(r.URL.Path, "/api/progress/")
	if readerID == "" || strings.Contains(readerID, "/") {
		http.NotFound(w, r)
		return
	}
	records, err := s.app.ReadProgress(caller, readerID)
	if err != nil {
		s.audit(r, "progress.read", "fail", "reason", err.Error())
		writeTagged(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": records,
		"count": len(records),
	})
}

// children handlers

type addChildRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Age   int    `json:"age"`
}

type addChildResponse struct {
	Child        domain.User `json:"child"`
	TempPassword string      `json:"tempPassword"`
}

type linkChildRequest struct {
	ChildID string `json:"childId"`
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	caller := s.identity(r)
	switch r.Method {
	case http.MethodGet:
		children, err := s.app.ListChildren(caller)
		if err != nil {
			writeTagged(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": children,
			"count": len(children),
		})
	case http.MethodPost:
		var req addChildRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		child, tempPassword, err := s.app.AddChild(caller, app.AddChildInput{
			Email: req.Email,
			Name:  req.Name,
			Age:   req.Age,
		})
		if err != nil {
			s.audit(r, "children.add", "fail", "reason", err.Error())
			writeTagged(w, err)
			return
		}
		s.audit(r, "children.add", "success", "user_id", caller.UserID, "child_id", child.ID)
		writeJSON(w, http.StatusCreated, addChildResponse{Child: child, TempPassword: tempPassword})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleLinkChild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	caller := s.identity(r)
	var req linkChildRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChildID == "" {
		writeError(w, http.StatusBadRequest, "childId is required")
		return
	}
	if err := s.app.LinkChild(caller, req.ChildID); err != nil {
		s.audit(r, "children.link", "fail", "reason", err.Error())
		writeTagged(w, err)
		return
	}
	s.audit(r, "children.link", "success", "user_id", caller.UserID, "child_id", req.ChildID)
	w.WriteHeader(http.StatusNoContent)
}

// helpers

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeTagged maps the result taxonomy onto status codes. This mapping is
// the whole contract between the core and its HTTP callers.
func writeTagged(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, domain.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		slog.Error("unclassified error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
		"request_id", util.RequestIDFromContext(r.Context()),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + clientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func clientIP(r *http.Request) string {
	if xfwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xfwd != "" {
		parts := strings.Split(xfwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
