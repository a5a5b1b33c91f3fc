// Package app holds the use-cases behind the HTTP boundary. Every method
// takes the caller's Identity explicitly and asks the authorization engine
// for a decision before any mutation touches the store.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"storynest/internal/util"
	"storynest/pkg/auth"
	"storynest/pkg/authz"
	"storynest/pkg/domain"
	"storynest/pkg/storage"
	"storynest/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	JWTSecret     string
	SessionTTL    time.Duration

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Injection points for tests.
	Store    store.Store
	Sessions store.SessionStore
	Objects  storage.ObjectStore
}

// App wires the store, sessions, object storage, and the decision engine.
type App struct {
	store    store.Store
	sessions store.SessionStore
	objects  storage.ObjectStore
	engine   *authz.Engine
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = gs
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		switch {
		case cfg.JWTSecret != "":
			sessionStore = store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL)
		case cfg.RedisAddr != "":
			sessionStore = store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionTTL)
		default:
			return nil, store.ErrNoSessionSecret
		}
	}

	objects := cfg.Objects
	if objects == nil && cfg.MinioEndpoint != "" {
		ms, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
		objects = ms
	}

	return &App{
		store:    dataStore,
		sessions: sessionStore,
		objects:  objects,
		engine:   authz.NewEngine(dataStore, dataStore),
	}, nil
}

// wrapStore passes through already-tagged results and converts everything
// else into Unavailable, so store failures never leak driver details.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, tag := range []error{domain.ErrNotFound, domain.ErrConflict, domain.ErrInvalid} {
		if errors.Is(err, tag) {
			return err
		}
	}
	return fmt.Errorf("%s: %v: %w", op, err, domain.ErrUnavailable)
}

// Register creates an account with one of the three roles.
func (a *App) Register(email, password, name, rawRole string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, "", fmt.Errorf("email and password required: %w", domain.ErrInvalid)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, "", fmt.Errorf("malformed email: %w", domain.ErrInvalid)
	}
	role, ok := domain.ParseRole(strings.TrimSpace(rawRole))
	if !ok {
		return domain.User{}, "", fmt.Errorf("role must be parent, child, or author: %w", domain.ErrInvalid)
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", wrapStore("check email", err)
	}
	if exists {
		return domain.User{}, "", fmt.Errorf("email already registered: %w", domain.ErrConflict)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", wrapStore("hash password", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Name:         strings.TrimSpace(name),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", wrapStore("save user", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", wrapStore("issue session", err)
	}
	return user, token, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", wrapStore("fetch user", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", fmt.Errorf("incorrect email or password: %w", domain.ErrNotAuthenticated)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", wrapStore("issue session", err)
	}
	return user, token, nil
}

// Logout removes a session token.
func (a *App) Logout(token string) error {
	return wrapStore("delete session", a.sessions.DeleteSession(token))
}

// UserFromToken resolves the authenticated user behind a session token.
// This is the only place an Identity comes from.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// Profile returns the caller's own profile.
func (a *App) Profile(caller domain.Identity) (domain.User, error) {
	if caller.Anonymous() {
		return domain.User{}, domain.ErrNotAuthenticated
	}
	user, ok, err := a.store.GetUserByID(caller.UserID)
	if err != nil {
		return domain.User{}, wrapStore("fetch profile", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("profile: %w", domain.ErrNotFound)
	}
	return user, nil
}

// UpdateProfile changes the caller's display name. Role and email are
// immutable here.
func (a *App) UpdateProfile(caller domain.Identity, name string) (domain.User, error) {
	if caller.Anonymous() {
		return domain.User{}, domain.ErrNotAuthenticated
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.User{}, fmt.Errorf("name required: %w", domain.ErrInvalid)
	}
	if err := a.store.UpdateProfile(caller.UserID, name); err != nil {
		return domain.User{}, wrapStore("update profile", err)
	}
	return a.Profile(caller)
}

// CreateBookInput carries the author-supplied book fields.
type CreateBookInput struct {
	Title       string
	Description string
	Category    string
	AgeGroup    string
	Level       string
	Tags        []string
}

// CreateBook creates an empty book owned by the caller.
func (a *App) CreateBook(caller domain.Identity, input CreateBookInput) (domain.Book, error) {
	if err := a.engine.CanCreateBook(caller); err != nil {
		return domain.Book{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return domain.Book{}, fmt.Errorf("title required: %w", domain.ErrInvalid)
	}
	now := time.Now().UTC()
	book := domain.Book{
		ID:          util.NewID(),
		AuthorID:    caller.UserID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Category:    strings.TrimSpace(input.Category),
		AgeGroup:    strings.TrimSpace(input.AgeGroup),
		Level:       strings.TrimSpace(input.Level),
		Tags:        input.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.SaveBook(book); err != nil {
		return domain.Book{}, wrapStore("save book", err)
	}
	return book, nil
}

// ListBooks returns books matching the filter; open to anonymous callers.
func (a *App) ListBooks(caller domain.Identity, filter domain.BookFilter) ([]domain.Book, error) {
	if err := a.engine.CanReadContent(caller); err != nil {
		return nil, err
	}
	books, err := a.store.ListBooks(filter)
	if err != nil {
		return nil, wrapStore("list books", err)
	}
	return books, nil
}

// GetBook retrieves one book; open to anonymous callers.
func (a *App) GetBook(caller domain.Identity, id string) (domain.Book, error) {
	if err := a.engine.CanReadContent(caller); err != nil {
		return domain.Book{}, err
	}
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, wrapStore("get book", err)
	}
	if !ok {
		return domain.Book{}, fmt.Errorf("book %s: %w", id, domain.ErrNotFound)
	}
	return book, nil
}

// MyBooks returns the caller's own catalog; authors only.
func (a *App) MyBooks(caller domain.Identity) ([]domain.Book, error) {
	if err := a.engine.CanCreateBook(caller); err != nil {
		return nil, err
	}
	books, err := a.store.ListBooksByAuthor(caller.UserID)
	if err != nil {
		return nil, wrapStore("list author books", err)
	}
	return books, nil
}

// ListPages returns a book's pages in reading order; empty when the book
// has none.
func (a *App) ListPages(caller domain.Identity, bookID string) ([]domain.Page, error) {
	if err := a.engine.CanReadContent(caller); err != nil {
		return nil, err
	}
	pages, err := a.store.ListPages(bookID)
	if err != nil {
		return nil, wrapStore("list pages", err)
	}
	return pages, nil
}

// AppendPage adds the next page to a book the caller owns.
func (a *App) AppendPage(caller domain.Identity, bookID, text, imageKey string) (domain.Page, error) {
	if err := a.engine.CanModifyBook(caller, bookID); err != nil {
		return domain.Page{}, err
	}
	if strings.TrimSpace(text) == "" {
		return domain.Page{}, fmt.Errorf("page text required: %w", domain.ErrInvalid)
	}
	page, err := a.store.AppendPage(bookID, text, strings.TrimSpace(imageKey))
	if err != nil {
		return domain.Page{}, wrapStore("append page", err)
	}
	return page, nil
}

// UploadCover stores a cover image for a book the caller owns and records
// its object key.
func (a *App) UploadCover(ctx context.Context, caller domain.Identity, bookID string, r io.Reader, size int64, contentType string) (domain.Book, error) {
	if err := a.engine.CanModifyBook(caller, bookID); err != nil {
		return domain.Book{}, err
	}
	if a.objects == nil {
		return domain.Book{}, fmt.Errorf("object storage not configured: %w", domain.ErrUnavailable)
	}
	key := fmt.Sprintf("covers/%s/%s", bookID, util.NewID())
	if err := a.objects.Put(ctx, key, r, size, contentType); err != nil {
		return domain.Book{}, fmt.Errorf("store cover: %v: %w", err, domain.ErrUnavailable)
	}
	if err := a.store.SetBookCover(bookID, key); err != nil {
		return domain.Book{}, wrapStore("set cover", err)
	}
	book, ok, err := a.store.GetBook(bookID)
	if err != nil || !ok {
		return domain.Book{}, wrapStore("reload book", err)
	}
	return book, nil
}

// CoverURL returns a short-lived URL serving a book's cover image.
func (a *App) CoverURL(ctx context.Context, caller domain.Identity, bookID string) (string, error) {
	book, err := a.GetBook(caller, bookID)
	if err != nil {
		return "", err
	}
	if book.CoverKey == "" {
		return "", fmt.Errorf("book has no cover: %w", domain.ErrNotFound)
	}
	if a.objects == nil {
		return "", fmt.Errorf("object storage not configured: %w", domain.ErrUnavailable)
	}
	url, err := a.objects.PresignGet(ctx, book.CoverKey, 15*time.Minute)
	if err != nil {
		return "", fmt.Errorf("presign cover: %v: %w", err, domain.ErrUnavailable)
	}
	return url, nil
}

// ReportProgress records how far the caller has read. The reader is always
// the caller; the payload cannot report for someone else.
func (a *App) ReportProgress(caller domain.Identity, bookID string, page int) (domain.ProgressRecord, error) {
	if err := a.engine.CanWriteProgress(caller, caller.UserID); err != nil {
		return domain.ProgressRecord{}, err
	}
	if page < 0 {
		return domain.ProgressRecord{}, fmt.Errorf("page must be >= 0: %w", domain.ErrInvalid)
	}
	if _, ok, err := a.store.GetBook(bookID); err != nil {
		return domain.ProgressRecord{}, wrapStore("get book", err)
	} else if !ok {
		return domain.ProgressRecord{}, fmt.Errorf("book %s: %w", bookID, domain.ErrNotFound)
	}
	record, err := a.store.UpsertProgress(caller.UserID, bookID, page)
	if err != nil {
		return domain.ProgressRecord{}, wrapStore("upsert progress", err)
	}
	return record, nil
}

// ReadProgress returns every progress record for a reader: the reader
// themselves or a linked guardian.
func (a *App) ReadProgress(caller domain.Identity, readerID string) ([]domain.ProgressRecord, error) {
	if err := a.engine.CanReadProgress(caller, readerID); err != nil {
		return nil, err
	}
	records, err := a.store.ListProgress(readerID)
	if err != nil {
		return nil, wrapStore("list progress", err)
	}
	return records, nil
}

// AddChildInput carries the parent-supplied child fields.
type AddChildInput struct {
	Email string
	Name  string
	Age   int
}

// AddChild creates a child account plus the guardianship edge in one unit
// and returns the generated temporary credential exactly once.
func (a *App) AddChild(caller domain.Identity, input AddChildInput) (domain.User, string, error) {
	if err := a.engine.CanManageChildren(caller); err != nil {
		return domain.User{}, "", err
	}
	email := strings.TrimSpace(strings.ToLower(input.Email))
	if email == "" || strings.TrimSpace(input.Name) == "" {
		return domain.User{}, "", fmt.Errorf("email and name required: %w", domain.ErrInvalid)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, "", fmt.Errorf("malformed email: %w", domain.ErrInvalid)
	}
	tempPassword, err := auth.NewTempCredential()
	if err != nil {
		return domain.User{}, "", wrapStore("generate credential", err)
	}
	hash, err := auth.HashPassword(tempPassword)
	if err != nil {
		return domain.User{}, "", wrapStore("hash credential", err)
	}
	now := time.Now().UTC()
	child := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleChild,
		Name:         strings.TrimSpace(input.Name),
		Age:          input.Age,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateChildWithGuardian(child, caller.UserID); err != nil {
		return domain.User{}, "", wrapStore("create child", err)
	}
	return child, tempPassword, nil
}

// LinkChild connects an existing child account to the calling parent.
func (a *App) LinkChild(caller domain.Identity, childID string) error {
	if err := a.engine.CanManageChildren(caller); err != nil {
		return err
	}
	if childID == caller.UserID {
		return fmt.Errorf("cannot link to self: %w", domain.ErrInvalid)
	}
	child, ok, err := a.store.GetUserByID(childID)
	if err != nil {
		return wrapStore("fetch child", err)
	}
	if !ok || child.Role != domain.RoleChild {
		// Existence of non-child accounts is not confirmed.
		return fmt.Errorf("target is not a linkable child account: %w", domain.ErrInvalid)
	}
	return wrapStore("link guardian", a.store.LinkGuardian(caller.UserID, childID))
}

// ListChildren returns the profiles of the caller's linked children.
func (a *App) ListChildren(caller domain.Identity) ([]domain.User, error) {
	if err := a.engine.CanManageChildren(caller); err != nil {
		return nil, err
	}
	children, err := a.store.ListChildren(caller.UserID)
	if err != nil {
		return nil, wrapStore("list children", err)
	}
	return children, nil
}
