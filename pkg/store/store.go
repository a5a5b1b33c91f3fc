package store

import (
	"storynest/pkg/domain"
)

// Store defines persistence for users, guardianship edges, books, pages,
// and reading progress. Lookups report absence with a bool rather than an
// error; only store failures surface as errors.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	UpdateProfile(id, name string) error

	// guardianship
	LinkGuardian(parentID, childID string) error
	IsGuardianOf(parentID, childID string) (bool, error)
	ListChildren(parentID string) ([]domain.User, error)
	// CreateChildWithGuardian persists the child account and the edge as
	// one unit; neither survives without the other.
	CreateChildWithGuardian(child domain.User, parentID string) error

	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks(filter domain.BookFilter) ([]domain.Book, error)
	ListBooksByAuthor(authorID string) ([]domain.Book, error)
	SetBookCover(id, coverKey string) error

	// pages
	AppendPage(bookID, text, imageKey string) (domain.Page, error)
	ListPages(bookID string) ([]domain.Page, error)

	// progress
	UpsertProgress(readerID, bookID string, page int) (domain.ProgressRecord, error)
	GetProgress(readerID, bookID string) (domain.ProgressRecord, bool, error)
	ListProgress(readerID string) ([]domain.ProgressRecord, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
