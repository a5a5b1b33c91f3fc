// Package authz decides whether a caller may perform an action. Decisions
// are evaluated before any mutation runs; the engine itself performs no
// writes and holds no state beyond the read views it consults.
package authz

import (
	"fmt"

	"storynest/pkg/domain"
)

// RelationReader is the guardianship view the engine consults.
type RelationReader interface {
	IsGuardianOf(parentID, childID string) (bool, error)
}

// BookReader resolves book ownership. Ownership is derived from the book
// row's author_id; there is no stored author->book edge.
type BookReader interface {
	GetBook(id string) (domain.Book, bool, error)
}

// Engine evaluates the role/relationship decision table.
type Engine struct {
	relations RelationReader
	books     BookReader
}

func NewEngine(relations RelationReader, books BookReader) *Engine {
	return &Engine{relations: relations, books: books}
}

// CanReadContent allows everyone, anonymous callers included, to browse
// books and pages.
func (e *Engine) CanReadContent(domain.Identity) error {
	return nil
}

// CanCreateBook allows authors only. The created book's author_id is always
// the caller; callers cannot publish on someone else's behalf.
func (e *Engine) CanCreateBook(caller domain.Identity) error {
	if caller.Anonymous() {
		return domain.ErrNotAuthenticated
	}
	if caller.Role != domain.RoleAuthor {
		return fmt.Errorf("only authors create books: %w", domain.ErrNotAuthorized)
	}
	return nil
}

// CanModifyBook allows the owning author to append pages or replace the
// cover of bookID. An unknown book is reported as NotAuthorized, not
// NotFound, so probing cannot confirm which book ids exist.
func (e *Engine) CanModifyBook(caller domain.Identity, bookID string) error {
	if caller.Anonymous() {
		return domain.ErrNotAuthenticated
	}
	if caller.Role != domain.RoleAuthor {
		return fmt.Errorf("only authors modify books: %w", domain.ErrNotAuthorized)
	}
	book, ok, err := e.books.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("resolve book ownership: %w", domain.ErrUnavailable)
	}
	if !ok || book.AuthorID != caller.UserID {
		return fmt.Errorf("book is not owned by caller: %w", domain.ErrNotAuthorized)
	}
	return nil
}

// CanReadProgress allows readers to see their own progress and parents to
// see a linked child's. A missing guardianship edge and a nonexistent
// reader are indistinguishable to the caller.
func (e *Engine) CanReadProgress(caller domain.Identity, readerID string) error {
	if caller.Anonymous() {
		return domain.ErrNotAuthenticated
	}
	if caller.UserID == readerID {
		return nil
	}
	if caller.Role != domain.RoleParent {
		return fmt.Errorf("progress is visible to the reader and their guardians: %w", domain.ErrNotAuthorized)
	}
	linked, err := e.relations.IsGuardianOf(caller.UserID, readerID)
	if err != nil {
		return fmt.Errorf("resolve guardianship: %w", domain.ErrUnavailable)
	}
	if !linked {
		return fmt.Errorf("reader is not a linked child: %w", domain.ErrNotAuthorized)
	}
	return nil
}

// CanWriteProgress restricts progress reporting to the reader themselves.
// The reported reader id always comes from the session, never the payload.
func (e *Engine) CanWriteProgress(caller domain.Identity, readerID string) error {
	if caller.Anonymous() {
		return domain.ErrNotAuthenticated
	}
	if caller.UserID != readerID {
		return fmt.Errorf("progress is self-reported: %w", domain.ErrNotAuthorized)
	}
	return nil
}

// CanManageChildren gates adding and listing children to parents.
func (e *Engine) CanManageChildren(caller domain.Identity) error {
	if caller.Anonymous() {
		return domain.ErrNotAuthenticated
	}
	if caller.Role != domain.RoleParent {
		return fmt.Errorf("only parents manage children: %w", domain.ErrNotAuthorized)
	}
	return nil
}
