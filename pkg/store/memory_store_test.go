package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"storynest/pkg/domain"
)

func newUser(id, email string, role domain.Role) domain.User {
	now := time.Now().UTC()
	return domain.User{
		ID:        id,
		Email:     email,
		Role:      role,
		Name:      id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newBook(id, authorID string) domain.Book {
	now := time.Now().UTC()
	return domain.Book{
		ID:        id,
		AuthorID:  authorID,
		Title:     "Book " + id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestUserLookupByEmailAndID(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveUser(newUser("u1", "parent@example.com", domain.RoleParent)); err != nil {
		t.Fatalf("save user: %v", err)
	}
	exists, err := s.HasUserEmail("parent@example.com")
	if err != nil || !exists {
		t.Fatalf("expected email to exist, got %v %v", exists, err)
	}
	u, ok, err := s.GetUserByEmail("parent@example.com")
	if err != nil || !ok || u.ID != "u1" {
		t.Fatalf("lookup by email failed: %v %v %v", u, ok, err)
	}
	if _, ok, _ := s.GetUserByID("nope"); ok {
		t.Fatalf("unknown ID should not resolve")
	}
}

func TestLinkGuardianDuplicateIsConflict(t *testing.T) {
	s := NewMemoryStore()
	if err := s.LinkGuardian("p1", "c1"); err != nil {
		t.Fatalf("first link: %v", err)
	}
	err := s.LinkGuardian("p1", "c1")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate edge should be Conflict, got %v", err)
	}
	ok, err := s.IsGuardianOf("p1", "c1")
	if err != nil || !ok {
		t.Fatalf("edge should exist after conflict: %v %v", ok, err)
	}
}

func TestGuardianshipIsDirectional(t *testing.T) {
	s := NewMemoryStore()
	if err := s.LinkGuardian("p1", "c1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if ok, _ := s.IsGuardianOf("c1", "p1"); ok {
		t.Fatalf("edge must not be readable in reverse")
	}
}

func TestChildCanHaveMultipleGuardians(t *testing.T) {
	s := NewMemoryStore()
	if err := s.LinkGuardian("p1", "c1"); err != nil {
		t.Fatalf("link p1: %v", err)
	}
	if err := s.LinkGuardian("p2", "c1"); err != nil {
		t.Fatalf("link p2: %v", err)
	}
	for _, parent := range []string{"p1", "p2"} {
		if ok, _ := s.IsGuardianOf(parent, "c1"); !ok {
			t.Fatalf("%s should be linked to c1", parent)
		}
	}
}

func TestCreateChildWithGuardianIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	child := newUser("c1", "kid@example.com", domain.RoleChild)
	if err := s.CreateChildWithGuardian(child, "p1"); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if ok, _ := s.IsGuardianOf("p1", "c1"); !ok {
		t.Fatalf("edge missing after create")
	}

	// Second create with the same email must leave no partial state.
	dup := newUser("c2", "kid@example.com", domain.RoleChild)
	err := s.CreateChildWithGuardian(dup, "p1")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate email should be Conflict, got %v", err)
	}
	if _, ok, _ := s.GetUserByID("c2"); ok {
		t.Fatalf("failed create must not leave the child behind")
	}
	if ok, _ := s.IsGuardianOf("p1", "c2"); ok {
		t.Fatalf("failed create must not leave an edge behind")
	}
}

func TestListChildrenOnlyLinked(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("c%d", i)
		u := newUser(id, id+"@example.com", domain.RoleChild)
		u.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.SaveUser(u); err != nil {
			t.Fatalf("save user: %v", err)
		}
	}
	if err := s.LinkGuardian("p1", "c0"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := s.LinkGuardian("p1", "c2"); err != nil {
		t.Fatalf("link: %v", err)
	}
	children, err := s.ListChildren("p1")
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 2 || children[0].ID != "c0" || children[1].ID != "c2" {
		t.Fatalf("unexpected children: %+v", children)
	}
	if other, _ := s.ListChildren("p2"); len(other) != 0 {
		t.Fatalf("unlinked parent should see no children")
	}
}

func TestAppendPageNumbersAreSequential(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveBook(newBook("b1", "a1")); err != nil {
		t.Fatalf("save book: %v", err)
	}
	for i := 0; i < 5; i++ {
		page, err := s.AppendPage("b1", fmt.Sprintf("page %d", i), "")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if page.PageNumber != i {
			t.Fatalf("expected page number %d, got %d", i, page.PageNumber)
		}
	}
	book, _, _ := s.GetBook("b1")
	if book.PageCount != 5 {
		t.Fatalf("expected page count 5, got %d", book.PageCount)
	}
}

func TestAppendPageUnknownBook(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.AppendPage("ghost", "text", "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestConcurrentAppendsAreGapFree(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveBook(newBook("b1", "a1")); err != nil {
		t.Fatalf("save book: %v", err)
	}
	const n = 50
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			_, err := s.AppendPage("b1", fmt.Sprintf("page from goroutine %d", i), "")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent append: %v", err)
	}
	pages, err := s.ListPages("b1")
	if err != nil {
		t.Fatalf("list pages: %v", err)
	}
	if len(pages) != n {
		t.Fatalf("expected %d pages, got %d", n, len(pages))
	}
	for i, p := range pages {
		if p.PageNumber != i {
			t.Fatalf("page numbers must be gap-free from 0: index %d has number %d", i, p.PageNumber)
		}
	}
}

func TestListPagesEmptyBook(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveBook(newBook("b1", "a1")); err != nil {
		t.Fatalf("save book: %v", err)
	}
	pages, err := s.ListPages("b1")
	if err != nil {
		t.Fatalf("list pages: %v", err)
	}
	if len(pages) != 0 {
		t.Fatalf("new book should have no pages, got %d", len(pages))
	}
}

func TestListBooksFilterIsConjunctive(t *testing.T) {
	s := NewMemoryStore()
	b1 := newBook("b1", "a1")
	b1.Category = "adventure"
	b1.AgeGroup = "6-8"
	b2 := newBook("b2", "a1")
	b2.Category = "adventure"
	b2.AgeGroup = "9-12"
	b3 := newBook("b3", "a2")
	b3.Category = "science"
	b3.AgeGroup = "6-8"
	for _, b := range []domain.Book{b1, b2, b3} {
		if err := s.SaveBook(b); err != nil {
			t.Fatalf("save book: %v", err)
		}
	}

	all, _ := s.ListBooks(domain.BookFilter{})
	if len(all) != 3 {
		t.Fatalf("empty filter should match everything, got %d", len(all))
	}
	adventure, _ := s.ListBooks(domain.BookFilter{Category: "adventure"})
	if len(adventure) != 2 {
		t.Fatalf("expected 2 adventure books, got %d", len(adventure))
	}
	narrow, _ := s.ListBooks(domain.BookFilter{Category: "adventure", AgeGroup: "6-8"})
	if len(narrow) != 1 || narrow[0].ID != "b1" {
		t.Fatalf("conjunctive filter failed: %+v", narrow)
	}
	none, _ := s.ListBooks(domain.BookFilter{Category: "science", AgeGroup: "9-12"})
	if len(none) != 0 {
		t.Fatalf("expected no matches, got %d", len(none))
	}
}

func TestListBooksByAuthor(t *testing.T) {
	s := NewMemoryStore()
	for _, b := range []domain.Book{newBook("b1", "a1"), newBook("b2", "a2"), newBook("b3", "a1")} {
		if err := s.SaveBook(b); err != nil {
			t.Fatalf("save book: %v", err)
		}
	}
	books, err := s.ListBooksByAuthor("a1")
	if err != nil {
		t.Fatalf("list by author: %v", err)
	}
	if len(books) != 2 || books[0].ID != "b1" || books[1].ID != "b3" {
		t.Fatalf("unexpected author books: %+v", books)
	}
}

func TestUpsertProgressIsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	record, err := s.UpsertProgress("c1", "b1", 5)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if record.FurthestPage != 5 {
		t.Fatalf("expected 5, got %d", record.FurthestPage)
	}
	record, err = s.UpsertProgress("c1", "b1", 3)
	if err != nil {
		t.Fatalf("upsert lower: %v", err)
	}
	if record.FurthestPage != 5 {
		t.Fatalf("lower report must not regress: got %d", record.FurthestPage)
	}
	record, err = s.UpsertProgress("c1", "b1", 9)
	if err != nil {
		t.Fatalf("upsert higher: %v", err)
	}
	if record.FurthestPage != 9 {
		t.Fatalf("expected 9, got %d", record.FurthestPage)
	}
}

func TestProgressIsPerReaderPerBook(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.UpsertProgress("c1", "b1", 2); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertProgress("c1", "b2", 7); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertProgress("c2", "b1", 4); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	records, err := s.ListProgress("c1")
	if err != nil {
		t.Fatalf("list progress: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records for c1, got %d", len(records))
	}
	record, ok, err := s.GetProgress("c2", "b1")
	if err != nil || !ok || record.FurthestPage != 4 {
		t.Fatalf("unexpected c2 record: %+v %v %v", record, ok, err)
	}
}
