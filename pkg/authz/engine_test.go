package authz

import (
	"errors"
	"testing"

	"storynest/pkg/domain"
)

type fakeViews struct {
	edges map[[2]string]bool
	books map[string]domain.Book

	relErr  error
	bookErr error
}

func (f *fakeViews) IsGuardianOf(parentID, childID string) (bool, error) {
	if f.relErr != nil {
		return false, f.relErr
	}
	return f.edges[[2]string{parentID, childID}], nil
}

func (f *fakeViews) GetBook(id string) (domain.Book, bool, error) {
	if f.bookErr != nil {
		return domain.Book{}, false, f.bookErr
	}
	b, ok := f.books[id]
	return b, ok, nil
}

func newTestEngine(views *fakeViews) *Engine {
	if views.edges == nil {
		views.edges = make(map[[2]string]bool)
	}
	if views.books == nil {
		views.books = make(map[string]domain.Book)
	}
	return NewEngine(views, views)
}

func ident(id string, role domain.Role) domain.Identity {
	return domain.Identity{UserID: id, Role: role}
}

func TestCanReadContentAllowsAnonymous(t *testing.T) {
	engine := newTestEngine(&fakeViews{})
	if err := engine.CanReadContent(domain.Identity{}); err != nil {
		t.Fatalf("anonymous read should be allowed: %v", err)
	}
	if err := engine.CanReadContent(ident("c1", domain.RoleChild)); err != nil {
		t.Fatalf("child read should be allowed: %v", err)
	}
}

func TestCanCreateBook(t *testing.T) {
	engine := newTestEngine(&fakeViews{})
	cases := []struct {
		name    string
		caller  domain.Identity
		wantErr error
	}{
		{"anonymous", domain.Identity{}, domain.ErrNotAuthenticated},
		{"parent", ident("p1", domain.RoleParent), domain.ErrNotAuthorized},
		{"child", ident("c1", domain.RoleChild), domain.ErrNotAuthorized},
		{"author", ident("a1", domain.RoleAuthor), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := engine.CanCreateBook(tc.caller)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("expected allow, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCanModifyBookOwnership(t *testing.T) {
	views := &fakeViews{books: map[string]domain.Book{
		"b1": {ID: "b1", AuthorID: "a1"},
	}}
	engine := newTestEngine(views)

	if err := engine.CanModifyBook(ident("a1", domain.RoleAuthor), "b1"); err != nil {
		t.Fatalf("owner should modify own book: %v", err)
	}
	if err := engine.CanModifyBook(ident("a2", domain.RoleAuthor), "b1"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("non-owning author should be rejected, got %v", err)
	}
	if err := engine.CanModifyBook(ident("p1", domain.RoleParent), "b1"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("parent should be rejected, got %v", err)
	}
	if err := engine.CanModifyBook(domain.Identity{}, "b1"); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("anonymous should be rejected, got %v", err)
	}
}

func TestCanModifyBookUnknownBookDoesNotLeakExistence(t *testing.T) {
	engine := newTestEngine(&fakeViews{})
	err := engine.CanModifyBook(ident("a1", domain.RoleAuthor), "no-such-book")
	if !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("unknown book must read as NotAuthorized, got %v", err)
	}
	if errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown book must not be reported as NotFound")
	}
}

func TestCanModifyBookViewFailure(t *testing.T) {
	views := &fakeViews{bookErr: errors.New("db down")}
	engine := newTestEngine(views)
	err := engine.CanModifyBook(ident("a1", domain.RoleAuthor), "b1")
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("view failure should surface as Unavailable, got %v", err)
	}
}

func TestCanReadProgress(t *testing.T) {
	views := &fakeViews{edges: map[[2]string]bool{
		{"p1", "c1"}: true,
	}}
	engine := newTestEngine(views)

	cases := []struct {
		name     string
		caller   domain.Identity
		readerID string
		wantErr  error
	}{
		{"self child", ident("c1", domain.RoleChild), "c1", nil},
		{"self author", ident("a1", domain.RoleAuthor), "a1", nil},
		{"linked parent", ident("p1", domain.RoleParent), "c1", nil},
		{"unlinked parent", ident("p2", domain.RoleParent), "c1", domain.ErrNotAuthorized},
		{"parent of other child", ident("p1", domain.RoleParent), "c2", domain.ErrNotAuthorized},
		{"child reading sibling", ident("c2", domain.RoleChild), "c1", domain.ErrNotAuthorized},
		{"author reading reader", ident("a1", domain.RoleAuthor), "c1", domain.ErrNotAuthorized},
		{"anonymous", domain.Identity{}, "c1", domain.ErrNotAuthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := engine.CanReadProgress(tc.caller, tc.readerID)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("expected allow, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCanReadProgressNonexistentReaderLooksLikeUnlinked(t *testing.T) {
	views := &fakeViews{edges: map[[2]string]bool{
		{"p1", "c1"}: true,
	}}
	engine := newTestEngine(views)
	errMissing := engine.CanReadProgress(ident("p1", domain.RoleParent), "ghost")
	errUnlinked := engine.CanReadProgress(ident("p1", domain.RoleParent), "c2")
	if !errors.Is(errMissing, domain.ErrNotAuthorized) || !errors.Is(errUnlinked, domain.ErrNotAuthorized) {
		t.Fatalf("both must be NotAuthorized, got %v and %v", errMissing, errUnlinked)
	}
}

func TestCanWriteProgressSelfOnly(t *testing.T) {
	views := &fakeViews{edges: map[[2]string]bool{
		{"p1", "c1"}: true,
	}}
	engine := newTestEngine(views)

	if err := engine.CanWriteProgress(ident("c1", domain.RoleChild), "c1"); err != nil {
		t.Fatalf("self-report should be allowed: %v", err)
	}
	// A linked guardian can read but never write the child's ledger.
	if err := engine.CanWriteProgress(ident("p1", domain.RoleParent), "c1"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("guardian write should be rejected, got %v", err)
	}
	if err := engine.CanWriteProgress(domain.Identity{}, "c1"); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("anonymous write should be rejected, got %v", err)
	}
}

func TestCanManageChildren(t *testing.T) {
	engine := newTestEngine(&fakeViews{})
	if err := engine.CanManageChildren(ident("p1", domain.RoleParent)); err != nil {
		t.Fatalf("parent should manage children: %v", err)
	}
	if err := engine.CanManageChildren(ident("c1", domain.RoleChild)); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("child should be rejected, got %v", err)
	}
	if err := engine.CanManageChildren(ident("a1", domain.RoleAuthor)); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("author should be rejected, got %v", err)
	}
	if err := engine.CanManageChildren(domain.Identity{}); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("anonymous should be rejected, got %v", err)
	}
}
