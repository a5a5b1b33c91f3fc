package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"storynest/pkg/domain"
)

type edgeKey struct {
	parentID string
	childID  string
}

type progressKey struct {
	readerID string
	bookID   string
}

// MemoryStore keeps everything in-process. It honors the same invariants as
// the Postgres store: unique emails, unique edges, serialized page numbers,
// monotonic progress.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]domain.User
	email     map[string]string // email -> user ID
	edges     map[edgeKey]domain.GuardianshipEdge
	books     map[string]domain.Book
	bookOrder []string
	pages     map[string][]domain.Page
	progress  map[progressKey]domain.ProgressRecord
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		edges:    make(map[edgeKey]domain.GuardianshipEdge),
		books:    make(map[string]domain.Book),
		pages:    make(map[string][]domain.Page),
		progress: make(map[progressKey]domain.ProgressRecord),
	}
}

// SaveUser registers or replaces a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, exists := m.users[id]
	return u, exists, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// UpdateProfile changes the display name.
func (m *MemoryStore) UpdateProfile(id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	u.Name = name
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

// LinkGuardian inserts a parent->child edge; duplicates are a Conflict.
func (m *MemoryStore) LinkGuardian(parentID, childID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkLocked(parentID, childID)
}

func (m *MemoryStore) linkLocked(parentID, childID string) error {
	key := edgeKey{parentID: parentID, childID: childID}
	if _, exists := m.edges[key]; exists {
		return fmt.Errorf("guardianship already linked: %w", domain.ErrConflict)
	}
	m.edges[key] = domain.GuardianshipEdge{
		ParentID:  parentID,
		ChildID:   childID,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// IsGuardianOf checks edge existence.
func (m *MemoryStore) IsGuardianOf(parentID, childID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.edges[edgeKey{parentID: parentID, childID: childID}]
	return ok, nil
}

// ListChildren returns linked child profiles ordered by creation time.
func (m *MemoryStore) ListChildren(parentID string) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0)
	for key := range m.edges {
		if key.parentID != parentID {
			continue
		}
		if child, ok := m.users[key.childID]; ok {
			res = append(res, child)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// CreateChildWithGuardian creates the child and the edge as one unit.
func (m *MemoryStore) CreateChildWithGuardian(child domain.User, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.email[child.Email]; exists {
		return fmt.Errorf("email already registered: %w", domain.ErrConflict)
	}
	if err := m.linkLocked(parentID, child.ID); err != nil {
		return err
	}
	m.users[child.ID] = child
	m.email[child.Email] = child.ID
	return nil
}

// SaveBook stores or replaces a book and tracks insertion order.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.bookOrder = append(m.bookOrder, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// ListBooks returns books matching the filter in insertion order.
func (m *MemoryStore) ListBooks(filter domain.BookFilter) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.bookOrder))
	for _, id := range m.bookOrder {
		b, ok := m.books[id]
		if !ok || !matchesFilter(b, filter) {
			continue
		}
		res = append(res, b)
	}
	return res, nil
}

func matchesFilter(b domain.Book, f domain.BookFilter) bool {
	if f.Category != "" && b.Category != f.Category {
		return false
	}
	if f.AgeGroup != "" && b.AgeGroup != f.AgeGroup {
		return false
	}
	if f.Level != "" && b.Level != f.Level {
		return false
	}
	return true
}

// ListBooksByAuthor returns books owned by authorID in insertion order.
func (m *MemoryStore) ListBooksByAuthor(authorID string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0)
	for _, id := range m.bookOrder {
		if b, ok := m.books[id]; ok && b.AuthorID == authorID {
			res = append(res, b)
		}
	}
	return res, nil
}

// SetBookCover updates the stored cover object key.
func (m *MemoryStore) SetBookCover(id, coverKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return nil
	}
	b.CoverKey = coverKey
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return nil
}

// AppendPage assigns the next page number under the store lock, so
// concurrent appends serialize.
func (m *MemoryStore) AppendPage(bookID, text, imageKey string) (domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[bookID]
	if !ok {
		return domain.Page{}, fmt.Errorf("book %s: %w", bookID, domain.ErrNotFound)
	}
	page := domain.Page{
		BookID:     bookID,
		PageNumber: len(m.pages[bookID]),
		Text:       text,
		ImageKey:   imageKey,
		CreatedAt:  time.Now().UTC(),
	}
	m.pages[bookID] = append(m.pages[bookID], page)
	book.PageCount = len(m.pages[bookID])
	book.UpdatedAt = time.Now().UTC()
	m.books[bookID] = book
	return page, nil
}

// ListPages returns pages in ascending page order; empty when none.
func (m *MemoryStore) ListPages(bookID string) ([]domain.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pages := m.pages[bookID]
	res := make([]domain.Page, len(pages))
	copy(res, pages)
	return res, nil
}

// UpsertProgress keeps furthest_page monotonic.
func (m *MemoryStore) UpsertProgress(readerID, bookID string, page int) (domain.ProgressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey{readerID: readerID, bookID: bookID}
	record, ok := m.progress[key]
	if !ok {
		record = domain.ProgressRecord{ReaderID: readerID, BookID: bookID, FurthestPage: page}
	} else if page > record.FurthestPage {
		record.FurthestPage = page
	}
	record.LastUpdated = time.Now().UTC()
	m.progress[key] = record
	return record, nil
}

// GetProgress returns the record for one (reader, book) pair.
func (m *MemoryStore) GetProgress(readerID, bookID string) (domain.ProgressRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.progress[progressKey{readerID: readerID, bookID: bookID}]
	return record, ok, nil
}

// ListProgress returns every record for a reader, most recent first.
func (m *MemoryStore) ListProgress(readerID string) ([]domain.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ProgressRecord, 0)
	for key, record := range m.progress {
		if key.readerID == readerID {
			res = append(res, record)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].LastUpdated.Equal(res[j].LastUpdated) {
			return res[i].BookID < res[j].BookID
		}
		return res[i].LastUpdated.After(res[j].LastUpdated)
	})
	return res, nil
}
