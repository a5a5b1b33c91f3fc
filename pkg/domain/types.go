package domain

import "time"

type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
	RoleAuthor Role = "author"
)

// ParseRole maps a raw role string onto the closed role set.
func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleParent:
		return RoleParent, true
	case RoleChild:
		return RoleChild, true
	case RoleAuthor:
		return RoleAuthor, true
	default:
		return "", false
	}
}

// Identity is the resolved caller for one request: who they are and what
// role they registered with. The zero value is the anonymous caller. It is
// built once at the HTTP boundary and passed as an argument; nothing below
// that boundary stores it.
type Identity struct {
	UserID string
	Role   Role
}

// Anonymous reports whether no authenticated user backs this identity.
func (id Identity) Anonymous() bool {
	return id.UserID == ""
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Name         string    `json:"name"`
	Age          int       `json:"age,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Identity derives the caller identity carried by this user's sessions.
func (u User) Identity() Identity {
	return Identity{UserID: u.ID, Role: u.Role}
}

type Book struct {
	ID          string    `json:"id"`
	AuthorID    string    `json:"authorId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CoverKey    string    `json:"-"`
	Category    string    `json:"category,omitempty"`
	AgeGroup    string    `json:"ageGroup,omitempty"`
	Level       string    `json:"level,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	PageCount   int       `json:"pageCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Page numbers are 0-based and gap-free within a book; the store assigns
// them at append time.
type Page struct {
	BookID     string    `json:"bookId"`
	PageNumber int       `json:"pageNumber"`
	Text       string    `json:"text"`
	ImageKey   string    `json:"imageKey,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// BookFilter narrows ListBooks. Empty fields impose no constraint; set
// fields combine with AND.
type BookFilter struct {
	Category string
	AgeGroup string
	Level    string
}

// GuardianshipEdge grants a parent visibility over a child's reading data.
type GuardianshipEdge struct {
	ParentID  string    `json:"parentId"`
	ChildID   string    `json:"childId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProgressRecord tracks the furthest page a reader reached in a book.
// At most one record exists per (reader, book) pair.
type ProgressRecord struct {
	ReaderID     string    `json:"readerId"`
	BookID       string    `json:"bookId"`
	FurthestPage int       `json:"furthestPage"`
	LastUpdated  time.Time `json:"lastUpdated"`
}
