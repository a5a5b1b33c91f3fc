package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null"`
	Name         string
	Age          int
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

// GuardianshipModel stores one parent->child edge. The composite primary
// key makes duplicate links a constraint violation, and rows delete like
// any other row when unlinking is introduced.
type GuardianshipModel struct {
	ParentID  string    `gorm:"primaryKey"`
	ChildID   string    `gorm:"primaryKey;index"`
	CreatedAt time.Time `gorm:"not null"`
}

type BookModel struct {
	ID          string `gorm:"primaryKey"`
	AuthorID    string `gorm:"not null;index"`
	Title       string `gorm:"not null"`
	Description string
	CoverKey    string
	Category    string `gorm:"index"`
	AgeGroup    string `gorm:"index"`
	Level       string `gorm:"index"`
	Tags        datatypes.JSON
	PageCount   int       `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// PageModel rows are write-once. The composite primary key is the backstop
// that keeps concurrent appends from sharing a page number.
type PageModel struct {
	BookID     string `gorm:"primaryKey"`
	PageNumber int    `gorm:"primaryKey;autoIncrement:false"`
	Text       string `gorm:"type:text;not null"`
	ImageKey   string
	CreatedAt  time.Time `gorm:"not null"`
}

type ProgressModel struct {
	ReaderID     string    `gorm:"primaryKey"`
	BookID       string    `gorm:"primaryKey"`
	FurthestPage int       `gorm:"not null"`
	LastUpdated  time.Time `gorm:"not null"`
}
