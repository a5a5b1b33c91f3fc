package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"storynest/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	// TranslateError turns driver unique-violation errors into
	// gorm.ErrDuplicatedKey, which the edge and page inserts rely on.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &GuardianshipModel{}, &BookModel{}, &PageModel{}, &ProgressModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser registers or updates a user. Role never changes after creation.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "name", "age", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UpdateProfile changes the display name only.
func (s *GormStore) UpdateProfile(id, name string) error {
	return s.db.Model(&UserModel{}).Where("id = ?", id).Updates(map[string]any{
		"name":       name,
		"updated_at": time.Now().UTC(),
	}).Error
}

// LinkGuardian inserts a parent->child edge. A duplicate edge is a
// Conflict, surfaced by the composite primary key.
func (s *GormStore) LinkGuardian(parentID, childID string) error {
	model := GuardianshipModel{ParentID: parentID, ChildID: childID, CreatedAt: time.Now().UTC()}
	err := s.db.Create(&model).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("guardianship already linked: %w", domain.ErrConflict)
	}
	return err
}

// IsGuardianOf checks edge existence via the composite key.
func (s *GormStore) IsGuardianOf(parentID, childID string) (bool, error) {
	var count int64
	if err := s.db.Model(&GuardianshipModel{}).
		Where("parent_id = ? AND child_id = ?", parentID, childID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListChildren returns the profiles of every child linked to parentID.
func (s *GormStore) ListChildren(parentID string) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.
		Joins("JOIN guardianship_models g ON g.child_id = user_models.id").
		Where("g.parent_id = ?", parentID).
		Order("user_models.created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// CreateChildWithGuardian creates the child user and the edge in one
// transaction so a failed edge insert never leaves an orphaned account.
func (s *GormStore) CreateChildWithGuardian(child domain.User, parentID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		user := userToModel(child)
		if err := tx.Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("email already registered: %w", domain.ErrConflict)
			}
			return err
		}
		edge := GuardianshipModel{ParentID: parentID, ChildID: child.ID, CreatedAt: time.Now().UTC()}
		return tx.Create(&edge).Error
	})
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model, err := bookToModel(b)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "description", "cover_key", "category", "age_group", "level", "tags", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns books matching the filter, oldest first.
func (s *GormStore) ListBooks(filter domain.BookFilter) ([]domain.Book, error) {
	tx := s.db.Order("created_at ASC, id ASC")
	if filter.Category != "" {
		tx = tx.Where("category = ?", filter.Category)
	}
	if filter.AgeGroup != "" {
		tx = tx.Where("age_group = ?", filter.AgeGroup)
	}
	if filter.Level != "" {
		tx = tx.Where("level = ?", filter.Level)
	}
	var models []BookModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// ListBooksByAuthor returns books owned by authorID.
func (s *GormStore) ListBooksByAuthor(authorID string) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Where("author_id = ?", authorID).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// SetBookCover updates the stored cover object key.
func (s *GormStore) SetBookCover(id, coverKey string) error {
	return s.db.Model(&BookModel{}).Where("id = ?", id).Updates(map[string]any{
		"cover_key":  coverKey,
		"updated_at": time.Now().UTC(),
	}).Error
}

// AppendPage assigns the next page number under a row lock on the book, so
// two concurrent appends serialize instead of sharing a number. The
// composite (book_id, page_number) key catches anything the lock misses.
func (s *GormStore) AppendPage(bookID, text, imageKey string) (domain.Page, error) {
	var page domain.Page
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var book BookModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&book, "id = ?", bookID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("book %s: %w", bookID, domain.ErrNotFound)
			}
			return err
		}
		model := PageModel{
			BookID:     bookID,
			PageNumber: book.PageCount,
			Text:       text,
			ImageKey:   imageKey,
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("page number raced: %w", domain.ErrConflict)
			}
			return err
		}
		if err := tx.Model(&BookModel{}).Where("id = ?", bookID).Updates(map[string]any{
			"page_count": book.PageCount + 1,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		page = pageFromModel(model)
		return nil
	})
	return page, err
}

// ListPages returns pages in ascending page order; empty when none.
func (s *GormStore) ListPages(bookID string) ([]domain.Page, error) {
	var models []PageModel
	if err := s.db.Where("book_id = ?", bookID).
		Order("page_number ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	pages := make([]domain.Page, 0, len(models))
	for _, m := range models {
		pages = append(pages, pageFromModel(m))
	}
	return pages, nil
}

// UpsertProgress keeps the furthest page monotonic: a report behind the
// stored position refreshes the timestamp but never moves backwards.
func (s *GormStore) UpsertProgress(readerID, bookID string, page int) (domain.ProgressRecord, error) {
	now := time.Now().UTC()
	model := ProgressModel{ReaderID: readerID, BookID: bookID, FurthestPage: page, LastUpdated: now}
	if err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "reader_id"}, {Name: "book_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"furthest_page": gorm.Expr("GREATEST(progress_models.furthest_page, excluded.furthest_page)"),
			"last_updated":  now,
		}),
	}).Create(&model).Error; err != nil {
		return domain.ProgressRecord{}, err
	}
	record, _, err := s.GetProgress(readerID, bookID)
	return record, err
}

// GetProgress returns the record for one (reader, book) pair.
func (s *GormStore) GetProgress(readerID, bookID string) (domain.ProgressRecord, bool, error) {
	var model ProgressModel
	if err := s.db.First(&model, "reader_id = ? AND book_id = ?", readerID, bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ProgressRecord{}, false, nil
		}
		return domain.ProgressRecord{}, false, err
	}
	return progressFromModel(model), true, nil
}

// ListProgress returns every record for a reader.
func (s *GormStore) ListProgress(readerID string) ([]domain.ProgressRecord, error) {
	var models []ProgressModel
	if err := s.db.Where("reader_id = ?", readerID).
		Order("last_updated DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ProgressRecord, 0, len(models))
	for _, m := range models {
		res = append(res, progressFromModel(m))
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Name:         u.Name,
		Age:          u.Age,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.Role(m.Role),
		Name:         m.Name,
		Age:          m.Age,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) (BookModel, error) {
	rawTags, err := json.Marshal(b.Tags)
	if err != nil {
		return BookModel{}, fmt.Errorf("encode tags: %w", err)
	}
	return BookModel{
		ID:          b.ID,
		AuthorID:    b.AuthorID,
		Title:       b.Title,
		Description: b.Description,
		CoverKey:    b.CoverKey,
		Category:    b.Category,
		AgeGroup:    b.AgeGroup,
		Level:       b.Level,
		Tags:        datatypes.JSON(rawTags),
		PageCount:   b.PageCount,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}, nil
}

func bookFromModel(m BookModel) domain.Book {
	var tags []string
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	return domain.Book{
		ID:          m.ID,
		AuthorID:    m.AuthorID,
		Title:       m.Title,
		Description: m.Description,
		CoverKey:    m.CoverKey,
		Category:    m.Category,
		AgeGroup:    m.AgeGroup,
		Level:       m.Level,
		Tags:        tags,
		PageCount:   m.PageCount,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func pageFromModel(m PageModel) domain.Page {
	return domain.Page{
		BookID:     m.BookID,
		PageNumber: m.PageNumber,
		Text:       m.Text,
		ImageKey:   m.ImageKey,
		CreatedAt:  m.CreatedAt,
	}
}

func progressFromModel(m ProgressModel) domain.ProgressRecord {
	return domain.ProgressRecord{
		ReaderID:     m.ReaderID,
		BookID:       m.BookID,
		FurthestPage: m.FurthestPage,
		LastUpdated:  m.LastUpdated,
	}
}
