// internal/catalog/domain.go
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Author is a book author. Authors are deduplicated by email on book creation.
type Author struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Bio       string    `json:"bio,omitempty" db:"bio"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Book is a catalog title. AvailableCopies is a materialized counter: it is
// mutated in the same transaction as every loan-state change and must always
// equal TotalCopies minus the number of copies with an active loan.
type Book struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Title           string     `json:"title" db:"title"`
	ISBN            string     `json:"isbn" db:"isbn"`
	AuthorID        uuid.UUID  `json:"author_id" db:"author_id"`
	PublicationYear int        `json:"publication_year,omitempty" db:"publication_year"`
	TotalCopies     int        `json:"total_copies" db:"total_copies"`
	AvailableCopies int        `json:"available_copies" db:"available_copies"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Condition grades a physical copy. Allocation prefers better grades.
type Condition string

const (
	ConditionNew  Condition = "NEW"
	ConditionGood Condition = "GOOD"
	ConditionFair Condition = "FAIR"
	ConditionPoor Condition = "POOR"
)

// Rank orders conditions best-first for the allocation tie-break. Unknown
// grades sort last.
func (c Condition) Rank() int {
	switch c {
	case ConditionNew:
		return 0
	case ConditionGood:
		return 1
	case ConditionFair:
		return 2
	case ConditionPoor:
		return 3
	default:
		return 4
	}
}

// Copy is one physical copy of a book. A copy has at most one active loan at
// any time; whether it is free is derived from loan state, not stored here.
type Copy struct {
	ID        uuid.UUID `json:"id" db:"id"`
	BookID    uuid.UUID `json:"book_id" db:"book_id"`
	Condition Condition `json:"condition" db:"condition"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// BookAddedEvent is appended when a new book enters the catalog.
type BookAddedEvent struct {
	ID          uuid.UUID `json:"id"`
	ISBN        string    `json:"isbn"`
	Title       string    `json:"title"`
	AuthorID    uuid.UUID `json:"author_id"`
	TotalCopies int       `json:"total_copies"`
}

// BookCopiesResizedEvent is appended when the copy pool grows or shrinks.
type BookCopiesResizedEvent struct {
	ID           uuid.UUID `json:"id"`
	NewTotal     int       `json:"new_total"`
	NewAvailable int       `json:"new_available"`
}

// BookRetiredEvent is appended when a book is soft-deleted.
type BookRetiredEvent struct {
	ID uuid.UUID `json:"id"`
}
