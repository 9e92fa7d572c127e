// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"

	"libracirc/internal/faults"
)

var (
	ErrBookNotFound   = faults.NotFound("book_not_found", "book not found")
	ErrAuthorNotFound = faults.NotFound("author_not_found", "author not found")
	ErrISBNExists     = faults.Conflict("isbn_exists", "book with this ISBN already exists")
	ErrCopiesBelowLoans = faults.Conflict("copies_below_loans",
		"cannot reduce total copies below the number of active loans")
	ErrBookHasActiveLoans = faults.Conflict("book_has_active_loans",
		"book cannot be removed while copies are on loan")
)

// AuthorInput describes an author to create or reuse by email.
type AuthorInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Bio   string `json:"bio,omitempty"`
}

// CreateBookInput describes a new title. Exactly one of AuthorID or Author
// must be set.
type CreateBookInput struct {
	Title           string       `json:"title"`
	ISBN            string       `json:"isbn"`
	PublicationYear int          `json:"publication_year,omitempty"`
	TotalCopies     int          `json:"total_copies"`
	AuthorID        *uuid.UUID   `json:"author_id,omitempty"`
	Author          *AuthorInput `json:"author,omitempty"`
}

// UpdateBookInput carries partial updates; nil fields are left untouched.
type UpdateBookInput struct {
	Title           *string `json:"title,omitempty"`
	ISBN            *string `json:"isbn,omitempty"`
	PublicationYear *int    `json:"publication_year,omitempty"`
	TotalCopies     *int    `json:"total_copies,omitempty"`
	IsActive        *bool   `json:"is_active,omitempty"`
}

// Service defines the interface for the catalog service.
type Service interface {
	CreateBook(ctx context.Context, input CreateBookInput) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, input UpdateBookInput) (*Book, error)
	RemoveBook(ctx context.Context, id uuid.UUID) error
}
