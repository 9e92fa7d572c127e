// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/pkg/eventstore"
)

const pqUniqueViolation = "23505"

// service implements the Service interface.
type service struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(db *sqlx.DB) Service {
	return &service{
		db:     db,
		tracer: otel.Tracer("libracirc/catalog"),
	}
}

// CreateBook adds a title and its physical copies in one transaction. The
// author is reused by email when one already exists.
func (s *service) CreateBook(ctx context.Context, input CreateBookInput) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.create_book",
		trace.WithAttributes(attribute.String("book.isbn", input.ISBN)),
	)
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM books WHERE isbn = $1 AND deleted_at IS NULL)
	`, input.ISBN)
	if err != nil {
		return nil, fmt.Errorf("check ISBN: %w", err)
	}
	if exists {
		return nil, ErrISBNExists
	}

	authorID, err := s.resolveAuthor(ctx, tx, input)
	if err != nil {
		return nil, err
	}

	book := &Book{
		ID:              uuid.New(),
		Title:           input.Title,
		ISBN:            input.ISBN,
		AuthorID:        authorID,
		PublicationYear: input.PublicationYear,
		TotalCopies:     input.TotalCopies,
		AvailableCopies: input.TotalCopies,
		IsActive:        true,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO books (id, title, isbn, author_id, publication_year, total_copies, available_copies, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, book.ID, book.Title, book.ISBN, book.AuthorID, book.PublicationYear,
		book.TotalCopies, book.AvailableCopies, book.IsActive)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, ErrISBNExists
		}
		return nil, fmt.Errorf("insert book: %w", err)
	}

	if err := insertCopies(ctx, tx, book.ID, input.TotalCopies); err != nil {
		return nil, err
	}

	event, err := eventstore.NewEvent(book.ID, "book", "BookAdded", BookAddedEvent{
		ID:          book.ID,
		ISBN:        book.ISBN,
		Title:       book.Title,
		AuthorID:    book.AuthorID,
		TotalCopies: book.TotalCopies,
	})
	if err != nil {
		return nil, err
	}
	if err := eventstore.AppendTx(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.String("book.id", book.ID.String()))
	return book, nil
}

func (s *service) resolveAuthor(ctx context.Context, tx *sqlx.Tx, input CreateBookInput) (uuid.UUID, error) {
	if input.Author != nil && input.AuthorID == nil {
		var existing uuid.UUID
		err := tx.GetContext(ctx, &existing, `SELECT id FROM authors WHERE email = $1`, input.Author.Email)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("lookup author: %w", err)
		}

		id := uuid.New()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO authors (id, name, email, bio) VALUES ($1, $2, $3, $4)
		`, id, input.Author.Name, input.Author.Email, input.Author.Bio)
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert author: %w", err)
		}
		return id, nil
	}

	if input.AuthorID == nil {
		return uuid.Nil, ErrAuthorNotFound
	}

	var exists bool
	err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM authors WHERE id = $1)`, *input.AuthorID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("verify author: %w", err)
	}
	if !exists {
		return uuid.Nil, ErrAuthorNotFound
	}
	return *input.AuthorID, nil
}

func insertCopies(ctx context.Context, tx *sqlx.Tx, bookID uuid.UUID, n int) error {
	for i := 0; i < n; i++ {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO copies (id, book_id, condition, created_at)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), bookID, ConditionNew, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert copy: %w", err)
		}
	}
	return nil
}

// GetBook retrieves a book that has not been soft-deleted.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	var book Book
	err := s.db.GetContext(ctx, &book, `
		SELECT id, title, isbn, author_id, publication_year, total_copies,
		       available_copies, is_active, deleted_at, created_at, updated_at
		FROM books
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query book: %w", err)
	}
	return &book, nil
}

// ListBooks returns active, non-deleted titles, newest first.
func (s *service) ListBooks(ctx context.Context) ([]Book, error) {
	var books []Book
	err := s.db.SelectContext(ctx, &books, `
		SELECT id, title, isbn, author_id, publication_year, total_copies,
		       available_copies, is_active, deleted_at, created_at, updated_at
		FROM books
		WHERE is_active AND deleted_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	return books, nil
}

// UpdateBook applies partial updates. Changing the copy total grows or
// shrinks the physical pool: new copies are inserted, surplus free copies are
// removed, and the available counter is recomputed from active loans. Copies
// currently on loan are never removed.
func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, input UpdateBookInput) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.update_book",
		trace.WithAttributes(attribute.String("book.id", id.String())),
	)
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var book Book
	err = tx.GetContext(ctx, &book, `
		SELECT id, title, isbn, author_id, publication_year, total_copies,
		       available_copies, is_active, deleted_at, created_at, updated_at
		FROM books
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock book row: %w", err)
	}

	if input.ISBN != nil && *input.ISBN != book.ISBN {
		var taken bool
		err = tx.GetContext(ctx, &taken, `
			SELECT EXISTS (SELECT 1 FROM books WHERE isbn = $1 AND id <> $2)
		`, *input.ISBN, id)
		if err != nil {
			return nil, fmt.Errorf("check ISBN: %w", err)
		}
		if taken {
			return nil, ErrISBNExists
		}
		book.ISBN = *input.ISBN
	}
	if input.Title != nil {
		book.Title = *input.Title
	}
	if input.PublicationYear != nil {
		book.PublicationYear = *input.PublicationYear
	}
	if input.IsActive != nil {
		book.IsActive = *input.IsActive
	}

	if input.TotalCopies != nil && *input.TotalCopies != book.TotalCopies {
		if err := s.resizeCopyPool(ctx, tx, &book, *input.TotalCopies); err != nil {
			return nil, err
		}

		event, err := eventstore.NewEvent(book.ID, "book", "BookCopiesResized", BookCopiesResizedEvent{
			ID:           book.ID,
			NewTotal:     book.TotalCopies,
			NewAvailable: book.AvailableCopies,
		})
		if err != nil {
			return nil, err
		}
		if err := eventstore.AppendTx(ctx, tx, event); err != nil {
			return nil, fmt.Errorf("append event: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE books
		SET title = $1, isbn = $2, publication_year = $3, total_copies = $4,
		    available_copies = $5, is_active = $6, updated_at = NOW()
		WHERE id = $7
	`, book.Title, book.ISBN, book.PublicationYear, book.TotalCopies,
		book.AvailableCopies, book.IsActive, book.ID)
	if err != nil {
		return nil, fmt.Errorf("update book: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &book, nil
}

func (s *service) resizeCopyPool(ctx context.Context, tx *sqlx.Tx, book *Book, newTotal int) error {
	var activeLoans int
	err := tx.GetContext(ctx, &activeLoans, `
		SELECT COUNT(*) FROM loans WHERE book_id = $1 AND status = 'ACTIVE'
	`, book.ID)
	if err != nil {
		return fmt.Errorf("count active loans: %w", err)
	}
	if newTotal < activeLoans {
		return ErrCopiesBelowLoans
	}

	if newTotal > book.TotalCopies {
		if err := insertCopies(ctx, tx, book.ID, newTotal-book.TotalCopies); err != nil {
			return err
		}
	} else {
		// Shrink by removing free copies only.
		_, err = tx.ExecContext(ctx, `
			DELETE FROM copies
			WHERE id IN (
				SELECT c.id FROM copies c
				WHERE c.book_id = $1
				  AND NOT EXISTS (
					SELECT 1 FROM loans l WHERE l.copy_id = c.id AND l.status = 'ACTIVE'
				  )
				ORDER BY c.created_at DESC
				LIMIT $2
			)
		`, book.ID, book.TotalCopies-newTotal)
		if err != nil {
			return fmt.Errorf("remove surplus copies: %w", err)
		}
	}

	book.TotalCopies = newTotal
	book.AvailableCopies = newTotal - activeLoans
	return nil
}

// RemoveBook soft-deletes a title. Removal is blocked while any copy is out
// on loan.
func (s *service) RemoveBook(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "catalog.remove_book",
		trace.WithAttributes(attribute.String("book.id", id.String())),
	)
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var book Book
	err = tx.GetContext(ctx, &book, `
		SELECT id, total_copies, available_copies FROM books
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrBookNotFound
	}
	if err != nil {
		return fmt.Errorf("lock book row: %w", err)
	}

	var activeLoans int
	err = tx.GetContext(ctx, &activeLoans, `
		SELECT COUNT(*) FROM loans WHERE book_id = $1 AND status = 'ACTIVE'
	`, id)
	if err != nil {
		return fmt.Errorf("count active loans: %w", err)
	}
	if activeLoans > 0 {
		return ErrBookHasActiveLoans
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE books
		SET deleted_at = NOW(), is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("soft delete book: %w", err)
	}

	event, err := eventstore.NewEvent(id, "book", "BookRetired", BookRetiredEvent{ID: id})
	if err != nil {
		return err
	}
	if err := eventstore.AppendTx(ctx, tx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
