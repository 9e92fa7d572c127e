// internal/store/postgres/postgres.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/pkg/eventstore"
)

const dialect = "postgres"

// Store implements circulation.Store on Postgres. The per-book unit of work
// is a transaction that locks the book row FOR UPDATE, so every
// check-allocate-create-count sequence for one book serializes on that row.
type Store struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

// NewStore creates a postgres-backed store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("libracirc/store"),
	}
}

// WithinBook runs fn inside a transaction holding the book's row lock.
func (s *Store) WithinBook(ctx context.Context, bookID uuid.UUID, fn func(ctx context.Context, tx circulation.BookTx) error) error {
	ctx, span := s.tracer.Start(ctx, "store.within_book",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var book catalog.Book
	err = tx.GetContext(ctx, &book, `
		SELECT id, title, isbn, author_id, publication_year, total_copies,
		       available_copies, is_active, deleted_at, created_at, updated_at
		FROM books
		WHERE id = $1
		FOR UPDATE
	`, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.ErrBookNotFound
	}
	if err != nil {
		return fmt.Errorf("lock book row: %w", err)
	}

	if err := fn(ctx, &bookTx{tx: tx, book: &book}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("commit.success", true))
	return nil
}

// GetLoan returns nil when no such loan exists.
func (s *Store) GetLoan(ctx context.Context, loanID uuid.UUID) (*circulation.Loan, error) {
	var loan circulation.Loan
	err := s.db.GetContext(ctx, &loan, `
		SELECT id, patron_id, copy_id, book_id, borrowed_at, due_date, returned_at, status
		FROM loans
		WHERE id = $1
	`, loanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query loan: %w", err)
	}
	return &loan, nil
}

// GetReservation returns nil when no such reservation exists.
func (s *Store) GetReservation(ctx context.Context, reservationID uuid.UUID) (*circulation.Reservation, error) {
	var reservation circulation.Reservation
	err := s.db.GetContext(ctx, &reservation, `
		SELECT id, patron_id, book_id, status, created_at
		FROM reservations
		WHERE id = $1
	`, reservationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return &reservation, nil
}

// ListLoans filters loans, most recently borrowed first.
func (s *Store) ListLoans(ctx context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	ds := goqu.Dialect(dialect).
		From("loans").
		Select("id", "patron_id", "copy_id", "book_id", "borrowed_at", "due_date", "returned_at", "status").
		Order(goqu.I("borrowed_at").Desc())

	if filter.PatronID != nil {
		ds = ds.Where(goqu.Ex{"patron_id": *filter.PatronID})
	}
	if filter.BookID != nil {
		ds = ds.Where(goqu.Ex{"book_id": *filter.BookID})
	}
	if len(filter.Statuses) > 0 {
		ds = ds.Where(goqu.Ex{"status": filter.Statuses})
	}
	if filter.DueBefore != nil {
		ds = ds.Where(goqu.I("due_date").Lt(*filter.DueBefore))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}

	var loans []circulation.Loan
	if err := s.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("query loans: %w", err)
	}
	return loans, nil
}

// ListReservations filters reservations, most recently created first.
func (s *Store) ListReservations(ctx context.Context, filter circulation.ReservationFilter) ([]circulation.Reservation, error) {
	ds := goqu.Dialect(dialect).
		From("reservations").
		Select("id", "patron_id", "book_id", "status", "created_at").
		Order(goqu.I("created_at").Desc())

	if filter.PatronID != nil {
		ds = ds.Where(goqu.Ex{"patron_id": *filter.PatronID})
	}
	if filter.BookID != nil {
		ds = ds.Where(goqu.Ex{"book_id": *filter.BookID})
	}
	if len(filter.Statuses) > 0 {
		ds = ds.Where(goqu.Ex{"status": filter.Statuses})
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build reservation query: %w", err)
	}

	var reservations []circulation.Reservation
	if err := s.db.SelectContext(ctx, &reservations, query, args...); err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	return reservations, nil
}

// MarkOverdueLoans reclassifies past-due ACTIVE loans in one statement, so a
// concurrent sweep cannot double-report a loan.
func (s *Store) MarkOverdueLoans(ctx context.Context, asOf time.Time) ([]circulation.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "store.mark_overdue")
	defer span.End()

	var loans []circulation.Loan
	err := s.db.SelectContext(ctx, &loans, `
		UPDATE loans
		SET status = 'OVERDUE'
		WHERE status = 'ACTIVE' AND due_date < $1
		RETURNING id, patron_id, copy_id, book_id, borrowed_at, due_date, returned_at, status
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("mark overdue loans: %w", err)
	}

	span.SetAttributes(attribute.Int("loans.overdue", len(loans)))
	return loans, nil
}

// ExpireReservations closes PENDING reservations created before cutoff.
func (s *Store) ExpireReservations(ctx context.Context, cutoff time.Time) ([]circulation.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "store.expire_reservations")
	defer span.End()

	var reservations []circulation.Reservation
	err := s.db.SelectContext(ctx, &reservations, `
		UPDATE reservations
		SET status = 'EXPIRED'
		WHERE status = 'PENDING' AND created_at < $1
		RETURNING id, patron_id, book_id, status, created_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire reservations: %w", err)
	}

	span.SetAttributes(attribute.Int("reservations.expired", len(reservations)))
	return reservations, nil
}

// RecountAvailability repairs counter drift from true active-loan counts.
// Offline consistency check; never called on the request path.
func (s *Store) RecountAvailability(ctx context.Context) ([]circulation.AvailabilityFix, error) {
	ctx, span := s.tracer.Start(ctx, "store.recount_availability")
	defer span.End()

	var fixes []circulation.AvailabilityFix
	err := s.db.SelectContext(ctx, &fixes, `
		UPDATE books b
		SET available_copies = t.actual
		FROM (
			SELECT bk.id,
			       bk.available_copies AS stored,
			       bk.total_copies - COUNT(l.id) FILTER (WHERE l.status = 'ACTIVE') AS actual
			FROM books bk
			LEFT JOIN loans l ON l.book_id = bk.id
			GROUP BY bk.id
		) t
		WHERE b.id = t.id AND b.available_copies <> t.actual
		RETURNING b.id AS book_id, t.stored, t.actual
	`)
	if err != nil {
		return nil, fmt.Errorf("recount availability: %w", err)
	}

	span.SetAttributes(attribute.Int("books.repaired", len(fixes)))
	return fixes, nil
}

// bookTx implements circulation.BookTx on the locked transaction.
type bookTx struct {
	tx   *sqlx.Tx
	book *catalog.Book
}

func (t *bookTx) Book() *catalog.Book {
	return t.book
}

// AllocateCopy picks the best free copy and locks it for this transaction.
// The condition ordering must stay aligned with catalog.Condition.Rank.
func (t *bookTx) AllocateCopy(ctx context.Context) (*catalog.Copy, error) {
	var c catalog.Copy
	err := t.tx.GetContext(ctx, &c, `
		SELECT c.id, c.book_id, c.condition, c.created_at
		FROM copies c
		WHERE c.book_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM loans l WHERE l.copy_id = c.id AND l.status = 'ACTIVE'
		  )
		ORDER BY array_position(ARRAY['NEW','GOOD','FAIR','POOR'], c.condition), c.created_at
		LIMIT 1
		FOR UPDATE OF c
	`, t.book.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select free copy: %w", err)
	}
	return &c, nil
}

func (t *bookTx) HasActiveLoan(ctx context.Context, patronID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM loans
			WHERE patron_id = $1 AND book_id = $2 AND status = 'ACTIVE'
		)
	`, patronID, t.book.ID)
	if err != nil {
		return false, fmt.Errorf("check active loan: %w", err)
	}
	return exists, nil
}

func (t *bookTx) CountActiveLoans(ctx context.Context, patronID uuid.UUID) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM loans WHERE patron_id = $1 AND status = 'ACTIVE'
	`, patronID)
	if err != nil {
		return 0, fmt.Errorf("count active loans: %w", err)
	}
	return n, nil
}

func (t *bookTx) HasOverdueLoans(ctx context.Context, patronID uuid.UUID, asOf time.Time) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM loans
			WHERE patron_id = $1 AND status = 'ACTIVE' AND due_date < $2
		)
	`, patronID, asOf)
	if err != nil {
		return false, fmt.Errorf("check overdue loans: %w", err)
	}
	return exists, nil
}

func (t *bookTx) PendingReservations(ctx context.Context) ([]circulation.Reservation, error) {
	var reservations []circulation.Reservation
	err := t.tx.SelectContext(ctx, &reservations, `
		SELECT id, patron_id, book_id, status, created_at
		FROM reservations
		WHERE book_id = $1 AND status = 'PENDING'
		ORDER BY created_at ASC, id ASC
	`, t.book.ID)
	if err != nil {
		return nil, fmt.Errorf("query pending reservations: %w", err)
	}
	return reservations, nil
}

func (t *bookTx) CountPendingReservations(ctx context.Context, patronID uuid.UUID) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM reservations WHERE patron_id = $1 AND status = 'PENDING'
	`, patronID)
	if err != nil {
		return 0, fmt.Errorf("count pending reservations: %w", err)
	}
	return n, nil
}

func (t *bookTx) GetLoan(ctx context.Context, loanID uuid.UUID) (*circulation.Loan, error) {
	var loan circulation.Loan
	err := t.tx.GetContext(ctx, &loan, `
		SELECT id, patron_id, copy_id, book_id, borrowed_at, due_date, returned_at, status
		FROM loans
		WHERE id = $1 AND book_id = $2
	`, loanID, t.book.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query loan: %w", err)
	}
	return &loan, nil
}

func (t *bookTx) GetReservation(ctx context.Context, reservationID uuid.UUID) (*circulation.Reservation, error) {
	var reservation circulation.Reservation
	err := t.tx.GetContext(ctx, &reservation, `
		SELECT id, patron_id, book_id, status, created_at
		FROM reservations
		WHERE id = $1 AND book_id = $2
	`, reservationID, t.book.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return &reservation, nil
}

func (t *bookTx) CreateLoan(ctx context.Context, loan *circulation.Loan) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO loans (id, patron_id, copy_id, book_id, borrowed_at, due_date, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, loan.ID, loan.PatronID, loan.CopyID, loan.BookID, loan.BorrowedAt, loan.DueDate, loan.Status)
	if err != nil {
		return fmt.Errorf("insert loan: %w", err)
	}
	return nil
}

func (t *bookTx) CloseLoan(ctx context.Context, loanID uuid.UUID, status circulation.LoanStatus, returnedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE loans
		SET status = $1, returned_at = $2
		WHERE id = $3 AND status = 'ACTIVE'
	`, status, returnedAt, loanID)
	if err != nil {
		return fmt.Errorf("close loan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close loan rows affected: %w", err)
	}
	if affected == 0 {
		return circulation.ErrAlreadyReturned
	}
	return nil
}

func (t *bookTx) CreateReservation(ctx context.Context, reservation *circulation.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (id, patron_id, book_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, reservation.ID, reservation.PatronID, reservation.BookID, reservation.Status, reservation.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *bookTx) SetReservationStatus(ctx context.Context, reservationID uuid.UUID, status circulation.ReservationStatus) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE reservations SET status = $1 WHERE id = $2
	`, status, reservationID)
	if err != nil {
		return fmt.Errorf("update reservation status: %w", err)
	}
	return nil
}

func (t *bookTx) AdjustAvailable(ctx context.Context, delta int) error {
	err := t.tx.GetContext(ctx, &t.book.AvailableCopies, `
		UPDATE books
		SET available_copies = available_copies + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING available_copies
	`, delta, t.book.ID)
	if err != nil {
		return fmt.Errorf("adjust available copies: %w", err)
	}
	if t.book.AvailableCopies < 0 || t.book.AvailableCopies > t.book.TotalCopies {
		return fmt.Errorf("available copies out of range: %d of %d", t.book.AvailableCopies, t.book.TotalCopies)
	}
	return nil
}

func (t *bookTx) Append(ctx context.Context, events ...eventstore.Event) error {
	return eventstore.AppendTx(ctx, t.tx, events...)
}
