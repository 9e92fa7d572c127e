// internal/circulation/store.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"libracirc/internal/catalog"
	"libracirc/pkg/eventstore"
)

// LoanFilter narrows loan queries. Nil fields are ignored.
type LoanFilter struct {
	PatronID  *uuid.UUID
	BookID    *uuid.UUID
	Statuses  []LoanStatus
	DueBefore *time.Time
}

// ReservationFilter narrows reservation queries. Nil fields are ignored.
type ReservationFilter struct {
	PatronID *uuid.UUID
	BookID   *uuid.UUID
	Statuses []ReservationStatus
}

// AvailabilityFix reports one book whose materialized available-copy counter
// drifted from the true count, after the offline reconciliation repaired it.
type AvailabilityFix struct {
	BookID uuid.UUID `json:"book_id" db:"book_id"`
	Stored int       `json:"stored" db:"stored"`
	Actual int       `json:"actual" db:"actual"`
}

// Store is the catalog-store collaborator contract the circulation core
// depends on. Implementations must make WithinBook a per-book atomic unit of
// work: no other WithinBook call for the same book may interleave, and either
// every write inside fn commits or none does.
type Store interface {
	// WithinBook runs fn inside the book's unit of work. It fails with
	// ErrBookNotFound when no such book row exists; soft-deleted books are
	// still loaded so the core can apply its own visibility rule.
	WithinBook(ctx context.Context, bookID uuid.UUID, fn func(ctx context.Context, tx BookTx) error) error

	// GetLoan returns nil when the loan does not exist.
	GetLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error)
	// GetReservation returns nil when the reservation does not exist.
	GetReservation(ctx context.Context, reservationID uuid.UUID) (*Reservation, error)

	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]Reservation, error)

	// MarkOverdueLoans reclassifies every ACTIVE loan with dueDate < asOf to
	// OVERDUE and returns them ordered by due date. Running it again without
	// new overdue loans returns nothing.
	MarkOverdueLoans(ctx context.Context, asOf time.Time) ([]Loan, error)

	// ExpireReservations moves PENDING reservations created before cutoff to
	// EXPIRED and returns them.
	ExpireReservations(ctx context.Context, cutoff time.Time) ([]Reservation, error)

	// RecountAvailability recomputes every book's available-copy counter from
	// active-loan counts, repairs drift and reports what changed. Offline
	// consistency check only, never part of the request path.
	RecountAvailability(ctx context.Context) ([]AvailabilityFix, error)
}

// BookTx is the view of the store inside one book's unit of work. The book
// row is held exclusively for the duration; reads are consistent with the
// writes staged so far.
type BookTx interface {
	// Book returns the locked book row.
	Book() *catalog.Book

	// AllocateCopy picks one copy of the book with no ACTIVE loan, preferring
	// the best condition grade and then the earliest-created copy. Returns
	// nil when every copy is on loan.
	AllocateCopy(ctx context.Context) (*catalog.Copy, error)

	// HasActiveLoan reports whether the patron holds an ACTIVE loan for this
	// book.
	HasActiveLoan(ctx context.Context, patronID uuid.UUID) (bool, error)
	// CountActiveLoans counts the patron's ACTIVE loans across all books.
	CountActiveLoans(ctx context.Context, patronID uuid.UUID) (int, error)
	// HasOverdueLoans reports whether the patron holds any ACTIVE loan past
	// due at asOf, for any book.
	HasOverdueLoans(ctx context.Context, patronID uuid.UUID, asOf time.Time) (bool, error)

	// PendingReservations returns this book's PENDING reservations in
	// creation order, head first.
	PendingReservations(ctx context.Context) ([]Reservation, error)
	// CountPendingReservations counts the patron's PENDING reservations
	// across all books.
	CountPendingReservations(ctx context.Context, patronID uuid.UUID) (int, error)

	// GetLoan returns nil when the loan does not exist or belongs to another
	// book.
	GetLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error)
	// GetReservation returns nil when the reservation does not exist or
	// belongs to another book.
	GetReservation(ctx context.Context, reservationID uuid.UUID) (*Reservation, error)

	CreateLoan(ctx context.Context, loan *Loan) error
	// CloseLoan freezes the loan at its final status and stamps returnedAt.
	CloseLoan(ctx context.Context, loanID uuid.UUID, status LoanStatus, returnedAt time.Time) error

	CreateReservation(ctx context.Context, reservation *Reservation) error
	SetReservationStatus(ctx context.Context, reservationID uuid.UUID, status ReservationStatus) error

	// AdjustAvailable shifts the book's available-copy counter. It is the
	// only way the counter moves; it commits with the loan writes around it.
	AdjustAvailable(ctx context.Context, delta int) error

	// Append stages audit events to commit with this unit of work.
	Append(ctx context.Context, events ...eventstore.Event) error
}
