// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the circulation service.
type Service interface {
	// Borrow lends one copy of the book to the patron.
	Borrow(ctx context.Context, patronID, bookID uuid.UUID) (*Loan, error)
	// Return closes the loan and hands the freed copy to the head of the
	// book's reservation queue, or back to the availability pool.
	Return(ctx context.Context, patronID, loanID uuid.UUID) (*Loan, error)

	// Reserve appends the patron to the book's queue and reports their
	// position, head being 1. The position is informational, not persisted.
	Reserve(ctx context.Context, patronID, bookID uuid.UUID) (*Reservation, int, error)
	// CancelReservation withdraws a pending reservation.
	CancelReservation(ctx context.Context, patronID, reservationID uuid.UUID) (*Reservation, error)

	// SweepOverdue reclassifies active loans past their due date to OVERDUE
	// and returns them. Idempotent.
	SweepOverdue(ctx context.Context) ([]Loan, error)
	// ExpireReservations cancels pending reservations older than the policy
	// TTL as EXPIRED and returns them.
	ExpireReservations(ctx context.Context) ([]Reservation, error)
	// ReconcileAvailability repairs available-copy counter drift offline.
	ReconcileAvailability(ctx context.Context) ([]AvailabilityFix, error)

	// LoanHistory lists the patron's loans, most recent first.
	LoanHistory(ctx context.Context, patronID uuid.UUID) ([]Loan, error)
	// Reservations lists the patron's reservations, most recent first.
	Reservations(ctx context.Context, patronID uuid.UUID) ([]Reservation, error)
}
