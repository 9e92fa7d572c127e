// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// LoanStatus is the lifecycle state of a borrow record. A loan is created
// ACTIVE and closes to RETURNED or OVERDUE; the closing status is final.
type LoanStatus string

const (
	LoanActive   LoanStatus = "ACTIVE"
	LoanReturned LoanStatus = "RETURNED"
	LoanOverdue  LoanStatus = "OVERDUE"
)

// Loan records one patron holding one physical copy.
type Loan struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	PatronID   uuid.UUID  `json:"patron_id" db:"patron_id"`
	CopyID     uuid.UUID  `json:"copy_id" db:"copy_id"`
	BookID     uuid.UUID  `json:"book_id" db:"book_id"`
	BorrowedAt time.Time  `json:"borrowed_at" db:"borrowed_at"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnedAt *time.Time `json:"returned_at,omitempty" db:"returned_at"`
	Status     LoanStatus `json:"status" db:"status"`
}

// OverdueAt reports whether the loan is past due at the given instant. The
// sweeper and the inline borrow check share this single predicate.
func (l *Loan) OverdueAt(now time.Time) bool {
	return now.After(l.DueDate)
}

// ReservationStatus is the lifecycle state of a reservation. PENDING is the
// only non-terminal state.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationFulfilled ReservationStatus = "FULFILLED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation is a patron's place in line for a book. Queue position is not
// stored: it is derived from creation order among the book's PENDING
// reservations, so a mid-queue cancellation never renumbers anyone.
type Reservation struct {
	ID        uuid.UUID         `json:"id" db:"id"`
	PatronID  uuid.UUID         `json:"patron_id" db:"patron_id"`
	BookID    uuid.UUID         `json:"book_id" db:"book_id"`
	Status    ReservationStatus `json:"status" db:"status"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// LoanCreatedEvent is appended when a borrow or a return handoff creates an
// active loan.
type LoanCreatedEvent struct {
	LoanID   uuid.UUID `json:"loan_id"`
	PatronID uuid.UUID `json:"patron_id"`
	CopyID   uuid.UUID `json:"copy_id"`
	BookID   uuid.UUID `json:"book_id"`
	DueDate  time.Time `json:"due_date"`
}

// LoanClosedEvent is appended when a loan reaches its final status.
type LoanClosedEvent struct {
	LoanID     uuid.UUID  `json:"loan_id"`
	PatronID   uuid.UUID  `json:"patron_id"`
	CopyID     uuid.UUID  `json:"copy_id"`
	Status     LoanStatus `json:"status"`
	ReturnedAt time.Time  `json:"returned_at"`
}

// ReservationPlacedEvent is appended when a patron joins a book's queue.
type ReservationPlacedEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	PatronID      uuid.UUID `json:"patron_id"`
	BookID        uuid.UUID `json:"book_id"`
	QueuePosition int       `json:"queue_position"`
}

// ReservationClosedEvent is appended when a reservation reaches a terminal
// status: FULFILLED, CANCELLED or EXPIRED.
type ReservationClosedEvent struct {
	ReservationID uuid.UUID         `json:"reservation_id"`
	PatronID      uuid.UUID         `json:"patron_id"`
	BookID        uuid.UUID         `json:"book_id"`
	Status        ReservationStatus `json:"status"`
}
