// internal/circulation/implementation.go
package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/pkg/eventstore"
)

// service implements the Service interface.
type service struct {
	store  Store
	policy Policy
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new circulation service instance.
func NewService(store Store, policy Policy) Service {
	return &service{
		store:  store,
		policy: policy,
		tracer: otel.Tracer("libracirc/circulation"),
		now:    time.Now,
	}
}

// Borrow executes the borrow state transition. Every rule is evaluated and
// every write applied inside the book's unit of work, so two concurrent
// borrows of the last copy cannot both succeed.
func (s *service) Borrow(ctx context.Context, patronID, bookID uuid.UUID) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("patron.id", patronID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer span.End()

	var loan *Loan
	err := s.store.WithinBook(ctx, bookID, func(ctx context.Context, tx BookTx) error {
		book := tx.Book()
		if book.DeletedAt != nil {
			return ErrBookNotFound
		}
		if !book.IsActive {
			return ErrBookInactive
		}
		if book.AvailableCopies <= 0 {
			return ErrNoAvailableCopy
		}

		borrowed, err := tx.HasActiveLoan(ctx, patronID)
		if err != nil {
			return fmt.Errorf("check existing loan: %w", err)
		}
		if borrowed {
			return ErrAlreadyBorrowed
		}

		active, err := tx.CountActiveLoans(ctx, patronID)
		if err != nil {
			return fmt.Errorf("count active loans: %w", err)
		}
		if active >= s.policy.MaxActiveLoans {
			return ErrBorrowLimitExceeded
		}

		now := s.now()
		overdue, err := tx.HasOverdueLoans(ctx, patronID, now)
		if err != nil {
			return fmt.Errorf("check overdue loans: %w", err)
		}
		if overdue {
			return ErrOutstandingOverdue
		}

		pending, err := tx.PendingReservations(ctx)
		if err != nil {
			return fmt.Errorf("load reservation queue: %w", err)
		}
		if len(pending) > 0 && pending[0].PatronID != patronID {
			return ErrReservationPriority
		}

		allocated, err := tx.AllocateCopy(ctx)
		if err != nil {
			return fmt.Errorf("allocate copy: %w", err)
		}
		if allocated == nil {
			return ErrNoAvailableCopy
		}

		loan = &Loan{
			ID:         uuid.New(),
			PatronID:   patronID,
			CopyID:     allocated.ID,
			BookID:     bookID,
			BorrowedAt: now,
			DueDate:    now.Add(s.policy.LoanPeriod),
			Status:     LoanActive,
		}
		if err := tx.CreateLoan(ctx, loan); err != nil {
			return fmt.Errorf("create loan: %w", err)
		}
		if err := tx.AdjustAvailable(ctx, -1); err != nil {
			return fmt.Errorf("decrement available copies: %w", err)
		}

		events := []eventstore.Event{
			mustEvent(loan.ID, "loan", "LoanCreated", LoanCreatedEvent{
				LoanID:   loan.ID,
				PatronID: patronID,
				CopyID:   allocated.ID,
				BookID:   bookID,
				DueDate:  loan.DueDate,
			}),
		}

		// Borrowing through one's own head-of-queue reservation consumes it.
		for _, r := range pending {
			if r.PatronID != patronID {
				continue
			}
			if err := tx.SetReservationStatus(ctx, r.ID, ReservationFulfilled); err != nil {
				return fmt.Errorf("fulfil reservation: %w", err)
			}
			events = append(events, mustEvent(r.ID, "reservation", "ReservationFulfilled", ReservationClosedEvent{
				ReservationID: r.ID,
				PatronID:      patronID,
				BookID:        bookID,
				Status:        ReservationFulfilled,
			}))
			break
		}

		return tx.Append(ctx, events...)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	return loan, nil
}

// Return closes the loan and resolves the freed copy atomically. When the
// book has a pending reservation the copy is handed straight to the queue
// head as a fresh active loan: it never passes through the availability pool
// and the counter stays where it was.
func (s *service) Return(ctx context.Context, patronID, loanID uuid.UUID) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(
			attribute.String("patron.id", patronID.String()),
			attribute.String("loan.id", loanID.String()),
		),
	)
	defer span.End()

	located, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("locate loan: %w", err)
	}
	if located == nil {
		return nil, ErrLoanNotFound
	}

	var closed *Loan
	err = s.store.WithinBook(ctx, located.BookID, func(ctx context.Context, tx BookTx) error {
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("reload loan: %w", err)
		}
		if loan == nil {
			return ErrLoanNotFound
		}
		if loan.PatronID != patronID {
			return ErrNotLoanOwner
		}
		if loan.Status != LoanActive {
			return ErrAlreadyReturned
		}

		now := s.now()
		final := LoanReturned
		if loan.OverdueAt(now) {
			final = LoanOverdue
		}
		if err := tx.CloseLoan(ctx, loan.ID, final, now); err != nil {
			return fmt.Errorf("close loan: %w", err)
		}

		events := []eventstore.Event{
			mustEvent(loan.ID, "loan", "LoanClosed", LoanClosedEvent{
				LoanID:     loan.ID,
				PatronID:   loan.PatronID,
				CopyID:     loan.CopyID,
				Status:     final,
				ReturnedAt: now,
			}),
		}

		pending, err := tx.PendingReservations(ctx)
		if err != nil {
			return fmt.Errorf("load reservation queue: %w", err)
		}

		if len(pending) > 0 {
			head := pending[0]
			successor := &Loan{
				ID:         uuid.New(),
				PatronID:   head.PatronID,
				CopyID:     loan.CopyID,
				BookID:     loan.BookID,
				BorrowedAt: now,
				DueDate:    now.Add(s.policy.LoanPeriod),
				Status:     LoanActive,
			}
			if err := tx.CreateLoan(ctx, successor); err != nil {
				return fmt.Errorf("create handoff loan: %w", err)
			}
			if err := tx.SetReservationStatus(ctx, head.ID, ReservationFulfilled); err != nil {
				return fmt.Errorf("fulfil reservation: %w", err)
			}
			events = append(events,
				mustEvent(successor.ID, "loan", "LoanCreated", LoanCreatedEvent{
					LoanID:   successor.ID,
					PatronID: successor.PatronID,
					CopyID:   successor.CopyID,
					BookID:   successor.BookID,
					DueDate:  successor.DueDate,
				}),
				mustEvent(head.ID, "reservation", "ReservationFulfilled", ReservationClosedEvent{
					ReservationID: head.ID,
					PatronID:      head.PatronID,
					BookID:        head.BookID,
					Status:        ReservationFulfilled,
				}),
			)
		} else {
			if err := tx.AdjustAvailable(ctx, 1); err != nil {
				return fmt.Errorf("increment available copies: %w", err)
			}
		}

		closed = &Loan{
			ID:         loan.ID,
			PatronID:   loan.PatronID,
			CopyID:     loan.CopyID,
			BookID:     loan.BookID,
			BorrowedAt: loan.BorrowedAt,
			DueDate:    loan.DueDate,
			ReturnedAt: &now,
			Status:     final,
		}

		return tx.Append(ctx, events...)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("loan.status", string(closed.Status)))
	return closed, nil
}

// Reserve appends the patron to the book's FIFO queue. Position is the count
// of reservations already pending plus one, computed inside the unit of work
// so concurrent reserves commit in a total order.
func (s *service) Reserve(ctx context.Context, patronID, bookID uuid.UUID) (*Reservation, int, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.reserve",
		trace.WithAttributes(
			attribute.String("patron.id", patronID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer span.End()

	var (
		reservation *Reservation
		position    int
	)
	err := s.store.WithinBook(ctx, bookID, func(ctx context.Context, tx BookTx) error {
		book := tx.Book()
		if book.DeletedAt != nil {
			return ErrBookNotFound
		}
		if !book.IsActive {
			return ErrBookInactive
		}

		pending, err := tx.PendingReservations(ctx)
		if err != nil {
			return fmt.Errorf("load reservation queue: %w", err)
		}
		for _, r := range pending {
			if r.PatronID == patronID {
				return ErrDuplicateReservation
			}
		}

		borrowed, err := tx.HasActiveLoan(ctx, patronID)
		if err != nil {
			return fmt.Errorf("check existing loan: %w", err)
		}
		if borrowed {
			return ErrAlreadyBorrowed
		}

		pendingCount, err := tx.CountPendingReservations(ctx, patronID)
		if err != nil {
			return fmt.Errorf("count pending reservations: %w", err)
		}
		if pendingCount >= s.policy.MaxPendingReservations {
			return ErrReservationLimitExceeded
		}

		if book.AvailableCopies > 0 {
			return ErrCopyAvailable
		}

		position = len(pending) + 1
		reservation = &Reservation{
			ID:        uuid.New(),
			PatronID:  patronID,
			BookID:    bookID,
			Status:    ReservationPending,
			CreatedAt: s.now(),
		}
		if err := tx.CreateReservation(ctx, reservation); err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}

		return tx.Append(ctx, mustEvent(reservation.ID, "reservation", "ReservationPlaced", ReservationPlacedEvent{
			ReservationID: reservation.ID,
			PatronID:      patronID,
			BookID:        bookID,
			QueuePosition: position,
		}))
	})
	if err != nil {
		return nil, 0, err
	}

	span.SetAttributes(attribute.Int("queue.position", position))
	return reservation, position, nil
}

// CancelReservation withdraws a pending reservation. FIFO order is derived
// from creation time, so nobody behind the cancelled slot moves.
func (s *service) CancelReservation(ctx context.Context, patronID, reservationID uuid.UUID) (*Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.cancel_reservation",
		trace.WithAttributes(
			attribute.String("patron.id", patronID.String()),
			attribute.String("reservation.id", reservationID.String()),
		),
	)
	defer span.End()

	located, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("locate reservation: %w", err)
	}
	if located == nil {
		return nil, ErrReservationNotFound
	}

	var cancelled *Reservation
	err = s.store.WithinBook(ctx, located.BookID, func(ctx context.Context, tx BookTx) error {
		reservation, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return fmt.Errorf("reload reservation: %w", err)
		}
		if reservation == nil {
			return ErrReservationNotFound
		}
		if reservation.PatronID != patronID {
			return ErrNotReservationOwner
		}
		if reservation.Status != ReservationPending {
			return ErrReservationNotPending
		}

		if err := tx.SetReservationStatus(ctx, reservation.ID, ReservationCancelled); err != nil {
			return fmt.Errorf("cancel reservation: %w", err)
		}

		cancelled = &Reservation{
			ID:        reservation.ID,
			PatronID:  reservation.PatronID,
			BookID:    reservation.BookID,
			Status:    ReservationCancelled,
			CreatedAt: reservation.CreatedAt,
		}

		return tx.Append(ctx, mustEvent(reservation.ID, "reservation", "ReservationCancelled", ReservationClosedEvent{
			ReservationID: reservation.ID,
			PatronID:      reservation.PatronID,
			BookID:        reservation.BookID,
			Status:        ReservationCancelled,
		}))
	})
	if err != nil {
		return nil, err
	}

	return cancelled, nil
}

// SweepOverdue reclassifies active loans past due. The store applies the same
// now > dueDate predicate the inline borrow check uses.
func (s *service) SweepOverdue(ctx context.Context) ([]Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.sweep_overdue")
	defer span.End()

	loans, err := s.store.MarkOverdueLoans(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("mark overdue loans: %w", err)
	}

	span.SetAttributes(attribute.Int("loans.overdue", len(loans)))
	return loans, nil
}

// ExpireReservations closes out queue slots nobody claimed within the TTL.
func (s *service) ExpireReservations(ctx context.Context) ([]Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.expire_reservations")
	defer span.End()

	cutoff := s.now().Add(-s.policy.ReservationTTL)
	reservations, err := s.store.ExpireReservations(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire reservations: %w", err)
	}

	span.SetAttributes(attribute.Int("reservations.expired", len(reservations)))
	return reservations, nil
}

// ReconcileAvailability runs the offline counter consistency check.
func (s *service) ReconcileAvailability(ctx context.Context) ([]AvailabilityFix, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.reconcile_availability")
	defer span.End()

	fixes, err := s.store.RecountAvailability(ctx)
	if err != nil {
		return nil, fmt.Errorf("recount availability: %w", err)
	}

	span.SetAttributes(attribute.Int("books.repaired", len(fixes)))
	return fixes, nil
}

// LoanHistory lists the patron's loans, most recent first.
func (s *service) LoanHistory(ctx context.Context, patronID uuid.UUID) ([]Loan, error) {
	loans, err := s.store.ListLoans(ctx, LoanFilter{PatronID: &patronID})
	if err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}

// Reservations lists the patron's reservations, most recent first.
func (s *service) Reservations(ctx context.Context, patronID uuid.UUID) ([]Reservation, error) {
	reservations, err := s.store.ListReservations(ctx, ReservationFilter{PatronID: &patronID})
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return reservations, nil
}

// mustEvent builds an audit event from a payload the package itself defined;
// marshalling those cannot fail.
func mustEvent(aggregateID uuid.UUID, aggregateType, eventType string, payload interface{}) eventstore.Event {
	event, err := eventstore.NewEvent(aggregateID, aggregateType, eventType, payload)
	if err != nil {
		panic(fmt.Sprintf("marshal %s event: %v", eventType, err))
	}
	return event
}
