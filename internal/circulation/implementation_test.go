// internal/circulation/implementation_test.go
package circulation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/store/memory"
)

type fixture struct {
	t     *testing.T
	store *memory.Store
	svc   circulation.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	return &fixture{
		t:     t,
		store: store,
		svc:   circulation.NewService(store, circulation.DefaultPolicy()),
	}
}

func (f *fixture) seedBook(copies int) *catalog.Book {
	f.t.Helper()
	book := &catalog.Book{
		ID:              uuid.New(),
		Title:           "Test Title",
		ISBN:            uuid.NewString(),
		TotalCopies:     copies,
		AvailableCopies: copies,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
	f.store.AddBook(book)
	for i := 0; i < copies; i++ {
		f.store.AddCopy(&catalog.Copy{
			ID:        uuid.New(),
			BookID:    book.ID,
			Condition: catalog.ConditionGood,
			CreatedAt: time.Now(),
		})
	}
	return book
}

func (f *fixture) seedPendingReservation(patronID, bookID uuid.UUID) *circulation.Reservation {
	f.t.Helper()
	r := &circulation.Reservation{
		ID:        uuid.New(),
		PatronID:  patronID,
		BookID:    bookID,
		Status:    circulation.ReservationPending,
		CreatedAt: time.Now(),
	}
	f.store.AddReservation(r)
	return r
}

func (f *fixture) eventTypes() []string {
	f.t.Helper()
	var types []string
	for _, e := range f.store.Events() {
		types = append(types, e.EventType)
	}
	return types
}

func TestBorrow(t *testing.T) {
	ctx := context.Background()

	t.Run("lends an available copy", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(2)
		patron := uuid.New()

		loan, err := f.svc.Borrow(ctx, patron, book.ID)
		require.NoError(t, err)

		assert.Equal(t, patron, loan.PatronID)
		assert.Equal(t, book.ID, loan.BookID)
		assert.Equal(t, circulation.LoanActive, loan.Status)
		assert.WithinDuration(t, time.Now().Add(14*24*time.Hour), loan.DueDate, time.Minute)

		assert.Equal(t, 1, f.store.Book(book.ID).AvailableCopies)
		assert.Equal(t, 1, f.store.ActiveLoanCount(book.ID))
		assert.Contains(t, f.eventTypes(), "LoanCreated")
	})

	t.Run("unknown book", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Borrow(ctx, uuid.New(), uuid.New())
		assert.ErrorIs(t, err, circulation.ErrBookNotFound)
	})

	t.Run("retired book behaves as missing", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		deleted := time.Now()
		book.DeletedAt = &deleted
		f.store.AddBook(book)

		_, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
		assert.ErrorIs(t, err, circulation.ErrBookNotFound)
	})

	t.Run("inactive book", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		book.IsActive = false
		f.store.AddBook(book)

		_, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
		assert.ErrorIs(t, err, circulation.ErrBookInactive)
	})

	t.Run("no copies available", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		_, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
		require.NoError(t, err)

		_, err = f.svc.Borrow(ctx, uuid.New(), book.ID)
		assert.ErrorIs(t, err, circulation.ErrNoAvailableCopy)
	})

	t.Run("second copy of the same title", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(3)
		patron := uuid.New()

		_, err := f.svc.Borrow(ctx, patron, book.ID)
		require.NoError(t, err)

		_, err = f.svc.Borrow(ctx, patron, book.ID)
		assert.ErrorIs(t, err, circulation.ErrAlreadyBorrowed)
	})

	t.Run("loan limit counts across books", func(t *testing.T) {
		f := newFixture(t)
		patron := uuid.New()
		for i := 0; i < 3; i++ {
			book := f.seedBook(1)
			_, err := f.svc.Borrow(ctx, patron, book.ID)
			require.NoError(t, err)
		}

		fourth := f.seedBook(1)
		_, err := f.svc.Borrow(ctx, patron, fourth.ID)
		assert.ErrorIs(t, err, circulation.ErrBorrowLimitExceeded)
	})

	t.Run("outstanding overdue loan blocks borrowing", func(t *testing.T) {
		f := newFixture(t)
		patron := uuid.New()
		f.store.AddLoan(&circulation.Loan{
			ID:         uuid.New(),
			PatronID:   patron,
			CopyID:     uuid.New(),
			BookID:     uuid.New(),
			BorrowedAt: time.Now().Add(-30 * 24 * time.Hour),
			DueDate:    time.Now().Add(-16 * 24 * time.Hour),
			Status:     circulation.LoanActive,
		})

		book := f.seedBook(1)
		_, err := f.svc.Borrow(ctx, patron, book.ID)
		assert.ErrorIs(t, err, circulation.ErrOutstandingOverdue)
	})

	t.Run("queue head has priority over walk-ins", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		f.seedPendingReservation(uuid.New(), book.ID)

		_, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
		assert.ErrorIs(t, err, circulation.ErrReservationPriority)
	})

	t.Run("queue head borrowing fulfils their reservation", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		patron := uuid.New()
		reservation := f.seedPendingReservation(patron, book.ID)

		_, err := f.svc.Borrow(ctx, patron, book.ID)
		require.NoError(t, err)

		got, err := f.store.GetReservation(ctx, reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, circulation.ReservationFulfilled, got.Status)
		assert.Contains(t, f.eventTypes(), "ReservationFulfilled")
	})

	t.Run("allocates the best conditioned copy", func(t *testing.T) {
		f := newFixture(t)
		book := &catalog.Book{
			ID:              uuid.New(),
			Title:           "Graded",
			TotalCopies:     2,
			AvailableCopies: 2,
			IsActive:        true,
		}
		f.store.AddBook(book)
		worn := &catalog.Copy{ID: uuid.New(), BookID: book.ID, Condition: catalog.ConditionPoor}
		fresh := &catalog.Copy{ID: uuid.New(), BookID: book.ID, Condition: catalog.ConditionNew}
		f.store.AddCopy(worn)
		f.store.AddCopy(fresh)

		loan, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
		require.NoError(t, err)
		assert.Equal(t, fresh.ID, loan.CopyID)
	})

	t.Run("one winner for the last copy", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)

		const contenders = 8
		var wg sync.WaitGroup
		errs := make([]error, contenders)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.svc.Borrow(ctx, uuid.New(), book.ID)
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, circulation.ErrNoAvailableCopy)
			}
		}
		assert.Equal(t, 1, winners)
		assert.Equal(t, 0, f.store.Book(book.ID).AvailableCopies)
		assert.Equal(t, 1, f.store.ActiveLoanCount(book.ID))
	})
}

func TestReturn(t *testing.T) {
	ctx := context.Background()

	t.Run("closes the loan and frees the copy", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		patron := uuid.New()

		loan, err := f.svc.Borrow(ctx, patron, book.ID)
		require.NoError(t, err)

		closed, err := f.svc.Return(ctx, patron, loan.ID)
		require.NoError(t, err)

		assert.Equal(t, circulation.LoanReturned, closed.Status)
		require.NotNil(t, closed.ReturnedAt)
		assert.Equal(t, 1, f.store.Book(book.ID).AvailableCopies)
		assert.Contains(t, f.eventTypes(), "LoanClosed")
	})

	t.Run("unknown loan", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Return(ctx, uuid.New(), uuid.New())
		assert.ErrorIs(t, err, circulation.ErrLoanNotFound)
	})

	t.Run("only the borrower can return", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		patron := uuid.New()

		loan, err := f.svc.Borrow(ctx, patron, book.ID)
		require.NoError(t, err)

		_, err = f.svc.Return(ctx, uuid.New(), loan.ID)
		assert.ErrorIs(t, err, circulation.ErrNotLoanOwner)
	})

	t.Run("double return", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		patron := uuid.New()

		loan, err := f.svc.Borrow(ctx, patron, book.ID)
		require.NoError(t, err)

		_, err = f.svc.Return(ctx, patron, loan.ID)
		require.NoError(t, err)

		_, err = f.svc.Return(ctx, patron, loan.ID)
		assert.ErrorIs(t, err, circulation.ErrAlreadyReturned)
	})

	t.Run("late return closes as overdue", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		patron := uuid.New()
		loan := &circulation.Loan{
			ID:         uuid.New(),
			PatronID:   patron,
			CopyID:     uuid.New(),
			BookID:     book.ID,
			BorrowedAt: time.Now().Add(-20 * 24 * time.Hour),
			DueDate:    time.Now().Add(-6 * 24 * time.Hour),
			Status:     circulation.LoanActive,
		}
		f.store.AddLoan(loan)

		closed, err := f.svc.Return(ctx, patron, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, circulation.LoanOverdue, closed.Status)
		require.NotNil(t, closed.ReturnedAt)
	})

	t.Run("hands the copy straight to the queue head", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		borrower := uuid.New()
		waiter := uuid.New()

		loan, err := f.svc.Borrow(ctx, borrower, book.ID)
		require.NoError(t, err)

		reservation, position, err := f.svc.Reserve(ctx, waiter, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, position)

		_, err = f.svc.Return(ctx, borrower, loan.ID)
		require.NoError(t, err)

		// The copy never touched the availability pool.
		assert.Equal(t, 0, f.store.Book(book.ID).AvailableCopies)
		assert.Equal(t, 1, f.store.ActiveLoanCount(book.ID))

		got, err := f.store.GetReservation(ctx, reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, circulation.ReservationFulfilled, got.Status)

		history, err := f.svc.LoanHistory(ctx, waiter)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, loan.CopyID, history[0].CopyID)
		assert.Equal(t, circulation.LoanActive, history[0].Status)
	})

	t.Run("handoff skips cancelled reservations", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		borrower := uuid.New()
		first := uuid.New()
		second := uuid.New()

		loan, err := f.svc.Borrow(ctx, borrower, book.ID)
		require.NoError(t, err)

		headReservation, _, err := f.svc.Reserve(ctx, first, book.ID)
		require.NoError(t, err)
		_, _, err = f.svc.Reserve(ctx, second, book.ID)
		require.NoError(t, err)

		_, err = f.svc.CancelReservation(ctx, first, headReservation.ID)
		require.NoError(t, err)

		_, err = f.svc.Return(ctx, borrower, loan.ID)
		require.NoError(t, err)

		history, err := f.svc.LoanHistory(ctx, second)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, circulation.LoanActive, history[0].Status)

		firstHistory, err := f.svc.LoanHistory(ctx, first)
		require.NoError(t, err)
		assert.Empty(t, firstHistory)
	})
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("joins the queue when no copy is free", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		_, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
		require.NoError(t, err)

		reservation, position, err := f.svc.Reserve(ctx, uuid.New(), book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, position)
		assert.Equal(t, circulation.ReservationPending, reservation.Status)
		assert.Contains(t, f.eventTypes(), "ReservationPlaced")
	})

	t.Run("positions are first come first served", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		_, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
		require.NoError(t, err)

		for want := 1; want <= 3; want++ {
			_, position, err := f.svc.Reserve(ctx, uuid.New(), book.ID)
			require.NoError(t, err)
			assert.Equal(t, want, position)
		}
	})

	t.Run("rejected while a copy is on the shelf", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(2)
		_, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
		require.NoError(t, err)

		_, _, err = f.svc.Reserve(ctx, uuid.New(), book.ID)
		assert.ErrorIs(t, err, circulation.ErrCopyAvailable)
	})

	t.Run("one slot per patron per book", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		_, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
		require.NoError(t, err)

		patron := uuid.New()
		_, _, err = f.svc.Reserve(ctx, patron, book.ID)
		require.NoError(t, err)

		_, _, err = f.svc.Reserve(ctx, patron, book.ID)
		assert.ErrorIs(t, err, circulation.ErrDuplicateReservation)
	})

	t.Run("borrowers cannot also queue", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		patron := uuid.New()
		_, err := f.svc.Borrow(ctx, patron, book.ID)
		require.NoError(t, err)

		_, _, err = f.svc.Reserve(ctx, patron, book.ID)
		assert.ErrorIs(t, err, circulation.ErrAlreadyBorrowed)
	})

	t.Run("reservation limit counts across books", func(t *testing.T) {
		f := newFixture(t)
		patron := uuid.New()
		for i := 0; i < 3; i++ {
			book := f.seedBook(1)
			_, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
			require.NoError(t, err)
			_, _, err = f.svc.Reserve(ctx, patron, book.ID)
			require.NoError(t, err)
		}

		fourth := f.seedBook(1)
		_, err := f.svc.Borrow(ctx, uuid.New(), fourth.ID)
		require.NoError(t, err)

		_, _, err = f.svc.Reserve(ctx, patron, fourth.ID)
		assert.ErrorIs(t, err, circulation.ErrReservationLimitExceeded)
	})

	t.Run("unknown book", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.svc.Reserve(ctx, uuid.New(), uuid.New())
		assert.ErrorIs(t, err, circulation.ErrBookNotFound)
	})

	t.Run("inactive book", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		book.IsActive = false
		f.store.AddBook(book)

		_, _, err := f.svc.Reserve(ctx, uuid.New(), book.ID)
		assert.ErrorIs(t, err, circulation.ErrBookInactive)
	})
}

func TestCancelReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("withdraws a pending slot", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		patron := uuid.New()
		reservation := f.seedPendingReservation(patron, book.ID)

		cancelled, err := f.svc.CancelReservation(ctx, patron, reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, circulation.ReservationCancelled, cancelled.Status)
		assert.Contains(t, f.eventTypes(), "ReservationCancelled")
	})

	t.Run("unknown reservation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CancelReservation(ctx, uuid.New(), uuid.New())
		assert.ErrorIs(t, err, circulation.ErrReservationNotFound)
	})

	t.Run("only the owner can cancel", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		reservation := f.seedPendingReservation(uuid.New(), book.ID)

		_, err := f.svc.CancelReservation(ctx, uuid.New(), reservation.ID)
		assert.ErrorIs(t, err, circulation.ErrNotReservationOwner)
	})

	t.Run("terminal reservations stay terminal", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		patron := uuid.New()
		reservation := f.seedPendingReservation(patron, book.ID)

		_, err := f.svc.CancelReservation(ctx, patron, reservation.ID)
		require.NoError(t, err)

		_, err = f.svc.CancelReservation(ctx, patron, reservation.ID)
		assert.ErrorIs(t, err, circulation.ErrReservationNotPending)
	})

	t.Run("mid-queue cancellation preserves order", func(t *testing.T) {
		f := newFixture(t)
		book := f.seedBook(1)
		borrower := uuid.New()
		patrons := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

		loan, err := f.svc.Borrow(ctx, borrower, book.ID)
		require.NoError(t, err)

		reservations := make([]*circulation.Reservation, len(patrons))
		for i, p := range patrons {
			reservations[i], _, err = f.svc.Reserve(ctx, p, book.ID)
			require.NoError(t, err)
		}

		// Middle of the queue drops out.
		_, err = f.svc.CancelReservation(ctx, patrons[1], reservations[1].ID)
		require.NoError(t, err)

		_, err = f.svc.Return(ctx, borrower, loan.ID)
		require.NoError(t, err)

		headHistory, err := f.svc.LoanHistory(ctx, patrons[0])
		require.NoError(t, err)
		require.Len(t, headHistory, 1)

		_, err = f.svc.Return(ctx, patrons[0], headHistory[0].ID)
		require.NoError(t, err)

		tailHistory, err := f.svc.LoanHistory(ctx, patrons[2])
		require.NoError(t, err)
		require.Len(t, tailHistory, 1)
		assert.Equal(t, circulation.LoanActive, tailHistory[0].Status)
	})
}

func TestSweepOverdue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pastDue := &circulation.Loan{
		ID:         uuid.New(),
		PatronID:   uuid.New(),
		CopyID:     uuid.New(),
		BookID:     uuid.New(),
		BorrowedAt: time.Now().Add(-20 * 24 * time.Hour),
		DueDate:    time.Now().Add(-6 * 24 * time.Hour),
		Status:     circulation.LoanActive,
	}
	current := &circulation.Loan{
		ID:         uuid.New(),
		PatronID:   uuid.New(),
		CopyID:     uuid.New(),
		BookID:     uuid.New(),
		BorrowedAt: time.Now(),
		DueDate:    time.Now().Add(14 * 24 * time.Hour),
		Status:     circulation.LoanActive,
	}
	f.store.AddLoan(pastDue)
	f.store.AddLoan(current)

	swept, err := f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, pastDue.ID, swept[0].ID)
	assert.Equal(t, circulation.LoanOverdue, swept[0].Status)

	// A second sweep finds nothing new.
	swept, err = f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)

	got, err := f.store.GetLoan(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.LoanActive, got.Status)
}

func TestExpireReservations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.seedBook(1)

	stale := &circulation.Reservation{
		ID:        uuid.New(),
		PatronID:  uuid.New(),
		BookID:    book.ID,
		Status:    circulation.ReservationPending,
		CreatedAt: time.Now().Add(-45 * 24 * time.Hour),
	}
	recent := f.seedPendingReservation(uuid.New(), book.ID)
	f.store.AddReservation(stale)

	expired, err := f.svc.ExpireReservations(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)
	assert.Equal(t, circulation.ReservationExpired, expired[0].Status)

	got, err := f.store.GetReservation(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationPending, got.Status)
}

func TestReconcileAvailability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	book := f.seedBook(3)
	_, err := f.svc.Borrow(ctx, uuid.New(), book.ID)
	require.NoError(t, err)

	// Corrupt the counter the way a missed decrement would.
	corrupted := f.store.Book(book.ID)
	corrupted.AvailableCopies = 3
	f.store.AddBook(corrupted)

	fixes, err := f.svc.ReconcileAvailability(ctx)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, book.ID, fixes[0].BookID)
	assert.Equal(t, 3, fixes[0].Stored)
	assert.Equal(t, 2, fixes[0].Actual)
	assert.Equal(t, 2, f.store.Book(book.ID).AvailableCopies)

	// With the counter repaired there is nothing left to fix.
	fixes, err = f.svc.ReconcileAvailability(ctx)
	require.NoError(t, err)
	assert.Empty(t, fixes)
}

func TestLoanHistoryOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	patron := uuid.New()

	older := &circulation.Loan{
		ID:         uuid.New(),
		PatronID:   patron,
		CopyID:     uuid.New(),
		BookID:     uuid.New(),
		BorrowedAt: time.Now().Add(-48 * time.Hour),
		DueDate:    time.Now().Add(12 * 24 * time.Hour),
		Status:     circulation.LoanReturned,
	}
	newer := &circulation.Loan{
		ID:         uuid.New(),
		PatronID:   patron,
		CopyID:     uuid.New(),
		BookID:     uuid.New(),
		BorrowedAt: time.Now(),
		DueDate:    time.Now().Add(14 * 24 * time.Hour),
		Status:     circulation.LoanActive,
	}
	f.store.AddLoan(older)
	f.store.AddLoan(newer)

	history, err := f.svc.LoanHistory(ctx, patron)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, newer.ID, history[0].ID)
	assert.Equal(t, older.ID, history[1].ID)
}
