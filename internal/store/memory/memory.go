// internal/store/memory/memory.go
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/pkg/eventstore"
)

// Store is an in-process implementation of circulation.Store. It mirrors the
// postgres store's unit-of-work semantics: WithinBook holds a per-book mutex
// for the whole callback and stages writes so a failing callback leaves no
// partial state behind.
type Store struct {
	mu           sync.Mutex
	books        map[uuid.UUID]*catalog.Book
	copies       map[uuid.UUID]*catalog.Copy
	loans        map[uuid.UUID]*circulation.Loan
	reservations map[uuid.UUID]*circulation.Reservation
	events       []eventstore.Event
	nextEventID  int64

	seq     int64
	copySeq map[uuid.UUID]int64
	resSeq  map[uuid.UUID]int64

	lockMu    sync.Mutex
	bookLocks map[uuid.UUID]*sync.Mutex
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		books:        make(map[uuid.UUID]*catalog.Book),
		copies:       make(map[uuid.UUID]*catalog.Copy),
		loans:        make(map[uuid.UUID]*circulation.Loan),
		reservations: make(map[uuid.UUID]*circulation.Reservation),
		copySeq:      make(map[uuid.UUID]int64),
		resSeq:       make(map[uuid.UUID]int64),
		bookLocks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// AddBook seeds a book.
func (s *Store) AddBook(book *catalog.Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *book
	s.books[book.ID] = &clone
}

// AddCopy seeds a physical copy. Seed order is the creation-time tiebreak.
func (s *Store) AddCopy(c *catalog.Copy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *c
	s.seq++
	s.copySeq[c.ID] = s.seq
	s.copies[c.ID] = &clone
}

// AddLoan seeds a loan directly, bypassing borrow rules.
func (s *Store) AddLoan(l *circulation.Loan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *l
	s.loans[l.ID] = &clone
}

// AddReservation seeds a reservation directly. Seed order is the FIFO order.
func (s *Store) AddReservation(r *circulation.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *r
	s.seq++
	s.resSeq[r.ID] = s.seq
	s.reservations[r.ID] = &clone
}

// Book returns a snapshot of the book row, or nil.
func (s *Store) Book(id uuid.UUID) *catalog.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[id]
	if !ok {
		return nil
	}
	clone := *book
	return &clone
}

// Events returns the audit log in append order.
func (s *Store) Events() []eventstore.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventstore.Event, len(s.events))
	copy(out, s.events)
	return out
}

// ActiveLoanCount counts ACTIVE loans for a book, for invariant assertions.
func (s *Store) ActiveLoanCount(bookID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.loans {
		if l.BookID == bookID && l.Status == circulation.LoanActive {
			n++
		}
	}
	return n
}

func (s *Store) bookLock(bookID uuid.UUID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.bookLocks[bookID]
	if !ok {
		lock = &sync.Mutex{}
		s.bookLocks[bookID] = lock
	}
	return lock
}

// WithinBook implements the per-book unit of work with a per-book mutex.
func (s *Store) WithinBook(ctx context.Context, bookID uuid.UUID, fn func(ctx context.Context, tx circulation.BookTx) error) error {
	lock := s.bookLock(bookID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	book, ok := s.books[bookID]
	if !ok {
		s.mu.Unlock()
		return circulation.ErrBookNotFound
	}
	snapshot := *book
	s.mu.Unlock()

	tx := &bookTx{store: s, book: &snapshot}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, apply := range tx.staged {
		apply()
	}
	return nil
}

// GetLoan returns a snapshot, or nil.
func (s *Store) GetLoan(ctx context.Context, loanID uuid.UUID) (*circulation.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loanSnapshot(loanID), nil
}

// GetReservation returns a snapshot, or nil.
func (s *Store) GetReservation(ctx context.Context, reservationID uuid.UUID) (*circulation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservationSnapshot(reservationID), nil
}

// ListLoans filters loans, most recently borrowed first.
func (s *Store) ListLoans(ctx context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []circulation.Loan
	for _, l := range s.loans {
		if filter.PatronID != nil && l.PatronID != *filter.PatronID {
			continue
		}
		if filter.BookID != nil && l.BookID != *filter.BookID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsLoanStatus(filter.Statuses, l.Status) {
			continue
		}
		if filter.DueBefore != nil && !l.DueDate.Before(*filter.DueBefore) {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BorrowedAt.After(out[j].BorrowedAt) })
	return out, nil
}

// ListReservations filters reservations, most recently created first.
func (s *Store) ListReservations(ctx context.Context, filter circulation.ReservationFilter) ([]circulation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []circulation.Reservation
	for _, r := range s.reservations {
		if filter.PatronID != nil && r.PatronID != *filter.PatronID {
			continue
		}
		if filter.BookID != nil && r.BookID != *filter.BookID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsReservationStatus(filter.Statuses, r.Status) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return s.resSeq[out[i].ID] > s.resSeq[out[j].ID] })
	return out, nil
}

// MarkOverdueLoans flips past-due ACTIVE loans to OVERDUE, due date order.
func (s *Store) MarkOverdueLoans(ctx context.Context, asOf time.Time) ([]circulation.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []circulation.Loan
	for _, l := range s.loans {
		if l.Status == circulation.LoanActive && asOf.After(l.DueDate) {
			l.Status = circulation.LoanOverdue
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

// ExpireReservations flips stale PENDING reservations to EXPIRED.
func (s *Store) ExpireReservations(ctx context.Context, cutoff time.Time) ([]circulation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []circulation.Reservation
	for _, r := range s.reservations {
		if r.Status == circulation.ReservationPending && r.CreatedAt.Before(cutoff) {
			r.Status = circulation.ReservationExpired
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.resSeq[out[i].ID] < s.resSeq[out[j].ID] })
	return out, nil
}

// RecountAvailability recomputes counters from active-loan counts.
func (s *Store) RecountAvailability(ctx context.Context) ([]circulation.AvailabilityFix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[uuid.UUID]int)
	for _, l := range s.loans {
		if l.Status == circulation.LoanActive {
			active[l.BookID]++
		}
	}

	var fixes []circulation.AvailabilityFix
	for id, book := range s.books {
		actual := book.TotalCopies - active[id]
		if book.AvailableCopies != actual {
			fixes = append(fixes, circulation.AvailabilityFix{
				BookID: id,
				Stored: book.AvailableCopies,
				Actual: actual,
			})
			book.AvailableCopies = actual
		}
	}
	return fixes, nil
}

func (s *Store) loanSnapshot(loanID uuid.UUID) *circulation.Loan {
	l, ok := s.loans[loanID]
	if !ok {
		return nil
	}
	clone := *l
	return &clone
}

func (s *Store) reservationSnapshot(reservationID uuid.UUID) *circulation.Reservation {
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil
	}
	clone := *r
	return &clone
}

// bookTx stages writes against the shared maps; they apply only after the
// callback returns nil.
type bookTx struct {
	store  *Store
	book   *catalog.Book
	staged []func()
}

func (t *bookTx) Book() *catalog.Book {
	return t.book
}

func (t *bookTx) AllocateCopy(ctx context.Context) (*catalog.Copy, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	onLoan := make(map[uuid.UUID]bool)
	for _, l := range t.store.loans {
		if l.Status == circulation.LoanActive {
			onLoan[l.CopyID] = true
		}
	}

	var free []*catalog.Copy
	for _, c := range t.store.copies {
		if c.BookID == t.book.ID && !onLoan[c.ID] {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		return nil, nil
	}

	sort.Slice(free, func(i, j int) bool {
		ri, rj := free[i].Condition.Rank(), free[j].Condition.Rank()
		if ri != rj {
			return ri < rj
		}
		return t.store.copySeq[free[i].ID] < t.store.copySeq[free[j].ID]
	})
	clone := *free[0]
	return &clone, nil
}

func (t *bookTx) HasActiveLoan(ctx context.Context, patronID uuid.UUID) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, l := range t.store.loans {
		if l.PatronID == patronID && l.BookID == t.book.ID && l.Status == circulation.LoanActive {
			return true, nil
		}
	}
	return false, nil
}

func (t *bookTx) CountActiveLoans(ctx context.Context, patronID uuid.UUID) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	n := 0
	for _, l := range t.store.loans {
		if l.PatronID == patronID && l.Status == circulation.LoanActive {
			n++
		}
	}
	return n, nil
}

func (t *bookTx) HasOverdueLoans(ctx context.Context, patronID uuid.UUID, asOf time.Time) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, l := range t.store.loans {
		if l.PatronID == patronID && l.Status == circulation.LoanActive && asOf.After(l.DueDate) {
			return true, nil
		}
	}
	return false, nil
}

func (t *bookTx) PendingReservations(ctx context.Context) ([]circulation.Reservation, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	var out []circulation.Reservation
	for _, r := range t.store.reservations {
		if r.BookID == t.book.ID && r.Status == circulation.ReservationPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return t.store.resSeq[out[i].ID] < t.store.resSeq[out[j].ID]
	})
	return out, nil
}

func (t *bookTx) CountPendingReservations(ctx context.Context, patronID uuid.UUID) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	n := 0
	for _, r := range t.store.reservations {
		if r.PatronID == patronID && r.Status == circulation.ReservationPending {
			n++
		}
	}
	return n, nil
}

func (t *bookTx) GetLoan(ctx context.Context, loanID uuid.UUID) (*circulation.Loan, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	l := t.store.loanSnapshot(loanID)
	if l == nil || l.BookID != t.book.ID {
		return nil, nil
	}
	return l, nil
}

func (t *bookTx) GetReservation(ctx context.Context, reservationID uuid.UUID) (*circulation.Reservation, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r := t.store.reservationSnapshot(reservationID)
	if r == nil || r.BookID != t.book.ID {
		return nil, nil
	}
	return r, nil
}

func (t *bookTx) CreateLoan(ctx context.Context, loan *circulation.Loan) error {
	clone := *loan
	t.staged = append(t.staged, func() {
		t.store.loans[clone.ID] = &clone
	})
	return nil
}

func (t *bookTx) CloseLoan(ctx context.Context, loanID uuid.UUID, status circulation.LoanStatus, returnedAt time.Time) error {
	at := returnedAt
	t.staged = append(t.staged, func() {
		if l, ok := t.store.loans[loanID]; ok {
			l.Status = status
			l.ReturnedAt = &at
		}
	})
	return nil
}

func (t *bookTx) CreateReservation(ctx context.Context, reservation *circulation.Reservation) error {
	clone := *reservation
	t.staged = append(t.staged, func() {
		t.store.seq++
		t.store.resSeq[clone.ID] = t.store.seq
		t.store.reservations[clone.ID] = &clone
	})
	return nil
}

func (t *bookTx) SetReservationStatus(ctx context.Context, reservationID uuid.UUID, status circulation.ReservationStatus) error {
	t.staged = append(t.staged, func() {
		if r, ok := t.store.reservations[reservationID]; ok {
			r.Status = status
		}
	})
	return nil
}

func (t *bookTx) AdjustAvailable(ctx context.Context, delta int) error {
	t.staged = append(t.staged, func() {
		if b, ok := t.store.books[t.book.ID]; ok {
			b.AvailableCopies += delta
		}
	})
	return nil
}

func (t *bookTx) Append(ctx context.Context, events ...eventstore.Event) error {
	staged := make([]eventstore.Event, len(events))
	copy(staged, events)
	t.staged = append(t.staged, func() {
		for _, e := range staged {
			t.store.nextEventID++
			e.ID = t.store.nextEventID
			e.CreatedAt = time.Now().UTC()
			t.store.events = append(t.store.events, e)
		}
	})
	return nil
}

func containsLoanStatus(set []circulation.LoanStatus, s circulation.LoanStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsReservationStatus(set []circulation.ReservationStatus, s circulation.ReservationStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
