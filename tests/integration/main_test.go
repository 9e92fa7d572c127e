// tests/integration/main_test.go
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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

// staticAdmins stands in for the patrons service: a fixed set of admin ids.
type staticAdmins map[uuid.UUID]bool

func (s staticAdmins) IsAdmin(ctx context.Context, patronID uuid.UUID) (bool, error) {
	return s[patronID], nil
}

type testEnv struct {
	t      *testing.T
	server *httptest.Server
	store  *memory.Store
	admin  uuid.UUID
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.NewStore()
	svc := circulation.NewService(store, circulation.DefaultPolicy())

	admin := uuid.New()
	handler := circulation.NewHandler(svc, staticAdmins{admin: true})

	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	return &testEnv{t: t, server: server, store: store, admin: admin}
}

func (e *testEnv) seedBook(copies int) *catalog.Book {
	e.t.Helper()
	book := &catalog.Book{
		ID:              uuid.New(),
		Title:           "Integration Title",
		ISBN:            uuid.NewString(),
		TotalCopies:     copies,
		AvailableCopies: copies,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
	e.store.AddBook(book)
	for i := 0; i < copies; i++ {
		e.store.AddCopy(&catalog.Copy{
			ID:        uuid.New(),
			BookID:    book.ID,
			Condition: catalog.ConditionGood,
		})
	}
	return book
}

func (e *testEnv) do(patronID uuid.UUID, method, path string, payload interface{}) *http.Response {
	e.t.Helper()

	var body bytes.Buffer
	if payload != nil {
		require.NoError(e.t, json.NewEncoder(&body).Encode(payload))
	}

	req, err := http.NewRequest(method, e.server.URL+path, &body)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Patron-ID", patronID.String())

	resp, err := e.server.Client().Do(req)
	require.NoError(e.t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestBorrowReturnFlow(t *testing.T) {
	env := setupEnv(t)
	book := env.seedBook(2)
	patron := uuid.New()

	// Borrow a copy.
	resp := env.do(patron, http.MethodPost, "/loans", map[string]string{"book_id": book.ID.String()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var loan circulation.Loan
	decode(t, resp, &loan)
	assert.Equal(t, circulation.LoanActive, loan.Status)
	assert.Equal(t, 1, env.store.Book(book.ID).AvailableCopies)

	// Loan history shows it.
	resp = env.do(patron, http.MethodGet, "/loans", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []circulation.Loan
	decode(t, resp, &history)
	require.Len(t, history, 1)
	assert.Equal(t, loan.ID, history[0].ID)

	// Return it.
	resp = env.do(patron, http.MethodPost, fmt.Sprintf("/loans/%s/return", loan.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var closed circulation.Loan
	decode(t, resp, &closed)
	assert.Equal(t, circulation.LoanReturned, closed.Status)
	assert.Equal(t, 2, env.store.Book(book.ID).AvailableCopies)

	// A second return conflicts.
	resp = env.do(patron, http.MethodPost, fmt.Sprintf("/loans/%s/return", loan.ID), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReservationFlow(t *testing.T) {
	env := setupEnv(t)
	book := env.seedBook(1)
	borrower := uuid.New()
	waiter := uuid.New()

	resp := env.do(borrower, http.MethodPost, "/loans", map[string]string{"book_id": book.ID.String()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var loan circulation.Loan
	decode(t, resp, &loan)

	// The waiter queues up.
	resp = env.do(waiter, http.MethodPost, "/reservations", map[string]string{"book_id": book.ID.String()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var placed struct {
		Reservation   circulation.Reservation `json:"reservation"`
		QueuePosition int                     `json:"queue_position"`
	}
	decode(t, resp, &placed)
	assert.Equal(t, 1, placed.QueuePosition)

	// Returning hands the copy straight to the waiter.
	resp = env.do(borrower, http.MethodPost, fmt.Sprintf("/loans/%s/return", loan.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(uuid.New(), http.MethodPost, "/loans", map[string]string{"book_id": book.ID.String()})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The handoff already made the waiter's loan.
	resp = env.do(waiter, http.MethodGet, "/loans", nil)
	var history []circulation.Loan
	decode(t, resp, &history)
	require.Len(t, history, 1)
	assert.Equal(t, circulation.LoanActive, history[0].Status)

	// And closed the reservation.
	resp = env.do(waiter, http.MethodGet, "/reservations", nil)
	var reservations []circulation.Reservation
	decode(t, resp, &reservations)
	require.Len(t, reservations, 1)
	assert.Equal(t, circulation.ReservationFulfilled, reservations[0].Status)
}

func TestOverdueSweepRequiresAdmin(t *testing.T) {
	env := setupEnv(t)

	env.store.AddLoan(&circulation.Loan{
		ID:         uuid.New(),
		PatronID:   uuid.New(),
		CopyID:     uuid.New(),
		BookID:     uuid.New(),
		BorrowedAt: time.Now().Add(-20 * 24 * time.Hour),
		DueDate:    time.Now().Add(-6 * 24 * time.Hour),
		Status:     circulation.LoanActive,
	})

	resp := env.do(uuid.New(), http.MethodGet, "/overdue", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(env.admin, http.MethodGet, "/overdue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var swept []circulation.Loan
	decode(t, resp, &swept)
	require.Len(t, swept, 1)
	assert.Equal(t, circulation.LoanOverdue, swept[0].Status)
}

func TestMissingPatronHeader(t *testing.T) {
	env := setupEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/loans", nil)
	require.NoError(t, err)

	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConcurrentBorrowPreventsDoubleAllocation(t *testing.T) {
	env := setupEnv(t)
	book := env.seedBook(1)

	const contenders = 10
	var wg sync.WaitGroup
	statuses := make([]int, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := env.do(uuid.New(), http.MethodPost, "/loans", map[string]string{"book_id": book.ID.String()})
			defer resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	created := 0
	for _, status := range statuses {
		if status == http.StatusCreated {
			created++
		} else {
			assert.Equal(t, http.StatusBadRequest, status)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, env.store.Book(book.ID).AvailableCopies)
	assert.Equal(t, 1, env.store.ActiveLoanCount(book.ID))
}
