// internal/circulation/handler.go
package circulation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libracirc/internal/faults"
)

// AdminChecker supplies the role flag for admin-only operations. The patron
// id itself arrives trusted from the gateway.
type AdminChecker interface {
	IsAdmin(ctx context.Context, patronID uuid.UUID) (bool, error)
}

type Handler struct {
	service  Service
	identity AdminChecker
}

func NewHandler(service Service, identity AdminChecker) *Handler {
	return &Handler{service: service, identity: identity}
}

// Routes mounts the circulation endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/loans", h.handleBorrow)
	r.Post("/loans/{loanID}/return", h.handleReturn)
	r.Get("/loans", h.handleLoanHistory)
	r.Post("/reservations", h.handleReserve)
	r.Delete("/reservations/{reservationID}", h.handleCancelReservation)
	r.Get("/reservations", h.handleReservations)
	r.Get("/overdue", h.handleSweepOverdue)
	return r
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patronFrom(w, r)
	if !ok {
		return
	}

	var req struct {
		BookID uuid.UUID `json:"book_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := h.service.Borrow(r.Context(), patronID, req.BookID)
	if err != nil {
		writeFault(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(loan)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patronFrom(w, r)
	if !ok {
		return
	}

	loanID, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		http.Error(w, "invalid loan ID", http.StatusBadRequest)
		return
	}

	loan, err := h.service.Return(r.Context(), patronID, loanID)
	if err != nil {
		writeFault(w, err)
		return
	}

	json.NewEncoder(w).Encode(loan)
}

func (h *Handler) handleLoanHistory(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patronFrom(w, r)
	if !ok {
		return
	}

	loans, err := h.service.LoanHistory(r.Context(), patronID)
	if err != nil {
		writeFault(w, err)
		return
	}

	json.NewEncoder(w).Encode(loans)
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patronFrom(w, r)
	if !ok {
		return
	}

	var req struct {
		BookID uuid.UUID `json:"book_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reservation, position, err := h.service.Reserve(r.Context(), patronID, req.BookID)
	if err != nil {
		writeFault(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(struct {
		Reservation   *Reservation `json:"reservation"`
		QueuePosition int          `json:"queue_position"`
	}{reservation, position})
}

func (h *Handler) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patronFrom(w, r)
	if !ok {
		return
	}

	reservationID, err := uuid.Parse(chi.URLParam(r, "reservationID"))
	if err != nil {
		http.Error(w, "invalid reservation ID", http.StatusBadRequest)
		return
	}

	reservation, err := h.service.CancelReservation(r.Context(), patronID, reservationID)
	if err != nil {
		writeFault(w, err)
		return
	}

	json.NewEncoder(w).Encode(reservation)
}

func (h *Handler) handleReservations(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patronFrom(w, r)
	if !ok {
		return
	}

	reservations, err := h.service.Reservations(r.Context(), patronID)
	if err != nil {
		writeFault(w, err)
		return
	}

	json.NewEncoder(w).Encode(reservations)
}

func (h *Handler) handleSweepOverdue(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patronFrom(w, r)
	if !ok {
		return
	}

	admin, err := h.identity.IsAdmin(r.Context(), patronID)
	if err != nil {
		http.Error(w, "identity service unavailable", http.StatusServiceUnavailable)
		return
	}
	if !admin {
		http.Error(w, "admin role required", http.StatusForbidden)
		return
	}

	loans, err := h.service.SweepOverdue(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}

	json.NewEncoder(w).Encode(loans)
}

// patronFrom reads the trusted patron id the gateway forwards. Authentication
// happened upstream; an absent header is a bad request, not a 401.
func patronFrom(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	patronID, err := uuid.Parse(r.Header.Get("X-Patron-ID"))
	if err != nil {
		http.Error(w, "missing or invalid patron ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return patronID, true
}

// writeFault maps the closed fault taxonomy onto response codes. Anything
// outside the taxonomy is an infrastructure failure.
func writeFault(w http.ResponseWriter, err error) {
	var status int
	switch faults.KindOf(err) {
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindConflict:
		status = http.StatusConflict
	case faults.KindPolicyViolation:
		status = http.StatusBadRequest
	case faults.KindForbidden:
		status = http.StatusForbidden
	default:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var f *faults.Fault
	if !errors.As(err, &f) {
		json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"error": f.Message, "code": f.Code})
}
