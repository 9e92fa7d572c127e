// internal/patrons/handler.go
package patrons

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libracirc/internal/faults"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the patron endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/patrons", h.handleRegister)
	r.Post("/patrons/authenticate", h.handleAuthenticate)
	r.Get("/patrons/{patronID}", h.handleGetPatron)
	return r
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	patron, err := h.service.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(patron)
}

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	patron, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(patron)
}

func (h *Handler) handleGetPatron(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "patronID"))
	if err != nil {
		http.Error(w, "invalid patron ID", http.StatusBadRequest)
		return
	}

	patron, err := h.service.GetPatron(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(patron)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrRateLimited) {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	var status int
	switch faults.KindOf(err) {
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindConflict:
		status = http.StatusConflict
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
