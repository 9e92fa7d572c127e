// internal/catalog/handler.go
package catalog

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

// Routes mounts the catalog endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/books", h.handleCreateBook)
	r.Get("/books", h.handleListBooks)
	r.Get("/books/{bookID}", h.handleGetBook)
	r.Patch("/books/{bookID}", h.handleUpdateBook)
	r.Delete("/books/{bookID}", h.handleRemoveBook)
	return r
}

func (h *Handler) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var input CreateBookInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	book, err := h.service.CreateBook(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(book)
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(books)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(book)
}

func (h *Handler) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}

	var input UpdateBookInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	book, err := h.service.UpdateBook(r.Context(), id, input)
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(book)
}

func (h *Handler) handleRemoveBook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}

	if err := h.service.RemoveBook(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
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
