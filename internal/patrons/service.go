// internal/patrons/service.go
package patrons

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"libracirc/internal/faults"
)

var (
	ErrPatronNotFound     = faults.NotFound("patron_not_found", "patron not found")
	ErrEmailExists        = faults.Conflict("email_exists", "patron with this email already exists")
	ErrInvalidCredentials = faults.Forbidden("invalid_credentials", "invalid credentials")

	// ErrRateLimited is not a domain fault; the handler maps it to 429.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Service defines the interface for the patrons service.
type Service interface {
	Register(ctx context.Context, email, name, password string) (*Patron, error)
	Authenticate(ctx context.Context, email, password string) (*Patron, error)
	GetPatron(ctx context.Context, id uuid.UUID) (*Patron, error)
}
