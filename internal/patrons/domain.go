// internal/patrons/domain.go
package patrons

import (
	"time"

	"github.com/google/uuid"
)

// Role gates admin-only circulation operations. The circulation service only
// ever consumes the flag, never the credential material.
type Role string

const (
	RolePatron Role = "patron"
	RoleAdmin  Role = "admin"
)

// Patron represents a library member.
type Patron struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Credential holds a patron's login secret material.
type Credential struct {
	PatronID     uuid.UUID `json:"-" db:"patron_id"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Salt         string    `json:"-" db:"salt"`
}

// PatronRegisteredEvent is appended when a new patron registers.
type PatronRegisteredEvent struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Name  string    `json:"name"`
	Role  Role      `json:"role"`
}
