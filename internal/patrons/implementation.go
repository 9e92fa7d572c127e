// internal/patrons/implementation.go
package patrons

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"golang.org/x/time/rate"

	"libracirc/pkg/eventstore"
)

const pqUniqueViolation = "23505"

// service implements the Service interface.
type service struct {
	db      *sqlx.DB
	limiter *rate.Limiter
}

// NewService creates a new patrons service instance.
func NewService(db *sqlx.DB) Service {
	return &service{
		db: db,
		// 5 registration/login attempts per minute
		limiter: rate.NewLimiter(rate.Every(1*time.Minute), 5),
	}
}

// Register creates a new patron with the default role.
func (s *service) Register(ctx context.Context, email, name, password string) (*Patron, error) {
	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	passwordHash, salt, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	patron := &Patron{
		ID:    uuid.New(),
		Email: email,
		Name:  name,
		Role:  RolePatron,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO patrons (id, email, name, role) VALUES ($1, $2, $3, $4)
	`, patron.ID, patron.Email, patron.Name, patron.Role)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("insert patron: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (patron_id, password_hash, salt) VALUES ($1, $2, $3)
	`, patron.ID, passwordHash, salt)
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}

	event, err := eventstore.NewEvent(patron.ID, "patron", "PatronRegistered", PatronRegisteredEvent{
		ID:    patron.ID,
		Email: patron.Email,
		Name:  patron.Name,
		Role:  patron.Role,
	})
	if err != nil {
		return nil, err
	}
	if err := eventstore.AppendTx(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return patron, nil
}

// Authenticate verifies a patron's credentials and returns the patron.
// Token issuance, if any, belongs to the boundary layer.
func (s *service) Authenticate(ctx context.Context, email, password string) (*Patron, error) {
	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	var patron Patron
	err := s.db.GetContext(ctx, &patron, `
		SELECT id, email, name, role, created_at, updated_at
		FROM patrons
		WHERE email = $1
	`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("query patron: %w", err)
	}

	var credential Credential
	err = s.db.GetContext(ctx, &credential, `
		SELECT patron_id, password_hash, salt
		FROM credentials
		WHERE patron_id = $1
	`, patron.ID)
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}

	ok, err := verifyPassword(password, credential.Salt, credential.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	return &patron, nil
}

// GetPatron retrieves a patron by ID, role flag included.
func (s *service) GetPatron(ctx context.Context, id uuid.UUID) (*Patron, error) {
	var patron Patron
	err := s.db.GetContext(ctx, &patron, `
		SELECT id, email, name, role, created_at, updated_at
		FROM patrons
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatronNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query patron: %w", err)
	}
	return &patron, nil
}

// EnsureSchema creates the patron tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS patrons (
			id         UUID PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			role       TEXT NOT NULL DEFAULT 'patron',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS credentials (
			patron_id     UUID PRIMARY KEY REFERENCES patrons (id),
			password_hash TEXT NOT NULL,
			salt          TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure patron schema: %w", err)
	}
	return nil
}
