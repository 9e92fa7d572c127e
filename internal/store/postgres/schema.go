// internal/store/postgres/schema.go
package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS authors (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	email      TEXT NOT NULL UNIQUE,
	bio        TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS books (
	id               UUID PRIMARY KEY,
	title            TEXT NOT NULL,
	isbn             TEXT NOT NULL UNIQUE,
	author_id        UUID NOT NULL REFERENCES authors (id),
	publication_year INT NOT NULL DEFAULT 0,
	total_copies     INT NOT NULL,
	available_copies INT NOT NULL,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	deleted_at       TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (available_copies >= 0 AND available_copies <= total_copies)
);

CREATE TABLE IF NOT EXISTS copies (
	id         UUID PRIMARY KEY,
	book_id    UUID NOT NULL REFERENCES books (id),
	condition  TEXT NOT NULL DEFAULT 'GOOD',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_copies_book ON copies (book_id);

CREATE TABLE IF NOT EXISTS loans (
	id          UUID PRIMARY KEY,
	patron_id   UUID NOT NULL,
	copy_id     UUID NOT NULL REFERENCES copies (id),
	book_id     UUID NOT NULL REFERENCES books (id),
	borrowed_at TIMESTAMPTZ NOT NULL,
	due_date    TIMESTAMPTZ NOT NULL,
	returned_at TIMESTAMPTZ,
	status      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_loans_patron ON loans (patron_id, status);
CREATE INDEX IF NOT EXISTS idx_loans_book ON loans (book_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_copy_active
	ON loans (copy_id) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS reservations (
	id         UUID PRIMARY KEY,
	patron_id  UUID NOT NULL,
	book_id    UUID NOT NULL REFERENCES books (id),
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_book_pending
	ON reservations (book_id, created_at) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_reservations_patron ON reservations (patron_id, status);
`

// EnsureSchema creates the circulation tables if they do not exist. The
// partial unique index on active loans is the database-level backstop for the
// one-active-loan-per-copy invariant.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure circulation schema: %w", err)
	}
	return nil
}
