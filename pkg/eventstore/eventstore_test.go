// pkg/eventstore/eventstore_test.go
package eventstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to a local PostgreSQL database for testing. It skips
// the test when no database is reachable.
func setupTestDB(t testing.TB) *sqlx.DB {
	t.Helper()

	pgUser := os.Getenv("PGUSER")
	pgPassword := os.Getenv("PGPASSWORD")
	pgHost := os.Getenv("PGHOST")
	pgPort := os.Getenv("PGPORT")
	pgDB := os.Getenv("PGDATABASE")

	if pgUser == "" {
		pgUser = "user"
	}
	if pgPassword == "" {
		pgPassword = "password"
	}
	if pgHost == "" {
		pgHost = "localhost"
	}
	if pgPort == "" {
		pgPort = "5432"
	}
	if pgDB == "" {
		pgDB = "testdb"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}

	log := NewLog(db)
	if err := log.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db
}

type testPayload struct {
	Message string `json:"message"`
}

func TestAppendAndLoad(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	log := NewLog(db)
	ctx := context.Background()

	aggregateID := uuid.New()
	first, err := NewEvent(aggregateID, "loan", "LoanCreated", testPayload{Message: "first"})
	require.NoError(t, err)
	second, err := NewEvent(aggregateID, "loan", "LoanClosed", testPayload{Message: "second"})
	require.NoError(t, err)

	require.NoError(t, log.Append(ctx, first, second))

	events, err := log.LoadEvents(ctx, aggregateID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "LoanCreated", events[0].EventType)
	assert.Equal(t, "LoanClosed", events[1].EventType)
	assert.Less(t, events[0].ID, events[1].ID)
}

func TestAppendEmptyBatch(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	log := NewLog(db)

	err := log.Append(context.Background())
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestAppendTxRollsBackWithCaller(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	log := NewLog(db)
	ctx := context.Background()

	aggregateID := uuid.New()
	event, err := NewEvent(aggregateID, "loan", "LoanCreated", testPayload{Message: "doomed"})
	require.NoError(t, err)

	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, AppendTx(ctx, tx, event))
	require.NoError(t, tx.Rollback())

	events, err := log.LoadEvents(ctx, aggregateID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStreamEvents(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	log := NewLog(db)
	ctx := context.Background()

	aggregateID := uuid.New()
	for i := 0; i < 5; i++ {
		event, err := NewEvent(aggregateID, "reservation", "ReservationPlaced",
			testPayload{Message: fmt.Sprintf("event %d", i)})
		require.NoError(t, err)
		require.NoError(t, log.Append(ctx, event))
	}

	batch, err := log.StreamEvents(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	next, err := log.StreamEvents(ctx, batch[len(batch)-1].ID, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, next)
	assert.Greater(t, next[0].ID, batch[len(batch)-1].ID)
}
