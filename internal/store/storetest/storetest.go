//go:build integration

// Package storetest starts a disposable pgvector Postgres for integration tests.
package storetest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"presence/internal/store"
)

// Postgres returns a migrated database, skipping the test when Docker is not
// available. The container is terminated when the test ends.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "presence",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil || container == nil {
		t.Skipf("docker not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	db, err := store.NewDB(ctx, fmt.Sprintf("postgres://test:test@%s:%s/presence?sslmode=disable", host, port.Port()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := store.Migrate(ctx, db.Client); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db.Client
}

// Participant describes a participants row to insert.
type Participant struct {
	ID        int64
	Role      string
	BatchID   int64
	Embedding []float32
	Lat, Lon  *float64
}

// Seed inserts batches, subjects (subject id -> batch id) and participants.
func Seed(t *testing.T, db *sql.DB, batches []int64, subjects map[int64]int64, participants []Participant) {
	t.Helper()
	ctx := context.Background()
	for _, id := range batches {
		if _, err := db.ExecContext(ctx, `INSERT INTO batches (id) VALUES ($1)`, id); err != nil {
			t.Fatalf("seed batch %d: %v", id, err)
		}
	}
	for id, batch := range subjects {
		if _, err := db.ExecContext(ctx, `INSERT INTO subjects (id, batch_id) VALUES ($1, $2)`, id, batch); err != nil {
			t.Fatalf("seed subject %d: %v", id, err)
		}
	}
	for _, p := range participants {
		var (
			emb   any
			batch any
		)
		if p.Embedding != nil {
			emb = pgvector.NewVector(p.Embedding)
		}
		if p.BatchID != 0 {
			batch = p.BatchID
		}
		role := p.Role
		if role == "" {
			role = "student"
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO participants (id, role, batch_id, face_embedding, latitude, longitude)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, p.ID, role, batch, emb, p.Lat, p.Lon)
		if err != nil {
			t.Fatalf("seed participant %d: %v", p.ID, err)
		}
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
