package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/variant-annotator-server/internal/domain"
)

// generateTestPassword creates a random password for test databases.
func generateTestPassword() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "test_fallback_password_123"
	}
	return "test_" + hex.EncodeToString(bytes)
}

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}

	ctx := context.Background()
	testPassword := generateTestPassword()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	config := PostgresConfig{
		Host:        host,
		Port:        port.Int(),
		Database:    "testdb",
		Username:    "testuser",
		Password:    testPassword,
		SSLMode:     "disable",
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
	}

	s, err := NewPostgresStore(ctx, config, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "000001_create_patient_variants.up.sql"))
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	return s
}

func TestPostgresStore_InsertAndQuery(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	entry := gbaEntry("Patient1")
	require.NoError(t, s.InsertIfAbsent(ctx, entry))

	exists, err := s.Exists(ctx, "Patient1", entry.Variant.GenomicNotation)
	require.NoError(t, err)
	assert.True(t, exists)

	err = s.InsertIfAbsent(ctx, gbaEntry("Patient1"))
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	entries, err := s.FindByNotation(ctx, "17:45983420:g:t")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PATHOGENIC, entries[0].Annotation.Classification)

	entries, err = s.FindByGene(ctx, "gba1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = s.FindByPatient(ctx, "patient")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = s.FindByClassification(ctx, domain.PATHOGENIC)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPostgresStore_ConcurrentInsertSameKey(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	const writers = 16
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			results <- s.InsertIfAbsent(ctx, gbaEntry("Patient1"))
		}()
	}

	var inserted, duplicates int
	for i := 0; i < writers; i++ {
		switch err := <-results; {
		case err == nil:
			inserted++
		case err == domain.ErrAlreadyExists:
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, inserted)
	assert.Equal(t, writers-1, duplicates)
}
