package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore 以 PostgreSQL 持久化文檔快照。
//
// 表結構（見 migrations/）：
//
//	document_states(note_id PK, document_state bytea, state_vector bytea, updated_at)
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 連接資料庫、執行遷移並建立存儲。
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigrations(databaseURL, logger); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// runMigrations 執行嵌入的資料庫遷移。
func runMigrations(databaseURL string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("database migrations applied", "version", version)
	return nil
}

// Load 實現 DocumentStore。
func (s *PostgresStore) Load(ctx context.Context, noteID string) (*Snapshot, error) {
	const query = `
		SELECT note_id, document_state, state_vector, updated_at
		FROM document_states
		WHERE note_id = $1`

	var snap Snapshot
	err := s.pool.QueryRow(ctx, query, noteID).
		Scan(&snap.NoteID, &snap.State, &snap.StateVector, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load document state: %w", err)
	}
	return &snap, nil
}

// Save 實現 DocumentStore（upsert，at-least-once 語義下重複寫入無害）。
func (s *PostgresStore) Save(ctx context.Context, snapshot *Snapshot) error {
	const query = `
		INSERT INTO document_states (note_id, document_state, state_vector, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (note_id) DO UPDATE
		SET document_state = EXCLUDED.document_state,
		    state_vector   = EXCLUDED.state_vector,
		    updated_at     = now()`

	if _, err := s.pool.Exec(ctx, query, snapshot.NoteID, snapshot.State, snapshot.StateVector); err != nil {
		return fmt.Errorf("save document state: %w", err)
	}
	return nil
}

// Close 釋放連接池。
func (s *PostgresStore) Close() {
	s.pool.Close()
}
