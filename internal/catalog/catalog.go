// Package catalog keeps an index of finished and running recordings in
// PostgreSQL.
package catalog

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	StatusRecording = "recording"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
)

// Recording is one row of the catalog
type Recording struct {
	ID             int64
	SessionID      string
	Engine         string
	Experiment     int
	Recording      int
	BasePath       string
	Containers     []string
	ChannelCount   int
	Samples        int64
	SkippedSamples int64
	Events         int64
	Spikes         int64
	Status         string
	StartedAt      time.Time
	StoppedAt      *time.Time
}

// Store is a pooled connection to the catalog database
type Store struct {
	pool *pgxpool.Pool
}

// Open migrates the database to the latest schema and connects a pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	slog.Info("Connecting to catalog", "dsn", RedactDSN(dsn))

	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Debug("No new catalog migrations to apply")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if version, dirty, err := m.Version(); err == nil {
		slog.Info("Catalog migrations applied", "version", version, "dirty", dirty)
	}
	return nil
}

// RecordStarted inserts the row of a recording that just opened.
func (s *Store) RecordStarted(ctx context.Context, r Recording) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `
		INSERT INTO recordings (
			session_id, engine, experiment, recording, base_path,
			containers, channel_count, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		r.SessionID,
		r.Engine,
		r.Experiment,
		r.Recording,
		r.BasePath,
		r.Containers,
		r.ChannelCount,
		StatusRecording,
		r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert recording %s: %w", r.SessionID, err)
	}
	return nil
}

// RecordStopped stores the final counters and status of a recording.
func (s *Store) RecordStopped(ctx context.Context, r Recording) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status := r.Status
	if status == "" {
		status = StatusComplete
	}

	query := `
		UPDATE recordings SET
			samples = $2,
			skipped_samples = $3,
			events = $4,
			spikes = $5,
			status = $6,
			stopped_at = $7,
			updated_at = NOW()
		WHERE session_id = $1`

	result, err := s.pool.Exec(ctx, query,
		r.SessionID,
		r.Samples,
		r.SkippedSamples,
		r.Events,
		r.Spikes,
		status,
		r.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update recording %s: %w", r.SessionID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("recording %s is not in the catalog", r.SessionID)
	}
	return nil
}

// List returns recordings newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Recording, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `
		SELECT id, session_id, engine, experiment, recording, base_path,
		       containers, channel_count, samples, skipped_samples, events,
		       spikes, status, started_at, stopped_at
		FROM recordings
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}

	recordings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Recording, error) {
		var r Recording
		err := row.Scan(
			&r.ID, &r.SessionID, &r.Engine, &r.Experiment, &r.Recording, &r.BasePath,
			&r.Containers, &r.ChannelCount, &r.Samples, &r.SkippedSamples, &r.Events,
			&r.Spikes, &r.Status, &r.StartedAt, &r.StoppedAt,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan recordings: %w", err)
	}
	return recordings, nil
}

// Close releases the pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RedactDSN hides the password of a connection URL for logging.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "<invalid dsn>"
	}
	return u.Redacted()
}
