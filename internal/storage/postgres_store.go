package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/framehaus/server/internal/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool // Track if we created the DB connection (for Close())
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() errors during initialization cleanup are not actionable
		// and would only obscure the original connection failure.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing
// connection pool. This allows sharing a single pool across repositories.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// createTables creates the necessary tables if they don't exist.
func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS photographers (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			balance BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			photographer_id TEXT NOT NULL REFERENCES photographers(id),
			title TEXT NOT NULL,
			event_date TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			photographer_id TEXT NOT NULL,
			entry_type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			expires_at TIMESTAMPTZ,
			correlation_kind TEXT NOT NULL,
			correlation_value TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT ledger_entries_correlation_unique UNIQUE (correlation_kind, correlation_value)
		);

		CREATE TABLE IF NOT EXISTS upload_intents (
			id TEXT PRIMARY KEY,
			photographer_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			status TEXT NOT NULL,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL,
			content_length BIGINT NOT NULL,
			object_key TEXT NOT NULL,
			presign_expires_at TIMESTAMPTZ NOT NULL,
			credit_cost BIGINT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS photos (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			photographer_id TEXT NOT NULL,
			upload_intent_id TEXT NOT NULL UNIQUE,
			object_key TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS promo_usages (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			photographer_id TEXT NOT NULL DEFAULT '',
			stripe_session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cleanup_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			target_kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_error TEXT NOT NULL DEFAULT '',
			last_attempt_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_photographer ON ledger_entries(photographer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_grants_expiry ON ledger_entries(photographer_id, expires_at)
			WHERE entry_type = 'grant';
		CREATE INDEX IF NOT EXISTS idx_events_photographer ON events(photographer_id) WHERE deleted_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_events_expiry ON events(expires_at) WHERE deleted_at IS NULL AND expires_at IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_intents_photographer ON upload_intents(photographer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_intents_pending_expiry ON upload_intents(presign_expires_at)
			WHERE status = 'pending';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_intents_object_key ON upload_intents(object_key);
		CREATE INDEX IF NOT EXISTS idx_photos_event ON photos(event_id) WHERE deleted_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_photos_deleted ON photos(deleted_at) WHERE deleted_at IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_promo_code_photographer ON promo_usages(code, photographer_id)
			WHERE photographer_id <> '';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_promo_code_session ON promo_usages(code, stripe_session_id)
			WHERE stripe_session_id <> '';
		CREATE INDEX IF NOT EXISTS idx_cleanup_jobs_pending ON cleanup_jobs(status, next_attempt_at)
			WHERE status = 'pending';
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// --- Photographers ---

func (s *PostgresStore) UpsertPhotographer(ctx context.Context, p Photographer) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO photographers (id, email, display_name, balance, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`, p.ID, p.Email, p.DisplayName, p.CreatedAt, now, p.DeletedAt)
	if err != nil {
		return fmt.Errorf("upsert photographer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPhotographer(ctx context.Context, id string) (Photographer, error) {
	var p Photographer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, balance, created_at, updated_at, deleted_at
		FROM photographers WHERE id = $1
	`, id).Scan(&p.ID, &p.Email, &p.DisplayName, &p.Balance, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err == sql.ErrNoRows {
		return Photographer{}, ErrNotFound
	}
	if err != nil {
		return Photographer{}, fmt.Errorf("get photographer: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SoftDeletePhotographer(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE photographers SET deleted_at = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("soft delete photographer: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Already deleted or missing. Distinguish for the caller.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM photographers WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("soft delete photographer: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// --- Events ---

func (s *PostgresStore) CreateEvent(ctx context.Context, e Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, photographer_id, title, event_date, expires_at, created_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.PhotographerID, e.Title, e.EventDate, e.ExpiresAt, e.CreatedAt, e.DeletedAt)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (Event, error) {
	var e Event
	err := s.db.QueryRowContext(ctx, `
		SELECT id, photographer_id, title, event_date, expires_at, created_at, deleted_at
		FROM events WHERE id = $1
	`, id).Scan(&e.ID, &e.PhotographerID, &e.Title, &e.EventDate, &e.ExpiresAt, &e.CreatedAt, &e.DeletedAt)
	if err == sql.ErrNoRows {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, photographerID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, photographer_id, title, event_date, expires_at, created_at, deleted_at
		FROM events WHERE photographer_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC
	`, photographerID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ListExpiredEvents(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, photographer_id, title, event_date, expires_at, created_at, deleted_at
		FROM events WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list expired events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.PhotographerID, &e.Title, &e.EventDate, &e.ExpiresAt, &e.CreatedAt, &e.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SoftDeleteEvent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("soft delete event: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("soft delete event: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) ListSoftDeletedEvents(ctx context.Context, before time.Time, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, photographer_id, title, event_date, expires_at, created_at, deleted_at
		FROM events WHERE deleted_at IS NOT NULL AND deleted_at < $1
		ORDER BY deleted_at ASC
		LIMIT $2
	`, before, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list soft deleted events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) HardDeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("hard delete event: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// nullableLimit converts a zero limit into NULL so LIMIT NULL means "all".
func nullableLimit(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

// Close closes the database connection if this store owns it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
