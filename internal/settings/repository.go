package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Record is one persisted settings document
type Record struct {
	UserID    string          `db:"user_id"`
	Payload   json.RawMessage `db:"payload"`
	Version   int64           `db:"version"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// settingsRow carries the payload as text so the driver binds it as jsonb
// input rather than bytea.
type settingsRow struct {
	UserID          string    `db:"user_id"`
	Payload         string    `db:"payload"`
	Version         int64     `db:"version"`
	ExpectedVersion int64     `db:"expected_version"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Repository stores encoded settings documents keyed by user. Put with
// expectedVersion 0 creates the record; any other value must match the stored
// version or ErrVersionConflict is returned.
type Repository interface {
	Get(ctx context.Context, userID string) (*Record, error)
	Put(ctx context.Context, userID string, payload []byte, expectedVersion int64) (int64, error)
	Delete(ctx context.Context, userID string) error
}

type postgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

const createSettingsTable = `
	CREATE TABLE IF NOT EXISTS notification_settings (
		user_id    TEXT PRIMARY KEY,
		payload    JSONB NOT NULL,
		version    BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// Migrate creates the settings table when it does not exist
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, createSettingsTable)
	return err
}

func (r *postgresRepository) Get(ctx context.Context, userID string) (*Record, error) {
	var row settingsRow
	err := r.db.GetContext(ctx, &row,
		"SELECT user_id, payload, version, updated_at FROM notification_settings WHERE user_id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load notification settings: %w", err)
	}
	return &Record{
		UserID:    row.UserID,
		Payload:   json.RawMessage(row.Payload),
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (r *postgresRepository) Put(ctx context.Context, userID string, payload []byte, expectedVersion int64) (int64, error) {
	row := settingsRow{
		UserID:          userID,
		Payload:         string(payload),
		Version:         expectedVersion + 1,
		ExpectedVersion: expectedVersion,
		UpdatedAt:       time.Now().UTC(),
	}

	var query string
	if expectedVersion == 0 {
		query = `
			INSERT INTO notification_settings (user_id, payload, version, updated_at)
			VALUES (:user_id, :payload, :version, :updated_at)
			ON CONFLICT (user_id) DO NOTHING`
	} else {
		query = `
			UPDATE notification_settings SET
				payload = :payload,
				version = :version,
				updated_at = :updated_at
			WHERE user_id = :user_id AND version = :expected_version`
	}

	res, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return 0, fmt.Errorf("failed to save notification settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to save notification settings: %w", err)
	}
	if n == 0 {
		return 0, ErrVersionConflict
	}
	return row.Version, nil
}

func (r *postgresRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM notification_settings WHERE user_id = $1", userID)
	if err != nil {
		return fmt.Errorf("failed to delete notification settings: %w", err)
	}
	return nil
}

type memoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRepository returns a process-local Repository
func NewMemoryRepository() Repository {
	return &memoryRepository{records: make(map[string]Record)}
}

func (r *memoryRepository) Get(_ context.Context, userID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	return &rec, nil
}

func (r *memoryRepository) Put(_ context.Context, userID string, payload []byte, expectedVersion int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.records[userID]
	switch {
	case expectedVersion == 0 && exists:
		return 0, ErrVersionConflict
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		return 0, ErrVersionConflict
	}

	rec := Record{
		UserID:    userID,
		Payload:   append(json.RawMessage(nil), payload...),
		Version:   expectedVersion + 1,
		UpdatedAt: time.Now().UTC(),
	}
	r.records[userID] = rec
	return rec.Version, nil
}

func (r *memoryRepository) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, userID)
	return nil
}
