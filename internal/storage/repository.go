package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createFeedStatusSQL = `CREATE TABLE IF NOT EXISTS feed_status (
        source       TEXT PRIMARY KEY,
        status       TEXT        NOT NULL,
        attempts     INTEGER     NOT NULL DEFAULT 0,
        healthy      BOOLEAN     NOT NULL DEFAULT FALSE,
        exhausted    BOOLEAN     NOT NULL DEFAULT FALSE,
        session_id   TEXT        NOT NULL DEFAULT '',
        last_signal  TIMESTAMPTZ,
        updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	upsertFeedStatusSQL = `INSERT INTO feed_status (
        source,
        status,
        attempts,
        healthy,
        exhausted,
        session_id,
        last_signal,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (source) DO UPDATE
    SET
        status      = EXCLUDED.status,
        attempts    = EXCLUDED.attempts,
        healthy     = EXCLUDED.healthy,
        exhausted   = EXCLUDED.exhausted,
        session_id  = EXCLUDED.session_id,
        last_signal = EXCLUDED.last_signal,
        updated_at  = EXCLUDED.updated_at;`

	listFeedStatusSQL = `SELECT
        source,
        status,
        attempts,
        healthy,
        exhausted,
        session_id,
        last_signal,
        updated_at
    FROM feed_status
    ORDER BY source;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store wraps the pgx pool used for feed status rows and the singleton lock.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the feed_status table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createFeedStatusSQL); err != nil {
		return fmt.Errorf("create feed_status: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func. The lock lives on
// a dedicated pooled connection until released.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session-scoped lock also drops when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertFeedStatus overwrites the row of one feed.
func (s *Store) UpsertFeedStatus(ctx context.Context, status FeedStatus) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	updatedAt := status.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, execErr := pool.Exec(ctx, upsertFeedStatusSQL,
		status.Source,
		status.Status,
		status.Attempts,
		status.Healthy,
		status.Exhausted,
		status.Session,
		status.LastSignal,
		updatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert feed status: %w", execErr)
	}
	return nil
}

// ListFeedStatus returns every feed row ordered by source.
func (s *Store) ListFeedStatus(ctx context.Context) ([]FeedStatus, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listFeedStatusSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list feed status: %w", queryErr)
	}
	defer rows.Close()

	statuses := make([]FeedStatus, 0)
	for rows.Next() {
		status, scanErr := scanFeedStatus(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		statuses = append(statuses, status)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return statuses, nil
}

func scanFeedStatus(rows pgx.Rows) (FeedStatus, error) {
	var status FeedStatus
	if err := rows.Scan(
		&status.Source,
		&status.Status,
		&status.Attempts,
		&status.Healthy,
		&status.Exhausted,
		&status.Session,
		&status.LastSignal,
		&status.UpdatedAt,
	); err != nil {
		return FeedStatus{}, fmt.Errorf("scan feed status: %w", err)
	}
	return status, nil
}
