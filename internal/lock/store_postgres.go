package lock

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore keeps lease rows in the call_locks table.
//
// Assumed schema:
//
//	CREATE TABLE call_locks (
//	  key         TEXT PRIMARY KEY,
//	  holder      TEXT NOT NULL,
//	  acquired_at TIMESTAMPTZ NOT NULL,
//	  expires_at  TIMESTAMPTZ NOT NULL
//	);
//
// The PRIMARY KEY on key is the uniqueness constraint the whole scheme
// rests on: a concurrent insert for the same key is rejected by Postgres,
// and the conditional upsert only overwrites rows whose lease has expired.
type PostgresStore struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := s.clock().UTC()

	// Upsert only lands when the row is absent or its lease has lapsed.
	// A live lease held by someone else leaves the row untouched.
	const upsert = `
INSERT INTO call_locks (key, holder, acquired_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key)
DO UPDATE SET holder = EXCLUDED.holder,
              acquired_at = EXCLUDED.acquired_at,
              expires_at = EXCLUDED.expires_at
WHERE call_locks.expires_at <= $3
`
	if _, err := s.db.ExecContext(ctx, upsert, key, holder, now, now.Add(ttl)); err != nil {
		return false, err
	}

	// Ownership is decided by re-reading who the row says holds it, not by
	// the write's outcome: a lost race is "not acquired", never an error.
	const read = `SELECT holder FROM call_locks WHERE key = $1`
	var current string
	if err := s.db.QueryRowContext(ctx, read, key).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return current == holder, nil
}

func (s *PostgresStore) Release(ctx context.Context, key, holder string) error {
	// Holder match prevents releasing a lease that expired and was
	// reassigned to another instance.
	const del = `DELETE FROM call_locks WHERE key = $1 AND holder = $2`
	_, err := s.db.ExecContext(ctx, del, key, holder)
	return err
}
