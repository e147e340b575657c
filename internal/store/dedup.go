package store

import (
	"context"
	"time"
)

// SeenActivity records an inbound activity id. It returns false if the id was
// already recorded within the retention window, which makes inbox processing
// idempotent under shared-inbox fan-in and redelivery.
func (s *Store) SeenActivity(ctx context.Context, apID string) (bool, error) {
	err := s.execInsert(ctx,
		`INSERT INTO inbox_activities (ap_id, seen_at) VALUES (?, ?)`,
		apID, time.Now().Unix())
	if err == ErrDuplicate {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ActivitySeen reports whether an inbound activity id is already recorded,
// without recording it.
func (s *Store) ActivitySeen(ctx context.Context, apID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM inbox_activities WHERE ap_id = ?`), apID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReapSeenActivities drops dedup records older than the cutoff. A 24h window
// matches how long remote servers plausibly redeliver.
func (s *Store) ReapSeenActivities(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM inbox_activities WHERE seen_at < ?`), olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetKV stores a small key/value pair (site keypair, install metadata).
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	if s.driver == "postgres" {
		_, err := s.db.ExecContext(ctx, s.q(
			`INSERT INTO kv (key, value) VALUES (?, ?)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`), key, value)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetKV reads a value; ErrNotFound when absent.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT value FROM kv WHERE key = ?`), key).Scan(&v)
	if err != nil {
		return "", mapErr(err)
	}
	return v, nil
}
