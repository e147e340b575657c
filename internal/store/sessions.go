package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Session is a server-side session record. Raw tokens are never stored; both
// columns hold SHA-256 hashes.
type Session struct {
	ID               int64
	UserID           int64
	TokenHash        string
	RefreshTokenHash string
	ExpiresAt        time.Time
	RefreshedAt      time.Time
	IPAddress        string
	UserAgent        string
}

const sessionColumns = `id, user_id, token_hash, refresh_token_hash, expires_at, refreshed_at, ip_address, user_agent`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var (
		sess      Session
		expires   int64
		refreshed int64
		ip, ua    sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.RefreshTokenHash,
		&expires, &refreshed, &ip, &ua)
	if err != nil {
		return nil, mapErr(err)
	}
	sess.ExpiresAt = timeVal(expires)
	sess.RefreshedAt = timeVal(refreshed)
	sess.IPAddress = strVal(ip)
	sess.UserAgent = strVal(ua)
	return &sess, nil
}

// InsertSessionEvicting inserts a session and, in the same transaction,
// evicts the oldest sessions (by refreshed_at) so the user never holds more
// than maxSessions. On PostgreSQL the user row is locked for the duration so
// concurrent logins cannot both skip eviction.
func (s *Store) InsertSessionEvicting(ctx context.Context, sess *Session, maxSessions int) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		if s.driver == "postgres" {
			var id int64
			if err := tx.QueryRowContext(ctx,
				s.q(`SELECT id FROM users WHERE id = ? FOR UPDATE`), sess.UserID).Scan(&id); err != nil {
				return mapErr(err)
			}
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM sessions WHERE user_id = ?`), sess.UserID).Scan(&count); err != nil {
			return err
		}
		if over := count - maxSessions + 1; over > 0 {
			_, err := tx.ExecContext(ctx, s.q(
				`DELETE FROM sessions WHERE id IN (
					SELECT id FROM sessions WHERE user_id = ? ORDER BY refreshed_at ASC LIMIT ?)`),
				sess.UserID, over)
			if err != nil {
				return fmt.Errorf("evict sessions: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO sessions (user_id, token_hash, refresh_token_hash, expires_at, refreshed_at, ip_address, user_agent)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			sess.UserID, sess.TokenHash, sess.RefreshTokenHash,
			sess.ExpiresAt.Unix(), sess.RefreshedAt.Unix(),
			nullStr(sess.IPAddress), nullStr(sess.UserAgent))
		return mapErr(err)
	})
}

// SessionByTokenHash looks a session up by the hash of its session token.
func (s *Store) SessionByTokenHash(ctx context.Context, hash string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`), hash))
}

// SessionByRefreshTokenHash looks a session up by the hash of its refresh token.
func (s *Store) SessionByRefreshTokenHash(ctx context.Context, hash string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = ?`), hash))
}

// RotateSessionTokens replaces both token hashes and bumps refreshed_at and
// expires_at. The old tokens stop authenticating the moment this commits.
func (s *Store) RotateSessionTokens(ctx context.Context, sessionID int64, tokenHash, refreshHash string, refreshedAt, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE sessions SET token_hash = ?, refresh_token_hash = ?, refreshed_at = ?, expires_at = ?
		 WHERE id = ?`),
		tokenHash, refreshHash, refreshedAt.Unix(), expiresAt.Unix(), sessionID)
	if err != nil {
		return mapErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session by id.
func (s *Store) DeleteSession(ctx context.Context, sessionID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ?`), sessionID)
	return err
}

// DeleteSessionsForUser removes every session for a user (ban, password change).
func (s *Store) DeleteSessionsForUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE user_id = ?`), userID)
	return err
}

// PurgeExpiredSessions removes sessions past their expiry. Returns the count.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM sessions WHERE expires_at <= ?`), now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountSessions returns the live session count for a user.
func (s *Store) CountSessions(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM sessions WHERE user_id = ?`), userID).Scan(&n)
	return n, err
}
