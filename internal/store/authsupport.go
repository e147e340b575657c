package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// RecoveryCode is a one-time TOTP bypass code. Only the bcrypt hash is stored.
type RecoveryCode struct {
	ID       int64
	UserID   int64
	CodeHash string
	UsedAt   *time.Time
}

// ReplaceRecoveryCodes deletes any existing codes for the user and inserts
// the new hashes in one transaction.
func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID int64, hashes []string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM recovery_codes WHERE user_id = ?`), userID); err != nil {
			return err
		}
		for _, h := range hashes {
			if _, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO recovery_codes (user_id, code_hash) VALUES (?, ?)`),
				userID, h); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnusedRecoveryCodes returns the codes that can still authenticate.
func (s *Store) UnusedRecoveryCodes(ctx context.Context, userID int64) ([]RecoveryCode, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, user_id, code_hash, used_at FROM recovery_codes
		 WHERE user_id = ? AND used_at IS NULL`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecoveryCode
	for rows.Next() {
		var rc RecoveryCode
		var used sql.NullInt64
		if err := rows.Scan(&rc.ID, &rc.UserID, &rc.CodeHash, &used); err != nil {
			return nil, err
		}
		rc.UsedAt = timePtr(used)
		out = append(out, rc)
	}
	return out, rows.Err()
}

// MarkRecoveryCodeUsed stamps used_at. A used code cannot authenticate again.
func (s *Store) MarkRecoveryCodeUsed(ctx context.Context, codeID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE recovery_codes SET used_at = ? WHERE id = ? AND used_at IS NULL`),
		at.Unix(), codeID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertLoginAttempt records an authentication attempt for audit.
func (s *Store) InsertLoginAttempt(ctx context.Context, username, ip string, success bool) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO login_attempts (username, ip_address, success, inserted_at)
		 VALUES (?, ?, ?, ?)`),
		strings.ToLower(username), nullStr(ip), boolInt(success), time.Now().Unix())
	return err
}

// ReapLoginAttempts deletes attempts older than the cutoff (7-day retention).
func (s *Store) ReapLoginAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM login_attempts WHERE inserted_at < ?`), olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
