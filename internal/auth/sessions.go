package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/baudrate/baudrate/internal/store"
)

const (
	// SessionTTL is how long a session lives without a refresh.
	SessionTTL = 14 * 24 * time.Hour
	// MaxSessions caps concurrent sessions per user; the oldest is evicted.
	MaxSessions = 3
)

// SessionTokens carries the raw tokens handed to the client exactly once.
type SessionTokens struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken derives the at-rest form of a token. Only hashes touch the
// database, so a dump cannot replay sessions.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateSession issues a fresh token pair and persists the session, evicting
// the user's oldest session beyond the cap.
func (s *Service) CreateSession(ctx context.Context, userID int64, ip, userAgent string) (*SessionTokens, error) {
	for attempt := 0; attempt < 3; attempt++ {
		token, err := newToken()
		if err != nil {
			return nil, err
		}
		refresh, err := newToken()
		if err != nil {
			return nil, err
		}
		now := time.Now()
		sess := &store.Session{
			UserID:           userID,
			TokenHash:        HashToken(token),
			RefreshTokenHash: HashToken(refresh),
			ExpiresAt:        now.Add(SessionTTL),
			RefreshedAt:      now,
			IPAddress:        ip,
			UserAgent:        userAgent,
		}
		err = s.store.InsertSessionEvicting(ctx, sess, MaxSessions)
		if err == store.ErrDuplicate {
			continue // astronomically unlikely hash collision, retry
		}
		if err != nil {
			return nil, err
		}
		return &SessionTokens{Token: token, RefreshToken: refresh, ExpiresAt: sess.ExpiresAt}, nil
	}
	return nil, fmt.Errorf("auth: could not allocate session tokens")
}

// Authenticate resolves an access token to its user. Expired sessions are
// deleted on sight.
func (s *Service) Authenticate(ctx context.Context, token string) (*store.User, *store.Session, error) {
	sess, err := s.store.SessionByTokenHash(ctx, HashToken(token))
	if err == store.ErrNotFound {
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.store.DeleteSession(ctx, sess.ID)
		return nil, nil, ErrSessionExpired
	}
	u, err := s.store.UserByID(ctx, sess.UserID)
	if err != nil {
		return nil, nil, err
	}
	if u.Status != store.StatusActive {
		_ = s.store.DeleteSession(ctx, sess.ID)
		return nil, nil, ErrAccountLocked
	}
	return u, sess, nil
}

// Refresh rotates both tokens. The old pair stops working the moment the new
// pair is committed; a replayed refresh token therefore fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*SessionTokens, error) {
	sess, err := s.store.SessionByRefreshTokenHash(ctx, HashToken(refreshToken))
	if err == store.ErrNotFound {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.store.DeleteSession(ctx, sess.ID)
		return nil, ErrSessionExpired
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	refresh, err := newToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	expires := now.Add(SessionTTL)
	err = s.store.RotateSessionTokens(ctx, sess.ID, HashToken(token), HashToken(refresh), now, expires)
	if err == store.ErrNotFound {
		// Lost a race with a concurrent refresh or logout.
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	return &SessionTokens{Token: token, RefreshToken: refresh, ExpiresAt: expires}, nil
}

// Logout deletes the session behind an access token. Unknown tokens are a
// no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	sess, err := s.store.SessionByTokenHash(ctx, HashToken(token))
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return s.store.DeleteSession(ctx, sess.ID)
}

// LogoutAll revokes every session the user holds.
func (s *Service) LogoutAll(ctx context.Context, userID int64) error {
	return s.store.DeleteSessionsForUser(ctx, userID)
}

// PurgeExpired deletes expired sessions; the janitor calls this periodically.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.PurgeExpiredSessions(ctx, time.Now())
}
