package auth

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/baudrate/baudrate/internal/store"
)

const bcryptCost = 12

// dummyHash is compared against when the username does not exist, so a login
// probe costs the same bcrypt work either way.
var dummyHash = func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("baudrate-dummy-password"), bcryptCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}()

// HashPassword hashes a password for storage.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// Register creates a local account. The account status follows the
// registration mode; approval_required installs start accounts pending.
func (s *Service) Register(ctx context.Context, username, password string, status store.UserStatus) (*store.User, error) {
	if len(password) < 8 {
		return nil, fmt.Errorf("auth: password too short")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u, err := s.store.CreateUser(ctx, username, hash, store.RoleUser, status)
	if err != nil {
		return nil, err
	}
	slog.Info("account registered", "user", u.Username, "status", string(u.Status))
	return u, nil
}

// LoginResult is the outcome of a password check.
type LoginResult struct {
	User    *store.User
	Next    NextStep
	Session *SessionTokens
}

// Login verifies a password. When the account has TOTP enabled the result
// asks for a second factor instead of issuing a session. The bcrypt
// comparison runs even for unknown usernames.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*LoginResult, error) {
	u, err := s.store.UserByUsername(ctx, username)
	if err == store.ErrNotFound {
		// Burn the same bcrypt cost as a real comparison.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		_ = s.store.InsertLoginAttempt(ctx, username, ip, false)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		_ = s.store.InsertLoginAttempt(ctx, username, ip, false)
		return nil, ErrInvalidCredentials
	}

	if u.Status != store.StatusActive {
		_ = s.store.InsertLoginAttempt(ctx, username, ip, false)
		return nil, ErrAccountLocked
	}

	if u.TOTPEnabled {
		// Password alone is not a successful login yet.
		return &LoginResult{User: u, Next: StepTOTP}, nil
	}

	next := StepDone
	if TOTPRequired(u.Role) {
		// Privileged roles may not run without a second factor; the session
		// exists so the user can enroll one.
		next = StepTOTPSetup
	}

	tokens, err := s.CreateSession(ctx, u.ID, ip, userAgent)
	if err != nil {
		return nil, err
	}
	_ = s.store.InsertLoginAttempt(ctx, username, ip, true)
	return &LoginResult{User: u, Next: next, Session: tokens}, nil
}

// CompleteTOTPLogin finishes a two-step login with a TOTP code.
func (s *Service) CompleteTOTPLogin(ctx context.Context, userID int64, code, ip, userAgent string) (*LoginResult, error) {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.VerifyTOTP(ctx, u, code); err != nil {
		_ = s.store.InsertLoginAttempt(ctx, u.Username, ip, false)
		return nil, err
	}
	tokens, err := s.CreateSession(ctx, u.ID, ip, userAgent)
	if err != nil {
		return nil, err
	}
	_ = s.store.InsertLoginAttempt(ctx, u.Username, ip, true)
	return &LoginResult{User: u, Next: StepDone, Session: tokens}, nil
}

// CompleteRecoveryLogin finishes a two-step login with a one-time recovery
// code. The code is consumed and the account is flagged for TOTP re-enroll.
func (s *Service) CompleteRecoveryLogin(ctx context.Context, userID int64, code, ip, userAgent string) (*LoginResult, error) {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.ConsumeRecoveryCode(ctx, u, code); err != nil {
		_ = s.store.InsertLoginAttempt(ctx, u.Username, ip, false)
		return nil, err
	}
	tokens, err := s.CreateSession(ctx, u.ID, ip, userAgent)
	if err != nil {
		return nil, err
	}
	_ = s.store.InsertLoginAttempt(ctx, u.Username, ip, true)
	slog.Warn("recovery code used, TOTP re-enroll required", "user", u.Username)
	return &LoginResult{User: u, Next: StepDone, Session: tokens}, nil
}

// ChangePassword verifies the current password and replaces the hash. All
// other sessions are revoked.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	if len(next) < 8 {
		return fmt.Errorf("auth: password too short")
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.store.SetPasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	return s.store.DeleteSessionsForUser(ctx, userID)
}
