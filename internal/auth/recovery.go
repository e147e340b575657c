package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/baudrate/baudrate/internal/store"
)

const recoveryCodeCount = 10

// recoveryAlphabet avoids ambiguous characters (0/O, 1/I/L, U/V).
const recoveryAlphabet = "0123456789abcdefghjkmnpqrstvwxyz"

func newRecoveryCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate recovery code: %w", err)
	}
	var b strings.Builder
	for i, c := range buf {
		if i == 4 {
			b.WriteByte('-')
		}
		b.WriteByte(recoveryAlphabet[int(c)%len(recoveryAlphabet)])
	}
	return b.String(), nil
}

// IssueRecoveryCodes replaces the user's recovery codes with a fresh set and
// returns the plaintexts, shown exactly once. Only bcrypt hashes persist.
func (s *Service) IssueRecoveryCodes(ctx context.Context, userID int64) ([]string, error) {
	codes := make([]string, 0, recoveryCodeCount)
	hashes := make([]string, 0, recoveryCodeCount)
	for i := 0; i < recoveryCodeCount; i++ {
		code, err := newRecoveryCode()
		if err != nil {
			return nil, err
		}
		h, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash recovery code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, string(h))
	}
	if err := s.store.ReplaceRecoveryCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// ConsumeRecoveryCode burns a one-time code. On success the code can never
// authenticate again and the account is flagged to re-enroll TOTP.
func (s *Service) ConsumeRecoveryCode(ctx context.Context, u *store.User, code string) error {
	code = strings.ToLower(strings.TrimSpace(code))
	unused, err := s.store.UnusedRecoveryCodes(ctx, u.ID)
	if err != nil {
		return err
	}
	for _, rc := range unused {
		if bcrypt.CompareHashAndPassword([]byte(rc.CodeHash), []byte(code)) != nil {
			continue
		}
		if err := s.store.MarkRecoveryCodeUsed(ctx, rc.ID, time.Now()); err != nil {
			if err == store.ErrNotFound {
				// Lost a race with a concurrent use of the same code.
				return ErrInvalidCode
			}
			return err
		}
		// The second factor is compromised or lost; require re-enrollment.
		return s.store.SetUserTOTP(ctx, u.ID, true, u.TOTPSecretEnc, true)
	}
	return ErrInvalidCode
}
