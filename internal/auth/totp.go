package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/baudrate/baudrate/internal/store"
)

const (
	totpPeriod = 30
	totpSkew   = 1 // accept one step either side of now
)

// TOTPEnrollment is returned when enrollment starts. The secret is shown to
// the user once; only the encrypted form persists.
type TOTPEnrollment struct {
	Secret        string
	ProvisioningURI string
	RecoveryCodes []string
}

// BeginTOTPEnrollment generates a secret and provisioning URI. Nothing is
// enabled until ConfirmTOTPEnrollment sees a valid code.
func (s *Service) BeginTOTPEnrollment(ctx context.Context, u *store.User, issuer string) (*TOTPEnrollment, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate TOTP secret: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: u.Username,
		Secret:      raw,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("build provisioning key: %w", err)
	}

	enc, err := s.vault.Encrypt([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("encrypt TOTP secret: %w", err)
	}
	// Store the secret disabled; the confirm step flips it on.
	if err := s.store.SetUserTOTP(ctx, u.ID, false, enc, false); err != nil {
		return nil, err
	}
	u.TOTPSecretEnc = enc

	return &TOTPEnrollment{Secret: secret, ProvisioningURI: key.URL()}, nil
}

// ConfirmTOTPEnrollment enables TOTP after the user proves possession of the
// secret, and issues a fresh set of recovery codes.
func (s *Service) ConfirmTOTPEnrollment(ctx context.Context, u *store.User, code string) ([]string, error) {
	secret, err := s.decryptSecret(u)
	if err != nil {
		return nil, err
	}
	at := time.Now()
	if !s.codeValid(secret, code, at, u.TOTPLastUsedAt) {
		return nil, ErrInvalidCode
	}
	if err := s.store.SetUserTOTP(ctx, u.ID, true, u.TOTPSecretEnc, false); err != nil {
		return nil, err
	}
	if err := s.store.SetUserTOTPLastUsed(ctx, u.ID, at); err != nil {
		return nil, err
	}
	u.TOTPEnabled = true
	codes, err := s.IssueRecoveryCodes(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// DisableTOTP turns the second factor off and drops recovery codes.
func (s *Service) DisableTOTP(ctx context.Context, u *store.User, code string) error {
	if err := s.VerifyTOTP(ctx, u, code); err != nil {
		return err
	}
	if err := s.store.SetUserTOTP(ctx, u.ID, false, nil, false); err != nil {
		return err
	}
	return s.store.ReplaceRecoveryCodes(ctx, u.ID, nil)
}

// VerifyTOTP checks a code against the user's secret. A code from a step at
// or before the last accepted one is rejected, so an intercepted code cannot
// be replayed even inside its validity window.
func (s *Service) VerifyTOTP(ctx context.Context, u *store.User, code string) error {
	if !u.TOTPEnabled {
		return ErrInvalidCode
	}
	secret, err := s.decryptSecret(u)
	if err != nil {
		return err
	}
	at := time.Now()
	if !s.codeValid(secret, code, at, u.TOTPLastUsedAt) {
		return ErrInvalidCode
	}
	if err := s.store.SetUserTOTPLastUsed(ctx, u.ID, at); err != nil {
		return err
	}
	last := at
	u.TOTPLastUsedAt = &last
	return nil
}

func (s *Service) decryptSecret(u *store.User) (string, error) {
	if len(u.TOTPSecretEnc) == 0 {
		return "", ErrInvalidCode
	}
	secret, err := s.vault.Decrypt(u.TOTPSecretEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt TOTP secret: %w", err)
	}
	return string(secret), nil
}

// codeValid checks the code across the skew window, generating the expected
// value per step and comparing in constant time. Steps at or before `since`
// are skipped entirely.
func (s *Service) codeValid(secret, code string, at time.Time, since *time.Time) bool {
	var sinceStep int64 = -1
	if since != nil {
		sinceStep = since.Unix() / totpPeriod
	}
	valid := false
	for offset := -totpSkew; offset <= totpSkew; offset++ {
		t := at.Add(time.Duration(offset) * totpPeriod * time.Second)
		if t.Unix()/totpPeriod <= sinceStep {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
			Period:    totpPeriod,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			valid = true
		}
	}
	return valid
}
