// Package auth implements password and TOTP authentication, recovery codes,
// and dual-token server-side sessions.
package auth

import (
	"errors"

	"github.com/baudrate/baudrate/internal/store"
	"github.com/baudrate/baudrate/internal/vault"
)

// ErrInvalidCredentials is returned for any username/password mismatch. The
// caller cannot distinguish a missing user from a wrong password.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// ErrInvalidCode is returned for a wrong, replayed, or expired TOTP or
// recovery code.
var ErrInvalidCode = errors.New("auth: invalid code")

// ErrSessionExpired is returned when a presented token maps to an expired
// session.
var ErrSessionExpired = errors.New("auth: session expired")

// ErrAccountLocked is returned for banned or not-yet-approved accounts.
var ErrAccountLocked = errors.New("auth: account unavailable")

// NextStep tells the login handler what the client must do next.
type NextStep string

const (
	// StepDone means a session was issued.
	StepDone NextStep = "done"
	// StepTOTP means the password checked out but a TOTP or recovery code
	// is still required.
	StepTOTP NextStep = "totp"
	// StepTOTPSetup means the account's role requires a second factor that
	// has not been enrolled yet. A session is issued so the user can reach
	// the enrollment endpoints, and clients must route them there first.
	StepTOTPSetup NextStep = "totp_setup"
)

// TOTPRequired reports whether the role mandates a second factor. Admins and
// moderators must carry one; regular users may opt in.
func TOTPRequired(role store.Role) bool {
	return role.AtLeast(store.RoleModerator)
}

// Service bundles the stores and key material behind every auth operation.
type Service struct {
	store *store.Store
	vault *vault.Vault
}

// New returns an auth service. The vault must be keyed with the TOTP secret
// encryption key.
func New(st *store.Store, v *vault.Vault) *Service {
	return &Service{store: st, vault: v}
}
