package auth

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baudrate/baudrate/internal/store"
	"github.com/baudrate/baudrate/internal/vault"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	v, err := vault.New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return New(st, v), st
}

func registerActive(t *testing.T, svc *Service, username string) *store.User {
	t.Helper()
	u, err := svc.Register(context.Background(), username, "correct horse", store.StatusActive)
	require.NoError(t, err)
	return u
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Register(context.Background(), "alice", "short", store.StatusActive)
	assert.Error(t, err)
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	registerActive(t, svc, "alice")

	_, err := svc.Login(ctx, "alice", "not the password", "127.0.0.1", "test")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Login(context.Background(), "ghost", "whatever123", "127.0.0.1", "test")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginBannedAccount(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")
	require.NoError(t, st.SetUserStatus(ctx, u.ID, store.StatusBanned))

	_, err := svc.Login(ctx, "alice", "correct horse", "127.0.0.1", "test")
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestLoginIssuesSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")

	res, err := svc.Login(ctx, "alice", "correct horse", "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, StepDone, res.Next)
	require.NotNil(t, res.Session)

	got, sess, err := svc.Authenticate(ctx, res.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, u.ID, sess.UserID)
}

func TestLoginPrivilegedRoleWithoutTOTPNeedsSetup(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "mod")
	require.NoError(t, st.SetUserRole(ctx, u.ID, store.RoleModerator))

	res, err := svc.Login(ctx, "mod", "correct horse", "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, StepTOTPSetup, res.Next)
	require.NotNil(t, res.Session, "enrollment endpoints need a session")

	// A regular user without TOTP logs straight in.
	registerActive(t, svc, "alice")
	res, err = svc.Login(ctx, "alice", "correct horse", "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, StepDone, res.Next)
}

func TestSessionEviction(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")

	// Seed sessions with spread-out refresh times so eviction order is
	// deterministic at second granularity.
	now := time.Now()
	tokens := make([]string, 0, MaxSessions+1)
	for i := 0; i < MaxSessions+1; i++ {
		token := HashToken("seed-" + string(rune('a'+i)))
		refreshedAt := now.Add(time.Duration(i-MaxSessions) * time.Minute)
		err := st.InsertSessionEvicting(ctx, &store.Session{
			UserID:           u.ID,
			TokenHash:        HashToken(token),
			RefreshTokenHash: HashToken(token + "-refresh"),
			ExpiresAt:        now.Add(SessionTTL),
			RefreshedAt:      refreshedAt,
		}, MaxSessions)
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	// The oldest session was evicted by the fourth login.
	_, _, err := svc.Authenticate(ctx, tokens[0])
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	for _, token := range tokens[1:] {
		_, _, err := svc.Authenticate(ctx, token)
		assert.NoError(t, err)
	}
}

func TestRefreshRotatesBothTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")

	first, err := svc.CreateSession(ctx, u.ID, "127.0.0.1", "test")
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The old pair died with the rotation.
	_, _, err = svc.Authenticate(ctx, first.Token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Authenticate(ctx, second.Token)
	assert.NoError(t, err)
}

func TestLogoutAndLogoutAll(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")

	a, err := svc.CreateSession(ctx, u.ID, "127.0.0.1", "test")
	require.NoError(t, err)
	b, err := svc.CreateSession(ctx, u.ID, "127.0.0.1", "test")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, a.Token))
	_, _, err = svc.Authenticate(ctx, a.Token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown tokens are a no-op.
	require.NoError(t, svc.Logout(ctx, "bogus"))

	require.NoError(t, svc.LogoutAll(ctx, u.ID))
	_, _, err = svc.Authenticate(ctx, b.Token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")

	tk, err := svc.CreateSession(ctx, u.ID, "127.0.0.1", "test")
	require.NoError(t, err)

	err = svc.ChangePassword(ctx, u.ID, "wrong", "completely new")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, svc.ChangePassword(ctx, u.ID, "correct horse", "completely new"))

	_, _, err = svc.Authenticate(ctx, tk.Token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := svc.Login(ctx, "alice", "completely new", "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, StepDone, res.Next)
}

func enrollTOTP(t *testing.T, svc *Service, u *store.User) (secret string, recovery []string) {
	t.Helper()
	ctx := context.Background()

	enr, err := svc.BeginTOTPEnrollment(ctx, u, "baudrate")
	require.NoError(t, err)
	require.NotEmpty(t, enr.Secret)
	require.Contains(t, enr.ProvisioningURI, "otpauth://")

	code, err := totp.GenerateCode(enr.Secret, time.Now())
	require.NoError(t, err)

	codes, err := svc.ConfirmTOTPEnrollment(ctx, u, code)
	require.NoError(t, err)
	require.Len(t, codes, 10)
	return enr.Secret, codes
}

func TestTOTPLoginRequiresSecondStep(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")
	enrollTOTP(t, svc, u)

	res, err := svc.Login(ctx, "alice", "correct horse", "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, StepTOTP, res.Next)
	assert.Nil(t, res.Session, "no session before the second factor")
}

func TestTOTPCodeCannotReplay(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")

	enr, err := svc.BeginTOTPEnrollment(ctx, u, "baudrate")
	require.NoError(t, err)
	code, err := totp.GenerateCode(enr.Secret, time.Now())
	require.NoError(t, err)
	_, err = svc.ConfirmTOTPEnrollment(ctx, u, code)
	require.NoError(t, err)

	// The confirmation consumed the code's step. Reload so the last-used
	// step comes from the database, as it would on a later login, then
	// replay the very same code.
	u, err = st.UserByID(ctx, u.ID)
	require.NoError(t, err)
	err = svc.VerifyTOTP(ctx, u, code)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestTOTPWrongCode(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")
	enrollTOTP(t, svc, u)

	u, err := st.UserByID(ctx, u.ID)
	require.NoError(t, err)
	err = svc.VerifyTOTP(ctx, u, "000000")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestRecoveryCodeConsumedOnce(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")
	_, codes := enrollTOTP(t, svc, u)

	u, err := st.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.NoError(t, svc.ConsumeRecoveryCode(ctx, u, codes[0]))

	// Burned codes never authenticate again.
	err = svc.ConsumeRecoveryCode(ctx, u, codes[0])
	assert.ErrorIs(t, err, ErrInvalidCode)

	// The account is flagged to re-enroll its second factor.
	got, err := st.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.TOTPReenroll)

	// A different code from the same set still works.
	require.NoError(t, svc.ConsumeRecoveryCode(ctx, got, codes[1]))
}

func TestDisableTOTPDropsRecoveryCodes(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := registerActive(t, svc, "alice")
	secret, codes := enrollTOTP(t, svc, u)

	u, err := st.UserByID(ctx, u.ID)
	require.NoError(t, err)

	// Use the next time step so the replay gate does not trip.
	code, err := totp.GenerateCode(secret, time.Now().Add(30*time.Second))
	require.NoError(t, err)
	require.NoError(t, svc.DisableTOTP(ctx, u, code))

	got, err := st.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.TOTPEnabled)

	err = svc.ConsumeRecoveryCode(ctx, got, codes[2])
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestHashTokenIsStable(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}
