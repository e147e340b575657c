package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// Role is a local account role. Ordering matters: higher roles see more.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// AtLeast reports whether r grants at least the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank(r) >= roleRank(other)
}

func roleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleModerator:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// UserStatus is the lifecycle state of a local account.
type UserStatus string

const (
	StatusActive  UserStatus = "active"
	StatusPending UserStatus = "pending"
	StatusBanned  UserStatus = "banned"
)

// NotificationPref gates a single notification type per channel.
type NotificationPref struct {
	InApp   bool `json:"in_app"`
	WebPush bool `json:"web_push"`
}

// User is a local account.
type User struct {
	ID                int64
	Username          string
	PasswordHash      string
	TOTPEnabled       bool
	TOTPSecretEnc     []byte
	TOTPLastUsedAt    *time.Time
	TOTPReenroll      bool
	Role              Role
	Status            UserStatus
	AvatarID          string
	PreferredLocales  []string
	NotificationPrefs map[string]NotificationPref
	PublicKeyPEM      string
	PrivateKeyEnc     []byte
	CreatedAt         time.Time
}

// PrefFor returns the notification preference for a type. Absent entries
// default to enabled on both channels.
func (u *User) PrefFor(notifType string) NotificationPref {
	if p, ok := u.NotificationPrefs[notifType]; ok {
		return p
	}
	return NotificationPref{InApp: true, WebPush: true}
}

const userColumns = `id, username, password_hash, totp_enabled, totp_secret_enc,
	totp_last_used_at, totp_reenroll, role, status, avatar_id, preferred_locales,
	notification_prefs, public_key_pem, private_key_enc, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u            User
		totpEnabled  int
		reenroll     int
		lastUsed     sql.NullInt64
		avatar       sql.NullString
		locales      string
		prefs        string
		pubPEM       sql.NullString
		createdAt    int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &totpEnabled, &u.TOTPSecretEnc,
		&lastUsed, &reenroll, &u.Role, &u.Status, &avatar, &locales,
		&prefs, &pubPEM, &u.PrivateKeyEnc, &createdAt)
	if err != nil {
		return nil, mapErr(err)
	}
	u.TOTPEnabled = totpEnabled != 0
	u.TOTPReenroll = reenroll != 0
	u.TOTPLastUsedAt = timePtr(lastUsed)
	u.AvatarID = strVal(avatar)
	u.PublicKeyPEM = strVal(pubPEM)
	u.CreatedAt = timeVal(createdAt)
	_ = json.Unmarshal([]byte(locales), &u.PreferredLocales)
	_ = json.Unmarshal([]byte(prefs), &u.NotificationPrefs)
	return &u, nil
}

// CreateUser inserts a new local account and returns it.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, role Role, status UserStatus) (*User, error) {
	var err error
	now := time.Now().Unix()
	if s.driver == "postgres" {
		var id int64
		err = s.db.QueryRowContext(ctx, s.q(
			`INSERT INTO users (username, password_hash, role, status, created_at)
			 VALUES (?, ?, ?, ?, ?) RETURNING id`),
			username, passwordHash, string(role), string(status), now).Scan(&id)
		if err != nil {
			return nil, mapErr(err)
		}
		return s.UserByID(ctx, id)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO users (username, password_hash, role, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		username, passwordHash, string(role), string(status), now)
	if err != nil {
		return nil, mapErr(err)
	}
	id, _ := res.LastInsertId()
	return s.UserByID(ctx, id)
}

// UserByID returns a user by primary key.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
}

// UserByUsername looks a user up case-insensitively.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+userColumns+` FROM users WHERE lower(username) = ?`),
		strings.ToLower(username)))
}

// SetPasswordHash replaces the stored password hash.
func (s *Store) SetPasswordHash(ctx context.Context, userID int64, hash string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE users SET password_hash = ? WHERE id = ?`), hash, userID)
	return err
}

// SetUserTOTP updates TOTP enrollment state. Enabling requires a non-nil
// encrypted secret.
func (s *Store) SetUserTOTP(ctx context.Context, userID int64, enabled bool, secretEnc []byte, reenroll bool) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE users SET totp_enabled = ?, totp_secret_enc = ?, totp_reenroll = ? WHERE id = ?`),
		boolInt(enabled), secretEnc, boolInt(reenroll), userID)
	return err
}

// SetUserTOTPLastUsed records the step time of the last accepted TOTP code,
// the replay fence for subsequent verifications.
func (s *Store) SetUserTOTPLastUsed(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE users SET totp_last_used_at = ? WHERE id = ?`), at.Unix(), userID)
	return err
}

// SetUserStatus updates account status. Banning also drops live sessions;
// callers do that in the same logical operation via DeleteSessionsForUser.
func (s *Store) SetUserStatus(ctx context.Context, userID int64, status UserStatus) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE users SET status = ? WHERE id = ?`), string(status), userID)
	return err
}

// SetUserRole updates the account role.
func (s *Store) SetUserRole(ctx context.Context, userID int64, role Role) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE users SET role = ? WHERE id = ?`), string(role), userID)
	return err
}

// SetUserKeypair stores a user's public PEM and vault-encrypted private PEM.
func (s *Store) SetUserKeypair(ctx context.Context, userID int64, publicPEM string, privateEnc []byte) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE users SET public_key_pem = ?, private_key_enc = ? WHERE id = ?`),
		publicPEM, privateEnc, userID)
	return err
}

// SetNotificationPrefs replaces the user's notification preference map.
func (s *Store) SetNotificationPrefs(ctx context.Context, userID int64, prefs map[string]NotificationPref) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`UPDATE users SET notification_prefs = ? WHERE id = ?`), string(raw), userID)
	return err
}

// CountUsers returns the number of local accounts, for NodeInfo usage stats.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
