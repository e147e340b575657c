package store

import (
	"context"
	"database/sql"
	"time"
)

// PushSubscription is a browser Web Push endpoint with its client keys.
type PushSubscription struct {
	ID         int64
	UserID     int64
	Endpoint   string
	P256DH     []byte
	Auth       []byte
	UserAgent  string
	InsertedAt time.Time
}

const pushColumns = `id, user_id, endpoint, p256dh, auth, user_agent, inserted_at`

func scanPushSubscription(row interface{ Scan(...any) error }) (*PushSubscription, error) {
	var (
		p        PushSubscription
		ua       sql.NullString
		inserted int64
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Endpoint, &p.P256DH, &p.Auth, &ua, &inserted)
	if err != nil {
		return nil, mapErr(err)
	}
	p.UserAgent = strVal(ua)
	p.InsertedAt = timeVal(inserted)
	return &p, nil
}

// UpsertPushSubscription inserts a subscription, or re-owns an existing
// endpoint. Browsers reuse endpoints across logins so the row follows the
// latest user.
func (s *Store) UpsertPushSubscription(ctx context.Context, p *PushSubscription) error {
	err := s.execInsert(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, user_agent, inserted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Endpoint, p.P256DH, p.Auth, nullStr(p.UserAgent), time.Now().Unix())
	if err == ErrDuplicate {
		_, err = s.db.ExecContext(ctx, s.q(
			`UPDATE push_subscriptions SET user_id = ?, p256dh = ?, auth = ?, user_agent = ?, inserted_at = ?
			 WHERE endpoint = ?`),
			p.UserID, p.P256DH, p.Auth, nullStr(p.UserAgent), time.Now().Unix(), p.Endpoint)
	}
	return err
}

// PushSubscriptionsForUser lists a user's registered endpoints.
func (s *Store) PushSubscriptionsForUser(ctx context.Context, userID int64) ([]*PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+pushColumns+` FROM push_subscriptions WHERE user_id = ? ORDER BY id`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PushSubscription
	for rows.Next() {
		p, err := scanPushSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePushSubscriptionByEndpoint removes a subscription after the push
// service reports it gone (404/410) or the client unsubscribes.
func (s *Store) DeletePushSubscriptionByEndpoint(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM push_subscriptions WHERE endpoint = ?`), endpoint)
	return err
}

// DeletePushSubscriptionsForUser removes all of a user's endpoints (logout
// everywhere, account deletion).
func (s *Store) DeletePushSubscriptionsForUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM push_subscriptions WHERE user_id = ?`), userID)
	return err
}
