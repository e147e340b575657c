package store

import (
	"context"
	"database/sql"
	"time"
)

// RemoteActor is a cached copy of a federated actor profile. Rows double as
// the resolver's persistent cache; fetched_at drives the 24h TTL.
type RemoteActor struct {
	ID           int64
	APID         string
	Username     string
	Domain       string
	DisplayName  string
	PublicKeyPEM string
	Inbox        string
	SharedInbox  string
	ActorType    string
	IconURL      string
	FetchedAt    time.Time
}

// DeliveryInbox returns the shared inbox when the actor advertises one.
func (a *RemoteActor) DeliveryInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

const remoteActorColumns = `id, ap_id, username, domain, display_name, public_key_pem,
	inbox, shared_inbox, actor_type, icon_url, fetched_at`

func scanRemoteActor(row interface{ Scan(...any) error }) (*RemoteActor, error) {
	var (
		a           RemoteActor
		sharedInbox sql.NullString
		iconURL     sql.NullString
		fetchedAt   int64
	)
	err := row.Scan(&a.ID, &a.APID, &a.Username, &a.Domain, &a.DisplayName,
		&a.PublicKeyPEM, &a.Inbox, &sharedInbox, &a.ActorType, &iconURL, &fetchedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	a.SharedInbox = strVal(sharedInbox)
	a.IconURL = strVal(iconURL)
	a.FetchedAt = timeVal(fetchedAt)
	return &a, nil
}

// UpsertRemoteActor inserts or refreshes a remote actor keyed by ap_id.
func (s *Store) UpsertRemoteActor(ctx context.Context, a *RemoteActor) (*RemoteActor, error) {
	now := time.Now().Unix()
	existing, err := s.RemoteActorByAPID(ctx, a.APID)
	if err == nil {
		_, err = s.db.ExecContext(ctx, s.q(
			`UPDATE remote_actors SET username = ?, domain = ?, display_name = ?,
			 public_key_pem = ?, inbox = ?, shared_inbox = ?, actor_type = ?,
			 icon_url = ?, fetched_at = ? WHERE id = ?`),
			a.Username, a.Domain, a.DisplayName, a.PublicKeyPEM, a.Inbox,
			nullStr(a.SharedInbox), a.ActorType, nullStr(a.IconURL), now, existing.ID)
		if err != nil {
			return nil, err
		}
		return s.RemoteActorByID(ctx, existing.ID)
	}
	if err != ErrNotFound {
		return nil, err
	}
	args := []any{a.APID, a.Username, a.Domain, a.DisplayName, a.PublicKeyPEM, a.Inbox,
		nullStr(a.SharedInbox), a.ActorType, nullStr(a.IconURL), now}
	var id int64
	if s.driver == "postgres" {
		err = s.db.QueryRowContext(ctx, s.q(
			`INSERT INTO remote_actors (ap_id, username, domain, display_name, public_key_pem, inbox, shared_inbox, actor_type, icon_url, fetched_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`), args...).Scan(&id)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, s.q(
			`INSERT INTO remote_actors (ap_id, username, domain, display_name, public_key_pem, inbox, shared_inbox, actor_type, icon_url, fetched_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
		if err == nil {
			id, _ = res.LastInsertId()
		}
	}
	if err != nil {
		if isDuplicate(err) {
			// Raced with a concurrent upsert for the same actor.
			return s.RemoteActorByAPID(ctx, a.APID)
		}
		return nil, mapErr(err)
	}
	return s.RemoteActorByID(ctx, id)
}

// RemoteActorByAPID returns an actor by its ActivityPub id.
func (s *Store) RemoteActorByAPID(ctx context.Context, apID string) (*RemoteActor, error) {
	return scanRemoteActor(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+remoteActorColumns+` FROM remote_actors WHERE ap_id = ?`), apID))
}

// RemoteActorByID returns an actor by primary key.
func (s *Store) RemoteActorByID(ctx context.Context, id int64) (*RemoteActor, error) {
	return scanRemoteActor(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+remoteActorColumns+` FROM remote_actors WHERE id = ?`), id))
}

// TouchRemoteActor refreshes fetched_at without changing profile data. Used
// when a re-fetch fails transiently and the stale row is served instead.
func (s *Store) TouchRemoteActor(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE remote_actors SET fetched_at = ? WHERE id = ?`), at.Unix(), id)
	return err
}

// DeleteRemoteActor removes the cached actor row.
func (s *Store) DeleteRemoteActor(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM remote_actors WHERE id = ?`), id)
	return err
}
