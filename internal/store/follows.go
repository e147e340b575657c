package store

import (
	"context"
	"database/sql"
	"time"
)

// FollowState is the lifecycle of a follow relationship. The last Accept or
// Reject received wins; an Undo deletes the row outright.
type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
	FollowRejected FollowState = "rejected"
)

// Follower is an inbound follow from a remote actor onto a local user or
// board. Exactly one of UserID / BoardID is set.
type Follower struct {
	ID            int64
	RemoteActorID int64
	UserID        *int64
	BoardID       *int64
	APID          string
	State         FollowState
	InsertedAt    time.Time
}

// UserFollow is a local user following another account. Exactly one of
// RemoteActorID / FollowedUserID is set.
type UserFollow struct {
	ID             int64
	UserID         int64
	RemoteActorID  *int64
	FollowedUserID *int64
	APID           string
	State          FollowState
	InsertedAt     time.Time
}

// BoardFollow is a local user following a board, local or remote.
type BoardFollow struct {
	ID            int64
	UserID        int64
	BoardID       *int64
	RemoteActorID *int64
	APID          string
	State         FollowState
	InsertedAt    time.Time
}

// ─── Inbound followers ────────────────────────────────────────────────────────

const followerColumns = `id, remote_actor_id, user_id, board_id, ap_id, state, inserted_at`

func scanFollower(row interface{ Scan(...any) error }) (*Follower, error) {
	var (
		f                Follower
		userID, boardID  sql.NullInt64
		inserted         int64
	)
	err := row.Scan(&f.ID, &f.RemoteActorID, &userID, &boardID, &f.APID, &f.State, &inserted)
	if err != nil {
		return nil, mapErr(err)
	}
	f.UserID = i64Ptr(userID)
	f.BoardID = i64Ptr(boardID)
	f.InsertedAt = timeVal(inserted)
	return &f, nil
}

// InsertFollower records an inbound follow. A repeat follow from the same
// actor onto the same target maps to ErrDuplicate.
func (s *Store) InsertFollower(ctx context.Context, f *Follower) error {
	return s.execInsert(ctx,
		`INSERT INTO followers (remote_actor_id, user_id, board_id, ap_id, state, inserted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.RemoteActorID, nullI64(f.UserID), nullI64(f.BoardID), f.APID,
		string(f.State), time.Now().Unix())
}

// FollowerByAPID returns a follower row by the Follow activity's id.
func (s *Store) FollowerByAPID(ctx context.Context, apID string) (*Follower, error) {
	return scanFollower(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+followerColumns+` FROM followers WHERE ap_id = ?`), apID))
}

// FollowerByTarget returns the follow from a remote actor onto a target.
func (s *Store) FollowerByTarget(ctx context.Context, remoteActorID int64, userID, boardID *int64) (*Follower, error) {
	return scanFollower(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+followerColumns+` FROM followers
		 WHERE remote_actor_id = ? AND coalesce(user_id, 0) = ? AND coalesce(board_id, 0) = ?`),
		remoteActorID, zeroI64(userID), zeroI64(boardID)))
}

// SetFollowerState records a decision on a follow. A later Accept or Reject
// overwrites an earlier one. ErrNotFound if the row is missing.
func (s *Store) SetFollowerState(ctx context.Context, id int64, state FollowState) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE followers SET state = ? WHERE id = ?`), string(state), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFollower removes a follow (Undo(Follow) or actor deletion).
func (s *Store) DeleteFollower(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM followers WHERE id = ?`), id)
	return err
}

// DeleteFollowersForRemoteActor removes all follows from a remote actor.
func (s *Store) DeleteFollowersForRemoteActor(ctx context.Context, remoteActorID int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM followers WHERE remote_actor_id = ?`), remoteActorID)
	return err
}

// FollowerInboxes returns the distinct delivery inboxes of accepted followers
// for a target, preferring each actor's shared inbox.
func (s *Store) FollowerInboxes(ctx context.Context, userID, boardID *int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT DISTINCT coalesce(ra.shared_inbox, ra.inbox)
		 FROM followers f JOIN remote_actors ra ON ra.id = f.remote_actor_id
		 WHERE f.state = 'accepted'
		   AND coalesce(f.user_id, 0) = ? AND coalesce(f.board_id, 0) = ?`),
		zeroI64(userID), zeroI64(boardID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		if inbox != "" {
			out = append(out, inbox)
		}
	}
	return out, rows.Err()
}

// AcceptedFollowers lists accepted followers of a target, newest first.
func (s *Store) AcceptedFollowers(ctx context.Context, userID, boardID *int64, limit, offset int) ([]*Follower, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM followers
		 WHERE state = 'accepted' AND coalesce(user_id, 0) = ? AND coalesce(board_id, 0) = ?`),
		zeroI64(userID), zeroI64(boardID)).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+followerColumns+` FROM followers
		 WHERE state = 'accepted' AND coalesce(user_id, 0) = ? AND coalesce(board_id, 0) = ?
		 ORDER BY inserted_at DESC, id DESC LIMIT ? OFFSET ?`),
		zeroI64(userID), zeroI64(boardID), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Follower
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

// PendingFollowersForBoard lists follows awaiting a moderator decision.
func (s *Store) PendingFollowersForBoard(ctx context.Context, boardID int64) ([]*Follower, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+followerColumns+` FROM followers
		 WHERE board_id = ? AND state = 'pending' ORDER BY inserted_at`), boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Follower
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ─── Outbound user follows ────────────────────────────────────────────────────

const userFollowColumns = `id, user_id, remote_actor_id, followed_user_id, ap_id, state, inserted_at`

func scanUserFollow(row interface{ Scan(...any) error }) (*UserFollow, error) {
	var (
		f                  UserFollow
		remoteID, followed sql.NullInt64
		apID               sql.NullString
		inserted           int64
	)
	err := row.Scan(&f.ID, &f.UserID, &remoteID, &followed, &apID, &f.State, &inserted)
	if err != nil {
		return nil, mapErr(err)
	}
	f.RemoteActorID = i64Ptr(remoteID)
	f.FollowedUserID = i64Ptr(followed)
	f.APID = strVal(apID)
	f.InsertedAt = timeVal(inserted)
	return &f, nil
}

// InsertUserFollow records an outbound follow by a local user.
func (s *Store) InsertUserFollow(ctx context.Context, f *UserFollow) error {
	return s.execInsert(ctx,
		`INSERT INTO user_follows (user_id, remote_actor_id, followed_user_id, ap_id, state, inserted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.UserID, nullI64(f.RemoteActorID), nullI64(f.FollowedUserID),
		nullStr(f.APID), string(f.State), time.Now().Unix())
}

// UserFollowByAPID resolves a Follow activity id back to the pending row, for
// matching inbound Accept/Reject.
func (s *Store) UserFollowByAPID(ctx context.Context, apID string) (*UserFollow, error) {
	return scanUserFollow(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+userFollowColumns+` FROM user_follows WHERE ap_id = ?`), apID))
}

// SetUserFollowState records the remote side's decision on an outbound
// follow. A later Accept or Reject overwrites an earlier one.
func (s *Store) SetUserFollowState(ctx context.Context, id int64, state FollowState) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE user_follows SET state = ? WHERE id = ?`), string(state), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUserFollow removes an outbound follow (local unfollow → Undo).
func (s *Store) DeleteUserFollow(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM user_follows WHERE id = ?`), id)
	return err
}

// UserFollowByTarget returns the follow row from a user onto a target.
func (s *Store) UserFollowByTarget(ctx context.Context, userID int64, remoteActorID, followedUserID *int64) (*UserFollow, error) {
	return scanUserFollow(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+userFollowColumns+` FROM user_follows
		 WHERE user_id = ? AND coalesce(remote_actor_id, 0) = ? AND coalesce(followed_user_id, 0) = ?`),
		userID, zeroI64(remoteActorID), zeroI64(followedUserID)))
}

// FollowedRemoteActorIDs returns the remote actors a user follows with an
// accepted state. The feed materializer reads remote content from them.
func (s *Store) FollowedRemoteActorIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.collectIDs(ctx, s.q(
		`SELECT remote_actor_id FROM user_follows
		 WHERE user_id = ? AND state = 'accepted' AND remote_actor_id IS NOT NULL`), userID)
}

// FollowersOfRemoteActor returns the local users with an accepted follow on
// a remote actor, for feed fanout.
func (s *Store) FollowersOfRemoteActor(ctx context.Context, remoteActorID int64) ([]int64, error) {
	return s.collectIDs(ctx, s.q(
		`SELECT user_id FROM user_follows
		 WHERE remote_actor_id = ? AND state = 'accepted'`), remoteActorID)
}

// LocalFollowedUserIDs returns the local users a user follows.
func (s *Store) LocalFollowedUserIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.collectIDs(ctx, s.q(
		`SELECT followed_user_id FROM user_follows
		 WHERE user_id = ? AND state = 'accepted' AND followed_user_id IS NOT NULL`), userID)
}

// MoveUserFollows repoints follows from an old remote actor to its Move
// target. Follows that would collide with an existing row are dropped.
func (s *Store) MoveUserFollows(ctx context.Context, oldRemoteActorID, newRemoteActorID int64) (int64, error) {
	var moved int64
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(
			`SELECT id FROM user_follows WHERE remote_actor_id = ?`), oldRemoteActorID)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, s.q(
				`UPDATE user_follows SET remote_actor_id = ? WHERE id = ?`), newRemoteActorID, id)
			if err != nil {
				if isDuplicate(err) {
					// Already following the new actor; drop the stale row.
					if _, derr := tx.ExecContext(ctx, s.q(
						`DELETE FROM user_follows WHERE id = ?`), id); derr != nil {
						return derr
					}
					continue
				}
				return err
			}
			moved++
		}
		return nil
	})
	return moved, err
}

// ─── Board follows ────────────────────────────────────────────────────────────

const boardFollowColumns = `id, user_id, board_id, remote_actor_id, ap_id, state, inserted_at`

func scanBoardFollow(row interface{ Scan(...any) error }) (*BoardFollow, error) {
	var (
		f                 BoardFollow
		boardID, remoteID sql.NullInt64
		apID              sql.NullString
		inserted          int64
	)
	err := row.Scan(&f.ID, &f.UserID, &boardID, &remoteID, &apID, &f.State, &inserted)
	if err != nil {
		return nil, mapErr(err)
	}
	f.BoardID = i64Ptr(boardID)
	f.RemoteActorID = i64Ptr(remoteID)
	f.APID = strVal(apID)
	f.InsertedAt = timeVal(inserted)
	return &f, nil
}

// InsertBoardFollow records a user following a board. Local board follows are
// accepted immediately; remote ones start pending.
func (s *Store) InsertBoardFollow(ctx context.Context, f *BoardFollow) error {
	return s.execInsert(ctx,
		`INSERT INTO board_follows (user_id, board_id, remote_actor_id, ap_id, state, inserted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.UserID, nullI64(f.BoardID), nullI64(f.RemoteActorID),
		nullStr(f.APID), string(f.State), time.Now().Unix())
}

// BoardFollowByAPID resolves a Follow activity id for inbound Accept/Reject.
func (s *Store) BoardFollowByAPID(ctx context.Context, apID string) (*BoardFollow, error) {
	return scanBoardFollow(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+boardFollowColumns+` FROM board_follows WHERE ap_id = ?`), apID))
}

// SetBoardFollowState records a decision on a board follow. A later Accept
// or Reject overwrites an earlier one.
func (s *Store) SetBoardFollowState(ctx context.Context, id int64, state FollowState) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE board_follows SET state = ? WHERE id = ?`), string(state), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBoardFollow removes a board follow.
func (s *Store) DeleteBoardFollow(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM board_follows WHERE id = ?`), id)
	return err
}

// BoardFollowByTarget returns the follow row from a user onto a board target.
func (s *Store) BoardFollowByTarget(ctx context.Context, userID int64, boardID, remoteActorID *int64) (*BoardFollow, error) {
	return scanBoardFollow(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+boardFollowColumns+` FROM board_follows
		 WHERE user_id = ? AND coalesce(board_id, 0) = ? AND coalesce(remote_actor_id, 0) = ?`),
		userID, zeroI64(boardID), zeroI64(remoteActorID)))
}

// FollowedBoardIDs returns the local boards a user follows.
func (s *Store) FollowedBoardIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.collectIDs(ctx, s.q(
		`SELECT board_id FROM board_follows
		 WHERE user_id = ? AND state = 'accepted' AND board_id IS NOT NULL`), userID)
}

// FollowedRemoteBoardActorIDs returns remote group actors a user follows.
func (s *Store) FollowedRemoteBoardActorIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.collectIDs(ctx, s.q(
		`SELECT remote_actor_id FROM board_follows
		 WHERE user_id = ? AND state = 'accepted' AND remote_actor_id IS NOT NULL`), userID)
}

func (s *Store) collectIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func zeroI64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
