package store

import (
	"context"
	"database/sql"
	"time"
)

// NotificationType enumerates the events a user can be notified about.
type NotificationType string

const (
	NotifyReply     NotificationType = "reply"
	NotifyMention   NotificationType = "mention"
	NotifyLike      NotificationType = "like"
	NotifyFollow    NotificationType = "follow"
	NotifyAnnounce  NotificationType = "announce"
	NotifyModAction NotificationType = "mod_action"
)

// Notification is one in-app notification row. The unique dedup index over
// (user, type, actor, object) makes repeat events collapse at insert time.
type Notification struct {
	ID                 int64
	UserID             int64
	Type               NotificationType
	ActorUserID        *int64
	ActorRemoteActorID *int64
	ArticleID          *int64
	CommentID          *int64
	Data               string
	Read               bool
	InsertedAt         time.Time
}

const notificationColumns = `id, user_id, type, actor_user_id, actor_remote_actor_id,
	article_id, comment_id, data, read, inserted_at`

func scanNotification(row interface{ Scan(...any) error }) (*Notification, error) {
	var (
		n                  Notification
		actorU, actorR     sql.NullInt64
		articleID, comment sql.NullInt64
		read               int
		inserted           int64
	)
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &actorU, &actorR,
		&articleID, &comment, &n.Data, &read, &inserted)
	if err != nil {
		return nil, mapErr(err)
	}
	n.ActorUserID = i64Ptr(actorU)
	n.ActorRemoteActorID = i64Ptr(actorR)
	n.ArticleID = i64Ptr(articleID)
	n.CommentID = i64Ptr(comment)
	n.Read = read != 0
	n.InsertedAt = timeVal(inserted)
	return &n, nil
}

// InsertNotification inserts one notification. A repeat of the same
// (user, type, actor, object) tuple returns ErrDuplicate; callers treat that
// as success.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) (*Notification, error) {
	data := n.Data
	if data == "" {
		data = "{}"
	}
	args := []any{n.UserID, string(n.Type), nullI64(n.ActorUserID), nullI64(n.ActorRemoteActorID),
		nullI64(n.ArticleID), nullI64(n.CommentID), data, time.Now().Unix()}
	var id int64
	var err error
	if s.driver == "postgres" {
		err = s.db.QueryRowContext(ctx, s.q(
			`INSERT INTO notifications (user_id, type, actor_user_id, actor_remote_actor_id, article_id, comment_id, data, inserted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`), args...).Scan(&id)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, s.q(
			`INSERT INTO notifications (user_id, type, actor_user_id, actor_remote_actor_id, article_id, comment_id, data, inserted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`), args...)
		if err == nil {
			id, _ = res.LastInsertId()
		}
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return s.NotificationByID(ctx, id)
}

// NotificationByID returns a notification by primary key.
func (s *Store) NotificationByID(ctx context.Context, id int64) (*Notification, error) {
	return scanNotification(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`), id))
}

// NotificationsForUser lists a user's notifications, newest first.
func (s *Store) NotificationsForUser(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	where := `user_id = ?`
	if unreadOnly {
		where += ` AND read = 0`
	}
	var total int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM notifications WHERE `+where), userID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+notificationColumns+` FROM notifications WHERE `+where+`
		 ORDER BY inserted_at DESC, id DESC LIMIT ? OFFSET ?`), userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

// UnreadNotificationCount returns the badge count.
func (s *Store) UnreadNotificationCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0`), userID).Scan(&n)
	return n, err
}

// MarkNotificationRead marks one notification read, scoped to its owner.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?`), notificationID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllNotificationsRead marks everything read for a user.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0`), userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReapNotifications deletes read notifications older than the cutoff.
func (s *Store) ReapNotifications(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM notifications WHERE read = 1 AND inserted_at < ?`), olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ─── Blocks and mutes ─────────────────────────────────────────────────────────

// InsertUserBlock records a block. Duplicates map to ErrDuplicate.
func (s *Store) InsertUserBlock(ctx context.Context, userID int64, targetUserID, targetRemoteActorID *int64) error {
	return s.execInsert(ctx,
		`INSERT INTO user_blocks (user_id, target_user_id, target_remote_actor_id) VALUES (?, ?, ?)`,
		userID, nullI64(targetUserID), nullI64(targetRemoteActorID))
}

// DeleteUserBlock removes a block.
func (s *Store) DeleteUserBlock(ctx context.Context, userID int64, targetUserID, targetRemoteActorID *int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM user_blocks
		 WHERE user_id = ? AND coalesce(target_user_id, 0) = ? AND coalesce(target_remote_actor_id, 0) = ?`),
		userID, zeroI64(targetUserID), zeroI64(targetRemoteActorID))
	return err
}

// InsertUserMute records a mute. Duplicates map to ErrDuplicate.
func (s *Store) InsertUserMute(ctx context.Context, userID int64, targetUserID, targetRemoteActorID *int64) error {
	return s.execInsert(ctx,
		`INSERT INTO user_mutes (user_id, target_user_id, target_remote_actor_id) VALUES (?, ?, ?)`,
		userID, nullI64(targetUserID), nullI64(targetRemoteActorID))
}

// DeleteUserMute removes a mute.
func (s *Store) DeleteUserMute(ctx context.Context, userID int64, targetUserID, targetRemoteActorID *int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM user_mutes
		 WHERE user_id = ? AND coalesce(target_user_id, 0) = ? AND coalesce(target_remote_actor_id, 0) = ?`),
		userID, zeroI64(targetUserID), zeroI64(targetRemoteActorID))
	return err
}

// IsBlockedOrMuted reports whether a recipient has blocked or muted the acting
// account. Notifications from blocked or muted actors are suppressed.
func (s *Store) IsBlockedOrMuted(ctx context.Context, userID int64, actorUserID, actorRemoteActorID *int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT
		   (SELECT COUNT(*) FROM user_blocks
		    WHERE user_id = ? AND coalesce(target_user_id, 0) = ? AND coalesce(target_remote_actor_id, 0) = ?)
		 + (SELECT COUNT(*) FROM user_mutes
		    WHERE user_id = ? AND coalesce(target_user_id, 0) = ? AND coalesce(target_remote_actor_id, 0) = ?)`),
		userID, zeroI64(actorUserID), zeroI64(actorRemoteActorID),
		userID, zeroI64(actorUserID), zeroI64(actorRemoteActorID)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
