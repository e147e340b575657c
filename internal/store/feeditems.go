package store

import (
	"context"
	"database/sql"
	"time"
)

// FeedItem is a remote article materialized into a follower's home feed
// source. The raw article JSON is kept so rendering needs no refetch.
type FeedItem struct {
	ID            int64
	APID          string
	RemoteActorID int64
	Article       string
	PublishedAt   time.Time
	DeletedAt     *time.Time
}

const feedItemColumns = `id, ap_id, remote_actor_id, article, published_at, deleted_at`

func scanFeedItem(row interface{ Scan(...any) error }) (*FeedItem, error) {
	var (
		f         FeedItem
		published int64
		deleted   sql.NullInt64
	)
	err := row.Scan(&f.ID, &f.APID, &f.RemoteActorID, &f.Article, &published, &deleted)
	if err != nil {
		return nil, mapErr(err)
	}
	f.PublishedAt = timeVal(published)
	f.DeletedAt = timePtr(deleted)
	return &f, nil
}

// UpsertFeedItem stores a remote article keyed by ap_id. A replayed Create
// refreshes the payload instead of duplicating the row.
func (s *Store) UpsertFeedItem(ctx context.Context, f *FeedItem) error {
	err := s.execInsert(ctx,
		`INSERT INTO feed_items (ap_id, remote_actor_id, article, published_at)
		 VALUES (?, ?, ?, ?)`,
		f.APID, f.RemoteActorID, f.Article, f.PublishedAt.Unix())
	if err == ErrDuplicate {
		_, err = s.db.ExecContext(ctx, s.q(
			`UPDATE feed_items SET article = ?, published_at = ?, deleted_at = NULL WHERE ap_id = ?`),
			f.Article, f.PublishedAt.Unix(), f.APID)
	}
	return err
}

// SoftDeleteFeedItemByAPID hides a remote article after an inbound Delete.
func (s *Store) SoftDeleteFeedItemByAPID(ctx context.Context, apID string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE feed_items SET deleted_at = ? WHERE ap_id = ? AND deleted_at IS NULL`),
		time.Now().Unix(), apID)
	return err
}

// SoftDeleteFeedItemsByRemoteActor hides everything from a deleted actor.
func (s *Store) SoftDeleteFeedItemsByRemoteActor(ctx context.Context, remoteActorID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE feed_items SET deleted_at = ? WHERE remote_actor_id = ? AND deleted_at IS NULL`),
		time.Now().Unix(), remoteActorID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Feed queries never surface content from authors the viewer has blocked or
// muted. Each fragment consumes two viewer-id args.
const (
	blockedLocalAuthors = `SELECT target_user_id FROM user_blocks WHERE user_id = ? AND target_user_id IS NOT NULL
		 UNION SELECT target_user_id FROM user_mutes WHERE user_id = ? AND target_user_id IS NOT NULL`
	blockedRemoteAuthors = `SELECT target_remote_actor_id FROM user_blocks WHERE user_id = ? AND target_remote_actor_id IS NOT NULL
		 UNION SELECT target_remote_actor_id FROM user_mutes WHERE user_id = ? AND target_remote_actor_id IS NOT NULL`
)

// FeedItemsByActors pages visible remote articles from a set of followed
// actors, newest first, minus actors the viewer has blocked or muted. An
// empty actor set yields no rows.
func (s *Store) FeedItemsByActors(ctx context.Context, viewerID int64, actorIDs []int64, limit int) ([]*FeedItem, error) {
	if len(actorIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + feedItemColumns + ` FROM feed_items
		 WHERE deleted_at IS NULL AND remote_actor_id IN (` + placeholders(len(actorIDs)) + `)
		 AND remote_actor_id NOT IN (` + blockedRemoteAuthors + `)
		 ORDER BY published_at DESC, id DESC LIMIT ?`
	args := make([]any, 0, len(actorIDs)+3)
	for _, id := range actorIDs {
		args = append(args, id)
	}
	args = append(args, viewerID, viewerID, limit)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*FeedItem
	for rows.Next() {
		f, err := scanFeedItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFeedItemsByActors counts visible remote articles from a set of actors.
func (s *Store) CountFeedItemsByActors(ctx context.Context, viewerID int64, actorIDs []int64) (int, error) {
	if len(actorIDs) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM feed_items
		 WHERE deleted_at IS NULL AND remote_actor_id IN (` + placeholders(len(actorIDs)) + `)
		 AND remote_actor_id NOT IN (` + blockedRemoteAuthors + `)`
	args := make([]any, 0, len(actorIDs)+2)
	for _, id := range actorIDs {
		args = append(args, id)
	}
	args = append(args, viewerID, viewerID)
	var n int
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n)
	return n, err
}

// ArticlesByUsers pages visible local articles from a set of users, newest
// first, minus authors the viewer has blocked or muted. Feed merge fetches
// from here alongside feed_items.
func (s *Store) ArticlesByUsers(ctx context.Context, viewerID int64, userIDs []int64, limit int) ([]*Article, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + articleColumns + ` FROM articles
		 WHERE deleted_at IS NULL AND user_id IN (` + placeholders(len(userIDs)) + `)
		 AND user_id NOT IN (` + blockedLocalAuthors + `)
		 ORDER BY published_at DESC, id DESC LIMIT ?`
	args := make([]any, 0, len(userIDs)+3)
	for _, id := range userIDs {
		args = append(args, id)
	}
	args = append(args, viewerID, viewerID, limit)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	return collectArticles(rows)
}

// CountArticlesByUsers counts visible local articles from a set of users.
func (s *Store) CountArticlesByUsers(ctx context.Context, viewerID int64, userIDs []int64) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM articles
		 WHERE deleted_at IS NULL AND user_id IN (` + placeholders(len(userIDs)) + `)
		 AND user_id NOT IN (` + blockedLocalAuthors + `)`
	args := make([]any, 0, len(userIDs)+2)
	for _, id := range userIDs {
		args = append(args, id)
	}
	args = append(args, viewerID, viewerID)
	var n int
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n)
	return n, err
}

// Board articles can carry either a local or a remote author, so both halves
// of the block/mute filter apply. The coalesce keeps NULL author columns from
// knocking rows out of a NOT IN.
const boardAuthorFilter = ` AND coalesce(a.user_id, 0) NOT IN (` + blockedLocalAuthors + `)
		 AND coalesce(a.remote_actor_id, 0) NOT IN (` + blockedRemoteAuthors + `)`

// ArticlesByBoards pages visible articles across a set of boards, newest
// first, distinct across cross-posts.
func (s *Store) ArticlesByBoards(ctx context.Context, viewerID int64, boardIDs []int64, limit int) ([]*Article, error) {
	if len(boardIDs) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT ` + prefixedArticleColumns("a") + ` FROM articles a
		 JOIN article_boards ab ON ab.article_id = a.id
		 WHERE a.deleted_at IS NULL AND ab.board_id IN (` + placeholders(len(boardIDs)) + `)` +
		boardAuthorFilter + `
		 ORDER BY a.published_at DESC, a.id DESC LIMIT ?`
	args := make([]any, 0, len(boardIDs)+5)
	for _, id := range boardIDs {
		args = append(args, id)
	}
	args = append(args, viewerID, viewerID, viewerID, viewerID, limit)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	return collectArticles(rows)
}

// CountArticlesByBoards counts distinct visible articles across boards.
func (s *Store) CountArticlesByBoards(ctx context.Context, viewerID int64, boardIDs []int64) (int, error) {
	if len(boardIDs) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(DISTINCT a.id) FROM articles a
		 JOIN article_boards ab ON ab.article_id = a.id
		 WHERE a.deleted_at IS NULL AND ab.board_id IN (` + placeholders(len(boardIDs)) + `)` +
		boardAuthorFilter
	args := make([]any, 0, len(boardIDs)+4)
	for _, id := range boardIDs {
		args = append(args, id)
	}
	args = append(args, viewerID, viewerID, viewerID, viewerID)
	var n int
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n)
	return n, err
}

// threadCommentsWhere selects visible comments on threads the user takes part
// in: articles they authored or previously commented on. The user's own
// comments and those from blocked or muted commenters are left out. Consumes
// seven args: userID x3, then viewerID x4.
const threadCommentsWhere = ` FROM comments
	 WHERE deleted_at IS NULL
	 AND article_id IN (
		SELECT a.id FROM articles a WHERE a.deleted_at IS NULL
		 AND (a.user_id = ? OR a.id IN (SELECT article_id FROM comments WHERE user_id = ?)))
	 AND coalesce(user_id, 0) <> ?
	 AND coalesce(user_id, 0) NOT IN (` + blockedLocalAuthors + `)
	 AND coalesce(remote_actor_id, 0) NOT IN (` + blockedRemoteAuthors + `)`

// CommentsOnUserThreads pages the newest comments on the user's threads for
// the home feed.
func (s *Store) CommentsOnUserThreads(ctx context.Context, userID int64, limit int) ([]*Comment, error) {
	query := `SELECT ` + commentColumns + threadCommentsWhere + `
		 ORDER BY inserted_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.q(query),
		userID, userID, userID, userID, userID, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectComments(rows)
}

// CountCommentsOnUserThreads counts the comments CommentsOnUserThreads pages.
func (s *Store) CountCommentsOnUserThreads(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*)`+threadCommentsWhere),
		userID, userID, userID, userID, userID, userID, userID).Scan(&n)
	return n, err
}

// placeholders builds "?, ?, ?" for an IN clause; q() rewrites them later.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',', ' ')
		}
		b = append(b, '?')
	}
	return string(b)
}
