package store

import (
	"context"
	"database/sql"
	"time"
)

// Comment is a hierarchical reply on an article.
type Comment struct {
	ID            int64
	Body          string
	BodyHTML      string
	ParentID      *int64
	ArticleID     int64
	UserID        *int64
	RemoteActorID *int64
	APID          string
	DeletedAt     *time.Time
	InsertedAt    time.Time
}

const commentColumns = `id, body, body_html, parent_id, article_id, user_id, remote_actor_id, ap_id, deleted_at, inserted_at`

func scanComment(row interface{ Scan(...any) error }) (*Comment, error) {
	var (
		c                Comment
		parent           sql.NullInt64
		userID, remoteID sql.NullInt64
		apID             sql.NullString
		deleted          sql.NullInt64
		inserted         int64
	)
	err := row.Scan(&c.ID, &c.Body, &c.BodyHTML, &parent, &c.ArticleID,
		&userID, &remoteID, &apID, &deleted, &inserted)
	if err != nil {
		return nil, mapErr(err)
	}
	c.ParentID = i64Ptr(parent)
	c.UserID = i64Ptr(userID)
	c.RemoteActorID = i64Ptr(remoteID)
	c.APID = strVal(apID)
	c.DeletedAt = timePtr(deleted)
	c.InsertedAt = timeVal(inserted)
	return &c, nil
}

// CreateComment inserts a comment and bumps the article's comment count in
// one transaction.
func (s *Store) CreateComment(ctx context.Context, c *Comment) (*Comment, error) {
	var id int64
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		args := []any{c.Body, c.BodyHTML, nullI64(c.ParentID), c.ArticleID,
			nullI64(c.UserID), nullI64(c.RemoteActorID), nullStr(c.APID), time.Now().Unix()}
		if s.driver == "postgres" {
			if err := tx.QueryRowContext(ctx, s.q(
				`INSERT INTO comments (body, body_html, parent_id, article_id, user_id, remote_actor_id, ap_id, inserted_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`), args...).Scan(&id); err != nil {
				return mapErr(err)
			}
		} else {
			res, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO comments (body, body_html, parent_id, article_id, user_id, remote_actor_id, ap_id, inserted_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`), args...)
			if err != nil {
				return mapErr(err)
			}
			id, _ = res.LastInsertId()
		}
		_, err := tx.ExecContext(ctx,
			s.q(`UPDATE articles SET comment_count = comment_count + 1 WHERE id = ?`), c.ArticleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.CommentByID(ctx, id)
}

// CommentByID returns a comment by primary key.
func (s *Store) CommentByID(ctx context.Context, id int64) (*Comment, error) {
	return scanComment(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+commentColumns+` FROM comments WHERE id = ?`), id))
}

// CommentByAPID returns a comment by its ActivityPub id, including
// soft-deleted rows.
func (s *Store) CommentByAPID(ctx context.Context, apID string) (*Comment, error) {
	return scanComment(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+commentColumns+` FROM comments WHERE ap_id = ?`), apID))
}

// CommentsForArticle lists visible comments ordered by inserted_at. Clients
// tolerate reordering between racing inserts on refetch.
func (s *Store) CommentsForArticle(ctx context.Context, articleID int64, limit, offset int) ([]*Comment, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM comments WHERE article_id = ? AND deleted_at IS NULL`), articleID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+commentColumns+` FROM comments
		 WHERE article_id = ? AND deleted_at IS NULL
		 ORDER BY inserted_at, id LIMIT ? OFFSET ?`), articleID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	comments, err := collectComments(rows)
	return comments, total, err
}

// CommentTree returns a parent → children adjacency map for an article's
// visible comments. Rendering walks the map; nothing here recurses.
func (s *Store) CommentTree(ctx context.Context, articleID int64) (map[int64][]*Comment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+commentColumns+` FROM comments
		 WHERE article_id = ? AND deleted_at IS NULL ORDER BY inserted_at, id`), articleID)
	if err != nil {
		return nil, err
	}
	comments, err := collectComments(rows)
	if err != nil {
		return nil, err
	}
	tree := make(map[int64][]*Comment)
	for _, c := range comments {
		var parent int64
		if c.ParentID != nil {
			parent = *c.ParentID
		}
		tree[parent] = append(tree[parent], c)
	}
	return tree, nil
}

// CommentDepth walks up the parent chain, stopping at maxDepth. Used for
// notification gating; the walk is bounded, never recursive.
func (s *Store) CommentDepth(ctx context.Context, commentID int64, maxDepth int) (int, error) {
	depth := 0
	current := commentID
	for depth < maxDepth {
		var parent sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			s.q(`SELECT parent_id FROM comments WHERE id = ?`), current).Scan(&parent)
		if err != nil {
			return depth, mapErr(err)
		}
		if !parent.Valid {
			return depth, nil
		}
		current = parent.Int64
		depth++
	}
	return depth, nil
}

// UpdateCommentContent replaces a comment's body.
func (s *Store) UpdateCommentContent(ctx context.Context, id int64, body, bodyHTML string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE comments SET body = ?, body_html = ? WHERE id = ?`), body, bodyHTML, id)
	return err
}

// SoftDeleteComment hides a comment and decrements the article counter.
func (s *Store) SoftDeleteComment(ctx context.Context, id int64) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE comments SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`),
			time.Now().Unix(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // already deleted; keep idempotent
		}
		_, err = tx.ExecContext(ctx, s.q(
			`UPDATE articles SET comment_count = comment_count - 1
			 WHERE id = (SELECT article_id FROM comments WHERE id = ?) AND comment_count > 0`), id)
		return err
	})
}

// SoftDeleteCommentsByRemoteActor bulk-deletes a remote actor's comments.
func (s *Store) SoftDeleteCommentsByRemoteActor(ctx context.Context, remoteActorID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE comments SET deleted_at = ? WHERE remote_actor_id = ? AND deleted_at IS NULL`),
		time.Now().Unix(), remoteActorID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectComments(rows *sql.Rows) ([]*Comment, error) {
	defer rows.Close()
	var out []*Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
