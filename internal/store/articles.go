package store

import (
	"context"
	"database/sql"
	"time"
)

// Article is a post. Exactly one of UserID / RemoteActorID is set.
// Soft-deleted articles (DeletedAt set) are hidden from listings but retained
// so a replayed federation Delete stays idempotent.
type Article struct {
	ID            int64
	Title         string
	Body          string
	BodyHTML      string
	Slug          string
	Pinned        bool
	Locked        bool
	Forwardable   bool
	DeletedAt     *time.Time
	UserID        *int64
	RemoteActorID *int64
	APID          string
	PublishedAt   time.Time
	UpdatedAt     *time.Time
	CommentCount  int
	LikeCount     int
}

const articleColumns = `id, title, body, body_html, slug, pinned, locked, forwardable,
	deleted_at, user_id, remote_actor_id, ap_id, published_at, updated_at, comment_count, like_count`

func scanArticle(row interface{ Scan(...any) error }) (*Article, error) {
	var (
		a                         Article
		pinned, locked, forward   int
		deleted, updated          sql.NullInt64
		userID, remoteID          sql.NullInt64
		apID                      sql.NullString
		published                 int64
	)
	err := row.Scan(&a.ID, &a.Title, &a.Body, &a.BodyHTML, &a.Slug, &pinned, &locked,
		&forward, &deleted, &userID, &remoteID, &apID, &published, &updated,
		&a.CommentCount, &a.LikeCount)
	if err != nil {
		return nil, mapErr(err)
	}
	a.Pinned = pinned != 0
	a.Locked = locked != 0
	a.Forwardable = forward != 0
	a.DeletedAt = timePtr(deleted)
	a.UserID = i64Ptr(userID)
	a.RemoteActorID = i64Ptr(remoteID)
	a.APID = strVal(apID)
	a.PublishedAt = timeVal(published)
	a.UpdatedAt = timePtr(updated)
	return &a, nil
}

// CreateArticle inserts an article and links it to boards in one transaction.
func (s *Store) CreateArticle(ctx context.Context, a *Article, boardIDs []int64) (*Article, error) {
	var id int64
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		args := []any{a.Title, a.Body, a.BodyHTML, a.Slug, boolInt(a.Pinned), boolInt(a.Locked),
			boolInt(a.Forwardable), nullI64(a.UserID), nullI64(a.RemoteActorID),
			nullStr(a.APID), a.PublishedAt.Unix(), a.Title + " " + a.Body}
		if s.driver == "postgres" {
			if err := tx.QueryRowContext(ctx, s.q(
				`INSERT INTO articles (title, body, body_html, slug, pinned, locked, forwardable, user_id, remote_actor_id, ap_id, published_at, search_text)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`), args...).Scan(&id); err != nil {
				return mapErr(err)
			}
		} else {
			res, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO articles (title, body, body_html, slug, pinned, locked, forwardable, user_id, remote_actor_id, ap_id, published_at, search_text)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
			if err != nil {
				return mapErr(err)
			}
			id, _ = res.LastInsertId()
		}
		for _, boardID := range boardIDs {
			if _, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO article_boards (article_id, board_id) VALUES (?, ?)`), id, boardID); err != nil && !isDuplicate(err) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.ArticleByID(ctx, id)
}

// ArticleByID returns an article by primary key, including soft-deleted rows.
func (s *Store) ArticleByID(ctx context.Context, id int64) (*Article, error) {
	return scanArticle(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+articleColumns+` FROM articles WHERE id = ?`), id))
}

// ArticleBySlug returns a visible article by slug.
func (s *Store) ArticleBySlug(ctx context.Context, slug string) (*Article, error) {
	return scanArticle(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+articleColumns+` FROM articles WHERE slug = ? AND deleted_at IS NULL`), slug))
}

// ArticleByAPID returns an article by its ActivityPub id, including
// soft-deleted rows (Delete idempotence, cross-post dedup).
func (s *Store) ArticleByAPID(ctx context.Context, apID string) (*Article, error) {
	return scanArticle(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+articleColumns+` FROM articles WHERE ap_id = ?`), apID))
}

// LinkArticleBoards adds the article to additional boards; existing links are
// kept (cross-post dedup on replay).
func (s *Store) LinkArticleBoards(ctx context.Context, articleID int64, boardIDs []int64) error {
	for _, boardID := range boardIDs {
		_, err := s.db.ExecContext(ctx, s.q(
			`INSERT INTO article_boards (article_id, board_id) VALUES (?, ?)`), articleID, boardID)
		if err != nil && !isDuplicate(err) {
			return err
		}
	}
	return nil
}

// BoardIDsForArticle returns the boards an article is posted to.
func (s *Store) BoardIDsForArticle(ctx context.Context, articleID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT board_id FROM article_boards WHERE article_id = ?`), articleID)
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

// UpdateArticleContent replaces the mutable content fields and stamps updated_at.
func (s *Store) UpdateArticleContent(ctx context.Context, id int64, title, body, bodyHTML string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE articles SET title = ?, body = ?, body_html = ?, search_text = ?, updated_at = ?
		 WHERE id = ?`),
		title, body, bodyHTML, title+" "+body, time.Now().Unix(), id)
	return err
}

// SetArticleFlags updates the pinned and locked moderation flags.
func (s *Store) SetArticleFlags(ctx context.Context, id int64, pinned, locked bool) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE articles SET pinned = ?, locked = ? WHERE id = ?`),
		boolInt(pinned), boolInt(locked), id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteArticle hides an article from all listings. The row survives for
// Delete idempotence.
func (s *Store) SoftDeleteArticle(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE articles SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`),
		time.Now().Unix(), id)
	return err
}

// SoftDeleteArticlesByRemoteActor bulk-deletes everything attributed to a
// remote actor (Delete(Actor) propagation).
func (s *Store) SoftDeleteArticlesByRemoteActor(ctx context.Context, remoteActorID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE articles SET deleted_at = ? WHERE remote_actor_id = ? AND deleted_at IS NULL`),
		time.Now().Unix(), remoteActorID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ArticlesByBoard lists visible articles in a board, pinned first, newest next.
func (s *Store) ArticlesByBoard(ctx context.Context, boardID int64, limit, offset int) ([]*Article, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM articles a
		 JOIN article_boards ab ON ab.article_id = a.id
		 WHERE ab.board_id = ? AND a.deleted_at IS NULL`), boardID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+prefixedArticleColumns("a")+` FROM articles a
		 JOIN article_boards ab ON ab.article_id = a.id
		 WHERE ab.board_id = ? AND a.deleted_at IS NULL
		 ORDER BY a.pinned DESC, a.published_at DESC LIMIT ? OFFSET ?`),
		boardID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	articles, err := collectArticles(rows)
	return articles, total, err
}

// ArticlesByUser lists visible articles by a local author, newest first.
func (s *Store) ArticlesByUser(ctx context.Context, userID int64, limit, offset int) ([]*Article, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM articles WHERE user_id = ? AND deleted_at IS NULL`), userID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+articleColumns+` FROM articles
		 WHERE user_id = ? AND deleted_at IS NULL
		 ORDER BY published_at DESC LIMIT ? OFFSET ?`), userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	articles, err := collectArticles(rows)
	return articles, total, err
}

// SearchArticles runs a naive substring search over the search_text column.
func (s *Store) SearchArticles(ctx context.Context, query string, limit, offset int) ([]*Article, int, error) {
	like := "%" + query + "%"
	var total int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM articles WHERE deleted_at IS NULL AND search_text LIKE ?`), like).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+articleColumns+` FROM articles
		 WHERE deleted_at IS NULL AND search_text LIKE ?
		 ORDER BY published_at DESC LIMIT ? OFFSET ?`), like, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	articles, err := collectArticles(rows)
	return articles, total, err
}

// CountLocalArticles counts visible local posts, for NodeInfo usage stats.
func (s *Store) CountLocalArticles(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM articles WHERE user_id IS NOT NULL AND deleted_at IS NULL`).Scan(&n)
	return n, err
}

// ─── Likes and Announces ──────────────────────────────────────────────────────

// InsertArticleLike records a like. Duplicate likes from the same actor map
// to ErrDuplicate.
func (s *Store) InsertArticleLike(ctx context.Context, articleID int64, userID, remoteActorID *int64, apID string) error {
	err := s.execInsert(ctx,
		`INSERT INTO article_likes (article_id, user_id, remote_actor_id, ap_id, inserted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		articleID, nullI64(userID), nullI64(remoteActorID), nullStr(apID), time.Now().Unix())
	if err == nil {
		_, _ = s.db.ExecContext(ctx,
			s.q(`UPDATE articles SET like_count = like_count + 1 WHERE id = ?`), articleID)
	}
	return err
}

// DeleteArticleLike removes a like scoped by (ap_id, remote_actor_id) so a
// spoofed Undo cannot revoke someone else's like.
func (s *Store) DeleteArticleLike(ctx context.Context, apID string, remoteActorID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM article_likes WHERE ap_id = ? AND remote_actor_id = ?`), apID, remoteActorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertAnnounce records an Announce of a local object.
func (s *Store) InsertAnnounce(ctx context.Context, apID string, remoteActorID int64, objectAPID string) error {
	return s.execInsert(ctx,
		`INSERT INTO announces (ap_id, remote_actor_id, object_ap_id, inserted_at) VALUES (?, ?, ?, ?)`,
		apID, remoteActorID, objectAPID, time.Now().Unix())
}

// DeleteAnnounce removes an Announce scoped by (ap_id, remote_actor_id).
func (s *Store) DeleteAnnounce(ctx context.Context, apID string, remoteActorID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM announces WHERE ap_id = ? AND remote_actor_id = ?`), apID, remoteActorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) execInsert(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.q(query), args...)
	return mapErr(err)
}

func prefixedArticleColumns(alias string) string {
	return alias + ".id, " + alias + ".title, " + alias + ".body, " + alias + ".body_html, " +
		alias + ".slug, " + alias + ".pinned, " + alias + ".locked, " + alias + ".forwardable, " +
		alias + ".deleted_at, " + alias + ".user_id, " + alias + ".remote_actor_id, " +
		alias + ".ap_id, " + alias + ".published_at, " + alias + ".updated_at, " +
		alias + ".comment_count, " + alias + ".like_count"
}

func collectArticles(rows *sql.Rows) ([]*Article, error) {
	defer rows.Close()
	var out []*Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
