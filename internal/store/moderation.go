package store

import (
	"context"
	"database/sql"
	"time"
)

// ReportStatus is the lifecycle of a content report.
type ReportStatus string

const (
	ReportOpen      ReportStatus = "open"
	ReportResolved  ReportStatus = "resolved"
	ReportDismissed ReportStatus = "dismissed"
)

// Report is a user-filed complaint about an article or comment.
type Report struct {
	ID             int64
	ReporterUserID int64
	ArticleID      *int64
	CommentID      *int64
	Reason         string
	Status         ReportStatus
	ResolvedBy     *int64
	ResolvedAt     *time.Time
	InsertedAt     time.Time
}

// ModerationEntry is one row of the append-only moderation log.
type ModerationEntry struct {
	ID         int64
	ActorID    int64
	Action     string
	TargetType string
	TargetID   string
	Details    string
	InsertedAt time.Time
}

const reportColumns = `id, reporter_user_id, article_id, comment_id, reason, status, resolved_by, resolved_at, inserted_at`

func scanReport(row interface{ Scan(...any) error }) (*Report, error) {
	var (
		r                  Report
		articleID, comment sql.NullInt64
		resolvedBy         sql.NullInt64
		resolvedAt         sql.NullInt64
		inserted           int64
	)
	err := row.Scan(&r.ID, &r.ReporterUserID, &articleID, &comment, &r.Reason,
		&r.Status, &resolvedBy, &resolvedAt, &inserted)
	if err != nil {
		return nil, mapErr(err)
	}
	r.ArticleID = i64Ptr(articleID)
	r.CommentID = i64Ptr(comment)
	r.ResolvedBy = i64Ptr(resolvedBy)
	r.ResolvedAt = timePtr(resolvedAt)
	r.InsertedAt = timeVal(inserted)
	return &r, nil
}

// CreateReport files a report in the open state.
func (s *Store) CreateReport(ctx context.Context, r *Report) (*Report, error) {
	args := []any{r.ReporterUserID, nullI64(r.ArticleID), nullI64(r.CommentID),
		r.Reason, time.Now().Unix()}
	var id int64
	var err error
	if s.driver == "postgres" {
		err = s.db.QueryRowContext(ctx, s.q(
			`INSERT INTO reports (reporter_user_id, article_id, comment_id, reason, inserted_at)
			 VALUES (?, ?, ?, ?, ?) RETURNING id`), args...).Scan(&id)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, s.q(
			`INSERT INTO reports (reporter_user_id, article_id, comment_id, reason, inserted_at)
			 VALUES (?, ?, ?, ?, ?)`), args...)
		if err == nil {
			id, _ = res.LastInsertId()
		}
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return s.ReportByID(ctx, id)
}

// ReportByID returns a report by primary key.
func (s *Store) ReportByID(ctx context.Context, id int64) (*Report, error) {
	return scanReport(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+reportColumns+` FROM reports WHERE id = ?`), id))
}

// ReportsByStatus lists reports in a state, oldest open first.
func (s *Store) ReportsByStatus(ctx context.Context, status ReportStatus, limit, offset int) ([]*Report, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM reports WHERE status = ?`), string(status)).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+reportColumns+` FROM reports WHERE status = ?
		 ORDER BY inserted_at, id LIMIT ? OFFSET ?`), string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// ResolveReport moves an open report to resolved or dismissed, stamping who
// decided and when. Decided reports never reopen; ErrNotFound if already
// decided.
func (s *Store) ResolveReport(ctx context.Context, reportID, moderatorID int64, status ReportStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reports SET status = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND status = 'open'`),
		string(status), moderatorID, time.Now().Unix(), reportID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendModerationLog appends one entry. The log has no update or delete
// path anywhere in this package.
func (s *Store) AppendModerationLog(ctx context.Context, e *ModerationEntry) error {
	details := e.Details
	if details == "" {
		details = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO moderation_log (actor_id, action, target_type, target_id, details, inserted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		e.ActorID, e.Action, e.TargetType, e.TargetID, details, time.Now().Unix())
	return err
}

// ModerationLog pages the log, newest first.
func (s *Store) ModerationLog(ctx context.Context, limit, offset int) ([]*ModerationEntry, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM moderation_log`).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, actor_id, action, target_type, target_id, details, inserted_at
		 FROM moderation_log ORDER BY inserted_at DESC, id DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*ModerationEntry
	for rows.Next() {
		var e ModerationEntry
		var inserted int64
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID,
			&e.Details, &inserted); err != nil {
			return nil, 0, err
		}
		e.InsertedAt = timeVal(inserted)
		out = append(out, &e)
	}
	return out, total, rows.Err()
}
