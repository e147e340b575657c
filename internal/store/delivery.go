package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// DeliveryState is the lifecycle of a queued outbound activity.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// DeliveryJob is one signed POST to one remote inbox.
type DeliveryJob struct {
	ID            int64
	Activity      string
	InboxURL      string
	ActorURI      string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	State         DeliveryState
	InsertedAt    time.Time
}

const deliveryColumns = `id, activity, inbox_url, actor_uri, attempts, next_attempt_at, last_error, state, inserted_at`

func scanDeliveryJob(row interface{ Scan(...any) error }) (*DeliveryJob, error) {
	var (
		j        DeliveryJob
		next     int64
		lastErr  sql.NullString
		inserted int64
	)
	err := row.Scan(&j.ID, &j.Activity, &j.InboxURL, &j.ActorURI, &j.Attempts,
		&next, &lastErr, &j.State, &inserted)
	if err != nil {
		return nil, mapErr(err)
	}
	j.NextAttemptAt = timeVal(next)
	j.LastError = strVal(lastErr)
	j.InsertedAt = timeVal(inserted)
	return &j, nil
}

// EnqueueDelivery queues an activity for one inbox, eligible immediately.
func (s *Store) EnqueueDelivery(ctx context.Context, activity, inboxURL, actorURI string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO delivery_jobs (activity, inbox_url, actor_uri, next_attempt_at, state, inserted_at)
		 VALUES (?, ?, ?, ?, 'pending', ?)`),
		activity, inboxURL, actorURI, now, now)
	return err
}

// ClaimDeliveryJobs atomically picks up to limit due jobs and bumps their
// next_attempt_at by the lease so concurrent workers cannot double-claim.
// On PostgreSQL the selection uses FOR UPDATE SKIP LOCKED; SQLite has a
// single writer so a plain transaction suffices.
func (s *Store) ClaimDeliveryJobs(ctx context.Context, limit int, lease time.Duration) ([]*DeliveryJob, error) {
	now := time.Now()
	var jobs []*DeliveryJob
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		sel := `SELECT ` + deliveryColumns + ` FROM delivery_jobs
			 WHERE state = 'pending' AND next_attempt_at <= ?
			 ORDER BY next_attempt_at LIMIT ?`
		if s.driver == "postgres" {
			sel += ` FOR UPDATE SKIP LOCKED`
		}
		rows, err := tx.QueryContext(ctx, s.q(sel), now.Unix(), limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			j, err := scanDeliveryJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, j)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, j := range jobs {
			if _, err := tx.ExecContext(ctx, s.q(
				`UPDATE delivery_jobs SET next_attempt_at = ? WHERE id = ?`),
				now.Add(lease).Unix(), j.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkDeliverySent finalizes a job after a 2xx response. The successful POST
// counts as an attempt like any other.
func (s *Store) MarkDeliverySent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE delivery_jobs SET state = 'sent', attempts = attempts + 1, last_error = NULL WHERE id = ?`), id)
	return err
}

// DeliveryJobByID returns a job by primary key.
func (s *Store) DeliveryJobByID(ctx context.Context, id int64) (*DeliveryJob, error) {
	return scanDeliveryJob(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+deliveryColumns+` FROM delivery_jobs WHERE id = ?`), id))
}

// MarkDeliveryFailed finalizes a job that will never be retried.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE delivery_jobs SET state = 'failed', last_error = ? WHERE id = ?`),
		truncateErr(lastError), id)
	return err
}

// RescheduleDelivery bumps the attempt counter and sets the next eligibility.
func (s *Store) RescheduleDelivery(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE delivery_jobs SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`),
		attempts, nextAttempt.Unix(), truncateErr(lastError), id)
	return err
}

// CountDeliveryJobs returns the number of jobs in a given state, for metrics.
func (s *Store) CountDeliveryJobs(ctx context.Context, state DeliveryState) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM delivery_jobs WHERE state = ?`), string(state)).Scan(&n)
	return n, err
}

// ReapDeliveryJobs deletes terminal jobs older than the cutoff.
func (s *Store) ReapDeliveryJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM delivery_jobs WHERE state IN ('sent', 'failed') AND inserted_at < ?`),
		olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// truncateErr caps stored error text so a huge remote response body cannot
// bloat the table.
func truncateErr(msg string) any {
	if msg == "" {
		return nil
	}
	msg = strings.ToValidUTF8(msg, "")
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
