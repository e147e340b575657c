// Package delivery implements the outbound federation queue: signed POSTs to
// remote inboxes with retry, exponential backoff, and worker claiming that is
// safe across multiple processes on PostgreSQL.
package delivery

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/baudrate/baudrate/internal/ap"
	"github.com/baudrate/baudrate/internal/store"
)

const (
	maxAttempts  = 8
	baseBackoff  = time.Minute
	maxBackoff   = 24 * time.Hour
	jitterFactor = 0.1
	claimBatch   = 20
	claimLease   = 2 * time.Minute
	pollInterval = 5 * time.Second
	userAgent    = "baudrate/1.0 (+https://baudrate.org)"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baudrate_deliveries_total",
		Help: "Outbound activity deliveries by outcome.",
	}, []string{"outcome"})
	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "baudrate_delivery_duration_seconds",
		Help:    "Wall time of outbound inbox POSTs.",
		Buckets: prometheus.DefBuckets,
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "baudrate_delivery_queue_depth",
		Help: "Pending delivery jobs.",
	})
)

// KeySource resolves a local actor URI to its signing key.
type KeySource interface {
	SigningKey(ctx context.Context, actorURI string) (keyID string, key *rsa.PrivateKey, err error)
}

// Queue is the persistent outbound delivery queue. It implements ap.Sender.
type Queue struct {
	store   *store.Store
	keys    KeySource
	client  *http.Client
	workers int
}

// NewQueue returns a delivery queue with the given worker count.
func NewQueue(st *store.Store, keys KeySource, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		store:   st,
		keys:    keys,
		client:  &http.Client{Timeout: 10 * time.Second},
		workers: workers,
	}
}

// Send marshals the activity once and enqueues one job per inbox. Implements
// ap.Sender.
func (q *Queue) Send(ctx context.Context, act *ap.Activity, actorURI string, inboxes []string) error {
	body, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	for _, inbox := range dedupe(inboxes) {
		if err := q.store.EnqueueDelivery(ctx, string(body), inbox, actorURI); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(inboxes []string) []string {
	seen := make(map[string]bool, len(inboxes))
	var out []string
	for _, in := range inboxes {
		if in == "" || seen[in] {
			continue
		}
		seen[in] = true
		out = append(out, in)
	}
	return out
}

// Run polls for due jobs and fans them out to workers until the context is
// canceled.
func (q *Queue) Run(ctx context.Context) {
	slog.Info("delivery queue started", "workers", q.workers)
	jobs := make(chan *store.DeliveryJob)
	for i := 0; i < q.workers; i++ {
		go q.worker(ctx, jobs)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			slog.Info("delivery queue stopped")
			return
		case <-ticker.C:
			claimed, err := q.store.ClaimDeliveryJobs(ctx, claimBatch, claimLease)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("claim delivery jobs failed", "error", err)
				}
				continue
			}
			if n, err := q.store.CountDeliveryJobs(ctx, store.DeliveryPending); err == nil {
				queueDepth.Set(float64(n))
			}
			for _, j := range claimed {
				select {
				case jobs <- j:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (q *Queue) worker(ctx context.Context, jobs <-chan *store.DeliveryJob) {
	for j := range jobs {
		q.attempt(ctx, j)
	}
}

// attempt runs one delivery try and records the outcome per the retry policy:
// 2xx is done, 4xx (except 408 and 429) is a permanent failure, everything
// else backs off and retries up to the attempt cap.
func (q *Queue) attempt(ctx context.Context, j *store.DeliveryJob) {
	start := time.Now()
	status, err := q.post(ctx, j)
	deliveryDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil && status >= 200 && status < 300:
		deliveriesTotal.WithLabelValues("sent").Inc()
		if derr := q.store.MarkDeliverySent(ctx, j.ID); derr != nil {
			slog.Error("mark delivery sent failed", "job", j.ID, "error", derr)
		}
		slog.Debug("delivered activity", "inbox", j.InboxURL, "status", status)
		return

	case err == nil && status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		deliveriesTotal.WithLabelValues("rejected").Inc()
		msg := fmt.Sprintf("HTTP %d", status)
		if derr := q.store.MarkDeliveryFailed(ctx, j.ID, msg); derr != nil {
			slog.Error("mark delivery failed errored", "job", j.ID, "error", derr)
		}
		slog.Warn("delivery rejected permanently", "inbox", j.InboxURL, "status", status)
		return
	}

	msg := "network error"
	if err != nil {
		msg = err.Error()
	} else {
		msg = fmt.Sprintf("HTTP %d", status)
	}

	attempts := j.Attempts + 1
	if attempts >= maxAttempts {
		deliveriesTotal.WithLabelValues("exhausted").Inc()
		if derr := q.store.MarkDeliveryFailed(ctx, j.ID, msg); derr != nil {
			slog.Error("mark delivery failed errored", "job", j.ID, "error", derr)
		}
		slog.Warn("delivery attempts exhausted", "inbox", j.InboxURL, "attempts", attempts)
		return
	}

	deliveriesTotal.WithLabelValues("retry").Inc()
	next := time.Now().Add(Backoff(attempts))
	if derr := q.store.RescheduleDelivery(ctx, j.ID, attempts, next, msg); derr != nil {
		slog.Error("reschedule delivery failed", "job", j.ID, "error", derr)
	}
	slog.Debug("delivery rescheduled", "inbox", j.InboxURL, "attempt", attempts, "next", next)
}

func (q *Queue) post(ctx context.Context, j *store.DeliveryJob) (int, error) {
	keyID, key, err := q.keys.SigningKey(ctx, j.ActorURI)
	if err != nil {
		return 0, fmt.Errorf("signing key for %s: %w", j.ActorURI, err)
	}

	body := []byte(j.Activity)
	req, err := http.NewRequestWithContext(ctx, "POST", j.InboxURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)
	if err := ap.SignRequest(req, body, keyID, key); err != nil {
		return 0, err
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Backoff returns the delay before the given attempt number: one minute
// doubling per attempt, capped at 24h, with ±10% jitter so a flapping remote
// does not see synchronized retry storms.
func Backoff(attempts int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := 1 + jitterFactor*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
