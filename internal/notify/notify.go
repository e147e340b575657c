// Package notify turns domain events into user notifications, applying the
// suppression gates (self, blocks, mutes, per-type preferences) and fanning
// accepted events out to live subscribers and Web Push endpoints.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/baudrate/baudrate/internal/pubsub"
	"github.com/baudrate/baudrate/internal/store"
	"github.com/baudrate/baudrate/internal/webpush"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "baudrate_notifications_total",
	Help: "Notification events by outcome.",
}, []string{"outcome"})

// Pusher delivers an encrypted Web Push message; the webpush package
// implements it. A Pusher returns an error wrapping webpush.ErrGone when the
// endpoint is dead.
type Pusher interface {
	Push(ctx context.Context, sub *store.PushSubscription, payload []byte) error
}

// Service applies notification policy. It implements ap.Notifier.
type Service struct {
	store  *store.Store
	broker *pubsub.Broker
	pusher Pusher
}

// New returns a notification service. pusher may be nil when Web Push is not
// configured.
func New(st *store.Store, broker *pubsub.Broker, pusher Pusher) *Service {
	return &Service{store: st, broker: broker, pusher: pusher}
}

// Event records one notification, or silently drops it when a gate applies.
// Errors are logged, not returned; notification failures never fail the
// operation that caused them.
func (s *Service) Event(ctx context.Context, n *store.Notification) {
	outcome, err := s.process(ctx, n)
	if err != nil {
		slog.Error("notification event failed", "user", n.UserID, "type", string(n.Type), "error", err)
		notificationsTotal.WithLabelValues("error").Inc()
		return
	}
	notificationsTotal.WithLabelValues(outcome).Inc()
}

func (s *Service) process(ctx context.Context, n *store.Notification) (string, error) {
	// Self-notification gate.
	if n.ActorUserID != nil && *n.ActorUserID == n.UserID {
		return "skipped_self", nil
	}

	// Block and mute gates.
	if n.ActorUserID != nil || n.ActorRemoteActorID != nil {
		suppressed, err := s.store.IsBlockedOrMuted(ctx, n.UserID, n.ActorUserID, n.ActorRemoteActorID)
		if err != nil {
			return "", err
		}
		if suppressed {
			return "skipped_blocked", nil
		}
	}

	recipient, err := s.store.UserByID(ctx, n.UserID)
	if err != nil {
		return "", err
	}
	pref := recipient.PrefFor(string(n.Type))
	if !pref.InApp {
		// in_app off suppresses the notification outright, web push included.
		return "skipped_pref", nil
	}

	created, err := s.store.InsertNotification(ctx, n)
	if err == store.ErrDuplicate {
		return "deduplicated", nil
	}
	if err != nil {
		return "", err
	}
	s.broadcast(ctx, created)

	if pref.WebPush && s.pusher != nil {
		s.webPush(ctx, recipient, n)
	}
	return "delivered", nil
}

// broadcast pings the user's live notification stream with the new row and
// the fresh unread count.
func (s *Service) broadcast(ctx context.Context, n *store.Notification) {
	unread, err := s.store.UnreadNotificationCount(ctx, n.UserID)
	if err != nil {
		unread = -1
	}
	s.broker.Publish(pubsub.UserTopic(n.UserID), "notification", map[string]any{
		"id":     n.ID,
		"type":   string(n.Type),
		"unread": unread,
	})
}

type pushPayload struct {
	Type      string `json:"type"`
	ArticleID *int64 `json:"article_id,omitempty"`
	CommentID *int64 `json:"comment_id,omitempty"`
}

// webPush sends the event to every registered endpoint. Dead endpoints are
// pruned on the spot.
func (s *Service) webPush(ctx context.Context, recipient *store.User, n *store.Notification) {
	subs, err := s.store.PushSubscriptionsForUser(ctx, recipient.ID)
	if err != nil {
		slog.Warn("load push subscriptions failed", "user", recipient.ID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(pushPayload{
		Type:      string(n.Type),
		ArticleID: n.ArticleID,
		CommentID: n.CommentID,
	})
	if err != nil {
		return
	}
	for _, sub := range subs {
		if err := s.pusher.Push(ctx, sub, payload); err != nil {
			if errors.Is(err, webpush.ErrGone) {
				slog.Info("pruning dead push endpoint", "user", recipient.ID)
				_ = s.store.DeletePushSubscriptionByEndpoint(ctx, sub.Endpoint)
				continue
			}
			slog.Warn("web push failed", "user", recipient.ID, "error", err)
		}
	}
}

// MarkRead marks one notification read and refreshes the live badge.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID int64) error {
	if err := s.store.MarkNotificationRead(ctx, userID, notificationID); err != nil {
		return err
	}
	s.publishUnread(ctx, userID)
	return nil
}

// MarkAllRead clears the badge.
func (s *Service) MarkAllRead(ctx context.Context, userID int64) error {
	if _, err := s.store.MarkAllNotificationsRead(ctx, userID); err != nil {
		return err
	}
	s.publishUnread(ctx, userID)
	return nil
}

func (s *Service) publishUnread(ctx context.Context, userID int64) {
	unread, err := s.store.UnreadNotificationCount(ctx, userID)
	if err != nil {
		return
	}
	s.broker.Publish(pubsub.UserTopic(userID), "unread", map[string]any{"unread": unread})
}
