// Package moderation implements moderator actions over local content and
// accounts. Every action lands in the append-only moderation log, and actions
// against a user's content notify that user.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/baudrate/baudrate/internal/ap"
	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/keystore"
	"github.com/baudrate/baudrate/internal/store"
)

// Service runs moderator actions. Actions that remove federated local content
// also publish a Delete so remote copies go away.
type Service struct {
	store     *store.Store
	config    *config.Config
	keys      *keystore.KeyStore
	publisher *ap.Publisher
	sender    ap.Sender
	notifier  ap.Notifier
}

// New returns a moderation service. sender and notifier may be nil in tests.
func New(st *store.Store, cfg *config.Config, keys *keystore.KeyStore, pub *ap.Publisher, snd ap.Sender, ntf ap.Notifier) *Service {
	return &Service{store: st, config: cfg, keys: keys, publisher: pub, sender: snd, notifier: ntf}
}

// Report files a report against an article or comment. Exactly one of
// articleID / commentID must be set.
func (s *Service) Report(ctx context.Context, reporterID int64, articleID, commentID *int64, reason string) (*store.Report, error) {
	if (articleID == nil) == (commentID == nil) {
		return nil, fmt.Errorf("report must target exactly one of article or comment")
	}
	if reason == "" {
		return nil, fmt.Errorf("report reason is required")
	}
	return s.store.CreateReport(ctx, &store.Report{
		ReporterUserID: reporterID,
		ArticleID:      articleID,
		CommentID:      commentID,
		Reason:         reason,
	})
}

// Resolve closes an open report as resolved or dismissed. A report another
// moderator already decided returns store.ErrNotFound.
func (s *Service) Resolve(ctx context.Context, moderator *store.User, reportID int64, dismiss bool) error {
	status := store.ReportResolved
	if dismiss {
		status = store.ReportDismissed
	}
	if err := s.store.ResolveReport(ctx, reportID, moderator.ID, status); err != nil {
		return err
	}
	return s.log(ctx, moderator, "report_"+string(status), "report", strconv.FormatInt(reportID, 10), "")
}

// BanUser bans a local account and revokes its sessions.
func (s *Service) BanUser(ctx context.Context, moderator *store.User, userID int64, reason string) error {
	target, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if target.Role.AtLeast(moderator.Role) {
		return fmt.Errorf("cannot ban a user of equal or higher role")
	}
	if err := s.store.SetUserStatus(ctx, userID, store.StatusBanned); err != nil {
		return err
	}
	if err := s.store.DeleteSessionsForUser(ctx, userID); err != nil {
		slog.Warn("revoke sessions for banned user failed", "user", userID, "error", err)
	}
	return s.log(ctx, moderator, "ban_user", "user", target.Username, reason)
}

// UnbanUser reactivates a banned account.
func (s *Service) UnbanUser(ctx context.Context, moderator *store.User, userID int64) error {
	target, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.SetUserStatus(ctx, userID, store.StatusActive); err != nil {
		return err
	}
	return s.log(ctx, moderator, "unban_user", "user", target.Username, "")
}

// SetArticleFlags pins or locks an article.
func (s *Service) SetArticleFlags(ctx context.Context, moderator *store.User, articleID int64, pinned, locked bool) error {
	a, err := s.store.ArticleByID(ctx, articleID)
	if err != nil {
		return err
	}
	if err := s.store.SetArticleFlags(ctx, articleID, pinned, locked); err != nil {
		return err
	}
	detail := fmt.Sprintf("pinned=%t locked=%t", pinned, locked)
	if err := s.log(ctx, moderator, "set_article_flags", "article", a.Slug, detail); err != nil {
		return err
	}
	s.notifyOwner(ctx, a.UserID, moderator, &articleID, nil, detail)
	return nil
}

// RemoveArticle soft-deletes an article, federates the Delete when the
// article had been published, and notifies the author.
func (s *Service) RemoveArticle(ctx context.Context, moderator *store.User, articleID int64, reason string) error {
	a, err := s.store.ArticleByID(ctx, articleID)
	if err != nil {
		return err
	}
	if err := s.store.SoftDeleteArticle(ctx, articleID); err != nil {
		return err
	}
	if err := s.log(ctx, moderator, "remove_article", "article", a.Slug, reason); err != nil {
		return err
	}
	s.notifyOwner(ctx, a.UserID, moderator, &articleID, nil, reason)

	if a.UserID != nil && s.sender != nil {
		author, err := s.store.UserByID(ctx, *a.UserID)
		if err != nil {
			return nil
		}
		actorURI := ap.UserURI(s.config, author.Username)
		inboxes, err := s.store.FollowerInboxes(ctx, a.UserID, nil)
		if err != nil || len(inboxes) == 0 {
			return nil
		}
		del := s.publisher.Delete(actorURI, ap.ArticleURI(s.config, a.Slug))
		if err := s.sender.Send(ctx, del, actorURI, inboxes); err != nil {
			slog.Warn("federate moderation delete failed", "article", a.Slug, "error", err)
		}
	}
	return nil
}

// RemoveComment soft-deletes a comment and notifies its author.
func (s *Service) RemoveComment(ctx context.Context, moderator *store.User, commentID int64, reason string) error {
	c, err := s.store.CommentByID(ctx, commentID)
	if err != nil {
		return err
	}
	if err := s.store.SoftDeleteComment(ctx, commentID); err != nil {
		return err
	}
	if err := s.log(ctx, moderator, "remove_comment", "comment", strconv.FormatInt(commentID, 10), reason); err != nil {
		return err
	}
	s.notifyOwner(ctx, c.UserID, moderator, nil, &commentID, reason)
	return nil
}

// RotateUserKeys issues a user a fresh signing pair and announces the new
// public key to followers with an Update(actor). Signatures made with the old
// key stop verifying as soon as remotes refetch.
func (s *Service) RotateUserKeys(ctx context.Context, moderator *store.User, userID int64) error {
	target, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	kp, err := s.keys.RotateUserKeys(ctx, target)
	if err != nil {
		return err
	}
	if err := s.log(ctx, moderator, "rotate_keys", "user", target.Username, ""); err != nil {
		return err
	}

	actorURI := ap.UserURI(s.config, target.Username)
	s.announceKeyRotation(ctx, actorURI, &ap.Actor{
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: target.Username,
		Name:              target.Username,
		Inbox:             ap.InboxURI(s.config, actorURI),
		Outbox:            ap.OutboxURI(actorURI),
		Followers:         ap.FollowersURI(actorURI),
		Following:         ap.FollowingURI(actorURI),
		PublicKey: &ap.PublicKey{
			ID:           ap.KeyID(actorURI),
			Owner:        actorURI,
			PublicKeyPem: kp.PublicPEM,
		},
		Endpoints: &ap.Endpoints{SharedInbox: ap.SharedInboxURI(s.config)},
	}, &target.ID, nil)
	return nil
}

// RotateBoardKeys issues a board actor a fresh signing pair.
func (s *Service) RotateBoardKeys(ctx context.Context, moderator *store.User, boardID int64) error {
	b, err := s.store.BoardByID(ctx, boardID)
	if err != nil {
		return err
	}
	kp, err := s.keys.RotateBoardKeys(ctx, b)
	if err != nil {
		return err
	}
	if err := s.log(ctx, moderator, "rotate_keys", "board", b.Slug, ""); err != nil {
		return err
	}

	actorURI := ap.BoardURI(s.config, b.Slug)
	s.announceKeyRotation(ctx, actorURI, &ap.Actor{
		ID:                actorURI,
		Type:              "Group",
		PreferredUsername: "!" + b.Slug,
		Name:              b.Name,
		Inbox:             ap.InboxURI(s.config, actorURI),
		Outbox:            ap.OutboxURI(actorURI),
		Followers:         ap.FollowersURI(actorURI),
		PublicKey: &ap.PublicKey{
			ID:           ap.KeyID(actorURI),
			Owner:        actorURI,
			PublicKeyPem: kp.PublicPEM,
		},
		Endpoints: &ap.Endpoints{SharedInbox: ap.SharedInboxURI(s.config)},
	}, nil, &b.ID)
	return nil
}

func (s *Service) announceKeyRotation(ctx context.Context, actorURI string, actor *ap.Actor, userID, boardID *int64) {
	if s.sender == nil || s.publisher == nil {
		return
	}
	inboxes, err := s.store.FollowerInboxes(ctx, userID, boardID)
	if err != nil || len(inboxes) == 0 {
		return
	}
	upd := s.publisher.UpdateActor(actor)
	if err := s.sender.Send(ctx, upd, actorURI, inboxes); err != nil {
		slog.Warn("federate key rotation failed", "actor", actorURI, "error", err)
	}
}

// Log returns a page of the moderation log, newest first.
func (s *Service) Log(ctx context.Context, limit, offset int) ([]*store.ModerationEntry, int, error) {
	return s.store.ModerationLog(ctx, limit, offset)
}

func (s *Service) log(ctx context.Context, moderator *store.User, action, targetType, targetID, details string) error {
	return s.store.AppendModerationLog(ctx, &store.ModerationEntry{
		ActorID:    moderator.ID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
	})
}

// notifyOwner tells a local content owner about an action against their
// content. The moderator is deliberately not recorded as the notification
// actor so the self and block gates do not apply to moderation notices.
func (s *Service) notifyOwner(ctx context.Context, ownerID *int64, moderator *store.User, articleID, commentID *int64, detail string) {
	if ownerID == nil || s.notifier == nil || *ownerID == moderator.ID {
		return
	}
	s.notifier.Event(ctx, &store.Notification{
		UserID:    *ownerID,
		Type:      store.NotifyModAction,
		ArticleID: articleID,
		CommentID: commentID,
		Data:      detail,
	})
}
