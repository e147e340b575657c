package ap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/pubsub"
	"github.com/baudrate/baudrate/internal/store"
)

// ErrUnprocessable marks an activity that is well-formed but cannot be
// applied (unknown target, unsupported object). Handlers answer 422.
var ErrUnprocessable = errors.New("ap: unprocessable activity")

// ErrActorMismatch is returned when the activity's actor differs from the
// actor whose key signed the request.
var ErrActorMismatch = errors.New("ap: activity actor does not match signature")

// ErrDuplicateActivity marks a redelivered activity that was already applied.
// The inbox answers 200 so the remote stops retrying.
var ErrDuplicateActivity = errors.New("ap: duplicate activity")

// Sender queues outbound activities for delivery; the delivery package
// implements it.
type Sender interface {
	Send(ctx context.Context, act *Activity, actorURI string, inboxes []string) error
}

// Notifier records a notification event; the notify package implements it.
// Implementations apply their own gates (self, blocks, mutes, preferences).
type Notifier interface {
	Event(ctx context.Context, n *store.Notification)
}

// Dispatcher routes verified inbound activities to type handlers. Every
// handler is idempotent; redelivered or fanned-in duplicates short-circuit on
// the activity id before any handler runs.
type Dispatcher struct {
	store     *store.Store
	config    *config.Config
	resolver  *Resolver
	publisher *Publisher
	sender    Sender
	notifier  Notifier
	broker    *pubsub.Broker

	handlers map[string]func(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error
}

// NewDispatcher wires the inbox handler table.
func NewDispatcher(st *store.Store, cfg *config.Config, res *Resolver, pub *Publisher, snd Sender, ntf Notifier, broker *pubsub.Broker) *Dispatcher {
	d := &Dispatcher{
		store:     st,
		config:    cfg,
		resolver:  res,
		publisher: pub,
		sender:    snd,
		notifier:  ntf,
		broker:    broker,
	}
	d.handlers = map[string]func(context.Context, *IncomingActivity, *store.RemoteActor) error{
		"Follow":   d.handleFollow,
		"Accept":   d.handleAccept,
		"Reject":   d.handleReject,
		"Undo":     d.handleUndo,
		"Create":   d.handleCreate,
		"Update":   d.handleUpdate,
		"Delete":   d.handleDelete,
		"Like":     d.handleLike,
		"Announce": d.handleAnnounce,
		"Move":     d.handleMove,
	}
	return d
}

// Process validates and dispatches one verified activity. verifiedActor is
// the actor URI whose key signed the HTTP request.
func (d *Dispatcher) Process(ctx context.Context, act *IncomingActivity, verifiedActor string) error {
	if act.ID == "" || act.Type == "" || act.Actor == "" {
		return fmt.Errorf("%w: missing id, type, or actor", ErrUnprocessable)
	}
	if !sameActor(act.Actor, verifiedActor) {
		return ErrActorMismatch
	}

	seen, err := d.store.ActivitySeen(ctx, act.ID)
	if err != nil {
		return err
	}
	if seen {
		slog.Debug("duplicate activity ignored", "id", act.ID, "type", act.Type)
		return ErrDuplicateActivity
	}

	handler, ok := d.handlers[act.Type]
	if !ok {
		// Unknown types are accepted and dropped, per AP convention.
		slog.Debug("unhandled activity type", "type", act.Type, "id", act.ID)
		return d.markSeen(ctx, act.ID)
	}

	actor, err := d.resolver.Resolve(ctx, act.Actor)
	if err != nil {
		if act.Type == "Delete" && (errors.Is(err, ErrGone) || errors.Is(err, store.ErrNotFound)) {
			// Self-delete of an actor we never knew; nothing to do.
			return d.markSeen(ctx, act.ID)
		}
		return fmt.Errorf("%w: %v", ErrUnknownActor, err)
	}

	if err := handler(ctx, act, actor); err != nil {
		// Not recorded as seen: a redelivery gets another chance once the
		// transient cause clears.
		return err
	}
	slog.Info("inbox activity processed", "type", act.Type, "actor", actor.APID)
	return d.markSeen(ctx, act.ID)
}

// markSeen records the id after the activity has been applied. Losing the
// concurrent-insert race is fine; the other delivery did the same work.
func (d *Dispatcher) markSeen(ctx context.Context, apID string) error {
	_, err := d.store.SeenActivity(ctx, apID)
	return err
}

// sameActor tolerates a delegated signature from the same origin (many
// servers sign with an instance actor key).
func sameActor(activityActor, signedActor string) bool {
	if activityActor == signedActor {
		return true
	}
	a, err1 := url.Parse(activityActor)
	b, err2 := url.Parse(signedActor)
	return err1 == nil && err2 == nil && a.Host != "" && a.Host == b.Host
}

// ─── Follow / Accept / Reject / Undo ─────────────────────────────────────────

func (d *Dispatcher) handleFollow(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error {
	target := act.ObjectID()
	if !IsLocalID(target, d.config.BaseURL) {
		return fmt.Errorf("%w: follow target %s is not local", ErrUnprocessable, target)
	}

	f := &store.Follower{RemoteActorID: actor.ID, APID: act.ID, State: store.FollowPending}
	var (
		localActorURI string
		accept        bool
		notifyUserID  int64
	)
	switch {
	case strings.HasPrefix(target, d.config.AbsoluteURL("/ap/users/")):
		username := strings.TrimPrefix(target, d.config.AbsoluteURL("/ap/users/"))
		u, err := d.store.UserByUsername(ctx, username)
		if err != nil {
			return fmt.Errorf("%w: unknown user %s", ErrUnprocessable, username)
		}
		f.UserID = &u.ID
		localActorURI = target
		accept = true
		notifyUserID = u.ID
	case strings.HasPrefix(target, d.config.AbsoluteURL("/ap/boards/")):
		slug := strings.TrimPrefix(target, d.config.AbsoluteURL("/ap/boards/"))
		b, err := d.store.BoardBySlug(ctx, slug)
		if err != nil || !b.Public() || !b.APEnabled {
			return fmt.Errorf("%w: unknown board %s", ErrUnprocessable, slug)
		}
		f.BoardID = &b.ID
		localActorURI = target
		accept = b.AcceptPolicy == store.BoardAcceptOpen
	default:
		return fmt.Errorf("%w: follow target %s", ErrUnprocessable, target)
	}

	err := d.store.InsertFollower(ctx, f)
	if err == store.ErrDuplicate {
		// Repeat follow. Re-send the Accept if we already accepted so the
		// remote side can converge.
		existing, lookErr := d.store.FollowerByTarget(ctx, actor.ID, f.UserID, f.BoardID)
		if lookErr == nil && existing.State == store.FollowAccepted {
			return d.sendFollowResponse(ctx, localActorURI, actor, act, true)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if notifyUserID != 0 {
		d.notifier.Event(ctx, &store.Notification{
			UserID:             notifyUserID,
			Type:               store.NotifyFollow,
			ActorRemoteActorID: &actor.ID,
		})
	}

	if !accept {
		// followers_only boards wait for a moderator decision.
		return nil
	}
	fresh, err := d.store.FollowerByTarget(ctx, actor.ID, f.UserID, f.BoardID)
	if err != nil {
		return err
	}
	if err := d.store.SetFollowerState(ctx, fresh.ID, store.FollowAccepted); err != nil && err != store.ErrNotFound {
		return err
	}
	return d.sendFollowResponse(ctx, localActorURI, actor, act, true)
}

func (d *Dispatcher) sendFollowResponse(ctx context.Context, localActorURI string, actor *store.RemoteActor, follow *IncomingActivity, accepted bool) error {
	var resp *Activity
	if accepted {
		resp = d.publisher.Accept(localActorURI, follow)
	} else {
		resp = d.publisher.Reject(localActorURI, follow)
	}
	return d.sender.Send(ctx, resp, localActorURI, []string{actor.Inbox})
}

func (d *Dispatcher) handleAccept(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error {
	return d.settleOutboundFollow(ctx, act, actor, store.FollowAccepted)
}

func (d *Dispatcher) handleReject(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error {
	return d.settleOutboundFollow(ctx, act, actor, store.FollowRejected)
}

// settleOutboundFollow matches an inbound Accept/Reject to the pending
// outbound Follow it answers. Only the followed actor may settle it.
func (d *Dispatcher) settleOutboundFollow(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor, state store.FollowState) error {
	followID := act.ObjectID()
	if followID == "" {
		return fmt.Errorf("%w: %s without object", ErrUnprocessable, act.Type)
	}

	if uf, err := d.store.UserFollowByAPID(ctx, followID); err == nil {
		if uf.RemoteActorID == nil || *uf.RemoteActorID != actor.ID {
			return fmt.Errorf("%w: %s from non-target actor", ErrUnprocessable, act.Type)
		}
		err := d.store.SetUserFollowState(ctx, uf.ID, state)
		if err == store.ErrNotFound {
			return nil // already settled
		}
		return err
	}
	if bf, err := d.store.BoardFollowByAPID(ctx, followID); err == nil {
		if bf.RemoteActorID == nil || *bf.RemoteActorID != actor.ID {
			return fmt.Errorf("%w: %s from non-target actor", ErrUnprocessable, act.Type)
		}
		err := d.store.SetBoardFollowState(ctx, bf.ID, state)
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	return fmt.Errorf("%w: no pending follow %s", ErrUnprocessable, followID)
}

func (d *Dispatcher) handleUndo(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error {
	var inner IncomingActivity
	if err := json.Unmarshal(act.Object, &inner); err != nil {
		// Object may be a bare id; nothing useful to undo then.
		return fmt.Errorf("%w: undo object not an activity", ErrUnprocessable)
	}
	if inner.Actor != "" && !sameActor(inner.Actor, actor.APID) {
		return fmt.Errorf("%w: undo of someone else's activity", ErrUnprocessable)
	}

	switch inner.Type {
	case "Follow":
		f, err := d.store.FollowerByAPID(ctx, inner.ID)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if f.RemoteActorID != actor.ID {
			return fmt.Errorf("%w: undo follow actor mismatch", ErrUnprocessable)
		}
		return d.store.DeleteFollower(ctx, f.ID)
	case "Like":
		err := d.store.DeleteArticleLike(ctx, inner.ID, actor.ID)
		if err == store.ErrNotFound {
			return nil
		}
		return err
	case "Announce":
		err := d.store.DeleteAnnounce(ctx, inner.ID, actor.ID)
		if err == store.ErrNotFound {
			return nil
		}
		return err
	default:
		return nil
	}
}

// ─── Content: Create / Update / Delete ───────────────────────────────────────

// incomingObject is the subset of Note/Article/Page we store.
type incomingObject struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	AttributedTo string        `json:"attributedTo"`
	Name         string        `json:"name"`
	Content      string        `json:"content"`
	Published    string        `json:"published"`
	InReplyTo    string        `json:"inReplyTo"`
	To           StringOrArray `json:"to"`
	CC           StringOrArray `json:"cc"`
	Audience     StringOrArray `json:"audience"`
	Tag          []struct {
		Type string `json:"type"`
		Href string `json:"href"`
		Name string `json:"name"`
	} `json:"tag"`
}

func (d *Dispatcher) decodeObject(ctx context.Context, act *IncomingActivity) (*incomingObject, error) {
	var obj incomingObject
	if err := json.Unmarshal(act.Object, &obj); err == nil && obj.ID != "" {
		return &obj, nil
	}
	// Object is a bare reference; fetch it.
	ref := act.ObjectID()
	if ref == "" {
		return nil, fmt.Errorf("%w: activity without object", ErrUnprocessable)
	}
	raw, err := d.resolver.FetchObject(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch object %s: %w", ref, err)
	}
	data, _ := json.Marshal(raw)
	if err := json.Unmarshal(data, &obj); err != nil || obj.ID == "" {
		return nil, fmt.Errorf("%w: undecodable object %s", ErrUnprocessable, ref)
	}
	return &obj, nil
}

func (d *Dispatcher) handleCreate(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error {
	obj, err := d.decodeObject(ctx, act)
	if err != nil {
		return err
	}
	if IsLocalID(obj.ID, d.config.BaseURL) {
		return fmt.Errorf("%w: create of a local object", ErrUnprocessable)
	}

	if obj.InReplyTo != "" {
		return d.createRemoteComment(ctx, obj, actor)
	}

	slugs := AudienceBoardSlugs(d.config, act)
	if len(slugs) == 0 {
		// Also honor addressing carried only on the object.
		slugs = AudienceBoardSlugs(d.config, &IncomingActivity{To: obj.To, CC: obj.CC, Audience: obj.Audience})
	}
	if len(slugs) > 0 {
		return d.createRemoteArticle(ctx, obj, actor, slugs)
	}

	// Plain post from a followed actor: materialize into home feeds.
	return d.materializeFeedItem(ctx, obj, actor)
}

func (d *Dispatcher) createRemoteArticle(ctx context.Context, obj *incomingObject, actor *store.RemoteActor, slugs []string) error {
	var boardIDs []int64
	for _, slug := range slugs {
		b, err := d.store.BoardBySlug(ctx, slug)
		if err != nil || !b.Public() || !b.APEnabled {
			continue
		}
		boardIDs = append(boardIDs, b.ID)
	}
	if len(boardIDs) == 0 {
		return fmt.Errorf("%w: no usable board in audience", ErrUnprocessable)
	}

	if existing, err := d.store.ArticleByAPID(ctx, obj.ID); err == nil {
		// Cross-post of a known article: just add the board links.
		return d.store.LinkArticleBoards(ctx, existing.ID, boardIDs)
	}

	title := obj.Name
	if title == "" {
		title = Summarize(obj.Content)
		if len(title) > 80 {
			title = title[:80]
		}
	}
	a := &store.Article{
		Title:         title,
		Body:          obj.Content,
		BodyHTML:      obj.Content,
		Slug:          remoteSlug(obj.ID),
		Forwardable:   true,
		RemoteActorID: &actor.ID,
		APID:          obj.ID,
		PublishedAt:   parsePublished(obj.Published),
	}
	_, err := d.store.CreateArticle(ctx, a, boardIDs)
	if err == store.ErrDuplicate {
		return nil
	}
	return err
}

func (d *Dispatcher) createRemoteComment(ctx context.Context, obj *incomingObject, actor *store.RemoteActor) error {
	articleID, parentID, threadOwner, err := d.resolveReplyTarget(ctx, obj.InReplyTo)
	if err != nil {
		return err
	}

	c := &store.Comment{
		Body:          obj.Content,
		BodyHTML:      obj.Content,
		ParentID:      parentID,
		ArticleID:     articleID,
		RemoteActorID: &actor.ID,
		APID:          obj.ID,
	}
	created, err := d.store.CreateComment(ctx, c)
	if err == store.ErrDuplicate {
		return nil
	}
	if err != nil {
		return err
	}

	if threadOwner != nil {
		d.notifier.Event(ctx, &store.Notification{
			UserID:             *threadOwner,
			Type:               store.NotifyReply,
			ActorRemoteActorID: &actor.ID,
			ArticleID:          &articleID,
			CommentID:          &created.ID,
		})
	}
	d.notifyMentions(ctx, obj, actor, &articleID, &created.ID)
	return nil
}

// resolveReplyTarget maps an inReplyTo URI onto a local article and optional
// parent comment, returning the local author to notify when there is one.
func (d *Dispatcher) resolveReplyTarget(ctx context.Context, inReplyTo string) (articleID int64, parentID, ownerUserID *int64, err error) {
	if a, aerr := d.store.ArticleByAPID(ctx, inReplyTo); aerr == nil {
		return a.ID, nil, a.UserID, nil
	}
	if strings.HasPrefix(inReplyTo, d.config.AbsoluteURL("/ap/articles/")) {
		slug := strings.TrimPrefix(inReplyTo, d.config.AbsoluteURL("/ap/articles/"))
		if a, aerr := d.store.ArticleBySlug(ctx, slug); aerr == nil {
			return a.ID, nil, a.UserID, nil
		}
	}
	if c, cerr := d.store.CommentByAPID(ctx, inReplyTo); cerr == nil {
		return c.ArticleID, &c.ID, c.UserID, nil
	}
	if strings.HasPrefix(inReplyTo, d.config.AbsoluteURL("/ap/comments/")) {
		var id int64
		if _, serr := fmt.Sscanf(strings.TrimPrefix(inReplyTo, d.config.AbsoluteURL("/ap/comments/")), "%d", &id); serr == nil {
			if c, cerr := d.store.CommentByID(ctx, id); cerr == nil {
				return c.ArticleID, &c.ID, c.UserID, nil
			}
		}
	}
	return 0, nil, nil, fmt.Errorf("%w: reply target %s not found", ErrUnprocessable, inReplyTo)
}

func (d *Dispatcher) notifyMentions(ctx context.Context, obj *incomingObject, actor *store.RemoteActor, articleID, commentID *int64) {
	prefix := d.config.AbsoluteURL("/ap/users/")
	for _, tag := range obj.Tag {
		if tag.Type != "Mention" || !strings.HasPrefix(tag.Href, prefix) {
			continue
		}
		username := strings.TrimPrefix(tag.Href, prefix)
		u, err := d.store.UserByUsername(ctx, username)
		if err != nil {
			continue
		}
		d.notifier.Event(ctx, &store.Notification{
			UserID:             u.ID,
			Type:               store.NotifyMention,
			ActorRemoteActorID: &actor.ID,
			ArticleID:          articleID,
			CommentID:          commentID,
		})
	}
}

func (d *Dispatcher) materializeFeedItem(ctx context.Context, obj *incomingObject, actor *store.RemoteActor) error {
	data, _ := json.Marshal(obj)
	item := &store.FeedItem{
		APID:          obj.ID,
		RemoteActorID: actor.ID,
		Article:       string(data),
		PublishedAt:   parsePublished(obj.Published),
	}
	if err := d.store.UpsertFeedItem(ctx, item); err != nil {
		return err
	}
	d.broadcastFeedItem(ctx, actor.ID, obj.ID)
	return nil
}

// broadcastFeedItem pings live feed subscribers of everyone following the
// actor. The payload is just the item id; clients refetch the feed.
func (d *Dispatcher) broadcastFeedItem(ctx context.Context, remoteActorID int64, apID string) {
	rows, err := d.store.FollowersOfRemoteActor(ctx, remoteActorID)
	if err != nil {
		return
	}
	for _, userID := range rows {
		d.broker.Publish(pubsub.FeedTopic(userID), "feed_item", apID)
	}
}

func (d *Dispatcher) handleUpdate(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error {
	objectID := act.ObjectID()
	if objectID == "" {
		return fmt.Errorf("%w: update without object", ErrUnprocessable)
	}

	// Update(Actor): profile or key rotation. Refetch authoritatively.
	if sameActor(objectID, actor.APID) && objectID == actor.APID {
		d.resolver.Invalidate(ctx, actor.APID)
		_, err := d.resolver.Resolve(ctx, actor.APID)
		return err
	}

	obj, err := d.decodeObject(ctx, act)
	if err != nil {
		return err
	}
	if a, aerr := d.store.ArticleByAPID(ctx, obj.ID); aerr == nil {
		if a.RemoteActorID == nil || *a.RemoteActorID != actor.ID {
			return fmt.Errorf("%w: update of someone else's article", ErrUnprocessable)
		}
		title := obj.Name
		if title == "" {
			title = a.Title
		}
		return d.store.UpdateArticleContent(ctx, a.ID, title, obj.Content, obj.Content)
	}
	if c, cerr := d.store.CommentByAPID(ctx, obj.ID); cerr == nil {
		if c.RemoteActorID == nil || *c.RemoteActorID != actor.ID {
			return fmt.Errorf("%w: update of someone else's comment", ErrUnprocessable)
		}
		return d.store.UpdateCommentContent(ctx, c.ID, obj.Content, obj.Content)
	}
	// Feed items refresh in place.
	return d.materializeFeedItem(ctx, obj, actor)
}

func (d *Dispatcher) handleDelete(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error {
	objectID := act.ObjectID()
	if objectID == "" {
		return fmt.Errorf("%w: delete without object", ErrUnprocessable)
	}

	// Delete(Actor): scrub everything the actor left behind.
	if objectID == actor.APID {
		if n, err := d.store.SoftDeleteArticlesByRemoteActor(ctx, actor.ID); err != nil {
			return err
		} else if n > 0 {
			slog.Info("removed articles of deleted actor", "actor", actor.APID, "count", n)
		}
		if _, err := d.store.SoftDeleteCommentsByRemoteActor(ctx, actor.ID); err != nil {
			return err
		}
		if _, err := d.store.SoftDeleteFeedItemsByRemoteActor(ctx, actor.ID); err != nil {
			return err
		}
		if err := d.store.DeleteFollowersForRemoteActor(ctx, actor.ID); err != nil {
			return err
		}
		return d.store.DeleteRemoteActor(ctx, actor.ID)
	}

	if a, err := d.store.ArticleByAPID(ctx, objectID); err == nil {
		if a.RemoteActorID == nil || *a.RemoteActorID != actor.ID {
			return fmt.Errorf("%w: delete of someone else's article", ErrUnprocessable)
		}
		return d.store.SoftDeleteArticle(ctx, a.ID)
	}
	if c, err := d.store.CommentByAPID(ctx, objectID); err == nil {
		if c.RemoteActorID == nil || *c.RemoteActorID != actor.ID {
			return fmt.Errorf("%w: delete of someone else's comment", ErrUnprocessable)
		}
		return d.store.SoftDeleteComment(ctx, c.ID)
	}
	// Feed items and unknown objects: best effort, idempotent.
	return d.store.SoftDeleteFeedItemByAPID(ctx, objectID)
}

// ─── Like / Announce / Move ──────────────────────────────────────────────────

func (d *Dispatcher) handleLike(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error {
	objectID := act.ObjectID()
	a, ownerID, err := d.localArticleByURI(ctx, objectID)
	if err != nil {
		return err
	}
	err = d.store.InsertArticleLike(ctx, a.ID, nil, &actor.ID, act.ID)
	if err == store.ErrDuplicate {
		return nil
	}
	if err != nil {
		return err
	}
	if ownerID != nil {
		d.notifier.Event(ctx, &store.Notification{
			UserID:             *ownerID,
			Type:               store.NotifyLike,
			ActorRemoteActorID: &actor.ID,
			ArticleID:          &a.ID,
		})
	}
	return nil
}

func (d *Dispatcher) handleAnnounce(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error {
	objectID := act.ObjectID()
	a, ownerID, err := d.localArticleByURI(ctx, objectID)
	if err != nil {
		return err
	}
	err = d.store.InsertAnnounce(ctx, act.ID, actor.ID, objectID)
	if err == store.ErrDuplicate {
		return nil
	}
	if err != nil {
		return err
	}
	if ownerID != nil {
		d.notifier.Event(ctx, &store.Notification{
			UserID:             *ownerID,
			Type:               store.NotifyAnnounce,
			ActorRemoteActorID: &actor.ID,
			ArticleID:          &a.ID,
		})
	}
	return nil
}

// localArticleByURI resolves a local article URI or a stored remote ap_id.
func (d *Dispatcher) localArticleByURI(ctx context.Context, uri string) (*store.Article, *int64, error) {
	if strings.HasPrefix(uri, d.config.AbsoluteURL("/ap/articles/")) {
		slug := strings.TrimPrefix(uri, d.config.AbsoluteURL("/ap/articles/"))
		a, err := d.store.ArticleBySlug(ctx, slug)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: unknown article %s", ErrUnprocessable, uri)
		}
		return a, a.UserID, nil
	}
	a, err := d.store.ArticleByAPID(ctx, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unknown object %s", ErrUnprocessable, uri)
	}
	return a, a.UserID, nil
}

// handleMove repoints local follows when an actor migrates. The move is only
// honored when the new actor vouches for the old one via alsoKnownAs or
// movedTo.
func (d *Dispatcher) handleMove(ctx context.Context, act *IncomingActivity, actor *store.RemoteActor) error {
	oldURI := act.ObjectID()
	newURI := act.TargetID()
	if oldURI == "" || newURI == "" {
		return fmt.Errorf("%w: move without object or target", ErrUnprocessable)
	}
	if !sameActor(oldURI, actor.APID) {
		return fmt.Errorf("%w: move of someone else's account", ErrUnprocessable)
	}

	oldActor, err := d.store.RemoteActorByAPID(ctx, oldURI)
	if err == store.ErrNotFound {
		return nil // nobody here followed them
	}
	if err != nil {
		return err
	}

	newActor, err := d.resolver.Resolve(ctx, newURI)
	if err != nil {
		return fmt.Errorf("resolve move target: %w", err)
	}

	moved, err := d.store.MoveUserFollows(ctx, oldActor.ID, newActor.ID)
	if err != nil {
		return err
	}
	slog.Info("actor moved, follows repointed", "from", oldURI, "to", newURI, "moved", moved)
	return nil
}

// remoteSlug derives a stable local slug from a remote ap_id, so a replayed
// Create lands on the same slug every time.
func remoteSlug(apID string) string {
	return "r-" + strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceURL, []byte(apID)).String(), "-", "")
}

func parsePublished(published string) time.Time {
	if t, err := time.Parse(time.RFC3339, published); err == nil {
		return t
	}
	return time.Now()
}
