package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/baudrate/baudrate/internal/ap"
	"github.com/baudrate/baudrate/internal/pubsub"
	"github.com/baudrate/baudrate/internal/store"
)

// ─── Content ──────────────────────────────────────────────────────────────────

var (
	slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)
	mentionRe   = regexp.MustCompile(`@([a-zA-Z0-9_]{2,32})\b`)
)

// slugify turns a title into a URL slug with a short random suffix so two
// posts with the same title never collide.
func slugify(title string) string {
	s := slugStripRe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 60 {
		s = s[:60]
	}
	if s == "" {
		s = "post"
	}
	return s + "-" + uuid.NewString()[:8]
}

// renderHTML renders body text as minimal safe HTML: escaped, blank lines as
// paragraph breaks, single newlines as <br>.
func renderHTML(body string) string {
	var b strings.Builder
	for _, para := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

func (s *Server) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var req struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Boards []string `json:"boards"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Body) == "" {
		jsonError(w, "title and body are required", http.StatusBadRequest)
		return
	}
	if len(req.Boards) == 0 {
		jsonError(w, "at least one board is required", http.StatusBadRequest)
		return
	}

	var boards []*store.Board
	var boardIDs []int64
	for _, slug := range req.Boards {
		b, err := s.store.BoardBySlug(r.Context(), slug)
		if err != nil {
			jsonError(w, fmt.Sprintf("unknown board %q", slug), http.StatusBadRequest)
			return
		}
		if !u.Role.AtLeast(b.MinRoleToView) {
			jsonError(w, "forbidden", http.StatusForbidden)
			return
		}
		boards = append(boards, b)
		boardIDs = append(boardIDs, b.ID)
	}

	a, err := s.store.CreateArticle(r.Context(), &store.Article{
		Title:       req.Title,
		Body:        req.Body,
		BodyHTML:    renderHTML(req.Body),
		Slug:        slugify(req.Title),
		Forwardable: true,
		UserID:      &u.ID,
		PublishedAt: time.Now(),
	}, boardIDs)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.federateArticle(r, u, a, boards, false)

	jsonResponse(w, map[string]interface{}{
		"id":   a.ID,
		"slug": a.Slug,
	}, http.StatusCreated)
}

// federateArticle publishes a Create (or Update) for a local article to the
// author's and the boards' followers. Delivery failures only log; the post
// itself already succeeded.
func (s *Server) federateArticle(r *http.Request, u *store.User, a *store.Article, boards []*store.Board, update bool) {
	if !s.cfg.FederationEnabled || s.sender == nil {
		return
	}
	actorURI := ap.UserURI(s.cfg, u.Username)
	obj := s.publisher.ArticleObject(a, actorURI, boards)

	inboxes, _ := s.store.FollowerInboxes(r.Context(), &u.ID, nil)
	for _, b := range boards {
		if !b.Public() || !b.APEnabled {
			continue
		}
		boardInboxes, _ := s.store.FollowerInboxes(r.Context(), nil, &b.ID)
		inboxes = append(inboxes, boardInboxes...)
	}
	if len(inboxes) == 0 {
		return
	}

	act := s.publisher.Create(actorURI, obj)
	if update {
		act = s.publisher.Update(actorURI, obj)
	}
	if err := s.sender.Send(r.Context(), act, actorURI, inboxes); err != nil {
		slog.Warn("federate article failed", "slug", a.Slug, "error", err)
	}
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var req struct {
		Body     string `json:"body"`
		ParentID *int64 `json:"parent_id"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Body) == "" {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}

	a, err := s.store.ArticleBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil || a.DeletedAt != nil {
		jsonError(w, "article not found", http.StatusNotFound)
		return
	}
	if a.Locked {
		jsonError(w, "article is locked", http.StatusForbidden)
		return
	}
	if req.ParentID != nil {
		parent, err := s.store.CommentByID(r.Context(), *req.ParentID)
		if err != nil || parent.ArticleID != a.ID {
			jsonError(w, "parent comment not found", http.StatusBadRequest)
			return
		}
	}

	c, err := s.store.CreateComment(r.Context(), &store.Comment{
		Body:      req.Body,
		BodyHTML:  renderHTML(req.Body),
		ParentID:  req.ParentID,
		ArticleID: a.ID,
		UserID:    &u.ID,
	})
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.notifyComment(r, u, a, c)
	s.federateComment(r, u, a, c)

	jsonResponse(w, map[string]interface{}{"id": c.ID}, http.StatusCreated)
}

// notifyComment raises reply and mention notifications for a new local
// comment. The notifier applies its own self/block/pref gates.
func (s *Server) notifyComment(r *http.Request, u *store.User, a *store.Article, c *store.Comment) {
	if s.notify == nil {
		return
	}
	target := a.UserID
	if c.ParentID != nil {
		if parent, err := s.store.CommentByID(r.Context(), *c.ParentID); err == nil && parent.UserID != nil {
			target = parent.UserID
		}
	}
	if target != nil {
		s.notify.Event(r.Context(), &store.Notification{
			UserID:      *target,
			Type:        store.NotifyReply,
			ActorUserID: &u.ID,
			ArticleID:   &a.ID,
			CommentID:   &c.ID,
		})
	}
	for _, m := range mentionRe.FindAllStringSubmatch(c.Body, -1) {
		mentioned, err := s.store.UserByUsername(r.Context(), m[1])
		if err != nil {
			continue
		}
		s.notify.Event(r.Context(), &store.Notification{
			UserID:      mentioned.ID,
			Type:        store.NotifyMention,
			ActorUserID: &u.ID,
			ArticleID:   &a.ID,
			CommentID:   &c.ID,
		})
	}
}

// federateComment delivers a local reply as Create(Note). Replies to remote
// articles go to the remote author; replies on local articles go to the
// article author's followers.
func (s *Server) federateComment(r *http.Request, u *store.User, a *store.Article, c *store.Comment) {
	if !s.cfg.FederationEnabled || s.sender == nil {
		return
	}
	actorURI := ap.UserURI(s.cfg, u.Username)

	inReplyTo := s.articleID(a)
	if c.ParentID != nil {
		if parent, err := s.store.CommentByID(r.Context(), *c.ParentID); err == nil {
			if parent.APID != "" {
				inReplyTo = parent.APID
			} else {
				inReplyTo = ap.CommentURI(s.cfg, parent.ID)
			}
		}
	}

	var inboxes []string
	articleAuthor := ""
	if a.RemoteActorID != nil {
		if actor, err := s.store.RemoteActorByID(r.Context(), *a.RemoteActorID); err == nil {
			inboxes = append(inboxes, actor.DeliveryInbox())
			articleAuthor = actor.APID
		}
	} else if a.UserID != nil {
		if owner, err := s.store.UserByID(r.Context(), *a.UserID); err == nil {
			articleAuthor = ap.UserURI(s.cfg, owner.Username)
		}
	}
	followerInboxes, _ := s.store.FollowerInboxes(r.Context(), &u.ID, nil)
	inboxes = append(inboxes, followerInboxes...)
	if len(inboxes) == 0 {
		return
	}

	obj := s.publisher.CommentObject(c, actorURI, inReplyTo, articleAuthor)
	if err := s.sender.Send(r.Context(), s.publisher.Create(actorURI, obj), actorURI, inboxes); err != nil {
		slog.Warn("federate comment failed", "article", a.Slug, "error", err)
	}
}

func (s *Server) handleLikeArticle(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	a, err := s.store.ArticleBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil || a.DeletedAt != nil {
		jsonError(w, "article not found", http.StatusNotFound)
		return
	}

	actorURI := ap.UserURI(s.cfg, u.Username)
	act := s.publisher.Like(actorURI, s.articleID(a))

	if err := s.store.InsertArticleLike(r.Context(), a.ID, &u.ID, nil, act.ID); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			jsonResponse(w, map[string]string{"status": "already liked"}, http.StatusOK)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	if a.UserID != nil && s.notify != nil {
		s.notify.Event(r.Context(), &store.Notification{
			UserID:      *a.UserID,
			Type:        store.NotifyLike,
			ActorUserID: &u.ID,
			ArticleID:   &a.ID,
		})
	}
	if a.RemoteActorID != nil && s.cfg.FederationEnabled && s.sender != nil {
		if actor, err := s.store.RemoteActorByID(r.Context(), *a.RemoteActorID); err == nil {
			if err := s.sender.Send(r.Context(), act, actorURI, []string{actor.DeliveryInbox()}); err != nil {
				slog.Warn("federate like failed", "article", a.Slug, "error", err)
			}
		}
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleAnnounceArticle(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	a, err := s.store.ArticleBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil || a.DeletedAt != nil {
		jsonError(w, "article not found", http.StatusNotFound)
		return
	}

	actorURI := ap.UserURI(s.cfg, u.Username)
	act := s.publisher.Announce(actorURI, s.articleID(a))

	if a.UserID != nil && s.notify != nil {
		s.notify.Event(r.Context(), &store.Notification{
			UserID:      *a.UserID,
			Type:        store.NotifyAnnounce,
			ActorUserID: &u.ID,
			ArticleID:   &a.ID,
		})
	}
	if s.cfg.FederationEnabled && s.sender != nil {
		inboxes, _ := s.store.FollowerInboxes(r.Context(), &u.ID, nil)
		if len(inboxes) > 0 {
			if err := s.sender.Send(r.Context(), act, actorURI, inboxes); err != nil {
				slog.Warn("federate announce failed", "article", a.Slug, "error", err)
			}
		}
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		jsonError(w, "missing query", http.StatusBadRequest)
		return
	}
	page := pageParam(r)
	articles, total, err := s.store.SearchArticles(r.Context(), q, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	items := make([]map[string]interface{}, 0, len(articles))
	for _, a := range articles {
		items = append(items, map[string]interface{}{
			"slug":         a.Slug,
			"title":        a.Title,
			"published_at": a.PublishedAt.UTC().Format(time.RFC3339),
		})
	}
	jsonResponse(w, map[string]interface{}{"items": items, "total": total, "page": page}, http.StatusOK)
}

// ─── Feed ─────────────────────────────────────────────────────────────────────

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	page, err := s.feed.Home(r.Context(), currentUser(r).ID, pageParam(r), collectionPageSize)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, page, http.StatusOK)
}

// ─── Follows, blocks, mutes ───────────────────────────────────────────────────

type followTarget struct {
	Handle   string `json:"handle"`   // remote acct, user@host
	Username string `json:"username"` // local user
	Board    string `json:"board"`    // board slug
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var req followTarget
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}

	switch {
	case req.Handle != "":
		actor, err := s.resolver.ResolveHandle(r.Context(), req.Handle)
		if err != nil {
			jsonError(w, "could not resolve handle", http.StatusUnprocessableEntity)
			return
		}
		if err := s.follows.FollowRemoteActor(r.Context(), u, actor); err != nil {
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		jsonResponse(w, map[string]string{"state": string(store.FollowPending)}, http.StatusAccepted)
	case req.Username != "":
		target, err := s.store.UserByUsername(r.Context(), req.Username)
		if err != nil {
			jsonError(w, "unknown user", http.StatusNotFound)
			return
		}
		if err := s.follows.FollowLocalUser(r.Context(), u, target); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		jsonResponse(w, map[string]string{"state": string(store.FollowAccepted)}, http.StatusOK)
	case req.Board != "":
		b, err := s.store.BoardBySlug(r.Context(), req.Board)
		if err != nil || !u.Role.AtLeast(b.MinRoleToView) {
			jsonError(w, "unknown board", http.StatusNotFound)
			return
		}
		if err := s.follows.FollowBoard(r.Context(), u, b, nil); err != nil {
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		jsonResponse(w, map[string]string{"state": string(store.FollowAccepted)}, http.StatusOK)
	default:
		jsonError(w, "nothing to follow", http.StatusBadRequest)
	}
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var req followTarget
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}

	switch {
	case req.Handle != "":
		actor, err := s.resolver.ResolveHandle(r.Context(), req.Handle)
		if err != nil {
			jsonError(w, "could not resolve handle", http.StatusUnprocessableEntity)
			return
		}
		if err := s.follows.UnfollowRemoteActor(r.Context(), u, actor); err != nil {
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
	case req.Username != "":
		target, err := s.store.UserByUsername(r.Context(), req.Username)
		if err != nil {
			jsonError(w, "unknown user", http.StatusNotFound)
			return
		}
		if err := s.follows.UnfollowLocalUser(r.Context(), u, target); err != nil {
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
	default:
		jsonError(w, "nothing to unfollow", http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type blockTarget struct {
	Username string `json:"username"` // local user
	Actor    string `json:"actor"`    // remote actor AP id
}

// resolveBlockTarget maps a block/mute request onto store ids.
func (s *Server) resolveBlockTarget(r *http.Request, req blockTarget) (*int64, *int64, error) {
	switch {
	case req.Username != "":
		target, err := s.store.UserByUsername(r.Context(), req.Username)
		if err != nil {
			return nil, nil, err
		}
		return &target.ID, nil, nil
	case req.Actor != "":
		actor, err := s.store.RemoteActorByAPID(r.Context(), req.Actor)
		if err != nil {
			return nil, nil, err
		}
		return nil, &actor.ID, nil
	}
	return nil, nil, errors.New("no target")
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.mutateBlockMute(w, r, s.store.InsertUserBlock)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.mutateBlockMute(w, r, s.store.DeleteUserBlock)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	s.mutateBlockMute(w, r, s.store.InsertUserMute)
}

func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	s.mutateBlockMute(w, r, s.store.DeleteUserMute)
}

func (s *Server) mutateBlockMute(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, userID int64, targetUserID, targetRemoteActorID *int64) error) {
	var req blockTarget
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	targetUser, targetActor, err := s.resolveBlockTarget(r, req)
	if err != nil {
		jsonError(w, "unknown target", http.StatusNotFound)
		return
	}
	if err := op(r.Context(), currentUser(r).ID, targetUser, targetActor); err != nil && !errors.Is(err, store.ErrDuplicate) {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// ─── Notifications ────────────────────────────────────────────────────────────

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	page := pageParam(r)
	unreadOnly := r.URL.Query().Get("unread") == "1"

	items, total, err := s.store.NotificationsForUser(r.Context(), u.ID, unreadOnly,
		collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	unread, _ := s.store.UnreadNotificationCount(r.Context(), u.ID)

	out := make([]map[string]interface{}, 0, len(items))
	for _, n := range items {
		out = append(out, map[string]interface{}{
			"id":          n.ID,
			"type":        string(n.Type),
			"actor_user":  n.ActorUserID,
			"actor_actor": n.ActorRemoteActorID,
			"article_id":  n.ArticleID,
			"comment_id":  n.CommentID,
			"data":        n.Data,
			"read":        n.Read,
			"inserted_at": n.InsertedAt.UTC().Format(time.RFC3339),
		})
	}
	jsonResponse(w, map[string]interface{}{
		"items":  out,
		"total":  total,
		"unread": unread,
		"page":   page,
	}, http.StatusOK)
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.notify.MarkRead(r.Context(), currentUser(r).ID, req.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "not found", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleNotificationReadAll(w http.ResponseWriter, r *http.Request) {
	if err := s.notify.MarkAllRead(r.Context(), currentUser(r).ID); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleNotificationPrefs(w http.ResponseWriter, r *http.Request) {
	var prefs map[string]store.NotificationPref
	if err := decodeJSON(r, &prefs); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.store.SetNotificationPrefs(r.Context(), currentUser(r).ID, prefs); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// handleNotificationStream serves live notification and feed events over SSE.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	notifCh, cancelNotif := s.broker.Subscribe(pubsub.UserTopic(u.ID))
	defer cancelNotif()
	feedCh, cancelFeed := s.broker.Subscribe(pubsub.FeedTopic(u.ID))
	defer cancelFeed()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	writeEvent := func(ev pubsub.Event) bool {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-notifCh:
			if !writeEvent(ev) {
				return
			}
		case ev := <-feedCh:
			if !writeEvent(ev) {
				return
			}
		}
	}
}

// ─── Web Push ─────────────────────────────────────────────────────────────────

func (s *Server) handlePushKey(w http.ResponseWriter, r *http.Request) {
	if s.vapidPub == "" {
		jsonError(w, "web push not configured", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"key": s.vapidPub}, http.StatusOK)
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256DH string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Endpoint == "" {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	p256dh, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(req.Keys.P256DH, "="))
	if err != nil || len(p256dh) != 65 {
		jsonError(w, "invalid p256dh key", http.StatusBadRequest)
		return
	}
	authSecret, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(req.Keys.Auth, "="))
	if err != nil || len(authSecret) != 16 {
		jsonError(w, "invalid auth secret", http.StatusBadRequest)
		return
	}
	err = s.store.UpsertPushSubscription(r.Context(), &store.PushSubscription{
		UserID:    currentUser(r).ID,
		Endpoint:  req.Endpoint,
		P256DH:    p256dh,
		Auth:      authSecret,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusCreated)
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Endpoint == "" {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.store.DeletePushSubscriptionByEndpoint(r.Context(), req.Endpoint); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// ─── Reports ──────────────────────────────────────────────────────────────────

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArticleID *int64 `json:"article_id"`
		CommentID *int64 `json:"comment_id"`
		Reason    string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	report, err := s.mod.Report(r.Context(), currentUser(r).ID, req.ArticleID, req.CommentID, req.Reason)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]interface{}{"id": report.ID}, http.StatusCreated)
}
