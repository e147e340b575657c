package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/baudrate/baudrate/internal/ap"
	"github.com/baudrate/baudrate/internal/store"
)

const collectionPageSize = 20

// ─── Discovery handlers ───────────────────────────────────────────────────────

// handleWebFinger resolves acct:user@host for local users and acct:!slug@host
// for boards.
func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 || parts[1] != s.cfg.Host() {
		http.NotFound(w, r)
		return
	}
	name := parts[0]

	var actorURI string
	if slug, ok := strings.CutPrefix(name, "!"); ok {
		b, err := s.store.BoardBySlug(r.Context(), slug)
		if err != nil || !b.Public() || !b.APEnabled {
			http.NotFound(w, r)
			return
		}
		actorURI = ap.BoardURI(s.cfg, b.Slug)
	} else {
		u, err := s.store.UserByUsername(r.Context(), name)
		if err != nil || u.Status != store.StatusActive {
			http.NotFound(w, r)
			return
		}
		actorURI = ap.UserURI(s.cfg, u.Username)
	}

	resp := ap.WebFingerResponse{
		Subject: resource,
		Aliases: []string{actorURI},
		Links: []ap.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: actorURI},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, s.cfg.BaseURL)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": s.cfg.AbsoluteURL("/nodeinfo/2.0"),
			},
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": s.cfg.AbsoluteURL("/nodeinfo/2.1"),
			},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "version")
	if v != "2.0" && v != "2.1" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}

	users, _ := s.store.CountUsers(r.Context())
	posts, _ := s.store.CountLocalArticles(r.Context())

	info := ap.NodeInfo{
		Version: v,
		Software: ap.NodeInfoSoftware{
			Name:    "baudrate",
			Version: version,
		},
		Protocols: []string{"activitypub"},
		Services:  ap.NodeInfoServices{Inbound: []string{}, Outbound: []string{}},
		Usage: ap.NodeInfoUsage{
			Users:      ap.NodeInfoUsers{Total: users},
			LocalPosts: posts,
		},
		OpenRegistrations: s.cfg.RegistrationMode == "open",
		Metadata:          map[string]any{"nodeName": s.cfg.SiteName},
	}
	if v == "2.0" {
		info.Software.Repository = ""
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

// ─── Actor documents ──────────────────────────────────────────────────────────

func (s *Server) handleSiteActor(w http.ResponseWriter, r *http.Request) {
	kp, err := s.keys.EnsureSiteKeys(r.Context())
	if err != nil {
		slog.Error("site keys unavailable", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	actorURI := ap.SiteActorURI(s.cfg)
	actor := &ap.Actor{
		ID:                actorURI,
		Type:              "Application",
		Name:              s.cfg.SiteName,
		PreferredUsername: s.cfg.Host(),
		Inbox:             ap.SharedInboxURI(s.cfg),
		Outbox:            ap.OutboxURI(actorURI),
		PublicKey: &ap.PublicKey{
			ID:           ap.KeyID(actorURI),
			Owner:        actorURI,
			PublicKeyPem: kp.PublicPEM,
		},
	}
	apResponse(w, ap.WithContext(actor))
}

func (s *Server) handleUserActor(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.UserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil || u.Status != store.StatusActive {
		http.NotFound(w, r)
		return
	}
	kp, err := s.keys.EnsureUserKeys(r.Context(), u)
	if err != nil {
		slog.Error("user keys unavailable", "user", u.Username, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	actorURI := ap.UserURI(s.cfg, u.Username)
	actor := &ap.Actor{
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: u.Username,
		Name:              u.Username,
		Inbox:             ap.InboxURI(s.cfg, actorURI),
		Outbox:            ap.OutboxURI(actorURI),
		Followers:         ap.FollowersURI(actorURI),
		Following:         ap.FollowingURI(actorURI),
		PublicKey: &ap.PublicKey{
			ID:           ap.KeyID(actorURI),
			Owner:        actorURI,
			PublicKeyPem: kp.PublicPEM,
		},
		Endpoints: &ap.Endpoints{SharedInbox: ap.SharedInboxURI(s.cfg)},
	}
	apResponse(w, ap.WithContext(actor))
}

// handleBoardActor serves a board as a Group actor. Boards that are private
// or not federated are indistinguishable from absent ones.
func (s *Server) handleBoardActor(w http.ResponseWriter, r *http.Request) {
	b, ok := s.visibleBoard(r.Context(), chi.URLParam(r, "slug"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	kp, err := s.keys.EnsureBoardKeys(r.Context(), b)
	if err != nil {
		slog.Error("board keys unavailable", "board", b.Slug, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	actorURI := ap.BoardURI(s.cfg, b.Slug)
	actor := &ap.Actor{
		ID:                actorURI,
		Type:              "Group",
		PreferredUsername: "!" + b.Slug,
		Name:              b.Name,
		Summary:           b.Description,
		Inbox:             ap.InboxURI(s.cfg, actorURI),
		Outbox:            ap.OutboxURI(actorURI),
		Followers:         ap.FollowersURI(actorURI),
		PublicKey: &ap.PublicKey{
			ID:           ap.KeyID(actorURI),
			Owner:        actorURI,
			PublicKeyPem: kp.PublicPEM,
		},
		Endpoints: &ap.Endpoints{SharedInbox: ap.SharedInboxURI(s.cfg)},
	}
	if b.ParentID != nil {
		if parent, err := s.store.BoardByID(r.Context(), *b.ParentID); err == nil {
			actor.ParentBoard = ap.BoardURI(s.cfg, parent.Slug)
		}
	}
	if subs, err := s.store.SubBoards(r.Context(), b.ID); err == nil {
		for _, sub := range subs {
			if sub.Public() && sub.APEnabled {
				actor.SubBoards = append(actor.SubBoards, ap.BoardURI(s.cfg, sub.Slug))
			}
		}
	}
	apResponse(w, ap.WithContext(actor))
}

// visibleBoard loads a board that is public and federated.
func (s *Server) visibleBoard(ctx context.Context, slug string) (*store.Board, bool) {
	b, err := s.store.BoardBySlug(ctx, slug)
	if err != nil || !b.Public() || !b.APEnabled {
		return nil, false
	}
	return b, true
}

// handleBoardDirectory lists the federated public boards.
func (s *Server) handleBoardDirectory(w http.ResponseWriter, r *http.Request) {
	page := pageParam(r)
	boards, total, err := s.store.PublicAPBoards(r.Context(), collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	collID := s.cfg.AbsoluteURL("/ap/boards")
	if r.URL.Query().Get("page") == "" {
		apResponse(w, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collID,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      collID + "?page=1",
		})
		return
	}
	items := make([]string, 0, len(boards))
	for _, b := range boards {
		items = append(items, ap.BoardURI(s.cfg, b.Slug))
	}
	apResponse(w, s.collectionPage(collID, page, total, items))
}

// ─── Collections ──────────────────────────────────────────────────────────────

func pageParam(r *http.Request) int {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	return page
}

// collectionPage builds one OrderedCollectionPage. A page beyond the end is
// served with an empty item list rather than a 404.
func (s *Server) collectionPage(collID string, page, total int, items interface{}) ap.OrderedCollectionPage {
	p := ap.OrderedCollectionPage{
		Context:      ap.DefaultContext,
		ID:           fmt.Sprintf("%s?page=%d", collID, page),
		Type:         "OrderedCollectionPage",
		PartOf:       collID,
		OrderedItems: items,
	}
	if page*collectionPageSize < total {
		p.Next = fmt.Sprintf("%s?page=%d", collID, page+1)
	}
	if page > 1 {
		p.Prev = fmt.Sprintf("%s?page=%d", collID, page-1)
	}
	return p
}

func (s *Server) serveFollowers(w http.ResponseWriter, r *http.Request, actorURI string, userID, boardID *int64) {
	page := pageParam(r)
	collID := ap.FollowersURI(actorURI)

	followers, total, err := s.store.AcceptedFollowers(r.Context(), userID, boardID,
		collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("page") == "" {
		apResponse(w, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collID,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      collID + "?page=1",
		})
		return
	}
	items := make([]string, 0, len(followers))
	for _, f := range followers {
		actor, err := s.store.RemoteActorByID(r.Context(), f.RemoteActorID)
		if err != nil {
			continue
		}
		items = append(items, actor.APID)
	}
	apResponse(w, s.collectionPage(collID, page, total, items))
}

func (s *Server) handleUserFollowers(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.UserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.serveFollowers(w, r, ap.UserURI(s.cfg, u.Username), &u.ID, nil)
}

func (s *Server) handleBoardFollowers(w http.ResponseWriter, r *http.Request) {
	b, ok := s.visibleBoard(r.Context(), chi.URLParam(r, "slug"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.serveFollowers(w, r, ap.BoardURI(s.cfg, b.Slug), nil, &b.ID)
}

func (s *Server) handleUserFollowing(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.UserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	actorURI := ap.UserURI(s.cfg, u.Username)
	collID := ap.FollowingURI(actorURI)

	var items []string
	remoteIDs, err := s.store.FollowedRemoteActorIDs(r.Context(), u.ID)
	if err == nil {
		for _, id := range remoteIDs {
			if actor, err := s.store.RemoteActorByID(r.Context(), id); err == nil {
				items = append(items, actor.APID)
			}
		}
	}
	localIDs, err := s.store.LocalFollowedUserIDs(r.Context(), u.ID)
	if err == nil {
		for _, id := range localIDs {
			if followed, err := s.store.UserByID(r.Context(), id); err == nil {
				items = append(items, ap.UserURI(s.cfg, followed.Username))
			}
		}
	}

	total := len(items)
	if r.URL.Query().Get("page") == "" {
		apResponse(w, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collID,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      collID + "?page=1",
		})
		return
	}
	page := pageParam(r)
	start := (page - 1) * collectionPageSize
	if start > total {
		start = total
	}
	end := start + collectionPageSize
	if end > total {
		end = total
	}
	apResponse(w, s.collectionPage(collID, page, total, items[start:end]))
}

func (s *Server) handleUserOutbox(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.UserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	actorURI := ap.UserURI(s.cfg, u.Username)
	collID := ap.OutboxURI(actorURI)
	page := pageParam(r)

	articles, total, err := s.store.ArticlesByUser(r.Context(), u.ID,
		collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("page") == "" {
		apResponse(w, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collID,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      collID + "?page=1",
		})
		return
	}
	items := make([]interface{}, 0, len(articles))
	for _, a := range articles {
		items = append(items, s.articleWire(r.Context(), a, actorURI))
	}
	apResponse(w, s.collectionPage(collID, page, total, items))
}

func (s *Server) handleBoardOutbox(w http.ResponseWriter, r *http.Request) {
	b, ok := s.visibleBoard(r.Context(), chi.URLParam(r, "slug"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	collID := ap.OutboxURI(ap.BoardURI(s.cfg, b.Slug))
	page := pageParam(r)

	articles, total, err := s.store.ArticlesByBoard(r.Context(), b.ID,
		collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("page") == "" {
		apResponse(w, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collID,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      collID + "?page=1",
		})
		return
	}
	items := make([]string, 0, len(articles))
	for _, a := range articles {
		items = append(items, s.articleID(a))
	}
	apResponse(w, s.collectionPage(collID, page, total, items))
}

// ─── Objects ──────────────────────────────────────────────────────────────────

// articleID returns the canonical AP id: the stored one for remote articles,
// the local URI otherwise.
func (s *Server) articleID(a *store.Article) string {
	if a.APID != "" {
		return a.APID
	}
	return ap.ArticleURI(s.cfg, a.Slug)
}

// articleWire renders a local article in wire form. authorURI is the
// author's actor URI.
func (s *Server) articleWire(ctx context.Context, a *store.Article, authorURI string) *ap.Article {
	var boards []*store.Board
	if ids, err := s.store.BoardIDsForArticle(ctx, a.ID); err == nil {
		for _, id := range ids {
			if b, err := s.store.BoardByID(ctx, id); err == nil {
				boards = append(boards, b)
			}
		}
	}
	return s.publisher.ArticleObject(a, authorURI, boards)
}

func (s *Server) handleArticleObject(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.ArticleBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil || a.UserID == nil {
		http.NotFound(w, r)
		return
	}
	if a.DeletedAt != nil {
		apResponse(w, map[string]interface{}{
			"@context": ap.DefaultContext,
			"id":       ap.ArticleURI(s.cfg, a.Slug),
			"type":     "Tombstone",
		})
		return
	}
	author, err := s.store.UserByID(r.Context(), *a.UserID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	apResponse(w, ap.WithContext(s.articleWire(r.Context(), a, ap.UserURI(s.cfg, author.Username))))
}

func (s *Server) handleArticleReplies(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.ArticleBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil || a.DeletedAt != nil {
		http.NotFound(w, r)
		return
	}
	collID := ap.ArticleURI(s.cfg, a.Slug) + "/replies"
	page := pageParam(r)

	comments, total, err := s.store.CommentsForArticle(r.Context(), a.ID,
		collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("page") == "" {
		apResponse(w, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collID,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      collID + "?page=1",
		})
		return
	}
	items := make([]string, 0, len(comments))
	for _, c := range comments {
		if c.APID != "" {
			items = append(items, c.APID)
		} else {
			items = append(items, ap.CommentURI(s.cfg, c.ID))
		}
	}
	apResponse(w, s.collectionPage(collID, page, total, items))
}

func (s *Server) handleCommentObject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	c, err := s.store.CommentByID(r.Context(), id)
	if err != nil || c.UserID == nil || c.DeletedAt != nil {
		http.NotFound(w, r)
		return
	}
	author, err := s.store.UserByID(r.Context(), *c.UserID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	a, err := s.store.ArticleByID(r.Context(), c.ArticleID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
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
	articleAuthor := ""
	if a.UserID != nil {
		if owner, err := s.store.UserByID(r.Context(), *a.UserID); err == nil {
			articleAuthor = ap.UserURI(s.cfg, owner.Username)
		}
	}
	obj := s.publisher.CommentObject(c, ap.UserURI(s.cfg, author.Username), inReplyTo, articleAuthor)
	apResponse(w, ap.WithContext(obj))
}

// ─── Inbox ────────────────────────────────────────────────────────────────────

// handleInbox accepts one signed activity. All inbox routes funnel here; the
// target actor in the path carries no meaning because dispatch works off the
// activity content.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.FederationEnabled {
		http.Error(w, "federation disabled", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	actorURI, err := ap.VerifyRequest(r, body, s.resolver)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ap.ErrDomainDenied) {
			status = http.StatusForbidden
		}
		slog.Warn("inbox signature rejected", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", status)
		return
	}

	var act ap.IncomingActivity
	if err := json.Unmarshal(body, &act); err != nil {
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return
	}

	select {
	case s.inboxSem <- struct{}{}:
	default:
		slog.Warn("inbox overloaded, rejecting activity", "remote", r.RemoteAddr)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.inboxSem }()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	switch err := s.dispatcher.Process(ctx, &act, actorURI); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, ap.ErrDuplicateActivity):
		// Already applied; a plain 200 stops the remote's redelivery loop.
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ap.ErrActorMismatch):
		http.Error(w, "actor mismatch", http.StatusUnauthorized)
	case errors.Is(err, ap.ErrUnprocessable):
		http.Error(w, "unprocessable activity", http.StatusUnprocessableEntity)
	default:
		slog.Warn("inbox processing failed", "type", act.Type, "id", act.ID, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
	}
}
