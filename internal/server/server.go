// Package server implements the HTTP surface of baudrate: ActivityPub
// endpoints (actors, objects, inboxes, webfinger, nodeinfo), the JSON API for
// auth, feeds, notifications and moderation, and the metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baudrate/baudrate/internal/ap"
	"github.com/baudrate/baudrate/internal/auth"
	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/feed"
	"github.com/baudrate/baudrate/internal/keystore"
	"github.com/baudrate/baudrate/internal/moderation"
	"github.com/baudrate/baudrate/internal/notify"
	"github.com/baudrate/baudrate/internal/pubsub"
	"github.com/baudrate/baudrate/internal/store"
)

const (
	activityJSONType = `application/activity+json`
	version          = "1.0.0"
)

// maxConcurrentActivities bounds how many inbox activities are processed at
// once. Activities beyond the limit get a 503 and the sender retries.
const maxConcurrentActivities = 50

// Deps carries everything the server needs. All fields except VAPIDPublicKey
// are required.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Auth       *auth.Service
	Keys       *keystore.KeyStore
	Resolver   *ap.Resolver
	Publisher  *ap.Publisher
	Dispatcher *ap.Dispatcher
	Follows    *ap.FollowService
	Sender     ap.Sender
	Feed       *feed.Materializer
	Notify     *notify.Service
	Moderation *moderation.Service
	Broker     *pubsub.Broker

	// Base64url applicationServerKey handed to browsers; empty when Web
	// Push is not configured.
	VAPIDPublicKey string
}

// Server is the main HTTP server for baudrate.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	auth       *auth.Service
	keys       *keystore.KeyStore
	resolver   *ap.Resolver
	publisher  *ap.Publisher
	dispatcher *ap.Dispatcher
	follows    *ap.FollowService
	sender     ap.Sender
	feed       *feed.Materializer
	notify     *notify.Service
	mod        *moderation.Service
	broker     *pubsub.Broker
	vapidPub   string

	router    *chi.Mux
	startedAt time.Time
	inboxSem  chan struct{}
}

// New creates a new Server.
func New(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		store:      d.Store,
		auth:       d.Auth,
		keys:       d.Keys,
		resolver:   d.Resolver,
		publisher:  d.Publisher,
		dispatcher: d.Dispatcher,
		follows:    d.Follows,
		sender:     d.Sender,
		feed:       d.Feed,
		notify:     d.Notify,
		mod:        d.Moderation,
		broker:     d.Broker,
		vapidPub:   d.VAPIDPublicKey,
		startedAt:  time.Now(),
		inboxSem:   make(chan struct{}, maxConcurrentActivities),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "base_url", s.cfg.BaseURL)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Discovery.
	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/nodeinfo/{version}", s.handleNodeInfoSchema)

	// ActivityPub.
	r.Route("/ap", func(r chi.Router) {
		r.Get("/actor", s.handleSiteActor)
		r.Post("/inbox", s.handleInbox)
		r.Get("/boards", s.handleBoardDirectory)

		r.Get("/users/{username}", s.handleUserActor)
		r.Get("/users/{username}/followers", s.handleUserFollowers)
		r.Get("/users/{username}/following", s.handleUserFollowing)
		r.Get("/users/{username}/outbox", s.handleUserOutbox)
		r.Post("/users/{username}/inbox", s.handleInbox)

		r.Get("/boards/{slug}", s.handleBoardActor)
		r.Get("/boards/{slug}/followers", s.handleBoardFollowers)
		r.Get("/boards/{slug}/outbox", s.handleBoardOutbox)
		r.Post("/boards/{slug}/inbox", s.handleInbox)

		r.Get("/articles/{slug}", s.handleArticleObject)
		r.Get("/articles/{slug}/replies", s.handleArticleReplies)
		r.Get("/comments/{id}", s.handleCommentObject)
	})

	// JSON API.
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/totp", s.handleTOTPLogin)
		r.Post("/auth/recovery", s.handleRecoveryLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		r.Get("/search", s.handleSearch)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)

			r.Post("/auth/logout-all", s.handleLogoutAll)
			r.Post("/auth/password", s.handleChangePassword)
			r.Post("/auth/totp/enroll", s.handleTOTPEnroll)
			r.Post("/auth/totp/confirm", s.handleTOTPConfirm)
			r.Post("/auth/totp/disable", s.handleTOTPDisable)

			r.Post("/articles", s.handleCreateArticle)
			r.Post("/articles/{slug}/comments", s.handleCreateComment)
			r.Post("/articles/{slug}/like", s.handleLikeArticle)
			r.Post("/articles/{slug}/announce", s.handleAnnounceArticle)

			r.Get("/feed", s.handleFeed)

			r.Post("/follows", s.handleFollow)
			r.Delete("/follows", s.handleUnfollow)
			r.Post("/blocks", s.handleBlock)
			r.Delete("/blocks", s.handleUnblock)
			r.Post("/mutes", s.handleMute)
			r.Delete("/mutes", s.handleUnmute)

			r.Get("/notifications", s.handleNotifications)
			r.Get("/notifications/stream", s.handleNotificationStream)
			r.Post("/notifications/read", s.handleNotificationRead)
			r.Post("/notifications/read-all", s.handleNotificationReadAll)
			r.Put("/notifications/prefs", s.handleNotificationPrefs)

			r.Get("/push/key", s.handlePushKey)
			r.Post("/push/subscriptions", s.handlePushSubscribe)
			r.Delete("/push/subscriptions", s.handlePushUnsubscribe)

			r.Post("/reports", s.handleCreateReport)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser, s.requireRole(store.RoleModerator))

			r.Get("/mod/reports", s.handleListReports)
			r.Post("/mod/reports/{id}/resolve", s.handleResolveReport)
			r.Post("/mod/users/{id}/ban", s.handleBanUser)
			r.Post("/mod/users/{id}/unban", s.handleUnbanUser)
			r.Post("/mod/users/{id}/rotate-keys", s.handleRotateUserKeys)
			r.Post("/mod/boards/{slug}/rotate-keys", s.handleRotateBoardKeys)
			r.Post("/mod/articles/{id}/flags", s.handleArticleFlags)
			r.Delete("/mod/articles/{id}", s.handleRemoveArticle)
			r.Delete("/mod/comments/{id}", s.handleRemoveComment)
			r.Post("/mod/boards/{slug}/followers/{actorID}", s.handleDecideBoardFollower)
			r.Get("/mod/log", s.handleModerationLog)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s - a federated forum.\nRunning on %s\n", s.cfg.SiteName, s.cfg.Host())
	})

	return r
}

// ─── Utility functions ────────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	jsonResponse(w, map[string]string{"error": msg}, status)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers for fediverse compatibility.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap allows http.ResponseController to reach the underlying ResponseWriter
// so SetWriteDeadline works for long-lived SSE connections.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
