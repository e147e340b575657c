// baudrated is the baudrate forum server: a federated message board speaking
// ActivityPub, with TOTP-capable local accounts, live notifications, and Web
// Push. It runs as a single binary with SQLite by default; set DATABASE_URL
// to a postgres:// URL for multi-node deployments.
//
// Usage:
//
//	export BASE_URL=https://forum.example
//	export TOTP_VAULT_KEY=<base64 32-byte key>
//	export VAPID_VAULT_KEY=<base64 32-byte key>
//	./baudrated
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baudrate/baudrate/internal/ap"
	"github.com/baudrate/baudrate/internal/auth"
	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/delivery"
	"github.com/baudrate/baudrate/internal/feed"
	"github.com/baudrate/baudrate/internal/keystore"
	"github.com/baudrate/baudrate/internal/moderation"
	"github.com/baudrate/baudrate/internal/notify"
	"github.com/baudrate/baudrate/internal/pubsub"
	"github.com/baudrate/baudrate/internal/server"
	"github.com/baudrate/baudrate/internal/store"
	"github.com/baudrate/baudrate/internal/vault"
	"github.com/baudrate/baudrate/internal/webpush"
)

const deliveryWorkers = 4

func main() {
	// Structured JSON logging by default.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting baudrate", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"base_url", cfg.BaseURL,
		"database", cfg.DatabaseURL,
		"federation", cfg.FederationEnabled,
		"registration", string(cfg.RegistrationMode),
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Vaults and key material ──────────────────────────────────────────────
	totpVault, err := vault.New(cfg.TOTPVaultKey)
	if err != nil {
		slog.Error("totp vault", "error", err)
		os.Exit(1)
	}
	vapidVault, err := vault.New(cfg.VAPIDVaultKey)
	if err != nil {
		slog.Error("vapid vault", "error", err)
		os.Exit(1)
	}

	keys := keystore.New(st, totpVault)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := keys.EnsureSiteKeys(ctx); err != nil {
		slog.Error("site actor keys", "error", err)
		os.Exit(1)
	}

	vapid, err := loadOrGenerateVAPID(ctx, st, vapidVault)
	if err != nil {
		slog.Error("vapid key", "error", err)
		os.Exit(1)
	}

	// ─── Wiring ───────────────────────────────────────────────────────────────
	broker := pubsub.New()
	authSvc := auth.New(st, totpVault)
	resolver := ap.NewResolver(st, cfg)
	publisher := ap.NewPublisher(cfg)

	keySource := delivery.NewStoreKeySource(st, cfg, keys)
	queue := delivery.NewQueue(st, keySource, deliveryWorkers)

	var pusher notify.Pusher
	if cfg.VAPIDContact != "" {
		pusher = webpush.NewSender(vapid, cfg.VAPIDContact)
	} else {
		slog.Warn("VAPID_CONTACT not set, web push disabled")
	}
	notifier := notify.New(st, broker, pusher)

	dispatcher := ap.NewDispatcher(st, cfg, resolver, publisher, queue, notifier, broker)
	follows := ap.NewFollowService(st, cfg, publisher, queue)
	feeds := feed.New(st)
	mod := moderation.New(st, cfg, keys, publisher, queue, notifier)

	// ─── Background workers ───────────────────────────────────────────────────
	go queue.Run(ctx)
	go janitor(ctx, st, authSvc)

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := server.New(server.Deps{
		Config:         cfg,
		Store:          st,
		Auth:           authSvc,
		Keys:           keys,
		Resolver:       resolver,
		Publisher:      publisher,
		Dispatcher:     dispatcher,
		Follows:        follows,
		Sender:         queue,
		Feed:           feeds,
		Notify:         notifier,
		Moderation:     mod,
		Broker:         broker,
		VAPIDPublicKey: vapid.PublicKey(),
	})
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("baudrate stopped")
}

// loadOrGenerateVAPID restores the server's push identity from the kv table,
// generating and persisting one on first start. The scalar only ever touches
// the database vault-encrypted.
func loadOrGenerateVAPID(ctx context.Context, st *store.Store, v *vault.Vault) (*webpush.VAPIDKey, error) {
	const kvKey = "vapid_scalar_enc"

	stored, err := st.GetKV(ctx, kvKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if stored != "" {
		envelope, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return nil, err
		}
		scalar, err := v.Decrypt(envelope)
		if err != nil {
			return nil, err
		}
		return webpush.VAPIDKeyFromScalar(scalar)
	}

	key, err := webpush.GenerateVAPIDKey()
	if err != nil {
		return nil, err
	}
	envelope, err := v.Encrypt(key.Scalar())
	if err != nil {
		return nil, err
	}
	if err := st.SetKV(ctx, kvKey, base64.StdEncoding.EncodeToString(envelope)); err != nil {
		return nil, err
	}
	slog.Info("generated new VAPID key pair")
	return key, nil
}

// janitor reaps expired and aged-out rows on a fixed cadence.
func janitor(ctx context.Context, st *store.Store, authSvc *auth.Service) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()

		if n, err := authSvc.PurgeExpired(ctx); err != nil {
			slog.Warn("session purge failed", "error", err)
		} else if n > 0 {
			slog.Info("purged expired sessions", "count", n)
		}
		if _, err := st.ReapSeenActivities(ctx, now.Add(-24*time.Hour)); err != nil {
			slog.Warn("seen-activity reap failed", "error", err)
		}
		if _, err := st.ReapLoginAttempts(ctx, now.Add(-7*24*time.Hour)); err != nil {
			slog.Warn("login-attempt reap failed", "error", err)
		}
		if _, err := st.ReapNotifications(ctx, now.Add(-90*24*time.Hour)); err != nil {
			slog.Warn("notification reap failed", "error", err)
		}
		if _, err := st.ReapDeliveryJobs(ctx, now.Add(-7*24*time.Hour)); err != nil {
			slog.Warn("delivery-job reap failed", "error", err)
		}
	}
}
