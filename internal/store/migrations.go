package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// commonMigrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here. Two tokens are rewritten per
// driver: __ID__ (auto-increment primary key) and __BLOB__ (binary column).
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id __ID__,
		username TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		totp_enabled INTEGER NOT NULL DEFAULT 0,
		totp_secret_enc __BLOB__,
		totp_last_used_at INTEGER,
		totp_reenroll INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL DEFAULT 'user',
		status TEXT NOT NULL DEFAULT 'active',
		avatar_id TEXT,
		preferred_locales TEXT NOT NULL DEFAULT '[]',
		notification_prefs TEXT NOT NULL DEFAULT '{}',
		public_key_pem TEXT,
		private_key_enc __BLOB__,
		created_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower ON users(lower(username))`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id __ID__,
		user_id BIGINT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		refresh_token_hash TEXT NOT NULL UNIQUE,
		expires_at INTEGER NOT NULL,
		refreshed_at INTEGER NOT NULL,
		ip_address TEXT,
		user_agent TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_user ON sessions(user_id, refreshed_at)`,

	`CREATE TABLE IF NOT EXISTS recovery_codes (
		id __ID__,
		user_id BIGINT NOT NULL,
		code_hash TEXT NOT NULL,
		used_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS recovery_codes_user ON recovery_codes(user_id)`,

	`CREATE TABLE IF NOT EXISTS login_attempts (
		id __ID__,
		username TEXT NOT NULL,
		ip_address TEXT,
		success INTEGER NOT NULL,
		inserted_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS login_attempts_time ON login_attempts(inserted_at)`,

	`CREATE TABLE IF NOT EXISTS boards (
		id __ID__,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		parent_id BIGINT,
		position INTEGER NOT NULL DEFAULT 0,
		min_role_to_view TEXT NOT NULL DEFAULT 'guest',
		ap_enabled INTEGER NOT NULL DEFAULT 1,
		ap_accept_policy TEXT NOT NULL DEFAULT 'open',
		public_key_pem TEXT,
		private_key_enc __BLOB__,
		created_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS articles (
		id __ID__,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		body_html TEXT NOT NULL DEFAULT '',
		slug TEXT NOT NULL UNIQUE,
		pinned INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		forwardable INTEGER NOT NULL DEFAULT 1,
		deleted_at INTEGER,
		user_id BIGINT,
		remote_actor_id BIGINT,
		ap_id TEXT,
		published_at INTEGER NOT NULL,
		updated_at INTEGER,
		comment_count INTEGER NOT NULL DEFAULT 0,
		like_count INTEGER NOT NULL DEFAULT 0,
		search_text TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS articles_ap_id ON articles(ap_id) WHERE ap_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS articles_author ON articles(user_id, published_at)`,
	`CREATE INDEX IF NOT EXISTS articles_remote ON articles(remote_actor_id)`,

	`CREATE TABLE IF NOT EXISTS article_boards (
		article_id BIGINT NOT NULL,
		board_id BIGINT NOT NULL,
		UNIQUE(article_id, board_id)
	)`,
	`CREATE INDEX IF NOT EXISTS article_boards_board ON article_boards(board_id)`,

	`CREATE TABLE IF NOT EXISTS article_likes (
		id __ID__,
		article_id BIGINT NOT NULL,
		user_id BIGINT,
		remote_actor_id BIGINT,
		ap_id TEXT,
		inserted_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS article_likes_actor ON article_likes(
		article_id, coalesce(user_id, 0), coalesce(remote_actor_id, 0))`,

	`CREATE TABLE IF NOT EXISTS announces (
		id __ID__,
		ap_id TEXT NOT NULL UNIQUE,
		remote_actor_id BIGINT NOT NULL,
		object_ap_id TEXT NOT NULL,
		inserted_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS comments (
		id __ID__,
		body TEXT NOT NULL,
		body_html TEXT NOT NULL DEFAULT '',
		parent_id BIGINT,
		article_id BIGINT NOT NULL,
		user_id BIGINT,
		remote_actor_id BIGINT,
		ap_id TEXT,
		deleted_at INTEGER,
		inserted_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS comments_ap_id ON comments(ap_id) WHERE ap_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS comments_article ON comments(article_id, inserted_at)`,

	`CREATE TABLE IF NOT EXISTS remote_actors (
		id __ID__,
		ap_id TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		inbox TEXT NOT NULL DEFAULT '',
		shared_inbox TEXT,
		actor_type TEXT NOT NULL DEFAULT 'Person',
		icon_url TEXT,
		fetched_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS followers (
		id __ID__,
		remote_actor_id BIGINT NOT NULL,
		user_id BIGINT,
		board_id BIGINT,
		ap_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		inserted_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS followers_target ON followers(
		remote_actor_id, coalesce(user_id, 0), coalesce(board_id, 0))`,
	`CREATE INDEX IF NOT EXISTS followers_ap_id ON followers(ap_id)`,

	`CREATE TABLE IF NOT EXISTS user_follows (
		id __ID__,
		user_id BIGINT NOT NULL,
		remote_actor_id BIGINT,
		followed_user_id BIGINT,
		ap_id TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		inserted_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS user_follows_ap_id ON user_follows(ap_id) WHERE ap_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS user_follows_target ON user_follows(
		user_id, coalesce(remote_actor_id, 0), coalesce(followed_user_id, 0))`,

	`CREATE TABLE IF NOT EXISTS board_follows (
		id __ID__,
		user_id BIGINT NOT NULL,
		board_id BIGINT,
		remote_actor_id BIGINT,
		ap_id TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		inserted_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS board_follows_ap_id ON board_follows(ap_id) WHERE ap_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS board_follows_target ON board_follows(
		user_id, coalesce(board_id, 0), coalesce(remote_actor_id, 0))`,

	`CREATE TABLE IF NOT EXISTS delivery_jobs (
		id __ID__,
		activity TEXT NOT NULL,
		inbox_url TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		last_error TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		inserted_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS delivery_jobs_pending ON delivery_jobs(state, next_attempt_at)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id __ID__,
		user_id BIGINT NOT NULL,
		type TEXT NOT NULL,
		actor_user_id BIGINT,
		actor_remote_actor_id BIGINT,
		article_id BIGINT,
		comment_id BIGINT,
		data TEXT NOT NULL DEFAULT '{}',
		read INTEGER NOT NULL DEFAULT 0,
		inserted_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS notifications_dedup ON notifications(
		user_id, type, coalesce(actor_user_id, 0), coalesce(actor_remote_actor_id, 0),
		coalesce(article_id, 0), coalesce(comment_id, 0))`,
	`CREATE INDEX IF NOT EXISTS notifications_user ON notifications(user_id, inserted_at)`,

	`CREATE TABLE IF NOT EXISTS push_subscriptions (
		id __ID__,
		user_id BIGINT NOT NULL,
		endpoint TEXT NOT NULL UNIQUE,
		p256dh __BLOB__ NOT NULL,
		auth __BLOB__ NOT NULL,
		user_agent TEXT,
		inserted_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS push_subscriptions_user ON push_subscriptions(user_id)`,

	`CREATE TABLE IF NOT EXISTS feed_items (
		id __ID__,
		ap_id TEXT NOT NULL UNIQUE,
		remote_actor_id BIGINT NOT NULL,
		article TEXT NOT NULL,
		published_at INTEGER NOT NULL,
		deleted_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS feed_items_actor ON feed_items(remote_actor_id, published_at)`,

	`CREATE TABLE IF NOT EXISTS user_blocks (
		user_id BIGINT NOT NULL,
		target_user_id BIGINT,
		target_remote_actor_id BIGINT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS user_blocks_target ON user_blocks(
		user_id, coalesce(target_user_id, 0), coalesce(target_remote_actor_id, 0))`,
	`CREATE TABLE IF NOT EXISTS user_mutes (
		user_id BIGINT NOT NULL,
		target_user_id BIGINT,
		target_remote_actor_id BIGINT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS user_mutes_target ON user_mutes(
		user_id, coalesce(target_user_id, 0), coalesce(target_remote_actor_id, 0))`,

	`CREATE TABLE IF NOT EXISTS reports (
		id __ID__,
		reporter_user_id BIGINT NOT NULL,
		article_id BIGINT,
		comment_id BIGINT,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		resolved_by BIGINT,
		resolved_at INTEGER,
		inserted_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS moderation_log (
		id __ID__,
		actor_id BIGINT NOT NULL,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		inserted_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS inbox_activities (
		ap_id TEXT PRIMARY KEY,
		seen_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS inbox_activities_seen ON inbox_activities(seen_at)`,

	`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	blobType := "BLOB"
	if s.driver == "postgres" {
		idType = "BIGSERIAL PRIMARY KEY"
		blobType = "BYTEA"
	}

	for _, m := range commonMigrations {
		stmt := strings.ReplaceAll(m, "__ID__", idType)
		stmt = strings.ReplaceAll(stmt, "__BLOB__", blobType)
		if _, err := s.db.Exec(stmt); err != nil {
			// Ignore "already exists" errors on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	slog.Info("migrations complete")
	return nil
}
