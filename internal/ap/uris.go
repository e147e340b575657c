package ap

import (
	"fmt"

	"github.com/baudrate/baudrate/internal/config"
)

// Local actor and object URI layout. Everything lives under /ap/ so the
// HTML routes stay free for the front end.

func UserURI(cfg *config.Config, username string) string {
	return cfg.AbsoluteURL("/ap/users/" + username)
}

func BoardURI(cfg *config.Config, slug string) string {
	return cfg.AbsoluteURL("/ap/boards/" + slug)
}

func SiteActorURI(cfg *config.Config) string {
	return cfg.AbsoluteURL("/ap/actor")
}

func ArticleURI(cfg *config.Config, slug string) string {
	return cfg.AbsoluteURL("/ap/articles/" + slug)
}

func CommentURI(cfg *config.Config, id int64) string {
	return cfg.AbsoluteURL(fmt.Sprintf("/ap/comments/%d", id))
}

func ActivityURI(cfg *config.Config, id string) string {
	return cfg.AbsoluteURL("/ap/activities/" + id)
}

func InboxURI(cfg *config.Config, actorURI string) string {
	return actorURI + "/inbox"
}

func SharedInboxURI(cfg *config.Config) string {
	return cfg.AbsoluteURL("/ap/inbox")
}

func FollowersURI(actorURI string) string {
	return actorURI + "/followers"
}

func FollowingURI(actorURI string) string {
	return actorURI + "/following"
}

func OutboxURI(actorURI string) string {
	return actorURI + "/outbox"
}

func KeyID(actorURI string) string {
	return actorURI + "#main-key"
}
