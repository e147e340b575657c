package ap

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/store"
)

const summaryMaxLen = 500

// Publisher builds outbound activities with local ids and addressing.
type Publisher struct {
	config *config.Config
}

// NewPublisher returns a publisher for the configured origin.
func NewPublisher(cfg *config.Config) *Publisher {
	return &Publisher{config: cfg}
}

func (p *Publisher) newActivityID() string {
	return ActivityURI(p.config, uuid.NewString())
}

// ArticleObject renders a local article as an AP Article addressed to the
// public collection and the boards it was posted to. Private boards never
// reach this path; callers filter them before publishing.
func (p *Publisher) ArticleObject(a *store.Article, author string, boards []*store.Board) *Article {
	to := []string{PublicURI}
	var cc, audience []string
	for _, b := range boards {
		if !b.Public() || !b.APEnabled {
			continue
		}
		uri := BoardURI(p.config, b.Slug)
		cc = append(cc, FollowersURI(uri))
		audience = append(audience, uri)
	}
	cc = append(cc, FollowersURI(author))

	obj := &Article{
		ID:           ArticleURI(p.config, a.Slug),
		Type:         "Article",
		AttributedTo: author,
		Name:         a.Title,
		Content:      a.BodyHTML,
		Summary:      Summarize(a.Body),
		Published:    a.PublishedAt.UTC().Format(time.RFC3339),
		To:           to,
		CC:           cc,
		Audience:     audience,
		URL:          p.config.AbsoluteURL("/a/" + a.Slug),
		Replies:      ArticleURI(p.config, a.Slug) + "/replies",
		Pinned:       a.Pinned,
		Locked:       a.Locked,
		CommentCount: a.CommentCount,
		LikeCount:    a.LikeCount,
	}
	if a.UpdatedAt != nil {
		obj.Updated = a.UpdatedAt.UTC().Format(time.RFC3339)
	}
	for _, tag := range ExtractHashtags(a.Body) {
		obj.Tag = append(obj.Tag, Hashtag{
			Type: "Hashtag",
			Href: p.config.AbsoluteURL("/tags/" + tag),
			Name: "#" + tag,
		})
	}
	return obj
}

// CommentObject renders a local comment as an AP Note.
func (p *Publisher) CommentObject(c *store.Comment, author, inReplyTo string, articleAuthor string) *Article {
	return &Article{
		ID:           CommentURI(p.config, c.ID),
		Type:         "Note",
		AttributedTo: author,
		Content:      c.BodyHTML,
		Published:    c.InsertedAt.UTC().Format(time.RFC3339),
		To:           []string{PublicURI},
		CC:           []string{FollowersURI(author), articleAuthor},
		InReplyTo:    inReplyTo,
	}
}

// Create wraps an object in a Create activity addressed like the object.
func (p *Publisher) Create(actor string, obj *Article) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        p.newActivityID(),
		Type:      "Create",
		Actor:     actor,
		Object:    obj,
		To:        obj.To,
		CC:        obj.CC,
		Audience:  obj.Audience,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// Update wraps an edited object in an Update activity.
func (p *Publisher) Update(actor string, obj *Article) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        p.newActivityID(),
		Type:      "Update",
		Actor:     actor,
		Object:    obj,
		To:        obj.To,
		CC:        obj.CC,
		Audience:  obj.Audience,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// UpdateActor announces a changed actor profile (key rotation, rename).
func (p *Publisher) UpdateActor(actor *Actor) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        p.newActivityID(),
		Type:      "Update",
		Actor:     actor.ID,
		Object:    actor,
		To:        []string{PublicURI},
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// Delete publishes a tombstone for a removed object.
func (p *Publisher) Delete(actor, objectID string) *Activity {
	return &Activity{
		Context: DefaultContext,
		ID:      p.newActivityID(),
		Type:    "Delete",
		Actor:   actor,
		Object: map[string]interface{}{
			"id":   objectID,
			"type": "Tombstone",
		},
		To:        []string{PublicURI},
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// Like builds a Like of a remote object.
func (p *Publisher) Like(actor, objectID string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        p.newActivityID(),
		Type:      "Like",
		Actor:     actor,
		Object:    objectID,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// Announce builds a boost of an object toward the actor's followers.
func (p *Publisher) Announce(actor, objectID string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        p.newActivityID(),
		Type:      "Announce",
		Actor:     actor,
		Object:    objectID,
		To:        []string{PublicURI},
		CC:        []string{FollowersURI(actor)},
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// Follow builds an outbound follow request.
func (p *Publisher) Follow(actor, target string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        p.newActivityID(),
		Type:      "Follow",
		Actor:     actor,
		Object:    target,
		To:        []string{target},
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// Accept answers an inbound Follow. The original activity is embedded so the
// remote side can correlate.
func (p *Publisher) Accept(actor string, follow *IncomingActivity) *Activity {
	return &Activity{
		Context: DefaultContext,
		ID:      p.newActivityID(),
		Type:    "Accept",
		Actor:   actor,
		Object: map[string]interface{}{
			"id":     follow.ID,
			"type":   follow.Type,
			"actor":  follow.Actor,
			"object": follow.ObjectID(),
		},
		To:        []string{follow.Actor},
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// Reject refuses an inbound Follow.
func (p *Publisher) Reject(actor string, follow *IncomingActivity) *Activity {
	return &Activity{
		Context: DefaultContext,
		ID:      p.newActivityID(),
		Type:    "Reject",
		Actor:   actor,
		Object: map[string]interface{}{
			"id":     follow.ID,
			"type":   follow.Type,
			"actor":  follow.Actor,
			"object": follow.ObjectID(),
		},
		To:        []string{follow.Actor},
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// Undo reverses a previous activity of ours (Follow, Like, Announce).
func (p *Publisher) Undo(actor string, inner *Activity) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        p.newActivityID(),
		Type:      "Undo",
		Actor:     actor,
		Object:    inner,
		To:        inner.To,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// ─── Content helpers ──────────────────────────────────────────────────────────

var (
	mdCodeBlock  = regexp.MustCompile("(?s)```.*?```|`[^`\n]*`")
	mdLink       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdImage      = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdEmphasis   = regexp.MustCompile(`[*_~]{1,3}`)
	mdBlockquote = regexp.MustCompile(`(?m)^>\s?`)
	hashtagRe    = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_-]{1,64})`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Summarize strips markdown syntax and truncates to the preview length on a
// rune boundary, with an ellipsis when anything was cut.
func Summarize(markdown string) string {
	text := mdCodeBlock.ReplaceAllString(markdown, " ")
	text = mdImage.ReplaceAllString(text, " ")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdBlockquote.ReplaceAllString(text, "")
	text = mdEmphasis.ReplaceAllString(text, "")
	text = strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))

	runes := []rune(text)
	if len(runes) <= summaryMaxLen {
		return text
	}
	return strings.TrimSpace(string(runes[:summaryMaxLen-1])) + "…"
}

// ExtractHashtags finds #tags in markdown, ignoring anything inside code
// spans or fenced blocks. Tags are lowercased and deduplicated in order of
// first appearance.
func ExtractHashtags(markdown string) []string {
	text := mdCodeBlock.ReplaceAllString(markdown, " ")
	seen := make(map[string]bool)
	var out []string
	for _, m := range hashtagRe.FindAllStringSubmatch(text, -1) {
		tag := strings.ToLower(m[1])
		if seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// AudienceBoardSlugs scans to/cc/audience for local board URIs and returns
// their slugs.
func AudienceBoardSlugs(cfg *config.Config, act *IncomingActivity) []string {
	prefix := cfg.AbsoluteURL("/ap/boards/")
	seen := make(map[string]bool)
	var out []string
	scan := func(values []string) {
		for _, v := range values {
			rest, ok := strings.CutPrefix(v, prefix)
			if !ok {
				continue
			}
			slug := strings.TrimSuffix(rest, "/followers")
			if slug == "" || strings.Contains(slug, "/") || seen[slug] {
				continue
			}
			seen[slug] = true
			out = append(out, slug)
		}
	}
	scan(act.To)
	scan(act.CC)
	scan(act.Audience)
	return out
}

// IsPublic reports whether the activity addresses the public collection.
func IsPublic(act *IncomingActivity) bool {
	for _, v := range append(append([]string{}, act.To...), act.CC...) {
		if v == PublicURI || v == "as:Public" || v == "Public" {
			return true
		}
	}
	return false
}

// FormatHandle renders a local account handle like @alice@example.org.
func FormatHandle(cfg *config.Config, username string) string {
	return fmt.Sprintf("@%s@%s", username, cfg.Host())
}
