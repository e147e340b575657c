// Package feed materializes a user's home feed by merging four sources:
// articles by the user and followed local users, articles in followed boards,
// remote posts from followed federated actors, and new comments on threads
// the user takes part in. Content from blocked or muted authors never
// surfaces.
package feed

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/baudrate/baudrate/internal/store"
)

// Item is one feed entry, normalized across local and remote sources.
type Item struct {
	Source      string          `json:"source"` // "user", "board", "remote", "comment"
	Article     *store.Article  `json:"article,omitempty"`
	Comment     *store.Comment  `json:"comment,omitempty"`
	Remote      json.RawMessage `json:"remote,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
	sortKey     int64
	tieBreak    string
}

// Page is a merged feed page.
type Page struct {
	Items   []*Item `json:"items"`
	Total   int     `json:"total"`
	Page    int     `json:"page"`
	PerPage int     `json:"per_page"`
}

// Materializer builds feed pages on demand.
type Materializer struct {
	store *store.Store
}

// New returns a feed materializer.
func New(st *store.Store) *Materializer {
	return &Materializer{store: st}
}

// Home merges the four sources into one page ordered newest first. Each
// source contributes its own top offset+perPage slice so the merged page is
// exact; the reported total is the sum of the per-source totals. A user who
// follows nothing still sees their own articles and replies to their threads.
func (m *Materializer) Home(ctx context.Context, userID int64, page, perPage int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	window := page * perPage

	userIDs, err := m.store.LocalFollowedUserIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	// The user's own articles belong in their feed alongside followed authors.
	userIDs = append(userIDs, userID)
	boardIDs, err := m.store.FollowedBoardIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	actorIDs, err := m.store.FollowedRemoteActorIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	var merged []*Item

	userArticles, err := m.store.ArticlesByUsers(ctx, userID, userIDs, window)
	if err != nil {
		return nil, err
	}
	for _, a := range userArticles {
		merged = append(merged, articleItem("user", a))
	}

	boardArticles, err := m.store.ArticlesByBoards(ctx, userID, boardIDs, window)
	if err != nil {
		return nil, err
	}
	for _, a := range boardArticles {
		merged = append(merged, articleItem("board", a))
	}

	remoteItems, err := m.store.FeedItemsByActors(ctx, userID, actorIDs, window)
	if err != nil {
		return nil, err
	}
	for _, fi := range remoteItems {
		merged = append(merged, &Item{
			Source:      "remote",
			Remote:      json.RawMessage(fi.Article),
			PublishedAt: fi.PublishedAt,
			sortKey:     fi.PublishedAt.Unix(),
			tieBreak:    fi.APID,
		})
	}

	threadComments, err := m.store.CommentsOnUserThreads(ctx, userID, window)
	if err != nil {
		return nil, err
	}
	for _, c := range threadComments {
		merged = append(merged, &Item{
			Source:      "comment",
			Comment:     c,
			PublishedAt: c.InsertedAt,
			sortKey:     c.InsertedAt.Unix(),
			tieBreak:    "c:" + strconv.FormatInt(c.ID, 10),
		})
	}

	merged = dedupeItems(merged)

	// Stable ordering: newest first, ties broken by a stable key so pages
	// do not shuffle between requests.
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].sortKey != merged[j].sortKey {
			return merged[i].sortKey > merged[j].sortKey
		}
		return merged[i].tieBreak > merged[j].tieBreak
	})

	userTotal, err := m.store.CountArticlesByUsers(ctx, userID, userIDs)
	if err != nil {
		return nil, err
	}
	boardTotal, err := m.store.CountArticlesByBoards(ctx, userID, boardIDs)
	if err != nil {
		return nil, err
	}
	remoteTotal, err := m.store.CountFeedItemsByActors(ctx, userID, actorIDs)
	if err != nil {
		return nil, err
	}
	commentTotal, err := m.store.CountCommentsOnUserThreads(ctx, userID)
	if err != nil {
		return nil, err
	}

	start := (page - 1) * perPage
	if start > len(merged) {
		start = len(merged)
	}
	end := start + perPage
	if end > len(merged) {
		end = len(merged)
	}

	return &Page{
		Items:   merged[start:end],
		Total:   userTotal + boardTotal + remoteTotal + commentTotal,
		Page:    page,
		PerPage: perPage,
	}, nil
}

func articleItem(source string, a *store.Article) *Item {
	return &Item{
		Source:      source,
		Article:     a,
		PublishedAt: a.PublishedAt,
		sortKey:     a.PublishedAt.Unix(),
		tieBreak:    a.Slug,
	}
}

// dedupeItems collapses the same article reaching the feed through both the
// author follow and a board follow; the first occurrence wins.
func dedupeItems(items []*Item) []*Item {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		key := it.tieBreak
		if it.Article != nil {
			key = "a:" + it.Article.Slug
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}
