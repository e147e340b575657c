package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baudrate/baudrate/internal/store"
)

type feedFixture struct {
	store *store.Store
	feed  *Materializer
	alice *store.User
	bob   *store.User
	board *store.Board
	actor *store.RemoteActor
}

func newFeedFixture(t *testing.T) *feedFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	alice, err := st.CreateUser(ctx, "alice", "x", store.RoleUser, store.StatusActive)
	require.NoError(t, err)
	bob, err := st.CreateUser(ctx, "bob", "x", store.RoleUser, store.StatusActive)
	require.NoError(t, err)
	board, err := st.CreateBoard(ctx, &store.Board{
		Slug: "general", Name: "General", MinRoleToView: store.RoleGuest, APEnabled: true,
	})
	require.NoError(t, err)
	actor, err := st.UpsertRemoteActor(ctx, &store.RemoteActor{
		APID:   "https://remote.example/users/carol",
		Domain: "remote.example",
		Inbox:  "https://remote.example/users/carol/inbox",
	})
	require.NoError(t, err)

	return &feedFixture{store: st, feed: New(st), alice: alice, bob: bob, board: board, actor: actor}
}

func (f *feedFixture) followAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.InsertUserFollow(ctx, &store.UserFollow{
		UserID:         f.alice.ID,
		FollowedUserID: &f.bob.ID,
		State:          store.FollowAccepted,
	}))
	require.NoError(t, f.store.InsertBoardFollow(ctx, &store.BoardFollow{
		UserID:  f.alice.ID,
		BoardID: &f.board.ID,
		State:   store.FollowAccepted,
	}))
	require.NoError(t, f.store.InsertUserFollow(ctx, &store.UserFollow{
		UserID:        f.alice.ID,
		RemoteActorID: &f.actor.ID,
		APID:          "https://forum.example/ap/activities/follow-carol",
		State:         store.FollowAccepted,
	}))
}

func (f *feedFixture) article(t *testing.T, slug string, author *int64, boardIDs []int64, published time.Time) *store.Article {
	t.Helper()
	a, err := f.store.CreateArticle(context.Background(), &store.Article{
		Title:       slug,
		Body:        "body",
		Slug:        slug,
		UserID:      author,
		PublishedAt: published,
	}, boardIDs)
	require.NoError(t, err)
	return a
}

func (f *feedFixture) comment(t *testing.T, articleID int64, author *int64, body string) *store.Comment {
	t.Helper()
	c, err := f.store.CreateComment(context.Background(), &store.Comment{
		Body: body, BodyHTML: body, ArticleID: articleID, UserID: author,
	})
	require.NoError(t, err)
	return c
}

func TestEmptyFeedForUserWithNoFollows(t *testing.T) {
	f := newFeedFixture(t)
	f.article(t, "unrelated", &f.bob.ID, []int64{f.board.ID}, time.Now())

	page, err := f.feed.Home(context.Background(), f.alice.ID, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Zero(t, page.Total)
}

func TestHomeMergesSourcesNewestFirst(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()
	f.followAll(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	f.article(t, "oldest", &f.bob.ID, nil, base)
	f.article(t, "middle", &f.bob.ID, []int64{f.board.ID}, base.Add(10*time.Minute))
	require.NoError(t, f.store.UpsertFeedItem(ctx, &store.FeedItem{
		APID:          "https://remote.example/objects/newest",
		RemoteActorID: f.actor.ID,
		Article:       `{"id":"https://remote.example/objects/newest"}`,
		PublishedAt:   base.Add(20 * time.Minute),
	}))

	page, err := f.feed.Home(ctx, f.alice.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	// "middle" counts in both the author and the board source; the total is
	// the per-source sum, not the deduped length.
	assert.Equal(t, 4, page.Total)

	assert.Equal(t, "remote", page.Items[0].Source)
	assert.Equal(t, "middle", page.Items[1].Article.Slug)
	assert.Equal(t, "oldest", page.Items[2].Article.Slug)
}

func TestHomeDedupesAuthorAndBoardOverlap(t *testing.T) {
	f := newFeedFixture(t)
	f.followAll(t)

	// Bob's article in a followed board reaches the feed via both follows
	// but appears once.
	f.article(t, "both-paths", &f.bob.ID, []int64{f.board.ID}, time.Now().Truncate(time.Second))

	page, err := f.feed.Home(context.Background(), f.alice.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "both-paths", page.Items[0].Article.Slug)
}

func TestHomePaging(t *testing.T) {
	f := newFeedFixture(t)
	f.followAll(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		f.article(t, "a-"+string(rune('0'+i)), &f.bob.ID, nil, base.Add(time.Duration(i)*time.Minute))
	}

	first, err := f.feed.Home(context.Background(), f.alice.ID, 1, 2)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, 5, first.Total)
	assert.Equal(t, "a-4", first.Items[0].Article.Slug)
	assert.Equal(t, "a-3", first.Items[1].Article.Slug)

	second, err := f.feed.Home(context.Background(), f.alice.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "a-2", second.Items[0].Article.Slug)

	// Pages beyond the end are empty, not errors.
	beyond, err := f.feed.Home(context.Background(), f.alice.ID, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)
	assert.Equal(t, 5, beyond.Total)
}

func TestHomeExcludesDeletedArticles(t *testing.T) {
	f := newFeedFixture(t)
	f.followAll(t)

	a := f.article(t, "doomed", &f.bob.ID, nil, time.Now().Truncate(time.Second))
	require.NoError(t, f.store.SoftDeleteArticle(context.Background(), a.ID))

	page, err := f.feed.Home(context.Background(), f.alice.ID, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestHomeIncludesOwnArticles(t *testing.T) {
	f := newFeedFixture(t)

	// No follows at all; the author still sees their own article.
	f.article(t, "mine", &f.alice.ID, nil, time.Now().Truncate(time.Second))

	page, err := f.feed.Home(context.Background(), f.alice.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "user", page.Items[0].Source)
	assert.Equal(t, "mine", page.Items[0].Article.Slug)
}

func TestHomeIncludesRepliesToOwnThreads(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()

	a := f.article(t, "mine", &f.alice.ID, nil, time.Now().Add(-time.Hour).Truncate(time.Second))
	reply := f.comment(t, a.ID, &f.bob.ID, "nice post")
	// The author's own reply does not echo back into their feed.
	f.comment(t, a.ID, &f.alice.ID, "thanks")

	page, err := f.feed.Home(ctx, f.alice.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Total)

	var comments []*Item
	for _, it := range page.Items {
		if it.Source == "comment" {
			comments = append(comments, it)
		}
	}
	require.Len(t, comments, 1)
	assert.Equal(t, reply.ID, comments[0].Comment.ID)
}

func TestHomeIncludesRepliesToThreadsCommentedOn(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()

	// Bob's article is not in alice's feed, but once alice comments there
	// later replies on the thread are.
	a := f.article(t, "bobs", &f.bob.ID, nil, time.Now().Add(-time.Hour).Truncate(time.Second))
	f.comment(t, a.ID, &f.alice.ID, "interesting")
	reply := f.comment(t, a.ID, &f.bob.ID, "glad you think so")

	page, err := f.feed.Home(ctx, f.alice.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "comment", page.Items[0].Source)
	assert.Equal(t, reply.ID, page.Items[0].Comment.ID)
}

func TestHomeExcludesBlockedAndMutedAuthors(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()
	f.followAll(t)

	f.article(t, "from-bob", &f.bob.ID, []int64{f.board.ID}, time.Now().Truncate(time.Second))
	require.NoError(t, f.store.UpsertFeedItem(ctx, &store.FeedItem{
		APID:          "https://remote.example/objects/1",
		RemoteActorID: f.actor.ID,
		Article:       `{"id":"https://remote.example/objects/1"}`,
		PublishedAt:   time.Now().Truncate(time.Second),
	}))

	require.NoError(t, f.store.InsertUserBlock(ctx, f.alice.ID, &f.bob.ID, nil))
	require.NoError(t, f.store.InsertUserMute(ctx, f.alice.ID, nil, &f.actor.ID))

	// Bob reaches the feed through both the user follow and the board
	// follow; the block covers both paths, the mute covers the remote one.
	page, err := f.feed.Home(ctx, f.alice.ID, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Zero(t, page.Total)
}

func TestHomeExcludesBlockedCommenters(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()

	a := f.article(t, "mine", &f.alice.ID, nil, time.Now().Truncate(time.Second))
	f.comment(t, a.ID, &f.bob.ID, "unwanted")
	require.NoError(t, f.store.InsertUserBlock(ctx, f.alice.ID, &f.bob.ID, nil))

	page, err := f.feed.Home(ctx, f.alice.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "mine", page.Items[0].Article.Slug)
}

func TestHomePendingFollowContributesNothing(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertUserFollow(ctx, &store.UserFollow{
		UserID:         f.alice.ID,
		FollowedUserID: &f.bob.ID,
		State:          store.FollowPending,
	}))
	f.article(t, "not-yet", &f.bob.ID, nil, time.Now())

	page, err := f.feed.Home(ctx, f.alice.ID, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Zero(t, page.Total)
}
