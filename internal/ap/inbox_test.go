package ap

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baudrate/baudrate/internal/pubsub"
	"github.com/baudrate/baudrate/internal/store"
)

type captureSender struct {
	sent []*Activity
}

func (c *captureSender) Send(_ context.Context, act *Activity, _ string, _ []string) error {
	c.sent = append(c.sent, act)
	return nil
}

type captureNotifier struct {
	events []*store.Notification
}

func (c *captureNotifier) Event(_ context.Context, n *store.Notification) {
	c.events = append(c.events, n)
}

type dispatcherFixture struct {
	store    *store.Store
	sender   *captureSender
	notifier *captureNotifier
	disp     *Dispatcher
	actor    *store.RemoteActor
	alice    *store.User
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	snd := &captureSender{}
	ntf := &captureNotifier{}
	disp := NewDispatcher(st, cfg, NewResolver(st, cfg), NewPublisher(cfg), snd, ntf, pubsub.New())

	alice, err := st.CreateUser(ctx, "alice", "x", store.RoleUser, store.StatusActive)
	require.NoError(t, err)

	// A freshly upserted actor is served from the cache, so no dispatcher
	// path below touches the network.
	actor, err := st.UpsertRemoteActor(ctx, &store.RemoteActor{
		APID:      "https://remote.example/users/bob",
		Username:  "bob",
		Domain:    "remote.example",
		Inbox:     "https://remote.example/users/bob/inbox",
		ActorType: "Person",
	})
	require.NoError(t, err)

	return &dispatcherFixture{store: st, sender: snd, notifier: ntf, disp: disp, actor: actor, alice: alice}
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func (f *dispatcherFixture) follow(id string) *IncomingActivity {
	return &IncomingActivity{
		ID:     id,
		Type:   "Follow",
		Actor:  f.actor.APID,
		Object: rawString("https://forum.example/ap/users/alice"),
	}
}

func TestFollowAutoAccepted(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	act := f.follow("https://remote.example/activities/follow-1")
	require.NoError(t, f.disp.Process(ctx, act, f.actor.APID))

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "Accept", f.sender.sent[0].Type)
	assert.Equal(t, "https://forum.example/ap/users/alice", f.sender.sent[0].Actor)

	got, err := f.store.FollowerByAPID(ctx, act.ID)
	require.NoError(t, err)
	assert.Equal(t, store.FollowAccepted, got.State)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, store.NotifyFollow, f.notifier.events[0].Type)
	assert.Equal(t, f.alice.ID, f.notifier.events[0].UserID)
}

func TestRedeliveredFollowAcceptedOnce(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	act := f.follow("https://remote.example/activities/follow-1")
	require.NoError(t, f.disp.Process(ctx, act, f.actor.APID))

	// Same activity id: the redelivery is reported as a duplicate before any
	// handler runs, and no second Accept or notification goes out.
	err := f.disp.Process(ctx, act, f.actor.APID)
	assert.ErrorIs(t, err, ErrDuplicateActivity)
	assert.Len(t, f.sender.sent, 1)
	assert.Len(t, f.notifier.events, 1)
}

func TestFailedActivityStaysRetryable(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	// Follow of a user that does not exist yet fails without marking the id
	// as seen.
	act := &IncomingActivity{
		ID:     "https://remote.example/activities/follow-early",
		Type:   "Follow",
		Actor:  f.actor.APID,
		Object: rawString("https://forum.example/ap/users/carol"),
	}
	err := f.disp.Process(ctx, act, f.actor.APID)
	require.ErrorIs(t, err, ErrUnprocessable)

	// Once the user exists, the redelivered activity goes through.
	_, err = f.store.CreateUser(ctx, "carol", "x", store.RoleUser, store.StatusActive)
	require.NoError(t, err)
	require.NoError(t, f.disp.Process(ctx, act, f.actor.APID))

	got, err := f.store.FollowerByAPID(ctx, act.ID)
	require.NoError(t, err)
	assert.Equal(t, store.FollowAccepted, got.State)
}

func TestRepeatFollowConvergesWithAccept(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	require.NoError(t, f.disp.Process(ctx, f.follow("https://remote.example/activities/follow-1"), f.actor.APID))
	// A fresh Follow of an already accepted relationship re-sends the
	// Accept so the remote side can converge, without a second row.
	require.NoError(t, f.disp.Process(ctx, f.follow("https://remote.example/activities/follow-2"), f.actor.APID))

	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, "Accept", f.sender.sent[1].Type)
	assert.Len(t, f.notifier.events, 1)
}

func TestUndoFollowRemovesFollower(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	follow := f.follow("https://remote.example/activities/follow-1")
	require.NoError(t, f.disp.Process(ctx, follow, f.actor.APID))

	inner, _ := json.Marshal(map[string]string{
		"id":    follow.ID,
		"type":  "Follow",
		"actor": f.actor.APID,
	})
	undo := &IncomingActivity{
		ID:     "https://remote.example/activities/undo-1",
		Type:   "Undo",
		Actor:  f.actor.APID,
		Object: inner,
	}
	require.NoError(t, f.disp.Process(ctx, undo, f.actor.APID))

	_, err := f.store.FollowerByAPID(ctx, follow.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFollowUnknownUserUnprocessable(t *testing.T) {
	f := newDispatcherFixture(t)

	act := &IncomingActivity{
		ID:     "https://remote.example/activities/follow-x",
		Type:   "Follow",
		Actor:  f.actor.APID,
		Object: rawString("https://forum.example/ap/users/nobody"),
	}
	err := f.disp.Process(context.Background(), act, f.actor.APID)
	assert.ErrorIs(t, err, ErrUnprocessable)
}

func TestActorMismatchRejected(t *testing.T) {
	f := newDispatcherFixture(t)

	act := f.follow("https://remote.example/activities/follow-1")
	err := f.disp.Process(context.Background(), act, "https://elsewhere.example/users/eve")
	assert.ErrorIs(t, err, ErrActorMismatch)
	assert.Empty(t, f.sender.sent)
}

func TestUnknownTypeDropped(t *testing.T) {
	f := newDispatcherFixture(t)

	act := &IncomingActivity{
		ID:    "https://remote.example/activities/weird-1",
		Type:  "Arrive",
		Actor: f.actor.APID,
	}
	assert.NoError(t, f.disp.Process(context.Background(), act, f.actor.APID))
	assert.Empty(t, f.sender.sent)
}

func TestLikeOnLocalArticleNotifiesOwner(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	board, err := f.store.CreateBoard(ctx, &store.Board{Slug: "general", Name: "General", APEnabled: true, MinRoleToView: store.RoleGuest})
	require.NoError(t, err)
	a, err := f.store.CreateArticle(ctx, &store.Article{
		Title:  "Hello",
		Body:   "body",
		Slug:   "hello-1",
		UserID: &f.alice.ID,
	}, []int64{board.ID})
	require.NoError(t, err)

	like := &IncomingActivity{
		ID:     "https://remote.example/activities/like-1",
		Type:   "Like",
		Actor:  f.actor.APID,
		Object: rawString("https://forum.example/ap/articles/" + a.Slug),
	}
	require.NoError(t, f.disp.Process(ctx, like, f.actor.APID))

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, store.NotifyLike, f.notifier.events[0].Type)

	got, err := f.store.ArticleByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.LikeCount)
}

func TestCreateReplyToLocalArticle(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	board, err := f.store.CreateBoard(ctx, &store.Board{Slug: "general", Name: "General", APEnabled: true, MinRoleToView: store.RoleGuest})
	require.NoError(t, err)
	a, err := f.store.CreateArticle(ctx, &store.Article{
		Title:  "Hello",
		Body:   "body",
		Slug:   "hello-1",
		UserID: &f.alice.ID,
	}, []int64{board.ID})
	require.NoError(t, err)

	obj, _ := json.Marshal(map[string]interface{}{
		"id":        "https://remote.example/objects/note-1",
		"type":      "Note",
		"content":   "<p>nice post</p>",
		"inReplyTo": "https://forum.example/ap/articles/" + a.Slug,
	})
	create := &IncomingActivity{
		ID:     "https://remote.example/activities/create-1",
		Type:   "Create",
		Actor:  f.actor.APID,
		Object: obj,
	}
	require.NoError(t, f.disp.Process(ctx, create, f.actor.APID))

	c, err := f.store.CommentByAPID(ctx, "https://remote.example/objects/note-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, c.ArticleID)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, store.NotifyReply, f.notifier.events[0].Type)
	assert.Equal(t, f.alice.ID, f.notifier.events[0].UserID)
}

func TestCreateIntoBoardStoresRemoteArticle(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateBoard(ctx, &store.Board{Slug: "general", Name: "General", APEnabled: true, MinRoleToView: store.RoleGuest})
	require.NoError(t, err)

	obj, _ := json.Marshal(map[string]interface{}{
		"id":      "https://remote.example/objects/article-1",
		"type":    "Article",
		"name":    "From afar",
		"content": "<p>remote body</p>",
	})
	create := &IncomingActivity{
		ID:       "https://remote.example/activities/create-2",
		Type:     "Create",
		Actor:    f.actor.APID,
		Object:   obj,
		To:       StringOrArray{PublicURI},
		Audience: StringOrArray{"https://forum.example/ap/boards/general"},
	}
	require.NoError(t, f.disp.Process(ctx, create, f.actor.APID))

	a, err := f.store.ArticleByAPID(ctx, "https://remote.example/objects/article-1")
	require.NoError(t, err)
	assert.Equal(t, "From afar", a.Title)
	require.NotNil(t, a.RemoteActorID)
	assert.Equal(t, f.actor.ID, *a.RemoteActorID)
}

func TestDeleteScrubsRemoteArticle(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateBoard(ctx, &store.Board{Slug: "general", Name: "General", APEnabled: true, MinRoleToView: store.RoleGuest})
	require.NoError(t, err)

	obj, _ := json.Marshal(map[string]interface{}{
		"id":      "https://remote.example/objects/article-1",
		"type":    "Article",
		"name":    "Soon gone",
		"content": "<p>x</p>",
	})
	require.NoError(t, f.disp.Process(ctx, &IncomingActivity{
		ID:       "https://remote.example/activities/create-3",
		Type:     "Create",
		Actor:    f.actor.APID,
		Object:   obj,
		Audience: StringOrArray{"https://forum.example/ap/boards/general"},
	}, f.actor.APID))

	require.NoError(t, f.disp.Process(ctx, &IncomingActivity{
		ID:     "https://remote.example/activities/delete-1",
		Type:   "Delete",
		Actor:  f.actor.APID,
		Object: rawString("https://remote.example/objects/article-1"),
	}, f.actor.APID))

	a, err := f.store.ArticleByAPID(ctx, "https://remote.example/objects/article-1")
	require.NoError(t, err)
	assert.NotNil(t, a.DeletedAt)
}
