package moderation

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baudrate/baudrate/internal/ap"
	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/keystore"
	"github.com/baudrate/baudrate/internal/store"
	"github.com/baudrate/baudrate/internal/vault"
)

type recordingNotifier struct {
	events []*store.Notification
}

func (r *recordingNotifier) Event(_ context.Context, n *store.Notification) {
	r.events = append(r.events, n)
}

type recordingSender struct {
	sent    []*ap.Activity
	inboxes [][]string
}

func (r *recordingSender) Send(_ context.Context, act *ap.Activity, _ string, inboxes []string) error {
	r.sent = append(r.sent, act)
	r.inboxes = append(r.inboxes, inboxes)
	return nil
}

type modFixture struct {
	store    *store.Store
	svc      *Service
	keys     *keystore.KeyStore
	sender   *recordingSender
	notifier *recordingNotifier
	mod      *store.User
	alice    *store.User
	article  *store.Article
}

func newModFixture(t *testing.T) *modFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{BaseURL: "https://forum.example", SiteName: "baudrate"}
	v, err := vault.New(bytes.Repeat([]byte{5}, 32))
	require.NoError(t, err)
	keys := keystore.New(st, v)
	ntf := &recordingNotifier{}
	snd := &recordingSender{}
	svc := New(st, cfg, keys, ap.NewPublisher(cfg), snd, ntf)

	mod, err := st.CreateUser(ctx, "mod", "x", store.RoleModerator, store.StatusActive)
	require.NoError(t, err)
	alice, err := st.CreateUser(ctx, "alice", "x", store.RoleUser, store.StatusActive)
	require.NoError(t, err)
	article, err := st.CreateArticle(ctx, &store.Article{
		Title: "Hello", Body: "hi", Slug: "hello", UserID: &alice.ID,
	}, nil)
	require.NoError(t, err)

	return &modFixture{store: st, svc: svc, keys: keys, sender: snd, notifier: ntf, mod: mod, alice: alice, article: article}
}

func TestReportValidation(t *testing.T) {
	f := newModFixture(t)
	ctx := context.Background()

	_, err := f.svc.Report(ctx, f.alice.ID, nil, nil, "spam")
	assert.Error(t, err)

	commentID := int64(1)
	_, err = f.svc.Report(ctx, f.alice.ID, &f.article.ID, &commentID, "spam")
	assert.Error(t, err)

	_, err = f.svc.Report(ctx, f.alice.ID, &f.article.ID, nil, "")
	assert.Error(t, err)

	report, err := f.svc.Report(ctx, f.alice.ID, &f.article.ID, nil, "spam")
	require.NoError(t, err)
	assert.NotZero(t, report.ID)
}

func TestResolveReportOnlyOnce(t *testing.T) {
	f := newModFixture(t)
	ctx := context.Background()

	report, err := f.svc.Report(ctx, f.alice.ID, &f.article.ID, nil, "spam")
	require.NoError(t, err)

	require.NoError(t, f.svc.Resolve(ctx, f.mod, report.ID, false))

	// A second moderator deciding the same report loses.
	err = f.svc.Resolve(ctx, f.mod, report.ID, true)
	assert.ErrorIs(t, err, store.ErrNotFound)

	entries, total, err := f.svc.Log(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "report_resolved", entries[0].Action)
}

func TestBanUserRoleCeiling(t *testing.T) {
	f := newModFixture(t)
	ctx := context.Background()

	other, err := f.store.CreateUser(ctx, "othermod", "x", store.RoleModerator, store.StatusActive)
	require.NoError(t, err)

	err = f.svc.BanUser(ctx, f.mod, other.ID, "abuse")
	assert.Error(t, err)

	got, err := f.store.UserByID(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)
}

func TestBanAndUnbanUser(t *testing.T) {
	f := newModFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.BanUser(ctx, f.mod, f.alice.ID, "spamming"))
	got, err := f.store.UserByID(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBanned, got.Status)

	require.NoError(t, f.svc.UnbanUser(ctx, f.mod, f.alice.ID))
	got, err = f.store.UserByID(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)

	entries, _, err := f.svc.Log(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "unban_user", entries[0].Action)
	assert.Equal(t, "ban_user", entries[1].Action)
}

func TestRemoveArticleNotifiesAuthor(t *testing.T) {
	f := newModFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RemoveArticle(ctx, f.mod, f.article.ID, "off topic"))

	got, err := f.store.ArticleByID(ctx, f.article.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)

	require.Len(t, f.notifier.events, 1)
	ev := f.notifier.events[0]
	assert.Equal(t, f.alice.ID, ev.UserID)
	assert.Equal(t, store.NotifyModAction, ev.Type)
	assert.Nil(t, ev.ActorUserID)
	assert.Equal(t, "off topic", ev.Data)
}

func TestSetArticleFlags(t *testing.T) {
	f := newModFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetArticleFlags(ctx, f.mod, f.article.ID, true, true))

	got, err := f.store.ArticleByID(ctx, f.article.ID)
	require.NoError(t, err)
	assert.True(t, got.Pinned)
	assert.True(t, got.Locked)
}

func TestModeratorActingOnOwnContentNotSelfNotified(t *testing.T) {
	f := newModFixture(t)
	ctx := context.Background()

	own, err := f.store.CreateArticle(ctx, &store.Article{
		Title: "Mine", Body: "x", Slug: "mine", UserID: &f.mod.ID,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveArticle(ctx, f.mod, own.ID, "cleanup"))
	assert.Empty(t, f.notifier.events)
}

func TestRotateUserKeysReplacesPairAndAnnounces(t *testing.T) {
	f := newModFixture(t)
	ctx := context.Background()

	// The user already has a pair and an accepted follower.
	_, err := f.keys.EnsureUserKeys(ctx, f.alice)
	require.NoError(t, err)
	oldPEM := f.alice.PublicKeyPEM
	require.NotEmpty(t, oldPEM)

	actor, err := f.store.UpsertRemoteActor(ctx, &store.RemoteActor{
		APID:   "https://remote.example/users/bob",
		Domain: "remote.example",
		Inbox:  "https://remote.example/users/bob/inbox",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.InsertFollower(ctx, &store.Follower{
		RemoteActorID: actor.ID,
		UserID:        &f.alice.ID,
		APID:          "https://remote.example/activities/follow-1",
		State:         store.FollowAccepted,
	}))

	require.NoError(t, f.svc.RotateUserKeys(ctx, f.mod, f.alice.ID))

	got, err := f.store.UserByID(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.PublicKeyPEM)
	assert.NotEqual(t, oldPEM, got.PublicKeyPEM)

	entries, _, err := f.svc.Log(ctx, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "rotate_keys", entries[0].Action)
	assert.Equal(t, "user", entries[0].TargetType)
	assert.Equal(t, "alice", entries[0].TargetID)

	// Followers learn the new key via Update(actor).
	require.Len(t, f.sender.sent, 1)
	upd := f.sender.sent[0]
	assert.Equal(t, "Update", upd.Type)
	assert.Equal(t, "https://forum.example/ap/users/alice", upd.Actor)
	sentActor, ok := upd.Object.(*ap.Actor)
	require.True(t, ok)
	assert.Equal(t, got.PublicKeyPEM, sentActor.PublicKey.PublicKeyPem)
	assert.Equal(t, []string{"https://remote.example/users/bob/inbox"}, f.sender.inboxes[0])
}

func TestRotateBoardKeysReplacesPair(t *testing.T) {
	f := newModFixture(t)
	ctx := context.Background()

	b, err := f.store.CreateBoard(ctx, &store.Board{
		Slug: "general", Name: "General", APEnabled: true, MinRoleToView: store.RoleGuest,
	})
	require.NoError(t, err)
	_, err = f.keys.EnsureBoardKeys(ctx, b)
	require.NoError(t, err)
	oldPEM := b.PublicKeyPEM

	require.NoError(t, f.svc.RotateBoardKeys(ctx, f.mod, b.ID))

	got, err := f.store.BoardByID(ctx, b.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldPEM, got.PublicKeyPEM)

	entries, _, err := f.svc.Log(ctx, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "rotate_keys", entries[0].Action)
	assert.Equal(t, "board", entries[0].TargetType)

	// No followers, nothing to announce.
	assert.Empty(t, f.sender.sent)
}
