package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func mkUser(t *testing.T, s *Store, name string) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), name, "x", RoleUser, StatusActive)
	require.NoError(t, err)
	return u
}

func TestCreateUserDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "alice", "h", RoleUser, StatusActive)
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "alice", "h", RoleUser, StatusActive)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUserByUsernameNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UserByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotificationDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")

	articleID := int64(7)
	n := &Notification{
		UserID:      alice.ID,
		Type:        NotifyLike,
		ActorUserID: &bob.ID,
		ArticleID:   &articleID,
	}
	_, err := s.InsertNotification(ctx, n)
	require.NoError(t, err)

	_, err = s.InsertNotification(ctx, n)
	assert.ErrorIs(t, err, ErrDuplicate)

	// A different object is a different notification.
	other := int64(8)
	_, err = s.InsertNotification(ctx, &Notification{
		UserID:      alice.ID,
		Type:        NotifyLike,
		ActorUserID: &bob.ID,
		ArticleID:   &other,
	})
	assert.NoError(t, err)
}

func TestFollowerStateLastDecisionWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mkUser(t, s, "alice")

	actor, err := s.UpsertRemoteActor(ctx, &RemoteActor{
		APID:   "https://remote.example/users/bob",
		Domain: "remote.example",
		Inbox:  "https://remote.example/users/bob/inbox",
	})
	require.NoError(t, err)

	f := &Follower{
		RemoteActorID: actor.ID,
		UserID:        &alice.ID,
		APID:          "https://remote.example/activities/1",
		State:         FollowPending,
	}
	require.NoError(t, s.InsertFollower(ctx, f))

	stored, err := s.FollowerByAPID(ctx, f.APID)
	require.NoError(t, err)
	require.NoError(t, s.SetFollowerState(ctx, stored.ID, FollowAccepted))

	// A later Reject overrides an earlier Accept.
	require.NoError(t, s.SetFollowerState(ctx, stored.ID, FollowRejected))

	got, err := s.FollowerByAPID(ctx, f.APID)
	require.NoError(t, err)
	assert.Equal(t, FollowRejected, got.State)

	// Missing rows still report not found.
	err = s.SetFollowerState(ctx, stored.ID+1000, FollowAccepted)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserFollowStateLastDecisionWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mkUser(t, s, "alice")

	actor, err := s.UpsertRemoteActor(ctx, &RemoteActor{
		APID:   "https://remote.example/users/carol",
		Domain: "remote.example",
		Inbox:  "https://remote.example/users/carol/inbox",
	})
	require.NoError(t, err)

	uf := &UserFollow{
		UserID:        alice.ID,
		RemoteActorID: &actor.ID,
		APID:          "https://forum.example/activities/follow-1",
		State:         FollowPending,
	}
	require.NoError(t, s.InsertUserFollow(ctx, uf))

	stored, err := s.UserFollowByAPID(ctx, uf.APID)
	require.NoError(t, err)
	require.NoError(t, s.SetUserFollowState(ctx, stored.ID, FollowAccepted))
	require.NoError(t, s.SetUserFollowState(ctx, stored.ID, FollowRejected))

	got, err := s.UserFollowByAPID(ctx, uf.APID)
	require.NoError(t, err)
	assert.Equal(t, FollowRejected, got.State)
}

func TestSeenActivityDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.SeenActivity(ctx, "https://remote.example/activities/1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.SeenActivity(ctx, "https://remote.example/activities/1")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestResolveReportOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mkUser(t, s, "alice")
	modUser := mkUser(t, s, "mod")

	articleID := int64(1)
	r, err := s.CreateReport(ctx, &Report{
		ReporterUserID: alice.ID,
		ArticleID:      &articleID,
		Reason:         "spam",
	})
	require.NoError(t, err)
	assert.Equal(t, ReportOpen, r.Status)

	require.NoError(t, s.ResolveReport(ctx, r.ID, modUser.ID, ReportResolved))
	err = s.ResolveReport(ctx, r.ID, modUser.ID, ReportDismissed)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.ReportByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ReportResolved, got.Status)
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, modUser.ID, *got.ResolvedBy)
}

func TestKVRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetKV(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetKV(ctx, "k", "v1"))
	require.NoError(t, s.SetKV(ctx, "k", "v2"))

	v, err := s.GetKV(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestSoftDeleteCommentAdjustsCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mkUser(t, s, "alice")

	board, err := s.CreateBoard(ctx, &Board{Slug: "general", Name: "General"})
	require.NoError(t, err)

	a, err := s.CreateArticle(ctx, &Article{
		Title:       "Hello",
		Body:        "first post",
		Slug:        "hello-1",
		UserID:      &alice.ID,
		PublishedAt: time.Now(),
	}, []int64{board.ID})
	require.NoError(t, err)

	c, err := s.CreateComment(ctx, &Comment{
		Body:      "hi",
		ArticleID: a.ID,
		UserID:    &alice.ID,
	})
	require.NoError(t, err)

	got, err := s.ArticleByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CommentCount)

	require.NoError(t, s.SoftDeleteComment(ctx, c.ID))
	// Replayed delete stays idempotent.
	require.NoError(t, s.SoftDeleteComment(ctx, c.ID))

	got, err = s.ArticleByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CommentCount)
}

func TestDeliveryClaimLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueDelivery(ctx,
		`{"type":"Create"}`,
		"https://remote.example/inbox",
		"https://local.example/ap/users/alice"))

	jobs, err := s.ClaimDeliveryJobs(ctx, 10, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "https://remote.example/inbox", jobs[0].InboxURL)

	// The claimed job is leased; a second claimer sees nothing due.
	again, err := s.ClaimDeliveryJobs(ctx, 10, 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}
