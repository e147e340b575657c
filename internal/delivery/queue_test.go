package delivery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baudrate/baudrate/internal/ap"
	"github.com/baudrate/baudrate/internal/store"
)

type staticKeySource struct {
	keyID string
	key   *rsa.PrivateKey
}

func (s staticKeySource) SigningKey(_ context.Context, _ string) (string, *rsa.PrivateKey, error) {
	return s.keyID, s.key, nil
}

func TestBackoffDoublesWithinJitter(t *testing.T) {
	cases := []struct {
		attempts int
		base     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{5, 16 * time.Minute},
		{8, 128 * time.Minute},
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			d := Backoff(tc.attempts)
			lo := time.Duration(float64(tc.base) * 0.9)
			hi := time.Duration(float64(tc.base) * 1.1)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", tc.attempts)
			assert.LessOrEqual(t, d, hi, "attempt %d", tc.attempts)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := Backoff(20)
		assert.LessOrEqual(t, d, time.Duration(float64(24*time.Hour)*1.1))
		assert.GreaterOrEqual(t, d, time.Duration(float64(24*time.Hour)*0.9))
	}
}

func TestSendEnqueuesPerInboxDeduped(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	q := NewQueue(st, nil, 1)
	ctx := context.Background()

	act := &ap.Activity{
		ID:    "https://forum.example/ap/activities/1",
		Type:  "Create",
		Actor: "https://forum.example/ap/users/alice",
	}
	inboxes := []string{
		"https://a.example/inbox",
		"https://b.example/inbox",
		"https://a.example/inbox", // duplicate collapses
		"",                        // empty skipped
	}
	require.NoError(t, q.Send(ctx, act, act.Actor, inboxes))

	n, err := st.CountDeliveryJobs(ctx, store.DeliveryPending)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	jobs, err := st.ClaimDeliveryJobs(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, act.Actor, j.ActorURI)
		assert.Contains(t, j.Activity, act.ID)
	}
}

func TestAttemptsCountTheSuccessfulPost(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	var hits int
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(remote.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	q := NewQueue(st, staticKeySource{keyID: "https://forum.example/ap/users/alice#main-key", key: key}, 1)
	ctx := context.Background()

	act := &ap.Activity{
		ID:    "https://forum.example/ap/activities/s5",
		Type:  "Create",
		Actor: "https://forum.example/ap/users/alice",
	}
	require.NoError(t, q.Send(ctx, act, act.Actor, []string{remote.URL + "/inbox"}))

	jobs, err := st.ClaimDeliveryJobs(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	id := jobs[0].ID

	// Three 503s back off and retry; the counter advances each time.
	for want := 1; want <= 3; want++ {
		j, err := st.DeliveryJobByID(ctx, id)
		require.NoError(t, err)
		q.attempt(ctx, j)

		j, err = st.DeliveryJobByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, j.Attempts)
		assert.Equal(t, store.DeliveryPending, j.State)
		assert.Contains(t, j.LastError, "503")
	}

	// The fourth try succeeds and is itself counted.
	j, err := st.DeliveryJobByID(ctx, id)
	require.NoError(t, err)
	q.attempt(ctx, j)

	j, err = st.DeliveryJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverySent, j.State)
	assert.Equal(t, 4, j.Attempts)
	assert.Empty(t, j.LastError)
}
