package ap

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeys struct {
	pub   *rsa.PublicKey
	actor string
}

func (s staticKeys) PublicKeyForKeyID(_ *http.Request, _ string) (*rsa.PublicKey, string, error) {
	return s.pub, s.actor, nil
}

func signedRequest(t *testing.T, body []byte, priv *rsa.PrivateKey) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://remote.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, SignRequest(req, body, "https://local.example/ap/users/alice#main-key", priv))
	return req
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, body, priv)
	assert.NotEmpty(t, req.Header.Get("Signature"))
	assert.NotEmpty(t, req.Header.Get("Digest"))

	actor, err := VerifyRequest(req, body, staticKeys{
		pub:   &priv.PublicKey,
		actor: "https://local.example/ap/users/alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://local.example/ap/users/alice", actor)
}

func TestVerifyMissingSignature(t *testing.T) {
	body := []byte(`{}`)
	req, err := http.NewRequest(http.MethodPost, "https://remote.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)

	_, err = VerifyRequest(req, body, staticKeys{})
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestVerifyTamperedBody(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	req := signedRequest(t, []byte(`{"type":"Follow"}`), priv)
	_, err = VerifyRequest(req, []byte(`{"type":"Delete"}`), staticKeys{
		pub:   &priv.PublicKey,
		actor: "https://local.example/ap/users/alice",
	})
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestVerifyStaleDate(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, body, priv)
	req.Header.Set("Date", time.Now().Add(-24*time.Hour).UTC().Format(http.TimeFormat))

	_, err = VerifyRequest(req, body, staticKeys{
		pub:   &priv.PublicKey,
		actor: "https://local.example/ap/users/alice",
	})
	assert.ErrorIs(t, err, ErrStaleDate)
}

func TestVerifyMissingDateRejected(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, body, priv)
	req.Header.Del("Date")

	_, err = VerifyRequest(req, body, staticKeys{
		pub:   &priv.PublicKey,
		actor: "https://local.example/ap/users/alice",
	})
	assert.ErrorIs(t, err, ErrStaleDate)
}

func TestVerifyWrongKey(t *testing.T) {
	signing, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, body, signing)

	_, err = VerifyRequest(req, body, staticKeys{
		pub:   &other.PublicKey,
		actor: "https://local.example/ap/users/alice",
	})
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestActorForKeyID(t *testing.T) {
	assert.Equal(t, "https://a.example/users/x",
		ActorForKeyID("https://a.example/users/x#main-key"))
	assert.Equal(t, "https://a.example/users/x",
		ActorForKeyID("https://a.example/users/x"))
}
