package webpush

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/baudrate/baudrate/internal/store"
)

func newClientKeys(t *testing.T) (*ecdh.PrivateKey, []byte, []byte) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return key, key.PublicKey().Bytes(), auth
}

func TestEncryptEnvelopeLayout(t *testing.T) {
	_, p256dh, auth := newClientKeys(t)
	plaintext := []byte(`{"type":"like"}`)

	out, err := Encrypt(plaintext, p256dh, auth)
	require.NoError(t, err)

	// salt(16) || rs(4) || idlen(1) || keyid(65) || ciphertext
	require.Len(t, out, 16+4+1+65+len(plaintext)+1+16)
	assert.EqualValues(t, 4096, binary.BigEndian.Uint32(out[16:20]))
	assert.EqualValues(t, 65, out[20])
	assert.EqualValues(t, 0x04, out[21], "uncompressed point marker")
}

func TestEncryptSaltIsFresh(t *testing.T) {
	_, p256dh, auth := newClientKeys(t)
	a, err := Encrypt([]byte("x"), p256dh, auth)
	require.NoError(t, err)
	b, err := Encrypt([]byte("x"), p256dh, auth)
	require.NoError(t, err)
	assert.NotEqual(t, a[:16], b[:16])
}

// decrypt reverses the aes128gcm construction with the client's private key,
// exactly as a browser would.
func decrypt(t *testing.T, envelope []byte, client *ecdh.PrivateKey, auth []byte) []byte {
	t.Helper()
	salt := envelope[:16]
	idlen := int(envelope[20])
	asPubBytes := envelope[21 : 21+idlen]
	ciphertext := envelope[21+idlen:]

	asPub, err := ecdh.P256().NewPublicKey(asPubBytes)
	require.NoError(t, err)
	secret, err := client.ECDH(asPub)
	require.NoError(t, err)

	keyInfo := append([]byte("WebPush: info\x00"), client.PublicKey().Bytes()...)
	keyInfo = append(keyInfo, asPubBytes...)
	ikm := make([]byte, 32)
	_, err = io.ReadFull(hkdf.New(sha256.New, secret, auth, keyInfo), ikm)
	require.NoError(t, err)

	cek := make([]byte, 16)
	_, err = io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: aes128gcm\x00")), cek)
	require.NoError(t, err)
	nonce := make([]byte, 12)
	_, err = io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: nonce\x00")), nonce)
	require.NoError(t, err)

	block, err := aes.NewCipher(cek)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	record, err := aead.Open(nil, nonce, ciphertext, nil)
	require.NoError(t, err)

	require.EqualValues(t, 0x02, record[len(record)-1], "last-record delimiter")
	return record[: len(record)-1 : len(record)-1]
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	client, p256dh, auth := newClientKeys(t)
	plaintext := []byte(`{"type":"reply","article_id":7}`)

	envelope, err := Encrypt(plaintext, p256dh, auth)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypt(t, envelope, client, auth))
}

func TestEncryptRejectsBadInputs(t *testing.T) {
	_, p256dh, auth := newClientKeys(t)

	_, err := Encrypt([]byte("x"), []byte{1, 2, 3}, auth)
	assert.Error(t, err)

	_, err = Encrypt([]byte("x"), p256dh, []byte("short"))
	assert.Error(t, err)

	_, err = Encrypt(bytes.Repeat([]byte("a"), 4000), p256dh, auth)
	assert.Error(t, err)
}

func TestVAPIDScalarRoundTrip(t *testing.T) {
	key, err := GenerateVAPIDKey()
	require.NoError(t, err)

	restored, err := VAPIDKeyFromScalar(key.Scalar())
	require.NoError(t, err)
	assert.Equal(t, key.Scalar(), restored.Scalar())
	assert.Equal(t, key.PublicKey(), restored.PublicKey())
}

func TestVAPIDScalarValidation(t *testing.T) {
	_, err := VAPIDKeyFromScalar([]byte("short"))
	assert.Error(t, err)
	_, err = VAPIDKeyFromScalar(make([]byte, 32)) // zero scalar
	assert.Error(t, err)
}

func TestVAPIDPublicKeyIsUncompressedPoint(t *testing.T) {
	key, err := GenerateVAPIDKey()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(key.PublicKey())
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.EqualValues(t, 0x04, raw[0])
}

func TestVAPIDAuthorizationHeader(t *testing.T) {
	key, err := GenerateVAPIDKey()
	require.NoError(t, err)

	header, err := key.AuthorizationHeader("https://push.example", "mailto:admin@forum.example")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(header, "vapid t="))
	require.Contains(t, header, ",k="+key.PublicKey())

	jwt := strings.TrimPrefix(strings.SplitN(header, ",", 2)[0], "vapid t=")
	parts := strings.Split(jwt, ".")
	require.Len(t, parts, 3)

	claimsRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims struct {
		Aud string `json:"aud"`
		Sub string `json:"sub"`
		Exp int64  `json:"exp"`
	}
	require.NoError(t, json.Unmarshal(claimsRaw, &claims))
	assert.Equal(t, "https://push.example", claims.Aud)
	assert.Equal(t, "mailto:admin@forum.example", claims.Sub)
	assert.Positive(t, claims.Exp)
}

func pushSubscription(t *testing.T, endpoint string) *store.PushSubscription {
	t.Helper()
	_, p256dh, auth := newClientKeys(t)
	return &store.PushSubscription{Endpoint: endpoint, P256DH: p256dh, Auth: auth}
}

func TestPushSuccess(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	key, err := GenerateVAPIDKey()
	require.NoError(t, err)
	s := NewSender(key, "mailto:admin@forum.example")

	err = s.Push(context.Background(), pushSubscription(t, srv.URL+"/sub/1"), []byte(`{"type":"like"}`))
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "aes128gcm", got.Header.Get("Content-Encoding"))
	assert.True(t, strings.HasPrefix(got.Header.Get("Authorization"), "vapid t="))
	assert.Equal(t, "86400", got.Header.Get("TTL"))
}

func TestPushGoneEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	key, err := GenerateVAPIDKey()
	require.NoError(t, err)
	s := NewSender(key, "mailto:admin@forum.example")

	err = s.Push(context.Background(), pushSubscription(t, srv.URL+"/sub/dead"), []byte("x"))
	assert.ErrorIs(t, err, ErrGone)
}

func TestPushServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	key, err := GenerateVAPIDKey()
	require.NoError(t, err)
	s := NewSender(key, "mailto:admin@forum.example")

	err = s.Push(context.Background(), pushSubscription(t, srv.URL+"/sub/x"), []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGone)
}
