package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestRoundTrip(t *testing.T) {
	v, err := New(testKey(1))
	require.NoError(t, err)

	plaintext := []byte("JBSWY3DPEHPK3PXP")
	envelope, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, envelope)

	out, err := v.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestEncryptIsRandomized(t *testing.T) {
	v, err := New(testKey(1))
	require.NoError(t, err)

	a, err := v.Encrypt([]byte("secret"))
	require.NoError(t, err)
	b, err := v.Encrypt([]byte("secret"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per envelope")
}

func TestTamperDetected(t *testing.T) {
	v, err := New(testKey(1))
	require.NoError(t, err)

	envelope, err := v.Encrypt([]byte("secret"))
	require.NoError(t, err)

	envelope[len(envelope)-1] ^= 0x01
	_, err = v.Decrypt(envelope)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestWrongKey(t *testing.T) {
	v1, err := New(testKey(1))
	require.NoError(t, err)
	v2, err := New(testKey(2))
	require.NoError(t, err)

	envelope, err := v1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = v2.Decrypt(envelope)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestBadKeyLength(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}

func TestTruncatedEnvelope(t *testing.T) {
	v, err := New(testKey(1))
	require.NoError(t, err)

	_, err = v.Decrypt([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrDecrypt)
}
