package webpush

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// VAPIDKey is the server's ES256 identity for push authorization. The raw
// 32-byte scalar is what the vault stores.
type VAPIDKey struct {
	key *ecdsa.PrivateKey
}

// GenerateVAPIDKey creates a new P-256 key pair.
func GenerateVAPIDKey() (*VAPIDKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate vapid key: %w", err)
	}
	return &VAPIDKey{key: key}, nil
}

// VAPIDKeyFromScalar rebuilds a key pair from the stored 32-byte scalar.
func VAPIDKeyFromScalar(scalar []byte) (*VAPIDKey, error) {
	if len(scalar) != 32 {
		return nil, fmt.Errorf("vapid scalar must be 32 bytes, got %d", len(scalar))
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(scalar)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("vapid scalar out of range")
	}
	x, y := curve.ScalarBaseMult(scalar)
	return &VAPIDKey{key: &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}}, nil
}

// Scalar returns the 32-byte private scalar for storage.
func (v *VAPIDKey) Scalar() []byte {
	out := make([]byte, 32)
	v.key.D.FillBytes(out)
	return out
}

// PublicKey returns the base64url uncompressed public point, the value the
// browser needs as applicationServerKey.
func (v *VAPIDKey) PublicKey() string {
	point := elliptic.Marshal(elliptic.P256(), v.key.PublicKey.X, v.key.PublicKey.Y)
	return base64.RawURLEncoding.EncodeToString(point)
}

// AuthorizationHeader builds the `vapid t=...,k=...` header for one push
// service origin. The JWT is valid for 12 hours.
func (v *VAPIDKey) AuthorizationHeader(audience, contact string) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"typ":"JWT","alg":"ES256"}`))
	claims, err := json.Marshal(map[string]any{
		"aud": audience,
		"exp": time.Now().Add(12 * time.Hour).Unix(),
		"sub": contact,
	})
	if err != nil {
		return "", err
	}
	message := header + "." + base64.RawURLEncoding.EncodeToString(claims)

	digest := sha256.Sum256([]byte(message))
	r, s, err := ecdsa.Sign(rand.Reader, v.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign vapid jwt: %w", err)
	}

	// JWS signature is r || s, each left-padded to 32 bytes.
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	jwt := message + "." + base64.RawURLEncoding.EncodeToString(sig)

	return fmt.Sprintf("vapid t=%s,k=%s", jwt, v.PublicKey()), nil
}
