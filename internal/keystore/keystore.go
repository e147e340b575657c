// Package keystore manages RSA key pairs for local actors. Private keys are
// stored AES-256-GCM encrypted in the database, decrypted only at signing
// time, and generated lazily so new users and boards need zero setup.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"

	"github.com/baudrate/baudrate/internal/store"
	"github.com/baudrate/baudrate/internal/vault"
)

const (
	kvSitePublicKey  = "site_public_key_pem"
	kvSitePrivateKey = "site_private_key_enc"
)

// KeyPair is a decoded RSA-2048 pair plus the PEM forms used on the wire.
type KeyPair struct {
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	PublicPEM string
}

// KeyStore generates, persists, and decrypts actor key pairs.
type KeyStore struct {
	store *store.Store
	vault *vault.Vault
}

// New returns a KeyStore backed by the given store and vault.
func New(st *store.Store, v *vault.Vault) *KeyStore {
	return &KeyStore{store: st, vault: v}
}

// Generate creates a fresh RSA-2048 pair and returns the public PEM plus the
// vault-encrypted private PEM, ready for storage.
func (ks *KeyStore) Generate() (*KeyPair, []byte, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate RSA key: %w", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(privKey)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	privEnc, err := ks.vault.Encrypt(privPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt private key: %w", err)
	}

	return &KeyPair{
		Private:   privKey,
		Public:    &privKey.PublicKey,
		PublicPEM: string(pubPEM),
	}, privEnc, nil
}

// Decrypt recovers a key pair from a stored public PEM and encrypted private
// PEM.
func (ks *KeyStore) Decrypt(publicPEM string, privateEnc []byte) (*KeyPair, error) {
	privPEM, err := ks.vault.Decrypt(privateEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	privKey, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Private:   privKey,
		Public:    &privKey.PublicKey,
		PublicPEM: publicPEM,
	}, nil
}

// EnsureUserKeys returns the user's key pair, generating and persisting one
// on first use.
func (ks *KeyStore) EnsureUserKeys(ctx context.Context, u *store.User) (*KeyPair, error) {
	if u.PublicKeyPEM != "" && len(u.PrivateKeyEnc) > 0 {
		return ks.Decrypt(u.PublicKeyPEM, u.PrivateKeyEnc)
	}
	kp, privEnc, err := ks.Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.store.SetUserKeypair(ctx, u.ID, kp.PublicPEM, privEnc); err != nil {
		return nil, fmt.Errorf("store user keys: %w", err)
	}
	u.PublicKeyPEM = kp.PublicPEM
	u.PrivateKeyEnc = privEnc
	slog.Info("generated actor key pair", "kind", "user", "id", u.ID)
	return kp, nil
}

// EnsureBoardKeys returns the board's key pair, generating one on first use.
func (ks *KeyStore) EnsureBoardKeys(ctx context.Context, b *store.Board) (*KeyPair, error) {
	if b.PublicKeyPEM != "" && len(b.PrivateKeyEnc) > 0 {
		return ks.Decrypt(b.PublicKeyPEM, b.PrivateKeyEnc)
	}
	kp, privEnc, err := ks.Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.store.SetBoardKeypair(ctx, b.ID, kp.PublicPEM, privEnc); err != nil {
		return nil, fmt.Errorf("store board keys: %w", err)
	}
	b.PublicKeyPEM = kp.PublicPEM
	b.PrivateKeyEnc = privEnc
	slog.Info("generated actor key pair", "kind", "board", "id", b.ID)
	return kp, nil
}

// RotateUserKeys replaces the user's pair unconditionally. Activities signed
// with the old key stop verifying once remotes refetch the actor, so callers
// announce the rotation with an Update(actor).
func (ks *KeyStore) RotateUserKeys(ctx context.Context, u *store.User) (*KeyPair, error) {
	kp, privEnc, err := ks.Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.store.SetUserKeypair(ctx, u.ID, kp.PublicPEM, privEnc); err != nil {
		return nil, fmt.Errorf("store user keys: %w", err)
	}
	u.PublicKeyPEM = kp.PublicPEM
	u.PrivateKeyEnc = privEnc
	slog.Info("rotated actor key pair", "kind", "user", "id", u.ID)
	return kp, nil
}

// RotateBoardKeys replaces the board's pair unconditionally.
func (ks *KeyStore) RotateBoardKeys(ctx context.Context, b *store.Board) (*KeyPair, error) {
	kp, privEnc, err := ks.Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.store.SetBoardKeypair(ctx, b.ID, kp.PublicPEM, privEnc); err != nil {
		return nil, fmt.Errorf("store board keys: %w", err)
	}
	b.PublicKeyPEM = kp.PublicPEM
	b.PrivateKeyEnc = privEnc
	slog.Info("rotated actor key pair", "kind", "board", "id", b.ID)
	return kp, nil
}

// RotateSiteKeys replaces the instance actor's pair unconditionally.
func (ks *KeyStore) RotateSiteKeys(ctx context.Context) (*KeyPair, error) {
	kp, privEnc, err := ks.Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.store.SetKV(ctx, kvSitePublicKey, kp.PublicPEM); err != nil {
		return nil, err
	}
	if err := ks.store.SetKV(ctx, kvSitePrivateKey, base64.StdEncoding.EncodeToString(privEnc)); err != nil {
		return nil, err
	}
	slog.Info("rotated actor key pair", "kind", "site")
	return kp, nil
}

// EnsureSiteKeys returns the instance actor's key pair from the kv table,
// generating one on first boot.
func (ks *KeyStore) EnsureSiteKeys(ctx context.Context) (*KeyPair, error) {
	pubPEM, err := ks.store.GetKV(ctx, kvSitePublicKey)
	if err == nil {
		privEncB64, err := ks.store.GetKV(ctx, kvSitePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("site private key missing: %w", err)
		}
		privEnc, err := base64.StdEncoding.DecodeString(privEncB64)
		if err != nil {
			return nil, fmt.Errorf("decode site private key: %w", err)
		}
		return ks.Decrypt(pubPEM, privEnc)
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	kp, privEnc, err := ks.Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.store.SetKV(ctx, kvSitePublicKey, kp.PublicPEM); err != nil {
		return nil, err
	}
	if err := ks.store.SetKV(ctx, kvSitePrivateKey, base64.StdEncoding.EncodeToString(privEnc)); err != nil {
		return nil, err
	}
	slog.Info("generated actor key pair", "kind", "site")
	return kp, nil
}

// ParsePrivateKeyPEM decodes an RSA private key in PKCS#1 or PKCS#8 PEM form.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKeyPEM decodes an RSA public key in PKIX PEM form.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}
