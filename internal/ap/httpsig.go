package ap

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

// Signature verification failure taxonomy. Handlers map these onto distinct
// HTTP responses so remote servers can tell a transient key-fetch failure
// from a hard rejection.
var (
	ErrMissingSignature = errors.New("ap: missing signature header")
	ErrUnknownActor     = errors.New("ap: signing actor could not be resolved")
	ErrBadSignature     = errors.New("ap: signature verification failed")
	ErrStaleDate        = errors.New("ap: request date outside acceptance window")
	ErrDigestMismatch   = errors.New("ap: digest does not match body")
)

// dateSkew bounds how far a signed Date header may drift from local time.
const dateSkew = 12 * time.Hour

var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest", "content-type"}

// SignRequest signs an outbound POST with draft-cavage RSA-SHA256 over
// (request-target), host, date, digest, and content-type. The Date and Host
// headers are set here so the signature always covers fresh values.
func SignRequest(req *http.Request, body []byte, keyID string, privKey *rsa.PrivateKey) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/activity+json")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// KeyResolver resolves a signature keyId to the owning actor's public key.
type KeyResolver interface {
	PublicKeyForKeyID(req *http.Request, keyID string) (*rsa.PublicKey, string, error)
}

// VerifyRequest checks an inbound request's HTTP signature and digest.
// It returns the actor URI that owns the verified key.
//
// The body must already be read; VerifyRequest restores req.Body afterwards
// so the handler can decode it.
func VerifyRequest(req *http.Request, body []byte, keys KeyResolver) (string, error) {
	if req.Header.Get("Signature") == "" && req.Header.Get("Authorization") == "" {
		return "", ErrMissingSignature
	}

	if err := checkDate(req.Header.Get("Date")); err != nil {
		return "", err
	}
	if err := checkDigest(req.Header.Get("Digest"), body); err != nil {
		return "", err
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	pubKey, actorURI, err := keys.PublicKeyForKeyID(req, verifier.KeyId())
	if err != nil {
		return "", err
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	return actorURI, nil
}

// ActorForKeyID strips the key fragment from a keyId, yielding the actor URI.
func ActorForKeyID(keyID string) string {
	return strings.Split(keyID, "#")[0]
}

// checkDate enforces the replay window. Date is a mandatory signed header
// here; a request without one cannot be bounded in time.
func checkDate(date string) error {
	if date == "" {
		return fmt.Errorf("%w: missing Date header", ErrStaleDate)
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleDate, err)
	}
	d := time.Since(t)
	if d < -dateSkew || d > dateSkew {
		return ErrStaleDate
	}
	return nil
}

// checkDigest re-computes SHA-256 over the body and compares it with the
// Digest header independently of the signature library.
func checkDigest(digest string, body []byte) error {
	if digest == "" {
		return ErrDigestMismatch
	}
	for _, part := range strings.Split(digest, ",") {
		part = strings.TrimSpace(part)
		algo, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		sum := sha256.Sum256(body)
		expected := base64.StdEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(expected), []byte(value)) == 1 {
			return nil
		}
		return ErrDigestMismatch
	}
	return ErrDigestMismatch
}
