// Package webpush delivers encrypted Web Push messages: RFC 8291 message
// encryption (aes128gcm) with RFC 8292 VAPID authorization.
package webpush

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/hkdf"
	"crypto/sha256"

	"github.com/baudrate/baudrate/internal/store"
)

// ErrGone reports that the push service no longer knows the endpoint; the
// subscription should be deleted.
var ErrGone = errors.New("webpush: subscription gone")

const (
	recordSize  = 4096
	ttlSeconds  = 86400
	maxPlaintext = recordSize - 16 /* GCM tag */ - 1 /* pad delimiter */ - 86 /* header */
)

// Sender encrypts and posts push messages using one VAPID identity.
type Sender struct {
	vapid   *VAPIDKey
	contact string
	client  *http.Client
}

// NewSender returns a sender. contact is the mailto: or https: URI required
// by push services in the VAPID claims.
func NewSender(vapid *VAPIDKey, contact string) *Sender {
	return &Sender{
		vapid:   vapid,
		contact: contact,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Push encrypts the payload for one subscription and posts it. A 404 or 410
// response returns an error wrapping ErrGone.
func (s *Sender) Push(ctx context.Context, sub *store.PushSubscription, payload []byte) error {
	body, err := Encrypt(payload, sub.P256DH, sub.Auth)
	if err != nil {
		return fmt.Errorf("encrypt payload: %w", err)
	}

	origin, err := endpointOrigin(sub.Endpoint)
	if err != nil {
		return err
	}
	auth, err := s.vapid.AuthorizationHeader(origin, s.contact)
	if err != nil {
		return fmt.Errorf("vapid authorization: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Authorization", auth)
	req.Header.Set("TTL", fmt.Sprintf("%d", ttlSeconds))
	req.Header.Set("Urgency", "normal")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to push service: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: HTTP %d", ErrGone, resp.StatusCode)
	default:
		return fmt.Errorf("push service returned HTTP %d", resp.StatusCode)
	}
}

func endpointOrigin(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() {
		return "", fmt.Errorf("invalid push endpoint %q", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Encrypt implements the RFC 8291 aes128gcm construction for a single
// record. p256dh is the client's uncompressed P-256 public key (65 bytes)
// and auth its 16-byte auth secret.
func Encrypt(plaintext, p256dh, auth []byte) ([]byte, error) {
	if len(plaintext) > maxPlaintext {
		return nil, fmt.Errorf("payload too large: %d bytes", len(plaintext))
	}
	clientPub, err := ecdh.P256().NewPublicKey(p256dh)
	if err != nil {
		return nil, fmt.Errorf("client public key: %w", err)
	}
	if len(auth) != 16 {
		return nil, fmt.Errorf("auth secret must be 16 bytes, got %d", len(auth))
	}

	asKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	asPub := asKey.PublicKey().Bytes() // 65-byte uncompressed point

	ecdhSecret, err := asKey.ECDH(clientPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh agreement: %w", err)
	}

	// IKM = HKDF-SHA256(salt=auth, ikm=ecdh_secret,
	//                   info="WebPush: info"||0x00||ua_public||as_public, 32)
	keyInfo := make([]byte, 0, 14+1+65+65)
	keyInfo = append(keyInfo, []byte("WebPush: info")...)
	keyInfo = append(keyInfo, 0x00)
	keyInfo = append(keyInfo, p256dh...)
	keyInfo = append(keyInfo, asPub...)
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ecdhSecret, auth, keyInfo), ikm); err != nil {
		return nil, fmt.Errorf("derive ikm: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	cek := make([]byte, 16)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt,
		[]byte("Content-Encoding: aes128gcm\x00")), cek); err != nil {
		return nil, fmt.Errorf("derive cek: %w", err)
	}
	nonce := make([]byte, 12)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt,
		[]byte("Content-Encoding: nonce\x00")), nonce); err != nil {
		return nil, fmt.Errorf("derive nonce: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Single record: plaintext, the 0x02 last-record delimiter, no padding.
	record := append(append([]byte{}, plaintext...), 0x02)
	ciphertext := aead.Seal(nil, nonce, record, nil)

	// Coded header: salt(16) || rs(4) || idlen(1) || keyid(as_public).
	out := make([]byte, 0, 16+4+1+len(asPub)+len(ciphertext))
	out = append(out, salt...)
	out = binary.BigEndian.AppendUint32(out, recordSize)
	out = append(out, byte(len(asPub)))
	out = append(out, asPub...)
	out = append(out, ciphertext...)
	return out, nil
}
