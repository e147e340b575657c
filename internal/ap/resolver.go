package ap

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/keystore"
	"github.com/baudrate/baudrate/internal/store"
)

// ErrGone is returned when a remote resource responds with HTTP 410 Gone.
// This typically means the actor or object has been deleted.
var ErrGone = errors.New("ap: resource gone (410)")

// ErrDomainDenied is returned when federation policy excludes a domain.
var ErrDomainDenied = errors.New("ap: domain not allowed by federation policy")

const (
	actorCacheTTL = 24 * time.Hour
	maxRedirects  = 3
	userAgent     = "baudrate/1.0 (+https://baudrate.org)"
	maxBodyBytes  = 1 << 20 // 1 MiB
)

func newFetchClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if req.URL.Scheme != "https" {
				return fmt.Errorf("redirect to non-https URL refused")
			}
			return nil
		},
	}
}

// Resolver fetches and caches remote actor profiles. The remote_actors table
// is the cache; rows older than 24h are re-fetched on access, and a transient
// re-fetch failure serves the stale row instead of erroring.
type Resolver struct {
	store  *store.Store
	config *config.Config
	client *http.Client
}

// NewResolver returns a resolver backed by the store's actor cache.
func NewResolver(st *store.Store, cfg *config.Config) *Resolver {
	return &Resolver{store: st, config: cfg, client: newFetchClient()}
}

// Resolve returns the cached actor for a URI, fetching over the network when
// the cache is cold or stale.
func (r *Resolver) Resolve(ctx context.Context, actorURI string) (*store.RemoteActor, error) {
	if err := r.checkURI(actorURI); err != nil {
		return nil, err
	}

	cached, err := r.store.RemoteActorByAPID(ctx, actorURI)
	if err == nil && time.Since(cached.FetchedAt) < actorCacheTTL {
		return cached, nil
	}
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	fetched, fetchErr := r.fetch(ctx, actorURI)
	if fetchErr != nil {
		if cached != nil && !errors.Is(fetchErr, ErrGone) {
			// Transient failure, serve stale.
			slog.Debug("actor re-fetch failed, serving stale", "actor", actorURI, "error", fetchErr)
			_ = r.store.TouchRemoteActor(ctx, cached.ID, time.Now().Add(-actorCacheTTL/2))
			return cached, nil
		}
		return nil, fetchErr
	}
	return r.store.UpsertRemoteActor(ctx, fetched)
}

// PublicKeyForKeyID implements KeyResolver for inbound signature checks.
func (r *Resolver) PublicKeyForKeyID(req *http.Request, keyID string) (*rsa.PublicKey, string, error) {
	actorURI := ActorForKeyID(keyID)
	actor, err := r.Resolve(req.Context(), actorURI)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnknownActor, err)
	}
	if actor.PublicKeyPEM == "" {
		return nil, "", fmt.Errorf("%w: actor %s has no public key", ErrUnknownActor, actorURI)
	}
	pub, err := keystore.ParsePublicKeyPEM([]byte(actor.PublicKeyPEM))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnknownActor, err)
	}
	return pub, actor.APID, nil
}

// Invalidate drops the cached row so the next Resolve refetches.
func (r *Resolver) Invalidate(ctx context.Context, actorURI string) {
	if a, err := r.store.RemoteActorByAPID(ctx, actorURI); err == nil {
		_ = r.store.DeleteRemoteActor(ctx, a.ID)
	}
}

func (r *Resolver) checkURI(actorURI string) error {
	u, err := url.Parse(actorURI)
	if err != nil {
		return fmt.Errorf("parse actor URI: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("actor URI must be https: %s", actorURI)
	}
	if !r.config.DomainAllowed(u.Hostname()) {
		return ErrDomainDenied
	}
	return nil
}

// fetch retrieves and validates a remote actor document.
func (r *Resolver) fetch(ctx context.Context, actorURI string) (*store.RemoteActor, error) {
	obj, err := r.fetchObject(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	return r.actorFromDocument(actorURI, obj)
}

// actorFromDocument validates a fetched actor document. An actor without a
// usable public key is rejected here; nothing it sends could ever verify.
func (r *Resolver) actorFromDocument(actorURI string, obj map[string]interface{}) (*store.RemoteActor, error) {
	id := getString(obj, "id")
	if id == "" {
		return nil, fmt.Errorf("actor %s: missing id", actorURI)
	}
	// The response id is authoritative when redirects moved us.
	idURL, err := url.Parse(id)
	if err != nil || idURL.Scheme != "https" {
		return nil, fmt.Errorf("actor %s: invalid id %q", actorURI, id)
	}
	if !r.config.DomainAllowed(idURL.Hostname()) {
		return nil, ErrDomainDenied
	}

	inbox := getString(obj, "inbox")
	if inbox == "" {
		return nil, fmt.Errorf("actor %s: missing inbox", actorURI)
	}
	actorType := getString(obj, "type")
	if !isActorType(actorType) {
		return nil, fmt.Errorf("actor %s: unexpected type %q", actorURI, actorType)
	}

	ra := &store.RemoteActor{
		APID:        id,
		Username:    getString(obj, "preferredUsername"),
		Domain:      idURL.Hostname(),
		DisplayName: getString(obj, "name"),
		Inbox:       inbox,
		ActorType:   actorType,
	}
	if pk, ok := obj["publicKey"].(map[string]interface{}); ok {
		ra.PublicKeyPEM = getString(pk, "publicKeyPem")
	}
	if ra.PublicKeyPEM == "" {
		return nil, fmt.Errorf("actor %s: missing publicKey.publicKeyPem", actorURI)
	}
	if _, err := keystore.ParsePublicKeyPEM([]byte(ra.PublicKeyPEM)); err != nil {
		return nil, fmt.Errorf("actor %s: bad public key: %w", actorURI, err)
	}
	if ep, ok := obj["endpoints"].(map[string]interface{}); ok {
		ra.SharedInbox = getString(ep, "sharedInbox")
	}
	if icon, ok := obj["icon"].(map[string]interface{}); ok {
		ra.IconURL = getString(icon, "url")
	}
	return ra, nil
}

// FetchObject fetches a raw ActivityPub object, for embedded-object chasing
// (e.g. a Create whose object is only a reference).
func (r *Resolver) FetchObject(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" {
		return nil, fmt.Errorf("object URL must be https: %s", rawURL)
	}
	if !r.config.DomainAllowed(u.Hostname()) {
		return nil, ErrDomainDenied
	}
	return r.fetchObject(ctx, rawURL)
}

func (r *Resolver) fetchObject(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	var obj map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	return obj, nil
}

// ResolveHandle resolves a Fediverse handle (e.g. "alice@example.org") to an
// actor via WebFinger and then Resolve.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (*store.RemoteActor, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid handle %q: expected user@domain", handle)
	}
	domain := parts[1]
	if !r.config.DomainAllowed(domain) {
		return nil, ErrDomainDenied
	}

	wfURL := "https://" + domain + "/.well-known/webfinger?resource=" +
		url.QueryEscape("acct:"+handle)
	req, err := http.NewRequestWithContext(ctx, "GET", wfURL, nil)
	if err != nil {
		return nil, fmt.Errorf("webfinger request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webfinger fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webfinger returned HTTP %d for %s", resp.StatusCode, handle)
	}

	var wf WebFingerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&wf); err != nil {
		return nil, fmt.Errorf("webfinger decode: %w", err)
	}
	for _, link := range wf.Links {
		if link.Rel == "self" && (link.Type == "application/activity+json" ||
			link.Type == `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`) {
			return r.Resolve(ctx, link.Href)
		}
	}
	return nil, fmt.Errorf("no ActivityPub actor link found for %s", handle)
}

func isActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// IsLocalID reports whether an AP id belongs to our own origin.
func IsLocalID(apID, baseURL string) bool {
	base := strings.TrimRight(baseURL, "/")
	return apID == base || strings.HasPrefix(apID, base+"/")
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
