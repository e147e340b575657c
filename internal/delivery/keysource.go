package delivery

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/baudrate/baudrate/internal/ap"
	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/keystore"
	"github.com/baudrate/baudrate/internal/store"
)

// StoreKeySource maps local actor URIs onto their stored key pairs. It is
// the production KeySource.
type StoreKeySource struct {
	store    *store.Store
	config   *config.Config
	keystore *keystore.KeyStore
}

// NewStoreKeySource returns the database-backed key source.
func NewStoreKeySource(st *store.Store, cfg *config.Config, ks *keystore.KeyStore) *StoreKeySource {
	return &StoreKeySource{store: st, config: cfg, keystore: ks}
}

// SigningKey implements KeySource.
func (s *StoreKeySource) SigningKey(ctx context.Context, actorURI string) (string, *rsa.PrivateKey, error) {
	userPrefix := s.config.AbsoluteURL("/ap/users/")
	boardPrefix := s.config.AbsoluteURL("/ap/boards/")

	switch {
	case strings.HasPrefix(actorURI, userPrefix):
		u, err := s.store.UserByUsername(ctx, strings.TrimPrefix(actorURI, userPrefix))
		if err != nil {
			return "", nil, fmt.Errorf("signing user: %w", err)
		}
		kp, err := s.keystore.EnsureUserKeys(ctx, u)
		if err != nil {
			return "", nil, err
		}
		return ap.KeyID(actorURI), kp.Private, nil

	case strings.HasPrefix(actorURI, boardPrefix):
		b, err := s.store.BoardBySlug(ctx, strings.TrimPrefix(actorURI, boardPrefix))
		if err != nil {
			return "", nil, fmt.Errorf("signing board: %w", err)
		}
		kp, err := s.keystore.EnsureBoardKeys(ctx, b)
		if err != nil {
			return "", nil, err
		}
		return ap.KeyID(actorURI), kp.Private, nil

	case actorURI == ap.SiteActorURI(s.config):
		kp, err := s.keystore.EnsureSiteKeys(ctx)
		if err != nil {
			return "", nil, err
		}
		return ap.KeyID(actorURI), kp.Private, nil
	}
	return "", nil, fmt.Errorf("no signing key for actor %s", actorURI)
}
