// Package config loads runtime configuration from environment variables.
// A .env file in the working directory is honoured for development setups.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// RegistrationMode controls how new local accounts are created.
type RegistrationMode string

const (
	RegistrationOpen       RegistrationMode = "open"
	RegistrationApproval   RegistrationMode = "approval_required"
	RegistrationInviteOnly RegistrationMode = "invite_only"
)

// FederationMode selects how AP_DOMAIN_BLOCKLIST / AP_DOMAIN_ALLOWLIST apply.
type FederationMode string

const (
	FederationBlocklist FederationMode = "blocklist"
	FederationAllowlist FederationMode = "allowlist"
)

// Config holds all runtime configuration consumed by the core.
type Config struct {
	BaseURL  string // canonical origin, e.g. https://forum.example
	SiteName string
	Port     string

	DatabaseURL string

	// 32-byte AES-256 keys, one per vault.
	TOTPVaultKey  []byte
	VAPIDVaultKey []byte

	// mailto: contact used in the VAPID sub claim.
	VAPIDContact string

	RegistrationMode  RegistrationMode
	FederationEnabled bool
	FederationMode    FederationMode
	DomainBlocklist   []string
	DomainAllowlist   []string
}

// Load reads configuration from the environment. A missing or malformed vault
// key is fatal: running without envelope encryption is never acceptable.
func Load() (*Config, error) {
	// Best-effort; absence of a .env file is the normal production case.
	_ = godotenv.Load()

	totpKey, err := vaultKey("TOTP_VAULT_KEY")
	if err != nil {
		return nil, err
	}
	vapidKey, err := vaultKey("VAPID_VAULT_KEY")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseURL:           strings.TrimRight(getEnv("BASE_URL", "http://localhost:4000"), "/"),
		SiteName:          getEnv("SITE_NAME", "baudrate"),
		Port:              getEnv("PORT", "4000"),
		DatabaseURL:       getEnv("DATABASE_URL", "baudrate.db"),
		TOTPVaultKey:      totpKey,
		VAPIDVaultKey:     vapidKey,
		VAPIDContact:      getEnv("VAPID_CONTACT", ""),
		RegistrationMode:  RegistrationMode(getEnv("REGISTRATION_MODE", string(RegistrationOpen))),
		FederationEnabled: getEnv("AP_FEDERATION_ENABLED", "true") != "false",
		FederationMode:    FederationMode(getEnv("AP_FEDERATION_MODE", string(FederationBlocklist))),
		DomainBlocklist:   splitList(os.Getenv("AP_DOMAIN_BLOCKLIST")),
		DomainAllowlist:   splitList(os.Getenv("AP_DOMAIN_ALLOWLIST")),
	}

	switch cfg.RegistrationMode {
	case RegistrationOpen, RegistrationApproval, RegistrationInviteOnly:
	default:
		return nil, fmt.Errorf("invalid REGISTRATION_MODE %q", cfg.RegistrationMode)
	}
	switch cfg.FederationMode {
	case FederationBlocklist, FederationAllowlist:
	default:
		return nil, fmt.Errorf("invalid AP_FEDERATION_MODE %q", cfg.FederationMode)
	}

	return cfg, nil
}

// URL returns the parsed base URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.BaseURL)
	return u
}

// Host returns the host portion of the base URL, e.g. "forum.example".
func (c *Config) Host() string {
	return c.URL().Host
}

// AbsoluteURL constructs an absolute URL from a path.
func (c *Config) AbsoluteURL(path string) string {
	return c.BaseURL + path
}

// DomainAllowed reports whether federation with the given remote domain is
// permitted under the configured mode and lists. Domains match exactly or as
// a suffix ("example.com" also covers "sub.example.com").
func (c *Config) DomainAllowed(domain string) bool {
	if !c.FederationEnabled {
		return false
	}
	domain = strings.ToLower(domain)
	if c.FederationMode == FederationAllowlist {
		return matchesDomain(c.DomainAllowlist, domain)
	}
	return !matchesDomain(c.DomainBlocklist, domain)
}

func matchesDomain(list []string, domain string) bool {
	for _, d := range list {
		d = strings.ToLower(d)
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

func vaultKey(name string) ([]byte, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", name)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: not valid base64: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s: expected 32 bytes, got %d", name, len(key))
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
