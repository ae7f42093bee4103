// Package auth validates the bearer token on incoming run requests against
// the server's configured auth rules: a static shared token, or an OIDC
// issuer whose JWKS signs the caller's JWT and whose claims satisfy at
// least one configured rule.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"teleprobe/internal/config"
)

type openIDConfiguration struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

// OIDCClient fetches and caches an issuer's discovery document and JWKS,
// and validates bearer tokens against them. Equivalent to the Rust
// Client::new_autodiscover/validate_token pair, but built as a long-lived
// object that can be refreshed rather than a one-shot fetch.
type OIDCClient struct {
	httpClient *http.Client

	mu     sync.RWMutex
	issuer string
	oidc   openIDConfiguration
	keys   jsonWebKeySet
}

// NewOIDCClient performs the autodiscovery fetch sequence: GET
// {issuer}/.well-known/openid-configuration, then GET its jwks_uri.
func NewOIDCClient(ctx context.Context, issuer string) (*OIDCClient, error) {
	c := &OIDCClient{httpClient: &http.Client{Timeout: 10 * time.Second}, issuer: issuer}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *OIDCClient) refresh(ctx context.Context) error {
	configURL := c.issuer
	if !strings.HasSuffix(configURL, "/") {
		configURL += "/"
	}
	configURL += ".well-known/openid-configuration"

	var oidcConfig openIDConfiguration
	if err := fetchJSON(ctx, c.httpClient, configURL, &oidcConfig); err != nil {
		return fmt.Errorf("fetch oidc configuration: %w", err)
	}

	var keys jsonWebKeySet
	if err := fetchJSON(ctx, c.httpClient, oidcConfig.JWKSURI, &keys); err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	c.mu.Lock()
	c.oidc = oidcConfig
	c.keys = keys
	c.mu.Unlock()
	return nil
}

func fetchJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ValidateToken verifies tokenStr's signature against the cached JWKS and
// returns its claims as strings (non-string claim values are dropped, as
// the original implementation does). Only RS256 is supported.
func (c *OIDCClient) ValidateToken(tokenStr string) (map[string]string, error) {
	c.mu.RLock()
	keys := c.keys.Keys
	issuer := c.oidc.Issuer
	c.mu.RUnlock()

	parsed, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != "RS256" {
			return nil, fmt.Errorf("unsupported algo %s", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("header.kid empty")
		}
		for _, k := range keys {
			if k.Kid == kid {
				if k.Alg != "" && k.Alg != "RS256" {
					return nil, fmt.Errorf("key alg mismatch")
				}
				return rsaPublicKeyFromJWK(k)
			}
		}
		return nil, fmt.Errorf("key with kid %s not found in set", kid)
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("bad token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	out := make(map[string]string, len(claims))
	for k, v := range claims {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}

func rsaPublicKeyFromJWK(k jsonWebKey) (interface{}, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// CheckToken checks tokenStr against one configured Auth entry, returning
// nil if it grants access. oidcClient may be nil if the entry is an OIDC
// rule but the server has no client configured for its issuer.
func CheckToken(a config.Auth, tokenStr string, oidcClient *OIDCClient) error {
	switch {
	case a.Token != nil:
		if tokenStr != a.Token.Token {
			return fmt.Errorf("incorrect token")
		}
		return nil
	case a.Oidc != nil:
		if oidcClient == nil {
			return fmt.Errorf("attempted to use OIDC auth when OIDC was not configured")
		}
		claims, err := oidcClient.ValidateToken(tokenStr)
		if err != nil {
			return err
		}
		for _, rule := range a.Oidc.Rules {
			if ruleMatches(rule, claims) {
				return nil
			}
		}
		return fmt.Errorf("no oidc claims rule matched")
	default:
		return fmt.Errorf("unrecognized auth entry")
	}
}

func ruleMatches(rule config.OidcAuthRule, claims map[string]string) bool {
	for k, v := range rule.Claims {
		if claims[k] != v {
			return false
		}
	}
	return true
}

// CheckAuthHeader extracts the bearer token from an Authorization header
// value and checks it against every configured auth entry in order,
// succeeding on the first match, matching check_auth in the original
// server.
func CheckAuthHeader(authHeader string, auths []config.Auth, oidcClient *OIDCClient, log func(format string, args ...interface{})) error {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return fmt.Errorf("malformed Authorization header")
	}
	for i, a := range auths {
		if err := CheckToken(a, token, oidcClient); err != nil {
			if log != nil {
				log("auth method %s #%d failed: %v", a.Kind(), i, err)
			}
			continue
		}
		if log != nil {
			log("auth method %s #%d succeeded", a.Kind(), i)
		}
		return nil
	}
	return fmt.Errorf("unauthorized")
}
