package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"todoapi.org/internal/obs"
)

const (
	// DefaultKeyLifespan is how long a fetched key set is trusted.
	DefaultKeyLifespan = time.Hour

	maxKeySetBytes      = 1 << 20
	defaultFetchTimeout = 5 * time.Second
)

// keySnapshot is never modified after it is published.
type keySnapshot struct {
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time
}

// KeyCache fetches the identity provider's JSON Web Key Set and serves keys by
// kid. The whole set is replaced on every fetch; readers see either the old or
// the new snapshot, never a mix.
type KeyCache struct {
	url      string
	client   *http.Client
	lifespan time.Duration
	now      func() time.Time
	snapshot atomic.Pointer[keySnapshot]
}

// KeyCacheOption configures KeyCache.
type KeyCacheOption func(*KeyCache)

// WithHTTPClient overrides the client used for key set fetches.
func WithHTTPClient(c *http.Client) KeyCacheOption {
	return func(k *KeyCache) {
		if c != nil {
			k.client = c
		}
	}
}

// WithKeyLifespan sets how long fetched keys stay fresh.
func WithKeyLifespan(d time.Duration) KeyCacheOption {
	return func(k *KeyCache) {
		if d > 0 {
			k.lifespan = d
		}
	}
}

// WithKeyClock overrides the time source (tests).
func WithKeyClock(fn func() time.Time) KeyCacheOption {
	return func(k *KeyCache) {
		if fn != nil {
			k.now = fn
		}
	}
}

// NewKeyCache returns a cache for the key set published at jwksURL.
func NewKeyCache(jwksURL string, opts ...KeyCacheOption) (*KeyCache, error) {
	jwksURL = strings.TrimSpace(jwksURL)
	if jwksURL == "" {
		return nil, errors.New("auth: key set url is required")
	}
	u, err := url.Parse(jwksURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("auth: invalid key set url %q", jwksURL)
	}
	c := &KeyCache{
		url:      jwksURL,
		client:   &http.Client{Timeout: defaultFetchTimeout},
		lifespan: DefaultKeyLifespan,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// KeyForToken returns the key named by the token's kid header.
func (c *KeyCache) KeyForToken(ctx context.Context, token *jwt.Token) (jose.JSONWebKey, error) {
	kid, _ := token.Header["kid"].(string)
	return c.Key(ctx, kid)
}

// Key returns the key with the given kid, fetching the key set when the cache
// is stale or does not know the kid.
func (c *KeyCache) Key(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	if kid == "" {
		return jose.JSONWebKey{}, &KeyFetchError{Err: ErrKeyIDMissing}
	}
	if snap := c.snapshot.Load(); snap != nil && c.fresh(snap) {
		if key, ok := snap.keys[kid]; ok {
			return key, nil
		}
	}
	snap, err := c.refresh(ctx)
	if err != nil {
		return jose.JSONWebKey{}, &KeyFetchError{KeyID: kid, Err: err}
	}
	key, ok := snap.keys[kid]
	if !ok {
		return jose.JSONWebKey{}, &KeyFetchError{KeyID: kid, Err: ErrKeyNotFound}
	}
	return key, nil
}

func (c *KeyCache) fresh(snap *keySnapshot) bool {
	return c.now().Before(snap.fetchedAt.Add(c.lifespan))
}

// refresh fetches the full key set and publishes it. Concurrent refreshes may
// both fetch; the last Store wins.
func (c *KeyCache) refresh(ctx context.Context) (*keySnapshot, error) {
	snap, err := c.fetch(ctx)
	if err != nil {
		obs.ObserveKeyFetch("error")
		return nil, err
	}
	obs.ObserveKeyFetch("ok")
	c.snapshot.Store(snap)
	return snap, nil
}

func (c *KeyCache) fetch(ctx context.Context) (*keySnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxKeySetBytes))
		return nil, fmt.Errorf("fetch key set: unexpected status %d", resp.StatusCode)
	}
	keys, err := parseKeySet(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, err
	}
	return &keySnapshot{keys: keys, fetchedAt: c.now()}, nil
}

// parseKeySet decodes a JWKS document. Entries that are not valid public keys
// with a kid are skipped rather than failing the whole set.
func parseKeySet(r io.Reader) (map[string]jose.JSONWebKey, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	if doc.Keys == nil {
		return nil, errors.New("decode key set: missing keys member")
	}
	keys := make(map[string]jose.JSONWebKey, len(doc.Keys))
	for _, raw := range doc.Keys {
		var key jose.JSONWebKey
		if err := json.Unmarshal(raw, &key); err != nil {
			continue
		}
		if key.KeyID == "" || !key.Valid() || !key.IsPublic() {
			continue
		}
		keys[key.KeyID] = key
	}
	return keys, nil
}
