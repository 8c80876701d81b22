package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog/log"
)

// HMACKeyfunc verifies locally issued tokens.
func HMACKeyfunc(secret []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}
}

// JWKS holds the identity provider's public keys and refreshes them.
type JWKS struct {
	url    string
	client *http.Client

	mu  sync.RWMutex
	set jwk.Set
}

// NewJWKS fetches the key set at url.
func NewJWKS(ctx context.Context, url string) (*JWKS, error) {
	k := &JWKS{url: url, client: &http.Client{Timeout: 10 * time.Second}}
	if err := k.Refresh(ctx); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *JWKS) Refresh(ctx context.Context) error {
	set, err := jwk.Fetch(ctx, k.url, jwk.WithHTTPClient(k.client))
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.set = set
	k.mu.Unlock()
	return nil
}

// Run refreshes the key set every interval until ctx is done. A failed
// refresh keeps the previous keys.
func (k *JWKS) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.Refresh(ctx); err != nil {
				log.Warn().Err(err).Str("jwks_url", k.url).Msg("refresh jwks")
			}
		}
	}
}

// Keyfunc selects the verification key by kid, falling back to the first key
// when the token carries none.
func (k *JWKS) Keyfunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
		return nil, errors.New("symmetric tokens are not accepted from the identity provider")
	}
	k.mu.RLock()
	set := k.set
	k.mu.RUnlock()

	kid, _ := t.Header["kid"].(string)
	var (
		key jwk.Key
		ok  bool
	)
	if kid != "" {
		key, ok = set.LookupKeyID(kid)
	} else {
		key, ok = set.Key(0)
	}
	if !ok {
		return nil, fmt.Errorf("no jwk for kid %q", kid)
	}
	var pub any
	if err := key.Raw(&pub); err != nil {
		return nil, err
	}
	return pub, nil
}
