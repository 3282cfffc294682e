package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/metrics"
)

// jwk is a single JSON Web Key as published by the identity provider's
// JWKS endpoint. Only the fields needed to reconstruct an RSA or EC
// public key are modeled; unknown fields are ignored.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	// RSA
	N string `json:"n"`
	E string `json:"e"`
	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

// JWKSCache fetches and caches a JWKS document, keyed by "kid", so token
// validation never round-trips to the identity provider on the hot path.
// A cache miss triggers exactly one synchronous refresh (spec §4.10).
type JWKSCache struct {
	url    string
	client *http.Client

	mu        sync.RWMutex
	keys      map[string]any // kid -> *rsa.PublicKey | *ecdsa.PublicKey
	fetchedAt time.Time
}

// NewJWKSCache constructs a cache that fetches from url on demand.
func NewJWKSCache(url string) *JWKSCache {
	return &JWKSCache{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		keys:   make(map[string]any),
	}
}

// Lookup returns the public key for kid, refreshing the JWKS document
// once if kid is not already cached.
func (c *JWKSCache) Lookup(kid string) (any, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := c.Refresh(); err != nil {
		metrics.JWKSRefreshTotal.WithLabelValues("error").Inc()
		return nil, ferrors.Wrap(ferrors.KindUnauthorized, "refresh jwks", err)
	}
	metrics.JWKSRefreshTotal.WithLabelValues("ok").Inc()

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, ferrors.New(ferrors.KindUnauthorized, "unknown signing key id "+kid)
	}
	return key, nil
}

// Refresh unconditionally re-fetches the JWKS document.
func (c *JWKSCache) Refresh() error {
	req, err := http.NewRequest(http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ferrors.New(ferrors.KindUnavailable, "jwks endpoint returned non-200")
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return err
	}

	keys := make(map[string]any, len(doc.Keys))
	for _, k := range doc.Keys {
		pub, err := toPublicKey(k)
		if err != nil {
			log.Warn("skipping unparseable jwk " + k.Kid + ": " + err.Error())
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func toPublicKey(k jwk) (any, error) {
	switch k.Kty {
	case "RSA":
		nBytes, err := b64(k.N)
		if err != nil {
			return nil, err
		}
		eBytes, err := b64(k.E)
		if err != nil {
			return nil, err
		}
		n := new(big.Int).SetBytes(nBytes)
		e := new(big.Int).SetBytes(eBytes)
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		xBytes, err := b64(k.X)
		if err != nil {
			return nil, err
		}
		yBytes, err := b64(k.Y)
		if err != nil {
			return nil, err
		}
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		default:
			return nil, ferrors.New(ferrors.KindInternal, "unsupported ec curve "+k.Crv)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(xBytes),
			Y:     new(big.Int).SetBytes(yBytes),
		}, nil
	default:
		return nil, ferrors.New(ferrors.KindInternal, "unsupported jwk kty "+k.Kty)
	}
}

func b64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
