// Package auth verifies bearer tokens on the write-side API endpoints.
// Keys are discovered from the issuer's JWKS endpoint and cached;
// verification requires an Ed25519 signature and matching issuer and
// audience claims. Auth is only enforced when an issuer is configured.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Verifier handles JWKS discovery, caching, and token verification.
type Verifier struct {
	jwksURL    string
	httpClient *http.Client
	cache      *jwksCache
	testMode   bool
}

// jwksCache stores the fetched key set with expiration
type jwksCache struct {
	jwks      *JWKS
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewVerifier creates a verifier against the issuer's JWKS endpoint.
func NewVerifier(jwksURL string) *Verifier {
	return &Verifier{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
	}
}

// NewTestVerifier creates a verifier that checks claims without
// signature verification, for tests.
func NewTestVerifier() *Verifier {
	return &Verifier{testMode: true}
}

// fetchJWKS fetches the key set from the issuer.
func (v *Verifier) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &jwks, nil
}

// getJWKS returns the cached key set, refreshing it when stale.
func (v *Verifier) getJWKS(ctx context.Context) (*JWKS, error) {
	v.cache.mutex.RLock()
	if v.cache.jwks != nil && time.Now().Before(v.cache.expiresAt) {
		jwks := v.cache.jwks
		v.cache.mutex.RUnlock()
		return jwks, nil
	}
	v.cache.mutex.RUnlock()

	v.cache.mutex.Lock()
	defer v.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if v.cache.jwks != nil && time.Now().Before(v.cache.expiresAt) {
		return v.cache.jwks, nil
	}

	jwks, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	v.cache.jwks = jwks
	v.cache.expiresAt = time.Now().Add(5 * time.Minute)
	return jwks, nil
}

// getKey retrieves a specific key from the JWKS by kid.
func (v *Verifier) getKey(ctx context.Context, kid string) (*JWK, error) {
	jwks, err := v.getJWKS(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range jwks.Keys {
		if key.Kid == kid {
			return &key, nil
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// ValidateToken verifies a bearer token and returns its claims.
func (v *Verifier) ValidateToken(ctx context.Context, tokenString, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	if v.testMode {
		parsedToken, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWT: %w", err)
		}
		claims, ok := parsedToken.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("invalid JWT claims")
		}
		return checkClaims(claims, expectedIssuer, expectedAudience, false)
	}

	// Parse unverified first to learn which key signed the token
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("missing or invalid kid in JWT header")
	}

	jwk, err := v.getKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" || jwk.Alg != "EdDSA" {
		return nil, fmt.Errorf("unsupported key type or algorithm")
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ed25519.PublicKey(xBytes), nil
	}

	parsedToken, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to verify JWT: %w", err)
	}
	if !parsedToken.Valid {
		return nil, fmt.Errorf("invalid JWT")
	}
	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid JWT claims")
	}
	return checkClaims(claims, expectedIssuer, expectedAudience, true)
}

// checkClaims verifies issuer, audience, and optionally expiration.
func checkClaims(claims jwt.MapClaims, expectedIssuer, expectedAudience string, checkExpiry bool) (jwt.MapClaims, error) {
	if iss, ok := claims["iss"].(string); !ok || iss != expectedIssuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	if aud, ok := claims["aud"].(string); !ok || aud != expectedAudience {
		return nil, fmt.Errorf("invalid audience")
	}
	if checkExpiry {
		if exp, ok := claims["exp"].(float64); !ok || float64(time.Now().Unix()) > exp {
			return nil, fmt.Errorf("token expired")
		}
	}
	return claims, nil
}
