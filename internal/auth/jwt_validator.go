package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"
)

// JWTTokenValidator validates bearer tokens issued by the configured JWKS
// endpoint. With no JWKS URL it runs in dev mode: claims are trusted without
// signature verification, which is only ever wired when JWT_JWKS_URL is left
// unset in local development.
type JWTTokenValidator struct {
	keySet  jwk.Set
	jwksURL string
	devMode bool
}

func NewTokenValidator(jwksURL string) (TokenValidator, error) {
	if jwksURL == "" {
		return &JWTTokenValidator{devMode: true}, nil
	}

	keySet, err := jwk.Fetch(context.Background(), jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWTTokenValidator{keySet: keySet, jwksURL: jwksURL}, nil
}

// RefreshKeys re-fetches the JWKS, used when a kid isn't found in the cached
// set — the signing key may have rotated since startup.
func (v *JWTTokenValidator) RefreshKeys() error {
	if v.jwksURL == "" {
		return ErrNoJWKS
	}

	keySet, err := jwk.Fetch(context.Background(), v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to refresh JWKS from %s: %w", v.jwksURL, err)
	}

	v.keySet = keySet
	return nil
}

// ExtractUserID validates tokenString against the JWKS (or trusts it
// unverified in dev mode) and returns the chat owner's identity, preferring
// sub, then user_id, then email — this is the identifier used for every
// Message Store lookup, so it must be the stable one.
func (v *JWTTokenValidator) ExtractUserID(tokenString string) (string, error) {
	claims, err := v.resolveClaims(tokenString)
	if err != nil {
		return "", err
	}
	return firstNonEmpty(claims.Sub, claims.UserId, claims.Email)
}

// resolveClaims parses and, outside dev mode, cryptographically verifies
// tokenString, returning its StandardClaims.
func (v *JWTTokenValidator) resolveClaims(tokenString string) (*StandardClaims, error) {
	if v.devMode {
		token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &StandardClaims{})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		claims, ok := token.Claims.(*StandardClaims)
		if !ok {
			return nil, ErrInvalidToken
		}
		return claims, nil
	}

	if v.keySet == nil {
		return nil, ErrNoJWKS
	}

	rawKey, err := v.lookupSigningKey(tokenString)
	if err != nil {
		return nil, err
	}

	validated, err := jwt.ParseWithClaims(tokenString, &StandardClaims{}, func(*jwt.Token) (interface{}, error) {
		return rawKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := validated.Claims.(*StandardClaims)
	if !ok || !validated.Valid {
		return nil, ErrInvalidToken
	}
	if !claims.VerifyExpiresAt(time.Now(), true) {
		return nil, ErrExpiredToken
	}
	return claims, nil
}

// lookupSigningKey reads the unverified header to find kid, then resolves
// the matching JWKS entry, refreshing the set once if the key isn't cached.
func (v *JWTTokenValidator) lookupSigningKey(tokenString string) (interface{}, error) {
	header, _, err := new(jwt.Parser).ParseUnverified(tokenString, &StandardClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse token header: %v", ErrInvalidToken, err)
	}

	kid, ok := header.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: token header missing kid", ErrInvalidToken)
	}

	key, found := v.keySet.LookupKeyID(kid)
	if !found {
		if err := v.RefreshKeys(); err != nil {
			return nil, fmt.Errorf("%w: key with ID %s not found and failed to refresh keys: %v", ErrInvalidToken, kid, err)
		}
		key, found = v.keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: key with ID %s not found after refresh", ErrInvalidToken, kid)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("%w: failed to get raw key: %v", ErrInvalidToken, err)
	}
	return rawKey, nil
}

func firstNonEmpty(values ...string) (string, error) {
	for _, v := range values {
		if v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: no sub, user_id, or email found in token claims", ErrInvalidToken)
}
