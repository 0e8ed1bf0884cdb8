// Package token issues the credentials handed out at pairing time: a
// short-lived JWT access token for the local API, a media token scoped
// to playback endpoints, and a long-lived opaque device token the
// client presents on reconnection.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultAccessTTL bounds API access tokens.
	DefaultAccessTTL = 24 * time.Hour
	// DefaultMediaTTL bounds media playback tokens.
	DefaultMediaTTL = 7 * 24 * time.Hour

	deviceTokenBytes = 32
)

// ErrUnauthorized is returned for any token that fails verification.
// Malformed, expired and wrongly-signed tokens are not distinguished.
var ErrUnauthorized = errors.New("token: unauthorized")

// Scope names the surface a token grants.
type Scope string

const (
	ScopeAccess Scope = "access"
	ScopeMedia  Scope = "media"
)

// Claims carried inside signed tokens.
type Claims struct {
	DeviceID string `json:"device_id"`
	OwnerID  string `json:"owner_id"`
	Scope    Scope  `json:"scope"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens with a shared HMAC secret.
type Issuer struct {
	secret    []byte
	accessTTL time.Duration
	mediaTTL  time.Duration
	now       func() time.Time
}

// NewIssuer builds an Issuer. Zero TTLs fall back to the defaults.
func NewIssuer(secret []byte, accessTTL, mediaTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if mediaTTL <= 0 {
		mediaTTL = DefaultMediaTTL
	}
	return &Issuer{
		secret:    secret,
		accessTTL: accessTTL,
		mediaTTL:  mediaTTL,
		now:       time.Now,
	}
}

// SignAccess issues an API access token for a device.
func (i *Issuer) SignAccess(deviceID, ownerID string) (string, error) {
	return i.sign(deviceID, ownerID, ScopeAccess, i.accessTTL)
}

// SignMedia issues a media playback token for a device.
func (i *Issuer) SignMedia(deviceID, ownerID string) (string, error) {
	return i.sign(deviceID, ownerID, ScopeMedia, i.mediaTTL)
}

func (i *Issuer) sign(deviceID, ownerID string, scope Scope, ttl time.Duration) (string, error) {
	now := i.now()
	claims := &Claims{
		DeviceID: deviceID,
		OwnerID:  ownerID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", scope, err)
	}
	return signed, nil
}

// Verify parses a signed token and checks its signature, expiry and
// scope. Every failure mode collapses into ErrUnauthorized.
func (i *Issuer) Verify(tokenString string, want Scope) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.Scope != want {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// SetClock overrides the time source. Tests only.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// NewDeviceToken returns a fresh opaque device token: 32 random bytes,
// base64url without padding. Device tokens are verified by store
// lookup, not by signature, so they carry no structure.
func NewDeviceToken() (string, error) {
	buf := make([]byte, deviceTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
