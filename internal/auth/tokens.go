// Package auth mints and validates the bearer credentials used by kiosks
// and the operator surface, and handles the one-time activation secrets.
//
// Bearers are HS256 JWTs. The type claim separates kiosk tokens from
// admin tokens; the grant claim separates short-lived access tokens from
// the refresh token that reissues them.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal types carried in the type claim.
const (
	TypeKiosk = "kiosk"
	TypeAdmin = "admin"
)

// Grant kinds carried in the grant claim.
const (
	GrantAccess  = "access"
	GrantRefresh = "refresh"
)

// Claims are the bearer claims. Subject (from RegisteredClaims) holds the
// kiosk id for kiosk tokens.
type Claims struct {
	Type  string `json:"typ"`
	Grant string `json:"grant"`
	jwt.RegisteredClaims
}

// TokenPair is the activation/refresh response payload.
type TokenPair struct {
	Access    string
	Refresh   string
	ExpiresIn int64 // access lifetime, seconds
}

// Issuer mints and parses bearer tokens with a fixed secret and lifetimes.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	now        func() time.Time
}

// NewIssuer creates an Issuer. leeway bounds accepted clock skew.
func NewIssuer(secret string, accessTTL, refreshTTL, leeway time.Duration) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		leeway:     leeway,
		now:        time.Now,
	}
}

// MintKioskPair issues a fresh access+refresh pair for a kiosk.
func (i *Issuer) MintKioskPair(kioskID string) (*TokenPair, error) {
	access, err := i.mint(kioskID, TypeKiosk, GrantAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.mint(kioskID, TypeKiosk, GrantRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		Access:    access,
		Refresh:   refresh,
		ExpiresIn: int64(i.accessTTL.Seconds()),
	}, nil
}

// Refresh exchanges a valid kiosk refresh token for a new pair, preserving
// the subject and type.
func (i *Issuer) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := i.Parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeKiosk || claims.Grant != GrantRefresh {
		return nil, errors.New("not a kiosk refresh token")
	}
	return i.MintKioskPair(claims.Subject)
}

// MintAdminToken issues an operator access token for the audit surface.
func (i *Issuer) MintAdminToken(subject string, ttl time.Duration) (string, error) {
	return i.mint(subject, TypeAdmin, GrantAccess, ttl)
}

// Parse validates signature, expiry (with leeway), and algorithm, and
// returns the claims.
func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		// Reject alg:none / RS256 confusion: this server only signs HS256.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithLeeway(i.leeway))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (i *Issuer) mint(subject, typ, grant string, ttl time.Duration) (string, error) {
	now := i.now().UTC()
	claims := Claims{
		Type:  typ,
		Grant: grant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// NewActivationSecret generates the plaintext activation token: 32 random
// bytes, base64url encoded. The plaintext is shown exactly once; only its
// hash is stored.
func NewActivationSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashActivationSecret is the stored form of an activation token.
func HashActivationSecret(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
