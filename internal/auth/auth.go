// Package auth covers the hub's two credential shapes: the long-lived CLI
// access token machines hold, and the short-lived JWT clients exchange it
// for. An access token may carry a namespace suffix, "token:ns".
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultNamespace mirrors the store's default tenant scope.
const DefaultNamespace = "default"

// tokenBytes is the entropy of a generated access token.
const tokenBytes = 32

// GenerateToken returns a fresh URL-safe access token.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SplitToken separates an access token from its optional namespace suffix.
// "abc" yields ("abc", "default"); "abc:team" yields ("abc", "team").
func SplitToken(raw string) (token, namespace string) {
	token, namespace, found := strings.Cut(raw, ":")
	if !found || namespace == "" {
		return token, DefaultNamespace
	}
	return token, namespace
}

// JoinToken attaches a namespace suffix, omitting it for the default
// namespace so existing tokens keep their shape.
func JoinToken(token, namespace string) string {
	if namespace == "" || namespace == DefaultNamespace {
		return token
	}
	return token + ":" + namespace
}

// Verifier validates presented access tokens against the hub's base token
// and mints session JWTs.
type Verifier struct {
	baseToken []byte
	jwtSecret []byte
	jwtTTL    time.Duration
}

// NewVerifier creates a verifier. jwtSecret signs session tokens with
// HS256; it must stay stable across hub restarts or every client is
// logged out.
func NewVerifier(baseToken string, jwtSecret []byte) *Verifier {
	return &Verifier{
		baseToken: []byte(baseToken),
		jwtSecret: jwtSecret,
		jwtTTL:    30 * 24 * time.Hour,
	}
}

// VerifyAccessToken checks a presented token (with optional namespace
// suffix) and returns the namespace it grants. Comparison is constant-time.
func (v *Verifier) VerifyAccessToken(raw string) (string, error) {
	token, namespace := SplitToken(raw)
	if subtle.ConstantTimeCompare([]byte(token), v.baseToken) != 1 {
		return "", fmt.Errorf("invalid access token")
	}
	return namespace, nil
}

// Claims is the session JWT payload.
type Claims struct {
	UID string `json:"uid"`
	NS  string `json:"ns"`
	jwt.RegisteredClaims
}

// IssueJWT mints a session token for a user in a namespace.
func (v *Verifier) IssueJWT(uid, namespace string) (string, error) {
	now := time.Now()
	claims := Claims{
		UID: uid,
		NS:  namespace,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.jwtTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.jwtSecret)
}

// VerifyJWT parses and validates a session token.
func (v *Verifier) VerifyJWT(raw string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	if claims.UID == "" || claims.NS == "" {
		return nil, fmt.Errorf("session token missing uid or ns")
	}
	return &claims, nil
}
