package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Session is what the external identity provider resolves for a
// cookie-authenticated browser request. Session handling itself (login,
// refresh, OAuth) lives outside this subsystem; we only consume the
// result.
type Session struct {
	PrincipalID uuid.UUID
	IsAdmin     bool
	OrgID       string
}

// SessionProvider is the capability the authenticator consumes when no
// Authorization header is present. Implementations return (nil, nil)
// when the request simply has no session.
type SessionProvider interface {
	CurrentSession(r *http.Request) (*Session, error)
}

// JWTSessionProvider reads the identity provider's session token from a
// cookie and verifies its HMAC signature locally.
type JWTSessionProvider struct {
	secret     []byte
	cookieName string
}

func NewJWTSessionProvider(secret, cookieName string) *JWTSessionProvider {
	if cookieName == "" {
		cookieName = "session_token"
	}
	return &JWTSessionProvider{secret: []byte(secret), cookieName: cookieName}
}

type sessionClaims struct {
	Sub     string `json:"sub"`
	IsAdmin bool   `json:"is_admin"`
	OrgID   string `json:"org_id"`
	jwt.RegisteredClaims
}

func (p *JWTSessionProvider) CurrentSession(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(p.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, nil
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return nil, nil
	}

	principalID, err := uuid.Parse(claims.Sub)
	if err != nil {
		return nil, nil
	}

	return &Session{
		PrincipalID: principalID,
		IsAdmin:     claims.IsAdmin,
		OrgID:       claims.OrgID,
	}, nil
}
