package auth

import (
	"encoding/base64"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joaniekitchen/backend/internal/apikey"
)

// Authenticator resolves one of four terminal outcomes per request:
// bearer key, basic auth, external session, or none. Mechanisms are
// tried in that order and the first applicable one wins.
type Authenticator struct {
	keys     *apikey.Service
	sessions SessionProvider
}

func NewAuthenticator(keys *apikey.Service, sessions SessionProvider) *Authenticator {
	return &Authenticator{keys: keys, sessions: sessions}
}

// result is the mechanism-specific authentication outcome. Each variant
// carries only what its mechanism produced; reduce folds it into the
// uniform Context the guards work with.
type result interface {
	reduce(base *Context)
}

type bearerResult struct {
	validation *apikey.Validation
	err        error
}

func (r bearerResult) reduce(base *Context) {
	base.Mechanism = MechanismBearer
	if r.err != nil {
		base.FailureReason = apikey.Reason(r.err)
		return
	}
	base.Authenticated = true
	base.PrincipalID = r.validation.OwnerID
	base.Scopes = r.validation.Scopes
	id := r.validation.CredentialID
	base.CredentialID = &id
	base.CredentialName = r.validation.Name
}

type basicResult struct {
	reason string
}

func (r basicResult) reduce(base *Context) {
	base.Mechanism = MechanismBasic
	base.FailureReason = r.reason
}

type sessionResult struct {
	session *Session
}

func (r sessionResult) reduce(base *Context) {
	base.Mechanism = MechanismSession
	base.Authenticated = true
	base.PrincipalID = r.session.PrincipalID
	base.IsAdmin = r.session.IsAdmin
	if r.session.IsAdmin {
		base.Scopes = apikey.AdminSessionScopes
	} else {
		base.Scopes = apikey.StandardSessionScopes
	}
}

type noneResult struct{}

func (noneResult) reduce(base *Context) {
	base.Mechanism = MechanismNone
	base.FailureReason = apikey.ReasonMissingAuth
}

// Authenticate builds the auth context for a request. Request metadata
// (IP, user agent, trace id, timestamp) is populated on every outcome so
// unauthenticated endpoints log uniformly.
func (a *Authenticator) Authenticate(r *http.Request) *Context {
	base := &Context{
		IPAddress: ClientIP(r),
		UserAgent: r.UserAgent(),
		TraceID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}

	a.resolve(r).reduce(base)
	return base
}

func (a *Authenticator) resolve(r *http.Request) result {
	header := r.Header.Get("Authorization")

	if raw, ok := strings.CutPrefix(header, "Bearer "); ok {
		v, err := a.keys.Validate(r.Context(), raw, ClientIP(r))
		return bearerResult{validation: v, err: err}
	}

	if encoded, ok := strings.CutPrefix(header, "Basic "); ok {
		return resolveBasic(encoded)
	}

	if a.sessions != nil {
		session, err := a.sessions.CurrentSession(r)
		if err == nil && session != nil {
			return sessionResult{session: session}
		}
	}

	return noneResult{}
}

// resolveBasic parses basic credentials fully and then rejects them.
// There is no backing user/password store; the branch is a reserved
// placeholder, so well-formed credentials fail as invalid_credentials
// rather than as an unsupported mechanism.
func resolveBasic(encoded string) basicResult {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return basicResult{reason: apikey.ReasonInvalidFormat}
	}
	if _, _, found := strings.Cut(string(decoded), ":"); !found {
		return basicResult{reason: apikey.ReasonInvalidFormat}
	}
	return basicResult{reason: apikey.ReasonInvalidCredentials}
}

// ClientIP resolves the caller address: first x-forwarded-for entry,
// then x-real-ip, then the socket address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
