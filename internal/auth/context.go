package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Mechanism tags how a request authenticated. It doubles as the authType
// field on auth-failure responses.
type Mechanism string

const (
	MechanismBearer  Mechanism = "bearer"
	MechanismBasic   Mechanism = "basic"
	MechanismSession Mechanism = "session"
	MechanismNone    Mechanism = "none"
)

// Context is the request-scoped outcome of authentication: who, how,
// with what scopes. It is built for every request, including
// unauthenticated ones, so handlers always have request metadata to log.
type Context struct {
	Authenticated bool
	PrincipalID   uuid.UUID
	Mechanism     Mechanism
	Scopes        []string
	IsAdmin       bool

	// Set only for bearer-key requests.
	CredentialID   *uuid.UUID
	CredentialName string

	// Set only on failure.
	FailureReason string

	// Request metadata, populated on every path.
	IPAddress string
	UserAgent string
	TraceID   string
	Timestamp time.Time
}

type contextKey string

const authKey contextKey = "auth"

func WithContext(ctx context.Context, a *Context) context.Context {
	return context.WithValue(ctx, authKey, a)
}

// FromContext returns the auth context, or an unauthenticated zero-value
// context when the guards never ran.
func FromContext(ctx context.Context) *Context {
	a, _ := ctx.Value(authKey).(*Context)
	if a == nil {
		return &Context{Mechanism: MechanismNone}
	}
	return a
}
