package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joaniekitchen/backend/internal/apikey"
	"github.com/joaniekitchen/backend/internal/models"
)

// UsageSink receives one usage event per guarded bearer-key request.
// Implementations must not block the request path; the production sink
// is a bounded channel with a background drain.
type UsageSink interface {
	Record(ev models.APIKeyUsage)
}

// Guard wraps business handlers with authentication and scope policies.
// Scope checks only happen after successful authentication and render as
// 403; auth failures are always 401.
type Guard struct {
	auth  *Authenticator
	usage UsageSink
}

func NewGuard(auth *Authenticator, usage UsageSink) *Guard {
	return &Guard{auth: auth, usage: usage}
}

type policy struct {
	optional bool
	// sessionBypass exempts session principals from the scope checks.
	// Bearer keys carry explicit grants and are always checked.
	sessionBypass bool
	allScopes     []string
	anyScopes     []string
}

// RequireAuth rejects unauthenticated requests with 401.
func (g *Guard) RequireAuth(next http.Handler) http.Handler {
	return g.serve(policy{}, next)
}

// RequireScopes rejects with 403 unless every listed scope is covered.
func (g *Guard) RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.serve(policy{allScopes: scopes}, next)
	}
}

// RequireAnyScope rejects with 403 unless at least one listed scope is
// covered.
func (g *Guard) RequireAnyScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.serve(policy{anyScopes: scopes}, next)
	}
}

// RequireSessionOrScopes admits session principals as they are; any
// other mechanism must cover every listed scope. This gates management
// surfaces that belong to logged-in users but should only be reachable
// by a key that was explicitly granted the management scope.
func (g *Guard) RequireSessionOrScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.serve(policy{sessionBypass: true, allScopes: scopes}, next)
	}
}

// Optional never rejects; the handler receives the (possibly
// unauthenticated) auth context and branches itself.
func (g *Guard) Optional(next http.Handler) http.Handler {
	return g.serve(policy{optional: true}, next)
}

func (g *Guard) serve(p policy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actx := g.auth.Authenticate(r)
		r = r.WithContext(WithContext(r.Context(), actx))

		rec := &statusWriter{ResponseWriter: w}
		start := time.Now()

		if !p.optional {
			if !actx.Authenticated {
				if actx.FailureReason == apikey.ReasonAuthError {
					slog.Error("auth store failure, failing closed", "trace_id", actx.TraceID)
				}
				writeUnauthorized(rec, actx)
				g.record(actx, r, rec, start, "")
				return
			}
			if !(p.sessionBypass && actx.Mechanism == MechanismSession) {
				if len(p.allScopes) > 0 && !apikey.CoversAll(actx.Scopes, p.allScopes) {
					writeForbidden(rec, actx, p.allScopes)
					g.record(actx, r, rec, start, "")
					return
				}
				if len(p.anyScopes) > 0 && !apikey.CoversAny(actx.Scopes, p.anyScopes) {
					writeForbidden(rec, actx, p.anyScopes)
					g.record(actx, r, rec, start, "")
					return
				}
			}
		}

		panicMsg := g.invoke(next, rec, r, actx)
		g.record(actx, r, rec, start, panicMsg)
	})
}

// invoke runs the business handler, converting a panic into a generic
// 500 after logging the full detail server-side. The returned message is
// attached to the usage event; the caller never sees it.
func (g *Guard) invoke(next http.Handler, rec *statusWriter, r *http.Request, actx *Context) (panicMsg string) {
	defer func() {
		if rvr := recover(); rvr != nil {
			panicMsg = fmt.Sprintf("%v", rvr)
			slog.Error("handler panic", "error", rvr, "path", r.URL.Path, "trace_id", actx.TraceID)
			if !rec.wrote {
				writeJSON(rec, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}
	}()
	next.ServeHTTP(rec, r)
	return ""
}

// record emits a usage event for bearer-key requests, including rejected
// ones, as long as a stored credential was identified. The sink is
// non-blocking; recording can never delay or fail the response.
func (g *Guard) record(actx *Context, r *http.Request, rec *statusWriter, start time.Time, errMsg string) {
	if g.usage == nil || actx.Mechanism != MechanismBearer || actx.CredentialID == nil {
		return
	}
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	g.usage.Record(models.APIKeyUsage{
		APIKeyID:       *actx.CredentialID,
		Endpoint:       r.URL.Path,
		Method:         r.Method,
		StatusCode:     status,
		ResponseTimeMs: int(time.Since(start).Milliseconds()),
		ResponseBytes:  rec.bytes,
		IPAddress:      actx.IPAddress,
		UserAgent:      actx.UserAgent,
		ErrorMessage:   errMsg,
		RequestedAt:    actx.Timestamp,
	})
}

func writeUnauthorized(w http.ResponseWriter, actx *Context) {
	if actx.Mechanism == MechanismBearer || actx.Mechanism == MechanismNone {
		w.Header().Set("WWW-Authenticate", `Bearer realm="API"`)
	}
	reason := actx.FailureReason
	if reason == "" {
		reason = apikey.ReasonMissingAuth
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":    "Authentication required",
		"reason":   reason,
		"authType": string(actx.Mechanism),
	})
}

func writeForbidden(w http.ResponseWriter, actx *Context, required []string) {
	provided := actx.Scopes
	if provided == nil {
		provided = []string{}
	}
	writeJSON(w, http.StatusForbidden, map[string]interface{}{
		"error":    "Insufficient permissions",
		"reason":   apikey.ReasonInsufficientScope,
		"required": required,
		"provided": provided,
		"authType": string(actx.Mechanism),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusWriter captures the status code and body size for usage events.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
	wrote  bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
