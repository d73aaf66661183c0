package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/joaniekitchen/backend/internal/apikey"
)

type staticSessions struct {
	session *Session
}

func (s staticSessions) CurrentSession(*http.Request) (*Session, error) {
	return s.session, nil
}

func newKeyService(t *testing.T) (*apikey.Service, *apikey.CreatedKey) {
	t.Helper()
	svc := apikey.NewService(apikey.NewMemoryRepository(), nil)
	created, err := svc.Create(context.Background(), apikey.CreateParams{
		OwnerID: uuid.New(),
		Name:    "authn test",
		Scopes:  []string{"read:recipes"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return svc, created
}

func request(opts ...func(*http.Request)) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/recipes", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func TestAuthenticateBearerSuccess(t *testing.T) {
	svc, created := newKeyService(t)
	a := NewAuthenticator(svc, nil)

	actx := a.Authenticate(request(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+created.Raw)
	}))

	if !actx.Authenticated || actx.Mechanism != MechanismBearer {
		t.Fatalf("got %+v", actx)
	}
	if actx.PrincipalID != created.Key.OwnerID {
		t.Errorf("principal: got %v, want %v", actx.PrincipalID, created.Key.OwnerID)
	}
	if actx.CredentialID == nil || *actx.CredentialID != created.Key.ID {
		t.Errorf("credential id not set: %+v", actx.CredentialID)
	}
	if actx.TraceID == "" || actx.Timestamp.IsZero() || actx.IPAddress == "" {
		t.Error("request metadata missing on success path")
	}
}

func TestAuthenticateBearerFailures(t *testing.T) {
	svc, created := newKeyService(t)
	if _, err := svc.Revoke(context.Background(), created.Key.ID, "admin", "rotated"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	a := NewAuthenticator(svc, nil)

	cases := []struct {
		name   string
		header string
		reason string
	}{
		{"garbage token", "Bearer garbage", apikey.ReasonInvalidFormat},
		{"revoked key", "Bearer " + created.Raw, apikey.ReasonRevoked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			actx := a.Authenticate(request(func(r *http.Request) {
				r.Header.Set("Authorization", tc.header)
			}))
			if actx.Authenticated {
				t.Fatal("authenticated despite invalid bearer token")
			}
			if actx.Mechanism != MechanismBearer {
				t.Errorf("mechanism: got %q", actx.Mechanism)
			}
			if actx.FailureReason != tc.reason {
				t.Errorf("reason: got %q, want %q", actx.FailureReason, tc.reason)
			}
		})
	}
}

func TestAuthenticateBasicAlwaysRejected(t *testing.T) {
	svc, _ := newKeyService(t)
	a := NewAuthenticator(svc, nil)

	cases := []struct {
		name   string
		value  string
		reason string
	}{
		{"well-formed pair", base64.StdEncoding.EncodeToString([]byte("user:pass")), apikey.ReasonInvalidCredentials},
		{"empty password", base64.StdEncoding.EncodeToString([]byte("user:")), apikey.ReasonInvalidCredentials},
		{"no colon", base64.StdEncoding.EncodeToString([]byte("userpass")), apikey.ReasonInvalidFormat},
		{"bad base64", "%%%not-base64%%%", apikey.ReasonInvalidFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			actx := a.Authenticate(request(func(r *http.Request) {
				r.Header.Set("Authorization", "Basic "+tc.value)
			}))
			if actx.Authenticated {
				t.Fatal("basic auth must never authenticate")
			}
			if actx.Mechanism != MechanismBasic {
				t.Errorf("mechanism: got %q", actx.Mechanism)
			}
			if actx.FailureReason != tc.reason {
				t.Errorf("reason: got %q, want %q", actx.FailureReason, tc.reason)
			}
		})
	}
}

func TestAuthenticateSessionFallback(t *testing.T) {
	svc, _ := newKeyService(t)
	principal := uuid.New()

	t.Run("standard user", func(t *testing.T) {
		a := NewAuthenticator(svc, staticSessions{&Session{PrincipalID: principal}})
		actx := a.Authenticate(request())
		if !actx.Authenticated || actx.Mechanism != MechanismSession {
			t.Fatalf("got %+v", actx)
		}
		if actx.PrincipalID != principal {
			t.Errorf("principal: got %v", actx.PrincipalID)
		}
		if actx.IsAdmin {
			t.Error("standard session flagged admin")
		}
		if apikey.Covers(actx.Scopes, "admin:keys") {
			t.Errorf("standard session scopes too broad: %v", actx.Scopes)
		}
		if !apikey.Covers(actx.Scopes, "read:recipes") {
			t.Errorf("standard session missing read access: %v", actx.Scopes)
		}
	})

	t.Run("admin user", func(t *testing.T) {
		a := NewAuthenticator(svc, staticSessions{&Session{PrincipalID: principal, IsAdmin: true}})
		actx := a.Authenticate(request())
		if !actx.Authenticated || !actx.IsAdmin {
			t.Fatalf("got %+v", actx)
		}
		if !apikey.Covers(actx.Scopes, "admin:keys") {
			t.Errorf("admin session scopes: %v", actx.Scopes)
		}
	})

	t.Run("bearer header wins over session", func(t *testing.T) {
		a := NewAuthenticator(svc, staticSessions{&Session{PrincipalID: principal}})
		actx := a.Authenticate(request(func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer garbage")
		}))
		if actx.Authenticated || actx.Mechanism != MechanismBearer {
			t.Errorf("session consulted despite Authorization header: %+v", actx)
		}
	})
}

func TestAuthenticateNone(t *testing.T) {
	svc, _ := newKeyService(t)
	a := NewAuthenticator(svc, staticSessions{nil})

	actx := a.Authenticate(request())
	if actx.Authenticated {
		t.Fatal("authenticated with no credentials")
	}
	if actx.Mechanism != MechanismNone {
		t.Errorf("mechanism: got %q", actx.Mechanism)
	}
	if actx.FailureReason != apikey.ReasonMissingAuth {
		t.Errorf("reason: got %q", actx.FailureReason)
	}
}

func TestJWTSessionProvider(t *testing.T) {
	secret := "test-secret"
	provider := NewJWTSessionProvider(secret, "")
	principal := uuid.New()

	sign := func(claims jwt.MapClaims, key string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(key))
		if err != nil {
			t.Fatalf("SignedString: %v", err)
		}
		return signed
	}
	withCookie := func(value string) *http.Request {
		return request(func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "session_token", Value: value})
		})
	}

	t.Run("valid token", func(t *testing.T) {
		token := sign(jwt.MapClaims{
			"sub": principal.String(), "is_admin": true, "org_id": "kitchen-1",
			"exp": time.Now().Add(time.Hour).Unix(),
		}, secret)
		session, err := provider.CurrentSession(withCookie(token))
		if err != nil || session == nil {
			t.Fatalf("got session=%v err=%v", session, err)
		}
		if session.PrincipalID != principal || !session.IsAdmin || session.OrgID != "kitchen-1" {
			t.Errorf("session: %+v", session)
		}
	})

	t.Run("wrong signing key", func(t *testing.T) {
		token := sign(jwt.MapClaims{"sub": principal.String()}, "other-secret")
		if session, _ := provider.CurrentSession(withCookie(token)); session != nil {
			t.Error("forged token accepted")
		}
	})

	t.Run("expired token", func(t *testing.T) {
		token := sign(jwt.MapClaims{
			"sub": principal.String(), "exp": time.Now().Add(-time.Minute).Unix(),
		}, secret)
		if session, _ := provider.CurrentSession(withCookie(token)); session != nil {
			t.Error("expired token accepted")
		}
	})

	t.Run("no cookie", func(t *testing.T) {
		if session, err := provider.CurrentSession(request()); session != nil || err != nil {
			t.Errorf("got session=%v err=%v, want nil nil", session, err)
		}
	})
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name string
		opt  func(*http.Request)
		want string
	}{
		{"forwarded-for first entry", func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
		}, "198.51.100.7"},
		{"real-ip fallback", func(r *http.Request) {
			r.Header.Set("X-Real-Ip", "198.51.100.8")
		}, "198.51.100.8"},
		{"socket address", func(*http.Request) {}, "203.0.113.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClientIP(request(tc.opt)); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFromContextDefault(t *testing.T) {
	actx := FromContext(context.Background())
	if actx == nil || actx.Authenticated || actx.Mechanism != MechanismNone {
		t.Errorf("got %+v", actx)
	}
}
