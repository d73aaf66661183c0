package apikey

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joaniekitchen/backend/internal/models"
)

// fakeCache is an in-process ValidationCache for exercising the caching
// path without redis.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*Validation
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*Validation)}
}

func (c *fakeCache) Get(_ context.Context, hash string) (*Validation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[hash]
	return v, ok
}

func (c *fakeCache) Put(_ context.Context, hash string, v *Validation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = v
	c.puts++
}

func (c *fakeCache) Invalidate(_ context.Context, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hash)
}

func (c *fakeCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func newTestService(t *testing.T) (*Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	return NewService(repo, nil), repo
}

func createKey(t *testing.T, svc *Service, scopes []string) (*CreatedKey, uuid.UUID) {
	t.Helper()
	owner := uuid.New()
	created, err := svc.Create(context.Background(), CreateParams{
		OwnerID:     owner,
		Name:        "test key",
		Scopes:      scopes,
		Environment: EnvLive,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created, owner
}

func TestCreateValidateRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, owner := createKey(t, svc, []string{"read:recipes", "write:meals"})

	if created.Raw == "" {
		t.Fatal("expected raw key in create response")
	}
	if created.Key.KeyHash == created.Raw {
		t.Error("stored hash must not equal the raw key")
	}

	v, err := svc.Validate(ctx, created.Raw, "10.0.0.1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.OwnerID != owner {
		t.Errorf("owner: got %v, want %v", v.OwnerID, owner)
	}
	if v.CredentialID != created.Key.ID {
		t.Errorf("credential id: got %v, want %v", v.CredentialID, created.Key.ID)
	}
	if len(v.Scopes) != 2 || v.Scopes[0] != "read:recipes" {
		t.Errorf("scopes: got %v", v.Scopes)
	}
}

func TestCreateRejectsInvalidScopes(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.Create(context.Background(), CreateParams{
		OwnerID: uuid.New(),
		Name:    "bad",
		Scopes:  []string{"read:recipes", "Not Valid"},
	})

	var scopeErr *InvalidScopesError
	if !errors.As(err, &scopeErr) {
		t.Fatalf("got %v, want InvalidScopesError", err)
	}
	if len(scopeErr.Scopes) != 1 || scopeErr.Scopes[0] != "Not Valid" {
		t.Errorf("offending scopes: got %v, want [Not Valid]", scopeErr.Scopes)
	}

	// Nothing persisted.
	if len(repo.keys) != 0 {
		t.Error("row persisted despite scope validation failure")
	}
}

func TestValidateFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("malformed", func(t *testing.T) {
		if _, err := svc.Validate(ctx, "garbage", ""); !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("got %v, want ErrInvalidFormat", err)
		}
	})

	t.Run("well-formed but unknown", func(t *testing.T) {
		issued, err := Issue(EnvLive)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if _, err := svc.Validate(ctx, issued.Raw, ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})
}

func TestValidateRevoked(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, _ := createKey(t, svc, []string{"read:recipes"})

	ok, err := svc.Revoke(ctx, created.Key.ID, "admin", "suspected leak")
	if err != nil || !ok {
		t.Fatalf("Revoke: ok=%v err=%v", ok, err)
	}

	_, err = svc.Validate(ctx, created.Raw, "")
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("got %v, want ErrRevoked", err)
	}
	var revErr *RevokedError
	if !errors.As(err, &revErr) || revErr.Reason != "suspected leak" {
		t.Errorf("revocation reason not carried: %v", err)
	}
	if Reason(err) != ReasonRevoked {
		t.Errorf("reason code: got %q, want %q", Reason(err), ReasonRevoked)
	}
}

func TestValidateExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	owner := uuid.New()
	created, err := svc.Create(ctx, CreateParams{
		OwnerID:   owner,
		Name:      "short-lived",
		Scopes:    []string{"read:recipes"},
		ExpiresAt: &past,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = svc.Validate(ctx, created.Raw, "")
	if !errors.Is(err, ErrExpired) {
		t.Errorf("got %v, want ErrExpired", err)
	}
	if Reason(err) != ReasonExpired {
		t.Errorf("reason code: got %q", Reason(err))
	}
}

func TestRevokedBeatsExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	created, err := svc.Create(ctx, CreateParams{
		OwnerID:   uuid.New(),
		Name:      "revoked and expired",
		Scopes:    []string{"read:recipes"},
		ExpiresAt: &past,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Revoke(ctx, created.Key.ID, "admin", ""); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err = svc.Validate(ctx, created.Raw, "")
	if !errors.Is(err, ErrRevoked) {
		t.Errorf("got %v, want ErrRevoked for a key both revoked and expired", err)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, _ := createKey(t, svc, nil)

	ok, err := svc.Revoke(ctx, created.Key.ID, "admin", "first")
	if err != nil || !ok {
		t.Fatalf("first revoke: ok=%v err=%v", ok, err)
	}
	ok, err = svc.Revoke(ctx, created.Key.ID, "admin", "second")
	if err != nil || !ok {
		t.Fatalf("second revoke should still return true: ok=%v err=%v", ok, err)
	}

	// First revocation metadata wins.
	key, err := svc.Get(ctx, created.Key.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if key.RevocationReason != "first" {
		t.Errorf("revocation reason: got %q, want %q", key.RevocationReason, "first")
	}

	ok, err = svc.Revoke(ctx, uuid.New(), "admin", "")
	if err != nil || ok {
		t.Errorf("revoking missing id: ok=%v err=%v, want false nil", ok, err)
	}
}

func TestUpdateRejectsInvalidScopesWithoutWrite(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, _ := createKey(t, svc, []string{"read:recipes"})

	bad := []string{"read:recipes", "NOPE"}
	newName := "renamed"
	_, err := svc.Update(ctx, created.Key.ID, UpdateParams{Name: &newName, Scopes: &bad})
	var scopeErr *InvalidScopesError
	if !errors.As(err, &scopeErr) {
		t.Fatalf("got %v, want InvalidScopesError", err)
	}

	key, err := svc.Get(ctx, created.Key.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if key.Name != "test key" {
		t.Error("partial write happened despite scope validation failure")
	}
	if len(key.Scopes) != 1 || key.Scopes[0] != "read:recipes" {
		t.Errorf("scopes mutated: %v", key.Scopes)
	}
}

func TestUpdateScopesTakeEffect(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, _ := createKey(t, svc, []string{"read:recipes"})

	scopes := []string{"recipes:*", "read:meals"}
	ok, err := svc.Update(ctx, created.Key.ID, UpdateParams{Scopes: &scopes})
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}

	v, err := svc.Validate(ctx, created.Raw, "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(v.Scopes) != 2 || v.Scopes[0] != "recipes:*" {
		t.Errorf("scopes after update: %v", v.Scopes)
	}
}

func TestDeleteCascades(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	created, _ := createKey(t, svc, nil)
	if err := svc.RecordUsage(ctx, &models.APIKeyUsage{
		APIKeyID: created.Key.ID, Endpoint: "/api/v1/recipes", Method: "GET", StatusCode: 200,
	}); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	ok, err := svc.Delete(ctx, created.Key.ID)
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}

	if _, err := svc.Get(ctx, created.Key.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("key still present after delete: %v", err)
	}
	if len(repo.usage[created.Key.ID]) != 0 {
		t.Error("usage events survived hard delete")
	}
	if _, err := svc.Validate(ctx, created.Raw, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key still validates: %v", err)
	}
}

func TestListNewestFirstAndActiveFilter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	owner := uuid.New()

	mk := func(name string, at time.Time) uuid.UUID {
		created, err := svc.Create(ctx, CreateParams{OwnerID: owner, Name: name})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		// Backdate for a deterministic order.
		key, _ := svc.repo.GetByID(ctx, created.Key.ID)
		key.CreatedAt = at
		svc.repo.Update(ctx, key)
		return created.Key.ID
	}

	oldID := mk("old", time.Now().Add(-2*time.Hour))
	newID := mk("new", time.Now().Add(-time.Hour))
	if _, err := svc.Revoke(ctx, oldID, "admin", ""); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	active, err := svc.List(ctx, owner, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].ID != newID {
		t.Errorf("active list: %+v", active)
	}

	all, err := svc.List(ctx, owner, true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].ID != newID || all[1].ID != oldID {
		t.Errorf("full list not newest-first: %+v", all)
	}
}

func TestUsageStats(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, _ := createKey(t, svc, nil)
	for i, status := range []int{200, 200, 500, 404} {
		err := svc.RecordUsage(ctx, &models.APIKeyUsage{
			APIKeyID:       created.Key.ID,
			Endpoint:       "/api/v1/recipes",
			Method:         "GET",
			StatusCode:     status,
			ResponseTimeMs: 10 * (i + 1),
		})
		if err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}

	stats := svc.UsageStats(ctx, created.Key.ID, nil, nil)
	if stats.TotalRequests != 4 {
		t.Errorf("total: got %d, want 4", stats.TotalRequests)
	}
	if stats.Last24h != 4 {
		t.Errorf("last24h: got %d, want 4", stats.Last24h)
	}
	if stats.ErrorRate != 0.5 {
		t.Errorf("error rate: got %v, want 0.5", stats.ErrorRate)
	}
	if stats.AvgResponseTimeMs != 25 {
		t.Errorf("avg response time: got %v, want 25", stats.AvgResponseTimeMs)
	}
	if len(stats.TopEndpoints) != 1 || stats.TopEndpoints[0].Count != 4 {
		t.Errorf("top endpoints: %+v", stats.TopEndpoints)
	}

	key, _ := svc.Get(ctx, created.Key.ID)
	if key.TotalRequests != 4 {
		t.Errorf("denormalized counter: got %d, want 4", key.TotalRequests)
	}
}

func TestUsageStatsWindowFiltersEndpoints(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, _ := createKey(t, svc, nil)
	record := func(endpoint string, at time.Time) {
		err := svc.RecordUsage(ctx, &models.APIKeyUsage{
			APIKeyID:    created.Key.ID,
			Endpoint:    endpoint,
			Method:      "GET",
			StatusCode:  200,
			RequestedAt: at,
		})
		if err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}
	record("/api/v1/recipes", time.Now().Add(-48*time.Hour))
	record("/api/v1/meals", time.Now())

	from := time.Now().Add(-time.Hour)
	stats := svc.UsageStats(ctx, created.Key.ID, &from, nil)
	if stats.TotalRequests != 1 {
		t.Fatalf("total in window: got %d, want 1", stats.TotalRequests)
	}
	// The endpoint breakdown must honor the same window as the counts.
	if len(stats.TopEndpoints) != 1 || stats.TopEndpoints[0].Endpoint != "/api/v1/meals" {
		t.Errorf("top endpoints: got %+v, want only /api/v1/meals", stats.TopEndpoints)
	}
}

func TestUsageStatsUnknownKeyIsZero(t *testing.T) {
	svc, _ := newTestService(t)
	stats := svc.UsageStats(context.Background(), uuid.New(), nil, nil)
	if stats.TotalRequests != 0 || len(stats.TopEndpoints) != 0 {
		t.Errorf("expected zeroed stats, got %+v", stats)
	}
	if stats.TopEndpoints == nil {
		t.Error("top endpoints should be empty, not nil")
	}
}

func TestSweepExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	owner := uuid.New()

	expired, err := svc.Create(ctx, CreateParams{OwnerID: owner, Name: "stale", ExpiresAt: &past})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, CreateParams{OwnerID: owner, Name: "fresh", ExpiresAt: &future}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Count-only pass leaves state alone.
	n, err := svc.SweepExpired(ctx, false)
	if err != nil || n != 1 {
		t.Fatalf("SweepExpired(false): n=%d err=%v", n, err)
	}
	key, _ := svc.Get(ctx, expired.Key.ID)
	if !key.IsActive {
		t.Error("count-only sweep mutated the key")
	}

	n, err = svc.SweepExpired(ctx, true)
	if err != nil || n != 1 {
		t.Fatalf("SweepExpired(true): n=%d err=%v", n, err)
	}
	key, _ = svc.Get(ctx, expired.Key.ID)
	if key.IsActive || key.RevokedAt == nil {
		t.Error("auto-revoke did not revoke the expired key")
	}
	if key.RevokedBy != "system" || key.RevocationReason != "automatic expiration" {
		t.Errorf("revocation metadata: by=%q reason=%q", key.RevokedBy, key.RevocationReason)
	}
}

func TestValidateCachesSuccessesOnly(t *testing.T) {
	cache := newFakeCache()
	svc := NewService(NewMemoryRepository(), cache)
	ctx := context.Background()

	created, _ := createKey(t, svc, []string{"read:recipes"})

	if _, err := svc.Validate(ctx, created.Raw, ""); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cache.size() != 1 || cache.puts != 1 {
		t.Fatalf("cache after success: size=%d puts=%d, want 1/1", cache.size(), cache.puts)
	}

	// Failures must never be cached.
	unknown, err := Issue(EnvLive)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	svc.Validate(ctx, "garbage", "")
	svc.Validate(ctx, unknown.Raw, "")
	if cache.puts != 1 {
		t.Errorf("cache puts after failures: got %d, want still 1", cache.puts)
	}
}

func TestRevokeInvalidatesCache(t *testing.T) {
	cache := newFakeCache()
	svc := NewService(NewMemoryRepository(), cache)
	ctx := context.Background()

	created, _ := createKey(t, svc, []string{"read:recipes"})
	if _, err := svc.Validate(ctx, created.Raw, ""); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if _, err := svc.Revoke(ctx, created.Key.ID, "admin", "compromised"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if cache.size() != 0 {
		t.Fatal("cache entry survived revocation")
	}

	// A stale cached success must not outlive the revoke.
	if _, err := svc.Validate(ctx, created.Raw, ""); !errors.Is(err, ErrRevoked) {
		t.Errorf("post-revoke validate: got %v, want ErrRevoked", err)
	}
}

func TestUpdateInvalidatesCache(t *testing.T) {
	cache := newFakeCache()
	svc := NewService(NewMemoryRepository(), cache)
	ctx := context.Background()

	created, _ := createKey(t, svc, []string{"read:recipes"})
	if _, err := svc.Validate(ctx, created.Raw, ""); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	scopes := []string{"read:meals"}
	if _, err := svc.Update(ctx, created.Key.ID, UpdateParams{Scopes: &scopes}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	v, err := svc.Validate(ctx, created.Raw, "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(v.Scopes) != 1 || v.Scopes[0] != "read:meals" {
		t.Errorf("scopes served after update: got %v, want [read:meals]", v.Scopes)
	}
}

func TestCacheHitRechecksExpiry(t *testing.T) {
	cache := newFakeCache()
	svc := NewService(NewMemoryRepository(), cache)
	ctx := context.Background()

	created, owner := createKey(t, svc, []string{"read:recipes"})
	hash, err := Hash(created.Raw)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	// An entry cached just before the key's expiry passed.
	past := time.Now().Add(-time.Minute)
	cache.Put(ctx, hash, &Validation{
		CredentialID: created.Key.ID,
		OwnerID:      owner,
		Scopes:       []string{"read:recipes"},
		ExpiresAt:    &past,
	})

	if _, err := svc.Validate(ctx, created.Raw, ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("stale cache hit: got %v, want ErrExpired", err)
	}
	if cache.size() != 0 {
		t.Error("expired cache entry was not invalidated")
	}
}

func TestLastUsedTouchedAfterValidate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, _ := createKey(t, svc, nil)
	if _, err := svc.Validate(ctx, created.Raw, "192.0.2.1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// The touch is async and best-effort; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		key, err := svc.Get(ctx, created.Key.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if key.LastUsedAt != nil {
			if key.LastIPAddress != "192.0.2.1" {
				t.Errorf("last ip: got %q", key.LastIPAddress)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("last_used_at never updated")
}
