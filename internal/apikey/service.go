package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joaniekitchen/backend/internal/models"
)

// Repository is the persistence boundary for credentials and their usage
// events. PostgresRepository is the production implementation;
// MemoryRepository backs tests and DB-less development.
type Repository interface {
	Insert(ctx context.Context, key *models.APIKey) error
	GetByHash(ctx context.Context, hash string) (*models.APIKey, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, includeInactive bool) ([]models.APIKey, error)
	Update(ctx context.Context, key *models.APIKey) error
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time, ip string) error
	InsertUsage(ctx context.Context, ev *models.APIKeyUsage) error
	UsageStats(ctx context.Context, id uuid.UUID, from, to *time.Time) (*models.APIKeyUsageStats, error)
	RecentUsage(ctx context.Context, id uuid.UUID, limit int) ([]models.APIKeyUsage, error)
	ListExpiredActive(ctx context.Context, now time.Time) ([]models.APIKey, error)
}

// ErrNoRows is returned by repositories when a lookup matches nothing.
// The service maps it to ErrNotFound on the validation path.
var ErrNoRows = errors.New("no rows")

// Validation is the successful outcome of validating a raw key.
type Validation struct {
	CredentialID uuid.UUID  `json:"credential_id"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	Name         string     `json:"name"`
	Scopes       []string   `json:"scopes"`
	Environment  string     `json:"environment"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// ValidationCache caches successful validations keyed by secret hash.
// Failures are never cached, and every credential mutation invalidates
// the entry, so the cache can only serve results the store would also
// have served moments earlier.
type ValidationCache interface {
	Get(ctx context.Context, hash string) (*Validation, bool)
	Put(ctx context.Context, hash string, v *Validation)
	Invalidate(ctx context.Context, hash string)
}

// Service owns every read and write of credential records.
type Service struct {
	repo  Repository
	cache ValidationCache // optional
}

func NewService(repo Repository, cache ValidationCache) *Service {
	return &Service{repo: repo, cache: cache}
}

type CreateParams struct {
	OwnerID     uuid.UUID
	Name        string
	Description string
	Scopes      []string
	Environment Environment
	ExpiresAt   *time.Time
	CreatedBy   string
}

// CreatedKey carries the raw key out of Create. This is the only moment
// the raw value exists outside the caller's hands.
type CreatedKey struct {
	Key *models.APIKey
	Raw string
}

// Create validates the requested scopes, issues a fresh key and persists
// its hash. Malformed scopes fail with InvalidScopesError before
// anything is written.
func (s *Service) Create(ctx context.Context, p CreateParams) (*CreatedKey, error) {
	var bad []string
	for _, sc := range p.Scopes {
		if err := ValidateScope(sc); err != nil {
			bad = append(bad, sc)
		}
	}
	if len(bad) > 0 {
		return nil, &InvalidScopesError{Scopes: bad}
	}

	env := p.Environment
	if env == "" {
		env = EnvLive
	}
	issued, err := Issue(env)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:          uuid.New(),
		OwnerID:     p.OwnerID,
		Name:        p.Name,
		Description: p.Description,
		KeyHash:     issued.Hash,
		KeyPrefix:   issued.Prefix,
		Scopes:      append([]string(nil), p.Scopes...),
		Environment: string(issued.Environment),
		IsActive:    true,
		ExpiresAt:   p.ExpiresAt,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Insert(ctx, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return &CreatedKey{Key: key, Raw: issued.Raw}, nil
}

// Validate runs the full ladder: surface format, hash lookup, redundant
// constant-time hash compare, active, revoked, expired. Each step exits
// with its own sentinel; a hash-compare mismatch exits ErrNotFound on
// purpose so it is indistinguishable from a lookup miss. On success the
// last-used stamp is updated best-effort off the request path.
func (s *Service) Validate(ctx context.Context, raw string, clientIP string) (*Validation, error) {
	if _, err := ValidateFormat(raw); err != nil {
		return nil, err
	}

	hash, err := Hash(raw)
	if err != nil {
		return nil, ErrInvalidFormat
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, hash); ok {
			if v.ExpiresAt != nil && v.ExpiresAt.Before(time.Now()) {
				s.cache.Invalidate(ctx, hash)
				return nil, ErrExpired
			}
			s.touchAsync(v.CredentialID, clientIP)
			return v, nil
		}
	}

	key, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, ErrNotFound
		}
		slog.Error("api key lookup failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if !ConstantTimeEquals(key.KeyHash, hash) {
		return nil, ErrNotFound
	}

	if !key.IsActive {
		if key.RevokedAt != nil {
			return nil, &RevokedError{Reason: key.RevocationReason}
		}
		return nil, ErrInactive
	}
	if key.RevokedAt != nil {
		return nil, &RevokedError{Reason: key.RevocationReason}
	}
	if key.Expired(time.Now()) {
		return nil, ErrExpired
	}

	v := &Validation{
		CredentialID: key.ID,
		OwnerID:      key.OwnerID,
		Name:         key.Name,
		Scopes:       key.Scopes,
		Environment:  key.Environment,
		ExpiresAt:    key.ExpiresAt,
	}

	if s.cache != nil {
		s.cache.Put(ctx, hash, v)
	}
	s.touchAsync(key.ID, clientIP)

	return v, nil
}

// touchAsync updates last_used_at off the request path. A failed update
// never fails the validation that triggered it.
func (s *Service) touchAsync(id uuid.UUID, ip string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.TouchLastUsed(ctx, id, time.Now().UTC(), ip); err != nil {
			slog.Warn("update last_used failed", "key_id", id, "error", err)
		}
	}()
}

// Revoke soft-deletes: the row stays for audit, the key stops
// validating. Revoking an already-revoked key changes nothing and still
// returns true; false means the id does not exist.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, revokedBy, reason string) (bool, error) {
	key, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if key.RevokedAt == nil {
		now := time.Now().UTC()
		key.IsActive = false
		key.RevokedAt = &now
		key.RevokedBy = revokedBy
		key.RevocationReason = reason
		key.UpdatedAt = now
		if err := s.repo.Update(ctx, key); err != nil {
			return false, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	s.invalidate(ctx, key.KeyHash)
	return true, nil
}

// Delete hard-deletes the credential and cascades its usage events.
// Audit-destructive; Revoke is the right call almost always.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	key, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	ok, err := s.repo.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.invalidate(ctx, key.KeyHash)
	return ok, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	key, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return key, nil
}

// List returns the owner's keys newest first. Raw secrets are never part
// of the record, so a listing can never leak one.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID, includeInactive bool) ([]models.APIKey, error) {
	keys, err := s.repo.ListByOwner(ctx, ownerID, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return keys, nil
}

type UpdateParams struct {
	Name        *string
	Description *string
	Scopes      *[]string
	ExpiresAt   *time.Time
	ClearExpiry bool
}

// Update mutates labels, scopes and expiry. Scope validation happens
// before any write, so a bad scope list leaves the record untouched.
// The secret hash and owner are immutable.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (bool, error) {
	if p.Scopes != nil {
		var bad []string
		for _, sc := range *p.Scopes {
			if err := ValidateScope(sc); err != nil {
				bad = append(bad, sc)
			}
		}
		if len(bad) > 0 {
			return false, &InvalidScopesError{Scopes: bad}
		}
	}

	key, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if p.Name != nil {
		key.Name = *p.Name
	}
	if p.Description != nil {
		key.Description = *p.Description
	}
	if p.Scopes != nil {
		key.Scopes = append([]string(nil), (*p.Scopes)...)
	}
	if p.ClearExpiry {
		key.ExpiresAt = nil
	} else if p.ExpiresAt != nil {
		key.ExpiresAt = p.ExpiresAt
	}
	key.UpdatedAt = time.Now().UTC()

	if err := s.repo.Update(ctx, key); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.invalidate(ctx, key.KeyHash)
	return true, nil
}

// RecordUsage appends one audit event and bumps the key's counters.
// Callers on the request path treat a failure here as log-only.
func (s *Service) RecordUsage(ctx context.Context, ev *models.APIKeyUsage) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.RequestedAt.IsZero() {
		ev.RequestedAt = time.Now().UTC()
	}
	if err := s.repo.InsertUsage(ctx, ev); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// UsageStats is a reporting path: on any query failure it logs and
// returns zeroed stats instead of an error.
func (s *Service) UsageStats(ctx context.Context, id uuid.UUID, from, to *time.Time) *models.APIKeyUsageStats {
	stats, err := s.repo.UsageStats(ctx, id, from, to)
	if err != nil || stats == nil {
		if err != nil {
			slog.Warn("usage stats query failed", "key_id", id, "error", err)
		}
		return &models.APIKeyUsageStats{TopEndpoints: []models.EndpointCount{}}
	}
	if stats.TopEndpoints == nil {
		stats.TopEndpoints = []models.EndpointCount{}
	}
	return stats
}

func (s *Service) RecentUsage(ctx context.Context, id uuid.UUID, limit int) ([]models.APIKeyUsage, error) {
	if limit <= 0 {
		limit = 50
	}
	events, err := s.repo.RecentUsage(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return events, nil
}

// SweepExpired finds active keys past their expiry. With autoRevoke they
// are revoked as "system" for UI clarity; either way expired keys
// already fail validation without this running.
func (s *Service) SweepExpired(ctx context.Context, autoRevoke bool) (int, error) {
	expired, err := s.repo.ListExpiredActive(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !autoRevoke {
		return len(expired), nil
	}

	revoked := 0
	for i := range expired {
		ok, err := s.Revoke(ctx, expired[i].ID, "system", "automatic expiration")
		if err != nil {
			slog.Warn("auto-revoke failed", "key_id", expired[i].ID, "error", err)
			continue
		}
		if ok {
			revoked++
		}
	}
	return revoked, nil
}

func (s *Service) invalidate(ctx context.Context, hash string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, hash)
	}
}
