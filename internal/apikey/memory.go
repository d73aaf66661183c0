package apikey

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joaniekitchen/backend/internal/models"
)

// MemoryRepository keeps everything in process memory. It backs the test
// suite and lets the API boot without a database for local development.
type MemoryRepository struct {
	mu     sync.RWMutex
	keys   map[uuid.UUID]*models.APIKey
	byHash map[string]uuid.UUID
	usage  map[uuid.UUID][]models.APIKeyUsage
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		keys:   make(map[uuid.UUID]*models.APIKey),
		byHash: make(map[string]uuid.UUID),
		usage:  make(map[uuid.UUID][]models.APIKeyUsage),
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, key *models.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := cloneKey(key)
	r.keys[key.ID] = cp
	r.byHash[key.KeyHash] = key.ID
	return nil
}

func (r *MemoryRepository) GetByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHash[hash]
	if !ok {
		return nil, ErrNoRows
	}
	return cloneKey(r.keys[id]), nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[id]
	if !ok {
		return nil, ErrNoRows
	}
	return cloneKey(key), nil
}

func (r *MemoryRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, includeInactive bool) ([]models.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.APIKey
	for _, key := range r.keys {
		if key.OwnerID != ownerID {
			continue
		}
		if !includeInactive && !key.IsActive {
			continue
		}
		out = append(out, *cloneKey(key))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) Update(ctx context.Context, key *models.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.ID]; !ok {
		return ErrNoRows
	}
	// Hash and owner are immutable; keep the stored values.
	stored := r.keys[key.ID]
	cp := cloneKey(key)
	cp.KeyHash = stored.KeyHash
	cp.OwnerID = stored.OwnerID
	cp.TotalRequests = stored.TotalRequests
	r.keys[key.ID] = cp
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[id]
	if !ok {
		return false, nil
	}
	delete(r.byHash, key.KeyHash)
	delete(r.keys, id)
	delete(r.usage, id)
	return true, nil
}

func (r *MemoryRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[id]
	if !ok {
		return ErrNoRows
	}
	key.LastUsedAt = &at
	if ip != "" {
		key.LastIPAddress = ip
	}
	key.UpdatedAt = at
	return nil
}

func (r *MemoryRepository) InsertUsage(ctx context.Context, ev *models.APIKeyUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[ev.APIKeyID]
	if !ok {
		return ErrNoRows
	}
	r.usage[ev.APIKeyID] = append(r.usage[ev.APIKeyID], *ev)
	key.TotalRequests++
	return nil
}

func (r *MemoryRepository) UsageStats(ctx context.Context, id uuid.UUID, from, to *time.Time) (*models.APIKeyUsageStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	stats := &models.APIKeyUsageStats{}
	var totalTime int64
	var errCount int64
	hits := make(map[string]int64)

	for _, ev := range r.usage[id] {
		if from != nil && ev.RequestedAt.Before(*from) {
			continue
		}
		if to != nil && ev.RequestedAt.After(*to) {
			continue
		}
		stats.TotalRequests++
		if ev.RequestedAt.After(now.Add(-24 * time.Hour)) {
			stats.Last24h++
		}
		if ev.RequestedAt.After(now.Add(-7 * 24 * time.Hour)) {
			stats.Last7d++
		}
		if ev.RequestedAt.After(now.Add(-30 * 24 * time.Hour)) {
			stats.Last30d++
		}
		totalTime += int64(ev.ResponseTimeMs)
		if ev.StatusCode >= 400 {
			errCount++
		}
		hits[ev.Endpoint]++
	}

	if stats.TotalRequests > 0 {
		stats.AvgResponseTimeMs = float64(totalTime) / float64(stats.TotalRequests)
		stats.ErrorRate = float64(errCount) / float64(stats.TotalRequests)
	}
	for ep, n := range hits {
		stats.TopEndpoints = append(stats.TopEndpoints, models.EndpointCount{Endpoint: ep, Count: n})
	}
	sort.Slice(stats.TopEndpoints, func(i, j int) bool {
		return stats.TopEndpoints[i].Count > stats.TopEndpoints[j].Count
	})
	if len(stats.TopEndpoints) > 10 {
		stats.TopEndpoints = stats.TopEndpoints[:10]
	}
	return stats, nil
}

func (r *MemoryRepository) RecentUsage(ctx context.Context, id uuid.UUID, limit int) ([]models.APIKeyUsage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := append([]models.APIKeyUsage(nil), r.usage[id]...)
	sort.Slice(events, func(i, j int) bool { return events[i].RequestedAt.After(events[j].RequestedAt) })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *MemoryRepository) ListExpiredActive(ctx context.Context, now time.Time) ([]models.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.APIKey
	for _, key := range r.keys {
		if key.IsActive && key.Expired(now) {
			out = append(out, *cloneKey(key))
		}
	}
	return out, nil
}

func cloneKey(key *models.APIKey) *models.APIKey {
	cp := *key
	cp.Scopes = append([]string(nil), key.Scopes...)
	return &cp
}
