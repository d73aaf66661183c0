package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// APIKey is the persisted credential record. The raw key is never stored;
// only its SHA-256 hash and a short display prefix survive issuance.
type APIKey struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	OwnerID          uuid.UUID  `json:"owner_id" db:"owner_id"`
	Name             string     `json:"name" db:"name"`
	Description      string     `json:"description,omitempty" db:"description"`
	KeyHash          string     `json:"-" db:"key_hash"`
	KeyPrefix        string     `json:"key_prefix" db:"key_prefix"`
	Scopes           []string   `json:"scopes" db:"scopes"`
	Environment      string     `json:"environment" db:"environment"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokedBy        string     `json:"revoked_by,omitempty" db:"revoked_by"`
	RevocationReason string     `json:"revocation_reason,omitempty" db:"revocation_reason"`
	TotalRequests    int64      `json:"total_requests" db:"total_requests"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	LastIPAddress    string     `json:"last_ip_address,omitempty" db:"last_ip_address"`
	CreatedBy        string     `json:"created_by,omitempty" db:"created_by"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the key is past its expiry. Keys without an
// expiry never expire.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// APIKeyUsage is one append-only audit record per authenticated request.
// Rows are never updated after insert.
type APIKeyUsage struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	APIKeyID       uuid.UUID       `json:"api_key_id" db:"api_key_id"`
	Endpoint       string          `json:"endpoint" db:"endpoint"`
	Method         string          `json:"method" db:"method"`
	StatusCode     int             `json:"status_code" db:"status_code"`
	ResponseTimeMs int             `json:"response_time_ms" db:"response_time_ms"`
	ResponseBytes  int             `json:"response_bytes" db:"response_bytes"`
	IPAddress      string          `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent      string          `json:"user_agent,omitempty" db:"user_agent"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"error_message"`
	ErrorCode      string          `json:"error_code,omitempty" db:"error_code"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	RequestedAt    time.Time       `json:"requested_at" db:"requested_at"`
}

// APIKeyUsageStats aggregates usage events for one key over a window.
type APIKeyUsageStats struct {
	TotalRequests     int64           `json:"total_requests"`
	Last24h           int64           `json:"last_24h"`
	Last7d            int64           `json:"last_7d"`
	Last30d           int64           `json:"last_30d"`
	AvgResponseTimeMs float64         `json:"avg_response_time_ms"`
	ErrorRate         float64         `json:"error_rate"`
	TopEndpoints      []EndpointCount `json:"top_endpoints"`
}

type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}
