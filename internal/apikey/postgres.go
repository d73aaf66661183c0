package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joaniekitchen/backend/internal/models"
)

// PostgresRepository persists credentials in api_keys and usage events in
// api_key_usage (see migrations/).
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const apiKeyColumns = `id, owner_id, name, description, key_hash, key_prefix, scopes, environment,
	is_active, expires_at, revoked_at, revoked_by, revocation_reason,
	total_requests, last_used_at, last_ip_address, created_by, created_at, updated_at`

func (r *PostgresRepository) Insert(ctx context.Context, key *models.APIKey) error {
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		key.ID, key.OwnerID, key.Name, key.Description, key.KeyHash, key.KeyPrefix, scopes,
		key.Environment, key.IsActive, key.ExpiresAt, key.RevokedAt, nullable(key.RevokedBy),
		nullable(key.RevocationReason), key.TotalRequests, key.LastUsedAt,
		nullable(key.LastIPAddress), nullable(key.CreatedBy), key.CreatedAt, key.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	return r.getOne(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	return r.getOne(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.APIKey, error) {
	key, err := scanAPIKey(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return key, nil
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, includeInactive bool) ([]models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE owner_id = $1`
	if !includeInactive {
		query += ` AND is_active = true`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// Update never touches key_hash or owner_id; those are immutable after
// issuance.
func (r *PostgresRepository) Update(ctx context.Context, key *models.APIKey) error {
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE api_keys SET name=$2, description=$3, scopes=$4, is_active=$5, expires_at=$6,
		        revoked_at=$7, revoked_by=$8, revocation_reason=$9, updated_at=$10
		 WHERE id = $1`,
		key.ID, key.Name, key.Description, scopes, key.IsActive, key.ExpiresAt,
		key.RevokedAt, nullable(key.RevokedBy), nullable(key.RevocationReason), key.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	// Usage events go with it via ON DELETE CASCADE.
	tag, err := r.db.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete api key: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time, ip string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE api_keys SET last_used_at=$2, last_ip_address=$3, updated_at=$2 WHERE id = $1`,
		id, at, nullable(ip),
	)
	if err != nil {
		return fmt.Errorf("touch last used: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertUsage(ctx context.Context, ev *models.APIKeyUsage) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO api_key_usage (id, api_key_id, endpoint, method, status_code, response_time_ms,
		        response_bytes, ip_address, user_agent, error_message, error_code, metadata, requested_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ev.ID, ev.APIKeyID, ev.Endpoint, ev.Method, ev.StatusCode, ev.ResponseTimeMs,
		ev.ResponseBytes, nullable(ev.IPAddress), nullable(ev.UserAgent),
		nullable(ev.ErrorMessage), nullable(ev.ErrorCode), ev.Metadata, ev.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}

	// Denormalized analytics counter; lost updates under concurrency are
	// acceptable here.
	_, err = r.db.Exec(ctx,
		`UPDATE api_keys SET total_requests = total_requests + 1 WHERE id = $1`, ev.APIKeyID)
	if err != nil {
		return fmt.Errorf("bump request counter: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UsageStats(ctx context.Context, id uuid.UUID, from, to *time.Time) (*models.APIKeyUsageStats, error) {
	// Both queries share the window filter so the endpoint breakdown
	// describes the same set of events as the headline counts.
	filter := ` WHERE api_key_id = $1`
	args := []interface{}{id}
	if from != nil {
		args = append(args, *from)
		filter += fmt.Sprintf(" AND requested_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		filter += fmt.Sprintf(" AND requested_at <= $%d", len(args))
	}

	query := `SELECT COUNT(*),
	       COUNT(*) FILTER (WHERE requested_at > now() - interval '24 hours'),
	       COUNT(*) FILTER (WHERE requested_at > now() - interval '7 days'),
	       COUNT(*) FILTER (WHERE requested_at > now() - interval '30 days'),
	       COALESCE(AVG(response_time_ms), 0),
	       COALESCE(AVG(CASE WHEN status_code >= 400 THEN 1.0 ELSE 0.0 END), 0)
	  FROM api_key_usage` + filter

	stats := &models.APIKeyUsageStats{}
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&stats.TotalRequests, &stats.Last24h, &stats.Last7d, &stats.Last30d,
		&stats.AvgResponseTimeMs, &stats.ErrorRate,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage stats: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT endpoint, COUNT(*) AS hits FROM api_key_usage`+filter+
			` GROUP BY endpoint ORDER BY hits DESC LIMIT 10`, args...)
	if err != nil {
		return nil, fmt.Errorf("query top endpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ec models.EndpointCount
		if err := rows.Scan(&ec.Endpoint, &ec.Count); err != nil {
			return nil, fmt.Errorf("scan endpoint count: %w", err)
		}
		stats.TopEndpoints = append(stats.TopEndpoints, ec)
	}
	return stats, rows.Err()
}

func (r *PostgresRepository) RecentUsage(ctx context.Context, id uuid.UUID, limit int) ([]models.APIKeyUsage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, api_key_id, endpoint, method, status_code, response_time_ms, response_bytes,
		        COALESCE(ip_address,''), COALESCE(user_agent,''), COALESCE(error_message,''),
		        COALESCE(error_code,''), metadata, requested_at
		   FROM api_key_usage WHERE api_key_id = $1
		  ORDER BY requested_at DESC LIMIT $2`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent usage: %w", err)
	}
	defer rows.Close()

	var events []models.APIKeyUsage
	for rows.Next() {
		var ev models.APIKeyUsage
		if err := rows.Scan(&ev.ID, &ev.APIKeyID, &ev.Endpoint, &ev.Method, &ev.StatusCode,
			&ev.ResponseTimeMs, &ev.ResponseBytes, &ev.IPAddress, &ev.UserAgent,
			&ev.ErrorMessage, &ev.ErrorCode, &ev.Metadata, &ev.RequestedAt); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) ListExpiredActive(ctx context.Context, now time.Time) ([]models.APIKey, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		  WHERE is_active = true AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var (
		key        models.APIKey
		scopesJSON json.RawMessage
		revokedBy  *string
		revReason  *string
		lastIP     *string
		createdBy  *string
	)
	err := row.Scan(
		&key.ID, &key.OwnerID, &key.Name, &key.Description, &key.KeyHash, &key.KeyPrefix,
		&scopesJSON, &key.Environment, &key.IsActive, &key.ExpiresAt, &key.RevokedAt,
		&revokedBy, &revReason, &key.TotalRequests, &key.LastUsedAt, &lastIP,
		&createdBy, &key.CreatedAt, &key.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopesJSON, &key.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	key.RevokedBy = deref(revokedBy)
	key.RevocationReason = deref(revReason)
	key.LastIPAddress = deref(lastIP)
	key.CreatedBy = deref(createdBy)
	return &key, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
