package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/joaniekitchen/backend/internal/apikey"
	"github.com/joaniekitchen/backend/internal/auth"
	"github.com/joaniekitchen/backend/internal/models"
)

// KeysHandler exposes the credential management surface. Every route is
// scoped to the calling principal; admins (session admin flag or the
// admin:keys scope) may cross owners. Whether a caller may hold
// admin:keys at all is the issuing admin's problem, not ours.
type KeysHandler struct {
	svc *apikey.Service
}

func NewKeysHandler(svc *apikey.Service) *KeysHandler {
	return &KeysHandler{svc: svc}
}

type createKeyRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Scopes      []string   `json:"scopes"`
	Environment string     `json:"environment"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (h *KeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}

	actx := auth.FromContext(r.Context())
	created, err := h.svc.Create(r.Context(), apikey.CreateParams{
		OwnerID:     actx.PrincipalID,
		Name:        req.Name,
		Description: req.Description,
		Scopes:      req.Scopes,
		Environment: apikey.Environment(req.Environment),
		ExpiresAt:   req.ExpiresAt,
		CreatedBy:   actx.PrincipalID.String(),
	})
	if err != nil {
		writeKeyError(w, err)
		return
	}

	// The raw key appears here and nowhere else, ever again.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key": created.Key,
		"key":     created.Raw,
		"warning": "store this key now; it cannot be retrieved again",
	})
}

func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	actx := auth.FromContext(r.Context())
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	keys, err := h.svc.List(r.Context(), actx.PrincipalID, includeInactive)
	if err != nil {
		writeKeyError(w, err)
		return
	}
	if keys == nil {
		keys = []models.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"api_keys": keys, "count": len(keys)})
}

func (h *KeysHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := h.authorized(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type updateKeyRequest struct {
	Name        *string     `json:"name"`
	Description *string     `json:"description"`
	Scopes      *[]string   `json:"scopes"`
	ExpiresAt   *time.Time  `json:"expires_at"`
	ClearExpiry bool        `json:"clear_expiry"`
}

func (h *KeysHandler) Update(w http.ResponseWriter, r *http.Request) {
	key, ok := h.authorized(w, r)
	if !ok {
		return
	}

	var req updateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	updated, err := h.svc.Update(r.Context(), key.ID, apikey.UpdateParams{
		Name:        req.Name,
		Description: req.Description,
		Scopes:      req.Scopes,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	})
	if err != nil {
		writeKeyError(w, err)
		return
	}
	if !updated {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type revokeKeyRequest struct {
	Reason string `json:"reason"`
}

func (h *KeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	key, ok := h.authorized(w, r)
	if !ok {
		return
	}

	var req revokeKeyRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // reason is optional
	}

	actx := auth.FromContext(r.Context())
	revoked, err := h.svc.Revoke(r.Context(), key.ID, actx.PrincipalID.String(), req.Reason)
	if err != nil {
		writeKeyError(w, err)
		return
	}
	if !revoked {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// HardDelete removes the row and its usage history. Revoke is the
// audit-preserving alternative and almost always the right one.
func (h *KeysHandler) HardDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := h.authorized(w, r)
	if !ok {
		return
	}

	deleted, err := h.svc.Delete(r.Context(), key.ID)
	if err != nil {
		writeKeyError(w, err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *KeysHandler) Stats(w http.ResponseWriter, r *http.Request) {
	key, ok := h.authorized(w, r)
	if !ok {
		return
	}

	var from, to *time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = &t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = &t
		}
	}

	writeJSON(w, http.StatusOK, h.svc.UsageStats(r.Context(), key.ID, from, to))
}

func (h *KeysHandler) Usage(w http.ResponseWriter, r *http.Request) {
	key, ok := h.authorized(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.svc.RecentUsage(r.Context(), key.ID, limit)
	if err != nil {
		writeKeyError(w, err)
		return
	}
	if events == nil {
		events = []models.APIKeyUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// authorized loads the key from the URL and narrows access to its owner.
// Cross-owner requests get the same 404 as a missing id so listings
// cannot be probed.
func (h *KeysHandler) authorized(w http.ResponseWriter, r *http.Request) (*models.APIKey, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid key ID"})
		return nil, false
	}

	key, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		} else {
			writeKeyError(w, err)
		}
		return nil, false
	}

	actx := auth.FromContext(r.Context())
	if key.OwnerID != actx.PrincipalID && !canManageAll(actx) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		return nil, false
	}
	return key, true
}

func canManageAll(actx *auth.Context) bool {
	return actx.IsAdmin || apikey.Covers(actx.Scopes, "admin:keys")
}

func writeKeyError(w http.ResponseWriter, err error) {
	var scopeErr *apikey.InvalidScopesError
	if errors.As(err, &scopeErr) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":          "invalid scopes",
			"invalid_scopes": scopeErr.Scopes,
		})
		return
	}
	// Bad issuance parameters (unknown environment, out-of-range length)
	// are the caller's mistake, not a server fault.
	if errors.Is(err, apikey.ErrInvalidFormat) || errors.Is(err, apikey.ErrInvalidLength) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	// Persistence detail stays server-side.
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}
