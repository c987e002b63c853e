package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goldencompasses/lodge/auth"
	"github.com/goldencompasses/lodge/storage"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// ListSecurityEvents handles GET /admin/security-events.
func (a *API) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.EventFilter{
		IdentityID: q.Get("identityId"),
		Limit:      defaultEventLimit,
	}
	if kind := q.Get("kind"); kind != "" {
		k, ok := auth.ParseEventKind(kind)
		if !ok {
			a.mapError(w, r, fmt.Errorf("%w: unknown event kind %q", auth.ErrInvalidInput, kind))
			return
		}
		filter.Kind = string(k)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.mapError(w, r, fmt.Errorf("%w: limit must be a positive integer", auth.ErrInvalidInput))
			return
		}
		filter.Limit = min(n, maxEventLimit)
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.mapError(w, r, fmt.Errorf("%w: since must be RFC 3339", auth.ErrInvalidInput))
			return
		}
		filter.Since = since
	}

	events, err := a.svc.Audit().List(r.Context(), filter)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp := SecurityEventsResponse{Events: make([]SecurityEvent, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, SecurityEvent{
			ID:         e.ID,
			Seq:        e.Seq,
			Timestamp:  e.Timestamp,
			Kind:       e.Kind,
			ClientIP:   e.ClientIP,
			IdentityID: e.IdentityID,
			Detail:     e.Detail,
			Hash:       e.Hash,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func identitySummary(i *storage.Identity) IdentitySummary {
	return IdentitySummary{
		ID:          i.ID,
		Email:       i.Email,
		DisplayName: i.DisplayName,
		Role:        i.Role,
		Active:      i.Active,
		CreatedAt:   i.CreatedAt,
		LastLoginAt: i.LastLoginAt,
	}
}

// ListIdentities handles GET /admin/identities.
func (a *API) ListIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := a.svc.ListIdentities(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp := ListIdentitiesResponse{Identities: make([]IdentitySummary, 0, len(identities))}
	for i := range identities {
		resp.Identities = append(resp.Identities, identitySummary(&identities[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateIdentity handles POST /admin/identities.
func (a *API) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateIdentityRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	identity, err := a.svc.CreateIdentity(r.Context(), principalFromContext(r.Context()), auth.CreateIdentityRequest{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Role:        req.Role,
		Password:    req.Password,
	}, a.extractClientIP(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateIdentityResponse{ID: identity.ID})
}

// UpdateIdentity handles PATCH /admin/identities/{id}.
func (a *API) UpdateIdentity(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UpdateIdentityRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Role == nil && req.Active == nil {
		a.mapError(w, r, invalidField("role or active"))
		return
	}
	ctx := r.Context()
	p := principalFromContext(ctx)
	ip := a.extractClientIP(r)
	id := chi.URLParam(r, "id")
	if id == p.Identity.ID && req.Active != nil && !*req.Active {
		a.mapError(w, r, fmt.Errorf("%w: cannot deactivate yourself", auth.ErrInvalidInput))
		return
	}

	if req.Role != nil {
		if err := a.svc.SetRole(ctx, p, id, *req.Role, ip); err != nil {
			a.mapError(w, r, err)
			return
		}
	}
	if req.Active != nil {
		if err := a.svc.SetActive(ctx, p, id, *req.Active, ip); err != nil {
			a.mapError(w, r, err)
			return
		}
	}
	identity, err := a.svc.FindIdentity(ctx, id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identitySummary(identity))
}

// DeleteIdentity handles DELETE /admin/identities/{id}.
func (a *API) DeleteIdentity(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if id == p.Identity.ID {
		a.mapError(w, r, fmt.Errorf("%w: cannot delete yourself", auth.ErrInvalidInput))
		return
	}
	if err := a.svc.DeleteIdentity(r.Context(), p, id, a.extractClientIP(r)); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}
