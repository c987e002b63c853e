package api

import (
	"net/http"
	"strings"

	"github.com/goldencompasses/lodge/auth"
)

// Verify handles POST /admin/verify, the password step.
func (a *API) Verify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[VerifyRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	res, err := a.svc.Login(r.Context(), auth.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		ClientIP: a.extractClientIP(r),
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	expiresAt := res.ExpiresAt
	if res.RequireTwoFactor() {
		writeJSON(w, http.StatusOK, VerifyResponse{
			Require2FA:    true,
			SetupRequired: res.SetupRequired(),
			PendingToken:  res.PendingToken,
			ExpiresAt:     &expiresAt,
		})
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Token: res.Token, ExpiresAt: &expiresAt})
}

// VerifyTwoFactor handles POST /admin/verify-2fa. The pending token is
// taken from the body, or from the Authorization header.
func (a *API) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[VerifyTwoFactorRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	pending := strings.TrimSpace(req.PendingToken)
	if pending == "" {
		pending = bearerToken(r)
	}
	res, err := a.svc.VerifySecondFactor(r.Context(), pending, req.Code, a.extractClientIP(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: res.Token, ExpiresAt: res.ExpiresAt})
}

// SetupTwoFactor handles GET /admin/setup-2fa. It accepts a session token
// or a setup-stage pending token.
func (a *API) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	ip := a.extractClientIP(r)
	actor, err := a.svc.ResolveActor(r.Context(), bearerToken(r), ip)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	setup, err := a.svc.SetupTwoFactor(r.Context(), actor, ip)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SetupTwoFactorResponse{
		Secret:      setup.Secret,
		BackupCodes: setup.BackupCodes,
		QRCodeURL:   setup.QRCodeURL,
		TOTPURI:     setup.URI,
	})
}

// EnableTwoFactor handles POST /admin/enable-2fa.
func (a *API) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	ip := a.extractClientIP(r)
	actor, err := a.svc.ResolveActor(r.Context(), bearerToken(r), ip)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	req, ok := decodeJSON[EnableTwoFactorRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Secret == "" {
		a.mapError(w, r, invalidField("secret"))
		return
	}
	res, err := a.svc.EnableTwoFactor(r.Context(), actor, auth.EnableRequest{
		Secret:      req.Secret,
		Code:        req.Code,
		BackupCodes: req.BackupCodes,
	}, ip)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp := EnableTwoFactorResponse{Success: true}
	if res.Token != "" {
		resp.Token = res.Token
		resp.ExpiresAt = &res.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// DisableTwoFactor handles POST /admin/disable-2fa.
func (a *API) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	if err := a.svc.DisableTwoFactor(r.Context(), p, a.extractClientIP(r)); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// TwoFactorStatus handles GET /admin/2fa-status.
func (a *API) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.svc.TwoFactorStatus(r.Context(), principalFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TwoFactorStatusResponse{
		Enabled:              status.Enabled,
		Required:             status.Required,
		BackupCodesRemaining: status.BackupCodesRemaining,
		GracePeriodEnds:      status.GracePeriodEnds,
	})
}

// RegenerateBackupCodes handles POST /admin/backup-codes.
func (a *API) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := a.svc.RegenerateBackupCodes(r.Context(), principalFromContext(r.Context()), a.extractClientIP(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// Logout handles POST /admin/logout. Only the presented session ends.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Logout(r.Context(), bearerToken(r), a.extractClientIP(r)); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// RevokeAllSessions handles POST /admin/sessions/revoke-all.
func (a *API) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.RevokeAllSessions(r.Context(), principalFromContext(r.Context()), a.extractClientIP(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeAllResponse{Revoked: n})
}
