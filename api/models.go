package api

import "time"

// VerifyRequest is the JSON body for POST /admin/verify. Email may be
// omitted when the server has a default identity configured.
type VerifyRequest struct {
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// VerifyResponse is returned from POST /admin/verify. Token is set when no
// second factor is needed, PendingToken otherwise.
type VerifyResponse struct {
	Require2FA    bool       `json:"require2FA"`
	SetupRequired bool       `json:"setupRequired,omitempty"`
	Token         string     `json:"token,omitempty"`
	PendingToken  string     `json:"pendingToken,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// VerifyTwoFactorRequest is the JSON body for POST /admin/verify-2fa. The
// pending token may instead be sent as a Bearer token.
type VerifyTwoFactorRequest struct {
	Code         string `json:"code"`
	PendingToken string `json:"pendingToken,omitempty"`
}

// TokenResponse carries a newly issued session token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SetupTwoFactorResponse is returned from GET /admin/setup-2fa.
type SetupTwoFactorResponse struct {
	Secret      string   `json:"secret"`
	BackupCodes []string `json:"backupCodes"`
	QRCodeURL   string   `json:"qrCodeUrl"`
	TOTPURI     string   `json:"totpUri"`
}

// EnableTwoFactorRequest is the JSON body for POST /admin/enable-2fa.
type EnableTwoFactorRequest struct {
	Secret      string   `json:"secret"`
	Code        string   `json:"code"`
	BackupCodes []string `json:"backupCodes"`
}

// EnableTwoFactorResponse includes a session when enabling finished a
// forced setup.
type EnableTwoFactorResponse struct {
	Success   bool       `json:"success"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// TwoFactorStatusResponse is returned from GET /admin/2fa-status.
type TwoFactorStatusResponse struct {
	Enabled              bool       `json:"enabled"`
	Required             bool       `json:"required"`
	BackupCodesRemaining int        `json:"backupCodesRemaining"`
	GracePeriodEnds      *time.Time `json:"gracePeriodEnds,omitempty"`
}

// BackupCodesResponse is returned from POST /admin/backup-codes.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backupCodes"`
}

// RevokeAllResponse is returned from POST /admin/sessions/revoke-all.
type RevokeAllResponse struct {
	Revoked int `json:"revoked"`
}

// SecurityEvent is the wire form of one audit record.
type SecurityEvent struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	ClientIP   string    `json:"clientIp,omitempty"`
	IdentityID string    `json:"identityId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Hash       string    `json:"hash"`
}

// SecurityEventsResponse is returned from GET /admin/security-events.
type SecurityEventsResponse struct {
	Events []SecurityEvent `json:"events"`
}

// CreateIdentityRequest is the JSON body for POST /admin/identities.
type CreateIdentityRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role"`
	Password    string `json:"password"`
}

// CreateIdentityResponse is returned from POST /admin/identities.
type CreateIdentityResponse struct {
	ID string `json:"id"`
}

// UpdateIdentityRequest is the JSON body for PATCH /admin/identities/{id}.
// Absent fields are left unchanged.
type UpdateIdentityRequest struct {
	Role   *string `json:"role,omitempty"`
	Active *bool   `json:"active,omitempty"`
}

// IdentitySummary describes an identity without its credential.
type IdentitySummary struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"displayName,omitempty"`
	Role        string     `json:"role"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

// ListIdentitiesResponse is returned from GET /admin/identities.
type ListIdentitiesResponse struct {
	Identities []IdentitySummary `json:"identities"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
