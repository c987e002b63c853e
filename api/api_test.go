package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldencompasses/lodge/api"
	"github.com/goldencompasses/lodge/auth"
	"github.com/goldencompasses/lodge/internal/util"
	"github.com/goldencompasses/lodge/storage/memory"
	"github.com/goldencompasses/lodge/web"
)

const (
	testPassword = "correct horse battery"
	documentBody = "%PDF-1.4 minutes of the last stated communication"
)

type testServer struct {
	*httptest.Server
	svc *auth.Service
}

func setupServer(t *testing.T, opts ...auth.Option) *testServer {
	t.Helper()
	keys, err := auth.GenerateKeyring()
	require.NoError(t, err)
	base := []auth.Option{
		auth.WithArgon2Params(util.Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, SaltLen: 16, KeyLen: 32}),
	}
	svc, err := auth.NewService(memory.NewRepository(), keys, append(base, opts...)...)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "minutes.pdf"), []byte(documentBody), 0o600))
	docs, err := api.NewDirDocumentSource(dir)
	require.NoError(t, err)

	page, err := web.Handler()
	require.NoError(t, err)

	a := api.New(svc, api.WithDocuments(docs), api.WithTwoFactorPage(page), api.WithVersion("test"))
	t.Cleanup(a.Close)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, svc: svc}
}

func (s *testServer) createIdentity(t *testing.T, email string, role auth.Role) {
	t.Helper()
	_, err := s.svc.CreateIdentity(t.Context(), nil, auth.CreateIdentityRequest{
		Email:    email,
		Role:     string(role),
		Password: testPassword,
	}, "127.0.0.1")
	require.NoError(t, err)
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	return doAuthJSON(t, client, method, url, "", body)
}

func doAuthJSON(t *testing.T, client *http.Client, method, url, token string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func verify(t *testing.T, srv *testServer, email, password string) *http.Response {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/admin/verify", api.VerifyRequest{
		Email:    email,
		Password: password,
	})
}

// login signs in an identity that needs no second factor.
func login(t *testing.T, srv *testServer, email string) string {
	t.Helper()
	resp := verify(t, srv, email, testPassword)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.VerifyResponse](t, resp)
	require.False(t, body.Require2FA)
	require.NotEmpty(t, body.Token)
	return body.Token
}

func TestVerifyFailuresAreIndistinguishable(t *testing.T) {
	srv := setupServer(t)
	srv.createIdentity(t, "member@lodge.test", auth.RoleMember)

	wrongPassword := verify(t, srv, "member@lodge.test", "not the password")
	unknownEmail := verify(t, srv, "nobody@lodge.test", testPassword)

	require.Equal(t, http.StatusUnauthorized, wrongPassword.StatusCode)
	require.Equal(t, http.StatusUnauthorized, unknownEmail.StatusCode)
	a := decode[api.ErrorResponse](t, wrongPassword)
	b := decode[api.ErrorResponse](t, unknownEmail)
	assert.Equal(t, a, b)
}

func TestVerifyRejectsMalformedBody(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/admin/verify", map[string]string{
		"password": testPassword,
		"extra":    "field",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerifyRateLimited(t *testing.T) {
	srv := setupServer(t)
	srv.createIdentity(t, "member@lodge.test", auth.RoleMember)

	for range 5 {
		resp := verify(t, srv, "member@lodge.test", "wrong password!")
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// The correct password does not help once the window is exhausted.
	resp := verify(t, srv, "member@lodge.test", testPassword)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "900", resp.Header.Get("Retry-After"))
	body := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, auth.ErrRateLimited.Error(), body.Error)
}

func TestForcedTwoFactorSetup(t *testing.T) {
	srv := setupServer(t, auth.WithPolicy(auth.Policy{
		MandatoryTwoFactorRoles: []auth.Role{auth.RoleAdmin, auth.RoleSuperAdmin},
	}))
	srv.createIdentity(t, "secretary@lodge.test", auth.RoleAdmin)
	client := srv.Client()

	resp := verify(t, srv, "secretary@lodge.test", testPassword)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verified := decode[api.VerifyResponse](t, resp)
	require.True(t, verified.Require2FA)
	require.True(t, verified.SetupRequired)
	require.Empty(t, verified.Token)
	require.NotEmpty(t, verified.PendingToken)

	// A pending token is not a session.
	resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/admin/2fa-status", verified.PendingToken, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/admin/setup-2fa", verified.PendingToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	setup := decode[api.SetupTwoFactorResponse](t, resp)
	require.NotEmpty(t, setup.Secret)
	require.Len(t, setup.BackupCodes, 10)
	assert.Contains(t, setup.TOTPURI, "otpauth://totp/")

	code, err := auth.CodeAt(setup.Secret, time.Now())
	require.NoError(t, err)
	resp = doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/enable-2fa", verified.PendingToken, api.EnableTwoFactorRequest{
		Secret:      setup.Secret,
		Code:        code,
		BackupCodes: setup.BackupCodes,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	enabled := decode[api.EnableTwoFactorResponse](t, resp)
	require.True(t, enabled.Success)
	require.NotEmpty(t, enabled.Token, "completing forced setup signs the user in")

	resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/admin/2fa-status", enabled.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[api.TwoFactorStatusResponse](t, resp)
	assert.True(t, status.Enabled)
	assert.True(t, status.Required)
	assert.Equal(t, 10, status.BackupCodesRemaining)

	// The next login goes through verification, and a backup code works once.
	resp = verify(t, srv, "secretary@lodge.test", testPassword)
	second := decode[api.VerifyResponse](t, resp)
	require.True(t, second.Require2FA)
	require.False(t, second.SetupRequired)

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/admin/verify-2fa", api.VerifyTwoFactorRequest{
		Code:         setup.BackupCodes[0],
		PendingToken: second.PendingToken,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := decode[api.TokenResponse](t, resp)
	assert.NotEmpty(t, session.Token)

	resp = verify(t, srv, "secretary@lodge.test", testPassword)
	third := decode[api.VerifyResponse](t, resp)
	resp = doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/verify-2fa", third.PendingToken, api.VerifyTwoFactorRequest{
		Code: setup.BackupCodes[0],
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "backup codes are single use")

	// Disabling is allowed, but the grace period is over so the next login
	// is forced back into setup.
	resp = doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/disable-2fa", session.Token, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = verify(t, srv, "secretary@lodge.test", testPassword)
	fourth := decode[api.VerifyResponse](t, resp)
	assert.True(t, fourth.SetupRequired)
}

func TestMemberTwoFactorLifecycle(t *testing.T) {
	srv := setupServer(t)
	srv.createIdentity(t, "member@lodge.test", auth.RoleMember)
	client := srv.Client()
	token := login(t, srv, "member@lodge.test")

	resp := doAuthJSON(t, client, http.MethodGet, srv.URL+"/admin/setup-2fa", token, nil)
	setup := decode[api.SetupTwoFactorResponse](t, resp)

	resp = doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/enable-2fa", token, api.EnableTwoFactorRequest{
		Secret:      setup.Secret,
		Code:        "000000",
		BackupCodes: setup.BackupCodes,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	code, err := auth.CodeAt(setup.Secret, time.Now())
	require.NoError(t, err)
	resp = doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/enable-2fa", token, api.EnableTwoFactorRequest{
		Secret:      setup.Secret,
		Code:        code,
		BackupCodes: setup.BackupCodes,
	})
	enabled := decode[api.EnableTwoFactorResponse](t, resp)
	require.True(t, enabled.Success)
	assert.Empty(t, enabled.Token, "an existing session is kept")

	resp = doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/backup-codes", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	codes := decode[api.BackupCodesResponse](t, resp)
	assert.Len(t, codes.BackupCodes, 10)
	assert.NotEqual(t, setup.BackupCodes, codes.BackupCodes)

	resp = doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/disable-2fa", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/disable-2fa", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.ErrNotEnabled.Error(), decode[api.ErrorResponse](t, resp).Error)

	resp = doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/backup-codes", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	login(t, srv, "member@lodge.test")
}

func TestLogoutEndsOnlyCurrentSession(t *testing.T) {
	srv := setupServer(t)
	srv.createIdentity(t, "member@lodge.test", auth.RoleMember)
	client := srv.Client()
	first := login(t, srv, "member@lodge.test")
	second := login(t, srv, "member@lodge.test")

	resp := doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/logout", first, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/admin/2fa-status", first, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/admin/2fa-status", second, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doAuthJSON(t, client, http.MethodPost, srv.URL+"/admin/sessions/revoke-all", second, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	revoked := decode[api.RevokeAllResponse](t, resp)
	assert.Equal(t, 1, revoked.Revoked)

	resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/admin/2fa-status", second, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSecurityEventsRequiresAdmin(t *testing.T) {
	srv := setupServer(t)
	srv.createIdentity(t, "member@lodge.test", auth.RoleMember)
	srv.createIdentity(t, "secretary@lodge.test", auth.RoleAdmin)
	client := srv.Client()
	url := srv.URL + "/admin/security-events"

	resp := doJSON(t, client, http.MethodGet, url, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	member := login(t, srv, "member@lodge.test")
	resp = doAuthJSON(t, client, http.MethodGet, url, member, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The admin is inside the enrollment grace period.
	admin := login(t, srv, "secretary@lodge.test")
	resp = doAuthJSON(t, client, http.MethodGet, url+"?kind=ACCESS_DENIED", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	denied := decode[api.SecurityEventsResponse](t, resp)
	require.Len(t, denied.Events, 1)
	assert.Equal(t, "ACCESS_DENIED", denied.Events[0].Kind)

	resp = doAuthJSON(t, client, http.MethodGet, url+"?limit=2", admin, nil)
	recent := decode[api.SecurityEventsResponse](t, resp)
	require.Len(t, recent.Events, 2)
	assert.Less(t, recent.Events[0].Seq, recent.Events[1].Seq)

	for _, query := range []string{"?kind=NOPE", "?limit=0", "?since=yesterday"} {
		resp = doAuthJSON(t, client, http.MethodGet, url+query, admin, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestIdentityAdministration(t *testing.T) {
	srv := setupServer(t)
	srv.createIdentity(t, "secretary@lodge.test", auth.RoleAdmin)
	client := srv.Client()
	admin := login(t, srv, "secretary@lodge.test")
	base := srv.URL + "/admin/identities"

	create := api.CreateIdentityRequest{
		Email:       "Brother@Lodge.test",
		DisplayName: "Brother",
		Role:        "member",
		Password:    testPassword,
	}
	resp := doAuthJSON(t, client, http.MethodPost, base, admin, create)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[api.CreateIdentityResponse](t, resp)
	require.NotEmpty(t, created.ID)

	resp = doAuthJSON(t, client, http.MethodPost, base, admin, create)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	create.Email, create.Role = "grand@lodge.test", "super_admin"
	resp = doAuthJSON(t, client, http.MethodPost, base, admin, create)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doAuthJSON(t, client, http.MethodGet, base, admin, nil)
	list := decode[api.ListIdentitiesResponse](t, resp)
	require.Len(t, list.Identities, 2)

	member := login(t, srv, "brother@lodge.test")

	inactive := false
	resp = doAuthJSON(t, client, http.MethodPatch, base+"/"+created.ID, admin, api.UpdateIdentityRequest{Active: &inactive})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[api.IdentitySummary](t, resp)
	assert.False(t, updated.Active)

	resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/admin/2fa-status", member, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "deactivation ends sessions")

	resp = doAuthJSON(t, client, http.MethodPatch, base+"/"+created.ID, admin, map[string]any{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doAuthJSON(t, client, http.MethodDelete, base+"/"+created.ID, admin, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doAuthJSON(t, client, http.MethodDelete, base+"/"+created.ID, admin, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownload(t *testing.T) {
	srv := setupServer(t)
	srv.createIdentity(t, "member@lodge.test", auth.RoleMember)
	client := srv.Client()
	token := login(t, srv, "member@lodge.test")

	resp := doJSON(t, client, http.MethodGet, srv.URL+"/download/minutes", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/download/bylaws", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/download/minutes", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, documentBody, string(body))
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "minutes.pdf")
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	// Every attempt counts against the hourly limit of ten.
	for range 7 {
		resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/download/minutes", token, nil)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp = doAuthJSON(t, client, http.MethodGet, srv.URL+"/download/minutes", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil)
	defer resp.Body.Close()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "frame-ancestors 'none'")
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"), "plain HTTP gets no HSTS")
}

func TestHealthAndMetrics(t *testing.T) {
	srv := setupServer(t)
	srv.createIdentity(t, "member@lodge.test", auth.RoleMember)
	login(t, srv, "member@lodge.test")

	resp := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[api.HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)

	resp = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `lodge_security_events_total{kind="LOGIN_SUCCESS"} 1`)
	assert.Contains(t, string(body), `lodge_http_requests_total{method="POST",route="/admin/verify",status="200"} 1`)
	assert.Contains(t, string(body), `lodge_build_info{version="test"} 1`)
}

func TestOpenAPIServed(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.yaml", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/admin/verify:")
}

func TestTwoFactorPage(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/admin/2fa", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/admin/assets/app.js", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The status endpoint shares the prefix but is not the page.
	resp = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/admin/2fa-status", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
