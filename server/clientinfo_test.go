package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolveRequest(t *testing.T, h *harness, req *http.Request) *ClientInfo {
	t.Helper()
	info, err := h.srv.resolve(req)
	require.NoError(t, err)
	return info
}

func TestResolveMode(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	assert.Equal(t, ModeOAuth, resolveRequest(t, h, req).Mode)

	req = httptest.NewRequest(http.MethodGet, "/authorize", nil)
	req.Header.Set("X-Uitsmijter-Mode", "interceptor")
	assert.Equal(t, ModeInterceptor, resolveRequest(t, h, req).Mode)

	req = httptest.NewRequest(http.MethodGet, "/authorize?mode=interceptor", nil)
	assert.Equal(t, ModeInterceptor, resolveRequest(t, h, req).Mode)

	req = httptest.NewRequest(http.MethodGet, "/interceptor", nil)
	assert.Equal(t, ModeInterceptor, resolveRequest(t, h, req).Mode)

	// The header outranks the query.
	req = httptest.NewRequest(http.MethodGet, "/authorize?mode=interceptor", nil)
	req.Header.Set("X-Uitsmijter-Mode", "oauth")
	assert.Equal(t, ModeOAuth, resolveRequest(t, h, req).Mode)
}

func TestResolveRequestedHostOrder(t *testing.T) {
	h := newHarness(t)

	// query "for" wins.
	req := httptest.NewRequest(http.MethodGet,
		"/interceptor?for="+url.QueryEscape("https://cookbooks.example.com/x"), nil)
	req.Header.Set("X-Forwarded-Host", "other.example.com")
	info := resolveRequest(t, h, req)
	assert.Equal(t, "cookbooks.example.com", info.Requested.Host)

	// Then redirect_uri.
	req = httptest.NewRequest(http.MethodGet,
		"/authorize?redirect_uri="+url.QueryEscape("https://api.example.com/cb"), nil)
	info = resolveRequest(t, h, req)
	assert.Equal(t, "api.example.com", info.Requested.Host)

	// Then the forwarded host.
	req = httptest.NewRequest(http.MethodGet, "/authorize", nil)
	req.Header.Set("X-Forwarded-Host", "id.example.com")
	info = resolveRequest(t, h, req)
	assert.Equal(t, "id.example.com", info.Requested.Host)

	// Finally the configured public domain.
	req = httptest.NewRequest(http.MethodGet, "/authorize", nil)
	info = resolveRequest(t, h, req)
	assert.Equal(t, "login.example.com", info.Requested.Host)
}

func TestResolveUnknownClientFails(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/authorize?client_id=not-a-client", nil)
	_, err := h.srv.resolve(req)
	require.Error(t, err)
	reqErr, ok := err.(*requestError)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, reqErr.status)
}

func TestResolveTenantFromClient(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/authorize?client_id="+spaIdent, nil)
	info := resolveRequest(t, h, req)
	require.NotNil(t, info.Client)
	require.NotNil(t, info.Tenant)
	assert.Equal(t, cheeseTenant, info.Tenant.Name)
}

func TestResolveTenantFromHost(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	req.Header.Set("X-Forwarded-Host", "id.example.com")
	info := resolveRequest(t, h, req)
	require.NotNil(t, info.Tenant)
	assert.Equal(t, cheeseTenant, info.Tenant.Name)
	assert.Nil(t, info.Client)
}

func TestResolveExpiredToken(t *testing.T) {
	h := newHarness(t)

	payload := h.payloadFor("spa", cheeseTenant, "u@example.com", "login.example.com")
	token, err := h.tokens.Build(payload, -time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	info := resolveRequest(t, h, req)
	assert.True(t, info.Expired)
	assert.Nil(t, info.ValidPayload)
}

func TestResolvePayloadTenantMismatch(t *testing.T) {
	h := newHarness(t)

	// A toast token presented on a cheese host is refused.
	payload := h.payloadFor("toast-shop", toastTenant, "u@example.com", "id.example.com")
	token, err := h.tokens.Build(payload, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	req.Header.Set("X-Forwarded-Host", "id.example.com")
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = h.srv.resolve(req)
	require.Error(t, err)
	reqErr, ok := err.(*requestError)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, reqErr.status)
}

func TestResolveResponsibilityDowngrade(t *testing.T) {
	h := newHarness(t)

	payload := h.payloadFor("spa", cheeseTenant, "u@example.com", "somewhere.example.net")
	token, err := h.tokens.Build(payload, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	req.Header.Set("X-Forwarded-Host", "id.example.com")
	req.Header.Set("Authorization", "Bearer "+token)
	info := resolveRequest(t, h, req)

	assert.False(t, info.Expired, "a downgrade is not an expiry")
	assert.Nil(t, info.ValidPayload, "foreign responsibility downgrades the payload")
}
