package server

import (
	"net/http"
	"net/url"
)

// handleInterceptor answers the per-request auth question of the reverse
// proxy. A valid token of the responsible tenant passes with 200; everyone
// else is sent to the login form with the original target in tow.
func (s *Server) handleInterceptor(w http.ResponseWriter, r *http.Request) {
	info := clientInfoFrom(r.Context())

	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = info.Requested.Host
	}

	tenant, ok := s.entities.FindTenantForHost(host)
	if !ok {
		s.metrics.InterceptorFailure.Inc()
		s.renderError(w, r, newRequestErrorf(http.StatusBadRequest, codeNoTenant,
			"no tenant is responsible for %q", host))
		return
	}
	if !tenant.InterceptorEnabled() {
		s.metrics.InterceptorFailure.Inc()
		s.renderError(w, r, newRequestError(http.StatusForbidden, codeInterceptorDisabled))
		return
	}

	payload := info.ValidPayload
	if payload == nil || payload.Tenant != tenant.Name {
		s.metrics.InterceptorFailure.Inc()
		target := info.Requested
		target.Host = host
		login := appendQuery("/login", url.Values{"for": []string{target.String()}})
		http.Redirect(w, r, login, http.StatusTemporaryRedirect)
		return
	}

	// Renew the cookie when the token has passed half of its lifetime.
	if s.tokenNearExpiry(payload.Expiry) {
		refreshed := *payload
		refreshed.Audience = nil
		if access, err := s.tokens.Build(refreshed, s.tokens.AccessTTL()); err == nil {
			s.setSessionCookie(w, &tenant, stripPort(host), access)
		}
	}

	s.metrics.InterceptorSuccess.Inc()
	w.WriteHeader(http.StatusOK)
}
