package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uitsmijter/uitsmijter/session"
)

const (
	codeChallengeMethodPlain = "plain"
	codeChallengeMethodS256  = "S256"
	codeChallengeMethodNone  = "none"

	responseTypeCode = "code"
)

// handleAuthorize drives the authorization-code flow. An authenticated user
// is redirected back to the client with a fresh single-use code; everyone
// else gets the login form. A valid cookie of the same tenant issued to a
// different client satisfies the request without a new login (silent login)
// unless the tenant disables that.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	defer func() { s.metrics.AuthorizeAttempts.Observe(time.Since(start).Seconds()) }()

	info := clientInfoFrom(r.Context())
	q := r.URL.Query()

	challengeMethod := q.Get("code_challenge_method")
	switch challengeMethod {
	case "", codeChallengeMethodPlain, codeChallengeMethodS256, codeChallengeMethodNone:
	default:
		s.renderError(w, r, newRequestErrorf(http.StatusNotImplemented, codeChallengeMethod,
			"unsupported PKCE challenge method %q", challengeMethod))
		return
	}

	if info.Client == nil {
		s.renderError(w, r, newRequestError(http.StatusNotFound, codeNoClient))
		return
	}
	client := info.Client

	if rt := q.Get("response_type"); rt != "" && rt != responseTypeCode {
		s.renderError(w, r, newRequestErrorf(http.StatusBadRequest, codeInvalidRequest,
			"unsupported response_type %q", rt))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.MatchesRedirectURI(redirectURI) {
		s.renderError(w, r, newRequestErrorf(http.StatusForbidden, codeRedirectMismatch,
			"redirect_uri %q is not registered", redirectURI))
		return
	}

	challenge := q.Get("code_challenge")
	if client.Config.IsPKCEOnly && challenge == "" {
		s.renderError(w, r, newRequestError(http.StatusForbidden, codePKCEMissing))
		return
	}

	if info.Referer != "" || len(client.Config.Referrers) > 0 {
		if !client.MatchesReferrer(info.Referer) {
			s.renderError(w, r, newRequestError(http.StatusForbidden, codeWrongReferer))
			return
		}
	}

	scopes := client.AllowedScopes(splitScopes(q.Get("scope")))

	payload := info.ValidPayload
	if payload != nil && payload.Tenant == info.Tenant.Name {
		// Silent login: the cookie may come from a sibling client of the
		// same tenant.
		if !payload.Audience.Contains(client.Name) && !info.Tenant.SilentLoginEnabled() {
			s.renderLoginForm(w, r, info, http.StatusOK, false)
			return
		}

		code := session.NewCode()
		authSession := session.AuthSession{
			Type:                session.TypeCode,
			State:               q.Get("state"),
			Code:                code,
			Scopes:              scopes,
			Payload:             payload,
			RedirectURI:         redirectURI,
			ClientID:            client.Config.Ident,
			CodeChallenge:       challenge,
			CodeChallengeMethod: normalizeChallengeMethod(challengeMethod, challenge),
			TTL:                 int64(authCodeTTL / time.Second),
			GeneratedAt:         s.now(),
		}
		if err := s.sessions.Set(r.Context(), authSession); err != nil {
			s.renderError(w, r, newRequestErrorf(http.StatusInternalServerError, codeInternal,
				"storing authorization code: %v", err))
			return
		}

		// Hand the client a fresh access token alongside the redirect, and
		// renew the cookie when it is getting old.
		refreshed := *payload
		refreshed.Audience = nil
		access, err := s.tokens.Build(refreshed, s.tokens.AccessTTL())
		if err == nil {
			w.Header().Set("Authorization", "Bearer "+access)
			if s.tokenNearExpiry(payload.Expiry) {
				s.setSessionCookie(w, info.Tenant, info.ResponsibleDomain, access)
			}
		}

		target := appendQuery(redirectURI, url.Values{
			"code":  []string{code},
			"state": []string{q.Get("state")},
		})
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}

	s.renderLoginForm(w, r, info, http.StatusOK, false)
}

// tokenNearExpiry reports whether less than half the access TTL remains.
func (s *Server) tokenNearExpiry(expiry int64) bool {
	remaining := time.Unix(expiry, 0).Sub(s.now())
	return remaining < s.tokens.AccessTTL()/2
}

func normalizeChallengeMethod(method, challenge string) string {
	if challenge == "" || method == codeChallengeMethodNone {
		return ""
	}
	if method == "" {
		return codeChallengeMethodPlain
	}
	return method
}

// splitScopes tolerates the extra whitespace some clients send.
func splitScopes(scope string) []string {
	return strings.Fields(scope)
}

func appendQuery(uri string, values url.Values) string {
	sep := "?"
	if u, err := url.Parse(uri); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return uri + sep + values.Encode()
}

// renderLoginForm shows the tenant's login page. The hidden location field
// carries the full authorize URL so the POST can resume the flow; a login
// session binds the form to that POST. Never sets a cookie.
func (s *Server) renderLoginForm(w http.ResponseWriter, r *http.Request, info *ClientInfo, status int, failed bool) {
	location := r.FormValue("location")
	if location == "" {
		location = r.URL.Query().Get("for")
	}
	if location == "" {
		location = r.URL.RequestURI()
	}

	tenantName := ""
	data := loginData{Location: location, Failed: failed}
	if info.Tenant != nil {
		tenantName = info.Tenant.Name
		data.Tenant = tenantName
		if infos := info.Tenant.Config.Informations; infos != nil {
			data.ImprintURL = infos.ImprintURL
			data.PrivacyURL = infos.PrivacyURL
			data.RegisterURL = infos.RegisterURL
		}
	}

	login := session.LoginSession{
		ID:        uuid.NewString(),
		Tenant:    tenantName,
		CreatedAt: s.now(),
	}
	if err := s.sessions.Push(r.Context(), login); err != nil {
		s.logger.Errorf("storing login session: %v", err)
	} else {
		data.LoginID = login.ID
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.templates.renderLogin(w, tenantName, data); err != nil {
		s.logger.Errorf("login template failed: %v", err)
	}
}
