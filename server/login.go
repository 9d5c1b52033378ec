package server

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/sandbox"
	"github.com/uitsmijter/uitsmijter/session"
	"github.com/uitsmijter/uitsmijter/tokens"
)

// handleLogin renders the login form on GET (interceptor entry) and
// processes the credentials on POST.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	info := clientInfoFrom(r.Context())

	if r.Method == http.MethodGet {
		s.renderLoginForm(w, r, info, http.StatusOK, false)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	start := s.now()
	defer func() { s.metrics.LoginAttempts.Observe(time.Since(start).Seconds()) }()

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	location := r.PostFormValue("location")

	if location == "" {
		s.metrics.LoginFailure.Inc()
		s.renderError(w, r, newRequestError(http.StatusPreconditionFailed, codeMissingLocation))
		return
	}
	if username == "" || password == "" {
		s.metrics.LoginFailure.Inc()
		s.renderError(w, r, newRequestError(http.StatusBadRequest, codeFormNotParseable))
		return
	}

	// A form rendered by us carries a single-use login session. A stale or
	// replayed id is refused; a missing one is tolerated for direct posts.
	if loginID := r.PostFormValue("login_id"); loginID != "" {
		ok, err := s.sessions.Pull(r.Context(), loginID)
		if err != nil {
			s.renderError(w, r, newRequestErrorf(http.StatusInternalServerError, codeInternal,
				"login session: %v", err))
			return
		}
		if !ok {
			s.metrics.LoginFailure.Inc()
			s.renderError(w, r, newRequestError(http.StatusForbidden, codeInvalidRequest))
			return
		}
	}

	if info.Tenant == nil {
		s.metrics.LoginFailure.Inc()
		s.renderError(w, r, newRequestError(http.StatusNotFound, codeNoTenant))
		return
	}

	outcome, err := s.validateCredentials(r, info.Tenant, username, password)
	if err != nil {
		s.metrics.LoginFailure.Inc()
		s.renderError(w, r, err)
		return
	}

	audience := entities.Audience{}
	if info.Client != nil {
		audience = entities.Audience{info.Client.Name}
	}
	payload := entities.Payload{
		Issuer:         s.serviceURL,
		Subject:        username,
		Audience:       audience,
		Tenant:         info.Tenant.Name,
		Responsibility: tokens.ResponsibilityFor(info.ResponsibleDomain),
		Role:           outcome.Role,
		User:           username,
		Profile:        outcome.Profile,
	}
	access, err := s.tokens.Build(payload, s.tokens.AccessTTL())
	if err != nil {
		s.renderError(w, r, newRequestErrorf(http.StatusInternalServerError, codeInternal,
			"signing token: %v", err))
		return
	}
	verified, err := s.tokens.Verify(access)
	if err != nil {
		s.renderError(w, r, newRequestErrorf(http.StatusInternalServerError, codeInternal,
			"verifying fresh token: %v", err))
		return
	}

	s.setSessionCookie(w, info.Tenant, info.ResponsibleDomain, access)
	s.metrics.LoginSuccess.Inc()

	// When the login resumes an authorize flow, finish it here: issue the
	// code and send the user straight back to the client.
	if target, err := url.Parse(location); err == nil && target.Path == "/authorize" && info.Client != nil {
		s.completeAuthorize(w, r, info, verified, target.Query())
		return
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

// validateCredentials runs the tenant's provider chain: validation
// providers first, then login providers.
func (s *Server) validateCredentials(r *http.Request, tenant *entities.Tenant, username, password string) (*sandbox.Result, error) {
	providers := tenant.Config.Providers
	if len(providers) == 0 {
		if s.allowMissingProviders {
			s.logger.Warnf("tenant %s has no providers, accepting login for %s", tenant.Name, username)
			return &sandbox.Result{Committed: true, OK: true, CanLogin: true}, nil
		}
		return nil, newRequestError(http.StatusForbidden, codeWrongCredentials)
	}

	validation, err := s.sandbox.RunProviders(r.Context(), providers, sandbox.ClassUserValidation,
		map[string]interface{}{"username": username})
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return nil, newRequestError(http.StatusGatewayTimeout, codeServiceTimeout)
	case err == nil && !validation.OK:
		return nil, newRequestError(http.StatusForbidden, codeWrongCredentials)
	}
	// No provider implementing validation at all is fine; login decides.

	login, err := s.sandbox.RunProviders(r.Context(), providers, sandbox.ClassUserLogin,
		map[string]interface{}{"username": username, "password": password})
	if err != nil {
		if errors.Is(err, sandbox.ErrTimeout) {
			return nil, newRequestError(http.StatusGatewayTimeout, codeServiceTimeout)
		}
		return nil, newRequestErrorf(http.StatusForbidden, codeWrongCredentials, "provider error: %v", err)
	}
	if !login.OK || !login.CanLogin {
		return nil, newRequestError(http.StatusForbidden, codeWrongCredentials)
	}
	return login, nil
}

// completeAuthorize finishes an interrupted authorize flow after a
// successful login.
func (s *Server) completeAuthorize(w http.ResponseWriter, r *http.Request, info *ClientInfo, payload *entities.Payload, q url.Values) {
	client := info.Client
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.MatchesRedirectURI(redirectURI) {
		s.renderError(w, r, newRequestError(http.StatusForbidden, codeRedirectMismatch))
		return
	}

	challenge := q.Get("code_challenge")
	code := session.NewCode()
	authSession := session.AuthSession{
		Type:                session.TypeCode,
		State:               q.Get("state"),
		Code:                code,
		Scopes:              client.AllowedScopes(splitScopes(q.Get("scope"))),
		Payload:             payload,
		RedirectURI:         redirectURI,
		ClientID:            client.Config.Ident,
		CodeChallenge:       challenge,
		CodeChallengeMethod: normalizeChallengeMethod(q.Get("code_challenge_method"), challenge),
		TTL:                 int64(authCodeTTL / time.Second),
		GeneratedAt:         s.now(),
	}
	if err := s.sessions.Set(r.Context(), authSession); err != nil {
		s.renderError(w, r, newRequestErrorf(http.StatusInternalServerError, codeInternal,
			"storing authorization code: %v", err))
		return
	}

	target := appendQuery(redirectURI, url.Values{
		"code":  []string{code},
		"state": []string{q.Get("state")},
	})
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// handleLogout shows the logout page, which immediately navigates to the
// finalize endpoint.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	info := clientInfoFrom(r.Context())
	tenantName := ""
	if info.Tenant != nil {
		tenantName = info.Tenant.Name
	}

	finalize := "/logout/finalize"
	if redirect := r.URL.Query().Get("post_logout_redirect_uri"); redirect != "" {
		finalize = appendQuery(finalize, url.Values{"post_logout_redirect_uri": []string{redirect}})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.renderLogout(w, tenantName, logoutData{
		Tenant:      tenantName,
		FinalizeURL: finalize,
	}); err != nil {
		s.logger.Errorf("logout template failed: %v", err)
	}
}

// handleLogoutFinalize clears the cookie and wipes every session of the
// subject at this tenant.
func (s *Server) handleLogoutFinalize(w http.ResponseWriter, r *http.Request) {
	info := clientInfoFrom(r.Context())

	s.clearSessionCookie(w, info.Tenant, info.ResponsibleDomain)

	if info.ValidPayload != nil {
		if err := s.sessions.Wipe(r.Context(), info.ValidPayload.Tenant, info.ValidPayload.Subject); err != nil {
			s.logger.Errorf("wiping sessions for %s: %v", info.ValidPayload.Subject, err)
		}
	}
	s.metrics.Logout.Inc()

	if redirect := r.URL.Query().Get("post_logout_redirect_uri"); redirect != "" && info.Tenant != nil {
		if u, err := url.Parse(redirect); err == nil && info.Tenant.MatchesHost(u.Host) {
			http.Redirect(w, r, redirect, http.StatusSeeOther)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.renderError(w, "", http.StatusOK, "Logged out"); err != nil {
		s.logger.Errorf("logout template failed: %v", err)
	}
}
