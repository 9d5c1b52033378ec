package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/session"
	"github.com/uitsmijter/uitsmijter/tokens"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Code         string `json:"code,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func decodeTokenRequest(r *http.Request) (*tokenRequest, error) {
	var req tokenRequest
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, newRequestError(http.StatusBadRequest, codeFormNotParseable)
		}
		return &req, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, newRequestError(http.StatusBadRequest, codeFormNotParseable)
	}
	req = tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
	}
	return &req, nil
}

// handleToken is the token endpoint. The grant_type field selects the flow.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	start := s.now()
	req, err := decodeTokenRequest(r)
	if err != nil {
		s.metrics.OauthFailure.Inc()
		s.renderError(w, r, err)
		return
	}

	client, ok := s.entities.FindClientByIdent(req.ClientID)
	if !ok {
		s.metrics.OauthFailure.Inc()
		s.renderError(w, r, newRequestError(http.StatusNotFound, codeNoClient))
		return
	}
	tenant, ok := s.entities.FindTenantByName(client.Config.TenantName)
	if !ok {
		s.metrics.OauthFailure.Inc()
		s.renderError(w, r, newRequestError(http.StatusNotFound, codeNoTenant))
		return
	}

	var response *tokenResponse
	switch req.GrantType {
	case string(entities.GrantAuthorizationCode):
		response, err = s.tokenFromCode(r, req, &client, &tenant)
	case string(entities.GrantRefreshToken):
		response, err = s.tokenFromRefresh(r, req, &client, &tenant)
	case string(entities.GrantPassword):
		response, err = s.tokenFromPassword(r, req, &client, &tenant)
	default:
		err = newRequestErrorf(http.StatusBadRequest, codeGrantNotAllowed,
			"unsupported grant_type %q", req.GrantType)
	}
	if err != nil {
		s.metrics.OauthFailure.Inc()
		s.renderError(w, r, err)
		return
	}

	s.metrics.OauthSuccess.Inc()
	s.metrics.TokenStored.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) checkClientSecret(client *entities.Client, presented string) error {
	if client.Config.Secret == "" {
		return nil
	}
	if presented == "" {
		return newRequestError(http.StatusUnauthorized, codeInvalidSecret)
	}
	if subtle.ConstantTimeCompare([]byte(client.Config.Secret), []byte(presented)) != 1 {
		return newRequestError(http.StatusUnauthorized, codeInvalidSecret)
	}
	return nil
}

func verifyCodeChallenge(sess *session.AuthSession, verifier string) error {
	switch {
	case sess.CodeChallenge != "" && verifier == "":
		return newRequestError(http.StatusBadRequest, codePKCEMissing)
	case sess.CodeChallenge == "" && verifier != "":
		return newRequestErrorf(http.StatusBadRequest, codeInvalidRequest,
			"no PKCE flow started, cannot check code_verifier")
	case sess.CodeChallenge == "":
		return nil
	}

	calculated := verifier
	if sess.CodeChallengeMethod == codeChallengeMethodS256 {
		sum := sha256.Sum256([]byte(verifier))
		calculated = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	if subtle.ConstantTimeCompare([]byte(calculated), []byte(sess.CodeChallenge)) != 1 {
		return newRequestError(http.StatusBadRequest, codeVerifierMismatch)
	}
	return nil
}

// tokenFromCode exchanges a single-use authorization code for an access and
// refresh token pair.
func (s *Server) tokenFromCode(r *http.Request, req *tokenRequest, client *entities.Client, tenant *entities.Tenant) (*tokenResponse, error) {
	if !client.AllowsGrant(entities.GrantAuthorizationCode) {
		return nil, newRequestError(http.StatusForbidden, codeGrantNotAllowed)
	}
	if err := s.checkClientSecret(client, req.ClientSecret); err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, newRequestError(http.StatusBadRequest, codeInvalidRequest)
	}

	sess, err := s.sessions.Get(r.Context(), session.TypeCode, req.Code, true)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, newRequestError(http.StatusBadRequest, codeInvalidGrant)
		}
		return nil, newRequestErrorf(http.StatusInternalServerError, codeInternal, "session store: %v", err)
	}
	if sess.ClientID != "" && sess.ClientID != client.Config.Ident {
		return nil, newRequestError(http.StatusForbidden, codeTenantMismatch)
	}
	if err := verifyCodeChallenge(&sess, req.CodeVerifier); err != nil {
		return nil, err
	}
	if sess.Payload == nil || sess.Payload.Tenant != tenant.Name {
		return nil, newRequestError(http.StatusForbidden, codeTenantMismatch)
	}

	scopes := sess.Scopes
	if req.Scope != "" {
		scopes = client.AllowedScopes(splitScopes(req.Scope))
	}
	return s.issuePair(r, sess, client, scopes)
}

// tokenFromRefresh rotates a refresh session into a fresh token pair.
func (s *Server) tokenFromRefresh(r *http.Request, req *tokenRequest, client *entities.Client, tenant *entities.Tenant) (*tokenResponse, error) {
	if !client.AllowsGrant(entities.GrantRefreshToken) {
		return nil, newRequestError(http.StatusForbidden, codeGrantNotAllowed)
	}
	if err := s.checkClientSecret(client, req.ClientSecret); err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, newRequestError(http.StatusBadRequest, codeInvalidRequest)
	}

	old, err := s.sessions.Get(r.Context(), session.TypeRefresh, req.RefreshToken, true)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, newRequestError(http.StatusUnauthorized, codeInvalidGrant)
		}
		return nil, newRequestErrorf(http.StatusInternalServerError, codeInternal, "session store: %v", err)
	}

	access, next, err := s.tokens.Refresh(old, *client, *tenant)
	if err != nil {
		switch {
		case errors.Is(err, tokens.ErrTenantMismatch):
			return nil, newRequestError(http.StatusForbidden, codeTenantMismatch)
		case errors.Is(err, tokens.ErrClientMismatch):
			return nil, newRequestError(http.StatusForbidden, codeTenantMismatch)
		}
		return nil, newRequestErrorf(http.StatusInternalServerError, codeInternal, "refresh: %v", err)
	}
	if err := s.sessions.Set(r.Context(), next); err != nil {
		return nil, newRequestErrorf(http.StatusInternalServerError, codeInternal, "session store: %v", err)
	}

	return &tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL() / time.Second),
		RefreshToken: next.Code,
		Scope:        strings.Join(old.Scopes, " "),
	}, nil
}

// tokenFromPassword validates credentials through the tenant's providers.
// Only clients explicitly granted the password flow may use it.
func (s *Server) tokenFromPassword(r *http.Request, req *tokenRequest, client *entities.Client, tenant *entities.Tenant) (*tokenResponse, error) {
	if !client.AllowsGrant(entities.GrantPassword) {
		return nil, newRequestError(http.StatusForbidden, codeGrantNotAllowed)
	}
	if err := s.checkClientSecret(client, req.ClientSecret); err != nil {
		return nil, err
	}
	if req.Username == "" || req.Password == "" {
		return nil, newRequestError(http.StatusBadRequest, codeInvalidRequest)
	}

	outcome, err := s.validateCredentials(r, tenant, req.Username, req.Password)
	if err != nil {
		return nil, err
	}

	payload := entities.Payload{
		Issuer:   s.serviceURL,
		Subject:  req.Username,
		Audience: entities.Audience{client.Name},
		Tenant:   tenant.Name,
		Role:     outcome.Role,
		User:     req.Username,
		Profile:  outcome.Profile,
	}
	sess := session.AuthSession{
		Type:        session.TypeCode,
		Code:        session.NewCode(),
		Scopes:      client.AllowedScopes(splitScopes(req.Scope)),
		Payload:     &payload,
		ClientID:    client.Config.Ident,
		TTL:         int64(authCodeTTL / time.Second),
		GeneratedAt: s.now(),
	}
	return s.issuePair(r, sess, client, sess.Scopes)
}

// issuePair signs an access token from the session payload and stores the
// matching refresh session.
func (s *Server) issuePair(r *http.Request, sess session.AuthSession, client *entities.Client, scopes []string) (*tokenResponse, error) {
	payload := *sess.Payload
	payload.Audience = entities.Audience{client.Name}

	access, err := s.tokens.Build(payload, s.tokens.AccessTTL())
	if err != nil {
		return nil, newRequestErrorf(http.StatusInternalServerError, codeInternal, "signing token: %v", err)
	}

	refresh := session.AuthSession{
		Type:        session.TypeRefresh,
		State:       sess.State,
		Code:        session.NewCode(),
		Scopes:      scopes,
		Payload:     &payload,
		RedirectURI: sess.RedirectURI,
		ClientID:    client.Config.Ident,
		TTL:         int64(s.tokens.RefreshTTL() / time.Second),
		GeneratedAt: s.now(),
	}
	if err := s.sessions.Set(r.Context(), refresh); err != nil {
		return nil, newRequestErrorf(http.StatusInternalServerError, codeInternal, "session store: %v", err)
	}

	return &tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL() / time.Second),
		RefreshToken: refresh.Code,
		Scope:        strings.Join(scopes, " "),
	}, nil
}

// handleTokenInfo returns the non-sensitive subset of a verified payload.
func (s *Server) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.renderError(w, r, newRequestError(http.StatusUnauthorized, codeInvalidGrant))
		return
	}
	payload, err := s.tokens.Verify(token)
	if err != nil {
		s.renderError(w, r, newRequestError(http.StatusUnauthorized, codeInvalidGrant))
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Subject string            `json:"sub"`
		User    string            `json:"user,omitempty"`
		Role    string            `json:"role,omitempty"`
		Tenant  string            `json:"tenant,omitempty"`
		Profile *entities.Profile `json:"profile,omitempty"`
	}{
		Subject: payload.Subject,
		User:    payload.User,
		Role:    payload.Role,
		Tenant:  payload.Tenant,
		Profile: payload.Profile,
	})
}

// handleTokenRevoke invalidates a refresh session.
func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ClientID string `json:"client_id"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		s.metrics.RevokeFailure.Inc()
		s.renderError(w, r, newRequestError(http.StatusBadRequest, codeFormNotParseable))
		return
	}

	client, ok := s.entities.FindClientByIdent(req.ClientID)
	if !ok {
		s.metrics.RevokeFailure.Inc()
		s.renderError(w, r, newRequestError(http.StatusNotFound, codeNoClient))
		return
	}

	sess, err := s.sessions.Get(r.Context(), session.TypeRefresh, req.Token, false)
	if err != nil {
		s.metrics.RevokeFailure.Inc()
		s.renderError(w, r, newRequestError(http.StatusNotFound, codeInvalidGrant))
		return
	}
	if sess.ClientID != "" && sess.ClientID != client.Config.Ident {
		s.metrics.RevokeFailure.Inc()
		s.renderError(w, r, newRequestError(http.StatusForbidden, codeTenantMismatch))
		return
	}

	if err := s.sessions.Delete(r.Context(), session.TypeRefresh, req.Token); err != nil {
		s.metrics.RevokeFailure.Inc()
		s.renderError(w, r, newRequestErrorf(http.StatusInternalServerError, codeInternal, "session store: %v", err))
		return
	}
	s.metrics.RevokeSuccess.Inc()
	w.WriteHeader(http.StatusNoContent)
}
