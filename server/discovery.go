package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/uitsmijter/uitsmijter/entities"
)

type discovery struct {
	Issuer            string   `json:"issuer"`
	Auth              string   `json:"authorization_endpoint"`
	Token             string   `json:"token_endpoint"`
	Keys              string   `json:"jwks_uri"`
	UserInfo          string   `json:"userinfo_endpoint"`
	EndSession        string   `json:"end_session_endpoint"`
	GrantTypes        []string `json:"grant_types_supported"`
	ResponseTypes     []string `json:"response_types_supported"`
	Subjects          []string `json:"subject_types_supported"`
	IDTokenAlgs       []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeAlgs []string `json:"code_challenge_methods_supported"`
	Scopes            []string `json:"scopes_supported"`
	PolicyURI         string   `json:"op_policy_uri,omitempty"`
	ServiceDoc        string   `json:"service_documentation,omitempty"`
}

// handleDiscovery serves the per-tenant OIDC discovery document. The tenant
// is selected by the host the request came in on; documents are
// deterministic for a given tenant and client set.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	tenant, ok := s.entities.FindTenantForHost(host)
	if !ok {
		s.renderError(w, r, newRequestError(http.StatusNotFound, codeNoTenant))
		return
	}

	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil || s.secure {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	issuer := scheme + "://" + host

	data, err := json.MarshalIndent(s.buildDiscovery(issuer, &tenant), "", "  ")
	if err != nil {
		s.renderError(w, r, newRequestErrorf(http.StatusInternalServerError, codeInternal,
			"marshal discovery: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Write(data)
}

func (s *Server) buildDiscovery(issuer string, tenant *entities.Tenant) discovery {
	d := discovery{
		Issuer:        issuer,
		Auth:          issuer + "/authorize",
		Token:         issuer + "/token",
		Keys:          issuer + "/.well-known/jwks.json",
		UserInfo:      issuer + "/token/info",
		EndSession:    issuer + "/logout",
		ResponseTypes: []string{"code"},
		Subjects:      []string{"public"},
		IDTokenAlgs:   []string{"RS256"},
	}

	scopes := map[string]bool{"openid": true, "profile": true, "email": true}
	grants := map[string]bool{
		string(entities.GrantAuthorizationCode): true,
		string(entities.GrantRefreshToken):      true,
	}
	pkceOnly := false
	for _, client := range s.entities.ClientsForTenant(tenant.Name) {
		for _, scope := range client.Config.Scopes {
			scopes[scope] = true
		}
		for _, grant := range client.Config.GrantTypes {
			grants[string(grant)] = true
		}
		if client.Config.IsPKCEOnly {
			pkceOnly = true
		}
	}
	d.Scopes = sortedKeys(scopes)
	d.GrantTypes = sortedKeys(grants)

	if pkceOnly {
		d.CodeChallengeAlgs = []string{codeChallengeMethodS256}
	} else {
		d.CodeChallengeAlgs = []string{codeChallengeMethodS256, codeChallengeMethodPlain}
	}

	if infos := tenant.Config.Informations; infos != nil {
		d.PolicyURI = infos.PrivacyURL
		d.ServiceDoc = infos.ImprintURL
	}
	return d
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// handlePublicKeys serves the JWKS of the signing keys.
func (s *Server) handlePublicKeys(w http.ResponseWriter, r *http.Request) {
	data, err := json.MarshalIndent(s.tokens.JWKS(), "", "  ")
	if err != nil {
		s.renderError(w, r, newRequestErrorf(http.StatusInternalServerError, codeInternal,
			"marshal jwks: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}
