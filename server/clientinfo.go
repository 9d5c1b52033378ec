package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/tokens"
)

// Mode classifies how a request entered the system.
type Mode string

const (
	ModeOAuth       Mode = "oauth"
	ModeInterceptor Mode = "interceptor"
)

const modeHeader = "X-Uitsmijter-Mode"

// RequestedURL is the target the user originally asked for.
type RequestedURL struct {
	Scheme string
	Host   string
	URI    string
}

func (u RequestedURL) String() string {
	return u.Scheme + "://" + u.Host + u.URI
}

// ClientInfo is the request-scoped resolution of tenant, client, mode and
// token validity. It is attached to the context by the resolver middleware.
type ClientInfo struct {
	Mode              Mode
	Requested         RequestedURL
	Referer           string
	ResponsibleDomain string
	ServiceURL        string

	Tenant *entities.Tenant
	Client *entities.Client

	// Expired is true when a bearer token was presented but failed
	// verification.
	Expired bool
	Subject string

	// ValidPayload is nil unless a verified, unexpired token whose
	// responsibility matches the responsible domain was presented. A
	// responsibility mismatch downgrades the payload to nil without
	// rejecting the request; the user simply authenticates again for this
	// domain.
	ValidPayload *entities.Payload

	// RawToken is the presented bearer token, valid or not.
	RawToken string
}

type clientInfoKey struct{}

func clientInfoFrom(ctx context.Context) *ClientInfo {
	info, _ := ctx.Value(clientInfoKey{}).(*ClientInfo)
	return info
}

func withClientInfo(ctx context.Context, info *ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, info)
}

// resolve computes the ClientInfo for a request. It is pure lookup: no
// writes, no redirects.
func (s *Server) resolve(r *http.Request) (*ClientInfo, error) {
	info := &ClientInfo{
		Mode:       s.resolveMode(r),
		Referer:    r.Header.Get("Referer"),
		ServiceURL: s.serviceURL,
	}

	if err := r.ParseForm(); err != nil {
		return nil, newRequestError(http.StatusBadRequest, codeFormNotParseable)
	}

	info.Requested = s.resolveRequested(r)
	info.ResponsibleDomain = s.resolveResponsibleDomain(r, info)

	s.resolveToken(r, info)

	if err := s.resolveClient(r, info); err != nil {
		return nil, err
	}
	if err := s.resolveTenant(r, info); err != nil {
		return nil, err
	}

	// Responsibility downgrade: a payload bound to another domain forces a
	// fresh authentication without failing the request. Logout is exempt so
	// a session can always be terminated.
	if info.ValidPayload != nil && info.ValidPayload.Responsibility != "" &&
		!strings.HasPrefix(r.URL.Path, "/logout") {
		if info.ValidPayload.Responsibility != tokens.ResponsibilityFor(info.ResponsibleDomain) {
			s.logger.Debugf("responsibility mismatch for %s, downgrading payload", info.ResponsibleDomain)
			info.ValidPayload = nil
		}
	}
	return info, nil
}

func (s *Server) resolveMode(r *http.Request) Mode {
	switch strings.ToLower(r.Header.Get(modeHeader)) {
	case string(ModeInterceptor):
		return ModeInterceptor
	case string(ModeOAuth):
		return ModeOAuth
	}
	switch strings.ToLower(r.URL.Query().Get("mode")) {
	case string(ModeInterceptor):
		return ModeInterceptor
	case string(ModeOAuth):
		return ModeOAuth
	}
	if r.URL.Path == "/interceptor" {
		return ModeInterceptor
	}
	return ModeOAuth
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	// Not a URL; treat the value as a bare host.
	if !strings.Contains(raw, "/") {
		return raw
	}
	return ""
}

func (s *Server) resolveRequested(r *http.Request) RequestedURL {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil || s.secure {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}

	host := ""
	if h := hostOf(r.URL.Query().Get("for")); h != "" {
		host = h
	} else if h := hostFromLocation(r.FormValue("location")); h != "" {
		host = h
	} else if h := hostOf(r.URL.Query().Get("redirect_uri")); h != "" {
		host = h
	} else if h := hostOf(r.URL.Query().Get("location")); h != "" {
		host = h
	} else if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	} else {
		host = s.publicDomain
	}

	uri := r.Header.Get("X-Forwarded-Uri")
	if forTarget := r.URL.Query().Get("for"); forTarget != "" {
		if u, err := url.Parse(forTarget); err == nil && u.Path != "" {
			uri = u.RequestURI()
		}
	}
	return RequestedURL{Scheme: scheme, Host: host, URI: uri}
}

// hostFromLocation digs the redirect target out of a posted login form. The
// form's location field carries the full authorize URL; its redirect_uri
// parameter names the host the user will end up on.
func hostFromLocation(location string) string {
	if location == "" {
		return ""
	}
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	if redirect := u.Query().Get("redirect_uri"); redirect != "" {
		if target, err := url.Parse(redirect); err == nil && target.Host != "" {
			return target.Host
		}
	}
	return u.Host
}

func (s *Server) resolveResponsibleDomain(r *http.Request, info *ClientInfo) string {
	if info.Mode == ModeInterceptor && strings.HasPrefix(r.URL.Path, "/logout") {
		if u, err := url.Parse(info.Referer); err == nil && u.Host != "" {
			return stripPort(u.Host)
		}
	}
	return stripPort(info.Requested.Host)
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

func (s *Server) resolveToken(r *http.Request, info *ClientInfo) {
	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie(s.cookieName); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return
	}
	info.RawToken = token

	payload, err := s.tokens.Verify(token)
	if err != nil {
		info.Expired = true
		info.ValidPayload = nil
		return
	}
	info.Expired = false
	info.Subject = payload.Subject
	info.ValidPayload = payload
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) resolveClient(r *http.Request, info *ClientInfo) error {
	clientID := r.Header.Get("X-Client-Id")
	if clientID == "" {
		clientID = r.URL.Query().Get("client_id")
	}
	if clientID == "" {
		if location := r.FormValue("location"); location != "" {
			if u, err := url.Parse(location); err == nil {
				clientID = u.Query().Get("client_id")
			}
		}
	}
	if clientID == "" {
		return nil
	}
	client, ok := s.entities.FindClientByIdent(clientID)
	if !ok {
		return newRequestErrorf(http.StatusNotFound, codeNoClient, "client %q is unknown", clientID)
	}
	info.Client = &client
	return nil
}

func (s *Server) resolveTenant(r *http.Request, info *ClientInfo) error {
	if info.Client != nil {
		tenant, ok := s.entities.FindTenantByName(info.Client.Config.TenantName)
		if !ok {
			return newRequestErrorf(http.StatusNotFound, codeNoTenant,
				"client %s references unknown tenant %s", info.Client.Name, info.Client.Config.TenantName)
		}
		info.Tenant = &tenant
	} else if info.ValidPayload != nil && info.ValidPayload.Tenant != "" {
		if tenant, ok := s.entities.FindTenantByName(info.ValidPayload.Tenant); ok {
			info.Tenant = &tenant
		}
	}
	if info.Tenant == nil {
		if tenant, ok := s.entities.FindTenantForHost(info.ResponsibleDomain); ok {
			info.Tenant = &tenant
		}
	}

	// Cross checks. The client's tenant must own the flow, and for regular
	// requests the payload must belong to the host's tenant.
	if info.Client != nil && info.Tenant != nil &&
		info.Client.Config.TenantName != info.Tenant.Name {
		return newRequestError(http.StatusForbidden, codeTenantMismatch)
	}

	if info.ValidPayload != nil && !strings.HasPrefix(r.URL.Path, "/logout") &&
		!isLocalhost(info.ResponsibleDomain) {
		hostTenant, ok := s.entities.FindTenantForHost(info.ResponsibleDomain)
		if ok && hostTenant.Name != info.ValidPayload.Tenant {
			return newRequestError(http.StatusForbidden, codeTenantMismatch)
		}
	}
	return nil
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// resolved wraps a handler with the resolver middleware.
func (s *Server) resolved(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.resolve(r)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		next(w, r.WithContext(withClientInfo(r.Context(), info)))
	}
}
