package server

import (
	"net/http"
	"time"

	"github.com/uitsmijter/uitsmijter/entities"
)

// setSessionCookie attaches the SSO cookie carrying the access token. The
// cookie is scoped to the tenant's interceptor cookie domain when one is
// configured, otherwise to the responsible domain.
func (s *Server) setSessionCookie(w http.ResponseWriter, tenant *entities.Tenant, responsibleDomain, token string) {
	domain := responsibleDomain
	if tenant != nil {
		domain = tenant.CookieDomain(responsibleDomain)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		Path:     "/",
		Domain:   domain,
		MaxAge:   int(s.cookieExpiration / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// clearSessionCookie removes the SSO cookie.
func (s *Server) clearSessionCookie(w http.ResponseWriter, tenant *entities.Tenant, responsibleDomain string) {
	domain := responsibleDomain
	if tenant != nil {
		domain = tenant.CookieDomain(responsibleDomain)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		Domain:   domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
}
