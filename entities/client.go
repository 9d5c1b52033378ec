package entities

import (
	"regexp"
	"strings"
)

// GrantType enumerates the OAuth grant types a client may use.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantPassword          GrantType = "password"
	GrantInterceptor       GrantType = "interceptor"
)

// ClientSpec is the configurable part of a client.
type ClientSpec struct {
	// Ident is the UUID exported to relying parties as client_id.
	Ident        string      `json:"ident"`
	TenantName   string      `json:"tenantname"`
	RedirectURLs []string    `json:"redirect_urls"`
	GrantTypes   []GrantType `json:"grant_types,omitempty"`
	Scopes       []string    `json:"scopes,omitempty"`
	Referrers    []string    `json:"referrers,omitempty"`
	Secret       string      `json:"secret,omitempty"`
	IsPKCEOnly   bool        `json:"isPkceOnly,omitempty"`
}

// Client is an OAuth relying party belonging to a single tenant. Identity is
// Config.Ident.
type Client struct {
	Name   string     `json:"name"`
	Config ClientSpec `json:"config"`
	Ref    Ref        `json:"ref"`
}

// AllowsGrant reports whether the client may use the given grant type. A
// client without an explicit list gets the authorization-code flow and
// refresh tokens.
func (c *Client) AllowsGrant(g GrantType) bool {
	if len(c.Config.GrantTypes) == 0 {
		return g == GrantAuthorizationCode || g == GrantRefreshToken
	}
	for _, allowed := range c.Config.GrantTypes {
		if allowed == g {
			return true
		}
	}
	return false
}

// MatchesRedirectURI reports whether the redirect target matches one of the
// client's allow-list patterns. Patterns are anchored regular expressions.
func (c *Client) MatchesRedirectURI(uri string) bool {
	return matchesAny(c.Config.RedirectURLs, uri)
}

// MatchesReferrer reports whether the referrer matches the client's referrer
// allow-list. An empty list allows everything.
func (c *Client) MatchesReferrer(referrer string) bool {
	if len(c.Config.Referrers) == 0 {
		return true
	}
	return matchesAny(c.Config.Referrers, referrer)
}

func matchesAny(patterns []string, value string) bool {
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			continue
		}
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// AllowedScopes intersects the requested scopes with the client's scope
// allow-list. Patterns may use "*" as a segment wildcard ("read.*"). A
// client without a scope list allows every requested scope.
func (c *Client) AllowedScopes(requested []string) []string {
	if len(c.Config.Scopes) == 0 {
		return requested
	}
	var granted []string
	for _, scope := range requested {
		for _, pattern := range c.Config.Scopes {
			if matchScope(pattern, scope) {
				granted = append(granted, scope)
				break
			}
		}
	}
	return granted
}

func matchScope(pattern, scope string) bool {
	if pattern == scope || pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	patternParts := strings.Split(pattern, ".")
	scopeParts := strings.Split(scope, ".")
	if len(patternParts) != len(scopeParts) {
		return false
	}
	for i, p := range patternParts {
		if p == "*" {
			continue
		}
		if p != scopeParts[i] {
			return false
		}
	}
	return true
}
