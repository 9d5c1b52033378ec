package entities

import "strings"

// TenantInformation holds the legally required links a tenant can configure
// for its login pages.
type TenantInformation struct {
	ImprintURL  string `json:"imprint_url,omitempty"`
	PrivacyURL  string `json:"privacy_url,omitempty"`
	RegisterURL string `json:"register_url,omitempty"`
}

// InterceptorSpec configures the reverse-proxy integration of a tenant.
type InterceptorSpec struct {
	Enabled      bool   `json:"enabled"`
	Domain       string `json:"domain,omitempty"`
	CookieDomain string `json:"cookie_domain,omitempty"`
}

// TemplateSpec points at the object-store location the tenant's UI templates
// are fetched from.
type TemplateSpec struct {
	Host        string `json:"host"`
	Bucket      string `json:"bucket"`
	Path        string `json:"path,omitempty"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Region      string `json:"region,omitempty"`
}

// ProviderSpec is one operator-supplied credential script. Scripts run in
// declaration order inside the sandbox.
type ProviderSpec struct {
	Name   string `json:"name,omitempty"`
	Script string `json:"script"`
}

// TenantSpec is the configurable part of a tenant, shared by the file and
// the Kubernetes resource schema.
type TenantSpec struct {
	Hosts        []string           `json:"hosts"`
	Informations *TenantInformation `json:"informations,omitempty"`
	Interceptor  *InterceptorSpec   `json:"interceptor,omitempty"`
	Templates    *TemplateSpec      `json:"templates,omitempty"`
	Providers    []ProviderSpec     `json:"providers,omitempty"`
	SilentLogin  *bool              `json:"silent_login,omitempty"`
}

// Tenant is the top level isolation unit. Identity is Name; for
// Kubernetes-sourced tenants the name has the form "namespace/name".
type Tenant struct {
	Name   string     `json:"name"`
	Config TenantSpec `json:"config"`
	Ref    Ref        `json:"ref"`
}

// SilentLoginEnabled reports whether an existing cookie of this tenant may
// satisfy an authorize request from another client. Defaults to true.
func (t *Tenant) SilentLoginEnabled() bool {
	if t.Config.SilentLogin == nil {
		return true
	}
	return *t.Config.SilentLogin
}

// InterceptorEnabled reports whether the tenant accepts interceptor-mode
// requests.
func (t *Tenant) InterceptorEnabled() bool {
	return t.Config.Interceptor != nil && t.Config.Interceptor.Enabled
}

// CookieDomain returns the domain the SSO cookie should be scoped to for
// this tenant, falling back to the given responsible domain.
func (t *Tenant) CookieDomain(responsibleDomain string) string {
	if t.Config.Interceptor != nil && t.Config.Interceptor.CookieDomain != "" {
		return t.Config.Interceptor.CookieDomain
	}
	return responsibleDomain
}

// Slug returns the tenant name in a filesystem-safe form; the namespace
// separator of Kubernetes-sourced names becomes a dash.
func (t *Tenant) Slug() string {
	return strings.ReplaceAll(t.Name, "/", "-")
}

// MatchesHost reports whether the given host is one of the tenant's hosts.
// Exact entries are tried first, then wildcard entries where "*" stands for
// exactly one label: "*.example.com" matches "id.example.com" but not
// "a.b.example.com".
func (t *Tenant) MatchesHost(host string) bool {
	host = strings.ToLower(stripPort(host))
	for _, h := range t.Config.Hosts {
		if strings.ToLower(h) == host {
			return true
		}
	}
	for _, h := range t.Config.Hosts {
		if matchWildcardHost(strings.ToLower(h), host) {
			return true
		}
	}
	return false
}

func matchWildcardHost(pattern, host string) bool {
	if !strings.Contains(pattern, "*") {
		return false
	}
	patternLabels := strings.Split(pattern, ".")
	hostLabels := strings.Split(host, ".")
	if len(patternLabels) != len(hostLabels) {
		return false
	}
	for i, p := range patternLabels {
		if p == "*" {
			continue
		}
		if p != hostLabels[i] {
			return false
		}
	}
	return true
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i+1:], "]") {
		// Leave IPv6 literals without port untouched.
		if !strings.Contains(host, "]") || strings.HasSuffix(host[:i], "]") {
			return host[:i]
		}
	}
	return host
}
