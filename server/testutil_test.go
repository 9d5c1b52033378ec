package server

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/pkg/log"
	"github.com/uitsmijter/uitsmijter/sandbox"
	"github.com/uitsmijter/uitsmijter/session"
	"github.com/uitsmijter/uitsmijter/tokens"
)

const (
	cheeseTenant = "cheese/cheese"
	toastTenant  = "toast/toast"

	spaIdent      = "143A3135-5DE2-46D4-828F-DDCF20C72060"
	webIdent      = "E942DF47-87A4-4C03-91B9-8A40B426B576"
	toastIdent    = "9A36CC53-06D1-4FCD-A262-9E38090D0108"
	pkceIdent     = "5B3B3B86-0AF6-4F62-95C2-C237BBA61F1E"
	secretIdent   = "C1F1DDE5-2A39-4B4A-9153-A4B2B1F2A967"
	passwordIdent = "74E1E7DA-B7DB-4DF2-82E3-1F3278C97174"
)

const testProvider = `
class UserValidationProvider {
	constructor(args) {
		commit(args.username.indexOf("@") > 0);
	}
	get isValid() { return true; }
}
class UserLoginProvider {
	constructor(credentials) {
		this.user = credentials.username;
		commit(credentials.password === "super-secret");
	}
	get canLogin() { return true; }
	get role() { return "customer"; }
	get userProfile() { return { name: this.user }; }
}
`

type harness struct {
	srv      *Server
	store    *entities.Store
	sessions session.Store
	tokens   *tokens.Service
}

func silent(v bool) *bool { return &v }

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	logger, err := log.New("error", "text")
	require.NoError(t, err)

	store := entities.NewStore(logger)
	require.True(t, store.InsertTenant(entities.Tenant{
		Name: cheeseTenant,
		Config: entities.TenantSpec{
			Hosts: []string{"id.example.com", "cookbooks.example.com"},
			Interceptor: &entities.InterceptorSpec{
				Enabled:      true,
				CookieDomain: "example.com",
			},
			Informations: &entities.TenantInformation{
				ImprintURL: "https://example.com/imprint",
				PrivacyURL: "https://example.com/privacy",
			},
			Providers: []entities.ProviderSpec{{Name: "main", Script: testProvider}},
		},
		Ref: entities.FileRef("/config/tenants/cheese.yaml"),
	}))
	require.True(t, store.InsertTenant(entities.Tenant{
		Name: toastTenant,
		Config: entities.TenantSpec{
			Hosts:     []string{"shop.example.org"},
			Providers: []entities.ProviderSpec{{Name: "main", Script: testProvider}},
		},
		Ref: entities.FileRef("/config/tenants/toast.yaml"),
	}))

	redirectPattern := `https?://api\.example\.com(:8080)?/?(.+)?`
	insert := func(name, ident, tenant string, mutateClient func(*entities.ClientSpec)) {
		spec := entities.ClientSpec{
			Ident:        ident,
			TenantName:   tenant,
			RedirectURLs: []string{redirectPattern},
			Scopes:       []string{"access", "read.*"},
		}
		if mutateClient != nil {
			mutateClient(&spec)
		}
		require.True(t, store.InsertClient(entities.Client{
			Name:   name,
			Config: spec,
			Ref:    entities.FileRef("/config/clients/" + name + ".yaml"),
		}))
	}
	insert("spa", spaIdent, cheeseTenant, nil)
	insert("web", webIdent, cheeseTenant, nil)
	insert("toast-shop", toastIdent, toastTenant, nil)
	insert("native", pkceIdent, cheeseTenant, func(spec *entities.ClientSpec) {
		spec.IsPKCEOnly = true
	})
	insert("backend", secretIdent, cheeseTenant, func(spec *entities.ClientSpec) {
		spec.Secret = "chaess8gieVuD1Ai"
	})
	insert("legacy", passwordIdent, cheeseTenant, func(spec *entities.ClientSpec) {
		spec.GrantTypes = []entities.GrantType{
			entities.GrantPassword,
			entities.GrantAuthorizationCode,
			entities.GrantRefreshToken,
		}
	})

	sessions := session.NewMemoryStore(logger)
	t.Cleanup(func() { sessions.Close() })

	key, err := tokens.GenerateKey()
	require.NoError(t, err)
	tokenService := tokens.NewService(key, tokens.Config{}, logger)

	cfg := Config{
		PublicDomain:       "login.example.com",
		Secure:             false,
		Entities:           store,
		Sessions:           sessions,
		Tokens:             tokenService,
		Sandbox:            sandbox.New(logger, 5*time.Second),
		Logger:             logger,
		PrometheusRegistry: prometheus.NewRegistry(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)

	return &harness{srv: srv, store: store, sessions: sessions, tokens: tokenService}
}

// payloadFor builds a payload as a login on the given domain would.
func (h *harness) payloadFor(clientName, tenant, subject, domain string) entities.Payload {
	return entities.Payload{
		Issuer:         "http://login.example.com",
		Subject:        subject,
		Audience:       entities.Audience{clientName},
		Tenant:         tenant,
		Responsibility: tokens.ResponsibilityFor(domain),
		Role:           "customer",
		User:           subject,
	}
}
