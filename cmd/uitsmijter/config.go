package main

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// config is the full environment surface of the server.
type config struct {
	PublicDomain string `env:"PUBLIC_DOMAIN" envDefault:"localhost"`
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:"0.0.0.0:8080"`
	Secure       bool   `env:"SECURE" envDefault:"false"`

	CookieExpirationDays     int `env:"COOKIE_EXPIRATION_IN_DAYS" envDefault:"7"`
	TokenExpirationHours     int `env:"TOKEN_EXPIRATION_IN_HOURS" envDefault:"2"`
	TokenRefreshExpiryHours  int `env:"TOKEN_REFRESH_EXPIRATION_IN_HOURS" envDefault:"720"`

	SupportKubernetesCRD bool   `env:"SUPPORT_KUBERNETES_CRD" envDefault:"false"`
	ScopedKubernetesCRD  bool   `env:"SCOPED_KUBERNETES_CRD" envDefault:"false"`
	Namespace            string `env:"UITSMIJTER_NAMESPACE"`
	KubeConfig           string `env:"KUBECONFIG"`

	// AllowMissingProviders defaults to true outside release builds; a
	// tenant without provider scripts then accepts any credentials.
	AllowMissingProviders *bool `env:"ALLOW_MISSING_PROVIDERS"`
	Release               bool  `env:"RELEASE" envDefault:"false"`

	DisplayVersion bool `env:"DISPLAY_VERSION" envDefault:"false"`

	RedisHost     string `env:"REDIS_HOST"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	Directory string `env:"DIRECTORY" envDefault:"./config"`
	ViewsDir  string `env:"VIEWS_DIR" envDefault:"./views"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

func loadConfig() (config, error) {
	// A local .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	var c config
	if err := env.Parse(&c); err != nil {
		return c, err
	}
	return c, nil
}

func (c *config) allowMissingProviders() bool {
	if c.AllowMissingProviders != nil {
		return *c.AllowMissingProviders
	}
	return !c.Release
}

func (c *config) cookieExpiration() time.Duration {
	return time.Duration(c.CookieExpirationDays) * 24 * time.Hour
}

func (c *config) accessTTL() time.Duration {
	return time.Duration(c.TokenExpirationHours) * time.Hour
}

func (c *config) refreshTTL() time.Duration {
	return time.Duration(c.TokenRefreshExpiryHours) * time.Hour
}
