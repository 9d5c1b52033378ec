package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/pkg/log"
	"github.com/uitsmijter/uitsmijter/session"
)

func newService(t *testing.T) *Service {
	t.Helper()
	logger, err := log.New("error", "text")
	require.NoError(t, err)
	key, err := GenerateKey()
	require.NoError(t, err)
	return NewService(key, Config{}, logger)
}

func payloadFor(tenant string) entities.Payload {
	return entities.Payload{
		Issuer:   "https://id.example.com",
		Subject:  "cee8Esh5@example.com",
		Audience: entities.Audience{"spa"},
		Tenant:   tenant,
		Role:     "customer",
		User:     "cee8Esh5@example.com",
	}
}

func TestBuildVerifyRoundTrip(t *testing.T) {
	s := newService(t)

	token, err := s.Build(payloadFor("cheese/cheese"), time.Hour)
	require.NoError(t, err)

	got, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "cee8Esh5@example.com", got.Subject)
	assert.Equal(t, "cheese/cheese", got.Tenant)
	assert.Equal(t, entities.Audience{"spa"}, got.Audience)
	assert.NotZero(t, got.AuthTime)
	assert.Equal(t, got.IssuedAt+3600, got.Expiry)
}

func TestVerifyExpired(t *testing.T) {
	s := newService(t)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := s.Build(payloadFor("cheese/cheese"), time.Hour)
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyForeignSignature(t *testing.T) {
	s := newService(t)
	other := newService(t)

	token, err := other.Build(payloadFor("cheese/cheese"), time.Hour)
	require.NoError(t, err)

	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshIssuesNewPair(t *testing.T) {
	s := newService(t)

	client := entities.Client{
		Name:   "spa",
		Config: entities.ClientSpec{Ident: "143A3135-5DE2-46D4-828F-DDCF20C72060", TenantName: "cheese/cheese"},
	}
	tenant := entities.Tenant{Name: "cheese/cheese"}
	payload := payloadFor("cheese/cheese")
	payload.AuthTime = time.Now().Add(-time.Hour).Unix()

	old := session.AuthSession{
		Type:        session.TypeRefresh,
		Code:        session.NewCode(),
		Payload:     &payload,
		ClientID:    client.Config.Ident,
		TTL:         600,
		GeneratedAt: time.Now(),
	}

	access, next, err := s.Refresh(old, client, tenant)
	require.NoError(t, err)
	assert.NotEmpty(t, access)
	assert.NotEqual(t, old.Code, next.Code)
	assert.Equal(t, session.TypeRefresh, next.Type)
	assert.Equal(t, int64(DefaultRefreshTTL/time.Second), next.TTL)

	got, err := s.Verify(access)
	require.NoError(t, err)
	assert.Equal(t, payload.AuthTime, got.AuthTime, "auth_time must survive a refresh")
	assert.Equal(t, entities.Audience{"spa"}, got.Audience)
}

func TestRefreshMismatches(t *testing.T) {
	s := newService(t)

	clientA := entities.Client{Name: "a", Config: entities.ClientSpec{Ident: "11111111-1111-1111-1111-111111111111", TenantName: "t1"}}
	clientB := entities.Client{Name: "b", Config: entities.ClientSpec{Ident: "22222222-2222-2222-2222-222222222222", TenantName: "t2"}}
	payload := payloadFor("t1")

	old := session.AuthSession{
		Type:        session.TypeRefresh,
		Code:        session.NewCode(),
		Payload:     &payload,
		ClientID:    clientA.Config.Ident,
		TTL:         600,
		GeneratedAt: time.Now(),
	}

	_, _, err := s.Refresh(old, clientB, entities.Tenant{Name: "t2"})
	assert.ErrorIs(t, err, ErrTenantMismatch)

	_, _, err = s.Refresh(old, clientB, entities.Tenant{Name: "t1"})
	assert.ErrorIs(t, err, ErrClientMismatch)
}

func TestJWKSContainsSigningKey(t *testing.T) {
	s := newService(t)

	jwks := s.JWKS()
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "RS256", jwks.Keys[0].Algorithm)
	assert.Equal(t, "sig", jwks.Keys[0].Use)
	assert.True(t, jwks.Keys[0].IsPublic())
}

func TestResponsibilityForIsCaseInsensitive(t *testing.T) {
	a := ResponsibilityFor("Cookbooks.Example.Com")
	b := ResponsibilityFor("cookbooks.example.com")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, ResponsibilityFor("id.example.com"))
}
