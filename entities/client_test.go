package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowsGrantDefaults(t *testing.T) {
	c := &Client{}
	assert.True(t, c.AllowsGrant(GrantAuthorizationCode))
	assert.True(t, c.AllowsGrant(GrantRefreshToken))
	assert.False(t, c.AllowsGrant(GrantPassword))
	assert.False(t, c.AllowsGrant(GrantInterceptor))

	c.Config.GrantTypes = []GrantType{GrantPassword}
	assert.True(t, c.AllowsGrant(GrantPassword))
	assert.False(t, c.AllowsGrant(GrantAuthorizationCode))
}

func TestMatchesRedirectURI(t *testing.T) {
	c := &Client{Config: ClientSpec{
		RedirectURLs: []string{`https?://api\.example\.com(:8080)?/?(.+)?`},
	}}
	assert.True(t, c.MatchesRedirectURI("https://api.example.com/"))
	assert.True(t, c.MatchesRedirectURI("http://api.example.com:8080/callback"))
	assert.False(t, c.MatchesRedirectURI("https://evil.example.org/"))
	assert.False(t, c.MatchesRedirectURI("https://api.example.com.evil.org/"))
}

func TestMatchesReferrer(t *testing.T) {
	open := &Client{}
	assert.True(t, open.MatchesReferrer("https://anything.example.com/"))

	restricted := &Client{Config: ClientSpec{Referrers: []string{`https://shop\.example\.com/.*`}}}
	assert.True(t, restricted.MatchesReferrer("https://shop.example.com/cart"))
	assert.False(t, restricted.MatchesReferrer("https://other.example.com/"))
}

func TestAllowedScopes(t *testing.T) {
	c := &Client{Config: ClientSpec{Scopes: []string{"access", "read.*"}}}

	assert.Equal(t, []string{"access"}, c.AllowedScopes([]string{"access", "admin"}))
	assert.Equal(t, []string{"read.orders"}, c.AllowedScopes([]string{"read.orders"}))
	assert.Empty(t, c.AllowedScopes([]string{"read.orders.items"}))

	unrestricted := &Client{}
	assert.Equal(t, []string{"whatever"}, unrestricted.AllowedScopes([]string{"whatever"}))
}

func TestProfileAccessors(t *testing.T) {
	p := &Profile{}
	err := p.UnmarshalJSON([]byte(`{"name":"u","age":3,"tags":["a","b"],"active":true,"extra":null}`))
	assert.NoError(t, err)

	assert.Equal(t, ProfileObject, p.Kind())

	name, err := p.StringField("name")
	assert.NoError(t, err)
	assert.Equal(t, "u", name)

	age, ok := mustField(p, "age").Number()
	assert.True(t, ok)
	assert.Equal(t, float64(3), age)

	tags, ok := mustField(p, "tags").Items()
	assert.True(t, ok)
	assert.Len(t, tags, 2)

	active, ok := mustField(p, "active").Bool()
	assert.True(t, ok)
	assert.True(t, active)

	assert.True(t, mustField(p, "extra").IsNull())

	out, err := p.MarshalJSON()
	assert.NoError(t, err)
	roundTrip := &Profile{}
	assert.NoError(t, roundTrip.UnmarshalJSON(out))
	assert.Equal(t, p.Value(), roundTrip.Value())
}

func mustField(p *Profile, name string) *Profile {
	f, _ := p.Field(name)
	return f
}
