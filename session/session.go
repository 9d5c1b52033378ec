// Package session holds the short-lived state of the OAuth flows: single-use
// authorization codes, refresh sessions and the ephemeral login sessions that
// bind a rendered login form to its POST.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/uitsmijter/uitsmijter/entities"
)

var (
	// ErrCodeTaken is returned by Set if the (type, code) pair exists.
	ErrCodeTaken = errors.New("code already taken")

	// ErrNotFound is returned when a session cannot be found or is expired.
	ErrNotFound = errors.New("session not found")
)

// Type discriminates authorization codes from refresh sessions.
type Type string

const (
	TypeCode    Type = "code"
	TypeRefresh Type = "refresh"
)

// AuthSession carries an authorization code or refresh token together with
// the payload it was issued for. Sessions are keyed by (Type, Code) and are
// single use: Get with remove atomically returns and deletes.
type AuthSession struct {
	Type        Type              `json:"type"`
	State       string            `json:"state,omitempty"`
	Code        string            `json:"code"`
	Scopes      []string          `json:"scopes,omitempty"`
	Payload     *entities.Payload `json:"payload,omitempty"`
	RedirectURI string            `json:"redirect_uri,omitempty"`

	// ClientID is the ident of the client the session was issued to.
	ClientID string `json:"client_id,omitempty"`

	// PKCE challenge recorded at authorization time, verified on exchange.
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// TTL in seconds, counted from GeneratedAt.
	TTL         int64     `json:"ttl"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ExpiresAt is the absolute expiry of the session.
func (s *AuthSession) ExpiresAt() time.Time {
	return s.GeneratedAt.Add(time.Duration(s.TTL) * time.Second)
}

// LoginSessionTTL bounds how long a rendered login form may be submitted.
const LoginSessionTTL = 2 * time.Hour

// LoginSession binds a displayed login form to the POST that follows it.
type LoginSession struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the session store shared by all OAuth handlers. Implementations
// must make Set-then-Get observe the value and Get(remove) single use.
type Store interface {
	// Set stores a session, failing with ErrCodeTaken when the key exists.
	Set(ctx context.Context, s AuthSession) error
	// Get returns the session; with remove it atomically deletes it.
	Get(ctx context.Context, typ Type, code string, remove bool) (AuthSession, error)
	// Delete removes a session. Removing a missing session is an error.
	Delete(ctx context.Context, typ Type, code string) error

	// Push stores a login session; Pull consumes it, reporting existence.
	Push(ctx context.Context, ls LoginSession) error
	Pull(ctx context.Context, id string) (bool, error)

	// Wipe removes every session of the given tenant and subject.
	Wipe(ctx context.Context, tenant, subject string) error

	Count(ctx context.Context) (int, error)
	CountForTenant(ctx context.Context, tenant string, typ Type) (int, error)
	CountForClient(ctx context.Context, clientName string, typ Type) (int, error)

	IsHealthy(ctx context.Context) bool
	Close() error
}

const (
	codeLength   = 16
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewCode returns a 16 char alphanumeric cryptographically secure
// authorization code.
func NewCode() string {
	v := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := 0; i < codeLength; i++ {
		c, err := rand.Int(rand.Reader, v)
		if err != nil {
			panic(err)
		}
		buf[i] = codeAlphabet[c.Int64()]
	}
	return string(buf)
}
