// Package tokens builds, signs, verifies and refreshes the access tokens of
// the authorization server.
package tokens

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/pkg/log"
	"github.com/uitsmijter/uitsmijter/session"
)

var (
	// ErrExpired is returned by Verify for structurally valid but expired
	// tokens.
	ErrExpired = errors.New("token expired")

	// ErrInvalidToken is returned for tokens that fail parsing or signature
	// verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTenantMismatch is returned by Refresh when the session belongs to
	// another tenant.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrClientMismatch is returned by Refresh when the session was issued
	// to another client.
	ErrClientMismatch = errors.New("client mismatch")
)

const (
	// DefaultAccessTTL is the access token lifetime.
	DefaultAccessTTL = 2 * time.Hour

	// DefaultRefreshTTL is the refresh session lifetime.
	DefaultRefreshTTL = 720 * time.Hour
)

// Config carries the token lifetimes.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Service signs and verifies payloads with a single RSA key.
type Service struct {
	signingKey *rsa.PrivateKey
	keyID      string

	accessTTL  time.Duration
	refreshTTL time.Duration

	now    func() time.Time
	logger log.Logger
}

// GenerateKey creates a fresh RSA signing key.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// NewService returns a token service using the given signing key.
func NewService(key *rsa.PrivateKey, cfg Config, logger log.Logger) *Service {
	accessTTL := cfg.AccessTTL
	if accessTTL == 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL == 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &Service{
		signingKey: key,
		keyID:      uuid.NewString(),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		logger:     logger,
	}
}

// AccessTTL is the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL is the configured refresh session lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Build signs the payload. Expiry is set to now+ttl; AuthTime is set to now
// when the payload does not already carry one, so a refresh keeps the
// original authentication time.
func (s *Service) Build(payload entities.Payload, ttl time.Duration) (string, error) {
	now := s.now()
	payload.IssuedAt = now.Unix()
	payload.Expiry = now.Add(ttl).Unix()
	if payload.AuthTime == 0 {
		payload.AuthTime = now.Unix()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("could not serialize claims: %v", err)
	}

	signingKey := jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       &jose.JSONWebKey{Key: s.signingKey, KeyID: s.keyID},
	}
	signer, err := jose.NewSigner(signingKey, &jose.SignerOptions{})
	if err != nil {
		return "", fmt.Errorf("new signer: %v", err)
	}
	signature, err := signer.Sign(body)
	if err != nil {
		return "", fmt.Errorf("signing payload: %v", err)
	}
	return signature.CompactSerialize()
}

// Verify checks the signature and expiry of a token and returns its payload.
func (s *Service) Verify(token string) (*entities.Payload, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, ErrInvalidToken
	}
	body, err := jws.Verify(&s.signingKey.PublicKey)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload entities.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if s.now().Unix() >= payload.Expiry {
		return nil, ErrExpired
	}
	return &payload, nil
}

// Refresh consumes an already-removed refresh session and issues a new
// access token plus the successor refresh session. The caller persists the
// returned session and is responsible for having removed the old one.
func (s *Service) Refresh(old session.AuthSession, client entities.Client, tenant entities.Tenant) (string, session.AuthSession, error) {
	if old.Payload == nil || old.Payload.Tenant != tenant.Name {
		return "", session.AuthSession{}, ErrTenantMismatch
	}
	if old.ClientID != "" && old.ClientID != client.Config.Ident {
		return "", session.AuthSession{}, ErrClientMismatch
	}

	payload := *old.Payload
	payload.Audience = entities.Audience{client.Name}
	access, err := s.Build(payload, s.accessTTL)
	if err != nil {
		return "", session.AuthSession{}, err
	}

	next := session.AuthSession{
		Type:        session.TypeRefresh,
		State:       old.State,
		Code:        session.NewCode(),
		Scopes:      old.Scopes,
		Payload:     &payload,
		RedirectURI: old.RedirectURI,
		ClientID:    client.Config.Ident,
		TTL:         int64(s.refreshTTL / time.Second),
		GeneratedAt: s.now(),
	}
	return access, next, nil
}

// JWKS returns the public key set served at /.well-known/jwks.json.
func (s *Service) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &s.signingKey.PublicKey,
			KeyID:     s.keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	}
}

// ResponsibilityFor hashes the domain a payload is bound to. The hash is
// stored in the responsibility claim and compared on every request.
func ResponsibilityFor(domain string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(domain)))
	return hex.EncodeToString(sum[:])
}
