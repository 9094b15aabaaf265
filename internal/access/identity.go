// Package access authenticates callers from bearer tokens and authorizes
// requests against the policy engine.
package access

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	User   string   `json:"user"`
	Roles  []string `json:"roles,omitempty"`
	Domain string   `json:"domain,omitempty"`
	Region string   `json:"region,omitempty"`
	Level  string   `json:"level,omitempty"`
}

// HasRole reports whether the identity carries any of roles.
func (id Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(id.Roles, r) {
			return true
		}
	}
	return false
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Claims is the token payload. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles,omitempty"`
	Domain string   `json:"domain,omitempty"`
	Region string   `json:"region,omitempty"`
	Level  string   `json:"level,omitempty"`
}

var (
	ErrMissingToken = errors.New("access: missing bearer token")
	ErrInvalidToken = errors.New("access: invalid token")
)

// Tokens signs and verifies HS256 tokens.
type Tokens struct {
	key []byte
	now func() time.Time
}

func NewTokens(key string) *Tokens {
	return &Tokens{key: []byte(key), now: time.Now}
}

// Issue signs a token for id valid for ttl.
func (t *Tokens) Issue(id Identity, ttl time.Duration) (string, error) {
	now := t.now()
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.User,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:  id.Roles,
		Domain: id.Domain,
		Region: id.Region,
		Level:  id.Level,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.key)
	return s, errors.Wrap(err, "sign token")
}

// Parse verifies raw and returns its identity.
func (t *Tokens) Parse(raw string) (Identity, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return t.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if c.Subject == "" {
		return Identity{}, errors.Wrap(ErrInvalidToken, "empty subject")
	}
	return Identity{User: c.Subject, Roles: c.Roles, Domain: c.Domain, Region: c.Region, Level: c.Level}, nil
}

// bearer extracts the token of an Authorization header value.
func bearer(h string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
