// Package grant issues and verifies short-lived capability grants that let a
// caller send to one conversation without an ownership lookup.
package grant

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/chatd/internal/metrics"
)

const (
	// HeaderName carries the grant on requests and responses.
	HeaderName = "x-chat-grant"

	// PermSend is the only permission a grant can carry.
	PermSend = "send"

	// TTL is the fixed lifetime of a grant.
	TTL = 15 * time.Minute

	issuer   = "chatd"
	audience = "chatd"
)

// ErrEmptySecret is returned when an Issuer is built without a signing secret.
var ErrEmptySecret = errors.New("grant secret is empty")

// Claims is the payload of a capability grant.
type Claims struct {
	ConversationID string `json:"cid"`
	Permission     string `json:"perm"`
	jwt.RegisteredClaims
}

// Holder returns the lowercase address the grant was issued to.
func (c *Claims) Holder() string {
	return c.Subject
}

// Issuer signs and verifies grants with a symmetric secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an Issuer for the given secret.
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	i := &Issuer{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue mints a send grant for holder on conversationID.
func (i *Issuer) Issue(conversationID, holder string) (string, error) {
	now := i.now()
	claims := Claims{
		ConversationID: conversationID,
		Permission:     PermSend,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(holder),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", err
	}
	metrics.GrantsIssued.Inc()
	return token, nil
}

// Verify checks signature, algorithm, issuer, audience, expiry and payload
// shape. Any failure yields false; callers fall back to an ownership lookup.
func (i *Issuer) Verify(token string) (*Claims, bool) {
	if token == "" {
		return nil, false
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || claims.Permission != PermSend || claims.ConversationID == "" || claims.Subject == "" {
		metrics.GrantVerifications.WithLabelValues("invalid").Inc()
		return nil, false
	}

	metrics.GrantVerifications.WithLabelValues("valid").Inc()
	return &claims, true
}

// Allows reports whether the grant covers holder sending to conversationID.
func (c *Claims) Allows(conversationID, holder string) bool {
	return c != nil &&
		c.ConversationID == conversationID &&
		strings.EqualFold(c.Subject, holder)
}
