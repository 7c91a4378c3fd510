// Package identity authenticates chat callers and carries them on the request context.
package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/chatd/internal/config"
	"github.com/ashureev/chatd/internal/domain"
)

const (
	PrivyTokenHeader = "privy-id-token"
	AuthHeader       = "x-chat-auth"
	UserHeader       = "x-chat-user"

	privyIssuer = "privy.io"
)

type contextKey int

const userKey contextKey = iota

var errNoWallet = errors.New("identity token has no linked wallet")

// UserFromContext extracts the authenticated caller from the request context.
func UserFromContext(ctx context.Context) (domain.ChatUser, bool) {
	u, ok := ctx.Value(userKey).(domain.ChatUser)
	return u, ok
}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user domain.ChatUser) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// Authenticator resolves the caller either from a shared secret (self-hosted)
// or from a Privy identity token.
type Authenticator struct {
	cfg      config.AuthConfig
	privyKey *ecdsa.PublicKey
	logger   *slog.Logger
}

// New creates an Authenticator. A configured verification key must parse as
// an ES256 public key in PEM form.
func New(cfg config.AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{cfg: cfg, logger: logger}

	if cfg.PrivyVerificationKey != "" {
		key, err := jwt.ParseECPublicKeyFromPEM([]byte(strings.ReplaceAll(cfg.PrivyVerificationKey, `\n`, "\n")))
		if err != nil {
			return nil, fmt.Errorf("parse privy verification key: %w", err)
		}
		a.privyKey = key
	}
	return a, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the caller
// on the context for downstream handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			address string
			reason  string
		)
		if a.cfg.SelfHosted {
			address, reason = a.selfHostedAddress(r)
		} else {
			address, reason = a.privyAddress(r)
		}
		if reason != "" {
			writeUnauthorized(w, reason)
			return
		}

		user := domain.ChatUser{
			Address:       address,
			City:          r.Header.Get("city"),
			Country:       r.Header.Get("country"),
			CountryRegion: r.Header.Get("country-region"),
			UserAgent:     r.Header.Get("user-agent"),
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (a *Authenticator) selfHostedAddress(r *http.Request) (string, string) {
	if a.cfg.SharedSecret != "" {
		got := r.Header.Get(AuthHeader)
		if got == "" {
			return "", "Missing chat auth"
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.SharedSecret)) != 1 {
			return "", "Invalid chat auth"
		}
	}

	raw := r.Header.Get(UserHeader)
	if raw == "" {
		raw = a.cfg.DefaultAddress
	}
	address, ok := NormalizeAddress(raw)
	if !ok {
		return "", "Missing chat user"
	}
	return address, ""
}

func (a *Authenticator) privyAddress(r *http.Request) (string, string) {
	token := strings.ReplaceAll(r.Header.Get(PrivyTokenHeader), `"`, "")
	if token == "" {
		return "", "Missing privy id token"
	}

	raw, err := a.addressFromToken(token)
	if err != nil {
		a.logger.Debug("identity token rejected", "error", err)
		return "", "Invalid chat user"
	}
	address, ok := NormalizeAddress(raw)
	if !ok {
		return "", "Invalid chat user"
	}
	return address, ""
}

type privyClaims struct {
	LinkedAccounts json.RawMessage `json:"linked_accounts"`
	jwt.RegisteredClaims
}

type linkedAccount struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

func (a *Authenticator) addressFromToken(token string) (string, error) {
	if a.privyKey == nil {
		return "", errors.New("privy verification key is not configured")
	}

	var claims privyClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return a.privyKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(privyIssuer),
		jwt.WithAudience(a.cfg.PrivyAppID),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" || len(claims.LinkedAccounts) == 0 {
		return "", errNoWallet
	}

	accounts, err := decodeLinkedAccounts(claims.LinkedAccounts)
	if err != nil {
		return "", err
	}
	for _, acc := range accounts {
		if acc.Address != "" && (acc.Type == "wallet" || acc.Type == "ethereum") {
			return strings.ToLower(acc.Address), nil
		}
	}
	return "", errNoWallet
}

// decodeLinkedAccounts accepts the claim either as a JSON array or as a
// string holding one.
func decodeLinkedAccounts(raw json.RawMessage) ([]linkedAccount, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode linked_accounts: %w", err)
		}
		raw = json.RawMessage(s)
	}
	var accounts []linkedAccount
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("decode linked_accounts: %w", err)
	}
	return accounts, nil
}

func writeUnauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
