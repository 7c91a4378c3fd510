package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatd/internal/config"
	"github.com/ashureev/chatd/internal/domain"
)

const testAddress = "0xAbCdEf0123456789abcdef0123456789ABCDEF01"

func TestNormalizeAddress(t *testing.T) {
	got, ok := NormalizeAddress("  " + testAddress + " ")
	require.True(t, ok)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", got)

	for _, bad := range []string{"", "0x123", "abcdef0123456789abcdef0123456789abcdef0101", "0xZZcdef0123456789abcdef0123456789abcdef01"} {
		_, ok := NormalizeAddress(bad)
		assert.False(t, ok, bad)
	}

	assert.True(t, SameAddress(testAddress, "0xabcdef0123456789abcdef0123456789abcdef01"))
	assert.False(t, SameAddress(testAddress, "nope"))
}

// echoUser responds with the caller stored by the middleware.
func echoUser(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		require.True(t, ok)
		_ = json.NewEncoder(w).Encode(user)
	})
}

func serve(t *testing.T, a *Authenticator, req *http.Request) (*httptest.ResponseRecorder, domain.ChatUser) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.Middleware(echoUser(t)).ServeHTTP(rec, req)

	var user domain.ChatUser
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	}
	return rec, user
}

func TestSelfHostedMiddleware(t *testing.T) {
	a, err := New(config.AuthConfig{SelfHosted: true, SharedSecret: "s3cret", DefaultAddress: testAddress}, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		headers  map[string]string
		wantCode int
		wantAddr string
	}{
		{"missing secret", nil, http.StatusUnauthorized, ""},
		{"wrong secret", map[string]string{AuthHeader: "nope"}, http.StatusUnauthorized, ""},
		{"default address", map[string]string{AuthHeader: "s3cret"}, http.StatusOK, "0xabcdef0123456789abcdef0123456789abcdef01"},
		{"header address", map[string]string{AuthHeader: "s3cret", UserHeader: "0x1111111111111111111111111111111111111111"}, http.StatusOK, "0x1111111111111111111111111111111111111111"},
		{"bad header address", map[string]string{AuthHeader: "s3cret", UserHeader: "bob"}, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec, user := serve(t, a, req)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantAddr, user.Address)
		})
	}
}

func TestSelfHostedCarriesGeoHeaders(t *testing.T) {
	a, err := New(config.AuthConfig{SelfHosted: true, DefaultAddress: testAddress}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("city", "Lisbon")
	req.Header.Set("country", "PT")
	req.Header.Set("country-region", "11")
	req.Header.Set("user-agent", "test-agent")

	rec, user := serve(t, a, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Lisbon", user.City)
	assert.Equal(t, "PT", user.Country)
	assert.Equal(t, "11", user.CountryRegion)
	assert.Equal(t, "test-agent", user.UserAgent)
}

type privyFixture struct {
	key *ecdsa.PrivateKey
	pem string
}

func newPrivyFixture(t *testing.T) privyFixture {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return privyFixture{
		key: key,
		pem: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	}
}

func (f privyFixture) token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(f.key)
	require.NoError(t, err)
	return s
}

func validPrivyClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":             "privy.io",
		"aud":             "app-123",
		"sub":             "did:privy:abc",
		"exp":             time.Now().Add(time.Hour).Unix(),
		"linked_accounts": `[{"type":"email","address":"a@b.c"},{"type":"wallet","address":"` + testAddress + `"}]`,
	}
}

func TestPrivyMiddleware(t *testing.T) {
	f := newPrivyFixture(t)
	a, err := New(config.AuthConfig{PrivyAppID: "app-123", PrivyVerificationKey: f.pem}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(PrivyTokenHeader, `"`+f.token(t, validPrivyClaims())+`"`)
	rec, user := serve(t, a, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", user.Address)
}

func TestPrivyMiddlewareRejects(t *testing.T) {
	f := newPrivyFixture(t)
	other := newPrivyFixture(t)
	a, err := New(config.AuthConfig{PrivyAppID: "app-123", PrivyVerificationKey: f.pem}, nil)
	require.NoError(t, err)

	mutate := func(fn func(jwt.MapClaims)) jwt.MapClaims {
		c := validPrivyClaims()
		fn(c)
		return c
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"wrong key", other.token(t, validPrivyClaims())},
		{"wrong audience", f.token(t, mutate(func(c jwt.MapClaims) { c["aud"] = "other-app" }))},
		{"wrong issuer", f.token(t, mutate(func(c jwt.MapClaims) { c["iss"] = "evil.io" }))},
		{"expired", f.token(t, mutate(func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }))},
		{"no wallet", f.token(t, mutate(func(c jwt.MapClaims) { c["linked_accounts"] = `[{"type":"email","address":"a@b.c"}]` }))},
		{"no subject", f.token(t, mutate(func(c jwt.MapClaims) { delete(c, "sub") }))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.token != "" {
				req.Header.Set(PrivyTokenHeader, tt.token)
			}
			rec, _ := serve(t, a, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
		})
	}
}

func TestPrivyLinkedAccountsAsArray(t *testing.T) {
	accounts, err := decodeLinkedAccounts(json.RawMessage(`[{"type":"ethereum","address":"0xabc"}]`))
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "ethereum", accounts[0].Type)
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New(config.AuthConfig{PrivyVerificationKey: "not a pem"}, nil)
	assert.Error(t, err)
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", IPFromRequest(req))
	req.RemoteAddr = "weird"
	assert.Equal(t, "weird", IPFromRequest(req))
}
