package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/auth"
)

// newTestVerifier writes a fresh public key to a temp PEM file and returns a
// Verifier loaded from it plus the matching private key.
func newTestVerifier(t *testing.T) (*auth.Verifier, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	v, err := auth.NewVerifier(path)
	require.NoError(t, err)
	return v, priv
}

func forgeToken(t *testing.T, priv ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()
	v, priv := newTestVerifier(t)
	project := uuid.New()

	token, exp, err := auth.NewSigner(priv).Issue("alice", auth.RoleWriter, []uuid.UUID{project}, time.Hour)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.CanWrite())
	assert.True(t, claims.CanAccess(project))
	assert.False(t, claims.CanAccess(uuid.New()))
}

func TestUnscopedReaderToken(t *testing.T) {
	t.Parallel()
	v, priv := newTestVerifier(t)

	token, _, err := auth.NewSigner(priv).Issue("bob", auth.RoleReader, nil, time.Hour)
	require.NoError(t, err)
	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.False(t, claims.CanWrite())
	assert.True(t, claims.CanAccess(uuid.New()), "empty projects claim grants every project")
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()
	v, priv := newTestVerifier(t)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Now().UTC()
	valid := func() auth.Claims {
		return auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "carol",
				Audience:  jwt.ClaimStrings{auth.Audience},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			Role: auth.RoleReader,
		}
	}

	tests := []struct {
		name    string
		key     ed25519.PrivateKey
		mutate  func(*auth.Claims)
		wantErr string
	}{
		{"wrong key", otherPriv, func(*auth.Claims) {}, "validate token"},
		{"wrong audience", priv, func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"billing-api"} }, "validate token"},
		{"expired", priv, func(c *auth.Claims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute)) }, "validate token"},
		{"no expiry", priv, func(c *auth.Claims) { c.ExpiresAt = nil }, "validate token"},
		{"no subject", priv, func(c *auth.Claims) { c.Subject = "" }, "no subject"},
		{"unknown role", priv, func(c *auth.Claims) { c.Role = "admin" }, "invalid role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(&c)
			_, err := v.Verify(forgeToken(t, tt.key, &c))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	t.Parallel()
	v, _ := newTestVerifier(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "mallory", "aud": auth.Audience, "role": "writer",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestNewVerifierErrors(t *testing.T) {
	t.Parallel()
	_, err := auth.NewVerifier(filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(path, []byte("not pem"), 0600))
	_, err = auth.NewVerifier(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode public key PEM")
}
