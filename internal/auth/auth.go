// Package auth verifies externally issued bearer tokens for CortexLab.
//
// Tokens are Ed25519 (EdDSA) JWTs with audience "cortexlab". The server only
// holds the public key; Signer exists for local tooling that mints tokens.
package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Audience is the required aud claim.
const Audience = "cortexlab"

// Role grants read-only or read-write access.
type Role string

const (
	RoleReader Role = "reader"
	RoleWriter Role = "writer"
)

// Claims extends jwt.RegisteredClaims with project scoping.
type Claims struct {
	jwt.RegisteredClaims
	// Projects limits the token to these projects. Empty means all projects.
	Projects []uuid.UUID `json:"projects,omitempty"`
	Role     Role        `json:"role"`
}

// CanAccess reports whether the token may touch the given project.
func (c *Claims) CanAccess(projectID uuid.UUID) bool {
	return len(c.Projects) == 0 || slices.Contains(c.Projects, projectID)
}

// CanWrite reports whether the token may start runs or change state.
func (c *Claims) CanWrite() bool { return c.Role == RoleWriter }

// Verifier validates tokens against a single Ed25519 public key.
type Verifier struct {
	publicKey ed25519.PublicKey
	now       func() time.Time
}

// NewVerifier loads the public key from a PEM file (PKIX).
func NewVerifier(publicKeyPath string) (*Verifier, error) {
	data, err := os.ReadFile(publicKeyPath) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return NewVerifierFromKey(pub), nil
}

// NewVerifierFromKey wraps an in-memory public key.
func NewVerifierFromKey(pub ed25519.PublicKey) *Verifier {
	return &Verifier{publicKey: pub, now: time.Now}
}

// Verify parses and validates a token, returning its claims.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return v.publicKey, nil
		},
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}
	switch claims.Role {
	case RoleReader, RoleWriter:
	default:
		return nil, fmt.Errorf("auth: invalid role: %q", claims.Role)
	}
	return claims, nil
}

// Signer mints tokens. It is used by key tooling and tests, never by the server.
type Signer struct {
	privateKey ed25519.PrivateKey
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{privateKey: priv}
}

// Issue signs a token for subject with the given role and project scope.
func (s *Signer) Issue(subject string, role Role, projects []uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Projects: projects,
		Role:     role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}
