// genkey generates an Ed25519 key pair for CortexLab bearer tokens and can
// mint a token signed with it.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey                                  # write key pair
//	go run ./scripts/genkey -token -subject alice -role writer -projects <uuid>,<uuid>
//
// Writes:
//
//	data/jwt_private.pem  (mode 0600, keep this secret)
//	data/jwt_public.pem   (mode 0600, point CORTEXLAB_JWT_PUBLIC_KEY here)
//
// The server only reads the public key. Existing keys are never overwritten.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/cortexlab/internal/auth"
)

func main() {
	var (
		dir      = flag.String("dir", "data", "directory holding the key pair")
		mint     = flag.Bool("token", false, "mint a token with the existing private key")
		subject  = flag.String("subject", "", "token subject")
		role     = flag.String("role", string(auth.RoleReader), "token role: reader or writer")
		projects = flag.String("projects", "", "comma-separated project IDs; empty grants all projects")
		ttl      = flag.Duration("ttl", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	privPath := filepath.Join(*dir, "jwt_private.pem")
	pubPath := filepath.Join(*dir, "jwt_public.pem")

	var err error
	if *mint {
		err = mintToken(privPath, *subject, auth.Role(*role), *projects, *ttl)
	} else {
		err = writeKeys(*dir, privPath, pubPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func writeKeys(dir, privPath, pubPath string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	// Refuse to overwrite existing keys; rotating invalidates every live token.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, delete it first if you want to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func mintToken(privPath, subject string, role auth.Role, projects string, ttl time.Duration) error {
	if subject == "" {
		return errors.New("-subject is required")
	}
	data, err := os.ReadFile(privPath) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return errors.New("decode private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return errors.New("private key is not Ed25519")
	}

	var scope []uuid.UUID
	for _, s := range strings.Split(projects, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid project id %q: %w", s, err)
		}
		scope = append(scope, id)
	}

	token, exp, err := auth.NewSigner(priv).Issue(subject, role, scope, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	fmt.Println(token)
	return nil
}
