// ABOUTME: Loads or generates an agent's ed25519 key as an OpenSSH private key file
// ABOUTME: Computes SHA256 fingerprints and parses authorized-key public keys

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// LoadOrGenerateKey loads an OpenSSH private key from path, or generates an
// ed25519 key and writes it there (mode 0600) when the file does not exist.
func LoadOrGenerateKey(path, comment string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing key file %s: %w", path, err)
		}
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}

	signer, pemBytes, err := GenerateKey(comment)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, fmt.Errorf("writing key file %s: %w", path, err)
	}
	return signer, nil
}

// GenerateKey creates a new ed25519 signer and its PEM-encoded private key.
func GenerateKey(comment string) (ssh.Signer, []byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding private key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("creating signer: %w", err)
	}
	return signer, pem.EncodeToMemory(block), nil
}

// ComputeFingerprint returns the lowercase hex SHA256 of the key's wire format.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// AuthorizedKey renders a public key in authorized_keys format without the
// trailing newline.
func AuthorizedKey(pubkey ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pubkey)))
}

// ParsePublicKey parses an authorized_keys formatted public key.
func ParsePublicKey(authorizedKey string) (ssh.PublicKey, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pubkey, nil
}
