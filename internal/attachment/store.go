// ABOUTME: Content-addressed blob store for message attachments
// ABOUTME: Small attachments travel inline; larger ones are stored by SHA-256 and re-verified on read

package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-courier/internal/protocol"
)

// DefaultInlineThreshold is the largest attachment carried inside the envelope.
const DefaultInlineThreshold = 4 * 1024

var (
	// ErrHashMismatch is returned when attachment bytes do not match the ref hash.
	ErrHashMismatch = errors.New("attachment hash mismatch")

	// ErrSizeMismatch is returned when the byte count does not match the ref size.
	ErrSizeMismatch = errors.New("attachment size mismatch")
)

// Store keeps attachment blobs under root/<hash[:2]>/<hash>.
type Store struct {
	root            string
	inlineThreshold int
}

// New creates a store rooted at dir. A non-positive threshold uses the default.
func New(dir string, inlineThreshold int) *Store {
	if inlineThreshold <= 0 {
		inlineThreshold = DefaultInlineThreshold
	}
	return &Store{root: dir, inlineThreshold: inlineThreshold}
}

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Build creates a ref for data, writing it to the store when it is too large
// to inline.
func (s *Store) Build(name, mimeType string, data []byte) (protocol.AttachmentRef, error) {
	ref := protocol.AttachmentRef{
		Name: name,
		Hash: Hash(data),
		Size: int64(len(data)),
		Type: mimeType,
	}
	if len(data) <= s.inlineThreshold {
		ref.Data = append([]byte(nil), data...)
		return ref, nil
	}

	rel, err := s.put(ref.Hash, data)
	if err != nil {
		return protocol.AttachmentRef{}, err
	}
	ref.Path = rel
	return ref, nil
}

func (s *Store) put(hash string, data []byte) (string, error) {
	rel := filepath.Join(hash[:2], hash)
	full := filepath.Join(s.root, rel)

	// Same hash means same bytes
	if _, err := os.Stat(full); err == nil {
		return rel, nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("creating attachment directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("creating attachment temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing attachment: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("storing attachment: %w", err)
	}
	return rel, nil
}

// Read returns the attachment bytes after checking size and hash.
func (s *Store) Read(ref protocol.AttachmentRef) ([]byte, error) {
	var data []byte
	if ref.Inline() {
		data = ref.Data
	} else {
		clean := filepath.Clean(ref.Path)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return nil, fmt.Errorf("attachment %s: path escapes store: %s", ref.Name, ref.Path)
		}
		var err error
		data, err = os.ReadFile(filepath.Join(s.root, clean))
		if err != nil {
			return nil, fmt.Errorf("reading attachment %s: %w", ref.Name, err)
		}
	}

	if int64(len(data)) != ref.Size {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, ref.Name, len(data), ref.Size)
	}
	if Hash(data) != ref.Hash {
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, ref.Name)
	}
	return data, nil
}

// VerifyAll checks every attachment of msg.
func (s *Store) VerifyAll(msg *protocol.SignedMessage) error {
	for _, ref := range msg.Attachments {
		if _, err := s.Read(ref); err != nil {
			return err
		}
	}
	return nil
}
