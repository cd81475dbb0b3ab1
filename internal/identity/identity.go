// ABOUTME: Agent identity and envelope signing with the agent's SSH signer
// ABOUTME: One immutable Identity per running agent process

package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-courier/internal/protocol"
)

// Identity describes a running agent. It is immutable once created.
type Identity struct {
	ID                   string
	Role                 string
	Capabilities         []string
	PublicKey            string // authorized_keys format
	PublicKeyFingerprint string
}

// NewIdentity derives an identity from the agent's signer.
func NewIdentity(id, role string, capabilities []string, signer ssh.Signer) Identity {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	return Identity{
		ID:                   id,
		Role:                 role,
		Capabilities:         caps,
		PublicKey:            AuthorizedKey(signer.PublicKey()),
		PublicKeyFingerprint: ComputeFingerprint(signer.PublicKey()),
	}
}

// HasCapabilities reports whether have is a superset of want.
func HasCapabilities(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

// Signer signs envelopes on behalf of one agent.
type Signer struct {
	agentID string
	key     ssh.Signer
}

// NewSigner creates a Signer for agentID.
func NewSigner(agentID string, key ssh.Signer) *Signer {
	return &Signer{agentID: agentID, key: key}
}

// AgentID returns the agent the signer acts for.
func (s *Signer) AgentID() string { return s.agentID }

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ssh.PublicKey { return s.key.PublicKey() }

// Sign fills msg.Signature. The envelope's From must be the signer's agent.
func (s *Signer) Sign(msg *protocol.SignedMessage) error {
	if msg.From != s.agentID {
		return fmt.Errorf("signer for %s cannot sign message from %s", s.agentID, msg.From)
	}
	payload, err := msg.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := s.key.Sign(rand.Reader, payload)
	if err != nil {
		return fmt.Errorf("signing message %s: %w", msg.ID, err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(ssh.Marshal(sig))
	return nil
}
