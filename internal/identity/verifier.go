// ABOUTME: Verifies envelope signatures against the sender's known key
// ABOUTME: Tracks (sender, id) pairs in a replay window to reject replays

package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-courier/internal/dedupe"
	"github.com/2389/coven-courier/internal/protocol"
)

const (
	// DefaultReplayWindow is how long a (sender, id) pair is remembered.
	DefaultReplayWindow = 10 * time.Minute

	// DefaultReplayCacheSize bounds the number of remembered pairs.
	DefaultReplayCacheSize = 10000

	// maxFutureSkew tolerates small clock differences between agents.
	maxFutureSkew = time.Minute
)

// ErrUnknownSender is returned by a KeyResolver that has no key for an agent.
var ErrUnknownSender = errors.New("unknown sender")

// UntrustedError marks a message that failed verification. Untrusted
// messages are quarantined, never delivered.
type UntrustedError struct {
	MessageID string
	From      string
	Reason    string
}

func (e *UntrustedError) Error() string {
	return fmt.Sprintf("untrusted message %s from %s: %s", e.MessageID, e.From, e.Reason)
}

// IsUntrusted reports whether err marks an untrusted message.
func IsUntrusted(err error) bool {
	var u *UntrustedError
	return errors.As(err, &u)
}

// KeyResolver returns the public key registered for an agent.
type KeyResolver interface {
	PublicKey(ctx context.Context, agentID string) (ssh.PublicKey, error)
}

// KeyRing is a static KeyResolver.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ssh.PublicKey
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ssh.PublicKey)}
}

// Add records the public key for agentID.
func (k *KeyRing) Add(agentID string, pubkey ssh.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[agentID] = pubkey
}

// PublicKey implements KeyResolver.
func (k *KeyRing) PublicKey(_ context.Context, agentID string) (ssh.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pk, ok := k.keys[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSender, agentID)
	}
	return pk, nil
}

// Verifier checks envelope signatures and rejects replays.
type Verifier struct {
	keys   KeyResolver
	window time.Duration
	replay *dedupe.Cache
	now    func() time.Time
}

// NewVerifier creates a Verifier with the given replay window.
func NewVerifier(keys KeyResolver, window time.Duration, cacheSize int) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if cacheSize <= 0 {
		cacheSize = DefaultReplayCacheSize
	}
	return &Verifier{
		keys:   keys,
		window: window,
		replay: dedupe.New(window, cacheSize),
		now:    time.Now,
	}
}

// Close releases the replay cache.
func (v *Verifier) Close() {
	v.replay.Close()
}

// VerifySignature checks that msg is well formed and signed by the key
// registered for msg.From. It does not consult the replay window, so it may
// be called repeatedly for the same message (e.g. when listing an inbox).
func (v *Verifier) VerifySignature(ctx context.Context, msg *protocol.SignedMessage) error {
	untrusted := func(format string, args ...any) error {
		return &UntrustedError{MessageID: msg.ID, From: msg.From, Reason: fmt.Sprintf(format, args...)}
	}

	if err := msg.Validate(); err != nil {
		return untrusted("malformed: %v", err)
	}
	if msg.Signature == "" {
		return untrusted("missing signature")
	}
	if msg.Timestamp.After(v.now().Add(maxFutureSkew)) {
		return untrusted("timestamp is in the future")
	}

	pubkey, err := v.keys.PublicKey(ctx, msg.From)
	if err != nil {
		if errors.Is(err, ErrUnknownSender) {
			return untrusted("no key for sender: %v", err)
		}
		// Lookup failures say nothing about the message; callers retry later
		return fmt.Errorf("resolving key for %s: %w", msg.From, err)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return untrusted("invalid signature encoding: %v", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return untrusted("invalid signature format: %v", err)
	}

	payload, err := msg.SigningBytes()
	if err != nil {
		return untrusted("cannot encode payload: %v", err)
	}
	if err := pubkey.Verify(payload, sig); err != nil {
		return untrusted("signature verification failed: %v", err)
	}
	return nil
}

// Verify checks the signature and records (From, ID) in the replay window.
// A pair already inside the window is rejected as a replay.
func (v *Verifier) Verify(ctx context.Context, msg *protocol.SignedMessage) error {
	if err := v.VerifySignature(ctx, msg); err != nil {
		return err
	}
	if v.replay.CheckAndMark(replayKey(msg)) {
		return &UntrustedError{MessageID: msg.ID, From: msg.From, Reason: "replayed message id"}
	}
	return nil
}

// CheckAge rejects an envelope older than the replay window. Once that old,
// its id may have left the window, so a live delivery of it cannot be told
// apart from a replay. Mail read from the inbox is exempt: acknowledging it
// deletes it.
func (v *Verifier) CheckAge(msg *protocol.SignedMessage) error {
	if v.now().Sub(msg.Timestamp) > v.window {
		return &UntrustedError{MessageID: msg.ID, From: msg.From, Reason: "timestamp is older than the replay window"}
	}
	return nil
}

// Forget removes msg from the replay window so a deferred message can be
// verified again on retry.
func (v *Verifier) Forget(msg *protocol.SignedMessage) {
	v.replay.Forget(replayKey(msg))
}

func replayKey(msg *protocol.SignedMessage) string {
	return msg.From + "|" + msg.ID
}
