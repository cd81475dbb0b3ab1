// ABOUTME: Durable per-agent mailbox, one JSON file per pending message
// ABOUTME: Writes are atomic (temp file + rename); bad signatures are quarantined on read

package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-courier/internal/identity"
	"github.com/2389/coven-courier/internal/protocol"
)

const (
	pendingDir    = "pending"
	quarantineDir = "quarantine"
	recordExt     = ".json"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("inbox record not found")

	// ErrInvalidName is returned for agent or message ids unusable as file names.
	ErrInvalidName = errors.New("invalid inbox name")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// SignatureVerifier checks an envelope signature without side effects.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, msg *protocol.SignedMessage) error
}

// QuarantineRecord is a message set aside for manual inspection.
type QuarantineRecord struct {
	protocol.InboxMessage
	Reason        string    `json:"reason"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Store is the file-backed inbox. Each agent's authoritative mailbox lives
// under root/<agentID>.
type Store struct {
	root     string
	verifier SignatureVerifier
	logger   *slog.Logger

	// serialises read-modify-write of records within this process
	mu  sync.Mutex
	now func() time.Time
}

// New creates an inbox store. A nil verifier disables signature checks on read.
func New(root string, verifier SignatureVerifier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:     root,
		verifier: verifier,
		logger:   logger.With("component", "inbox"),
		now:      time.Now,
	}
}

// Root returns the inbox root directory.
func (s *Store) Root() string { return s.root }

func checkName(kind, name string) error {
	if name == "." || name == ".." || !validName.MatchString(name) {
		return fmt.Errorf("%w: %s %q", ErrInvalidName, kind, name)
	}
	return nil
}

func (s *Store) dir(agentID, sub string) string {
	return filepath.Join(s.root, agentID, sub)
}

func (s *Store) pendingPath(agentID, id string) string {
	return filepath.Join(s.dir(agentID, pendingDir), id+recordExt)
}

// QueueMessage durably stores msg in agentID's pending mailbox. Queueing an
// id that is already pending is a no-op.
func (s *Store) QueueMessage(agentID string, msg *protocol.SignedMessage) error {
	if err := checkName("agent", agentID); err != nil {
		return err
	}
	if err := checkName("message", msg.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pendingPath(agentID, msg.ID)
	if _, err := os.Stat(path); err == nil {
		s.logger.Debug("message already queued", "agent_id", agentID, "message_id", msg.ID)
		return nil
	}

	rec := protocol.InboxMessage{
		Message:  msg,
		QueuedAt: s.now().UTC(),
	}
	if err := writeJSONAtomic(path, rec); err != nil {
		return fmt.Errorf("queueing message %s for %s: %w", msg.ID, agentID, err)
	}
	return nil
}

// GetPendingMessages returns agentID's pending records oldest first. Records
// that fail signature verification are moved to quarantine. Files that cannot
// be parsed (for example a write still in progress) are skipped and retried
// on the next read.
func (s *Store) GetPendingMessages(ctx context.Context, agentID string) ([]*protocol.InboxMessage, error) {
	if err := checkName("agent", agentID); err != nil {
		return nil, err
	}

	dir := s.dir(agentID, pendingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing inbox for %s: %w", agentID, err)
	}

	var out []*protocol.InboxMessage
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		path := filepath.Join(dir, name)

		rec, err := readRecord(path)
		if err != nil {
			s.logger.Debug("skipping unreadable inbox record", "path", path, "error", err)
			continue
		}

		if s.verifier != nil {
			if err := s.verifier.VerifySignature(ctx, rec.Message); err != nil {
				if !identity.IsUntrusted(err) {
					s.logger.Warn("cannot verify inbox record yet; leaving it pending", "agent_id", agentID, "message_id", rec.Message.ID, "error", err)
					continue
				}
				s.logger.Warn("quarantining inbox record", "agent_id", agentID, "message_id", rec.Message.ID, "error", err)
				if qerr := s.quarantineRecord(agentID, rec, path, err.Error()); qerr != nil {
					s.logger.Error("failed to quarantine record", "path", path, "error", qerr)
				}
				continue
			}
		}
		out = append(out, rec)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].Message.ID < out[j].Message.ID
	})
	return out, nil
}

// Get returns one pending record.
func (s *Store) Get(agentID, id string) (*protocol.InboxMessage, error) {
	if err := checkName("agent", agentID); err != nil {
		return nil, err
	}
	if err := checkName("message", id); err != nil {
		return nil, err
	}
	rec, err := readRecord(s.pendingPath(agentID, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Acknowledge removes a pending record. Acknowledging a missing record is not
// an error.
func (s *Store) Acknowledge(agentID, id string) error {
	if err := checkName("agent", agentID); err != nil {
		return err
	}
	if err := checkName("message", id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.pendingPath(agentID, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("acknowledging %s for %s: %w", id, agentID, err)
	}
	return nil
}

// IncrementAttempt bumps the attempt counter of a pending record and returns
// the new value.
func (s *Store) IncrementAttempt(agentID, id string) (int, error) {
	if err := checkName("agent", agentID); err != nil {
		return 0, err
	}
	if err := checkName("message", id); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pendingPath(agentID, id)
	rec, err := readRecord(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	rec.Attempts++
	if err := writeJSONAtomic(path, rec); err != nil {
		return 0, fmt.Errorf("updating attempts for %s: %w", id, err)
	}
	return rec.Attempts, nil
}

// Quarantine sets msg aside with a reason. The pending record for msg.ID is
// moved only when it is the very envelope given; a different envelope that
// reuses the id is recorded on its own and the pending record stays put.
func (s *Store) Quarantine(agentID string, msg *protocol.SignedMessage, reason string) error {
	if err := checkName("agent", agentID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if checkName("message", msg.ID) == nil {
		rec, err := readRecord(s.pendingPath(agentID, msg.ID))
		if err == nil && sameEnvelope(rec.Message, msg) {
			return s.quarantineLocked(agentID, rec, reason, msg.ID, s.pendingPath(agentID, msg.ID))
		}
	}
	return s.rejectLocked(agentID, msg, reason)
}

// Reject records msg in quarantine without touching pending mail.
func (s *Store) Reject(agentID string, msg *protocol.SignedMessage, reason string) error {
	if err := checkName("agent", agentID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectLocked(agentID, msg, reason)
}

func (s *Store) rejectLocked(agentID string, msg *protocol.SignedMessage, reason string) error {
	name := "invalid-" + uuid.NewString()
	if checkName("message", msg.ID) == nil {
		name = msg.ID + ".rejected-" + uuid.NewString()
	}
	rec := &protocol.InboxMessage{Message: msg, QueuedAt: s.now().UTC()}
	return s.quarantineLocked(agentID, rec, reason, name, "")
}

// sameEnvelope reports whether a and b carry identical signed content.
func sameEnvelope(a, b *protocol.SignedMessage) bool {
	if a == nil || b == nil || a.Signature != b.Signature {
		return false
	}
	pa, err := a.SigningBytes()
	if err != nil {
		return false
	}
	pb, err := b.SigningBytes()
	if err != nil {
		return false
	}
	return bytes.Equal(pa, pb)
}

// quarantineRecord moves the pending file at path into quarantine.
func (s *Store) quarantineRecord(agentID string, rec *protocol.InboxMessage, path, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := rec.Message.ID
	if checkName("message", name) != nil {
		// Untrusted ids never become paths
		name = "invalid-" + uuid.NewString()
	}
	return s.quarantineLocked(agentID, rec, reason, name, path)
}

// quarantineLocked writes rec to quarantine as name, then removes the pending
// file at remove when one is given.
func (s *Store) quarantineLocked(agentID string, rec *protocol.InboxMessage, reason, name, remove string) error {
	id := rec.Message.ID
	q := QuarantineRecord{
		InboxMessage:  *rec,
		Reason:        reason,
		QuarantinedAt: s.now().UTC(),
	}
	qpath := filepath.Join(s.dir(agentID, quarantineDir), name+recordExt)
	if err := writeJSONAtomic(qpath, q); err != nil {
		return fmt.Errorf("quarantining %s: %w", id, err)
	}

	if remove != "" {
		if err := os.Remove(remove); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing quarantined %s from pending: %w", id, err)
		}
	}
	return nil
}

// ListQuarantined returns agentID's quarantined records, oldest first.
func (s *Store) ListQuarantined(agentID string) ([]QuarantineRecord, error) {
	if err := checkName("agent", agentID); err != nil {
		return nil, err
	}

	dir := s.dir(agentID, quarantineDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing quarantine for %s: %w", agentID, err)
	}

	var out []QuarantineRecord
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var q QuarantineRecord
		if err := json.Unmarshal(data, &q); err != nil || q.Message == nil {
			continue
		}
		q.FilePath = filepath.Join(dir, e.Name())
		out = append(out, q)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].QuarantinedAt.Before(out[j].QuarantinedAt)
	})
	return out, nil
}

func readRecord(path string) (*protocol.InboxMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec protocol.InboxMessage
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if rec.Message == nil {
		return nil, fmt.Errorf("parsing %s: missing message", path)
	}
	rec.FilePath = path
	return &rec, nil
}

// writeJSONAtomic writes v to a temp file in the target directory and renames
// it into place, so readers never observe a partial record.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// compile-time check that the verifier satisfies the inbox's needs
var _ SignatureVerifier = (*identity.Verifier)(nil)
