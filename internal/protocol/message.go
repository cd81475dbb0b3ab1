// ABOUTME: Envelope, message type, and attachment definitions for inter-agent messages
// ABOUTME: Provides the canonical signing bytes and structural validation

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Broadcast is the To value addressing every known agent.
const Broadcast = "all"

// MessageType identifies the kind of envelope.
type MessageType string

const (
	TypeTaskAssign    MessageType = "task_assign"
	TypeTaskComplete  MessageType = "task_complete"
	TypeMessage       MessageType = "message"
	TypeQuestion      MessageType = "question"
	TypeStatusUpdate  MessageType = "status_update"
	TypeShutdown      MessageType = "shutdown"
	TypeReviewRequest MessageType = "review_request"
)

// AllMessageTypes returns every defined message type.
func AllMessageTypes() []MessageType {
	return []MessageType{
		TypeTaskAssign,
		TypeTaskComplete,
		TypeMessage,
		TypeQuestion,
		TypeStatusUpdate,
		TypeShutdown,
		TypeReviewRequest,
	}
}

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	for _, known := range AllMessageTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Metadata keys set by the coordination layer.
const (
	MetaStatus = "status" // "completed" or "failed" on task_complete replies
	MetaError  = "error"
	MetaUnitID = "unit_id"
)

// AttachmentRef points at bytes carried with a message. Small attachments are
// inlined in Data; larger ones live in the attachment store under Path.
type AttachmentRef struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// Inline reports whether the attachment bytes travel inside the envelope.
func (a AttachmentRef) Inline() bool {
	return a.Path == ""
}

// SignedMessage is the envelope exchanged between agents.
type SignedMessage struct {
	ID          string            `json:"id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Type        MessageType       `json:"type"`
	Content     string            `json:"content"`
	Attachments []AttachmentRef   `json:"attachments,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Signature   string            `json:"signature,omitempty"`
}

// unsignedMessage mirrors SignedMessage without the signature. Field order is
// fixed, so its JSON encoding is stable.
type unsignedMessage struct {
	ID          string            `json:"id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Type        MessageType       `json:"type"`
	Content     string            `json:"content"`
	Attachments []AttachmentRef   `json:"attachments,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// NewMessage creates an unsigned envelope with a fresh ID and UTC timestamp.
func NewMessage(from, to string, msgType MessageType, content string) *SignedMessage {
	return &SignedMessage{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      msgType,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// SigningBytes returns the bytes covered by the signature: the JSON encoding
// of every field except Signature.
func (m *SignedMessage) SigningBytes() ([]byte, error) {
	data, err := json.Marshal(unsignedMessage{
		ID:          m.ID,
		From:        m.From,
		To:          m.To,
		Type:        m.Type,
		Content:     m.Content,
		Attachments: m.Attachments,
		ReplyTo:     m.ReplyTo,
		Metadata:    m.Metadata,
		Timestamp:   m.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding signing payload: %w", err)
	}
	return data, nil
}

// Validate checks structural requirements. It does not check the signature.
func (m *SignedMessage) Validate() error {
	switch {
	case m.ID == "":
		return errors.New("message id is required")
	case m.From == "":
		return errors.New("message sender is required")
	case m.To == "":
		return errors.New("message recipient is required")
	case !m.Type.Valid():
		return fmt.Errorf("unknown message type %q", m.Type)
	case m.Timestamp.IsZero():
		return errors.New("message timestamp is required")
	case !utf8.ValidString(m.Content):
		return errors.New("message content is not valid UTF-8")
	}
	for k, v := range m.Metadata {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return fmt.Errorf("metadata %q is not valid UTF-8", k)
		}
	}
	return nil
}

// IsBroadcast reports whether the message is addressed to every agent.
func (m *SignedMessage) IsBroadcast() bool {
	return m.To == Broadcast
}

// Meta returns a metadata value, or "" when absent.
func (m *SignedMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// Clone returns a deep copy of the message.
func (m *SignedMessage) Clone() *SignedMessage {
	c := *m
	if m.Attachments != nil {
		c.Attachments = make([]AttachmentRef, len(m.Attachments))
		copy(c.Attachments, m.Attachments)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// InboxMessage is a SignedMessage plus delivery bookkeeping.
type InboxMessage struct {
	Message  *SignedMessage `json:"message"`
	QueuedAt time.Time      `json:"queued_at"`
	Attempts int            `json:"attempts"`
	FilePath string         `json:"-"`
}
