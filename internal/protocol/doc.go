// Package protocol defines the envelope exchanged between coven agents.
//
// # Envelope
//
// A SignedMessage carries one instruction, status report, or request from one
// agent to another (or to "all"). The signature covers every other field; see
// SigningBytes for the exact encoding.
//
// # Priority Classes
//
// Every MessageType maps to exactly one PriorityClass:
//
//	interrupt  shutdown, question, message       preempts current work
//	queue      task_assign, review_request       runs when the agent is free
//	log        status_update, task_complete      recorded, never disturbs
//
// Classify is the single source of truth for this mapping. Adding a
// MessageType requires adding it to AllMessageTypes and to Classify; the
// package tests fail otherwise.
//
// # Recipient Markers
//
// A finished unit of work may name explicit recipients for its result using
// markers of the form [to:agent-id]. ParseRecipients extracts them and
// StripRecipients removes them from the text.
package protocol
