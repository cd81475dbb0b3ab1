// ABOUTME: Maps message types to the interrupt/queue/log priority classes
// ABOUTME: Single source of truth consulted by the unified message handler

package protocol

// PriorityClass determines how a message affects a busy recipient.
type PriorityClass int

const (
	// ClassLog messages are recorded only.
	ClassLog PriorityClass = iota
	// ClassQueue messages start when the recipient is free.
	ClassQueue
	// ClassInterrupt messages preempt current work.
	ClassInterrupt
)

// String returns the class name.
func (c PriorityClass) String() string {
	switch c {
	case ClassInterrupt:
		return "interrupt"
	case ClassQueue:
		return "queue"
	default:
		return "log"
	}
}

// Classify returns the priority class for a message type.
// Unknown types never disturb the recipient.
func Classify(t MessageType) PriorityClass {
	switch t {
	case TypeShutdown, TypeQuestion, TypeMessage:
		return ClassInterrupt
	case TypeTaskAssign, TypeReviewRequest:
		return ClassQueue
	case TypeStatusUpdate, TypeTaskComplete:
		return ClassLog
	}
	return ClassLog
}
