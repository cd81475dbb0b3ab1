// ABOUTME: Approval requests, decisions, and the fixed set of tools that always need sign-off
// ABOUTME: Shared by the approval service, its channels, and the mesh supervisor

package approval

import (
	"encoding/json"
	"strings"
	"time"
)

// Urgency controls how far up the hierarchy a request may escalate.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyNormal, UrgencyUrgent, UrgencyCritical:
		return true
	}
	return false
}

// Decision channels, recorded in the audit table.
const (
	ChannelSupervisor = "supervisor"
	ChannelHuman      = "human"
	ChannelHeadless   = "headless"
	ChannelCapability = "capability"
)

var gatedTools = map[string]struct{}{
	"file_delete":       {},
	"shell_exec":        {},
	"git_force_push":    {},
	"db_drop":           {},
	"deploy_production": {},
	"secret_write":      {},
}

// RequiresApproval reports whether tool always needs approval.
func RequiresApproval(tool string) bool {
	_, ok := gatedTools[tool]
	return ok
}

// Request asks for permission to run a tool.
type Request struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	Tool        string            `json:"tool"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Context     string            `json:"context,omitempty"`
	Urgency     Urgency           `json:"urgency"`
	RequestedAt time.Time         `json:"requested_at"`
}

// Decision is the answer to a Request.
type Decision struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Channel   string `json:"-"`
}

// ParseDecision reads a supervisor's reply. JSON decisions are taken as is;
// free text approves only when it starts with an explicit yes.
func ParseDecision(content string) Decision {
	trimmed := strings.TrimSpace(content)
	var d Decision
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &d) == nil {
		return d
	}

	first := strings.ToLower(strings.Trim(strings.SplitN(trimmed+" ", " ", 2)[0], ".,:;!"))
	switch first {
	case "approve", "approved", "yes", "y", "ok":
		return Decision{Approved: true, Reason: trimmed}
	}
	return Decision{Approved: false, Reason: trimmed}
}
