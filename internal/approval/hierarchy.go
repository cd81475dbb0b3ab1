// ABOUTME: Escalation chain of who reports to whom
// ABOUTME: Resolves which supervisor should see a request at a given urgency

package approval

import (
	"errors"
	"fmt"

	"github.com/2389/coven-courier/internal/config"
)

// ErrNoSupervisor means the agent has nobody to escalate to.
var ErrNoSupervisor = errors.New("no supervisor")

// Target is the agent that should decide. Blocking means the target is not
// available and the request must wait for it.
type Target struct {
	AgentID  string
	Blocking bool
}

// Hierarchy maps each agent to its direct supervisor.
type Hierarchy struct {
	boss  map[string]string
	scope map[string]string
}

// NewHierarchy builds a hierarchy from configuration. Members are assumed to
// have passed config validation (no cycles).
func NewHierarchy(members []config.HierarchyMember) *Hierarchy {
	h := &Hierarchy{
		boss:  make(map[string]string, len(members)),
		scope: make(map[string]string, len(members)),
	}
	for _, m := range members {
		if m.ReportsTo != "" {
			h.boss[m.AgentID] = m.ReportsTo
		}
		h.scope[m.AgentID] = m.Scope
	}
	return h
}

// Boss returns agentID's direct supervisor.
func (h *Hierarchy) Boss(agentID string) (string, bool) {
	b, ok := h.boss[agentID]
	return b, ok
}

// Scope returns the configured scope of an agent.
func (h *Hierarchy) Scope(agentID string) string {
	return h.scope[agentID]
}

// Chain returns agentID's supervisors, nearest first.
func (h *Hierarchy) Chain(agentID string) []string {
	var chain []string
	seen := map[string]bool{agentID: true}
	for cur := agentID; ; {
		next, ok := h.boss[cur]
		if !ok || seen[next] {
			return chain
		}
		seen[next] = true
		chain = append(chain, next)
		cur = next
	}
}

// Resolve picks who decides for agentID. available reports whether an agent
// can answer now.
//
// normal goes to the direct boss. urgent skips an unavailable boss for the
// boss's boss, and waits on the direct boss when neither is available.
// critical goes straight to the top of the chain.
func (h *Hierarchy) Resolve(agentID string, urgency Urgency, available func(string) bool) (Target, error) {
	chain := h.Chain(agentID)
	if len(chain) == 0 {
		return Target{}, fmt.Errorf("%w for %s", ErrNoSupervisor, agentID)
	}
	boss := chain[0]

	switch urgency {
	case UrgencyCritical:
		top := chain[len(chain)-1]
		return Target{AgentID: top, Blocking: !available(top)}, nil
	case UrgencyUrgent:
		if available(boss) {
			return Target{AgentID: boss}, nil
		}
		if len(chain) > 1 && available(chain[1]) {
			return Target{AgentID: chain[1]}, nil
		}
		return Target{AgentID: boss, Blocking: true}, nil
	default:
		return Target{AgentID: boss, Blocking: !available(boss)}, nil
	}
}
