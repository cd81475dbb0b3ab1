// ABOUTME: HTTP health and status endpoints for an agent process
// ABOUTME: /health is liveness, /health/ready checks the handler loop, /status reports local state

package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// StatusReport is served on /status.
type StatusReport struct {
	AgentID      string   `json:"agent_id"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
	Fingerprint  string   `json:"fingerprint"`
	Queued       int      `json:"queued"`
	CurrentUnit  string   `json:"current_unit,omitempty"`
	Waiting      int      `json:"waiting_replies"`
	Pending      int      `json:"pending_inbox"`
	OnlineAgents []string `json:"online_agents"`
}

func (c *Coordinator) healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/health/ready", c.handleReady)
	mux.HandleFunc("/status", c.handleStatus)
	return mux
}

// handleHealth returns 200 OK if the process is alive.
func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once the handler loop answers.
func (c *Coordinator) handleReady(w http.ResponseWriter, r *http.Request) {
	if c.handler == nil {
		http.Error(w, "no handler", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := c.handler.Status(ctx); err != nil {
		http.Error(w, "handler not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := c.Report(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// Report collects the local status.
func (c *Coordinator) Report(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{
		AgentID:      c.identity.ID,
		Role:         c.identity.Role,
		Capabilities: c.identity.Capabilities,
		Fingerprint:  c.identity.PublicKeyFingerprint,
	}
	if c.handler != nil {
		st, err := c.handler.Status(ctx)
		if err != nil {
			return nil, err
		}
		report.Queued = st.Queued
		report.CurrentUnit = st.CurrentUnit
		report.Waiting = st.Waiting
	}

	pending, err := c.inbox.GetPendingMessages(ctx, c.identity.ID)
	if err != nil {
		return nil, err
	}
	report.Pending = len(pending)

	online, err := c.registry.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range online {
		report.OnlineAgents = append(report.OnlineAgents, a.ID)
	}
	return report, nil
}
