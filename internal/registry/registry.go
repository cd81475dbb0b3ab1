// ABOUTME: Agent discovery and liveness over the append-only registry log
// ABOUTME: Current state is a fold of the log; stale heartbeats read as offline

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-courier/internal/identity"
	"github.com/2389/coven-courier/internal/store"
)

// DefaultLivenessWindow is how long a heartbeat keeps an agent online.
const DefaultLivenessWindow = 120 * time.Second

// ErrUnknownAgent is returned for agents that never registered.
var ErrUnknownAgent = errors.New("unknown agent")

// Log is the persistence the registry folds over.
type Log interface {
	AppendRegistration(ctx context.Context, r *store.Registration) error
	ListRegistrations(ctx context.Context) ([]store.Registration, error)
	LatestRegistration(ctx context.Context, agentID string) (store.Registration, error)
	CompactRegistrations(ctx context.Context) (int64, error)
}

// Agent is the folded view of one agent.
type Agent struct {
	ID            string
	Role          string
	Capabilities  []string
	URL           string
	PublicKey     string
	Status        store.AgentStatus // effective status, staleness applied
	LastHeartbeat time.Time
	Registered    time.Time

	order int64
}

// Online reports whether the agent is reachable.
func (a Agent) Online() bool {
	return a.Status.Reachable()
}

// Registry answers who exists, who is alive, and what they can do.
type Registry struct {
	log      Log
	liveness time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a registry over log. A non-positive liveness uses the default.
func New(log Log, liveness time.Duration, logger *slog.Logger) *Registry {
	if liveness <= 0 {
		liveness = DefaultLivenessWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:      log,
		liveness: liveness,
		logger:   logger.With("component", "registry"),
		now:      time.Now,
	}
}

// Register appends a register record for id, reachable at url. Registering
// again refreshes the record and brings the agent back online.
func (r *Registry) Register(ctx context.Context, id identity.Identity, url string) error {
	now := r.now().UTC()
	rec := &store.Registration{
		AgentID:       id.ID,
		Role:          id.Role,
		Capabilities:  id.Capabilities,
		URL:           url,
		PublicKey:     id.PublicKey,
		Status:        store.StatusOnline,
		Kind:          store.KindRegister,
		LastHeartbeat: now,
		Registered:    now,
	}

	prev, err := r.latest(ctx, id.ID)
	if err == nil {
		rec.Registered = prev.Registered
	} else if !errors.Is(err, ErrUnknownAgent) {
		return err
	}

	if err := r.log.AppendRegistration(ctx, rec); err != nil {
		return fmt.Errorf("registering %s: %w", id.ID, err)
	}
	r.logger.Info("agent registered", "agent_id", id.ID, "role", id.Role, "url", url)
	return nil
}

// Heartbeat appends a heartbeat record carrying status.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status store.AgentStatus) error {
	return r.appendFrom(ctx, agentID, store.KindHeartbeat, status)
}

// Deregister appends a terminal offline record.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	if err := r.appendFrom(ctx, agentID, store.KindOffline, store.StatusOffline); err != nil {
		return err
	}
	r.logger.Info("agent deregistered", "agent_id", agentID)
	return nil
}

func (r *Registry) appendFrom(ctx context.Context, agentID string, kind store.RecordKind, status store.AgentStatus) error {
	prev, err := r.latest(ctx, agentID)
	if err != nil {
		return err
	}
	rec := prev
	rec.Seq = 0
	rec.Kind = kind
	rec.Status = status
	rec.LastHeartbeat = r.now().UTC()
	if err := r.log.AppendRegistration(ctx, &rec); err != nil {
		return fmt.Errorf("appending %s for %s: %w", kind, agentID, err)
	}
	return nil
}

// latest returns the raw newest record for agentID.
func (r *Registry) latest(ctx context.Context, agentID string) (store.Registration, error) {
	rec, err := r.log.LatestRegistration(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Registration{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return rec, err
}

func (r *Registry) fold(ctx context.Context) (map[string]store.Registration, error) {
	records, err := r.log.ListRegistrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading registry log: %w", err)
	}
	state := make(map[string]store.Registration, len(records))
	for _, rec := range records {
		if cur, ok := state[rec.AgentID]; !ok || rec.Seq > cur.Seq {
			state[rec.AgentID] = rec
		}
	}
	return state, nil
}

func (r *Registry) view(rec store.Registration) Agent {
	status := rec.Status
	if status != store.StatusOffline && r.now().Sub(rec.LastHeartbeat) > r.liveness {
		status = store.StatusOffline
	}
	caps := make([]string, len(rec.Capabilities))
	copy(caps, rec.Capabilities)
	return Agent{
		ID:            rec.AgentID,
		Role:          rec.Role,
		Capabilities:  caps,
		URL:           rec.URL,
		PublicKey:     rec.PublicKey,
		Status:        status,
		LastHeartbeat: rec.LastHeartbeat,
		Registered:    rec.Registered,
		order:         rec.Order,
	}
}

// Get returns the current view of one agent.
func (r *Registry) Get(ctx context.Context, agentID string) (Agent, error) {
	rec, err := r.latest(ctx, agentID)
	if err != nil {
		return Agent{}, err
	}
	return r.view(rec), nil
}

// ListAll returns every agent ever registered, in first-registration order.
func (r *Registry) ListAll(ctx context.Context) ([]Agent, error) {
	state, err := r.fold(ctx)
	if err != nil {
		return nil, err
	}
	agents := make([]Agent, 0, len(state))
	for _, rec := range state {
		agents = append(agents, r.view(rec))
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].order != agents[j].order {
			return agents[i].order < agents[j].order
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

// ListOnline returns reachable agents in first-registration order.
func (r *Registry) ListOnline(ctx context.Context) ([]Agent, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	online := all[:0]
	for _, a := range all {
		if a.Online() {
			online = append(online, a)
		}
	}
	return online, nil
}

// FindByCapability returns online agents whose capabilities include every
// entry of caps.
func (r *Registry) FindByCapability(ctx context.Context, caps []string) ([]Agent, error) {
	online, err := r.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	var out []Agent
	for _, a := range online {
		if identity.HasCapabilities(a.Capabilities, caps) {
			out = append(out, a)
		}
	}
	return out, nil
}

// PublicKey implements identity.KeyResolver. Offline agents still resolve so
// their queued messages can be verified.
func (r *Registry) PublicKey(ctx context.Context, agentID string) (ssh.PublicKey, error) {
	rec, err := r.latest(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrUnknownAgent) {
			return nil, fmt.Errorf("%w: %s", identity.ErrUnknownSender, agentID)
		}
		return nil, err
	}
	if rec.PublicKey == "" {
		return nil, fmt.Errorf("%w: %s has no public key", identity.ErrUnknownSender, agentID)
	}
	return identity.ParsePublicKey(rec.PublicKey)
}

// Compact collapses each agent's history to its latest record.
func (r *Registry) Compact(ctx context.Context) (int64, error) {
	return r.log.CompactRegistrations(ctx)
}

var _ identity.KeyResolver = (*Registry)(nil)
