// ABOUTME: Approval audit log persistence
// ABOUTME: Every approval decision, whoever made it, is appended here

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordApproval appends an approval decision. ID and DecidedAt are generated
// when unset.
func (s *SQLiteStore) RecordApproval(ctx context.Context, r *ApprovalRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.DecidedAt.IsZero() {
		r.DecidedAt = time.Now().UTC()
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = r.DecidedAt
	}
	if r.Urgency == "" {
		r.Urgency = "normal"
	}

	params := r.Parameters
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling approval parameters: %w", err)
	}

	approved := 0
	if r.Approved {
		approved = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, agent_id, tool, parameters, context, urgency, approved, decided_by, reason, channel, requested_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, r.Tool, string(paramsJSON), r.Context, r.Urgency, approved,
		r.DecidedBy, r.Reason, r.Channel, formatTime(r.RequestedAt), formatTime(r.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting approval record: %w", err)
	}

	s.logger.Debug("recorded approval decision",
		"id", r.ID,
		"agent_id", r.AgentID,
		"tool", r.Tool,
		"approved", r.Approved,
		"channel", r.Channel,
	)
	return nil
}

// ListApprovals returns decisions for agentID (all agents when empty), newest
// first. A non-positive limit defaults to 100.
func (s *SQLiteStore) ListApprovals(ctx context.Context, agentID string, limit int) ([]*ApprovalRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, agent_id, tool, parameters, context, urgency, approved, decided_by, reason, channel, requested_at, decided_at FROM approvals`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY decided_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying approvals: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalRecord
	for rows.Next() {
		var (
			r                  ApprovalRecord
			params             string
			approved           int
			requested, decided string
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Tool, &params, &r.Context, &r.Urgency, &approved,
			&r.DecidedBy, &r.Reason, &r.Channel, &requested, &decided); err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &r.Parameters); err != nil {
			return nil, fmt.Errorf("parsing approval parameters: %w", err)
		}
		r.Approved = approved == 1
		r.RequestedAt = parseTime(requested)
		r.DecidedAt = parseTime(decided)
		out = append(out, &r)
	}
	return out, rows.Err()
}
