// ABOUTME: Append-only registry log persistence
// ABOUTME: Records are never updated in place; compaction keeps only each agent's latest record

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AppendRegistration appends r to the log and fills r.Seq and r.Order.
// An agent's Order is the Seq of its first record and never changes.
func (s *SQLiteStore) AppendRegistration(ctx context.Context, r *Registration) error {
	caps, err := json.Marshal(nonNil(r.Capabilities))
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	if r.LastHeartbeat.IsZero() {
		r.LastHeartbeat = time.Now().UTC()
	}
	if r.Registered.IsZero() {
		r.Registered = r.LastHeartbeat
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var order int64
	err = tx.QueryRowContext(ctx,
		`SELECT order_key FROM registrations WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`,
		r.AgentID,
	).Scan(&order)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("looking up registration order: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO registrations (order_key, agent_id, role, capabilities, url, public_key, status, kind, last_heartbeat, registered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order, r.AgentID, r.Role, string(caps), r.URL, r.PublicKey,
		string(r.Status), string(r.Kind),
		formatTime(r.LastHeartbeat), formatTime(r.Registered),
	)
	if err != nil {
		return fmt.Errorf("inserting registration: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading registration seq: %w", err)
	}
	if order == 0 {
		order = seq
		if _, err := tx.ExecContext(ctx, `UPDATE registrations SET order_key = ? WHERE seq = ?`, order, seq); err != nil {
			return fmt.Errorf("setting registration order: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing registration: %w", err)
	}
	r.Seq = seq
	r.Order = order

	s.logger.Debug("appended registration", "agent_id", r.AgentID, "kind", r.Kind, "status", r.Status, "seq", seq)
	return nil
}

const registrationColumns = `seq, order_key, agent_id, role, capabilities, url, public_key, status, kind, last_heartbeat, registered`

func scanRegistration(row rowScanner) (Registration, error) {
	var (
		r                     Registration
		caps, status, kind    string
		heartbeat, registered string
	)
	if err := row.Scan(&r.Seq, &r.Order, &r.AgentID, &r.Role, &caps, &r.URL, &r.PublicKey,
		&status, &kind, &heartbeat, &registered); err != nil {
		return Registration{}, err
	}
	if err := json.Unmarshal([]byte(caps), &r.Capabilities); err != nil {
		return Registration{}, fmt.Errorf("parsing capabilities for %s: %w", r.AgentID, err)
	}
	r.Status = AgentStatus(status)
	r.Kind = RecordKind(kind)
	r.LastHeartbeat = parseTime(heartbeat)
	r.Registered = parseTime(registered)
	return r, nil
}

// ListRegistrations returns the whole log in sequence order.
func (s *SQLiteStore) ListRegistrations(ctx context.Context) ([]Registration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+registrationColumns+` FROM registrations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying registrations: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning registration: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRegistration returns agentID's newest record, or ErrNotFound.
func (s *SQLiteStore) LatestRegistration(ctx context.Context, agentID string) (Registration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`,
		agentID)
	r, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Registration{}, ErrNotFound
	}
	if err != nil {
		return Registration{}, fmt.Errorf("reading latest registration for %s: %w", agentID, err)
	}
	return r, nil
}

// CompactRegistrations deletes every record that is not its agent's latest.
// Returns the number of records removed.
func (s *SQLiteStore) CompactRegistrations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM registrations
		WHERE seq NOT IN (SELECT MAX(seq) FROM registrations GROUP BY agent_id)`)
	if err != nil {
		return 0, fmt.Errorf("compacting registrations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting compacted registrations: %w", err)
	}
	s.logger.Info("compacted registry log", "removed", n)
	return n, nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
