// ABOUTME: Tests for the SQLite coordination database
// ABOUTME: Covers the registry log, task board transitions, and approval audit log

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "courier.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "courier.db")
	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, path)
}

func TestAppendRegistration_AssignsSeqAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Registration{AgentID: "alice", Status: StatusOnline, Kind: KindRegister, Capabilities: []string{"go"}}
	b := &Registration{AgentID: "bob", Status: StatusOnline, Kind: KindRegister}
	a2 := &Registration{AgentID: "alice", Status: StatusBusy, Kind: KindHeartbeat}

	require.NoError(t, s.AppendRegistration(ctx, a))
	require.NoError(t, s.AppendRegistration(ctx, b))
	require.NoError(t, s.AppendRegistration(ctx, a2))

	assert.Less(t, a.Seq, b.Seq)
	assert.Less(t, b.Seq, a2.Seq)
	assert.Equal(t, a.Seq, a.Order)
	assert.Equal(t, a.Order, a2.Order, "order follows the first registration")

	log, err := s.ListRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, []string{"go"}, log[0].Capabilities)
	assert.Equal(t, []string{}, log[1].Capabilities)
	assert.Equal(t, StatusBusy, log[2].Status)
	assert.Equal(t, KindHeartbeat, log[2].Kind)
}

func TestLatestRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendRegistration(ctx, &Registration{AgentID: "alice", Status: StatusOnline, Kind: KindRegister, PublicKey: "k1"}))
	require.NoError(t, s.AppendRegistration(ctx, &Registration{AgentID: "bob", Status: StatusOnline, Kind: KindRegister}))
	last := &Registration{AgentID: "alice", Status: StatusBusy, Kind: KindHeartbeat, PublicKey: "k1"}
	require.NoError(t, s.AppendRegistration(ctx, last))

	got, err := s.LatestRegistration(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, last.Seq, got.Seq)
	assert.Equal(t, StatusBusy, got.Status)
	assert.Equal(t, "k1", got.PublicKey)

	_, err = s.LatestRegistration(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompactRegistrations_KeepsLatestPerAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendRegistration(ctx, &Registration{AgentID: "alice", Status: StatusOnline, Kind: KindHeartbeat}))
	}
	require.NoError(t, s.AppendRegistration(ctx, &Registration{AgentID: "bob", Status: StatusOnline, Kind: KindRegister}))
	last := &Registration{AgentID: "alice", Status: StatusOffline, Kind: KindOffline}
	require.NoError(t, s.AppendRegistration(ctx, last))

	removed, err := s.CompactRegistrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	log, err := s.ListRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "bob", log[0].AgentID)
	assert.Equal(t, last.Seq, log[1].Seq)
	assert.Less(t, log[1].Order, log[0].Order, "alice registered first")
}

func TestRegistration_TimesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 10, 30, 0, 123456789, time.UTC)

	require.NoError(t, s.AppendRegistration(ctx, &Registration{
		AgentID: "alice", Status: StatusOnline, Kind: KindRegister, LastHeartbeat: at, Registered: at,
	}))

	log, err := s.ListRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.True(t, at.Equal(log[0].LastHeartbeat))
	assert.True(t, at.Equal(log[0].Registered))
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "write docs", CreatedBy: "lead"}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.Len(t, task.ID, 26, "ulid")
	assert.Equal(t, TaskAvailable, task.Status)

	require.NoError(t, s.ClaimTask(ctx, task.ID, "alice"))
	n, err := s.CountActiveTasks(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Only the claimer may start it
	assert.ErrorIs(t, s.StartTask(ctx, task.ID, "bob"), ErrConflict)
	require.NoError(t, s.StartTask(ctx, task.ID, "alice"))
	require.NoError(t, s.CompleteTask(ctx, task.ID, "done"))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
	assert.Equal(t, "alice", got.AssignedTo)

	n, err = s.CountActiveTasks(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClaimTask_OnlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "contested"}
	require.NoError(t, s.CreateTask(ctx, task))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, agent := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			if s.ClaimTask(ctx, task.ID, agent) == nil {
				mu.Lock()
				winners = append(winners, agent)
				mu.Unlock()
			}
		}(agent)
	}
	wg.Wait()

	assert.Len(t, winners, 1)
}

func TestReleaseTask_RetriesThenFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "flaky"}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.ClaimTask(ctx, task.ID, "alice"))
	require.NoError(t, s.StartTask(ctx, task.ID, "alice"))
	status, err := s.ReleaseTask(ctx, task.ID, "boom", 2)
	require.NoError(t, err)
	assert.Equal(t, TaskAvailable, status)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "boom", got.Error)
	assert.Empty(t, got.ClaimedBy)

	require.NoError(t, s.ClaimTask(ctx, task.ID, "bob"))
	status, err = s.ReleaseTask(ctx, task.ID, "boom again", 2)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, status)

	_, err = s.ReleaseTask(ctx, task.ID, "x", 2)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTaskTransitions_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.ClaimTask(ctx, "missing", "a"), ErrNotFound)
}

func TestListTasks_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"one", "two", "three"} {
		require.NoError(t, s.CreateTask(ctx, &Task{Title: title, CreatedBy: "lead"}))
	}
	all, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, s.ClaimTask(ctx, all[0].ID, "alice"))

	claimed, err := s.ListTasks(ctx, TaskFilter{Status: TaskClaimed})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, all[0].ID, claimed[0].ID)

	mine, err := s.ListTasks(ctx, TaskFilter{AssignedTo: "alice"})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	limited, err := s.ListTasks(ctx, TaskFilter{CreatedBy: "lead", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestApprovals_RecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &ApprovalRecord{
		AgentID:    "alice",
		Tool:       "shell_exec",
		Parameters: map[string]string{"cmd": "rm -rf build"},
		Approved:   true,
		DecidedBy:  "lead",
		Channel:    "supervisor",
		DecidedAt:  time.Now().Add(-time.Minute).UTC(),
	}
	second := &ApprovalRecord{AgentID: "alice", Tool: "db_drop", Reason: "no human available", Channel: "headless"}
	other := &ApprovalRecord{AgentID: "bob", Tool: "deploy_production"}

	require.NoError(t, s.RecordApproval(ctx, first))
	require.NoError(t, s.RecordApproval(ctx, second))
	require.NoError(t, s.RecordApproval(ctx, other))

	records, err := s.ListApprovals(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "db_drop", records[0].Tool, "newest first")
	assert.False(t, records[0].Approved)
	assert.Equal(t, "normal", records[0].Urgency)
	assert.True(t, records[1].Approved)
	assert.Equal(t, "rm -rf build", records[1].Parameters["cmd"])

	all, err := s.ListApprovals(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
