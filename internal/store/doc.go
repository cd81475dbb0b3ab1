// Package store is the coordination database shared by the agents of one
// workspace.
//
// It holds three tables in a single SQLite file (modernc.org/sqlite, WAL
// mode):
//
//   - registrations: the append-only registry log. Agents never update rows;
//     they append register, heartbeat, and offline records. The registry
//     folds the log to compute current state.
//   - tasks: the delegation board. State changes are conditional updates so
//     two agents cannot claim the same task.
//   - approvals: an audit trail of every approval decision.
//
// Several agent processes may open the same file concurrently; the busy
// timeout absorbs short write contention.
package store
