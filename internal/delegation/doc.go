// Package delegation hands tasks to the most suitable online agent.
//
// Candidates must hold every required capability. Among them, each preferred
// capability adds PreferredWeight to the score and each claimed or in-progress
// task subtracts LoadPenalty. The task is tracked on the shared SQLite board
// while the assignee works, and the assignee's task_complete reply (matched by
// reply_to) settles it.
package delegation
