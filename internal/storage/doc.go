// Package storage is the task record store: a SQLite database (WAL mode)
// shared by the API process and the scheduler process.
//
// It owns:
//   - task definitions and their saved flag
//   - the run status state machine (idle, queued, running) and pid
//   - saved list views
package storage
