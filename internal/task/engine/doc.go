// Package engine holds the execution-side concurrency control shared by
// the scheduler and manual runs.
package engine
