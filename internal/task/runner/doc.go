// Package runner executes task commands.
//
// A run moves the record idle -> queued -> running -> idle. The runner
// queues behind the engine Limiter, spawns "sh -c <command>" in its own
// process group, streams both pipes into a per-run log file and releases
// the record only if its pid still owns it.
//
// KillTree terminates a run together with everything it forked.
package runner
