// Package scheduler keeps the live job table of the scheduler process.
//
// It is trigger-only:
//   - registering and replacing per-task cron jobs (5 or 6 fields)
//   - computing activations in the configured timezone
//   - handing fired jobs to a Dispatcher (the runner behind the limiter)
//   - running fixed-interval housekeeping jobs
package scheduler
