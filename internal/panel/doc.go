// Package panel is the task service used by the API process. It keeps the
// record store, the crontab file and the scheduler process in step and
// runs tasks on demand.
package panel
