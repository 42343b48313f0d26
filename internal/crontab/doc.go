// Package crontab writes the task table out as an OS crontab file and
// reads crontab text back for import.
package crontab
