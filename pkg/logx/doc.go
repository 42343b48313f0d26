// Package logx is taskpanel's logging layer over zerolog.
//
// Components take a Logger by value and tag it with Component. Events use
// the shared keys (task_id, pid, command) so the API and scheduler process
// logs can be correlated. The console sink is human readable, the file
// sink is JSON, and both can be swapped by a config reload.
package logx
