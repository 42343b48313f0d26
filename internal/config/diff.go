package config

import (
	"reflect"

	logx "taskpanel/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// log fields describing their new values. The crontab installer command is
// reported only as set or unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if oldCfg.DataDir != newCfg.DataDir {
		changed = append(changed, "data_dir")
		fields = append(fields, logx.String("data_dir", newCfg.DataDir))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}
	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
		fields = append(fields,
			logx.Int("runner.max_parallel", newCfg.Runner.MaxParallel),
			logx.String("runner.log_retention", newCfg.Runner.LogRetention),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
	}
	if oldCfg.Crontab != newCfg.Crontab {
		changed = append(changed, "crontab")
		fields = append(fields, logx.Bool("crontab.installer_set", newCfg.Crontab.Installer != ""))
	}
	return changed, fields
}

// RestartRequired lists changed settings that only take effect after a
// process restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	add := func(name string, differ bool) {
		if differ {
			out = append(out, name)
		}
	}
	add("data_dir", oldCfg.DataDir != newCfg.DataDir)
	add("storage", oldCfg.Storage != newCfg.Storage)
	add("scheduler.rpc_addr", oldCfg.Scheduler.RPCAddr != newCfg.Scheduler.RPCAddr)
	add("scheduler.metrics_addr", oldCfg.Scheduler.MetricsAddr != newCfg.Scheduler.MetricsAddr)
	add("api.addr", oldCfg.API.Addr != newCfg.API.Addr)
	add("runner.log_dir", oldCfg.Runner.LogDir != newCfg.Runner.LogDir)
	add("runner.shell", oldCfg.Runner.Shell != newCfg.Runner.Shell)
	return out
}
