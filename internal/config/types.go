package config

// Config is the on-disk configuration shared by the API process and the
// scheduler process. Durations are Go duration strings ("500ms", "5s",
// "1m"); empty fields take the defaults applied by Resolve.
type Config struct {
	DataDir   string          `json:"data_dir,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Runner    RunnerConfig    `json:"runner"`
	Scheduler SchedulerConfig `json:"scheduler"`
	API       APIConfig       `json:"api"`
	Crontab   CrontabConfig   `json:"crontab"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig locates the task database. Path defaults to
// <data_dir>/taskpanel.db.
type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RunnerConfig controls how task commands are executed.
//
// MaxParallel caps concurrently running tasks per process; 0 means the
// number of CPUs. It is applied live on reload. LogRetention of "0s"
// keeps run logs forever.
type RunnerConfig struct {
	Shell        string `json:"shell,omitempty"`
	Wrapper      string `json:"wrapper,omitempty"`
	MaxParallel  int    `json:"max_parallel,omitempty"`
	LogDir       string `json:"log_dir,omitempty"`
	LogRetention string `json:"log_retention,omitempty"`
	KillGrace    string `json:"kill_grace,omitempty"`
}

type SchedulerConfig struct {
	RPCAddr           string `json:"rpc_addr,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
	MetricsAddr       string `json:"metrics_addr,omitempty"`
	ReconcileInterval string `json:"reconcile_interval,omitempty"`
}

type APIConfig struct {
	Addr         string `json:"addr,omitempty"`
	RPCTimeout   string `json:"rpc_timeout,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty"`
}

// CrontabConfig controls the materialized crontab file. Installer, when
// set, is run with the file path appended after every change (for example
// "crontab").
type CrontabConfig struct {
	Path      string `json:"path,omitempty"`
	Installer string `json:"installer,omitempty"`
}
