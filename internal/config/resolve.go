package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	logx "taskpanel/pkg/logx"
)

// Defaults for fields left empty.
const (
	DefaultDataDir           = "./data"
	DefaultShell             = "/bin/sh"
	DefaultBusyTimeout       = 5 * time.Second
	DefaultLogRetention      = 7 * 24 * time.Hour
	DefaultKillGrace         = 3 * time.Second
	DefaultRPCAddr           = "127.0.0.1:5700"
	DefaultMetricsAddr       = "127.0.0.1:5701"
	DefaultReconcileInterval = time.Minute
	DefaultAPIAddr           = "127.0.0.1:5600"
	DefaultRPCTimeout        = 5 * time.Second
	DefaultSyncInterval      = 30 * time.Second
)

// Settings is Config with defaults applied, paths resolved and durations
// parsed.
type Settings struct {
	DataDir string
	Logging logx.Config

	StoragePath string
	BusyTimeout time.Duration

	Shell        string
	Wrapper      string
	MaxParallel  int
	LogDir       string
	LogRetention time.Duration
	KillGrace    time.Duration

	RPCAddr           string
	Timezone          string
	MetricsAddr       string
	ReconcileInterval time.Duration

	APIAddr      string
	RPCTimeout   time.Duration
	SyncInterval time.Duration

	CrontabPath string
	Installer   string
}

// Resolve validates cfg and fills in defaults.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var (
		s    Settings
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := durationField{path: path, def: def}.parse(raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	s.DataDir = strings.TrimSpace(cfg.DataDir)
	if s.DataDir == "" {
		s.DataDir = DefaultDataDir
	}
	inData := func(p, name string) string {
		if p = strings.TrimSpace(p); p != "" {
			return p
		}
		return filepath.Join(s.DataDir, name)
	}

	s.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console == nil || *cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    inData(cfg.Logging.File.Path, "taskpanel.log"),
		},
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "INFO"
	}
	if !logx.ValidLevel(s.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	s.StoragePath = inData(cfg.Storage.Path, "taskpanel.db")
	s.BusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, DefaultBusyTimeout)

	s.Shell = strings.TrimSpace(cfg.Runner.Shell)
	if s.Shell == "" {
		s.Shell = DefaultShell
	}
	s.Wrapper = strings.TrimSpace(cfg.Runner.Wrapper)
	s.MaxParallel = cfg.Runner.MaxParallel
	if s.MaxParallel < 0 {
		errs = append(errs, errors.New("runner.max_parallel: must be >= 0"))
	}
	if s.MaxParallel == 0 {
		s.MaxParallel = runtime.NumCPU()
	}
	s.LogDir = inData(cfg.Runner.LogDir, "logs")
	// Zero retention keeps logs forever.
	retention := durationField{path: "runner.log_retention", def: DefaultLogRetention, keepZero: true}
	if d, err := retention.parse(cfg.Runner.LogRetention); err != nil {
		errs = append(errs, err)
	} else {
		s.LogRetention = d
	}
	s.KillGrace = dur("runner.kill_grace", cfg.Runner.KillGrace, DefaultKillGrace)

	s.RPCAddr = orDefault(cfg.Scheduler.RPCAddr, DefaultRPCAddr)
	s.MetricsAddr = orDefault(cfg.Scheduler.MetricsAddr, DefaultMetricsAddr)
	s.Timezone = strings.TrimSpace(cfg.Scheduler.Timezone)
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	s.ReconcileInterval = dur("scheduler.reconcile_interval", cfg.Scheduler.ReconcileInterval, DefaultReconcileInterval)

	s.APIAddr = orDefault(cfg.API.Addr, DefaultAPIAddr)
	s.RPCTimeout = dur("api.rpc_timeout", cfg.API.RPCTimeout, DefaultRPCTimeout)
	s.SyncInterval = dur("api.sync_interval", cfg.API.SyncInterval, DefaultSyncInterval)

	s.CrontabPath = inData(cfg.Crontab.Path, "crontab.list")
	s.Installer = strings.TrimSpace(cfg.Crontab.Installer)

	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
