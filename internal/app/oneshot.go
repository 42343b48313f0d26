package app

import (
	"context"
	"fmt"
	"io"

	"taskpanel/internal/bridge"
	"taskpanel/internal/config"
	"taskpanel/internal/storage"
	logx "taskpanel/pkg/logx"
)

func loadSettings(cfgPath string) (config.Settings, error) {
	raw, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return config.Settings{}, fmt.Errorf("load config: %w", err)
	}
	return config.Resolve(raw)
}

// Health probes the scheduler process and writes its status to out. It
// fails unless the status is SERVING.
func Health(ctx context.Context, cfgPath string, out io.Writer) error {
	cfg, err := loadSettings(cfgPath)
	if err != nil {
		return err
	}
	c, err := bridge.Dial(cfg.RPCAddr, cfg.RPCTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	status, err := c.HealthCheck(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(out, "UNREACHABLE")
		return err
	}
	_, _ = fmt.Fprintln(out, status)
	if status != "SERVING" {
		return fmt.Errorf("scheduler at %s is %s", cfg.RPCAddr, status)
	}
	return nil
}

// Materialize rewrites the crontab file from the store and prints its
// path.
func Materialize(ctx context.Context, cfgPath string, out io.Writer) error {
	cfg, err := loadSettings(cfgPath)
	if err != nil {
		return err
	}
	log := logx.NewConsole(cfg.Logging.Level)
	st, err := storage.Open(storage.Config{Path: cfg.StoragePath, BusyTimeout: cfg.BusyTimeout}, log.Component("storage"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	tab := newMaterializer(cfg, st, log)
	changed, err := tab.Materialize(ctx)
	if err != nil {
		return err
	}
	state := "unchanged"
	if changed {
		state = "written"
	}
	_, _ = fmt.Fprintf(out, "%s %s\n", tab.Path(), state)
	return nil
}
