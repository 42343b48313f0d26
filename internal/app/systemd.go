package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskpanel/pkg/logx"
)

// startSystemd reports readiness to systemd and, when the unit sets
// WatchdogSec, pings the watchdog while the store answers. Outside systemd
// both are no-ops.
func (a *Scheduler) startSystemd() {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd.notify_failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd.ready")
	}

	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd.watchdog_failed", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pctx, cancel := context.WithTimeout(ctx, every/4)
				err := a.store.Ping(pctx)
				cancel()
				if err != nil {
					a.log.Warn("systemd.watchdog_skipped", logx.Err(err))
					continue
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("systemd.notify_failed", logx.Err(err))
	}
}
