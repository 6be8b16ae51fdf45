package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postflow/internal/config"
	"postflow/internal/runtime/supervisor"
	logx "postflow/pkg/logx"
)

// notifier speaks sd_notify. Every call is a no-op outside systemd
// (NOTIFY_SOCKET unset) or when disabled in config.
type notifier struct {
	cfg config.SystemdConfig
	log logx.Logger
	// send is daemon.SdNotify; swapped in tests.
	send func(unsetEnv bool, state string) (bool, error)
	// interval is daemon.SdWatchdogEnabled.
	interval func(unsetEnv bool) (time.Duration, error)
}

func newNotifier(cfg config.SystemdConfig, log logx.Logger) *notifier {
	return &notifier{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "systemd")),
		send:     daemon.SdNotify,
		interval: daemon.SdWatchdogEnabled,
	}
}

// ready reports READY=1 and, when WatchdogSec is set on the unit, starts a
// keepalive loop pinging at half the interval.
func (n *notifier) ready(sup *supervisor.Supervisor) {
	if !n.cfg.Notify {
		return
	}
	if ok, err := n.send(false, daemon.SdNotifyReady); err != nil {
		n.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		n.log.Debug("sd_notify ready sent")
	}
	if !n.cfg.Watchdog {
		return
	}
	every, err := n.interval(false)
	if err != nil || every <= 0 {
		if err != nil {
			n.log.Warn("watchdog interval unavailable", logx.Err(err))
		}
		return
	}
	sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if _, err := n.send(false, daemon.SdNotifyWatchdog); err != nil {
					n.log.Warn("watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
}

func (n *notifier) stopping() {
	if !n.cfg.Notify {
		return
	}
	_, _ = n.send(false, daemon.SdNotifyStopping)
}
